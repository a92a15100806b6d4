package providers

import (
	"context"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
)

// PatientSource supplies already-normalized patient bundles
type PatientSource interface {
	GetBundle(ctx context.Context, patientID string) (*entities.PatientBundle, error)
}
