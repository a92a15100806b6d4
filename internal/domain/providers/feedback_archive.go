package providers

import (
	"context"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
)

// FeedbackArchive stores processed feedback events
type FeedbackArchive interface {
	Archive(ctx context.Context, record *entities.FeedbackRecord) error
}
