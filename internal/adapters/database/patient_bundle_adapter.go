package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/clinicalanalysis/backend/pkg/errors"
)

const patientBundleTable = "patient_bundles"

const patientBundleSchema = `CREATE TABLE IF NOT EXISTS patient_bundles (
	patient_id TEXT PRIMARY KEY,
	bundle     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`

// PatientBundleAdapter serves normalized bundles stored as JSONB rows.
type PatientBundleAdapter struct {
	client *postgres.Client
	db     *goqu.Database
	now    func() time.Time
}

var _ providers.PatientSource = (*PatientBundleAdapter)(nil)

// NewPatientBundleAdapter creates a new patient bundle adapter.
func NewPatientBundleAdapter(client *postgres.Client) *PatientBundleAdapter {
	return &PatientBundleAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
		now:    time.Now,
	}
}

// EnsureSchema creates the bundle table when missing.
func (a *PatientBundleAdapter) EnsureSchema(ctx context.Context) error {
	if _, err := a.client.DB().ExecContext(ctx, patientBundleSchema); err != nil {
		return apperrors.NewInternalError("failed to create patient bundle schema", err)
	}
	return nil
}

// GetBundle loads one bundle by patient id.
func (a *PatientBundleAdapter) GetBundle(ctx context.Context, patientID string) (*entities.PatientBundle, error) {
	var raw []byte
	found, err := a.db.From(patientBundleTable).
		Select("bundle").
		Where(goqu.C("patient_id").Eq(patientID)).
		ScanValContext(ctx, &raw)
	if err != nil {
		return nil, apperrors.NewDataUnavailableError(fmt.Sprintf("patient %s: failed to query bundle: %v", patientID, err))
	}
	if !found {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("patient %s not found", patientID))
	}

	var bundle entities.PatientBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, apperrors.NewDataUnavailableError(fmt.Sprintf("patient %s: malformed bundle: %v", patientID, err))
	}
	if bundle.ID == "" {
		bundle.ID = patientID
	}
	return &bundle, nil
}

// Upsert stores or replaces a bundle.
func (a *PatientBundleAdapter) Upsert(ctx context.Context, bundle *entities.PatientBundle) error {
	if bundle == nil || bundle.ID == "" {
		return apperrors.NewValidationError("patient bundle id is required")
	}
	raw, err := json.Marshal(bundle)
	if err != nil {
		return apperrors.NewInternalError("failed to encode patient bundle", err)
	}

	now := a.now().UTC()
	query := a.db.Insert(patientBundleTable).
		Rows(goqu.Record{
			"patient_id": bundle.ID,
			"bundle":     string(raw),
			"updated_at": now,
		}).
		OnConflict(goqu.DoUpdate("patient_id", goqu.Record{
			"bundle":     string(raw),
			"updated_at": now,
		}))

	if _, err := query.Executor().ExecContext(ctx); err != nil {
		return apperrors.NewInternalError("failed to store patient bundle", err)
	}
	return nil
}
