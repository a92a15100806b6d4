package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/clinicalanalysis/backend/pkg/errors"
)

const feedbackTable = "feedback_events"

const feedbackSchema = `CREATE TABLE IF NOT EXISTS feedback_events (
	event_id        TEXT PRIMARY KEY,
	result_id       TEXT NOT NULL,
	feedback_type   TEXT NOT NULL,
	correction_text TEXT,
	bucket          TEXT NOT NULL,
	reward          DOUBLE PRECISION NOT NULL,
	adapter_ids     JSONB NOT NULL DEFAULT '[]',
	sources         JSONB NOT NULL DEFAULT '[]',
	created_at      TIMESTAMPTZ NOT NULL,
	applied_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS feedback_events_result_id_idx ON feedback_events (result_id);`

// FeedbackAdapter archives processed feedback events in Postgres.
type FeedbackAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

var _ providers.FeedbackArchive = (*FeedbackAdapter)(nil)

// NewFeedbackAdapter creates a new feedback adapter.
func NewFeedbackAdapter(client *postgres.Client) *FeedbackAdapter {
	return &FeedbackAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

// EnsureSchema creates the archive table when missing.
func (a *FeedbackAdapter) EnsureSchema(ctx context.Context) error {
	if _, err := a.client.DB().ExecContext(ctx, feedbackSchema); err != nil {
		return apperrors.NewInternalError("failed to create feedback schema", err)
	}
	return nil
}

// Archive inserts a processed feedback record. Re-archiving the same event is a no-op.
func (a *FeedbackAdapter) Archive(ctx context.Context, record *entities.FeedbackRecord) error {
	if record == nil {
		return apperrors.NewInternalError("feedback record is nil", fmt.Errorf("feedback record is nil"))
	}

	adapterIDs, err := json.Marshal(nonNil(record.AdapterIDs))
	if err != nil {
		return apperrors.NewInternalError("failed to encode adapter ids", err)
	}
	sources, err := json.Marshal(nonNil(record.Sources))
	if err != nil {
		return apperrors.NewInternalError("failed to encode sources", err)
	}

	row := goqu.Record{
		"event_id":        record.Event.ID,
		"result_id":       record.Event.ResultID,
		"feedback_type":   string(record.Event.Type),
		"correction_text": sql.NullString{String: record.Event.CorrectionText, Valid: record.Event.CorrectionText != ""},
		"bucket":          record.Bucket,
		"reward":          record.Reward,
		"adapter_ids":     string(adapterIDs),
		"sources":         string(sources),
		"created_at":      record.Event.CreatedAt,
		"applied_at":      record.AppliedAt,
	}

	query, args, err := a.db.Insert(feedbackTable).
		Rows(row).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build feedback insert query", err)
	}

	if _, err := a.client.DB().ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewInternalError("failed to archive feedback", err)
	}

	return nil
}

// ListByResult returns the archived feedback for one result, oldest first.
func (a *FeedbackAdapter) ListByResult(ctx context.Context, resultID string) ([]*entities.FeedbackRecord, error) {
	query, args, err := a.db.Select(
		"event_id", "result_id", "feedback_type", "correction_text", "bucket",
		"reward", "adapter_ids", "sources", "created_at", "applied_at",
	).From(feedbackTable).
		Where(goqu.Ex{"result_id": resultID}).
		Order(goqu.I("applied_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list feedback", err)
	}
	defer rows.Close()

	var records []*entities.FeedbackRecord
	for rows.Next() {
		var (
			record                    entities.FeedbackRecord
			feedbackType              string
			correction                sql.NullString
			adapterIDsRaw, sourcesRaw []byte
		)
		if err := rows.Scan(
			&record.Event.ID,
			&record.Event.ResultID,
			&feedbackType,
			&correction,
			&record.Bucket,
			&record.Reward,
			&adapterIDsRaw,
			&sourcesRaw,
			&record.Event.CreatedAt,
			&record.AppliedAt,
		); err != nil {
			return nil, apperrors.NewInternalError("failed to scan feedback", err)
		}
		record.Event.Type = entities.FeedbackType(feedbackType)
		if correction.Valid {
			record.Event.CorrectionText = correction.String
		}
		if err := json.Unmarshal(adapterIDsRaw, &record.AdapterIDs); err != nil {
			return nil, apperrors.NewInternalError("failed to decode adapter ids", err)
		}
		if err := json.Unmarshal(sourcesRaw, &record.Sources); err != nil {
			return nil, apperrors.NewInternalError("failed to decode sources", err)
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate feedback", err)
	}

	return records, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
