package providers

import (
	"context"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
)

// NotificationChannel delivers analysis notifications to one external destination
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, notification *entities.Notification) error
}

// SeverityFilter is implemented by channels that only want notifications at or above a severity
type SeverityFilter interface {
	MinSeverity() entities.Severity
}
