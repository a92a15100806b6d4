package notifications

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
)

// LogChannel writes notifications to the structured log
type LogChannel struct {
	logger zerolog.Logger
}

var _ providers.NotificationChannel = (*LogChannel)(nil)

// NewLogChannel creates a log channel
func NewLogChannel(logger zerolog.Logger) *LogChannel {
	return &LogChannel{logger: logger.With().Str("component", "notifications").Logger()}
}

// Name implements NotificationChannel
func (c *LogChannel) Name() string { return "log" }

// Send implements NotificationChannel
func (c *LogChannel) Send(_ context.Context, n *entities.Notification) error {
	level := zerolog.InfoLevel
	if n.HighestSeverity.AtLeast(entities.SeverityHigh) {
		level = zerolog.WarnLevel
	}
	c.logger.WithLevel(level).
		Str("correlation_id", n.CorrelationID).
		Str("result_id", n.ResultID).
		Str("patient_id", n.PatientID).
		Str("highest_severity", string(n.HighestSeverity)).
		Strs("alert_codes", n.AlertCodes).
		Bool("degraded", n.Degraded).
		Msg(n.Summary)
	return nil
}
