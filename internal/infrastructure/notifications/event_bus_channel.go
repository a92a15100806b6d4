package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
	"github.com/zatekoja/clinicalanalysis/backend/pkg/retry"
)

// EventBusChannel publishes notifications on the analysis completed channel
type EventBusChannel struct {
	bus     providers.EventBus
	channel string
}

var _ providers.NotificationChannel = (*EventBusChannel)(nil)

// NewEventBusChannel creates an event bus channel
func NewEventBusChannel(bus providers.EventBus) *EventBusChannel {
	return &EventBusChannel{bus: bus, channel: providers.EventChannelAnalysisCompleted}
}

// Name implements NotificationChannel
func (c *EventBusChannel) Name() string { return "event_bus" }

// Send publishes on the shared channel and on the patient's own channel
func (c *EventBusChannel) Send(ctx context.Context, n *entities.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to marshal notification: %w", err))
	}
	if err := c.bus.Publish(ctx, c.channel, payload); err != nil {
		return err
	}
	if n.PatientID == "" {
		return nil
	}
	return c.bus.Publish(ctx, providers.GetPatientChannel(n.PatientID), payload)
}
