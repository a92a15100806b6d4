package providers

import (
	"context"
)

// EventBus defines the interface for publishing and subscribing to analysis events
type EventBus interface {
	// Publish publishes a payload to all subscribers of channel
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe subscribes to payloads on a channel until ctx is done
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)

	// Close closes the event bus and all subscriptions
	Close() error
}

// EventChannel constants for different event types
const (
	// EventChannelAnalysisCompleted carries a Notification for every finished analysis
	EventChannelAnalysisCompleted = "analysis:completed"

	// EventChannelCacheCleared carries a cache clear so every replica drops its in-memory results
	EventChannelCacheCleared = "analysis:cache:cleared"

	// EventChannelPatientPrefix is the prefix for patient-specific channels
	EventChannelPatientPrefix = "analysis:patient:"
)

// GetPatientChannel returns the channel name for a specific patient
func GetPatientChannel(patientID string) string {
	return EventChannelPatientPrefix + patientID
}
