package entities

import (
	"strings"
	"time"
)

// FeedbackType is the kind of user signal
type FeedbackType string

const (
	FeedbackPositive   FeedbackType = "positive"
	FeedbackNegative   FeedbackType = "negative"
	FeedbackCorrection FeedbackType = "correction"
)

// ParseFeedbackType normalizes a feedback type; ok is false for unknown values.
func ParseFeedbackType(s string) (FeedbackType, bool) {
	switch FeedbackType(strings.ToLower(strings.TrimSpace(s))) {
	case FeedbackPositive:
		return FeedbackPositive, true
	case FeedbackNegative:
		return FeedbackNegative, true
	case FeedbackCorrection:
		return FeedbackCorrection, true
	}
	return "", false
}

// FeedbackEvent is a user signal about a past analysis result
type FeedbackEvent struct {
	ID             string       `json:"id"`
	ResultID       string       `json:"result_id"`
	Type           FeedbackType `json:"type"`
	CorrectionText string       `json:"correction_text,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// FeedbackAck acknowledges an ingested feedback event
type FeedbackAck struct {
	EventID  string `json:"event_id"`
	ResultID string `json:"result_id"`
	Status   string `json:"status"`
}

// Feedback ack statuses
const (
	FeedbackStatusQueued    = "queued"
	FeedbackStatusDuplicate = "duplicate"
)

// FeedbackRecord is a processed feedback event as archived
type FeedbackRecord struct {
	Event      FeedbackEvent `json:"event"`
	Bucket     string        `json:"bucket"`
	Reward     float64       `json:"reward"`
	AdapterIDs []string      `json:"adapter_ids"`
	Sources    []string      `json:"sources"`
	AppliedAt  time.Time     `json:"applied_at"`
}

// BucketStats are the per-component counters for one specialty/context bucket
type BucketStats struct {
	Bucket     string                     `json:"bucket"`
	Components map[string]ComponentCounts `json:"components"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

// ComponentCounts are the feedback counters of one adapter or evidence source
type ComponentCounts struct {
	Positive         int     `json:"positive"`
	Negative         int     `json:"negative"`
	Corrections      int     `json:"corrections"`
	CumulativeReward float64 `json:"cumulative_reward"`
	LastDelta        float64 `json:"last_delta"`
}
