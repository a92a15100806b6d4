package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
)

func intPtr(v int) *int { return &v }

// cardiometabolicBundle is a 68 year old with hypertension, type 2 diabetes and six active medications.
func cardiometabolicBundle(id string) *entities.PatientBundle {
	return &entities.PatientBundle{
		ID:           id,
		Demographics: entities.Demographics{Age: intPtr(68), Sex: "female", SmokingStatus: "never"},
		Conditions: []entities.Condition{
			{Code: "I10", Display: "Essential hypertension", Status: "active"},
			{Code: "E11", Display: "Type 2 diabetes mellitus", Status: "active"},
		},
		Medications: medications(6),
	}
}

func medications(n int) []entities.Medication {
	meds := make([]entities.Medication, 0, n)
	for i := 0; i < n; i++ {
		meds = append(meds, entities.Medication{Code: fmt.Sprintf("RX%d", i), Name: fmt.Sprintf("drug-%d", i), Status: "active"})
	}
	return meds
}

type stubIndex struct {
	mu      sync.Mutex
	hits    map[string][]entities.SearchHit
	err     error
	calls   int
	queries []string
}

func (s *stubIndex) Search(ctx context.Context, query string, limit int) ([]entities.SearchHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.queries = append(s.queries, query)
	if s.err != nil {
		return nil, s.err
	}
	hits := s.hits[query]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

type stubGenerator struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
	prompts  []string
	block    bool
	released chan struct{}
}

func (s *stubGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.calls++
	s.prompts = append(s.prompts, prompt)
	block, released := s.block, s.released
	s.mu.Unlock()

	if block {
		select {
		case <-ctx.Done():
			return s.response, ctx.Err()
		case <-released:
		}
	}
	return s.response, s.err
}

type stubPatientSource struct {
	bundles map[string]*entities.PatientBundle
	loads   atomic.Int32
}

func (s *stubPatientSource) GetBundle(ctx context.Context, patientID string) (*entities.PatientBundle, error) {
	s.loads.Add(1)
	if b, ok := s.bundles[patientID]; ok {
		return b, nil
	}
	return nil, errors.New("patient not found")
}

type recordingChannel struct {
	name     string
	failures int
	min      entities.Severity

	mu       sync.Mutex
	attempts int
	sent     []*entities.Notification
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(ctx context.Context, n *entities.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.failures < 0 || c.attempts <= c.failures {
		return errors.New("channel unreachable")
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *recordingChannel) MinSeverity() entities.Severity {
	if c.min == "" {
		return entities.SeverityInfo
	}
	return c.min
}

func (c *recordingChannel) delivered() []*entities.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*entities.Notification, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *recordingChannel) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}
