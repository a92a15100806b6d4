package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinicalanalysis/backend/pkg/errors"
)

const (
	specialtyMatchShare = 0.6
	keywordMatchShare   = 0.4
)

// ReasoningContext is what an adapter sees when contributing to a prompt
type ReasoningContext struct {
	PatientID  string
	Specialty  string
	QueryType  entities.QueryType
	Conditions []entities.Condition
}

// SpecialtyAdapter is a specialty-scoped capability composed into an analysis
type SpecialtyAdapter interface {
	ID() string
	Specialties() []string
	Keywords() []string
	// Apply returns the adapter's instructions for the reasoning prompt.
	Apply(rc ReasoningContext) string
}

// AdapterLoader is implemented by adapters that hold resources while loaded
type AdapterLoader interface {
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
}

// PromptAdapter is a SpecialtyAdapter backed by static prompt instructions
type PromptAdapter struct {
	id           string
	specialties  []string
	keywords     []string
	instructions string
}

// NewPromptAdapter creates a prompt adapter
func NewPromptAdapter(id string, specialties, keywords []string, instructions string) *PromptAdapter {
	return &PromptAdapter{
		id:           id,
		specialties:  lowerAll(specialties),
		keywords:     lowerAll(keywords),
		instructions: instructions,
	}
}

func (a *PromptAdapter) ID() string            { return a.id }
func (a *PromptAdapter) Specialties() []string { return a.specialties }
func (a *PromptAdapter) Keywords() []string    { return a.keywords }

func (a *PromptAdapter) Apply(rc ReasoningContext) string {
	if a.instructions == "" {
		return ""
	}
	return strings.ReplaceAll(a.instructions, "{{specialty}}", rc.Specialty)
}

// NewGenericAdapter creates the built-in fallback adapter
func NewGenericAdapter() *PromptAdapter {
	return NewPromptAdapter(entities.GenericAdapterID, []string{"general"}, nil,
		"Reason as a general internist. Cover the most likely explanations and flag anything needing specialist input.")
}

// AdapterRegistryConfig holds the registry budget settings
type AdapterRegistryConfig struct {
	MaxLoaded        int
	CompositionLimit int
	WeightFloor      float64
}

type adapterState struct {
	adapter       SpecialtyAdapter
	weight        float64
	initialWeight float64
	loaded        bool
	active        bool
	inUse         int
	lastUsed      time.Time
	generic       bool
}

func (s *adapterState) descriptor(relevance float64) entities.AdapterDescriptor {
	return entities.AdapterDescriptor{
		ID:          s.adapter.ID(),
		Specialties: append([]string(nil), s.adapter.Specialties()...),
		Weight:      s.weight,
		Relevance:   relevance,
		Loaded:      s.loaded,
		Generic:     s.generic,
	}
}

// AdapterRegistry owns the adapter catalog, the loaded set and the weight table.
// Ranking reads a snapshot under the read lock; leasing, load/unload
// transitions and weight updates are serialized under the write lock.
type AdapterRegistry struct {
	cfg AdapterRegistryConfig
	now func() time.Time

	mu       sync.RWMutex
	adapters map[string]*adapterState
	generic  *adapterState
}

// NewAdapterRegistry creates a registry containing only the generic adapter
func NewAdapterRegistry(cfg AdapterRegistryConfig) *AdapterRegistry {
	if cfg.MaxLoaded <= 0 {
		cfg.MaxLoaded = 1
	}
	if cfg.CompositionLimit <= 0 {
		cfg.CompositionLimit = 1
	}
	if cfg.WeightFloor < 0 {
		cfg.WeightFloor = 0
	}
	generic := &adapterState{
		adapter:       NewGenericAdapter(),
		weight:        1,
		initialWeight: 1,
		loaded:        true,
		active:        true,
		generic:       true,
	}
	return &AdapterRegistry{
		cfg:      cfg,
		now:      time.Now,
		adapters: map[string]*adapterState{entities.GenericAdapterID: generic},
		generic:  generic,
	}
}

// Register adds an adapter to the catalog with an initial weight. Adapters start unloaded.
func (r *AdapterRegistry) Register(adapter SpecialtyAdapter, weight float64) error {
	id := adapter.ID()
	if strings.TrimSpace(id) == "" {
		return apperrors.NewValidationError("adapter id is required")
	}
	if id == entities.GenericAdapterID {
		return apperrors.NewValidationError("adapter id generic is reserved")
	}
	if weight < r.cfg.WeightFloor {
		weight = r.cfg.WeightFloor
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[id]; exists {
		return apperrors.NewValidationError(fmt.Sprintf("adapter %s already registered", id))
	}
	r.adapters[id] = &adapterState{
		adapter:       adapter,
		weight:        weight,
		initialWeight: weight,
		active:        true,
	}
	return nil
}

// AdapterLease is the set of adapters composed into one analysis.
// Release must be called once the analysis no longer uses them.
type AdapterLease struct {
	Descriptors []entities.AdapterDescriptor
	Adapters    []SpecialtyAdapter
	Fallback    bool
	Warnings    []string

	registry *AdapterRegistry
	once     sync.Once
}

// IDs returns the leased adapter ids in rank order.
func (l *AdapterLease) IDs() []string {
	ids := make([]string, 0, len(l.Descriptors))
	for _, d := range l.Descriptors {
		ids = append(ids, d.ID)
	}
	return ids
}

// Release returns the leased adapters to the registry.
func (l *AdapterLease) Release() {
	if l == nil || l.registry == nil {
		return
	}
	l.once.Do(func() {
		l.registry.release(l.IDs())
	})
}

type candidate struct {
	id        string
	relevance float64
	score     float64
}

// SelectAdapters ranks the catalog against the patient's active conditions and the
// requested specialty and leases the top candidates. The lease is never empty:
// the generic adapter is substituted when nothing matches or can be loaded.
func (r *AdapterRegistry) SelectAdapters(ctx context.Context, conditions []entities.Condition, specialty string) *AdapterLease {
	specialty = strings.ToLower(strings.TrimSpace(specialty))
	candidates := r.rank(conditions, specialty)

	lease := &AdapterLease{registry: r}
	if len(candidates) == 0 {
		lease.Warnings = append(lease.Warnings, fmt.Sprintf("no adapter matched specialty %q", specialty))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, c := range candidates {
		if len(lease.Descriptors) >= r.cfg.CompositionLimit {
			break
		}
		state, ok := r.adapters[c.id]
		if !ok || !state.active {
			continue
		}
		if !state.loaded {
			if err := r.loadLocked(ctx, state); err != nil {
				lease.Warnings = append(lease.Warnings, fmt.Sprintf("adapter %s skipped: %v", c.id, err))
				continue
			}
		}
		state.inUse++
		state.lastUsed = now
		lease.Descriptors = append(lease.Descriptors, state.descriptor(c.relevance))
		lease.Adapters = append(lease.Adapters, state.adapter)
	}

	if len(lease.Descriptors) == 0 {
		lease.Fallback = true
		r.generic.inUse++
		r.generic.lastUsed = now
		lease.Descriptors = append(lease.Descriptors, r.generic.descriptor(0))
		lease.Adapters = append(lease.Adapters, r.generic.adapter)

		observability.LoggerFromContext(ctx).Warn().
			Str("error_type", string(apperrors.ErrorTypeAdapterSelection)).
			Str("specialty", specialty).
			Strs("warnings", lease.Warnings).
			Msg("no specialty adapter available, using generic adapter")
	}

	return lease
}

// rank computes candidate relevance over a consistent snapshot of the weight table.
func (r *AdapterRegistry) rank(conditions []entities.Condition, specialty string) []candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []candidate
	for id, state := range r.adapters {
		if state.generic || !state.active {
			continue
		}
		relevance := adapterRelevance(state.adapter, conditions, specialty)
		if relevance <= 0 {
			continue
		}
		candidates = append(candidates, candidate{
			id:        id,
			relevance: relevance,
			score:     relevance * state.weight,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})
	return candidates
}

// adapterRelevance blends a specialty match with the fraction of conditions matching the adapter's keywords.
// For an automatic specialty only the keyword fraction counts.
func adapterRelevance(adapter SpecialtyAdapter, conditions []entities.Condition, specialty string) float64 {
	fraction := keywordFraction(adapter.Keywords(), conditions)
	if specialty == "" || specialty == entities.SpecialtyAuto {
		return fraction
	}

	match := 0.0
	for _, s := range adapter.Specialties() {
		if strings.EqualFold(s, specialty) {
			match = 1
			break
		}
	}
	return specialtyMatchShare*match + keywordMatchShare*fraction
}

func keywordFraction(keywords []string, conditions []entities.Condition) float64 {
	if len(conditions) == 0 || len(keywords) == 0 {
		return 0
	}
	matched := 0
	for _, c := range conditions {
		text := c.SearchText()
		for _, kw := range keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(conditions))
}

// loadLocked loads state, evicting the least recently used idle adapter when the budget is full.
func (r *AdapterRegistry) loadLocked(ctx context.Context, state *adapterState) error {
	if r.loadedCountLocked() >= r.cfg.MaxLoaded {
		victim := r.evictionCandidateLocked()
		if victim == nil {
			return fmt.Errorf("load budget of %d exhausted by in-flight analyses", r.cfg.MaxLoaded)
		}
		if loader, ok := victim.adapter.(AdapterLoader); ok {
			if err := loader.Unload(ctx); err != nil {
				observability.LoggerFromContext(ctx).Warn().
					Err(err).
					Str("adapter_id", victim.adapter.ID()).
					Msg("adapter unload failed")
			}
		}
		victim.loaded = false
	}

	if loader, ok := state.adapter.(AdapterLoader); ok {
		if err := loader.Load(ctx); err != nil {
			return fmt.Errorf("load failed: %w", err)
		}
	}
	state.loaded = true
	return nil
}

func (r *AdapterRegistry) evictionCandidateLocked() *adapterState {
	var victim *adapterState
	for _, s := range r.adapters {
		if s.generic || !s.loaded || s.inUse > 0 {
			continue
		}
		if victim == nil || s.lastUsed.Before(victim.lastUsed) ||
			(s.lastUsed.Equal(victim.lastUsed) && s.adapter.ID() < victim.adapter.ID()) {
			victim = s
		}
	}
	return victim
}

func (r *AdapterRegistry) loadedCountLocked() int {
	n := 0
	for _, s := range r.adapters {
		if s.loaded && !s.generic {
			n++
		}
	}
	return n
}

func (r *AdapterRegistry) release(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if s, ok := r.adapters[id]; ok && s.inUse > 0 {
			s.inUse--
		}
	}
}

// UpdateWeight adds delta to an adapter's weight, clamped at the floor, and returns the new weight.
func (r *AdapterRegistry) UpdateWeight(id string, delta float64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.adapters[id]
	if !ok {
		return 0, apperrors.NewNotFoundError(fmt.Sprintf("adapter %s not found", id))
	}
	s.weight += delta
	if s.weight < r.cfg.WeightFloor {
		s.weight = r.cfg.WeightFloor
	}
	return s.weight, nil
}

// Weight returns the current weight of an adapter.
func (r *AdapterRegistry) Weight(id string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.adapters[id]
	if !ok {
		return 0, false
	}
	return s.weight, true
}

// Deactivate keeps the adapter in the catalog but excludes it from selection.
func (r *AdapterRegistry) Deactivate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.adapters[id]
	if !ok {
		return apperrors.NewNotFoundError(fmt.Sprintf("adapter %s not found", id))
	}
	if s.generic {
		return apperrors.NewValidationError("the generic adapter cannot be deactivated")
	}
	s.active = false
	return nil
}

// Reset restores initial weights and reactivates every adapter. Load state is kept.
func (r *AdapterRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.adapters {
		s.weight = s.initialWeight
		s.active = true
	}
}

// LoadedCount returns the number of loaded adapters, excluding the generic one.
func (r *AdapterRegistry) LoadedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadedCountLocked()
}

// Status reports every adapter sorted by id.
func (r *AdapterRegistry) Status() []entities.AdapterStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entities.AdapterStatus, 0, len(r.adapters))
	for _, s := range r.adapters {
		out = append(out, entities.AdapterStatus{
			ID:          s.adapter.ID(),
			Specialties: append([]string(nil), s.adapter.Specialties()...),
			Loaded:      s.loaded,
			Weight:      s.weight,
			InUse:       s.inUse,
			Active:      s.active,
			LastUsed:    s.lastUsed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
