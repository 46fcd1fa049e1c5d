package experiment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type assignmentKey struct {
	experimentID string
	subjectID    string
}

// MemoryStore is an in-process Store, used by tests and local tooling.
type MemoryStore struct {
	mu          sync.RWMutex
	experiments map[string]Experiment
	assignments map[assignmentKey]Assignment
	events      map[string][]Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		experiments: map[string]Experiment{},
		assignments: map[assignmentKey]Assignment{},
		events:      map[string][]Event{},
	}
}

func (m *MemoryStore) CreateExperiment(_ context.Context, exp *Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.experiments[exp.ID]; ok {
		return fmt.Errorf("experiment %s already exists", exp.ID)
	}
	m.experiments[exp.ID] = *exp
	return nil
}

func (m *MemoryStore) GetExperiment(_ context.Context, id string) (*Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exp, ok := m.experiments[id]
	if !ok {
		return nil, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	return &exp, nil
}

func (m *MemoryStore) UpdateExperiment(_ context.Context, exp *Experiment, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.experiments[exp.ID]
	if !ok {
		return fmt.Errorf("experiment %s: %w", exp.ID, ErrNotFound)
	}
	if cur.Status != expected {
		return fmt.Errorf("%w: experiment %s is %s", ErrInvalidState, exp.ID, cur.Status)
	}
	m.experiments[exp.ID] = *exp
	return nil
}

func (m *MemoryStore) ListExperiments(_ context.Context, opts ListOptions) ([]Experiment, error) {
	m.mu.RLock()
	out := make([]Experiment, 0, len(m.experiments))
	for _, exp := range m.experiments {
		if opts.Status != "" && exp.Status != opts.Status {
			continue
		}
		out = append(out, exp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if opts.ByStartedAt {
			return timeOrZero(out[i].StartedAt).After(timeOrZero(out[j].StartedAt))
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (m *MemoryStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, exp := range m.experiments {
		if !exp.Status.Terminal() || exp.EndedAt == nil || !exp.EndedAt.Before(cutoff) {
			continue
		}
		delete(m.experiments, id)
		delete(m.events, id)
		for k := range m.assignments {
			if k.experimentID == id {
				delete(m.assignments, k)
			}
		}
		n++
	}
	return n, nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, experimentID, subjectID string) (*Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[assignmentKey{experimentID, subjectID}]
	if !ok {
		return nil, fmt.Errorf("assignment %s/%s: %w", experimentID, subjectID, ErrNotFound)
	}
	return &a, nil
}

func (m *MemoryStore) CreateAssignment(_ context.Context, a *Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := assignmentKey{a.ExperimentID, a.SubjectID}
	if _, ok := m.assignments[k]; ok {
		return ErrAssignmentExists
	}
	m.assignments[k] = *a
	return nil
}

func (m *MemoryStore) CreateEvent(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ExperimentID] = append(m.events[ev.ExperimentID], *ev)
	return nil
}

func (m *MemoryStore) Tallies(_ context.Context, experimentID string) (map[string]VariantTally, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]VariantTally{}
	for k, a := range m.assignments {
		if k.experimentID != experimentID {
			continue
		}
		t := out[a.VariantID]
		t.Assignments++
		out[a.VariantID] = t
	}
	for _, ev := range m.events[experimentID] {
		t := out[ev.VariantID]
		t.Events++
		if ev.Kind == EventConversion {
			t.Conversions++
			t.ConversionValue += ev.Value
		}
		out[ev.VariantID] = t
	}
	return out, nil
}
