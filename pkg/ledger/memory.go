package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]Run
	units       map[string][]Unit
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]Run)
	s.units = make(map[string][]Unit)
	return nil
}

func (s *MemoryStore) check() error {
	if !s.initialized {
		return errors.New("store is not initialized")
	}
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return err
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(); err != nil {
		return Run{}, false, err
	}
	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(); err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs, nil
}

// SaveUnits replaces the units of a run, keeping the last entry per voxel
func (s *MemoryStore) SaveUnits(_ context.Context, runID string, units []Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return err
	}
	merged := append([]Unit(nil), s.units[runID]...)
	for _, u := range units {
		u.Params = append([]float64(nil), u.Params...)
		replaced := false
		for i := range merged {
			if merged[i].Index == u.Index {
				merged[i] = u
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, u)
		}
	}
	sortUnits(merged)
	s.units[runID] = merged
	return nil
}

func (s *MemoryStore) GetUnits(_ context.Context, runID string) ([]Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(); err != nil {
		return nil, err
	}
	return append([]Unit(nil), s.units[runID]...), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// sortUnits orders units i, j, k with i slowest
func sortUnits(units []Unit) {
	sort.Slice(units, func(a, b int) bool {
		x, y := units[a].Index, units[b].Index
		if x.I != y.I {
			return x.I < y.I
		}
		if x.J != y.J {
			return x.J < y.J
		}
		return x.K < y.K
	})
}
