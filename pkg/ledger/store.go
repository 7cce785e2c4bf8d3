// Package ledger records solver runs and the per-voxel fit outcomes they
// produced, in memory or in a SQLite database.
package ledger

import (
	"context"
	"fmt"
	"time"

	"prfsolve/internal/models"
)

// Run status values
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run summarises one solved experiment
type Run struct {
	ID         string
	Experiment string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Units      int
	Fitted     int
	Failed     int
	Error      string
}

// Unit is the outcome of one voxel within a run. Params is empty for a
// failed voxel and Error is empty for a fitted one.
type Unit struct {
	Index      models.Index
	Params     []float64
	SSE        float64
	RSquared   float64
	Iterations int
	Error      string
}

// Store persists runs and their units
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (Run, bool, error)
	ListRuns(ctx context.Context) ([]Run, error)
	SaveUnits(ctx context.Context, runID string, units []Unit) error
	GetUnits(ctx context.Context, runID string) ([]Unit, error)
	Close() error
}

// NewStore creates an uninitialized store of the given kind ("memory" or
// "sqlite")
func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if sqlitePath == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		return NewSQLiteStore(sqlitePath), nil
	default:
		return nil, fmt.Errorf("unsupported ledger backend: %s", kind)
	}
}

// Open creates and initializes a store
func Open(ctx context.Context, kind, sqlitePath string) (Store, error) {
	s, err := NewStore(kind, sqlitePath)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to initialize %s ledger: %w", kind, err)
	}
	return s, nil
}
