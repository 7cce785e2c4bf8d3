package ledger

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"prfsolve/internal/models"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	stores := map[string]Store{}
	for _, kind := range []string{"memory", "sqlite"} {
		s, err := Open(ctx, kind, filepath.Join(t.TempDir(), "ledger.db"))
		if err != nil {
			t.Fatalf("open %s: %v", kind, err)
		}
		t.Cleanup(func() { _ = s.Close() })
		stores[kind] = s
	}
	return stores
}

func TestStoreRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	started := time.Date(2024, 3, 1, 12, 0, 0, 123, time.UTC)

	for kind, store := range openStores(t) {
		t.Run(kind, func(t *testing.T) {
			run := Run{
				ID:         uuid.NewString(),
				Experiment: "/input/sub-01",
				StartedAt:  started,
				Status:     StatusRunning,
			}
			if err := store.SaveRun(ctx, run); err != nil {
				t.Fatalf("save run: %v", err)
			}

			run.Status = StatusCompleted
			run.FinishedAt = started.Add(90 * time.Second)
			run.Units, run.Fitted, run.Failed = 10, 9, 1
			if err := store.SaveRun(ctx, run); err != nil {
				t.Fatalf("update run: %v", err)
			}

			got, ok, err := store.GetRun(ctx, run.ID)
			if err != nil || !ok {
				t.Fatalf("get run: ok=%v err=%v", ok, err)
			}
			if got.Status != StatusCompleted || got.Fitted != 9 || got.Failed != 1 || got.Experiment != run.Experiment {
				t.Errorf("unexpected run: %+v", got)
			}
			if !got.StartedAt.Equal(started) || !got.FinishedAt.Equal(run.FinishedAt) {
				t.Errorf("times not preserved: %v, %v", got.StartedAt, got.FinishedAt)
			}

			if _, ok, err := store.GetRun(ctx, "missing"); ok || err != nil {
				t.Errorf("expected no run, got ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestStoreListRunsOrdered(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for kind, store := range openStores(t) {
		t.Run(kind, func(t *testing.T) {
			for i, name := range []string{"c", "a", "b"} {
				run := Run{ID: name, Experiment: name, StartedAt: base.Add(time.Duration(2-i) * time.Minute), Status: StatusCompleted}
				if err := store.SaveRun(ctx, run); err != nil {
					t.Fatalf("save run: %v", err)
				}
			}
			runs, err := store.ListRuns(ctx)
			if err != nil {
				t.Fatalf("list runs: %v", err)
			}
			if len(runs) != 3 || runs[0].ID != "b" || runs[1].ID != "a" || runs[2].ID != "c" {
				t.Fatalf("unexpected order: %+v", runs)
			}
		})
	}
}

func TestStoreUnitsUpsert(t *testing.T) {
	ctx := context.Background()

	for kind, store := range openStores(t) {
		t.Run(kind, func(t *testing.T) {
			units := []Unit{
				{Index: models.Index{I: 1, J: 0, K: 0}, Params: []float64{1, 2, 3, 0, 0.5, -0.5}, SSE: 0.1, RSquared: 0.9, Iterations: 40},
				{Index: models.Index{I: 0, J: 2, K: 1}, SSE: math.NaN(), RSquared: math.NaN(), Error: "no grid point produced a finite error"},
			}
			if err := store.SaveUnits(ctx, "run-1", units); err != nil {
				t.Fatalf("save units: %v", err)
			}

			refit := []Unit{{Index: models.Index{I: 1, J: 0, K: 0}, Params: []float64{1.5, 2, 3, 0, 0.5, -0.5}, SSE: 0.05, RSquared: 0.95, Iterations: 60}}
			if err := store.SaveUnits(ctx, "run-1", refit); err != nil {
				t.Fatalf("save units: %v", err)
			}

			got, err := store.GetUnits(ctx, "run-1")
			if err != nil {
				t.Fatalf("get units: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("expected 2 units, got %d", len(got))
			}
			if got[0].Index != (models.Index{I: 0, J: 2, K: 1}) || got[0].Params != nil || !math.IsNaN(got[0].SSE) || got[0].Error == "" {
				t.Errorf("unexpected failed unit: %+v", got[0])
			}
			if got[1].Params[0] != 1.5 || got[1].Iterations != 60 || got[1].RSquared != 0.95 {
				t.Errorf("expected the refit to replace the first record, got %+v", got[1])
			}

			if other, err := store.GetUnits(ctx, "run-2"); err != nil || len(other) != 0 {
				t.Errorf("expected no units for another run, got %v (%v)", other, err)
			}
		})
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	first, err := Open(ctx, "sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.SaveRun(ctx, Run{ID: "r1", Experiment: "e", Status: StatusFailed, Error: "boom"}); err != nil {
		t.Fatalf("save run: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := Open(ctx, "sqlite", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	run, ok, err := second.GetRun(ctx, "r1")
	if err != nil || !ok || run.Error != "boom" || !run.StartedAt.IsZero() {
		t.Fatalf("expected persisted run, got %+v ok=%v err=%v", run, ok, err)
	}
}

func TestStoreRequiresInit(t *testing.T) {
	ctx := context.Background()
	for _, s := range []Store{NewMemoryStore(), NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"))} {
		if err := s.SaveRun(ctx, Run{ID: "r"}); err == nil {
			t.Errorf("%T: expected an error before Init", s)
		}
	}
}

func TestNewStoreKinds(t *testing.T) {
	if _, err := NewStore("postgres", ""); err == nil {
		t.Error("expected an error for an unknown backend")
	}
	if _, err := NewStore("sqlite", ""); err == nil {
		t.Error("expected an error for sqlite without a path")
	}
	if s, err := NewStore("", ""); err != nil || s == nil {
		t.Errorf("expected the memory store by default, got %v", err)
	}
}
