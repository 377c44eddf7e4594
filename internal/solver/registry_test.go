package solver

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"
)

type stubSolver struct {
	Base
	initErr    error
	cleanupErr error
	initCalls  int
}

func (s *stubSolver) Initialize(ctx context.Context) error {
	if s.initErr != nil {
		return s.initErr
	}
	return s.InitOnce(ctx, func(context.Context) error {
		s.initCalls++
		return nil
	})
}

func (s *stubSolver) Solve(ctx context.Context, payload map[string]any) (any, error) {
	return payload["value"], nil
}

func (s *stubSolver) Cleanup(ctx context.Context) error {
	if s.cleanupErr != nil {
		return s.cleanupErr
	}
	return s.CleanupOnce(ctx, nil)
}

func stub(name string) Constructor {
	return func() Solver {
		return &stubSolver{Base: Base{Name: name, TaskType: name}}
	}
}

func TestInitializeAllSkipsFailingSolver(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("alpha", stub("alpha"))
	r.Register("broken", func() Solver {
		return &stubSolver{
			Base:    Base{Name: "broken", TaskType: "broken"},
			initErr: errors.New("resource unavailable"),
		}
	})
	r.Register("gamma", stub("gamma"))

	r.InitializeAll(context.Background())

	if !r.Available("alpha") || !r.Available("gamma") {
		t.Fatal("healthy solvers must survive a sibling init failure")
	}
	if r.Available("broken") {
		t.Fatal("failing solver must be unavailable")
	}
	if got := r.AvailableTypes(); !reflect.DeepEqual(got, []string{"alpha", "gamma"}) {
		t.Fatalf("unexpected available types: %v", got)
	}
}

func TestLastRegistrationWins(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("dup", stub("first"))
	r.Register("dup", stub("second"))

	r.InitializeAll(context.Background())

	info, ok := r.Info("dup")
	if !ok {
		t.Fatal("expected solver for dup")
	}
	if info.Name != "second" {
		t.Fatalf("last registration should win, got %q", info.Name)
	}
}

func TestGetUnknownTypeReturnsNil(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.InitializeAll(context.Background())

	if r.Get("nope") != nil {
		t.Fatal("unknown type must map to nil, not panic")
	}
	if r.Available("nope") {
		t.Fatal("unknown type must not be available")
	}
}

func TestGetIsCaseInsensitive(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("Echo", stub("echo"))
	r.InitializeAll(context.Background())

	if r.Get("ECHO") == nil {
		t.Fatal("lookup should normalize case")
	}
}

func TestInitializeAllIdempotent(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	var built int
	r.Register("alpha", func() Solver {
		built++
		return &stubSolver{Base: Base{Name: "alpha", TaskType: "alpha"}}
	})

	r.InitializeAll(context.Background())
	r.InitializeAll(context.Background())

	if built != 1 {
		t.Fatalf("expected one constructed instance, got %d", built)
	}
}

func TestCleanupAllToleratesFailures(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("bad", func() Solver {
		return &stubSolver{
			Base:       Base{Name: "bad", TaskType: "bad"},
			cleanupErr: errors.New("teardown failed"),
		}
	})
	r.Register("good", stub("good"))
	r.InitializeAll(context.Background())

	r.CleanupAll(context.Background())

	if r.Available("bad") || r.Available("good") {
		t.Fatal("cleanup must clear the instance table despite failures")
	}

	// The registry is reusable after cleanup.
	r.InitializeAll(context.Background())
	if !r.Available("good") {
		t.Fatal("registry should re-initialize after cleanup")
	}
}

func TestTestAll(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("alpha", stub("alpha"))
	r.InitializeAll(context.Background())

	results := r.TestAll(context.Background())
	if len(results) != 1 || !results["alpha"] {
		t.Fatalf("unexpected self-test results: %v", results)
	}

	if r.Test(context.Background(), "missing", nil) {
		t.Fatal("self-test of an unknown type must report false")
	}
	if !r.Test(context.Background(), "alpha", map[string]any{"value": "x"}) {
		t.Fatal("self-test with a solvable sample should pass")
	}
}

func TestStats(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("alpha", stub("alpha"))
	r.Register("broken", func() Solver {
		return &stubSolver{
			Base:    Base{Name: "broken", TaskType: "broken"},
			initErr: errors.New("nope"),
		}
	})
	r.InitializeAll(context.Background())

	st := r.Stats()
	if st["registered"] != 2 || st["available"] != 1 {
		t.Fatalf("unexpected stats: %v", st)
	}
}
