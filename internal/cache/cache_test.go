package cache

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestHashPayloadIsOrderIndependent(t *testing.T) {
	a := map[string]any{"site_key": "abc", "page_url": "https://example.com", "n": 3}
	b := map[string]any{"n": 3, "page_url": "https://example.com", "site_key": "abc"}

	if hashPayload(a) != hashPayload(b) {
		t.Fatal("payloads with equal contents must hash identically")
	}
}

func TestHashPayloadDistinguishesPayloads(t *testing.T) {
	a := map[string]any{"site_key": "abc"}
	b := map[string]any{"site_key": "abd"}

	if hashPayload(a) == hashPayload(b) {
		t.Fatal("different payloads should not collide")
	}
	if got := len(hashPayload(a)); got != 16 {
		t.Fatalf("expected a 16-char key fragment, got %d", got)
	}
}

func TestKeyNamespaces(t *testing.T) {
	m := New(Config{Addr: "localhost:0"}, zap.NewNop())

	sk := m.solutionKey(map[string]any{"value": "x"})
	if !strings.HasPrefix(sk, "solverq:solution:") {
		t.Fatalf("unexpected solution key: %s", sk)
	}

	rk := m.resultKey("task-123")
	if rk != "solverq:result:task-123" {
		t.Fatalf("unexpected result key: %s", rk)
	}
}

func TestDisconnectedCacheFailsSoft(t *testing.T) {
	// Connect is never called, so the manager behaves as if Redis is down.
	m := New(Config{Addr: "localhost:0"}, zap.NewNop())
	ctx := context.Background()

	payload := map[string]any{"value": "x"}

	m.SetSolution(ctx, payload, "answer")
	if _, ok := m.GetSolution(ctx, payload); ok {
		t.Fatal("disconnected cache must report a miss")
	}

	if _, ok := m.GetResult(ctx, "task-123"); ok {
		t.Fatal("disconnected cache must report a miss for results")
	}

	st := m.Stats(ctx)
	if st["connected"] != false {
		t.Fatalf("expected connected=false, got %v", st["connected"])
	}
	if st["errors"] != int64(0) {
		t.Fatalf("degraded operation is not an error, got %v errors", st["errors"])
	}
}

func TestConnectToleratesUnreachableRedis(t *testing.T) {
	// Port 1 is never a Redis server; Connect must degrade, not fail.
	m := New(Config{Addr: "localhost:1"}, zap.NewNop())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect must not propagate a connectivity error, got %v", err)
	}
	if m.Stats(context.Background())["connected"] != false {
		t.Fatal("cache should stay disabled after a failed ping")
	}
}
