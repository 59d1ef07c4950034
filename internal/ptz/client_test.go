package ptz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.BaseURL == "" {
		t.Error("BaseURL should not be empty")
	}
	if cfg.Timeout <= 0 {
		t.Error("Timeout should be positive")
	}
	if cfg.MinConfidence <= 0 || cfg.MinConfidence > 1 {
		t.Errorf("MinConfidence = %v, want (0, 1]", cfg.MinConfidence)
	}
}

type fakeHead struct {
	mu    sync.Mutex
	moves []AbsoluteMove
	homes atomic.Int32
	fail  atomic.Bool
}

func (f *fakeHead) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/ptz/absolute" && r.Method == http.MethodPost:
		if f.fail.Load() {
			http.Error(w, "motor fault", http.StatusInternalServerError)
			return
		}
		var m AbsoluteMove
		json.NewDecoder(r.Body).Decode(&m)
		f.mu.Lock()
		f.moves = append(f.moves, m)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/api/ptz/home" && r.Method == http.MethodPost:
		f.homes.Add(1)
		w.WriteHeader(http.StatusNoContent)
	case r.URL.Path == "/api/ptz/status":
		json.NewEncoder(w).Encode(map[string]any{"pan": 12.5, "moving": false})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeHead) snapshot() []AbsoluteMove {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AbsoluteMove(nil), f.moves...)
}

func (f *fakeHead) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.moves)
}

func newTestClient(t *testing.T, mutate func(*Config)) (*Client, *fakeHead) {
	t.Helper()
	head := &fakeHead{}
	server := httptest.NewServer(head)
	t.Cleanup(server.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = server.URL
	cfg.MinInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}
	return NewClient(cfg, nil), head
}

func TestCue(t *testing.T) {
	client, head := newTestClient(t, func(c *Config) { c.PanOffset = 30 })

	cue, err := client.Cue(context.Background(), 345, 0.9)
	if err != nil {
		t.Fatalf("Cue() error = %v", err)
	}
	if !cue.Accepted {
		t.Fatalf("cue not accepted: %+v", cue)
	}
	if cue.Pan != 15 {
		t.Errorf("Pan = %v, want 15", cue.Pan)
	}
	if moves := head.snapshot(); len(moves) != 1 || moves[0].Pan != 15 {
		t.Errorf("moves = %+v", moves)
	}
	if got := client.GetStats().CuesSent; got != 1 {
		t.Errorf("CuesSent = %d, want 1", got)
	}
}

func TestCueSkips(t *testing.T) {
	client, head := newTestClient(t, nil)
	ctx := context.Background()

	cue, _ := client.Cue(ctx, 90, 0.2)
	if cue.Accepted || cue.Reason != ReasonLowConfidence {
		t.Errorf("low confidence cue = %+v", cue)
	}

	if cue, _ := client.Cue(ctx, 90, 0.9); !cue.Accepted {
		t.Fatalf("first cue not accepted: %+v", cue)
	}

	cue, _ = client.Cue(ctx, 91, 0.9)
	if cue.Accepted || cue.Reason != ReasonDeadband {
		t.Errorf("deadband cue = %+v", cue)
	}

	if cue, _ := client.Cue(ctx, 100, 0.9); !cue.Accepted {
		t.Errorf("cue past deadband not accepted: %+v", cue)
	}

	if head.count() != 2 {
		t.Errorf("moves = %d, want 2", head.count())
	}
	if got := client.GetStats().CuesSkipped; got != 2 {
		t.Errorf("CuesSkipped = %d, want 2", got)
	}
}

func TestCueDeadbandAcrossNorth(t *testing.T) {
	client, head := newTestClient(t, nil)
	ctx := context.Background()

	client.Cue(ctx, 359.5, 0.9)
	cue, _ := client.Cue(ctx, 0.5, 0.9)
	if cue.Accepted {
		t.Errorf("1 degree move across north should be inside the deadband: %+v", cue)
	}
	if head.count() != 1 {
		t.Errorf("moves = %d, want 1", head.count())
	}
}

func TestCueRateLimit(t *testing.T) {
	client, head := newTestClient(t, func(c *Config) { c.MinInterval = time.Hour })
	ctx := context.Background()

	client.Cue(ctx, 0, 0.9)
	cue, _ := client.Cue(ctx, 180, 0.9)
	if cue.Accepted || cue.Reason != ReasonRateLimited {
		t.Errorf("rate limited cue = %+v", cue)
	}
	if head.count() != 1 {
		t.Errorf("moves = %d, want 1", head.count())
	}
}

func TestCueError(t *testing.T) {
	client, head := newTestClient(t, nil)
	head.fail.Store(true)

	if _, err := client.Cue(context.Background(), 45, 0.9); err == nil {
		t.Error("expected error from failing head")
	}
	if got := client.GetStats().CueErrors; got != 1 {
		t.Errorf("CueErrors = %d, want 1", got)
	}

	// a failed move does not arm the deadband
	head.fail.Store(false)
	if cue, err := client.Cue(context.Background(), 45, 0.9); err != nil || !cue.Accepted {
		t.Errorf("retry cue = %+v, %v", cue, err)
	}
}

func TestHomeAndStatus(t *testing.T) {
	client, head := newTestClient(t, nil)
	ctx := context.Background()

	if err := client.Home(ctx); err != nil {
		t.Fatalf("Home() error = %v", err)
	}
	if head.homes.Load() != 1 {
		t.Error("expected one home request")
	}

	status, err := client.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status["pan"] != 12.5 {
		t.Errorf("status pan = %v", status["pan"])
	}
	if !client.IsHealthy(ctx) {
		t.Error("IsHealthy() should be true")
	}
}

func TestIsHealthyUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseURL = "http://127.0.0.1:1"
	client := NewClient(cfg, nil)

	if client.IsHealthy(context.Background()) {
		t.Error("IsHealthy() should be false for an unreachable head")
	}
}
