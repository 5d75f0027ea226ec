package fleet

import (
	"context"
	"testing"
	"time"

	"tallyhook/api_chat/internal/worker"
)

// fakeSocket never returns from ReadLine until its context is cancelled,
// and never errors on write, so spawned Workers stay "connected" for the
// lifetime of a test.
type fakeSocket struct {
	closed chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{closed: make(chan struct{})}
}

func (f *fakeSocket) WriteLine(ctx context.Context, line string) error { return nil }

func (f *fakeSocket) ReadLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-f.closed:
		return "", context.Canceled
	}
}

func (f *fakeSocket) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func testConfig() Config {
	return Config{
		Strategy:         LeastLoaded,
		WorkerChannelCap: 2,
		MinWorkers:       1,
		MaxWorkers:       5,
		HealthInterval:   time.Hour,
		RejoinInterval:   time.Hour,
		Dial: func(ctx context.Context, endpoint string) (worker.Socket, error) {
			return newFakeSocket(), nil
		},
	}
}

func newTestManager(t *testing.T) (*Manager, context.Context, context.CancelFunc) {
	t.Helper()
	forward := make(chan worker.Event, 16)
	m := New(testConfig(), forward)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Start(ctx)
	return m, ctx, cancel
}

func TestManagerOpenIsIdempotent(t *testing.T) {
	m, ctx, cancel := newTestManager(t)
	defer cancel()

	if err := m.Open(ctx, "sleepiebug"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.Open(ctx, "sleepiebug"); err != nil {
		t.Fatalf("second open: %v", err)
	}

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ActiveCount != 1 {
		t.Fatalf("active count = %d, want 1", stats.ActiveCount)
	}
}

func TestManagerCloseRemovesChannel(t *testing.T) {
	m, ctx, cancel := newTestManager(t)
	defer cancel()

	if err := m.Open(ctx, "sleepiebug"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.Close(ctx, "sleepiebug"); err != nil {
		t.Fatalf("close: %v", err)
	}

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ActiveCount != 0 {
		t.Fatalf("active count = %d, want 0", stats.ActiveCount)
	}
}

func TestManagerJoinSpawnsPooledWorkerUnderCap(t *testing.T) {
	m, ctx, cancel := newTestManager(t)
	defer cancel()

	for _, ch := range []string{"a", "b", "c"} {
		if err := m.Join(ctx, ch); err != nil {
			t.Fatalf("join %s: %v", ch, err)
		}
	}

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ActiveCount != 3 {
		t.Fatalf("active count = %d, want 3", stats.ActiveCount)
	}
	// cap is 2 per Worker, so 3 channels must have spread across at least
	// two pooled Workers.
	if len(m.pooled) < 2 {
		t.Fatalf("pooled = %d, want >= 2", len(m.pooled))
	}
}

func TestManagerLeaveIsNoOpForUnknownChannel(t *testing.T) {
	m, ctx, cancel := newTestManager(t)
	defer cancel()

	if err := m.Leave(ctx, "nonexistent"); err != nil {
		t.Fatalf("leave: %v", err)
	}
}

func TestManagerSendRoutesToOwningWorker(t *testing.T) {
	m, ctx, cancel := newTestManager(t)
	defer cancel()

	if err := m.Open(ctx, "sleepiebug"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.Send(ctx, "sleepiebug", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestManagerSendFailsForUnknownChannel(t *testing.T) {
	m, ctx, cancel := newTestManager(t)
	defer cancel()

	if err := m.Send(ctx, "nonexistent", "hello"); err == nil {
		t.Fatal("expected an error for an unassigned channel")
	}
}

func TestManagerShutdownStopsLoop(t *testing.T) {
	m, ctx, cancel := newTestManager(t)
	defer cancel()

	if err := m.Open(ctx, "sleepiebug"); err != nil {
		t.Fatalf("open: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
