package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/lipread/internal/config"
	"github.com/loqalabs/lipread/internal/lipread"
)

func newTestManager(cfg config.SessionsConfig) *Manager {
	return NewManager(cfg, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testFrame(t *testing.T) lipread.Frame {
	t.Helper()
	f, err := lipread.NewFrame(make([]float32, lipread.FrameLen))
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func countFrames(_ context.Context, frames []lipread.Frame) (lipread.Result, error) {
	return lipread.Result{Steps: len(frames)}, nil
}

func TestDefaultSession(t *testing.T) {
	m := newTestManager(config.SessionsConfig{DefaultID: "default", MaxSessions: 4})
	a := m.Get("")
	b := m.Get("default")
	if a != b || a.ID != "default" {
		t.Fatalf("expected empty id to map to the default session")
	}
}

func TestObserveBoundsWindow(t *testing.T) {
	m := newTestManager(config.SessionsConfig{MaxSessions: 4})
	s := m.Get("a")
	for i := 1; i <= 12; i++ {
		res, n, err := s.Observe(context.Background(), testFrame(t), countFrames)
		if err != nil {
			t.Fatal(err)
		}
		if want := min(i, 10); n != want || res.Steps != want {
			t.Fatalf("push %d: buffered %d steps %d, want %d", i, n, res.Steps, want)
		}
	}
	m.Reset("a")
	if s.Buffered() != 0 {
		t.Fatalf("expected empty window after reset, got %d", s.Buffered())
	}
	m.Reset("unknown")
}

func TestSessionsAreIsolated(t *testing.T) {
	m := newTestManager(config.SessionsConfig{MaxSessions: 4})
	a, b := m.Get("a"), m.Get("b")
	for range 3 {
		a.Observe(context.Background(), testFrame(t), countFrames)
	}
	b.Observe(context.Background(), testFrame(t), countFrames)
	if a.Buffered() != 3 || b.Buffered() != 1 {
		t.Fatalf("unexpected buffered counts %d %d", a.Buffered(), b.Buffered())
	}
}

func TestConcurrentObserveIsSerialized(t *testing.T) {
	m := newTestManager(config.SessionsConfig{MaxSessions: 4})
	s := m.Get("a")
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		active int
		bad    bool
	)
	predict := func(_ context.Context, frames []lipread.Frame) (lipread.Result, error) {
		mu.Lock()
		active++
		if active > 1 {
			bad = true
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return lipread.Result{}, nil
	}
	f := testFrame(t)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Observe(context.Background(), f, predict)
		}()
	}
	wg.Wait()
	if bad {
		t.Fatal("observe calls overlapped on one session")
	}
}

func TestEndAndCreate(t *testing.T) {
	m := newTestManager(config.SessionsConfig{MaxSessions: 4})
	var ended []string
	m.OnEnd(func(id string, reason EndReason) {
		if reason != EndClosed {
			t.Errorf("unexpected reason %s", reason)
		}
		ended = append(ended, id)
	})
	s := m.Create()
	if len(s.ID) != 36 {
		t.Fatalf("expected uuid session id, got %q", s.ID)
	}
	if err := m.End(s.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := m.End(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(ended) != 1 || ended[0] != s.ID || m.Len() != 0 {
		t.Fatalf("unexpected end hook calls %v", ended)
	}
}

func TestMaxSessionsEvictsLeastRecent(t *testing.T) {
	m := newTestManager(config.SessionsConfig{MaxSessions: 2})
	var evicted []string
	m.OnEnd(func(id string, reason EndReason) {
		if reason == EndEvicted {
			evicted = append(evicted, id)
		}
	})
	m.Get("a")
	m.Get("b")
	m.Get("a")
	m.Get("c")
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("expected b evicted, got %v", evicted)
	}
	if _, ok := m.Lookup("a"); !ok {
		t.Fatal("recently used session evicted")
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", m.Len())
	}
}

func TestExpireIdle(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(config.SessionsConfig{MaxSessions: 8, IdleTimeoutMS: 60000})
	m.SetClock(func() time.Time { return now })
	m.Get("old")
	now = now.Add(45 * time.Second)
	m.Get("fresh")
	now = now.Add(30 * time.Second)

	var reasons []EndReason
	m.OnEnd(func(_ string, r EndReason) { reasons = append(reasons, r) })
	if n := m.ExpireIdle(); n != 1 {
		t.Fatalf("expected 1 expired session, got %d", n)
	}
	if _, ok := m.Lookup("old"); ok {
		t.Fatal("idle session still present")
	}
	if _, ok := m.Lookup("fresh"); !ok {
		t.Fatal("fresh session expired")
	}
	if len(reasons) != 1 || reasons[0] != EndIdle {
		t.Fatalf("unexpected reasons %v", reasons)
	}
}

func TestObserveOnRemovedSession(t *testing.T) {
	m := newTestManager(config.SessionsConfig{MaxSessions: 1})
	stale := m.Get("a")
	stale.Observe(context.Background(), testFrame(t), countFrames)
	m.Get("b") // evicts a

	if _, _, err := stale.Observe(context.Background(), testFrame(t), countFrames); !errors.Is(err, ErrEnded) {
		t.Fatalf("observe on evicted session: err = %v, want ErrEnded", err)
	}
	if stale.Buffered() != 1 {
		t.Fatalf("evicted window changed: %d frames", stale.Buffered())
	}

	_, n, err := m.Observe(context.Background(), "a", testFrame(t), countFrames)
	if err != nil {
		t.Fatal(err)
	}
	live, ok := m.Lookup("a")
	if !ok || live == stale {
		t.Fatal("expected a fresh session for a")
	}
	if n != 1 || live.Buffered() != 1 {
		t.Fatalf("buffered = %d (live %d), want 1", n, live.Buffered())
	}
}

func TestManagerObserveRacesEnd(t *testing.T) {
	m := newTestManager(config.SessionsConfig{MaxSessions: 4})
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = m.End("a")
			}
		}
	}()
	for range 200 {
		if _, n, err := m.Observe(context.Background(), "a", testFrame(t), countFrames); err != nil && !errors.Is(err, ErrEnded) {
			t.Fatalf("observe: %v", err)
		} else if err == nil && n < 1 {
			t.Fatalf("observed frame not counted: buffered %d", n)
		}
	}
	close(stop)
	wg.Wait()
}
