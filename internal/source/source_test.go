package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestPosition_String(t *testing.T) {
	p := Position{Shard: "events", Token: "1700000000000-0"}
	if got := p.String(); got != "events@1700000000000-0" {
		t.Errorf("expected events@1700000000000-0, got %s", got)
	}
}

func TestNewPacer_ZeroIntervalIsUnlimited(t *testing.T) {
	p := NewPacer(0)
	for i := 0; i < 100; i++ {
		if !p.Allow() {
			t.Fatalf("expected unlimited pacer to allow pull %d", i)
		}
	}
}

func TestNewPacer_LimitsPulls(t *testing.T) {
	p := NewPacer(time.Hour)
	if !p.Allow() {
		t.Fatal("expected first pull to be allowed")
	}
	if p.Allow() {
		t.Fatal("expected second pull within the interval to be refused")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); err == nil {
		t.Fatal("expected Wait to fail before the interval elapses")
	}
}

func TestDeliver_RetriesUntilAccepted(t *testing.T) {
	calls := 0
	handler := func(context.Context, Event) error {
		calls++
		if calls < 3 {
			return errors.New("capacity exceeded")
		}
		return nil
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := Deliver(context.Background(), NewPacer(0), logger, handler, Event{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 handler calls, got %d", calls)
	}
}

func TestDeliver_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handler := func(context.Context, Event) error {
		cancel()
		return errors.New("capacity exceeded")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := Deliver(ctx, NewPacer(time.Hour), logger, handler, Event{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
