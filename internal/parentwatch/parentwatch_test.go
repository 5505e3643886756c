package parentwatch

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/docstore/internal/clock"
)

func waitForTimer(t *testing.T, clk *clock.Manual) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for clk.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("poller never scheduled a probe")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCancelsWhenParentExits(t *testing.T) {
	t.Parallel()

	var alive atomic.Bool
	alive.Store(true)
	clk := clock.NewManual(time.Unix(0, 0))
	ctx, err := Watch(context.Background(), Config{
		PID:             4242,
		PollInterval:    time.Second,
		Clock:           clk,
		SkipDeathSignal: true,
		Alive:           func(context.Context, int32) (bool, error) { return alive.Load(), nil },
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	waitForTimer(t, clk)
	clk.Advance(time.Second)
	waitForTimer(t, clk)
	if ctx.Err() != nil {
		t.Fatal("context cancelled while parent alive")
	}

	alive.Store(false)
	clk.Advance(time.Second)
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled after parent exit")
	}
	if !errors.Is(context.Cause(ctx), ErrParentExited) {
		t.Fatalf("unexpected cause %v", context.Cause(ctx))
	}
}

func TestParentAlreadyGone(t *testing.T) {
	t.Parallel()

	_, err := Watch(context.Background(), Config{
		PID:             4242,
		SkipDeathSignal: true,
		Alive:           func(context.Context, int32) (bool, error) { return false, nil },
	})
	if !errors.Is(err, ErrParentExited) {
		t.Fatalf("expected ErrParentExited, got %v", err)
	}
}

func TestInvalidPID(t *testing.T) {
	t.Parallel()

	if _, err := Watch(context.Background(), Config{PID: 0}); err == nil {
		t.Fatal("expected error for pid 0")
	}
}

func TestRealProbeSeesOwnParent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watched, err := Watch(ctx, Config{PID: int32(os.Getppid()), SkipDeathSignal: true, PollInterval: time.Hour})
	if err != nil {
		t.Fatalf("watch own parent: %v", err)
	}
	cancel()
	<-watched.Done()
	if errors.Is(context.Cause(watched), ErrParentExited) {
		t.Fatal("cancellation must come from the caller")
	}
}
