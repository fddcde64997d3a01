package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseEveryInvalid(t *testing.T) {
	for _, expr := range []string{"every 1s", "@every -1s", "@every x", "*/5 * * * *", ""} {
		if _, err := ParseEvery(expr); err == nil {
			t.Fatalf("expected error for %q", expr)
		}
	}
	d, err := ParseEvery(" @every 5m ")
	if err != nil || d != 5*time.Minute {
		t.Fatalf("parse: %v %v", d, err)
	}
}

func TestSchedulerAddValidation(t *testing.T) {
	s := NewScheduler(nil)
	noop := func(context.Context) error { return nil }
	if err := s.Add(&Job{Schedule: "@every 1s", Run: noop}); err == nil {
		t.Fatalf("expected error for missing name")
	}
	if err := s.Add(&Job{Name: "a", Schedule: "@every 1s"}); err == nil {
		t.Fatalf("expected error for missing run func")
	}
	if err := s.Add(&Job{Name: "a", Schedule: "bad", Run: noop}); err == nil {
		t.Fatalf("expected error for bad schedule")
	}
	if err := s.Add(&Job{Name: "a", Schedule: "@every 1s", Run: noop}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(&Job{Name: "a", Schedule: "@every 1s", Run: noop}); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

func TestSchedulerRunsAndStops(t *testing.T) {
	s := NewScheduler(nil)
	var n atomic.Int32
	j := &Job{Name: "tick", Schedule: "@every 10ms", Run: func(context.Context) error {
		n.Add(1)
		return errors.New("ignored")
	}}
	if err := s.Add(j); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected error on second start")
	}
	deadline := time.Now().Add(2 * time.Second)
	for n.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	got := n.Load()
	if got < 2 {
		t.Fatalf("expected at least 2 runs, got %d", got)
	}
	time.Sleep(50 * time.Millisecond)
	if n.Load() != got {
		t.Fatalf("job ran after Stop")
	}
}

func TestSchedulerSkipsOverlap(t *testing.T) {
	s := NewScheduler(nil)
	var active, maxActive atomic.Int32
	j := &Job{Name: "slow", Schedule: "@every 5ms", Run: func(ctx context.Context) error {
		cur := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if cur <= m || maxActive.CompareAndSwap(m, cur) {
				break
			}
		}
		select {
		case <-ctx.Done():
		case <-time.After(60 * time.Millisecond):
		}
		return nil
	}}
	_ = s.Add(j)
	_ = s.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	s.Stop()
	if maxActive.Load() != 1 {
		t.Fatalf("expected no overlapping runs, max=%d", maxActive.Load())
	}
	if j.Runs() == 0 {
		t.Fatalf("expected at least one completed run")
	}
}

func TestSchedulerRecoversPanic(t *testing.T) {
	s := NewScheduler(nil)
	var n atomic.Int32
	_ = s.Add(&Job{Name: "boom", Schedule: "@every 5ms", Run: func(context.Context) error {
		n.Add(1)
		panic("boom")
	}})
	_ = s.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for n.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	if n.Load() < 2 {
		t.Fatalf("panicking job should keep being scheduled, ran %d", n.Load())
	}
}
