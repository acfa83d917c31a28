package runner

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLifecycleRunsHooksAndDrains(t *testing.T) {
	var order []string
	drainer := DrainerFunc(func() error {
		order = append(order, "drain")
		return nil
	})
	r := NewLifecycleRunner(drainer, Hooks{
		OnStart: func() { order = append(order, "start") },
		OnStop:  func() { order = append(order, "stop") },
	}, time.Second)
	r.SetBanner(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("runner never reached running, state=%s", r.State())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", r.State())
	}
	want := []string{"start", "drain", "stop"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestLifecycleDrainTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := NewLifecycleRunner(DrainerFunc(func() error {
		<-block
		return nil
	}), Hooks{}, 20*time.Millisecond)
	r.SetBanner(nil)
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("stop err = %v, want drain timeout", err)
	}
	// second stop returns the same result without draining again
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("second stop err = %v", err)
	}
}

func TestRunTwiceFails(t *testing.T) {
	r := NewLifecycleRunner(nil, Hooks{}, time.Second)
	r.SetBanner(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("second run should fail")
	}
}

func TestDrainersJoinErrors(t *testing.T) {
	errA := errors.New("a")
	calls := 0
	d := Drainers{
		DrainerFunc(func() error { calls++; return errA }),
		nil,
		DrainerFunc(func() error { calls++; return nil }),
	}
	err := d.Drain()
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if !errors.Is(err, errA) {
		t.Fatalf("err = %v, want a", err)
	}
}
