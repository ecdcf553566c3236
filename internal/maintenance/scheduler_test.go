package maintenance

import (
	"context"
	"testing"
	"time"
)

func TestSchedulerInterval(t *testing.T) {
	ran := make(chan struct{}, 4)
	s, err := NewScheduler("", time.Second, func(ctx context.Context) {
		select {
		case ran <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if s.Spec() != "@every 1s" {
		t.Errorf("Spec() = %q", s.Spec())
	}

	s.Start()
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestSchedulerStopCancelsJob(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan struct{})
	s, err := NewScheduler("", time.Second, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(finished)
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Start()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not start")
	}
	s.Stop()
	s.Stop()

	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before the running job finished")
	}
}

func TestSchedulerBadSpec(t *testing.T) {
	noop := func(context.Context) {}
	if _, err := NewScheduler("not a cron", 0, noop); err == nil {
		t.Error("expected error for invalid spec")
	}
	if _, err := NewScheduler("", 0, noop); err == nil {
		t.Error("expected error for zero interval")
	}
	s, err := NewScheduler("0 3 * * *", 0, noop)
	if err != nil {
		t.Fatalf("cron spec rejected: %v", err)
	}
	s.Stop()
}
