package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestNewRejectsInvalidSchedule(t *testing.T) {
	_, err := New(Config{Schedule: "every five minutes", Job: func(context.Context) {}})
	if err == nil {
		t.Fatalf("expected invalid schedule error")
	}
}

func TestNewRequiresJob(t *testing.T) {
	if _, err := New(Config{Schedule: DefaultSchedule}); err == nil {
		t.Fatalf("expected missing job error")
	}
}

func TestRunOnceAppliesJobTimeout(t *testing.T) {
	deadlines := make(chan bool, 1)
	scheduler, err := New(Config{
		Job: func(ctx context.Context) {
			_, ok := ctx.Deadline()
			deadlines <- ok
		},
		JobTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	scheduler.runOnce()
	if !<-deadlines {
		t.Fatalf("expected job context to carry a deadline")
	}
}

func TestStopCancelsJobContext(t *testing.T) {
	scheduler, err := New(Config{Job: func(context.Context) {}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	scheduler.Stop(ctx)
	if scheduler.baseCtx.Err() == nil {
		t.Fatalf("expected job context to be canceled after stop")
	}
}
