package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/harsha-chodavarapu/student-app/internal/domain"
)

type blockingTask struct {
	id      string
	release chan struct{}
	ran     *atomic.Int32
}

func (b blockingTask) ID() string { return b.id }

func (b blockingTask) Execute(ctx context.Context) error {
	<-b.release
	b.ran.Add(1)
	return nil
}

func TestWorkerPoolQueueFullAndDrain(t *testing.T) {
	pool := NewWorkerPool(1, 1, testLogger())
	pool.Start()

	release := make(chan struct{})
	var ran atomic.Int32
	started := make(chan struct{})

	// The first task occupies the only worker until released.
	first := taskFunc{id: "first", fn: func(ctx context.Context) error {
		close(started)
		<-release
		ran.Add(1)
		return nil
	}}
	if err := pool.Submit(first); err != nil {
		t.Fatalf("submit first: %v", err)
	}
	<-started

	if err := pool.Submit(blockingTask{id: "second", release: release, ran: &ran}); err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if err := pool.Submit(blockingTask{id: "third", release: release, ran: &ran}); !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}

	close(release)
	pool.Stop(context.Background())

	if got := ran.Load(); got != 2 {
		t.Fatalf("expected queued tasks to drain, ran %d", got)
	}
	if err := pool.Submit(blockingTask{id: "late", release: release, ran: &ran}); !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("expected submit after stop to be refused, got %v", err)
	}
}

type taskFunc struct {
	id string
	fn func(ctx context.Context) error
}

func (t taskFunc) ID() string                        { return t.id }
func (t taskFunc) Execute(ctx context.Context) error { return t.fn(ctx) }
