package recorder

import (
	"context"
	"sync"

	"github.com/davidbz/ember/internal/observability"
)

// Spawner runs named background tasks.
type Spawner interface {
	Spawn(ctx context.Context, name string, task func(ctx context.Context))
}

// GoSpawner runs each task on its own goroutine, detached from the caller's cancellation.
type GoSpawner struct {
	wg sync.WaitGroup
}

// NewGoSpawner creates a new GoSpawner.
func NewGoSpawner() *GoSpawner {
	return &GoSpawner{}
}

// Spawn starts task in the background. A panicking task is logged and swallowed.
func (s *GoSpawner) Spawn(ctx context.Context, name string, task func(ctx context.Context)) {
	detached := observability.Detach(ctx)

	s.wg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				observability.FromContext(detached).Error("background task panicked",
					observability.String("task", name),
					observability.Any("panic", r),
				)
			}
		}()
		task(detached)
	})
}

// Wait blocks until every spawned task returns or ctx is done.
func (s *GoSpawner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
