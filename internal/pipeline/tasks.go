package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cossistant/realtime/pkg/logger"
)

// Spawner runs background work with per-task error isolation: a spawned
// task's failure or panic is logged and never reaches the caller's control
// flow. Notifications, summaries and post-run analyses all go through it.
type Spawner struct {
	log     *logger.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewSpawner creates a spawner; timeout bounds each task's context.
func NewSpawner(log *logger.Logger, timeout time.Duration) *Spawner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Spawner{log: log.Named("tasks"), timeout: timeout}
}

// Spawn runs fn in the background. The task context is detached from the
// caller's cancellation so a finished request doesn't kill its own
// follow-on work, but keeps the caller's values for tracing.
func (s *Spawner) Spawn(ctx context.Context, name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)

	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("background task panicked",
					zap.String("task", name),
					zap.Any("panic", r),
				)
			}
		}()

		if err := fn(taskCtx); err != nil {
			s.log.Warn("background task failed",
				zap.String("task", name),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until all spawned tasks finish; used on shutdown and in tests.
func (s *Spawner) Wait() {
	s.wg.Wait()
}
