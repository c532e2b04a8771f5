package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// background runs fire-and-forget tasks, detached from the request that
// scheduled them. At most cap(sem) tasks run at once; failures and panics
// only reach the log.
type background struct {
	sem     chan struct{}
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	idle    *sync.Cond
	pending int
}

func newBackground(workers int, timeout time.Duration, log zerolog.Logger) *background {
	if workers <= 0 {
		workers = 32
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b := &background{
		sem:     make(chan struct{}, workers),
		timeout: timeout,
		log:     log,
	}
	b.idle = sync.NewCond(&b.mu)
	return b
}

func (b *background) Go(task string, fn func(ctx context.Context) error) {
	b.mu.Lock()
	b.pending++
	b.mu.Unlock()
	go func() {
		defer b.done()
		defer func() {
			if err := recover(); err != nil {
				b.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Str("task", task).Msg("Panic in background task")
			}
		}()
		b.sem <- struct{}{}
		defer func() { <-b.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			b.log.Warn().Err(err).Str("task", task).Msg("Background task failed")
		}
	}()
}

func (b *background) done() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending--
	if b.pending == 0 {
		b.idle.Broadcast()
	}
}

// Wait blocks until no task is pending. Tasks may still be scheduled
// while waiting.
func (b *background) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.pending > 0 {
		b.idle.Wait()
	}
}
