package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Periodic is a task enqueued once per Every interval.
type Periodic struct {
	Action string
	Every  time.Duration
	Args   any
}

// Beat enqueues periodic tasks. Each interval slot has its own idempotency key, so several
// beats sharing a database enqueue a slot once.
type Beat struct {
	queue Queue
	jobs  []Periodic
	tick  time.Duration
	log   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBeat checks for due slots every tick (default one minute).
func NewBeat(q Queue, jobs []Periodic, tick time.Duration, log *zap.Logger) *Beat {
	if tick <= 0 {
		tick = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	var enabled []Periodic
	for _, j := range jobs {
		if j.Every > 0 && j.Action != "" {
			enabled = append(enabled, j)
		}
	}
	return &Beat{queue: q, jobs: enabled, tick: tick, log: log}
}

// SlotKey is the idempotency key of the slot containing at.
func SlotKey(action string, every time.Duration, at time.Time) string {
	return fmt.Sprintf("beat:%s:%d", action, at.UTC().Truncate(every).Unix())
}

// Tick enqueues the current slot of every job and returns how many were new.
func (b *Beat) Tick(ctx context.Context) (int, error) {
	now := b.queue.now()
	created := 0
	for _, j := range b.jobs {
		slot := now.UTC().Truncate(j.Every)
		_, isNew, err := b.queue.Schedule(ctx, j.Action, j.Args, slot, SlotKey(j.Action, j.Every, now))
		if err != nil {
			return created, fmt.Errorf("enqueue %s: %w", j.Action, err)
		}
		if isNew {
			created++
			b.log.Info("periodic task enqueued", zap.String("action", j.Action), zap.Time("slot", slot))
		}
	}
	return created, nil
}

func (b *Beat) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.tick)
		defer ticker.Stop()
		for {
			if _, err := b.Tick(ctx); err != nil && ctx.Err() == nil {
				b.log.Error("beat tick failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (b *Beat) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	b.wg.Wait()
}
