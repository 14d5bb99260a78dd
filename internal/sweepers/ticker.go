package sweepers

import (
	"context"
	"sync"
	"time"
)

// ticker runs a function every interval until stopped. A zero interval
// disables it.
type ticker struct {
	interval time.Duration
	stopChan chan struct{}
	once     sync.Once
}

func newTicker(interval time.Duration) *ticker {
	return &ticker{interval: interval, stopChan: make(chan struct{})}
}

func (t *ticker) run(ctx context.Context, fn func(context.Context)) {
	if t.interval <= 0 {
		return
	}

	tick := time.NewTicker(t.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		case <-tick.C:
			fn(ctx)
		}
	}
}

func (t *ticker) stop() {
	t.once.Do(func() { close(t.stopChan) })
}
