package grpcgroup

import (
	"context"
	"time"
)

type backoff struct {
	timer *time.Timer
	d     time.Duration
	max   time.Duration
}

func newBackoff(maxd time.Duration) *backoff {
	return &backoff{timer: time.NewTimer(0), max: maxd}
}

// Backoff blocks until the next attempt is due.
func (b *backoff) Backoff(c context.Context) error {
	select {
	case <-c.Done():
		return c.Err()
	case <-b.timer.C:
		b.bumpd()
		b.timer.Reset(b.d)
		return nil
	}
}

func (b *backoff) bumpd() {
	switch {
	case b.d == 0:
		b.d = 50 * time.Millisecond
	case b.d*2 > b.max:
		b.d = b.max
	default:
		b.d = b.d * 2
	}
}

func (b *backoff) Stop() {
	b.timer.Stop()
}
