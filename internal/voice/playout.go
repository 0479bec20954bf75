package voice

import (
	"context"
	"time"
)

// Playout tracks one piece of synthesized speech until it has finished
// playing. The provider does not report playback completion, so the end is
// estimated from the text length.
type Playout struct {
	duration time.Duration
	done     chan struct{}
	stopped  <-chan struct{}
}

// NewPlayout returns a playout that finishes after d, or once stopped is closed.
func NewPlayout(d time.Duration, stopped <-chan struct{}) *Playout {
	p := &Playout{duration: d, done: make(chan struct{}), stopped: stopped}
	if d <= 0 {
		close(p.done)
		return p
	}
	time.AfterFunc(d, func() { close(p.done) })
	return p
}

// Duration returns the estimated playback length.
func (p *Playout) Duration() time.Duration { return p.duration }

// Wait blocks until playback has finished, the room closed, or ctx is done.
func (p *Playout) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
