package workflow

import (
	"context"
	"sync"
	"time"
)

// TickFunc runs one poll. seq increases by one for every tick of a poller.
type TickFunc func(ctx context.Context, seq int64)

// Poller fires tick on a fixed interval until cancelled. Each tick runs in
// its own goroutine so a slow status call never delays the next one; callers
// use Accept to discard responses that arrive out of order.
type Poller struct {
	interval time.Duration
	tick     TickFunc

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	seq      int64
	accepted int64
	stopped  bool
}

func NewPoller(interval time.Duration, tick TickFunc) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{interval: interval, tick: tick}
}

// Start begins ticking. The first tick fires one interval after Start.
// Calling Start on a running or cancelled poller does nothing.
func (p *Poller) Start(parent context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil || p.stopped {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			if p.stopped {
				p.mu.Unlock()
				return
			}
			p.seq++
			seq := p.seq
			p.mu.Unlock()

			go p.tick(ctx, seq)
		}
	}
}

// Cancel stops the ticker and cancels in-flight ticks. It is safe to call
// more than once.
func (p *Poller) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.cancel != nil {
		p.cancel()
	}
}

// Accept records seq as the latest applied response. It returns false when
// the poller was cancelled or a newer response was already accepted.
func (p *Poller) Accept(seq int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || seq <= p.accepted {
		return false
	}
	p.accepted = seq
	return true
}

// Done is closed once the ticking goroutine has exited. It is nil before
// Start.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}
