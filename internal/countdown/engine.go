package countdown

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Tier is the coarse bucket of remaining auction time used to change UI
// treatment
type Tier string

const (
	TierNormal  Tier = "NORMAL"
	TierWarning Tier = "WARNING"
	TierUrgent  Tier = "URGENT"
	TierExpired Tier = "EXPIRED"
)

const (
	warningThreshold = time.Hour
	urgentThreshold  = 5 * time.Minute
	tickInterval     = time.Second
)

// TierFor buckets a remaining duration. Boundaries are inclusive on the
// upper bound: exactly one hour is WARNING and exactly five minutes is
// URGENT, so adjacent renders never flicker between tiers.
func TierFor(remaining time.Duration) Tier {
	switch {
	case remaining <= 0:
		return TierExpired
	case remaining <= urgentThreshold:
		return TierUrgent
	case remaining <= warningThreshold:
		return TierWarning
	default:
		return TierNormal
	}
}

// Tick reports the remaining time for an item at one countdown cadence
type Tick struct {
	ItemID          int64
	RemainingMillis int64
	Tier            Tier
}

// Engine drives per-item countdowns from an injected clock. Each tick
// recomputes remaining time from endTime and the clock, never from
// accumulated deltas, so suspended or slow ticks cannot drift the
// countdown from wall-clock truth.
type Engine struct {
	clock clockwork.Clock
}

// NewEngine creates a countdown engine
func NewEngine(clock clockwork.Clock) *Engine {
	return &Engine{clock: clock}
}

// Handle stops a running countdown. Stop is idempotent: stopping twice
// or stopping an already-expired countdown is a no-op.
type Handle struct {
	stop chan struct{}
	once sync.Once
}

func (h *Handle) Stop() {
	h.once.Do(func() { close(h.stop) })
}

// Start begins ticking for an item, invoking fn once per second with the
// recomputed remaining time. If endTime is already past, fn is invoked
// once with an EXPIRED tick and nothing is scheduled.
func (e *Engine) Start(itemID int64, endTime time.Time, fn func(Tick)) *Handle {
	handle := &Handle{stop: make(chan struct{})}

	if !endTime.After(e.clock.Now()) {
		fn(Tick{ItemID: itemID, RemainingMillis: 0, Tier: TierExpired})
		handle.Stop()
		return handle
	}

	go e.run(itemID, endTime, fn, handle)
	return handle
}

func (e *Engine) run(itemID int64, endTime time.Time, fn func(Tick), handle *Handle) {
	ticker := e.clock.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-handle.stop:
			return
		case <-ticker.Chan():
			remaining := endTime.Sub(e.clock.Now())
			if remaining <= 0 {
				fn(Tick{ItemID: itemID, RemainingMillis: 0, Tier: TierExpired})
				handle.Stop()
				return
			}
			fn(Tick{ItemID: itemID, RemainingMillis: remaining.Milliseconds(), Tier: TierFor(remaining)})
		}
	}
}
