package countdown_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/bidsync/internal/countdown"
)

func TestTierBoundaries(t *testing.T) {
	cases := []struct {
		remainingMs int64
		want        countdown.Tier
	}{
		{3_600_001, countdown.TierNormal},
		{3_600_000, countdown.TierWarning},
		{300_001, countdown.TierWarning},
		{300_000, countdown.TierUrgent},
		{1, countdown.TierUrgent},
		{0, countdown.TierExpired},
		{-500, countdown.TierExpired},
	}

	for _, c := range cases {
		got := countdown.TierFor(time.Duration(c.remainingMs) * time.Millisecond)
		if got != c.want {
			t.Errorf("TierFor(%dms): want %s, got %s", c.remainingMs, c.want, got)
		}
	}
}

func TestExpiredAtStartEmitsSingleTick(t *testing.T) {
	fc := clockwork.NewFakeClock()
	eng := countdown.NewEngine(fc)

	ticks := make(chan countdown.Tick, 4)
	handle := eng.Start(7, fc.Now().Add(-time.Minute), func(tick countdown.Tick) {
		ticks <- tick
	})

	tick := <-ticks
	if tick.RemainingMillis != 0 || tick.Tier != countdown.TierExpired {
		t.Fatalf("want immediate EXPIRED tick with 0 remaining, got %+v", tick)
	}

	// nothing scheduled: advancing the clock produces no further ticks
	fc.Advance(5 * time.Second)
	select {
	case tick := <-ticks:
		t.Fatalf("unexpected tick after expiry: %+v", tick)
	default:
	}

	// stopping an already-expired handle is a no-op
	handle.Stop()
	handle.Stop()
}

func TestRemainingStrictlyDecreases(t *testing.T) {
	fc := clockwork.NewFakeClock()
	eng := countdown.NewEngine(fc)

	end := fc.Now().Add(10 * time.Second)
	ticks := make(chan countdown.Tick, 16)
	handle := eng.Start(42, end, func(tick countdown.Tick) {
		ticks <- tick
	})
	defer handle.Stop()

	prev := int64(10_000)
	for i := 0; i < 3; i++ {
		fc.BlockUntil(1)
		fc.Advance(time.Second)
		tick := recvTick(t, ticks)
		if tick.RemainingMillis >= prev {
			t.Fatalf("tick %d: remaining %d did not decrease from %d", i, tick.RemainingMillis, prev)
		}
		if tick.Tier != countdown.TierUrgent {
			t.Fatalf("tick %d: want URGENT under 5m, got %s", i, tick.Tier)
		}
		prev = tick.RemainingMillis
	}
}

func TestTickNeverDriftsAcrossSuspension(t *testing.T) {
	fc := clockwork.NewFakeClock()
	eng := countdown.NewEngine(fc)

	end := fc.Now().Add(2 * time.Hour)
	ticks := make(chan countdown.Tick, 16)
	handle := eng.Start(1, end, func(tick countdown.Tick) {
		ticks <- tick
	})
	defer handle.Stop()

	fc.BlockUntil(1)
	fc.Advance(time.Second)
	tick := recvTick(t, ticks)
	if tick.Tier != countdown.TierNormal {
		t.Fatalf("want NORMAL above one hour, got %s", tick.Tier)
	}

	// a long gap between ticks recomputes from the clock, not from
	// accumulated deltas
	fc.BlockUntil(1)
	fc.Advance(90 * time.Minute)
	tick = recvTick(t, ticks)
	if want := (30 * time.Minute).Milliseconds(); tick.RemainingMillis != want {
		t.Fatalf("want %dms remaining after gap, got %d", want, tick.RemainingMillis)
	}
	if tick.Tier != countdown.TierWarning {
		t.Fatalf("want WARNING at 30m, got %s", tick.Tier)
	}
}

func TestExpiryStopsTicking(t *testing.T) {
	fc := clockwork.NewFakeClock()
	eng := countdown.NewEngine(fc)

	end := fc.Now().Add(2 * time.Second)
	ticks := make(chan countdown.Tick, 16)
	handle := eng.Start(3, end, func(tick countdown.Tick) {
		ticks <- tick
	})

	fc.BlockUntil(1)
	fc.Advance(time.Second)
	if tick := recvTick(t, ticks); tick.Tier != countdown.TierUrgent {
		t.Fatalf("want URGENT, got %s", tick.Tier)
	}

	fc.BlockUntil(1)
	fc.Advance(time.Second)
	tick := recvTick(t, ticks)
	if tick.Tier != countdown.TierExpired || tick.RemainingMillis != 0 {
		t.Fatalf("want EXPIRED 0, got %+v", tick)
	}

	// ticker stopped after expiry
	fc.Advance(time.Minute)
	select {
	case tick := <-ticks:
		t.Fatalf("unexpected tick after expiry: %+v", tick)
	case <-time.After(20 * time.Millisecond):
	}

	handle.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	fc := clockwork.NewFakeClock()
	eng := countdown.NewEngine(fc)

	handle := eng.Start(5, fc.Now().Add(time.Hour), func(countdown.Tick) {})
	handle.Stop()
	handle.Stop()
}

func recvTick(t *testing.T, ticks <-chan countdown.Tick) countdown.Tick {
	t.Helper()
	select {
	case tick := <-ticks:
		return tick
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tick")
		return countdown.Tick{}
	}
}
