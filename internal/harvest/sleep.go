package harvest

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// SleepFunc pauses for d or until ctx ends. Components take one so tests can
// skip real waits.
type SleepFunc func(ctx context.Context, d time.Duration) error

var realClock = clockwork.NewRealClock()

// Sleep is the wall-clock SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	return sleepOn(ctx, realClock, d)
}

// ClockSleep returns a SleepFunc whose timers come from clock, so a fake clock
// drives every wait built on it.
func ClockSleep(clock clockwork.Clock) SleepFunc {
	if clock == nil {
		clock = realClock
	}
	return func(ctx context.Context, d time.Duration) error {
		return sleepOn(ctx, clock, d)
	}
}

func sleepOn(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.Chan():
		return nil
	}
}

// NoSleep returns immediately unless ctx is already done.
func NoSleep(ctx context.Context, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sleep interrupted: %w", err)
	}
	return nil
}
