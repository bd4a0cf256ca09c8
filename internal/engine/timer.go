// engine/timer.go
package engine

import (
	"context"
	"time"

	"scentsmart/internal/codec"
	"scentsmart/internal/device"
)

// Timer paces the phases of a presentation. Sleep returns early with the
// context error when the presentation is cancelled.
type Timer interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type wallTimer struct{}

// WallTimer sleeps on the system clock.
func WallTimer() Timer { return wallTimer{} }

func (wallTimer) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispenser is the part of the device a presentation needs.
type Dispenser interface {
	EmitClean(b codec.EmitClean) error
	Settings() device.Settings
}

// Timing describes one stimulus slot: the command sent, then the emit phase,
// the cleaning/settle phase and the inter-stimulus interval.
type Timing struct {
	Command  codec.Command
	Emit     time.Duration
	Settle   time.Duration
	Interval time.Duration
}

func (t Timing) phases() []time.Duration {
	return []time.Duration{t.Emit, t.Settle, t.Interval}
}
