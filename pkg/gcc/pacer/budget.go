// Package pacer implements the leaky-bucket paced sender: an interval
// budget, a priority round-robin packet queue, a bitrate prober and the
// process loop that drains packets to the transport at the configured rate.
package pacer

import (
	"time"

	"github.com/thesyncim/gcc/pkg/gcc"
)

// budgetWindow caps how much unused budget history is credited; a long
// silence must not produce an instantaneous burst.
const budgetWindow = 500 * time.Millisecond

// IntervalBudget is a leaky token bucket measured in bytes at a target
// rate. Over-spend is carried as debt; under-spend is carried as credit
// only when canBuildUpUnderuse is set.
type IntervalBudget struct {
	targetRate         gcc.DataRate
	maxBytes           gcc.DataSize
	remaining          gcc.DataSize
	canBuildUpUnderuse bool
}

// NewIntervalBudget creates a budget at the given target rate.
// canBuildUpUnderuse lets unused budget accumulate (up to the window) so a
// temporarily idle sender may catch up later.
func NewIntervalBudget(targetRate gcc.DataRate, canBuildUpUnderuse bool) *IntervalBudget {
	b := &IntervalBudget{canBuildUpUnderuse: canBuildUpUnderuse}
	b.SetTarget(targetRate)
	return b
}

// SetTarget changes the target rate and re-clamps the current level into
// the new window.
func (b *IntervalBudget) SetTarget(targetRate gcc.DataRate) {
	b.targetRate = targetRate
	b.maxBytes = targetRate.For(budgetWindow)
	if b.remaining > b.maxBytes {
		b.remaining = b.maxBytes
	}
	if b.remaining < -b.maxBytes {
		b.remaining = -b.maxBytes
	}
}

// IncreaseBudget credits the budget for elapsed time delta.
// When in debt (or when underuse carry-over is enabled) the credit adds to
// the current level; otherwise the level restarts from the credit alone.
func (b *IntervalBudget) IncreaseBudget(delta time.Duration) {
	add := b.targetRate.For(delta)
	if b.remaining < 0 || b.canBuildUpUnderuse {
		b.remaining += add
	} else {
		b.remaining = add
	}
	if b.remaining > b.maxBytes {
		b.remaining = b.maxBytes
	}
}

// UseBudget spends bytes; the level may go negative (debt) down to one
// window's worth.
func (b *IntervalBudget) UseBudget(bytes gcc.DataSize) {
	b.remaining -= bytes
	if b.remaining < -b.maxBytes {
		b.remaining = -b.maxBytes
	}
}

// Remaining returns the spendable bytes, never negative.
func (b *IntervalBudget) Remaining() gcc.DataSize {
	if b.remaining < 0 {
		return 0
	}
	return b.remaining
}

// LevelPercent returns the budget level as a percentage of the window;
// negative while in debt.
func (b *IntervalBudget) LevelPercent() int {
	if b.maxBytes == 0 {
		return 0
	}
	return int(int64(b.remaining) * 100 / int64(b.maxBytes))
}

// TargetRate returns the configured target rate.
func (b *IntervalBudget) TargetRate() gcc.DataRate {
	return b.targetRate
}
