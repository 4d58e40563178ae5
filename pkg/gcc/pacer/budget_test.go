package pacer

import (
	"testing"
	"time"

	"github.com/thesyncim/gcc/pkg/gcc"
)

func TestIntervalBudget_RefillMatchesRate(t *testing.T) {
	b := NewIntervalBudget(800*gcc.KilobitPerSecond, false)

	// 800 kbps over 100 ms = 10000 bytes.
	b.IncreaseBudget(100 * time.Millisecond)
	if got := b.Remaining(); got != 10000 {
		t.Errorf("Remaining = %d, want 10000", got)
	}
}

func TestIntervalBudget_WindowCapsCredit(t *testing.T) {
	b := NewIntervalBudget(800*gcc.KilobitPerSecond, true)

	// Hours of credit still cap at the 500 ms window (50000 bytes).
	for i := 0; i < 100; i++ {
		b.IncreaseBudget(time.Second)
	}
	if got := b.Remaining(); got != 50000 {
		t.Errorf("Remaining = %d, want 50000 (window cap)", got)
	}
}

func TestIntervalBudget_NoUnderuseCarryWithoutFlag(t *testing.T) {
	b := NewIntervalBudget(800*gcc.KilobitPerSecond, false)

	b.IncreaseBudget(100 * time.Millisecond)
	// Unused; a second refill replaces rather than accumulates.
	b.IncreaseBudget(100 * time.Millisecond)
	if got := b.Remaining(); got != 10000 {
		t.Errorf("Remaining = %d, want 10000 (no carry-over)", got)
	}
}

func TestIntervalBudget_UnderuseCarryWithFlag(t *testing.T) {
	b := NewIntervalBudget(800*gcc.KilobitPerSecond, true)

	b.IncreaseBudget(100 * time.Millisecond)
	b.IncreaseBudget(100 * time.Millisecond)
	if got := b.Remaining(); got != 20000 {
		t.Errorf("Remaining = %d, want 20000 (carry-over)", got)
	}
}

func TestIntervalBudget_DebtCarriesRegardless(t *testing.T) {
	b := NewIntervalBudget(800*gcc.KilobitPerSecond, false)

	b.IncreaseBudget(10 * time.Millisecond) // 1000 bytes
	b.UseBudget(5000)                       // 4000 bytes of debt
	if got := b.Remaining(); got != 0 {
		t.Fatalf("Remaining = %d, want 0 while in debt", got)
	}
	if b.LevelPercent() >= 0 {
		t.Fatalf("LevelPercent = %d, want negative while in debt", b.LevelPercent())
	}

	// The next refill pays the debt down even without the carry flag.
	b.IncreaseBudget(10 * time.Millisecond)
	if got := b.Remaining(); got != 0 {
		t.Errorf("Remaining = %d, want 0 (still 3000 in debt)", got)
	}
	b.IncreaseBudget(50 * time.Millisecond) // 5000 bytes: clears debt, 2000 left
	if got := b.Remaining(); got != 2000 {
		t.Errorf("Remaining = %d, want 2000", got)
	}
}

func TestIntervalBudget_DebtBounded(t *testing.T) {
	b := NewIntervalBudget(800*gcc.KilobitPerSecond, false)

	b.UseBudget(1_000_000)
	// Debt caps at one window (50000); a 500 ms refill must fully clear it.
	b.IncreaseBudget(500 * time.Millisecond)
	if got := b.Remaining(); got != 0 {
		t.Errorf("Remaining = %d, want 0 (debt exactly cleared)", got)
	}
	b.IncreaseBudget(time.Millisecond)
	if got := b.Remaining(); got <= 0 {
		t.Errorf("Remaining = %d, want positive after debt cleared", got)
	}
}

func TestIntervalBudget_SetTargetReclamps(t *testing.T) {
	b := NewIntervalBudget(800*gcc.KilobitPerSecond, true)
	b.IncreaseBudget(500 * time.Millisecond) // 50000 bytes

	// Dropping the rate re-clamps the accumulated credit to the new window.
	b.SetTarget(80 * gcc.KilobitPerSecond)
	if got := b.Remaining(); got != 5000 {
		t.Errorf("Remaining = %d, want 5000 after target drop", got)
	}
}
