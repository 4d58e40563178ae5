package gcc

import (
	"fmt"
	"time"
)

// DataRate is a bitrate in bits per second.
//
// DataRate and DataSize keep byte and bit quantities out of untyped integer
// arithmetic; all unit conversions go through the explicit helpers below.
type DataRate int64

// DataSize is a byte count.
type DataSize int64

// DataRate units.
const (
	BitPerSecond     DataRate = 1
	KilobitPerSecond          = 1000 * BitPerSecond
	MegabitPerSecond          = 1000 * KilobitPerSecond
)

// DataSize units.
const (
	Byte     DataSize = 1
	Kilobyte          = 1000 * Byte
)

// String formats the rate with a human-friendly unit.
func (r DataRate) String() string {
	switch {
	case r >= MegabitPerSecond:
		return fmt.Sprintf("%.2f Mb/s", float64(r)/float64(MegabitPerSecond))
	case r >= KilobitPerSecond:
		return fmt.Sprintf("%.2f Kb/s", float64(r)/float64(KilobitPerSecond))
	}
	return fmt.Sprintf("%d bit/s", int64(r))
}

// For returns the number of bytes the rate produces over duration d,
// rounded to the nearest byte.
func (r DataRate) For(d time.Duration) DataSize {
	if d <= 0 || r <= 0 {
		return 0
	}
	bits := float64(r) * d.Seconds()
	return DataSize((bits + 4) / 8)
}

// Mul scales the rate by a float factor.
func (r DataRate) Mul(f float64) DataRate {
	return DataRate(float64(r) * f)
}

// Clamp bounds the rate into [low, high].
func (r DataRate) Clamp(low, high DataRate) DataRate {
	if r < low {
		return low
	}
	if r > high {
		return high
	}
	return r
}

// RateFromSize returns the rate at which size bytes were moved over
// duration d. Returns 0 for non-positive durations.
func RateFromSize(size DataSize, d time.Duration) DataRate {
	if d <= 0 {
		return 0
	}
	return DataRate(float64(size*8) / d.Seconds())
}

// Bits returns the size expressed in bits.
func (s DataSize) Bits() int64 {
	return int64(s) * 8
}

// String formats the size in bytes.
func (s DataSize) String() string {
	return fmt.Sprintf("%d bytes", int64(s))
}

func minRate(a, b DataRate) DataRate {
	if a < b {
		return a
	}
	return b
}

func maxRate(a, b DataRate) DataRate {
	if a > b {
		return a
	}
	return b
}
