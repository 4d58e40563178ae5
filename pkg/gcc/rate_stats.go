package gcc

import "time"

// RateStatsConfig configures the sliding window rate measurement.
type RateStatsConfig struct {
	// WindowSize is the duration of the sliding window for rate calculation.
	// Default: 1 second.
	WindowSize time.Duration
}

// DefaultRateStatsConfig returns default configuration for rate statistics.
func DefaultRateStatsConfig() RateStatsConfig {
	return RateStatsConfig{
		WindowSize: time.Second,
	}
}

// rateSample represents a single byte count measurement at a point in time.
type rateSample struct {
	timestamp time.Time
	bytes     DataSize
}

// RateStats tracks a bitrate over a sliding time window.
// It computes bits-per-second from accumulated byte samples within the
// window.
//
// Usage:
//
//	r := NewRateStats(DefaultRateStatsConfig())
//	r.Update(packetSize, arrivalTime)
//	if rate, ok := r.Rate(now); ok {
//	    fmt.Printf("Current rate: %v\n", rate)
//	}
type RateStats struct {
	windowSize time.Duration
	samples    []rateSample
	totalBytes DataSize
}

// NewRateStats creates a new rate statistics tracker with the given
// configuration.
func NewRateStats(config RateStatsConfig) *RateStats {
	windowSize := config.WindowSize
	if windowSize <= 0 {
		windowSize = time.Second
	}
	return &RateStats{
		windowSize: windowSize,
		samples:    make([]rateSample, 0, 64), // Pre-allocate for typical packet rates
	}
}

// Update adds a new byte count sample at the given time.
//
// The method automatically removes samples that have expired beyond the
// sliding window. If called after a gap larger than the window size,
// all previous samples will be removed.
func (r *RateStats) Update(bytes DataSize, now time.Time) {
	r.removeExpired(now)
	r.samples = append(r.samples, rateSample{timestamp: now, bytes: bytes})
	r.totalBytes += bytes
}

// Rate returns the current bitrate over the window.
// Returns (rate, true) if sufficient data exists to compute a meaningful
// rate; (0, false) when fewer than 2 samples remain or they span less than
// one millisecond.
func (r *RateStats) Rate(now time.Time) (DataRate, bool) {
	r.removeExpired(now)

	if len(r.samples) < 2 {
		return 0, false
	}

	oldest := r.samples[0].timestamp
	newest := r.samples[len(r.samples)-1].timestamp
	elapsed := newest.Sub(oldest)
	if elapsed < time.Millisecond {
		return 0, false
	}

	return RateFromSize(r.totalBytes, elapsed), true
}

// Reset clears all samples and accumulated state.
func (r *RateStats) Reset() {
	r.samples = r.samples[:0]
	r.totalBytes = 0
}

// removeExpired removes all samples older than windowSize from now.
func (r *RateStats) removeExpired(now time.Time) {
	cutoff := now.Add(-r.windowSize)

	expiredCount := 0
	for i, s := range r.samples {
		if !s.timestamp.Before(cutoff) {
			break
		}
		r.totalBytes -= s.bytes
		expiredCount = i + 1
	}
	if expiredCount > 0 {
		r.samples = r.samples[expiredCount:]
	}
}
