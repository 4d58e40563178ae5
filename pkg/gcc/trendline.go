package gcc

import "time"

// TrendlineConfig contains configuration parameters for the trendline
// estimator. The estimator fits a least-squares line through the smoothed
// accumulated delay and uses its slope as the congestion signal.
type TrendlineConfig struct {
	// WindowSize is the number of samples in the regression window.
	// A larger window provides more stability but slower response.
	// Default: 20 samples.
	WindowSize int

	// SmoothingCoef is the exponential smoothing coefficient for the
	// accumulated delay. Higher values (closer to 1.0) give more weight
	// to history. Default: 0.9
	SmoothingCoef float64

	// ThresholdGain is the multiplier for slope output.
	// Scales the output to match the overuse detector's expected input range.
	// Default: 4.0
	ThresholdGain float64
}

// DefaultTrendlineConfig returns the default configuration for the trendline
// estimator.
func DefaultTrendlineConfig() TrendlineConfig {
	return TrendlineConfig{
		WindowSize:    20,
		SmoothingCoef: 0.9,
		ThresholdGain: 4.0,
	}
}

// trendSample is one point of the regression window.
type trendSample struct {
	elapsedMs     float64 // Arrival time in ms since the first sample
	smoothedDelay float64 // Smoothed accumulated delay at this point
}

// TrendlineEstimator estimates the delay trend from inter-group delay
// variations. It:
//  1. Accumulates delay variations (arrival delta minus send delta)
//  2. Applies exponential smoothing to the accumulated delay
//  3. Maintains a sliding window of (elapsed, smoothed_delay) samples
//  4. Computes the least-squares slope over the window
//  5. Outputs a modified trend scaled by sample count and threshold gain
//
// The window's elapsed values are strictly monotonic: a sample whose
// elapsed time does not advance is folded into smoothing but produces no
// new regression point.
type TrendlineEstimator struct {
	config           TrendlineConfig
	history          []trendSample
	accumulatedDelay float64
	smoothedDelay    float64
	numDeltas        int
	firstArrival     time.Time
	prevTrend        float64
}

// NewTrendlineEstimator creates a new trendline estimator with the given
// configuration. If WindowSize is less than 2, it defaults to 20.
func NewTrendlineEstimator(config TrendlineConfig) *TrendlineEstimator {
	if config.WindowSize < 2 {
		config.WindowSize = 20
	}
	if config.SmoothingCoef <= 0 || config.SmoothingCoef >= 1 {
		config.SmoothingCoef = 0.9
	}
	if config.ThresholdGain <= 0 {
		config.ThresholdGain = 4.0
	}
	return &TrendlineEstimator{
		config:  config,
		history: make([]trendSample, 0, config.WindowSize),
	}
}

// Update processes one inter-group delay variation and returns the modified
// trend value: positive when delays are increasing (congestion building),
// negative when they are decreasing (queue draining).
//
// arrivalTime is the newer group's last arrival; delayVariationMs is
// arrival delta minus send delta in milliseconds.
func (t *TrendlineEstimator) Update(arrivalTime time.Time, delayVariationMs float64) float64 {
	if t.firstArrival.IsZero() {
		t.firstArrival = arrivalTime
	}
	elapsedMs := float64(arrivalTime.Sub(t.firstArrival).Milliseconds())

	t.numDeltas++
	t.accumulatedDelay += delayVariationMs
	t.smoothedDelay = t.config.SmoothingCoef*t.smoothedDelay +
		(1-t.config.SmoothingCoef)*t.accumulatedDelay

	if n := len(t.history); n > 0 && elapsedMs <= t.history[n-1].elapsedMs {
		// Keep the window strictly monotonic in elapsed time.
		return t.modifiedTrend()
	}

	t.history = append(t.history, trendSample{elapsedMs, t.smoothedDelay})
	if len(t.history) > t.config.WindowSize {
		t.history = t.history[1:]
	}

	if len(t.history) == t.config.WindowSize {
		if slope, ok := linearFitSlope(t.history); ok {
			t.prevTrend = slope
		}
	}
	return t.modifiedTrend()
}

// modifiedTrend scales the raw slope by min(numDeltas, 60) and the
// threshold gain; the cap prevents runaway values during startup.
func (t *TrendlineEstimator) modifiedTrend() float64 {
	numSamples := float64(t.numDeltas)
	if numSamples > 60 {
		numSamples = 60
	}
	return numSamples * t.prevTrend * t.config.ThresholdGain
}

// NumDeltas returns how many delay variations have been processed.
func (t *TrendlineEstimator) NumDeltas() int {
	return t.numDeltas
}

// linearFitSlope computes the slope of the best-fit line through the sample
// window using ordinary least squares.
func linearFitSlope(history []trendSample) (float64, bool) {
	n := len(history)
	if n < 2 {
		return 0, false
	}

	var sumX, sumY, sumXX, sumXY float64
	for _, s := range history {
		sumX += s.elapsedMs
		sumY += s.smoothedDelay
		sumXX += s.elapsedMs * s.elapsedMs
		sumXY += s.elapsedMs * s.smoothedDelay
	}

	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return 0, false
	}
	return (nf*sumXY - sumX*sumY) / denom, true
}

// Reset clears the estimator state, allowing it to be reused.
func (t *TrendlineEstimator) Reset() {
	t.history = t.history[:0]
	t.accumulatedDelay = 0
	t.smoothedDelay = 0
	t.numDeltas = 0
	t.firstArrival = time.Time{}
	t.prevTrend = 0
}
