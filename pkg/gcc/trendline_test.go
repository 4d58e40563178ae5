package gcc

import (
	"math"
	"testing"
	"time"
)

func TestTrendlineEstimator_DefaultConfig(t *testing.T) {
	config := DefaultTrendlineConfig()

	if config.WindowSize != 20 {
		t.Errorf("WindowSize = %d, want 20", config.WindowSize)
	}
	if config.SmoothingCoef != 0.9 {
		t.Errorf("SmoothingCoef = %f, want 0.9", config.SmoothingCoef)
	}
	if config.ThresholdGain != 4.0 {
		t.Errorf("ThresholdGain = %f, want 4.0", config.ThresholdGain)
	}
}

func TestTrendlineEstimator_InvalidWindowSize(t *testing.T) {
	// Window size < 2 should default to 20
	estimator := NewTrendlineEstimator(TrendlineConfig{
		WindowSize:    1,
		SmoothingCoef: 0.9,
		ThresholdGain: 4.0,
	})

	if estimator.config.WindowSize != 20 {
		t.Errorf("WindowSize = %d, want 20 (should default for invalid)", estimator.config.WindowSize)
	}
}

func TestTrendlineEstimator_PositiveTrend(t *testing.T) {
	estimator := NewTrendlineEstimator(DefaultTrendlineConfig())
	base := time.Unix(1000, 0)

	// Feed steadily increasing delay variations: a queue building up.
	var last float64
	for i := 0; i < 30; i++ {
		arrival := base.Add(time.Duration(i*20) * time.Millisecond)
		last = estimator.Update(arrival, 1.0)
	}

	if last <= 0 {
		t.Errorf("positive trend result = %f, want > 0", last)
	}
}

func TestTrendlineEstimator_NegativeTrend(t *testing.T) {
	estimator := NewTrendlineEstimator(DefaultTrendlineConfig())
	base := time.Unix(1000, 0)

	var last float64
	for i := 0; i < 30; i++ {
		arrival := base.Add(time.Duration(i*20) * time.Millisecond)
		last = estimator.Update(arrival, -1.0)
	}

	if last >= 0 {
		t.Errorf("negative trend result = %f, want < 0", last)
	}
}

func TestTrendlineEstimator_StableNetwork(t *testing.T) {
	estimator := NewTrendlineEstimator(DefaultTrendlineConfig())
	base := time.Unix(1000, 0)

	var last float64
	for i := 0; i < 30; i++ {
		arrival := base.Add(time.Duration(i*20) * time.Millisecond)
		last = estimator.Update(arrival, 0)
	}

	if math.Abs(last) > 0.0001 {
		t.Errorf("stable network result = %f, want ~0", last)
	}
}

func TestTrendlineEstimator_SlopeNeedsFullWindow(t *testing.T) {
	estimator := NewTrendlineEstimator(DefaultTrendlineConfig())
	base := time.Unix(1000, 0)

	// Fewer samples than the window: slope stays at its initial zero even
	// with growing delay.
	var last float64
	for i := 0; i < 10; i++ {
		arrival := base.Add(time.Duration(i*20) * time.Millisecond)
		last = estimator.Update(arrival, 1.0)
	}
	if last != 0 {
		t.Errorf("result before window fills = %f, want 0", last)
	}
}

func TestTrendlineEstimator_MonotonicWindow(t *testing.T) {
	estimator := NewTrendlineEstimator(DefaultTrendlineConfig())
	base := time.Unix(1000, 0)

	// Two samples at the same arrival time must not add two window points.
	estimator.Update(base, 1.0)
	estimator.Update(base, 1.0)
	if len(estimator.history) != 1 {
		t.Errorf("history length = %d, want 1 (strictly monotonic elapsed)", len(estimator.history))
	}
}

func TestTrendlineEstimator_Reset(t *testing.T) {
	estimator := NewTrendlineEstimator(DefaultTrendlineConfig())
	base := time.Unix(1000, 0)

	for i := 0; i < 25; i++ {
		estimator.Update(base.Add(time.Duration(i*20)*time.Millisecond), 2.0)
	}
	estimator.Reset()

	if estimator.NumDeltas() != 0 {
		t.Errorf("NumDeltas after reset = %d, want 0", estimator.NumDeltas())
	}
	if got := estimator.Update(base, 0); got != 0 {
		t.Errorf("first update after reset = %f, want 0", got)
	}
}
