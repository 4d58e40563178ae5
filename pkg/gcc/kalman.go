package gcc

import "math"

// KalmanConfig holds tunable parameters for the Kalman delay filter.
type KalmanConfig struct {
	// ProcessNoise (q) is the state noise variance.
	// Default: 10^-3
	ProcessNoise float64

	// InitialError e(0) is the initial error covariance.
	// Default: 0.1
	InitialError float64

	// Chi is the exponential smoothing coefficient for measurement noise
	// variance. Recommended range: [0.001, 0.1]. Default: 0.01
	Chi float64
}

// DefaultKalmanConfig returns the reference default configuration.
func DefaultKalmanConfig() KalmanConfig {
	return KalmanConfig{
		ProcessNoise: 0.001,
		InitialError: 0.1,
		Chi:          0.01,
	}
}

// KalmanFilter implements a scalar Kalman filter for delay gradient
// estimation. It is the classic alternative to the trendline estimator:
// it takes noisy inter-group delay measurements and produces smoothed delay
// gradient estimates that track queuing delay trends.
//
// The filter tracks the TREND of delay, not absolute delay. A positive
// estimate means delay is increasing (queue building up); a negative one
// means delay is decreasing (queue draining).
type KalmanFilter struct {
	config       KalmanConfig
	estimate     float64 // current delay gradient estimate in ms
	errorCov     float64 // error covariance
	measureNoise float64 // measurement noise variance
}

// NewKalmanFilter creates a new Kalman filter with the given configuration.
func NewKalmanFilter(config KalmanConfig) *KalmanFilter {
	if config.ProcessNoise <= 0 {
		config.ProcessNoise = 0.001
	}
	if config.InitialError <= 0 {
		config.InitialError = 0.1
	}
	if config.Chi <= 0 {
		config.Chi = 0.01
	}
	return &KalmanFilter{
		config:       config,
		errorCov:     config.InitialError,
		measureNoise: 1.0,
	}
}

// Update processes a new delay variation measurement (in milliseconds) and
// returns the updated delay gradient estimate.
func (k *KalmanFilter) Update(measurement float64) float64 {
	// Innovation: difference between measurement and prediction.
	z := measurement - k.estimate

	// Outlier filtering: cap innovation at 3*sqrt(measurement_variance) for
	// the variance update so single spikes do not destabilize the filter.
	maxDeviation := 3 * math.Sqrt(k.measureNoise)
	zCapped := z
	if z > maxDeviation {
		zCapped = maxDeviation
	} else if z < -maxDeviation {
		zCapped = -maxDeviation
	}

	k.measureNoise = math.Max(1.0, (1-k.config.Chi)*k.measureNoise+k.config.Chi*zCapped*zCapped)

	gain := (k.errorCov + k.config.ProcessNoise) / (k.measureNoise + k.errorCov + k.config.ProcessNoise)

	k.estimate += z * gain
	k.errorCov = (1 - gain) * (k.errorCov + k.config.ProcessNoise)

	return k.estimate
}

// Estimate returns the current delay gradient estimate without updating.
func (k *KalmanFilter) Estimate() float64 {
	return k.estimate
}

// Reset reinitializes the filter state to initial conditions.
func (k *KalmanFilter) Reset() {
	k.estimate = 0
	k.errorCov = k.config.InitialError
	k.measureNoise = 1.0
}
