package gcc

import (
	"math"
	"time"
)

// LossBasedConfig configures the loss-based send-side estimator.
type LossBasedConfig struct {
	// MinBitrate and MaxBitrate bound the produced target.
	// Defaults: 10 kbps, 30 Mbps.
	MinBitrate DataRate
	MaxBitrate DataRate

	// InitialBitrate is the target before any feedback. Default: 300 kbps.
	InitialBitrate DataRate

	// LowLossThreshold is the loss fraction below which the rate may grow.
	// Default: 0.02
	LowLossThreshold float64

	// HighLossThreshold is the loss fraction above which the rate shrinks.
	// Default: 0.10
	HighLossThreshold float64

	// IncreaseInterval floors the spacing between loss-driven increases.
	// Default: 1 s
	IncreaseInterval time.Duration

	// DecreaseInterval is the fixed part of the spacing between
	// loss-driven decreases; 2x RTT is added on top. Default: 300 ms
	DecreaseInterval time.Duration

	// DecreaseFloor is the rate below which a loss decrease does not cut.
	// Default: 50 kbps
	DecreaseFloor DataRate

	// StartupAlpha is the growth factor used before the first loss report
	// arrives; the startup phase ramps more aggressively. Default: 1.5
	StartupAlpha float64
}

// DefaultLossBasedConfig returns the default configuration.
func DefaultLossBasedConfig() LossBasedConfig {
	return LossBasedConfig{
		MinBitrate:        10 * KilobitPerSecond,
		MaxBitrate:        30 * MegabitPerSecond,
		InitialBitrate:    300 * KilobitPerSecond,
		LowLossThreshold:  0.02,
		HighLossThreshold: 0.10,
		IncreaseInterval:  time.Second,
		DecreaseInterval:  300 * time.Millisecond,
		DecreaseFloor:     50 * KilobitPerSecond,
		StartupAlpha:      1.5,
	}
}

// minReportedPackets is how many packets a loss report interval must cover
// before the loss fraction is considered meaningful.
const minReportedPackets = 20

// SendSideBandwidthEstimator produces the final target bitrate by combining
// the loss-based estimate with the delay-based cap and an optional remote
// (REMB) limit; the most conservative bound wins.
type SendSideBandwidthEstimator struct {
	config LossBasedConfig

	currentTarget   DataRate
	delayBasedLimit DataRate
	receiverLimit   DataRate
	rtt             time.Duration

	lastFractionLoss     float64
	lastLossReportTime   time.Time
	lastIncreaseTime     time.Time
	lastDecreaseTime     time.Time
	hasDecreasedSinceLastLoss bool

	expectedPacketsAccum int64
	lostPacketsAccum     int64

	firstReportTime time.Time
	inStartupPhase  bool
}

// NewSendSideBandwidthEstimator creates an estimator with the given
// configuration.
func NewSendSideBandwidthEstimator(config LossBasedConfig) *SendSideBandwidthEstimator {
	if config.MinBitrate <= 0 {
		config.MinBitrate = 10 * KilobitPerSecond
	}
	if config.MaxBitrate <= 0 {
		config.MaxBitrate = 30 * MegabitPerSecond
	}
	if config.InitialBitrate <= 0 {
		config.InitialBitrate = 300 * KilobitPerSecond
	}
	if config.LowLossThreshold <= 0 {
		config.LowLossThreshold = 0.02
	}
	if config.HighLossThreshold <= 0 {
		config.HighLossThreshold = 0.10
	}
	if config.IncreaseInterval <= 0 {
		config.IncreaseInterval = time.Second
	}
	if config.DecreaseInterval <= 0 {
		config.DecreaseInterval = 300 * time.Millisecond
	}
	if config.DecreaseFloor <= 0 {
		config.DecreaseFloor = 50 * KilobitPerSecond
	}
	if config.StartupAlpha <= 1 {
		config.StartupAlpha = 1.5
	}
	return &SendSideBandwidthEstimator{
		config:         config,
		currentTarget:  config.InitialBitrate,
		inStartupPhase: true,
	}
}

// UpdateDelayBasedEstimate records the delay-based cap. The combined target
// never exceeds it.
func (e *SendSideBandwidthEstimator) UpdateDelayBasedEstimate(rate DataRate, now time.Time) {
	e.delayBasedLimit = rate
	e.applyLimits(now)
}

// UpdateReceiverEstimate records a remote (REMB) bitrate limit.
// A zero bitrate clears the limit.
func (e *SendSideBandwidthEstimator) UpdateReceiverEstimate(rate DataRate, now time.Time) {
	e.receiverLimit = rate
	e.applyLimits(now)
}

// UpdateRtt records the round-trip time used for decrease spacing.
func (e *SendSideBandwidthEstimator) UpdateRtt(rtt time.Duration) {
	if rtt > 0 {
		e.rtt = rtt
	}
}

// UpdatePacketsLost folds a loss report (lost out of expected packets over
// the report interval) into the estimator and re-derives the target.
// Reports covering fewer than 20 packets are accumulated until meaningful.
func (e *SendSideBandwidthEstimator) UpdatePacketsLost(lost, expected int64, now time.Time) {
	if expected <= 0 {
		return
	}
	if e.firstReportTime.IsZero() {
		e.firstReportTime = now
	}

	e.expectedPacketsAccum += expected
	e.lostPacketsAccum += lost
	if e.expectedPacketsAccum < minReportedPackets {
		return
	}

	e.lastFractionLoss = math.Min(float64(e.lostPacketsAccum)/float64(e.expectedPacketsAccum), 1.0)
	e.lostPacketsAccum = 0
	e.expectedPacketsAccum = 0
	e.lastLossReportTime = now
	e.hasDecreasedSinceLastLoss = false
	e.inStartupPhase = false

	e.updateEstimate(now)
}

// updateEstimate applies the loss rules to the current target.
func (e *SendSideBandwidthEstimator) updateEstimate(now time.Time) {
	loss := e.lastFractionLoss
	switch {
	case loss < e.config.LowLossThreshold:
		// Low loss: grow 8%, but no more often than the increase interval
		// (stretched by the RTT on long paths).
		interval := e.config.IncreaseInterval
		if e.rtt > interval {
			interval = e.rtt
		}
		if e.lastIncreaseTime.IsZero() || now.Sub(e.lastIncreaseTime) >= interval {
			e.currentTarget = e.currentTarget.Mul(1.08)
			e.lastIncreaseTime = now
		}
	case loss <= e.config.HighLossThreshold:
		// Moderate loss: hold.
	default:
		// Heavy loss: cut proportionally, at most once per
		// DecreaseInterval + 2 RTT.
		if !e.hasDecreasedSinceLastLoss &&
			(e.lastDecreaseTime.IsZero() ||
				now.Sub(e.lastDecreaseTime) >= e.config.DecreaseInterval+2*e.rtt) {
			decreased := e.currentTarget.Mul(1 - 0.5*loss)
			e.currentTarget = maxRate(decreased, e.config.DecreaseFloor)
			e.lastDecreaseTime = now
			e.hasDecreasedSinceLastLoss = true
		}
	}
	e.applyLimits(now)
}

// OnProcessInterval performs periodic work: during startup (before the
// first loss report) the target ramps toward the delay-based limit with
// the startup growth factor.
func (e *SendSideBandwidthEstimator) OnProcessInterval(now time.Time) {
	if !e.inStartupPhase {
		return
	}
	if e.lastIncreaseTime.IsZero() || now.Sub(e.lastIncreaseTime) >= e.config.IncreaseInterval {
		e.currentTarget = e.currentTarget.Mul(e.config.StartupAlpha)
		e.lastIncreaseTime = now
	}
	e.applyLimits(now)
}

// applyLimits clamps the target into the configured and externally imposed
// bounds.
func (e *SendSideBandwidthEstimator) applyLimits(time.Time) {
	upper := e.config.MaxBitrate
	if e.delayBasedLimit > 0 {
		upper = minRate(upper, e.delayBasedLimit)
	}
	if e.receiverLimit > 0 {
		upper = minRate(upper, e.receiverLimit)
	}
	e.currentTarget = e.currentTarget.Clamp(e.config.MinBitrate, upper)
}

// CurrentEstimate returns the combined target bitrate.
func (e *SendSideBandwidthEstimator) CurrentEstimate() DataRate {
	return e.currentTarget
}

// FractionLoss returns the loss fraction from the last applied report,
// in [0, 1].
func (e *SendSideBandwidthEstimator) FractionLoss() float64 {
	return e.lastFractionLoss
}

// SetBitrate force-sets the target (e.g. from configuration changes).
func (e *SendSideBandwidthEstimator) SetBitrate(rate DataRate, now time.Time) {
	e.currentTarget = rate
	e.applyLimits(now)
}
