package gcc

import (
	"time"

	"github.com/pion/logging"
)

// ControllerConfig wires the sub-estimators of the send-side congestion
// controller together. Zero-valued sections fall back to their defaults.
type ControllerConfig struct {
	DelayBased DelayBasedConfig
	LossBased  LossBasedConfig
	Probe      ProbeEstimatorConfig
	AckedRate  RateStatsConfig
	Pushback   PushbackConfig

	// PacingFactor scales the target rate into the pacing rate handed to
	// the pacer. Default: 2.5
	PacingFactor float64

	// Logger receives controller-level notes. Defaults to the "gcc"
	// leveled logger.
	Logger logging.LeveledLogger
}

// DefaultControllerConfig returns the default configuration.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		DelayBased:   DefaultDelayBasedConfig(),
		LossBased:    DefaultLossBasedConfig(),
		Probe:        DefaultProbeEstimatorConfig(),
		AckedRate:    DefaultRateStatsConfig(),
		Pushback:     DefaultPushbackConfig(),
		PacingFactor: 2.5,
	}
}

// TargetCallback receives every new target transfer rate.
type TargetCallback func(TargetTransferRate)

// PacingRatesCallback receives the pacing and padding rates derived from a
// new target; the interceptor forwards these into the pacer.
type PacingRatesCallback func(pacing, padding DataRate)

// SendSideController is the thin owner that runs the send-side estimation
// chain in topological order: feedback vector in, target transfer rate and
// pacing rates out.
//
// The controller runs on a single context (the network receive context) and
// is not re-entrant; callers serialize access.
type SendSideController struct {
	config ControllerConfig
	log    logging.LeveledLogger

	delay    *DelayBasedBwe
	loss     *SendSideBandwidthEstimator
	probe    *ProbeBitrateEstimator
	acked    *AcknowledgedBitrateEstimator
	pushback *CongestionWindowPushback

	onTarget      TargetCallback
	onPacingRates PacingRatesCallback

	lastTarget DataRate
}

// NewSendSideController creates a controller with the given configuration.
func NewSendSideController(config ControllerConfig) *SendSideController {
	if config.PacingFactor <= 0 {
		config.PacingFactor = 2.5
	}
	log := config.Logger
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("gcc")
	}
	return &SendSideController{
		config:   config,
		log:      log,
		delay:    NewDelayBasedBwe(config.DelayBased),
		loss:     NewSendSideBandwidthEstimator(config.LossBased),
		probe:    NewProbeBitrateEstimator(config.Probe),
		acked:    NewAcknowledgedBitrateEstimator(config.AckedRate),
		pushback: NewCongestionWindowPushback(config.Pushback),
	}
}

// OnTargetTransferRate registers the target-rate subscriber. At most one
// subscriber; a later call replaces the earlier one.
func (c *SendSideController) OnTargetTransferRate(cb TargetCallback) {
	c.onTarget = cb
}

// OnPacingRates registers the pacing-rates subscriber.
func (c *SendSideController) OnPacingRates(cb PacingRatesCallback) {
	c.onPacingRates = cb
}

// OnTransportFeedback drives the full chain with one processed feedback
// vector: acknowledged rate, probe estimates, delay-based estimate, loss
// accounting, then the combined target.
func (c *SendSideController) OnTransportFeedback(results []PacketResult, now time.Time) {
	if len(results) == 0 {
		return
	}

	c.acked.IncomingPacketFeedback(results)

	var lost, total int64
	for _, res := range results {
		total++
		if !res.Received {
			lost++
		}
		c.probe.HandleProbeAndEstimateBitrate(res)
	}

	ackedRate, _ := c.acked.Rate(now)
	probeRate, _ := c.probe.FetchAndResetLastEstimate()

	delayResult := c.delay.IncomingPacketFeedbackVector(results, ackedRate, probeRate, now)
	c.loss.UpdateDelayBasedEstimate(delayResult.Target, now)
	c.loss.UpdatePacketsLost(lost, total, now)

	c.maybeEmitTarget(now)
}

// OnRttUpdate propagates a new round-trip time measurement.
func (c *SendSideController) OnRttUpdate(rtt time.Duration) {
	c.delay.SetRtt(rtt)
	c.loss.UpdateRtt(rtt)
}

// OnReceiverEstimate applies a remote (REMB) bitrate limit.
func (c *SendSideController) OnReceiverEstimate(rate DataRate, now time.Time) {
	c.loss.UpdateReceiverEstimate(rate, now)
	c.maybeEmitTarget(now)
}

// OnProcessInterval performs periodic work (startup ramp, timeouts).
// Call roughly every 25-100 ms.
func (c *SendSideController) OnProcessInterval(now time.Time) {
	c.loss.OnProcessInterval(now)
	c.maybeEmitTarget(now)
}

// SetCongestionWindow sets the data window for pushback. Zero disables it.
func (c *SendSideController) SetCongestionWindow(window DataSize) {
	c.pushback.SetDataWindow(window)
}

// OnOutstandingData updates the pushback controller with the current
// in-flight and pacer queue sizes.
func (c *SendSideController) OnOutstandingData(outstanding, pacingQueue DataSize) {
	c.pushback.UpdateOutstandingData(outstanding)
	c.pushback.UpdatePacingQueue(pacingQueue)
}

// TargetRate returns the last emitted target.
func (c *SendSideController) TargetRate() DataRate {
	return c.lastTarget
}

// maybeEmitTarget recomputes the combined target and notifies subscribers
// when it changed.
func (c *SendSideController) maybeEmitTarget(now time.Time) {
	target := c.pushback.UpdateTargetBitrate(c.loss.CurrentEstimate())
	if target == c.lastTarget {
		return
	}
	c.lastTarget = target

	if c.onTarget != nil {
		c.onTarget(TargetTransferRate{
			Target:       target,
			StableTarget: minRate(target, c.delay.StableEstimate()),
			AtTime:       now,
		})
	}
	if c.onPacingRates != nil {
		c.onPacingRates(target.Mul(c.config.PacingFactor), target)
	}
}
