package gcc

import (
	"math"
	"time"
)

// RateControlState represents the AIMD state machine state.
type RateControlState int

const (
	// RateHold indicates the rate should be maintained (no change).
	// This is the initial state and the transition buffer between
	// Decrease and Increase.
	RateHold RateControlState = iota
	// RateIncrease indicates the rate can grow.
	RateIncrease
	// RateDecrease indicates congestion was detected - apply multiplicative
	// decrease.
	RateDecrease
)

// String returns a string representation of the RateControlState.
func (s RateControlState) String() string {
	switch s {
	case RateHold:
		return "Hold"
	case RateIncrease:
		return "Increase"
	case RateDecrease:
		return "Decrease"
	default:
		return "Unknown"
	}
}

// AimdConfig configures the AIMD rate controller.
type AimdConfig struct {
	// MinBitrate is the minimum allowed target rate.
	// Default: 10 kbps
	MinBitrate DataRate

	// MaxBitrate is the maximum allowed target rate.
	// Default: 30 Mbps
	MaxBitrate DataRate

	// InitialBitrate is the starting estimate.
	// Default: 300 kbps
	InitialBitrate DataRate

	// Beta is the multiplicative decrease factor applied on overuse:
	// new_rate = Beta * acknowledged_rate. Default: 0.85
	Beta float64

	// DecreaseInterval is the fixed part of the minimum spacing between
	// two multiplicative decreases; the RTT is added on top.
	// Default: 200 ms
	DecreaseInterval time.Duration

	// ExpectedFrameRate models the media the controller serves; the
	// additive increase step is one average packet of a frame at this
	// rate per response time. Default: 30 fps
	ExpectedFrameRate int
}

// DefaultAimdConfig returns the default configuration for the controller.
func DefaultAimdConfig() AimdConfig {
	return AimdConfig{
		MinBitrate:        10 * KilobitPerSecond,
		MaxBitrate:        30 * MegabitPerSecond,
		InitialBitrate:    300 * KilobitPerSecond,
		Beta:              0.85,
		DecreaseInterval:  200 * time.Millisecond,
		ExpectedFrameRate: 30,
	}
}

// AimdRateController implements additive-increase / multiplicative-decrease
// rate control driven by the delay detector state.
//
// State transitions:
//
//	Signal     | Hold     | Increase | Decrease
//	-----------+----------+----------+----------
//	Overusing  | Decrease | Decrease | (stay)
//	Normal     | Increase | (stay)   | Hold
//	Underusing | (stay)   | Hold     | Hold
//
// The decrease uses the measured acknowledged rate, not the current
// estimate, so the controller responds to what is actually being delivered.
// Two consecutive decreases are separated by at least
// DecreaseInterval + RTT to avoid reacting twice to one congestion episode.
//
// Increase switches between a multiplicative mode (8%/s, used while far
// below the rate at which congestion was last observed) and a small
// additive mode (one average packet per response time, used near it).
type AimdRateController struct {
	config AimdConfig

	state            RateControlState
	currentRate      DataRate
	latestAckedRate  DataRate
	lastDecreaseRate DataRate
	lastChangeTime   time.Time
	lastDecreaseTime time.Time
	rtt              time.Duration
	initialized      bool
}

// NewAimdRateController creates a controller with the given configuration.
func NewAimdRateController(config AimdConfig) *AimdRateController {
	if config.MinBitrate <= 0 {
		config.MinBitrate = 10 * KilobitPerSecond
	}
	if config.MaxBitrate <= 0 {
		config.MaxBitrate = 30 * MegabitPerSecond
	}
	if config.InitialBitrate <= 0 {
		config.InitialBitrate = 300 * KilobitPerSecond
	}
	if config.Beta <= 0 || config.Beta >= 1.0 {
		config.Beta = 0.85
	}
	if config.DecreaseInterval <= 0 {
		config.DecreaseInterval = 200 * time.Millisecond
	}
	if config.ExpectedFrameRate <= 0 {
		config.ExpectedFrameRate = 30
	}
	return &AimdRateController{
		config:      config,
		state:       RateHold,
		currentRate: config.InitialBitrate,
		rtt:         200 * time.Millisecond,
	}
}

// SetRtt updates the round-trip time used for decrease spacing and the
// additive increase response time.
func (c *AimdRateController) SetRtt(rtt time.Duration) {
	if rtt > 0 {
		c.rtt = rtt
	}
}

// SetEstimate force-sets the target rate, e.g. from a successful probe.
// The value is clamped to the configured bounds. Setting a lower rate than
// the current one counts as a decrease for the DecreaseInterval + RTT
// spacing.
func (c *AimdRateController) SetEstimate(rate DataRate, now time.Time) {
	prev := c.currentRate
	c.currentRate = rate.Clamp(c.config.MinBitrate, c.config.MaxBitrate)
	c.lastChangeTime = now
	if c.currentRate < prev {
		c.lastDecreaseTime = now
	}
	c.initialized = true
}

// Update processes a detector signal together with the measured
// acknowledged rate and returns the new target rate.
func (c *AimdRateController) Update(signal BandwidthUsage, ackedRate DataRate, now time.Time) DataRate {
	if ackedRate > 0 {
		c.latestAckedRate = ackedRate
		c.initialized = true
	}

	c.transitionState(signal, now)

	switch c.state {
	case RateDecrease:
		c.decrease(now)
		// One decrease per overuse episode; wait in Hold for the detector
		// to report Normal again.
		c.state = RateHold
	case RateIncrease:
		c.increase(now)
	case RateHold:
	}

	c.currentRate = c.currentRate.Clamp(c.config.MinBitrate, c.config.MaxBitrate)
	return c.currentRate
}

// transitionState applies the state transition table.
func (c *AimdRateController) transitionState(signal BandwidthUsage, now time.Time) {
	switch signal {
	case BwOverusing:
		if c.state != RateDecrease {
			c.state = RateDecrease
		}
	case BwNormal:
		if c.state == RateHold {
			c.lastChangeTime = now
			c.state = RateIncrease
		}
	case BwUnderusing:
		c.state = RateHold
	}
}

// decrease applies the multiplicative decrease, spaced at least
// DecreaseInterval + RTT from the previous one.
func (c *AimdRateController) decrease(now time.Time) {
	if !c.lastDecreaseTime.IsZero() &&
		now.Sub(c.lastDecreaseTime) < c.config.DecreaseInterval+c.rtt {
		return
	}

	base := c.latestAckedRate
	if base == 0 {
		base = c.currentRate
	}
	decreased := base.Mul(c.config.Beta)
	if decreased < c.currentRate {
		c.currentRate = decreased
	}
	c.lastDecreaseRate = base
	c.lastDecreaseTime = now
	c.lastChangeTime = now
}

// increase grows the rate: multiplicatively while far below the rate at
// which congestion was last seen, additively once near it.
func (c *AimdRateController) increase(now time.Time) {
	if c.nearLastDecrease() {
		c.currentRate += c.additiveIncrease()
	} else {
		c.currentRate += c.multiplicativeIncrease(now)
	}

	// An increase stays tethered to what the network demonstrably carries.
	if c.latestAckedRate > 0 {
		if limit := c.latestAckedRate.Mul(1.5) + 10*KilobitPerSecond; c.currentRate > limit {
			c.currentRate = limit
		}
	}
	c.lastChangeTime = now
}

// nearLastDecrease reports whether the current rate has climbed back into
// the region where congestion was previously observed: above 90% of the
// last decrease rate. There is no upper bound; rates above the last
// decrease rate also count as near.
func (c *AimdRateController) nearLastDecrease() bool {
	if c.lastDecreaseRate == 0 {
		return false
	}
	return c.currentRate > c.lastDecreaseRate.Mul(0.9)
}

// multiplicativeIncrease returns the rate delta for 8%/s growth over the
// elapsed time since the last change, capped at one second.
func (c *AimdRateController) multiplicativeIncrease(now time.Time) DataRate {
	alpha := 1.08
	if !c.lastChangeTime.IsZero() {
		elapsed := math.Min(now.Sub(c.lastChangeTime).Seconds(), 1.0)
		alpha = math.Pow(alpha, elapsed)
	}
	increase := float64(c.currentRate) * (alpha - 1)
	return DataRate(math.Max(increase, 1000))
}

// additiveIncrease returns a per-feedback step of at most one average
// packet per response time, capped at 1000 bps.
func (c *AimdRateController) additiveIncrease() DataRate {
	frameInterval := time.Second / time.Duration(c.config.ExpectedFrameRate)
	frameSize := c.currentRate.For(frameInterval)
	packetsPerFrame := math.Ceil(float64(frameSize) / 1200.0)
	avgPacketSize := float64(frameSize) / math.Max(packetsPerFrame, 1)

	step := DataRate(avgPacketSize * 8)
	if step > 1000 {
		step = 1000
	}
	if step < 0 {
		step = 0
	}
	return step
}

// State returns the current rate control state.
func (c *AimdRateController) State() RateControlState {
	return c.state
}

// LatestEstimate returns the current target rate without updating.
func (c *AimdRateController) LatestEstimate() DataRate {
	return c.currentRate
}

// LastDecreaseRate returns the acknowledged rate at which the last
// multiplicative decrease was taken, or 0 before any decrease.
func (c *AimdRateController) LastDecreaseRate() DataRate {
	return c.lastDecreaseRate
}

// StableEstimate returns a conservative target: the current rate bounded by
// the last congestion point when one is known.
func (c *AimdRateController) StableEstimate() DataRate {
	if c.lastDecreaseRate == 0 {
		return c.currentRate
	}
	return minRate(c.currentRate, c.lastDecreaseRate.Mul(c.config.Beta))
}

// ValidEstimate reports whether the controller has seen enough input to
// produce a meaningful estimate.
func (c *AimdRateController) ValidEstimate() bool {
	return c.initialized
}

// Reset resets the controller to initial state.
func (c *AimdRateController) Reset() {
	c.state = RateHold
	c.currentRate = c.config.InitialBitrate
	c.latestAckedRate = 0
	c.lastDecreaseRate = 0
	c.lastChangeTime = time.Time{}
	c.lastDecreaseTime = time.Time{}
	c.initialized = false
}
