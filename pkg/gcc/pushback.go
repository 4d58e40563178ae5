package gcc

// PushbackConfig configures the congestion window pushback controller.
type PushbackConfig struct {
	// MinPushbackBitrate is the floor the pushed-back target never goes
	// below. Default: 30 kbps
	MinPushbackBitrate DataRate

	// EasingCoef is the exponential easing applied to the fill-ratio
	// signal; higher values react more slowly. Default: 0.95
	EasingCoef float64
}

// DefaultPushbackConfig returns the default configuration.
func DefaultPushbackConfig() PushbackConfig {
	return PushbackConfig{
		MinPushbackBitrate: 30 * KilobitPerSecond,
		EasingCoef:         0.95,
	}
}

// CongestionWindowPushback throttles the encoder target as in-flight data
// approaches the congestion window, before the pacer queue has a chance to
// grow. The fill ratio is eased exponentially so single feedback gaps do
// not collapse the encoder rate.
type CongestionWindowPushback struct {
	config PushbackConfig

	dataWindow       DataSize
	outstandingBytes DataSize
	pacingQueueBytes DataSize
	encodingRatio    float64
}

// NewCongestionWindowPushback creates a pushback controller.
func NewCongestionWindowPushback(config PushbackConfig) *CongestionWindowPushback {
	if config.MinPushbackBitrate <= 0 {
		config.MinPushbackBitrate = 30 * KilobitPerSecond
	}
	if config.EasingCoef <= 0 || config.EasingCoef >= 1 {
		config.EasingCoef = 0.95
	}
	return &CongestionWindowPushback{
		config:        config,
		encodingRatio: 1.0,
	}
}

// SetDataWindow updates the congestion window size. A zero window disables
// pushback.
func (c *CongestionWindowPushback) SetDataWindow(window DataSize) {
	c.dataWindow = window
}

// UpdateOutstandingData records the current in-flight byte count.
func (c *CongestionWindowPushback) UpdateOutstandingData(outstanding DataSize) {
	c.outstandingBytes = outstanding
}

// UpdatePacingQueue records the current pacer queue depth.
func (c *CongestionWindowPushback) UpdatePacingQueue(queued DataSize) {
	c.pacingQueueBytes = queued
}

// UpdateTargetBitrate applies the eased pushback to the given target and
// returns the encoder rate to use.
func (c *CongestionWindowPushback) UpdateTargetBitrate(target DataRate) DataRate {
	if c.dataWindow <= 0 {
		return target
	}

	ratio := float64(c.outstandingBytes+c.pacingQueueBytes) / float64(c.dataWindow)
	if ratio > 1.5 {
		ratio = 1.5
	}
	if ratio < 0 {
		ratio = 0
	}

	c.encodingRatio = c.encodingRatio*c.config.EasingCoef + (1-ratio)*(1-c.config.EasingCoef)
	if c.encodingRatio > 1.0 {
		c.encodingRatio = 1.0
	}
	if c.encodingRatio < 0.1 {
		c.encodingRatio = 0.1
	}

	pushed := target.Mul(c.encodingRatio)
	return maxRate(pushed, c.config.MinPushbackBitrate)
}

// EncodingRatio returns the current eased pushback ratio, for inspection.
func (c *CongestionWindowPushback) EncodingRatio() float64 {
	return c.encodingRatio
}
