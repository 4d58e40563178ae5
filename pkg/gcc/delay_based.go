package gcc

import "time"

// FilterType specifies which delay filter the delay-based estimator uses.
type FilterType int

const (
	// FilterTrendline uses linear regression trendline estimation.
	// This is the default, modern approach.
	FilterTrendline FilterType = iota

	// FilterKalman uses Kalman filtering for delay gradient estimation,
	// the classic approach.
	FilterKalman
)

// DelayBasedConfig holds configuration for the delay-based bandwidth
// estimator.
type DelayBasedConfig struct {
	// FilterType specifies which delay filter to use.
	FilterType FilterType

	// SendBurstThreshold and ArrivalBurstThreshold bound packet grouping.
	SendBurstThreshold    time.Duration
	ArrivalBurstThreshold time.Duration

	// TrendlineConfig is used if FilterType == FilterTrendline.
	TrendlineConfig TrendlineConfig

	// KalmanConfig is used if FilterType == FilterKalman.
	KalmanConfig KalmanConfig

	// OveruseConfig configures the overuse detector behavior.
	OveruseConfig OveruseConfig

	// AimdConfig configures the rate controller.
	AimdConfig AimdConfig
}

// DefaultDelayBasedConfig returns the default configuration.
func DefaultDelayBasedConfig() DelayBasedConfig {
	return DelayBasedConfig{
		FilterType:            FilterTrendline,
		SendBurstThreshold:    DefaultSendBurstThreshold,
		ArrivalBurstThreshold: DefaultArrivalBurstThreshold,
		TrendlineConfig:       DefaultTrendlineConfig(),
		KalmanConfig:          DefaultKalmanConfig(),
		OveruseConfig:         DefaultOveruseConfig(),
		AimdConfig:            DefaultAimdConfig(),
	}
}

// DelayBasedResult is the outcome of feeding one feedback vector through
// the delay-based estimator.
type DelayBasedResult struct {
	// Updated is true when the target rate changed.
	Updated bool

	// Target is the current delay-based target rate.
	Target DataRate

	// State is the detector state after the vector.
	State BandwidthUsage

	// ProbeApplied is true when a probe estimate seeded the target.
	ProbeApplied bool
}

// delayFilter abstracts the trendline and Kalman filters; both take delay
// variation samples and produce a congestion signal for the detector.
type delayFilter interface {
	Update(arrivalTime time.Time, delayMs float64) float64
	NumDeltas() int
	Reset()
}

type trendlineAdapter struct {
	estimator *TrendlineEstimator
}

func (t *trendlineAdapter) Update(arrivalTime time.Time, delayMs float64) float64 {
	return t.estimator.Update(arrivalTime, delayMs)
}

func (t *trendlineAdapter) NumDeltas() int { return t.estimator.NumDeltas() }

func (t *trendlineAdapter) Reset() { t.estimator.Reset() }

// kalmanAdapter counts deltas itself since the filter has no window.
type kalmanAdapter struct {
	filter    *KalmanFilter
	numDeltas int
}

func (k *kalmanAdapter) Update(_ time.Time, delayMs float64) float64 {
	k.numDeltas++
	return k.filter.Update(delayMs)
}

func (k *kalmanAdapter) NumDeltas() int { return k.numDeltas }

func (k *kalmanAdapter) Reset() {
	k.filter.Reset()
	k.numDeltas = 0
}

// DelayBasedBwe composes the inter-arrival grouper, a delay filter, the
// overuse detector and the AIMD controller into the delay-based bandwidth
// estimate: feedback vectors in, target rate out.
type DelayBasedBwe struct {
	config   DelayBasedConfig
	grouper  *InterArrivalGrouper
	filter   delayFilter
	detector *OveruseDetector
	aimd     *AimdRateController

	lastSeenPacket time.Time
}

// streamTimeout resets the grouping and filter state after a long silence;
// stale groups would otherwise produce one huge bogus delta.
const streamTimeout = 2 * time.Second

// NewDelayBasedBwe creates a delay-based estimator with the given
// configuration.
func NewDelayBasedBwe(config DelayBasedConfig) *DelayBasedBwe {
	var filter delayFilter
	switch config.FilterType {
	case FilterKalman:
		filter = &kalmanAdapter{filter: NewKalmanFilter(config.KalmanConfig)}
	default:
		filter = &trendlineAdapter{estimator: NewTrendlineEstimator(config.TrendlineConfig)}
	}
	return &DelayBasedBwe{
		config:   config,
		grouper:  NewInterArrivalGrouper(config.SendBurstThreshold, config.ArrivalBurstThreshold),
		filter:   filter,
		detector: NewOveruseDetector(config.OveruseConfig),
		aimd:     NewAimdRateController(config.AimdConfig),
	}
}

// IncomingPacketFeedbackVector processes one ordered feedback vector.
// ackedRate is the acknowledged bitrate (0 when unknown); probeRate is a
// completed probe estimate to seed the target with (0 when none).
func (d *DelayBasedBwe) IncomingPacketFeedbackVector(results []PacketResult, ackedRate, probeRate DataRate, now time.Time) DelayBasedResult {
	prevTarget := d.aimd.LatestEstimate()

	for _, res := range results {
		if !res.Received {
			continue
		}
		if !d.lastSeenPacket.IsZero() && res.ArrivalTime.Sub(d.lastSeenPacket) > streamTimeout {
			d.grouper.Reset()
			d.filter.Reset()
		}
		d.lastSeenPacket = res.ArrivalTime

		deltas, ok := d.grouper.AddPacket(res)
		if !ok {
			continue
		}
		delayMs := float64((deltas.ArrivalDelta - deltas.SendDelta).Microseconds()) / 1000.0
		trend := d.filter.Update(deltas.LastArrivalTime, delayMs)
		d.detector.Detect(trend, deltas.LastArrivalTime, d.filter.NumDeltas())
	}

	probeApplied := false
	if probeRate > 0 && probeRate > d.aimd.LatestEstimate() {
		d.aimd.SetEstimate(probeRate, now)
		probeApplied = true
	}

	target := d.aimd.Update(d.detector.State(), ackedRate, now)

	return DelayBasedResult{
		Updated:      target != prevTarget || probeApplied,
		Target:       target,
		State:        d.detector.State(),
		ProbeApplied: probeApplied,
	}
}

// SetRtt forwards the RTT to the rate controller.
func (d *DelayBasedBwe) SetRtt(rtt time.Duration) {
	d.aimd.SetRtt(rtt)
}

// LatestEstimate returns the current delay-based target rate.
func (d *DelayBasedBwe) LatestEstimate() DataRate {
	return d.aimd.LatestEstimate()
}

// StableEstimate returns the conservative target from the controller.
func (d *DelayBasedBwe) StableEstimate() DataRate {
	return d.aimd.StableEstimate()
}

// State returns the current detector state.
func (d *DelayBasedBwe) State() BandwidthUsage {
	return d.detector.State()
}

// SetStateCallback registers a detector state-change callback.
func (d *DelayBasedBwe) SetStateCallback(cb StateChangeCallback) {
	d.detector.SetCallback(cb)
}

// Reset resets all components to their initial state.
func (d *DelayBasedBwe) Reset() {
	d.grouper.Reset()
	d.filter.Reset()
	d.detector.Reset()
	d.aimd.Reset()
	d.lastSeenPacket = time.Time{}
}
