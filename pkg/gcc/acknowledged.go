package gcc

import "time"

// AcknowledgedBitrateEstimator measures the rate at which packets are
// actually delivered, from the sizes and arrival times reported in
// transport-wide feedback. It is the throughput input to the AIMD
// controller's multiplicative decrease.
type AcknowledgedBitrateEstimator struct {
	stats *RateStats

	// excludeProbes drops probe-cluster packets from the measurement;
	// a probe burst briefly inflates delivered rate beyond the steady state.
	excludeProbes bool
}

// NewAcknowledgedBitrateEstimator creates an estimator over the given
// window configuration. Probe-cluster packets are always excluded.
func NewAcknowledgedBitrateEstimator(config RateStatsConfig) *AcknowledgedBitrateEstimator {
	return &AcknowledgedBitrateEstimator{
		stats:         NewRateStats(config),
		excludeProbes: true,
	}
}

// IncomingPacketFeedback feeds one feedback vector into the estimator.
// Lost packets contribute nothing; received packets are sampled at their
// arrival time.
func (a *AcknowledgedBitrateEstimator) IncomingPacketFeedback(results []PacketResult) {
	for _, res := range results {
		if !res.Received {
			continue
		}
		if a.excludeProbes && res.Info.IsProbe() {
			continue
		}
		a.stats.Update(res.Size, res.ArrivalTime)
	}
}

// Rate returns the acknowledged bitrate, if enough feedback has arrived.
func (a *AcknowledgedBitrateEstimator) Rate(now time.Time) (DataRate, bool) {
	return a.stats.Rate(now)
}

// Reset clears the measurement window.
func (a *AcknowledgedBitrateEstimator) Reset() {
	a.stats.Reset()
}
