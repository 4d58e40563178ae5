package gcc

import "time"

// ProbeEstimatorConfig configures the probe bitrate estimator.
type ProbeEstimatorConfig struct {
	// MinProbes is the minimum number of probe packets whose feedback must
	// arrive before a cluster can produce an estimate. Default: 5
	MinProbes int

	// MaxClusterAge is how long a cluster's aggregates are kept waiting for
	// feedback before being discarded. Default: 5 s
	MaxClusterAge time.Duration

	// MaxReceiveSendRatio discards estimates where the computed receive
	// rate exceeds the send rate by this factor; such results are
	// measurement noise, not capacity. Default: 2.0
	MaxReceiveSendRatio float64
}

// DefaultProbeEstimatorConfig returns the default configuration.
func DefaultProbeEstimatorConfig() ProbeEstimatorConfig {
	return ProbeEstimatorConfig{
		MinProbes:           5,
		MaxClusterAge:       5 * time.Second,
		MaxReceiveSendRatio: 2.0,
	}
}

// clusterAggregate accumulates feedback for one probe cluster.
type clusterAggregate struct {
	firstSend        time.Time
	lastSend         time.Time
	firstReceive     time.Time
	lastReceive      time.Time
	sizeTotal        DataSize
	sizeLastSend     DataSize
	sizeFirstReceive DataSize
	numProbes        int
}

// ProbeBitrateEstimator infers achievable path capacity from the feedback
// of a probe cluster: the rate at which the cluster was actually sent,
// capped by the rate at which the receiver saw it arrive.
type ProbeBitrateEstimator struct {
	config   ProbeEstimatorConfig
	clusters map[int]*clusterAggregate

	lastEstimate      DataRate
	lastEstimateValid bool
}

// NewProbeBitrateEstimator creates an estimator with the given
// configuration.
func NewProbeBitrateEstimator(config ProbeEstimatorConfig) *ProbeBitrateEstimator {
	if config.MinProbes <= 0 {
		config.MinProbes = 5
	}
	if config.MaxClusterAge <= 0 {
		config.MaxClusterAge = 5 * time.Second
	}
	if config.MaxReceiveSendRatio <= 0 {
		config.MaxReceiveSendRatio = 2.0
	}
	return &ProbeBitrateEstimator{
		config:   config,
		clusters: make(map[int]*clusterAggregate),
	}
}

// HandleProbeAndEstimateBitrate folds one probe packet's feedback into its
// cluster aggregate and returns (estimate, true) once the cluster has
// enough data to produce one. Non-probe or lost packets return (0, false).
func (p *ProbeBitrateEstimator) HandleProbeAndEstimateBitrate(res PacketResult) (DataRate, bool) {
	if !res.Received || !res.Info.IsProbe() {
		return 0, false
	}

	p.eraseOldClusters(res.ArrivalTime)

	agg := p.clusters[res.Info.ProbeClusterID]
	if agg == nil {
		agg = &clusterAggregate{}
		p.clusters[res.Info.ProbeClusterID] = agg
	}

	if agg.numProbes == 0 || res.SendTime.Before(agg.firstSend) {
		agg.firstSend = res.SendTime
	}
	if res.SendTime.After(agg.lastSend) || agg.numProbes == 0 {
		agg.lastSend = res.SendTime
		agg.sizeLastSend = res.Size
	}
	if agg.numProbes == 0 || res.ArrivalTime.Before(agg.firstReceive) {
		agg.firstReceive = res.ArrivalTime
		agg.sizeFirstReceive = res.Size
	}
	if res.ArrivalTime.After(agg.lastReceive) || agg.numProbes == 0 {
		agg.lastReceive = res.ArrivalTime
	}
	agg.sizeTotal += res.Size
	agg.numProbes++

	if agg.numProbes < p.config.MinProbes ||
		!agg.lastSend.After(agg.firstSend) ||
		!agg.lastReceive.After(agg.firstReceive) {
		return 0, false
	}

	sendInterval := agg.lastSend.Sub(agg.firstSend)
	receiveInterval := agg.lastReceive.Sub(agg.firstReceive)

	// The last packet's size is excluded on the send side (it has not been
	// "sent over" the interval), and the first packet's on the receive side.
	sendRate := RateFromSize(agg.sizeTotal-agg.sizeLastSend, sendInterval)
	receiveRate := RateFromSize(agg.sizeTotal-agg.sizeFirstReceive, receiveInterval)

	delete(p.clusters, res.Info.ProbeClusterID)

	if sendRate > 0 && float64(receiveRate)/float64(sendRate) > p.config.MaxReceiveSendRatio {
		// Receive rate wildly above send rate means the arrival timestamps
		// are not trustworthy for this cluster.
		return 0, false
	}

	p.lastEstimate = minRate(sendRate, receiveRate)
	p.lastEstimateValid = true
	return p.lastEstimate, true
}

// FetchAndResetLastEstimate returns the most recent cluster estimate and
// clears it. The second return is false when no estimate has completed
// since the last fetch.
func (p *ProbeBitrateEstimator) FetchAndResetLastEstimate() (DataRate, bool) {
	if !p.lastEstimateValid {
		return 0, false
	}
	p.lastEstimateValid = false
	return p.lastEstimate, true
}

// eraseOldClusters lazily drops aggregates whose last activity is older
// than MaxClusterAge.
func (p *ProbeBitrateEstimator) eraseOldClusters(now time.Time) {
	for id, agg := range p.clusters {
		if agg.numProbes > 0 && now.Sub(agg.lastReceive) > p.config.MaxClusterAge {
			delete(p.clusters, id)
		}
	}
}
