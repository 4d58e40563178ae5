package pacer

import (
	"math"
	"time"

	"github.com/gammazero/deque"

	"github.com/thesyncim/gcc/pkg/gcc"
)

// ProbeNever is the sentinel returned by TimeUntilNextProbe when no cluster
// is ready to send.
const ProbeNever = time.Duration(math.MaxInt64)

// ProberConfig configures probe cluster generation.
type ProberConfig struct {
	// MinProbeDuration is the minimum span of one probe spurt. The
	// recommended minimum probe size is the cluster's target rate over
	// twice this span; scaled by ProbeSizeFactor it sets a cluster's
	// minimum bytes. Default: 15 ms
	MinProbeDuration time.Duration

	// ProbeSizeFactor is the safety factor applied to the minimum probe
	// size. Default: 2.0
	ProbeSizeFactor float64

	// MinProbePackets is the minimum number of probe sends (ProbeSent
	// calls) a cluster must record before it can be retired. The pacer
	// makes one such call per tick, however many packets the tick sent.
	// Default: 5
	MinProbePackets int

	// MaxClusterDuration retires a cluster this long after its first probe
	// send, or after its creation if it has not sent yet; later sends do
	// not extend it. Default: 5 s
	MaxClusterDuration time.Duration

	// MinPacketSize is the smallest media packet that activates a waiting
	// cluster; probing piggybacks on real traffic. Default: 200 bytes
	MinPacketSize gcc.DataSize
}

// DefaultProberConfig returns the default configuration.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		MinProbeDuration:   15 * time.Millisecond,
		ProbeSizeFactor:    2.0,
		MinProbePackets:    5,
		MaxClusterDuration: 5 * time.Second,
		MinPacketSize:      200,
	}
}

// probeCluster is one queued probe configuration with its send bookkeeping.
type probeCluster struct {
	id          int
	targetRate  gcc.DataRate
	minBytes    gcc.DataSize
	minPackets  int
	sentBytes   gcc.DataSize
	sentPackets int
	createdAt   time.Time
	startedAt   time.Time
}

// BitrateProber schedules probe clusters: short spurts of packets sent at a
// configured rate so that feedback reveals achievable path capacity. The
// pacer consults the prober each tick and tags released packets with the
// active cluster's metadata.
type BitrateProber struct {
	config ProberConfig

	clusters      deque.Deque[*probeCluster]
	active        bool
	nextProbeTime time.Time
}

// NewBitrateProber creates a prober with the given configuration.
func NewBitrateProber(config ProberConfig) *BitrateProber {
	if config.MinProbeDuration <= 0 {
		config.MinProbeDuration = 15 * time.Millisecond
	}
	if config.ProbeSizeFactor <= 0 {
		config.ProbeSizeFactor = 2.0
	}
	if config.MinProbePackets <= 0 {
		config.MinProbePackets = 5
	}
	if config.MaxClusterDuration <= 0 {
		config.MaxClusterDuration = 5 * time.Second
	}
	if config.MinPacketSize <= 0 {
		config.MinPacketSize = 200
	}
	return &BitrateProber{config: config}
}

// CreateProbeCluster enqueues a probe at the given target rate. The cluster
// must send at least one MinProbeDuration worth of data (scaled by the
// safety factor) over at least MinProbePackets probe sends before retiring.
func (p *BitrateProber) CreateProbeCluster(targetRate gcc.DataRate, now time.Time, id int) {
	p.dropExpiredClusters(now)
	p.clusters.PushBack(&probeCluster{
		id:         id,
		targetRate: targetRate,
		minBytes:   targetRate.For(time.Duration(float64(p.config.MinProbeDuration) * p.config.ProbeSizeFactor)),
		minPackets: p.config.MinProbePackets,
		createdAt:  now,
	})
}

// OnIncomingPacket activates a waiting cluster once real traffic flows;
// probing into silence measures nothing.
func (p *BitrateProber) OnIncomingPacket(size gcc.DataSize) {
	if !p.active && p.clusters.Len() > 0 && size >= p.config.MinPacketSize {
		p.active = true
		p.nextProbeTime = time.Time{}
	}
}

// Active reports whether a probe cluster is ready to drive the pacer.
func (p *BitrateProber) Active() bool {
	return p.active && p.clusters.Len() > 0
}

// TimeUntilNextProbe returns how long until the next probe spurt should go
// out: zero or negative means send now, ProbeNever means no active cluster.
// Clusters older than MaxClusterDuration (counted from their first probe
// send, or from creation) are dropped here.
func (p *BitrateProber) TimeUntilNextProbe(now time.Time) time.Duration {
	p.dropExpiredClusters(now)
	if !p.Active() {
		return ProbeNever
	}
	if p.nextProbeTime.IsZero() {
		return 0
	}
	if until := p.nextProbeTime.Sub(now); until > 0 {
		return until
	}
	return 0
}

// CurrentCluster returns the pacing metadata of the active cluster.
func (p *BitrateProber) CurrentCluster() (gcc.PacedInfo, bool) {
	if !p.Active() {
		return gcc.PacedInfo{ProbeClusterID: gcc.NoProbeCluster}, false
	}
	c := p.clusters.Front()
	return gcc.PacedInfo{
		ProbeClusterID:       c.id,
		ProbeClusterMinBytes: c.minBytes,
		SendBitrate:          c.targetRate,
	}, true
}

// RecommendedMinProbeSize returns the minimum bytes one probe spurt should
// carry so the spurt spans a measurable interval at the target rate.
func (p *BitrateProber) RecommendedMinProbeSize() gcc.DataSize {
	if !p.Active() {
		return 0
	}
	c := p.clusters.Front()
	return c.targetRate.For(2 * p.config.MinProbeDuration)
}

// ProbeSent records bytes sent for the active cluster, schedules the next
// spurt to hold the cluster's target rate, and retires the cluster when it
// has sent enough bytes over enough probe sends. Each call counts as one
// probe send.
func (p *BitrateProber) ProbeSent(now time.Time, bytes gcc.DataSize) {
	if !p.Active() || bytes <= 0 {
		return
	}
	c := p.clusters.Front()
	if c.startedAt.IsZero() {
		c.startedAt = now
	}
	c.sentBytes += bytes
	c.sentPackets++

	if c.sentBytes >= c.minBytes && c.sentPackets >= c.minPackets {
		p.clusters.PopFront()
		if p.clusters.Len() == 0 {
			p.active = false
		}
		p.nextProbeTime = time.Time{}
		return
	}

	// Space the next spurt so the cluster averages its target rate.
	sendInterval := time.Duration(float64(bytes.Bits()) / float64(c.targetRate) * float64(time.Second))
	p.nextProbeTime = now.Add(sendInterval)
}

// dropExpiredClusters discards clusters that have aged out without
// completing.
func (p *BitrateProber) dropExpiredClusters(now time.Time) {
	for p.clusters.Len() > 0 {
		c := p.clusters.Front()
		ref := c.createdAt
		if !c.startedAt.IsZero() {
			ref = c.startedAt
		}
		if now.Sub(ref) <= p.config.MaxClusterDuration {
			return
		}
		p.clusters.PopFront()
	}
	if p.clusters.Len() == 0 {
		p.active = false
	}
}
