package pacer

import (
	"sync"
	"time"

	"github.com/pion/logging"
	"go.uber.org/atomic"

	"github.com/thesyncim/gcc/pkg/gcc"
	"github.com/thesyncim/gcc/pkg/gcc/internal"
)

// Transport is where the pacer releases packets. Implementations perform
// the actual wire write; SendPacket returns false on failure, which makes
// the pacer restore the packet and stop draining for the tick.
//
// The pacer never holds its lock while calling into the transport.
type Transport interface {
	// SendPacket writes one media packet, tagged with pacing metadata.
	SendPacket(pkt *Packet, info gcc.PacedInfo) bool

	// SendPadding asks the transport to generate up to bytes of padding
	// and returns how much was actually sent.
	SendPadding(bytes gcc.DataSize, info gcc.PacedInfo) gcc.DataSize
}

// Config enumerates every pacing knob.
type Config struct {
	// MinPacketLimit is the default process tick interval. Default: 5 ms.
	MinPacketLimit time.Duration

	// MaxElapsedTime caps the budget refill after a long process hiatus.
	// Default: 30 ms.
	MaxElapsedTime time.Duration

	// KeepaliveInterval spaces keepalive padding while paused, congested or
	// silent. Default: 500 ms.
	KeepaliveInterval time.Duration

	// QueueTimeLimit is the drain target for a backed-up queue: with
	// DrainLargeQueues set, the pacing rate is boosted so the queued bytes
	// drain within this limit minus the queue's average wait. It bounds the
	// average, not each packet's wait. Default: 2 s.
	QueueTimeLimit time.Duration

	// DrainLargeQueues enables the queue-drain rate boost. Default: true.
	DrainLargeQueues bool

	// SendPaddingInSilence emits keepalive padding even when neither
	// paused nor congested. Default: false.
	SendPaddingInSilence bool

	// PaceAudio subjects audio packets to pacing; by default they bypass
	// the budget. Default: false.
	PaceAudio bool

	// Prober configures probe cluster generation.
	Prober ProberConfig

	// Clock supplies time; defaults to the monotonic system clock.
	Clock internal.Clock

	// Logger receives pacer notes. Defaults to the "pacer" leveled logger.
	Logger logging.LeveledLogger
}

// DefaultConfig returns the default pacing configuration.
func DefaultConfig() Config {
	return Config{
		MinPacketLimit:       5 * time.Millisecond,
		MaxElapsedTime:       30 * time.Millisecond,
		KeepaliveInterval:    500 * time.Millisecond,
		QueueTimeLimit:       2 * time.Second,
		DrainLargeQueues:     true,
		SendPaddingInSilence: false,
		PaceAudio:            false,
		Prober:               DefaultProberConfig(),
	}
}

// PacedSender is the central pacing loop. Producers enqueue packets from
// any context; a worker drives Process on the schedule suggested by
// TimeUntilNextProcess; the network context updates rates and outstanding
// data as feedback arrives.
//
// All queue/budget/prober state is guarded by one mutex, which is released
// around every transport call so a slow transport cannot block producers.
type PacedSender struct {
	config    Config
	log       logging.LeveledLogger
	clock     internal.Clock
	transport Transport

	mu            sync.Mutex
	mediaBudget   *IntervalBudget
	paddingBudget *IntervalBudget
	queue         *RoundRobinPacketQueue
	prober        *BitrateProber

	pacingRate  gcc.DataRate
	paddingRate gcc.DataRate

	congestionWindow gcc.DataSize
	outstanding      gcc.DataSize

	paused          bool
	firstSentPacket bool
	lastProcessTime time.Time
	lastSendTime    time.Time

	// Totals readable without the pacer lock.
	sentBytes   atomic.Int64
	sentPackets atomic.Int64
}

// NewPacedSender creates a pacer releasing packets to transport at the
// given initial pacing rate.
func NewPacedSender(config Config, transport Transport, pacingRate gcc.DataRate) *PacedSender {
	if config.MinPacketLimit <= 0 {
		config.MinPacketLimit = 5 * time.Millisecond
	}
	if config.MaxElapsedTime <= 0 {
		config.MaxElapsedTime = 30 * time.Millisecond
	}
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = 500 * time.Millisecond
	}
	if config.QueueTimeLimit <= 0 {
		config.QueueTimeLimit = 2 * time.Second
	}
	log := config.Logger
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("pacer")
	}
	baseClock := config.Clock
	if baseClock == nil {
		baseClock = internal.MonotonicClock{}
	}
	// Guard against clock rewinds; every timing decision below assumes a
	// non-decreasing clock.
	clock := internal.NewGuardedClock(baseClock, func() {
		log.Warn("non-monotonic clock sample clamped")
	})
	now := clock.Now()
	return &PacedSender{
		config:          config,
		log:             log,
		clock:           clock,
		transport:       transport,
		mediaBudget:     NewIntervalBudget(pacingRate, false),
		paddingBudget:   NewIntervalBudget(0, false),
		queue:           NewRoundRobinPacketQueue(now),
		prober:          NewBitrateProber(config.Prober),
		pacingRate:      pacingRate,
		lastProcessTime: now,
		lastSendTime:    now,
	}
}

// InsertPacket enqueues a packet for paced release. The pacer never rejects
// a packet once accepted.
func (p *PacedSender) InsertPacket(pkt *Packet) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pkt.EnqueueTime.IsZero() {
		pkt.EnqueueTime = p.clock.Now()
	}
	p.queue.Push(pkt)
	p.prober.OnIncomingPacket(pkt.Size)
}

// SetPacingRates updates the media and padding target rates.
func (p *PacedSender) SetPacingRates(pacing, padding gcc.DataRate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pacingRate = pacing
	p.paddingRate = padding
	p.mediaBudget.SetTarget(pacing)
	p.paddingBudget.SetTarget(padding)
}

// SetCongestionWindow sets the congestion window; zero disables window
// gating.
func (p *PacedSender) SetCongestionWindow(window gcc.DataSize) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.congestionWindow = window
}

// UpdateOutstandingData replaces the in-flight byte count, typically from
// the feedback adapter after processing a report.
func (p *PacedSender) UpdateOutstandingData(outstanding gcc.DataSize) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding = outstanding
}

// CreateProbeCluster asks the prober to schedule a probe at the given rate.
func (p *PacedSender) CreateProbeCluster(rate gcc.DataRate, clusterID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prober.CreateProbeCluster(rate, p.clock.Now(), clusterID)
}

// SetPauseState pauses or resumes packet release. While paused only
// keepalive padding goes out.
func (p *PacedSender) SetPauseState(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = paused
	p.queue.SetPauseState(paused, p.clock.Now())
}

// QueueSizePackets returns the number of queued packets.
func (p *PacedSender) QueueSizePackets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.SizePackets()
}

// QueueSizeBytes returns the queued byte total.
func (p *PacedSender) QueueSizeBytes() gcc.DataSize {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.SizeBytes()
}

// OldestPacketWaitTime returns how long the oldest queued packet has
// waited.
func (p *PacedSender) OldestPacketWaitTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	oldest := p.queue.OldestEnqueueTime()
	if oldest.IsZero() {
		return 0
	}
	return p.clock.Now().Sub(oldest)
}

// SentBytes returns the total bytes released to the transport.
func (p *PacedSender) SentBytes() gcc.DataSize {
	return gcc.DataSize(p.sentBytes.Load())
}

// SentPackets returns the total packets released to the transport.
func (p *PacedSender) SentPackets() int64 {
	return p.sentPackets.Load()
}

// TimeUntilNextProcess returns how long the worker should sleep before the
// next Process call.
func (p *PacedSender) TimeUntilNextProcess() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if p.paused || p.congestedLocked() {
		// Keepalive slot only.
		next := p.config.KeepaliveInterval - now.Sub(p.lastSendTime)
		if next < 0 {
			return 0
		}
		return next
	}

	if p.prober.Active() {
		if untilProbe := p.prober.TimeUntilNextProbe(now); untilProbe != ProbeNever {
			if untilProbe < 0 {
				untilProbe = 0
			}
			if untilProbe < p.config.MinPacketLimit {
				return untilProbe
			}
		}
	}

	next := p.config.MinPacketLimit - now.Sub(p.lastProcessTime)
	if next < 0 {
		return 0
	}
	return next
}

// Process runs one pacing tick: refill budgets for the elapsed time, drain
// the queue within budget (or probe size), and emit padding when idle.
// Two Process calls must never overlap. The internal lock is released around
// transport calls, so it does not serialize whole ticks; the caller must.
func (p *PacedSender) Process() {
	p.mu.Lock()

	now := p.clock.Now()
	elapsed := now.Sub(p.lastProcessTime)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > p.config.MaxElapsedTime {
		elapsed = p.config.MaxElapsedTime
	}
	p.lastProcessTime = now

	if p.maybeSendKeepaliveLocked(now) {
		p.mu.Unlock()
		return
	}

	if p.paused {
		p.mu.Unlock()
		return
	}

	p.queue.UpdateQueueTime(now)

	if elapsed > 0 {
		target := p.pacingRate
		if p.config.DrainLargeQueues && !p.queue.Empty() {
			// Boost the rate so the whole queue drains within the queue
			// time limit.
			drainTime := p.config.QueueTimeLimit - p.queue.AverageQueueTime()
			if drainTime < time.Millisecond {
				drainTime = time.Millisecond
			}
			if needed := gcc.RateFromSize(p.queue.SizeBytes(), drainTime); needed > target {
				p.log.Debugf("drain boost: pacing %v -> %v", target, needed)
				target = needed
			}
		}
		p.mediaBudget.SetTarget(target)
		p.mediaBudget.IncreaseBudget(elapsed)
		p.paddingBudget.IncreaseBudget(elapsed)
	}

	isProbing := p.prober.Active()
	probeInfo := gcc.PacedInfo{ProbeClusterID: gcc.NoProbeCluster}
	var probeSize gcc.DataSize
	if isProbing {
		probeInfo, _ = p.prober.CurrentCluster()
		probeSize = p.prober.RecommendedMinProbeSize()
	}

	var bytesSent gcc.DataSize
	for !p.queue.Empty() && !p.paused {
		pkt := p.queue.BeginPop()

		paced := !pkt.IsAudio || p.config.PaceAudio
		if paced && p.congestedLocked() {
			p.queue.CancelPop(pkt)
			break
		}
		if paced && p.mediaBudget.Remaining() == 0 && !isProbing {
			p.queue.CancelPop(pkt)
			break
		}

		info := gcc.PacedInfo{ProbeClusterID: gcc.NoProbeCluster, SendBitrate: p.pacingRate}
		if isProbing {
			info = probeInfo
		}

		p.mu.Unlock()
		ok := p.transport.SendPacket(pkt, info)
		p.mu.Lock()

		if !ok {
			// Transport failure: restore queue order, stop draining.
			p.queue.CancelPop(pkt)
			break
		}

		p.queue.FinalizePop(pkt)
		bytesSent += pkt.Size
		p.outstanding += pkt.Size
		p.lastSendTime = now
		p.firstSentPacket = true
		p.sentBytes.Add(int64(pkt.Size))
		p.sentPackets.Inc()

		if paced {
			p.mediaBudget.UseBudget(pkt.Size)
			p.paddingBudget.UseBudget(pkt.Size)
		}

		if isProbing && bytesSent >= probeSize {
			break
		}
	}

	if p.queue.Empty() && !p.paused && !p.congestedLocked() && p.firstSentPacket {
		paddingNeeded := p.paddingBudget.Remaining()
		if isProbing {
			paddingNeeded = probeSize - bytesSent
		}
		if paddingNeeded > 0 {
			info := gcc.PacedInfo{ProbeClusterID: gcc.NoProbeCluster, SendBitrate: p.paddingRate}
			if isProbing {
				info = probeInfo
			}

			p.mu.Unlock()
			sent := p.transport.SendPadding(paddingNeeded, info)
			p.mu.Lock()

			if sent > 0 {
				bytesSent += sent
				p.outstanding += sent
				p.lastSendTime = now
				p.paddingBudget.UseBudget(sent)
				p.mediaBudget.UseBudget(sent)
				p.sentBytes.Add(int64(sent))
			}
		}
	}

	if isProbing {
		if bytesSent > 0 {
			p.prober.ProbeSent(now, bytesSent)
		} else {
			p.log.Debugf("probe tick sent nothing")
		}
	}

	p.mu.Unlock()
}

// maybeSendKeepaliveLocked emits one byte of padding when the pacer has
// been silent for a keepalive interval while paused, congested, or
// configured to pad silence. Returns true when the tick is complete.
// Called with the lock held; drops it around the transport call.
func (p *PacedSender) maybeSendKeepaliveLocked(now time.Time) bool {
	if !p.config.SendPaddingInSilence && !p.paused && !p.congestedLocked() {
		return false
	}
	if !p.firstSentPacket || now.Sub(p.lastSendTime) < p.config.KeepaliveInterval {
		return false
	}

	info := gcc.PacedInfo{ProbeClusterID: gcc.NoProbeCluster}
	p.mu.Unlock()
	sent := p.transport.SendPadding(1, info)
	p.mu.Lock()

	if sent > 0 {
		p.lastSendTime = now
		p.sentBytes.Add(int64(sent))
	}
	return true
}

// congestedLocked reports whether in-flight data fills the congestion
// window.
func (p *PacedSender) congestedLocked() bool {
	return p.congestionWindow > 0 && p.outstanding >= p.congestionWindow
}
