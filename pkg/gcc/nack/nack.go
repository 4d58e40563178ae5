package nack

import (
	"sync"
	"time"

	"github.com/pion/rtcp"

	"github.com/thesyncim/gcc/pkg/gcc/internal"
)

const (
	// maxPacketAge drops tracked gaps further than this many sequence
	// numbers behind the newest received packet.
	maxPacketAge = 10000

	// maxNackRetries abandons a sequence number after this many requests.
	maxNackRetries = 10

	// giveUpAfterRttFactor abandons a gap older than this many RTTs and
	// asks for a keyframe instead.
	giveUpAfterRttFactor = 10
)

// ModuleConfig configures the receiver-side NACK generator.
type ModuleConfig struct {
	// MediaSSRC identifies the stream the NACKs are about.
	MediaSSRC uint32

	// SendInterval is the periodic batch interval. Default: 20 ms.
	SendInterval time.Duration

	// Clock supplies time; defaults to the monotonic system clock.
	Clock internal.Clock
}

// DefaultModuleConfig returns the default configuration.
func DefaultModuleConfig() ModuleConfig {
	return ModuleConfig{
		SendInterval: 20 * time.Millisecond,
	}
}

// SendRTCP delivers generated RTCP packets (NACK batches, keyframe
// requests) toward the remote peer.
type SendRTCP func(pkts []rtcp.Packet)

// nackInfo tracks one missing sequence number.
type nackInfo struct {
	seq       uint16
	firstSeen time.Time
	sentAt    time.Time
	retries   int
}

// Module is the receiver-side NACK generator. It watches incoming sequence
// numbers, tracks the gaps with wraparound-aware comparisons, and batches
// NACK requests: a fresh gap is requested as soon as it is detected; retries wait
// at least max(RTT, SendInterval) and give up after maxNackRetries or
// 10 x RTT, at which point a keyframe is requested instead.
type Module struct {
	config ModuleConfig
	clock  internal.Clock

	mu           sync.Mutex
	started      bool
	lastReceived uint16
	missing      map[uint16]*nackInfo
	rtt          time.Duration
	lastFlush    time.Time
	keyframeNeed bool

	sendRTCP SendRTCP
}

// NewModule creates a NACK module reporting via sendRTCP.
func NewModule(config ModuleConfig, sendRTCP SendRTCP) *Module {
	if config.SendInterval <= 0 {
		config.SendInterval = 20 * time.Millisecond
	}
	clock := config.Clock
	if clock == nil {
		clock = internal.MonotonicClock{}
	}
	return &Module{
		config:   config,
		clock:    clock,
		missing:  make(map[uint16]*nackInfo),
		rtt:      100 * time.Millisecond,
		sendRTCP: sendRTCP,
	}
}

// SetRtt updates the round-trip time used for retry spacing.
func (m *Module) SetRtt(rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rtt > 0 {
		m.rtt = rtt
	}
}

// isNewer reports whether a is ahead of b under 16-bit wraparound.
func isNewer(a, b uint16) bool {
	return a != b && (a-b) < 1<<15
}

// OnReceivedPacket observes one incoming sequence number. New gaps are
// registered and may trigger an immediate NACK batch; a retransmission
// filling a gap clears it.
func (m *Module) OnReceivedPacket(seq uint16) {
	m.mu.Lock()
	now := m.clock.Now()

	if !m.started {
		m.started = true
		m.lastReceived = seq
		m.mu.Unlock()
		return
	}

	if !isNewer(seq, m.lastReceived) {
		// Out of order or retransmitted: the gap, if tracked, is filled.
		delete(m.missing, seq)
		m.mu.Unlock()
		return
	}

	for s := m.lastReceived + 1; s != seq; s++ {
		m.missing[s] = &nackInfo{seq: s, firstSeen: now}
	}
	m.lastReceived = seq
	m.dropStaleLocked()

	batch := m.collectBatchLocked(now, false)
	m.mu.Unlock()

	m.send(batch)
}

// Process runs the periodic flush; call it roughly every SendInterval.
func (m *Module) Process() {
	m.mu.Lock()
	now := m.clock.Now()
	if !m.lastFlush.IsZero() && now.Sub(m.lastFlush) < m.config.SendInterval {
		m.mu.Unlock()
		return
	}
	m.lastFlush = now
	batch := m.collectBatchLocked(now, true)
	m.mu.Unlock()

	m.send(batch)
}

// MissingCount returns the number of tracked gaps.
func (m *Module) MissingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.missing)
}

// collectBatchLocked gathers the sequence numbers due for a request.
// onTimer includes retries; the on-arrival path only requests fresh gaps.
func (m *Module) collectBatchLocked(now time.Time, onTimer bool) []uint16 {
	retryInterval := m.rtt
	if retryInterval < m.config.SendInterval {
		retryInterval = m.config.SendInterval
	}

	var batch []uint16
	for seq, info := range m.missing {
		if now.Sub(info.firstSeen) > giveUpAfterRttFactor*m.rtt || info.retries >= maxNackRetries {
			// This packet is not coming; recover with a keyframe.
			m.keyframeNeed = true
			delete(m.missing, seq)
			continue
		}
		fresh := info.retries == 0
		due := onTimer && !info.sentAt.IsZero() && now.Sub(info.sentAt) >= retryInterval
		if fresh || due {
			batch = append(batch, seq)
			info.retries++
			info.sentAt = now
		}
	}
	return batch
}

// dropStaleLocked removes gaps too far behind the newest packet to matter.
func (m *Module) dropStaleLocked() {
	for seq := range m.missing {
		if m.lastReceived-seq > maxPacketAge {
			delete(m.missing, seq)
		}
	}
}

// send emits the NACK batch and any pending keyframe request.
func (m *Module) send(batch []uint16) {
	if m.sendRTCP == nil {
		return
	}

	var pkts []rtcp.Packet
	if len(batch) > 0 {
		pkts = append(pkts, &rtcp.TransportLayerNack{
			MediaSSRC: m.config.MediaSSRC,
			Nacks:     rtcp.NackPairsFromSequenceNumbers(batch),
		})
	}

	m.mu.Lock()
	if m.keyframeNeed {
		m.keyframeNeed = false
		pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: m.config.MediaSSRC})
	}
	m.mu.Unlock()

	if len(pkts) > 0 {
		m.sendRTCP(pkts)
	}
}
