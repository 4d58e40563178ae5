// Package nack implements the retransmission path: a receiver-side NACK
// generator that reports sequence gaps, and a send-side packet history that
// answers those NACKs by re-submitting cached packets to the pacer.
package nack

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/pion/rtp"

	"github.com/thesyncim/gcc/pkg/gcc"
	"github.com/thesyncim/gcc/pkg/gcc/internal"
)

// StorageMode controls whether the history retains packets.
type StorageMode int

const (
	// StorageDisabled keeps nothing; NACKs are ignored.
	StorageDisabled StorageMode = iota
	// StorageStore retains sent packets for retransmission.
	StorageStore
)

// HistoryConfig configures the per-SSRC packet history.
type HistoryConfig struct {
	// MaxPackets caps the number of stored packets. Default: 600.
	MaxPackets int

	// MinPacketAge floors the age-based eviction; packets younger than
	// max(MinPacketAge, 3 x RTT) are kept. Default: 1 s.
	MinPacketAge time.Duration

	// MinResendInterval is the fixed part of the per-packet minimum
	// retransmit spacing; the average RTT is added on top. Default: 5 ms.
	MinResendInterval time.Duration

	// Clock supplies time; defaults to the monotonic system clock.
	Clock internal.Clock
}

// DefaultHistoryConfig returns the default configuration.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		MaxPackets:        600,
		MinPacketAge:      time.Second,
		MinResendInterval: 5 * time.Millisecond,
	}
}

// RetransmitFunc re-submits a cached packet toward the pacer. The packet
// must be enqueued at retransmission priority with the retransmit flag set.
type RetransmitFunc func(pkt *rtp.Packet, size gcc.DataSize)

// historyEntry is one cached packet.
type historyEntry struct {
	packet             *rtp.Packet
	size               gcc.DataSize
	sendTime           time.Time
	lastResendTime     time.Time
	timesRetransmitted int
}

// RtpPacketHistory caches recently sent packets of one SSRC so NACKed
// sequence numbers can be retransmitted. Eviction is by capacity and by
// age (max(MinPacketAge, 3 x RTT)); a per-packet minimum resend interval of
// MinResendInterval + avg RTT suppresses duplicate retransmissions while
// the first one is still in flight.
type RtpPacketHistory struct {
	config HistoryConfig
	clock  internal.Clock

	mu      sync.Mutex
	mode    StorageMode
	rtt     time.Duration
	entries map[uint16]*historyEntry
	order   deque.Deque[uint16]

	retransmit RetransmitFunc
}

// NewRtpPacketHistory creates a history in StorageDisabled mode; call
// SetStorageMode to start retaining packets.
func NewRtpPacketHistory(config HistoryConfig, retransmit RetransmitFunc) *RtpPacketHistory {
	if config.MaxPackets <= 0 {
		config.MaxPackets = 600
	}
	if config.MinPacketAge <= 0 {
		config.MinPacketAge = time.Second
	}
	if config.MinResendInterval <= 0 {
		config.MinResendInterval = 5 * time.Millisecond
	}
	clock := config.Clock
	if clock == nil {
		clock = internal.MonotonicClock{}
	}
	return &RtpPacketHistory{
		config:     config,
		clock:      clock,
		entries:    make(map[uint16]*historyEntry),
		retransmit: retransmit,
	}
}

// SetStorageMode switches storage on or off. Disabling clears the cache.
func (h *RtpPacketHistory) SetStorageMode(mode StorageMode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mode = mode
	if mode == StorageDisabled {
		h.entries = make(map[uint16]*historyEntry)
		h.order.Clear()
	}
}

// SetRtt updates the RTT used for age eviction and resend spacing.
func (h *RtpPacketHistory) SetRtt(rtt time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rtt > 0 {
		h.rtt = rtt
	}
}

// PutPacket stores a sent packet. A packet resent with the same sequence
// number replaces the earlier copy.
func (h *RtpPacketHistory) PutPacket(pkt *rtp.Packet, size gcc.DataSize, sendTime time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.mode == StorageDisabled {
		return
	}

	seq := pkt.SequenceNumber
	if _, exists := h.entries[seq]; !exists {
		h.order.PushBack(seq)
	}
	h.entries[seq] = &historyEntry{
		packet:   pkt,
		size:     size,
		sendTime: sendTime,
	}
	h.evictLocked(sendTime)
}

// GetPacket returns the cached packet for seq, honoring the age bound: a
// packet past max(MinPacketAge, 3 x RTT) is treated as absent.
func (h *RtpPacketHistory) GetPacket(seq uint16) (*rtp.Packet, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.entries[seq]
	if !ok {
		return nil, false
	}
	if h.clock.Now().Sub(entry.sendTime) > h.maxAgeLocked() {
		return nil, false
	}
	return entry.packet, true
}

// OnReceivedNack resubmits the requested sequence numbers, skipping any
// whose last send (the original send, or the last retransmission if there
// was one) was within MinResendInterval + avgRtt.
func (h *RtpPacketHistory) OnReceivedNack(seqs []uint16, avgRtt time.Duration) {
	h.mu.Lock()
	now := h.clock.Now()
	minInterval := h.config.MinResendInterval + avgRtt
	maxAge := h.maxAgeLocked()

	var resend []*historyEntry
	for _, seq := range seqs {
		entry, ok := h.entries[seq]
		if !ok {
			continue
		}
		if now.Sub(entry.sendTime) > maxAge {
			continue
		}
		last := entry.lastResendTime
		if last.IsZero() {
			last = entry.sendTime
		}
		if now.Sub(last) < minInterval {
			// Still in flight; skip silently.
			continue
		}
		entry.lastResendTime = now
		entry.timesRetransmitted++
		resend = append(resend, entry)
	}
	h.mu.Unlock()

	if h.retransmit == nil {
		return
	}
	for _, entry := range resend {
		h.retransmit(entry.packet, entry.size)
	}
}

// Size returns the number of cached packets.
func (h *RtpPacketHistory) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// maxAgeLocked returns max(MinPacketAge, 3 x RTT).
func (h *RtpPacketHistory) maxAgeLocked() time.Duration {
	if age := 3 * h.rtt; age > h.config.MinPacketAge {
		return age
	}
	return h.config.MinPacketAge
}

// evictLocked drops entries past capacity or the age bound, oldest first.
func (h *RtpPacketHistory) evictLocked(now time.Time) {
	maxAge := h.maxAgeLocked()
	for h.order.Len() > 0 {
		seq := h.order.Front()
		entry, ok := h.entries[seq]
		if !ok {
			h.order.PopFront()
			continue
		}
		if len(h.entries) <= h.config.MaxPackets && now.Sub(entry.sendTime) <= maxAge {
			return
		}
		delete(h.entries, seq)
		h.order.PopFront()
	}
}
