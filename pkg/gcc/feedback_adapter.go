package gcc

import (
	"sort"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/pion/logging"

	"github.com/thesyncim/gcc/pkg/gcc/twcc"
)

// FeedbackAdapterConfig configures the sent-packet window.
type FeedbackAdapterConfig struct {
	// WindowDuration is how long a sent packet is kept waiting for
	// feedback. Default: 60 s.
	WindowDuration time.Duration

	// MaxWindowSize caps the number of tracked packets. Default: 10000.
	MaxWindowSize int

	// Logger receives notes about dropped feedback entries. Defaults to
	// the "gcc" leveled logger.
	Logger logging.LeveledLogger
}

// DefaultFeedbackAdapterConfig returns the default configuration.
func DefaultFeedbackAdapterConfig() FeedbackAdapterConfig {
	return FeedbackAdapterConfig{
		WindowDuration: 60 * time.Second,
		MaxWindowSize:  10000,
	}
}

// SequenceUnwrapper expands wrapping 16-bit sequence numbers into a
// monotonic 64-bit space.
type SequenceUnwrapper struct {
	started bool
	last    int64
}

// Unwrap returns the 64-bit representation of seq closest to the previously
// unwrapped value and advances the unwrapper's notion of "latest".
func (u *SequenceUnwrapper) Unwrap(seq uint16) int64 {
	unwrapped := u.UnwrapWithoutUpdate(seq)
	if unwrapped > u.last {
		u.last = unwrapped
	}
	return unwrapped
}

// UnwrapWithoutUpdate returns the 64-bit representation of seq closest to
// the latest unwrapped value, without advancing state. Used for lookups of
// possibly stale sequence numbers referenced by feedback.
func (u *SequenceUnwrapper) UnwrapWithoutUpdate(seq uint16) int64 {
	if !u.started {
		u.started = true
		u.last = int64(seq)
		return u.last
	}
	delta := int64(seq) - (u.last & 0xffff)
	if delta > 1<<15 {
		delta -= 1 << 16
	} else if delta < -(1 << 15) {
		delta += 1 << 16
	}
	return u.last + delta
}

// trackedPacket is one window entry plus its creation time for eviction.
type trackedPacket struct {
	packet    SentPacket
	createdAt time.Time
}

// TransportFeedbackAdapter owns the sliding window of sent packets keyed by
// unwrapped transport-wide sequence number, and joins it with incoming
// feedback to produce ordered PacketResult vectors.
//
// It has its own lock; producers register packets from the pacer context
// while feedback arrives on the network receive context.
type TransportFeedbackAdapter struct {
	config FeedbackAdapterConfig
	log    logging.LeveledLogger

	mu          sync.Mutex
	window      map[int64]*trackedPacket
	order       deque.Deque[int64]
	unwrapper   SequenceUnwrapper
	outstanding DataSize
}

// NewTransportFeedbackAdapter creates an adapter with the given
// configuration.
func NewTransportFeedbackAdapter(config FeedbackAdapterConfig) *TransportFeedbackAdapter {
	if config.WindowDuration <= 0 {
		config.WindowDuration = 60 * time.Second
	}
	if config.MaxWindowSize <= 0 {
		config.MaxWindowSize = 10000
	}
	log := config.Logger
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("gcc")
	}
	return &TransportFeedbackAdapter{
		config: config,
		log:    log,
		window: make(map[int64]*trackedPacket),
	}
}

// AddPacket registers a packet the pacer is about to release. The send time
// stays unset until the transport reports it via OnSentPacket.
func (a *TransportFeedbackAdapter) AddPacket(pkt SentPacket, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seq := a.unwrapper.Unwrap(uint16(pkt.TransportSeq))
	pkt.TransportSeq = seq
	pkt.SendTime = time.Time{}

	a.window[seq] = &trackedPacket{packet: pkt, createdAt: now}
	a.order.PushBack(seq)
	a.outstanding += pkt.Size
	a.evictLocked(now)
}

// OnSentPacket records the actual wire send time for a registered packet.
func (a *TransportFeedbackAdapter) OnSentPacket(transportSeq uint16, sendTime time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seq := a.unwrapper.UnwrapWithoutUpdate(transportSeq)
	if tracked, ok := a.window[seq]; ok {
		tracked.packet.SendTime = sendTime
	}
}

// ProcessFeedback joins a decoded feedback message with the send window and
// returns the resulting packet vector, sorted by (arrival time, send time,
// sequence); lost packets order after all received ones. Entries the window
// no longer holds are logged and skipped.
func (a *TransportFeedbackAdapter) ProcessFeedback(fb *twcc.Feedback, now time.Time) []PacketResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	results := make([]PacketResult, 0, len(fb.Reports))
	for _, report := range fb.Reports {
		seq := a.unwrapper.UnwrapWithoutUpdate(report.SequenceNumber)
		tracked, ok := a.window[seq]
		if !ok {
			a.log.Debugf("feedback for unknown packet %d, skipping", report.SequenceNumber)
			continue
		}
		if tracked.packet.SendTime.IsZero() {
			a.log.Debugf("feedback for packet %d before send confirmation, skipping", report.SequenceNumber)
			continue
		}

		res := PacketResult{SentPacket: tracked.packet, Received: report.Received}
		if report.Received {
			res.ArrivalTime = time.Unix(0, report.ArrivalUS*int64(time.Microsecond))
		}
		if !tracked.packet.Acknowledged {
			tracked.packet.Acknowledged = true
			a.outstanding -= tracked.packet.Size
			results = append(results, res)
		}
		// Feedback referencing already-acknowledged packets is ignored:
		// out-of-order reports must not double-count.
	}

	sort.SliceStable(results, func(i, j int) bool {
		pi, pj := results[i], results[j]
		if pi.Received != pj.Received {
			return pi.Received
		}
		if pi.Received && !pi.ArrivalTime.Equal(pj.ArrivalTime) {
			return pi.ArrivalTime.Before(pj.ArrivalTime)
		}
		if !pi.SendTime.Equal(pj.SendTime) {
			return pi.SendTime.Before(pj.SendTime)
		}
		return pi.TransportSeq < pj.TransportSeq
	})

	a.evictLocked(now)
	return results
}

// OutstandingData returns the total size of sent packets not yet reported
// on by feedback.
func (a *TransportFeedbackAdapter) OutstandingData() DataSize {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outstanding
}

// WindowSize returns the number of tracked packets.
func (a *TransportFeedbackAdapter) WindowSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.window)
}

// evictLocked drops entries past the window duration or beyond the size
// cap, oldest first. Unacknowledged evicted packets stop counting as
// outstanding: feedback for them will never be applied.
func (a *TransportFeedbackAdapter) evictLocked(now time.Time) {
	for a.order.Len() > 0 {
		seq := a.order.Front()
		tracked, ok := a.window[seq]
		if !ok {
			a.order.PopFront()
			continue
		}
		expired := now.Sub(tracked.createdAt) > a.config.WindowDuration
		if !expired && len(a.window) <= a.config.MaxWindowSize {
			return
		}
		if !tracked.packet.Acknowledged {
			a.outstanding -= tracked.packet.Size
		}
		delete(a.window, seq)
		a.order.PopFront()
	}
}
