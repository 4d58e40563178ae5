package twcc

import (
	"sort"
	"time"

	"github.com/pion/rtcp"
)

// RecorderConfig configures feedback production.
type RecorderConfig struct {
	// SenderSSRC is the SSRC used as the feedback sender.
	SenderSSRC uint32

	// Interval is the regular feedback send interval. Default: 100 ms.
	Interval time.Duration

	// MaxHeldPackets triggers an early feedback once this many arrivals are
	// pending, regardless of the interval. Default: 100.
	MaxHeldPackets int
}

// DefaultRecorderConfig returns the default configuration.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		Interval:       100 * time.Millisecond,
		MaxHeldPackets: 100,
	}
}

// arrival is one recorded packet arrival, keyed by unwrapped sequence.
type arrival struct {
	sequence  uint32
	arrivalUS int64
}

// Recorder observes incoming transport-wide sequence numbers on the
// receiver side and produces feedback packets covering every sequence
// number between the first and last recorded arrival; gaps are reported as
// not received.
type Recorder struct {
	config RecorderConfig

	mediaSSRC uint32
	arrivals  []arrival

	cycles   uint32
	lastSeq  uint16
	started  bool
	fbCount  uint8
	lastSent time.Time
}

// NewRecorder creates a recorder that stamps feedback with senderSSRC.
func NewRecorder(config RecorderConfig) *Recorder {
	if config.Interval <= 0 {
		config.Interval = 100 * time.Millisecond
	}
	if config.MaxHeldPackets <= 0 {
		config.MaxHeldPackets = 100
	}
	return &Recorder{config: config}
}

// Record notes the arrival of the packet with the given transport-wide
// sequence number at arrivalUS (microseconds on the local clock).
// Out-of-order and duplicate arrivals are tolerated; a duplicate keeps the
// latest arrival time.
func (r *Recorder) Record(mediaSSRC uint32, sequenceNumber uint16, arrivalUS int64) {
	r.mediaSSRC = mediaSSRC
	if r.started && sequenceNumber < 0x0fff && r.lastSeq > 0xf000 {
		r.cycles += 1 << 16
	}
	r.started = true
	r.lastSeq = sequenceNumber

	unwrapped := r.cycles | uint32(sequenceNumber)
	idx := sort.Search(len(r.arrivals), func(i int) bool {
		return r.arrivals[i].sequence >= unwrapped
	})
	if idx < len(r.arrivals) && r.arrivals[idx].sequence == unwrapped {
		r.arrivals[idx].arrivalUS = arrivalUS
		return
	}
	r.arrivals = append(r.arrivals, arrival{})
	copy(r.arrivals[idx+1:], r.arrivals[idx:])
	r.arrivals[idx] = arrival{sequence: unwrapped, arrivalUS: arrivalUS}
}

// PacketsHeld returns the number of recorded arrivals waiting to be
// reported.
func (r *Recorder) PacketsHeld() int {
	return len(r.arrivals)
}

// ShouldSend reports whether enough time has passed or enough packets are
// pending for a feedback packet to go out.
func (r *Recorder) ShouldSend(now time.Time) bool {
	if len(r.arrivals) < 2 {
		return false
	}
	if len(r.arrivals) >= r.config.MaxHeldPackets {
		return true
	}
	return r.lastSent.IsZero() || now.Sub(r.lastSent) >= r.config.Interval
}

// BuildFeedback drains the recorded arrivals into one or more RTCP
// feedback packets. Multiple packets are produced when a delta overflows
// the 16-bit large-delta range. Returns nil when fewer than two arrivals
// are held.
func (r *Recorder) BuildFeedback(now time.Time) []rtcp.Packet {
	if len(r.arrivals) < 2 {
		return nil
	}

	b := newFeedbackBuilder(r.config.SenderSSRC, r.mediaSSRC, r.fbCount)
	r.fbCount++
	b.setBase(uint16(r.arrivals[0].sequence&0xffff), r.arrivals[0].arrivalUS)

	var pkts []rtcp.Packet
	nextSeq := r.arrivals[0].sequence
	for _, a := range r.arrivals {
		for ; nextSeq != a.sequence; nextSeq++ {
			b.addNotReceived()
		}
		if !b.addReceived(a.arrivalUS) {
			pkts = append(pkts, b.build())
			b = newFeedbackBuilder(r.config.SenderSSRC, r.mediaSSRC, r.fbCount)
			r.fbCount++
			b.setBase(uint16(a.sequence&0xffff), a.arrivalUS)
			b.addReceived(a.arrivalUS)
		}
		nextSeq = a.sequence + 1
	}
	r.arrivals = r.arrivals[:0]
	r.lastSent = now

	return append(pkts, b.build())
}
