// Package twcc implements the transport-wide congestion control feedback
// message (draft-holmer-rmcat-transport-wide-cc-extensions-01): a codec over
// pion/rtcp's TransportLayerCC and a receiver-side recorder that produces
// feedback packets from observed arrivals.
package twcc

import (
	"errors"
	"math"

	"github.com/pion/rtcp"
)

var (
	// ErrInvalidFeedback is returned when a feedback packet's chunks and
	// deltas are inconsistent.
	ErrInvalidFeedback = errors.New("twcc: malformed transport-wide feedback")
)

// referenceTimeResolutionUS is the resolution of the 24-bit reference time
// field in microseconds (64 ms units).
const referenceTimeResolutionUS = 64_000

// deltaResolutionUS is the resolution of a receive delta (250 µs units).
const deltaResolutionUS = 250

// PacketReport is the per-packet content of a feedback message.
type PacketReport struct {
	// SequenceNumber is the transport-wide sequence number (wrapping 16 bit).
	SequenceNumber uint16

	// Received is false for packets the receiver never saw.
	Received bool

	// ArrivalUS is the arrival time in microseconds on the receiver's
	// clock. Only valid when Received is true.
	ArrivalUS int64
}

// Feedback is a decoded transport-wide feedback message: one report per
// status in [BaseSequenceNumber, BaseSequenceNumber+count).
type Feedback struct {
	SenderSSRC uint32
	MediaSSRC  uint32

	// BaseSequenceNumber is the transport-wide sequence number of the first
	// report.
	BaseSequenceNumber uint16

	// FeedbackCount is the 8-bit feedback sequence counter.
	FeedbackCount uint8

	// ReferenceTimeUS is the feedback epoch in microseconds (the 24-bit
	// reference time field scaled to µs).
	ReferenceTimeUS int64

	// Reports holds one entry per packet status, in sequence order.
	Reports []PacketReport
}

// Decode expands a TransportLayerCC packet into per-packet reports.
// It accepts any valid mix of run-length and status-vector chunks and
// tolerates trailing padding statuses beyond the packet status count.
func Decode(pkt *rtcp.TransportLayerCC) (*Feedback, error) {
	statuses := make([]uint16, 0, pkt.PacketStatusCount)
	for _, chunk := range pkt.PacketChunks {
		switch c := chunk.(type) {
		case *rtcp.RunLengthChunk:
			for i := uint16(0); i < c.RunLength; i++ {
				statuses = append(statuses, c.PacketStatusSymbol)
			}
		case *rtcp.StatusVectorChunk:
			statuses = append(statuses, c.SymbolList...)
		default:
			return nil, ErrInvalidFeedback
		}
	}
	if len(statuses) < int(pkt.PacketStatusCount) {
		return nil, ErrInvalidFeedback
	}
	// The final chunk may carry padding statuses.
	statuses = statuses[:pkt.PacketStatusCount]

	fb := &Feedback{
		SenderSSRC:         pkt.SenderSSRC,
		MediaSSRC:          pkt.MediaSSRC,
		BaseSequenceNumber: pkt.BaseSequenceNumber,
		FeedbackCount:      pkt.FbPktCount,
		ReferenceTimeUS:    int64(pkt.ReferenceTime) * referenceTimeResolutionUS,
		Reports:            make([]PacketReport, 0, len(statuses)),
	}

	arrivalUS := fb.ReferenceTimeUS
	deltaIdx := 0
	seq := pkt.BaseSequenceNumber
	for _, status := range statuses {
		report := PacketReport{SequenceNumber: seq}
		switch status {
		case rtcp.TypeTCCPacketReceivedSmallDelta, rtcp.TypeTCCPacketReceivedLargeDelta:
			if deltaIdx >= len(pkt.RecvDeltas) {
				return nil, ErrInvalidFeedback
			}
			arrivalUS += pkt.RecvDeltas[deltaIdx].Delta
			deltaIdx++
			report.Received = true
			report.ArrivalUS = arrivalUS
		case rtcp.TypeTCCPacketNotReceived, rtcp.TypeTCCPacketReceivedWithoutDelta:
			// No delta entry for these.
		default:
			return nil, ErrInvalidFeedback
		}
		fb.Reports = append(fb.Reports, report)
		seq++
	}
	return fb, nil
}

// ParseRTCP unmarshals a compound RTCP datagram and returns the decoded
// transport-wide feedback messages in it, identified by packet type
// (RTPFB, fmt=15). A malformed datagram returns an error without partial
// results.
func ParseRTCP(raw []byte) ([]*Feedback, error) {
	pkts, err := rtcp.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	var out []*Feedback
	for _, p := range pkts {
		tcc, ok := p.(*rtcp.TransportLayerCC)
		if !ok {
			continue
		}
		fb, err := Decode(tcc)
		if err != nil {
			return nil, err
		}
		out = append(out, fb)
	}
	return out, nil
}

// Encode builds the canonical TransportLayerCC for the feedback: statuses
// are coalesced into minimal run-length and status-vector chunks, deltas
// are re-derived from the arrival times. Reports must be in sequence order
// starting at BaseSequenceNumber. Arrival deltas that do not fit a 16-bit
// large delta return an error; splitting across messages is the recorder's
// job.
func Encode(fb *Feedback) (*rtcp.TransportLayerCC, error) {
	b := newFeedbackBuilder(fb.SenderSSRC, fb.MediaSSRC, fb.FeedbackCount)
	b.setBase(fb.BaseSequenceNumber, fb.ReferenceTimeUS)
	for _, report := range fb.Reports {
		if !report.Received {
			b.addNotReceived()
			continue
		}
		if !b.addReceived(report.ArrivalUS) {
			return nil, ErrInvalidFeedback
		}
	}
	return b.build(), nil
}

// feedbackBuilder incrementally packs packet statuses into chunks and
// deltas, mirroring the sender-side recorder in pion/interceptor.
type feedbackBuilder struct {
	pkt              *rtcp.TransportLayerCC
	baseSeq          uint16
	refTime64MS      int64
	lastTimestampUS  int64
	statusCount      uint16
	deltaLen         int
	lastChunk        chunkBuilder
	chunks           []rtcp.PacketStatusChunk
	deltas           []*rtcp.RecvDelta
}

func newFeedbackBuilder(senderSSRC, mediaSSRC uint32, count uint8) *feedbackBuilder {
	return &feedbackBuilder{
		pkt: &rtcp.TransportLayerCC{
			SenderSSRC: senderSSRC,
			MediaSSRC:  mediaSSRC,
			FbPktCount: count,
		},
	}
}

func (b *feedbackBuilder) setBase(sequenceNumber uint16, timeUS int64) {
	b.baseSeq = sequenceNumber
	b.refTime64MS = timeUS / referenceTimeResolutionUS
	b.lastTimestampUS = b.refTime64MS * referenceTimeResolutionUS
}

func (b *feedbackBuilder) addNotReceived() {
	if !b.lastChunk.canAdd(rtcp.TypeTCCPacketNotReceived) {
		b.chunks = append(b.chunks, b.lastChunk.emit())
	}
	b.lastChunk.add(rtcp.TypeTCCPacketNotReceived)
	b.statusCount++
}

func (b *feedbackBuilder) addReceived(timestampUS int64) bool {
	deltaUS := timestampUS - b.lastTimestampUS
	delta250 := deltaUS / deltaResolutionUS
	if delta250 < math.MinInt16 || delta250 > math.MaxInt16 {
		return false
	}

	var status uint16
	switch {
	case delta250 >= 0 && delta250 <= 0xff:
		b.deltaLen++
		status = rtcp.TypeTCCPacketReceivedSmallDelta
	default:
		b.deltaLen += 2
		status = rtcp.TypeTCCPacketReceivedLargeDelta
	}

	if !b.lastChunk.canAdd(status) {
		b.chunks = append(b.chunks, b.lastChunk.emit())
	}
	b.lastChunk.add(status)
	b.deltas = append(b.deltas, &rtcp.RecvDelta{Type: status, Delta: deltaUS})
	b.lastTimestampUS = timestampUS
	b.statusCount++
	return true
}

func (b *feedbackBuilder) build() *rtcp.TransportLayerCC {
	b.pkt.PacketStatusCount = b.statusCount
	b.pkt.ReferenceTime = uint32(b.refTime64MS)
	b.pkt.BaseSequenceNumber = b.baseSeq
	for len(b.lastChunk.symbols) > 0 {
		b.chunks = append(b.chunks, b.lastChunk.emit())
	}
	b.pkt.PacketChunks = append(b.pkt.PacketChunks, b.chunks...)
	b.pkt.RecvDeltas = b.deltas

	// 4 bytes RTCP header + 16 bytes feedback header + 2 per chunk + deltas,
	// padded up to a multiple of 4.
	padLen := 20 + len(b.pkt.PacketChunks)*2 + b.deltaLen
	padding := padLen%4 != 0
	for padLen%4 != 0 {
		padLen++
	}
	b.pkt.Header = rtcp.Header{
		Count:   rtcp.FormatTCC,
		Type:    rtcp.TypeTransportSpecificFeedback,
		Padding: padding,
		Length:  uint16((padLen / 4) - 1),
	}
	return b.pkt
}

// Chunk capacity limits from the draft.
const (
	maxRunLength = 0x1fff // 13 bits
	maxOneBitCap = 14     // symbols per one-bit status vector chunk
	maxTwoBitCap = 7      // symbols per two-bit status vector chunk
)

// chunkBuilder accumulates statuses until they no longer fit one chunk,
// then emits the smallest encoding for what it holds.
type chunkBuilder struct {
	hasLargeDelta     bool
	hasDifferentTypes bool
	symbols           []uint16
}

func (c *chunkBuilder) canAdd(status uint16) bool {
	if len(c.symbols) < maxTwoBitCap {
		return true
	}
	if len(c.symbols) < maxOneBitCap && !c.hasLargeDelta && status != rtcp.TypeTCCPacketReceivedLargeDelta {
		return true
	}
	if len(c.symbols) < maxRunLength && !c.hasDifferentTypes && status == c.symbols[0] {
		return true
	}
	return false
}

func (c *chunkBuilder) add(status uint16) {
	c.symbols = append(c.symbols, status)
	c.hasLargeDelta = c.hasLargeDelta || status == rtcp.TypeTCCPacketReceivedLargeDelta
	c.hasDifferentTypes = c.hasDifferentTypes || status != c.symbols[0]
}

func (c *chunkBuilder) emit() rtcp.PacketStatusChunk {
	if !c.hasDifferentTypes {
		defer c.reset()
		return &rtcp.RunLengthChunk{
			PacketStatusSymbol: c.symbols[0],
			RunLength:          uint16(len(c.symbols)),
		}
	}
	if len(c.symbols) == maxOneBitCap {
		defer c.reset()
		return &rtcp.StatusVectorChunk{
			SymbolSize: rtcp.TypeTCCSymbolSizeOneBit,
			SymbolList: c.symbols,
		}
	}

	take := maxTwoBitCap
	if len(c.symbols) < take {
		take = len(c.symbols)
	}
	svc := &rtcp.StatusVectorChunk{
		SymbolSize: rtcp.TypeTCCSymbolSizeTwoBit,
		SymbolList: c.symbols[:take],
	}
	c.symbols = c.symbols[take:]
	c.hasDifferentTypes = false
	c.hasLargeDelta = false
	for _, s := range c.symbols {
		if s != c.symbols[0] {
			c.hasDifferentTypes = true
		}
		if s == rtcp.TypeTCCPacketReceivedLargeDelta {
			c.hasLargeDelta = true
		}
	}
	return svc
}

func (c *chunkBuilder) reset() {
	c.symbols = nil
	c.hasLargeDelta = false
	c.hasDifferentTypes = false
}
