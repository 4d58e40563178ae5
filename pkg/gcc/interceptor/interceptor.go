package interceptor

import (
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/thesyncim/gcc/pkg/gcc"
	"github.com/thesyncim/gcc/pkg/gcc/nack"
	"github.com/thesyncim/gcc/pkg/gcc/pacer"
	"github.com/thesyncim/gcc/pkg/gcc/twcc"
)

// paddingPayloadSize is the largest payload of a generated padding packet.
// The same cap applies to every bound stream; there is no separate
// audio-only padding size.
const paddingPayloadSize = 224

// SenderInterceptor runs the send-side congestion control stack as a Pion
// interceptor:
//
//   - outgoing RTP packets are held, enqueued into the PacedSender, and
//     written to the wire when the pacer releases them, tagged with a
//     transport-wide sequence number;
//   - incoming RTCP is scanned for transport-wide feedback (RTPFB fmt=15)
//     and REMB, which drive the SendSideController;
//   - controller target updates flow back into the pacer's rates.
type SenderInterceptor struct {
	interceptor.NoOp

	controller *gcc.SendSideController
	adapter    *gcc.TransportFeedbackAdapter
	pacer      *pacer.PacedSender

	mu         sync.Mutex
	streams    map[uint32]*localStream
	histories  map[uint32]*nack.RtpPacketHistory
	pending    map[pendingKey]*pendingPacket
	extID      uint8
	nextSeq    uint16
	rtt        time.Duration
	lastTarget gcc.TargetTransferRate
	onTarget   gcc.TargetCallback

	closed    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
}

type pendingKey struct {
	ssrc uint32
	seq  uint16
}

type pendingPacket struct {
	header     *rtp.Header
	payload    []byte
	attributes interceptor.Attributes
	writer     interceptor.RTPWriter
}

type localStream struct {
	ssrc   uint32
	writer interceptor.RTPWriter
	seq    uint16 // for generated padding
}

// Option configures the SenderInterceptor.
type Option func(*SenderInterceptor)

// WithControllerConfig overrides the controller configuration.
func WithControllerConfig(config gcc.ControllerConfig) Option {
	return func(s *SenderInterceptor) {
		s.controller = gcc.NewSendSideController(config)
	}
}

// WithOnTargetRate registers a callback for every new target transfer rate
// (e.g. to drive the encoder).
func WithOnTargetRate(cb gcc.TargetCallback) Option {
	return func(s *SenderInterceptor) {
		s.onTarget = cb
	}
}

// NewSenderInterceptor creates the interceptor with the given pacing
// configuration. The pacer's transport is the interceptor itself: released
// packets are written through the bound stream writers.
func NewSenderInterceptor(pacerConfig pacer.Config, opts ...Option) *SenderInterceptor {
	s := &SenderInterceptor{
		controller: gcc.NewSendSideController(gcc.DefaultControllerConfig()),
		adapter:    gcc.NewTransportFeedbackAdapter(gcc.DefaultFeedbackAdapterConfig()),
		streams:    make(map[uint32]*localStream),
		histories:  make(map[uint32]*nack.RtpPacketHistory),
		pending:    make(map[pendingKey]*pendingPacket),
		rtt:        100 * time.Millisecond,
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	initialRate := gcc.DataRate(300 * gcc.KilobitPerSecond).Mul(2.5)
	s.pacer = pacer.NewPacedSender(pacerConfig, (*pacerTransport)(s), initialRate)

	s.controller.OnPacingRates(func(pacing, padding gcc.DataRate) {
		s.pacer.SetPacingRates(pacing, padding)
	})
	s.controller.OnTargetTransferRate(func(target gcc.TargetTransferRate) {
		s.mu.Lock()
		s.lastTarget = target
		cb := s.onTarget
		s.mu.Unlock()
		if cb != nil {
			cb(target)
		}
	})
	return s
}

// Close shuts the worker down and waits for it.
func (s *SenderInterceptor) Close() error {
	close(s.closed)
	s.wg.Wait()
	return nil
}

// BindLocalStream wraps the writer of an outgoing stream: written packets
// are parked and enqueued into the pacer instead of going straight out.
func (s *SenderInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.processLoop()
	})

	s.mu.Lock()
	if id := FindTransportCCID(info.RTPHeaderExtensions); id != 0 {
		s.extID = id
	}
	stream := &localStream{ssrc: info.SSRC, writer: writer}
	s.streams[info.SSRC] = stream
	s.mu.Unlock()

	isAudio := strings.HasPrefix(info.MimeType, "audio/")

	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
		hdr := header.Clone()
		buf := make([]byte, len(payload))
		copy(buf, payload)

		s.mu.Lock()
		s.pending[pendingKey{ssrc: hdr.SSRC, seq: hdr.SequenceNumber}] = &pendingPacket{
			header:     &hdr,
			payload:    buf,
			attributes: attributes,
			writer:     writer,
		}
		s.mu.Unlock()

		prio := pacer.PriorityNormal
		if isAudio {
			prio = pacer.PriorityAudio
		}
		s.pacer.InsertPacket(&pacer.Packet{
			Priority: prio,
			SSRC:     hdr.SSRC,
			SeqNum:   hdr.SequenceNumber,
			Size:     gcc.DataSize(hdr.MarshalSize() + len(payload)),
			IsAudio:  isAudio,
		})
		return len(payload), nil
	})
}

// UnbindLocalStream drops the stream's bookkeeping.
func (s *SenderInterceptor) UnbindLocalStream(info *interceptor.StreamInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, info.SSRC)
	for key := range s.pending {
		if key.ssrc == info.SSRC {
			delete(s.pending, key)
		}
	}
}

// BindRTCPReader observes incoming RTCP and routes transport-wide feedback
// and REMB into the controller.
func (s *SenderInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, a, err := reader.Read(b, a)
		if err != nil || n == 0 {
			return n, a, err
		}
		s.processRTCP(b[:n])
		return n, a, err
	})
}

// processRTCP feeds feedback messages through adapter and controller.
// Malformed datagrams are dropped without state changes.
func (s *SenderInterceptor) processRTCP(raw []byte) {
	pkts, err := rtcp.Unmarshal(raw)
	if err != nil {
		return
	}
	now := time.Now()
	for _, p := range pkts {
		switch pkt := p.(type) {
		case *rtcp.TransportLayerCC:
			fb, err := twcc.Decode(pkt)
			if err != nil {
				continue
			}
			results := s.adapter.ProcessFeedback(fb, now)
			s.controller.OnTransportFeedback(results, now)
			s.pacer.UpdateOutstandingData(s.adapter.OutstandingData())
			s.controller.OnOutstandingData(s.adapter.OutstandingData(), s.pacer.QueueSizeBytes())
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			s.controller.OnReceiverEstimate(gcc.DataRate(pkt.Bitrate), now)
		case *rtcp.TransportLayerNack:
			s.mu.Lock()
			history := s.histories[pkt.MediaSSRC]
			rtt := s.rtt
			s.mu.Unlock()
			if history == nil {
				continue
			}
			var seqs []uint16
			for _, pair := range pkt.Nacks {
				pair.Range(func(seq uint16) bool {
					seqs = append(seqs, seq)
					return true
				})
			}
			history.OnReceivedNack(seqs, rtt)
		}
	}
}

// RegisterHistory attaches a retransmission cache for the given SSRC;
// incoming NACKs referencing the stream are served from it.
func (s *SenderInterceptor) RegisterHistory(ssrc uint32, history *nack.RtpPacketHistory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories[ssrc] = history
}

// SetRtt updates the round-trip time used for retransmit spacing and the
// congestion controller's decrease gating.
func (s *SenderInterceptor) SetRtt(rtt time.Duration) {
	s.mu.Lock()
	s.rtt = rtt
	histories := make([]*nack.RtpPacketHistory, 0, len(s.histories))
	for _, h := range s.histories {
		histories = append(histories, h)
	}
	s.mu.Unlock()

	for _, h := range histories {
		h.SetRtt(rtt)
	}
	s.controller.OnRttUpdate(rtt)
}

// Controller exposes the send-side controller, e.g. for RTT updates from
// an external source.
func (s *SenderInterceptor) Controller() *gcc.SendSideController {
	return s.controller
}

// Pacer exposes the paced sender, e.g. for probe cluster requests.
func (s *SenderInterceptor) Pacer() *pacer.PacedSender {
	return s.pacer
}

// processLoop is the pacer worker: sleep as advised, then tick. The
// controller's periodic processing rides the same loop.
func (s *SenderInterceptor) processLoop() {
	defer s.wg.Done()

	lastControllerTick := time.Now()
	for {
		wait := s.pacer.TimeUntilNextProcess()
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		select {
		case <-s.closed:
			return
		case <-time.After(wait):
		}
		s.pacer.Process()

		if now := time.Now(); now.Sub(lastControllerTick) >= 25*time.Millisecond {
			lastControllerTick = now
			s.controller.OnProcessInterval(now)
		}
	}
}

// pacerTransport adapts the interceptor into the pacer's Transport: the
// release path resolves the parked payload, tags the transport-wide
// sequence number and writes through the stream's writer.
type pacerTransport SenderInterceptor

func (t *pacerTransport) SendPacket(pkt *pacer.Packet, info gcc.PacedInfo) bool {
	s := (*SenderInterceptor)(t)

	s.mu.Lock()
	pending, ok := s.pending[pendingKey{ssrc: pkt.SSRC, seq: pkt.SeqNum}]
	if ok {
		delete(s.pending, pendingKey{ssrc: pkt.SSRC, seq: pkt.SeqNum})
	}
	extID := s.extID
	seq := s.nextSeq
	s.nextSeq++
	s.mu.Unlock()

	if !ok {
		// Payload already dropped (stream unbound); count the pop as done.
		return true
	}

	if extID != 0 {
		ext, err := (&rtp.TransportCCExtension{TransportSequence: seq}).Marshal()
		if err == nil {
			_ = pending.header.SetExtension(extID, ext)
		}
	}

	now := time.Now()
	s.adapter.AddPacket(gcc.SentPacket{
		TransportSeq: int64(seq),
		SSRC:         pkt.SSRC,
		Size:         pkt.Size,
		Info:         info,
		IsRetransmit: pkt.IsRetransmit,
		IsAudio:      pkt.IsAudio,
	}, now)

	if _, err := pending.writer.Write(pending.header, pending.payload, pending.attributes); err != nil {
		return false
	}
	s.adapter.OnSentPacket(seq, now)
	return true
}

func (t *pacerTransport) SendPadding(bytes gcc.DataSize, info gcc.PacedInfo) gcc.DataSize {
	s := (*SenderInterceptor)(t)

	s.mu.Lock()
	var stream *localStream
	for _, st := range s.streams {
		stream = st
		break
	}
	if stream == nil {
		s.mu.Unlock()
		return 0
	}
	extID := s.extID
	s.mu.Unlock()

	var sent gcc.DataSize
	for sent < bytes {
		size := gcc.DataSize(paddingPayloadSize)
		if remaining := bytes - sent; remaining < size {
			size = remaining
		}

		s.mu.Lock()
		seq := s.nextSeq
		s.nextSeq++
		stream.seq++
		paddingSeq := stream.seq
		s.mu.Unlock()

		header := &rtp.Header{
			Version:        2,
			Padding:        true,
			SSRC:           stream.ssrc,
			SequenceNumber: paddingSeq,
		}
		if extID != 0 {
			ext, err := (&rtp.TransportCCExtension{TransportSequence: seq}).Marshal()
			if err == nil {
				_ = header.SetExtension(extID, ext)
			}
		}
		payload := make([]byte, size)
		payload[len(payload)-1] = byte(len(payload))

		now := time.Now()
		s.adapter.AddPacket(gcc.SentPacket{
			TransportSeq: int64(seq),
			SSRC:         stream.ssrc,
			Size:         size,
			Info:         info,
			IsPadding:    true,
		}, now)

		if _, err := stream.writer.Write(header, payload, nil); err != nil {
			break
		}
		s.adapter.OnSentPacket(seq, now)
		sent += size
	}
	return sent
}
