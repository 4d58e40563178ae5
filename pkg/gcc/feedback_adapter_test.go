package gcc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/gcc/pkg/gcc/twcc"
)

func TestSequenceUnwrapper_Monotonic(t *testing.T) {
	var u SequenceUnwrapper
	assert.Equal(t, int64(10), u.Unwrap(10))
	assert.Equal(t, int64(11), u.Unwrap(11))
	assert.Equal(t, int64(9), u.Unwrap(9), "small step back stays in range")
}

func TestSequenceUnwrapper_WrapAround(t *testing.T) {
	var u SequenceUnwrapper
	u.Unwrap(65534)
	u.Unwrap(65535)
	assert.Equal(t, int64(65536), u.Unwrap(0), "wrap must continue the 64-bit space")
	assert.Equal(t, int64(65537), u.Unwrap(1))
	// A late report for a pre-wrap sequence resolves backwards.
	assert.Equal(t, int64(65535), u.UnwrapWithoutUpdate(65535))
}

func addPacket(a *TransportFeedbackAdapter, seq uint16, size DataSize, now time.Time) {
	a.AddPacket(SentPacket{
		TransportSeq: int64(seq),
		SSRC:         0x1234,
		Size:         size,
		Info:         PacedInfo{ProbeClusterID: NoProbeCluster},
	}, now)
	a.OnSentPacket(seq, now)
}

func feedbackFor(base uint16, refUS int64, reports ...twcc.PacketReport) *twcc.Feedback {
	return &twcc.Feedback{
		BaseSequenceNumber: base,
		ReferenceTimeUS:    refUS,
		Reports:            reports,
	}
}

func TestTransportFeedbackAdapter_JoinAndOutstanding(t *testing.T) {
	a := NewTransportFeedbackAdapter(DefaultFeedbackAdapterConfig())
	now := time.Unix(1000, 0)

	addPacket(a, 1, 100, now)
	addPacket(a, 2, 100, now)
	addPacket(a, 3, 100, now)
	require.Equal(t, DataSize(300), a.OutstandingData())

	fb := feedbackFor(1, 64_000,
		twcc.PacketReport{SequenceNumber: 1, Received: true, ArrivalUS: 64_250},
		twcc.PacketReport{SequenceNumber: 2, Received: false},
		twcc.PacketReport{SequenceNumber: 3, Received: true, ArrivalUS: 64_750},
	)
	results := a.ProcessFeedback(fb, now.Add(50*time.Millisecond))
	require.Len(t, results, 3)

	// Received packets sort first by arrival; the loss sorts last.
	assert.True(t, results[0].Received)
	assert.Equal(t, int64(1), results[0].TransportSeq)
	assert.True(t, results[1].Received)
	assert.Equal(t, int64(3), results[1].TransportSeq)
	assert.False(t, results[2].Received)
	assert.Equal(t, int64(2), results[2].TransportSeq)

	// Every reported packet stops counting as outstanding.
	assert.Equal(t, DataSize(0), a.OutstandingData())
}

func TestTransportFeedbackAdapter_DuplicateFeedbackIgnored(t *testing.T) {
	a := NewTransportFeedbackAdapter(DefaultFeedbackAdapterConfig())
	now := time.Unix(1000, 0)

	addPacket(a, 7, 500, now)
	fb := feedbackFor(7, 64_000,
		twcc.PacketReport{SequenceNumber: 7, Received: true, ArrivalUS: 64_250})

	first := a.ProcessFeedback(fb, now)
	require.Len(t, first, 1)

	// The same report again: already acknowledged, must not reappear or
	// double-subtract outstanding bytes.
	second := a.ProcessFeedback(fb, now)
	assert.Empty(t, second)
	assert.Equal(t, DataSize(0), a.OutstandingData())
}

func TestTransportFeedbackAdapter_UnknownSequenceSkipped(t *testing.T) {
	a := NewTransportFeedbackAdapter(DefaultFeedbackAdapterConfig())
	now := time.Unix(1000, 0)

	addPacket(a, 1, 100, now)
	fb := feedbackFor(1, 64_000,
		twcc.PacketReport{SequenceNumber: 1, Received: true, ArrivalUS: 64_250},
		twcc.PacketReport{SequenceNumber: 2, Received: true, ArrivalUS: 64_500})

	results := a.ProcessFeedback(fb, now)
	require.Len(t, results, 1, "never-registered sequence must be skipped")
	assert.Equal(t, int64(1), results[0].TransportSeq)
}

func TestTransportFeedbackAdapter_SizeEviction(t *testing.T) {
	config := DefaultFeedbackAdapterConfig()
	config.MaxWindowSize = 10
	a := NewTransportFeedbackAdapter(config)
	now := time.Unix(1000, 0)

	for seq := uint16(0); seq < 25; seq++ {
		addPacket(a, seq, 100, now)
	}
	assert.LessOrEqual(t, a.WindowSize(), 10)
}

func TestTransportFeedbackAdapter_AgeEviction(t *testing.T) {
	a := NewTransportFeedbackAdapter(DefaultFeedbackAdapterConfig())
	now := time.Unix(1000, 0)

	addPacket(a, 1, 100, now)
	// A packet added 2 minutes later evicts the stale entry.
	addPacket(a, 2, 100, now.Add(2*time.Minute))
	assert.Equal(t, 1, a.WindowSize())

	// Feedback for the evicted packet is skipped.
	fb := feedbackFor(1, 64_000,
		twcc.PacketReport{SequenceNumber: 1, Received: true, ArrivalUS: 64_250})
	results := a.ProcessFeedback(fb, now.Add(2*time.Minute))
	assert.Empty(t, results)
}

func TestTransportFeedbackAdapter_UnsentPacketSkipped(t *testing.T) {
	a := NewTransportFeedbackAdapter(DefaultFeedbackAdapterConfig())
	now := time.Unix(1000, 0)

	// Registered but never confirmed sent: feedback for it is not joined.
	a.AddPacket(SentPacket{TransportSeq: 5, Size: 100}, now)
	fb := feedbackFor(5, 64_000,
		twcc.PacketReport{SequenceNumber: 5, Received: true, ArrivalUS: 64_250})
	results := a.ProcessFeedback(fb, now)
	assert.Empty(t, results)
}
