package gcc_test

// Whole-loop validation: paced sender -> simulated link -> feedback
// recorder -> feedback adapter -> controller -> pacing rates. Everything
// runs on a mock clock, so the scenarios are deterministic.

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/gcc/pkg/gcc"
	"github.com/thesyncim/gcc/pkg/gcc/internal"
	"github.com/thesyncim/gcc/pkg/gcc/pacer"
	"github.com/thesyncim/gcc/pkg/gcc/twcc"
)

// steadyVector builds n feedback results with fixed send spacing and a
// per-packet arrival drift (arrival spacing = sendSpacing + drift). Mirrors
// the helper in delay_based_test.go, duplicated here because this file
// lives in the external gcc_test package to avoid an import cycle with
// pacer.
func steadyVector(base time.Time, n int, sendSpacing, drift time.Duration) []gcc.PacketResult {
	results := make([]gcc.PacketResult, 0, n)
	arrival := base.Add(30 * time.Millisecond)
	send := base
	for i := 0; i < n; i++ {
		results = append(results, gcc.PacketResult{
			SentPacket:  gcc.SentPacket{SendTime: send, Size: 1200, Info: gcc.PacedInfo{ProbeClusterID: gcc.NoProbeCluster}},
			ArrivalTime: arrival,
			Received:    true,
		})
		send = send.Add(sendSpacing)
		arrival = arrival.Add(sendSpacing + drift)
	}
	return results
}

// simLink serializes released packets at a fixed capacity and records their
// arrivals for feedback generation.
type simLink struct {
	clock     *internal.MockClock
	capacity  gcc.DataRate
	delay     time.Duration
	adapter   *gcc.TransportFeedbackAdapter
	recorder  *twcc.Recorder
	nextSeq   uint16
	busyUntil time.Time
}

func (l *simLink) deliver(size gcc.DataSize) {
	now := l.clock.Now()
	seq := l.nextSeq
	l.nextSeq++

	l.adapter.AddPacket(gcc.SentPacket{
		TransportSeq: int64(seq),
		SSRC:         0xabc,
		Size:         size,
		Info:         gcc.PacedInfo{ProbeClusterID: gcc.NoProbeCluster},
	}, now)
	l.adapter.OnSentPacket(seq, now)

	serialization := time.Duration(float64(size.Bits()) / float64(l.capacity) * float64(time.Second))
	departure := now
	if l.busyUntil.After(now) {
		departure = l.busyUntil
	}
	l.busyUntil = departure.Add(serialization)
	arrival := l.busyUntil.Add(l.delay)

	l.recorder.Record(0xabc, seq, arrival.UnixMicro())
}

func (l *simLink) SendPacket(pkt *pacer.Packet, _ gcc.PacedInfo) bool {
	l.deliver(pkt.Size)
	return true
}

func (l *simLink) SendPadding(bytes gcc.DataSize, _ gcc.PacedInfo) gcc.DataSize {
	l.deliver(bytes)
	return bytes
}

// runLoop drives the closed loop for the given duration and returns the
// final target rate.
func runLoop(t *testing.T, capacity gcc.DataRate, runFor time.Duration) gcc.DataRate {
	t.Helper()

	clock := internal.NewMockClock(time.Time{})
	controller := gcc.NewSendSideController(gcc.DefaultControllerConfig())
	adapter := gcc.NewTransportFeedbackAdapter(gcc.DefaultFeedbackAdapterConfig())
	link := &simLink{
		clock:    clock,
		capacity: capacity,
		delay:    30 * time.Millisecond,
		adapter:  adapter,
		recorder: twcc.NewRecorder(twcc.RecorderConfig{SenderSSRC: 1}),
	}

	pacerConfig := pacer.DefaultConfig()
	pacerConfig.Clock = clock
	sender := pacer.NewPacedSender(pacerConfig, link, 750*gcc.KilobitPerSecond)
	controller.OnPacingRates(func(pacing, padding gcc.DataRate) {
		sender.SetPacingRates(pacing, padding)
	})

	var seq uint16
	var carry gcc.DataSize
	const tick = 5 * time.Millisecond

	for elapsed := time.Duration(0); elapsed < runFor; elapsed += tick {
		clock.Advance(tick)
		now := clock.Now()

		// The media source produces at the current target rate in 1200-byte
		// packets; fractional bytes carry over between ticks.
		target := controller.TargetRate()
		if target == 0 {
			target = 300 * gcc.KilobitPerSecond
		}
		carry += target.For(tick)
		for carry >= 1200 {
			carry -= 1200
			sender.InsertPacket(&pacer.Packet{
				Priority: pacer.PriorityNormal,
				SSRC:     0xabc,
				SeqNum:   seq,
				Size:     1200,
			})
			seq++
		}

		sender.Process()

		if link.recorder.ShouldSend(now) {
			for _, p := range link.recorder.BuildFeedback(now) {
				fb, err := twcc.Decode(p.(*rtcp.TransportLayerCC))
				require.NoError(t, err)
				results := adapter.ProcessFeedback(fb, now)
				controller.OnTransportFeedback(results, now)
			}
			sender.UpdateOutstandingData(adapter.OutstandingData())
		}
	}
	return controller.TargetRate()
}

func TestClosedLoop_RampsUpOnCleanLink(t *testing.T) {
	// A 10 Mbps link never congests a 300 kbps start: the target must grow.
	target := runLoop(t, 10*gcc.MegabitPerSecond, 20*time.Second)
	assert.Greater(t, target, 400*gcc.KilobitPerSecond, "target should ramp on a clean link")
}

func TestClosedLoop_StaysBoundedOnTightLink(t *testing.T) {
	// On a 1 Mbps link the loop must neither collapse nor run away: the
	// acknowledged-rate tether and the delay detector bound the target to
	// the capacity region.
	target := runLoop(t, 1*gcc.MegabitPerSecond, 30*time.Second)
	assert.Greater(t, target, 150*gcc.KilobitPerSecond, "target must not collapse")
	assert.Less(t, target, gcc.DataRate(1*gcc.MegabitPerSecond).Mul(1.6), "target must stay near capacity")
}

func TestClosedLoop_NoBogusTargets(t *testing.T) {
	clock := internal.NewMockClock(time.Time{})
	controller := gcc.NewSendSideController(gcc.DefaultControllerConfig())

	var targets []gcc.TargetTransferRate
	controller.OnTargetTransferRate(func(tr gcc.TargetTransferRate) {
		targets = append(targets, tr)
	})

	// Hammer the controller with alternating clean and lossy vectors.
	for i := 0; i < 100; i++ {
		clock.Advance(100 * time.Millisecond)
		now := clock.Now()
		vec := steadyVector(now, 30, 6*time.Millisecond, 0)
		if i%3 == 0 {
			for j := range vec {
				if j%2 == 0 {
					vec[j].Received = false
					vec[j].ArrivalTime = time.Time{}
				}
			}
		}
		controller.OnTransportFeedback(vec, now)
	}

	for _, tr := range targets {
		require.Greater(t, tr.Target, gcc.DataRate(0))
		require.LessOrEqual(t, tr.StableTarget, tr.Target)
	}
}
