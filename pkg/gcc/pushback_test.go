package gcc

import (
	"testing"
)

func TestCongestionWindowPushback_DisabledWithoutWindow(t *testing.T) {
	c := NewCongestionWindowPushback(DefaultPushbackConfig())
	c.UpdateOutstandingData(1_000_000)
	if got := c.UpdateTargetBitrate(500 * KilobitPerSecond); got != 500*KilobitPerSecond {
		t.Errorf("pushback without window = %v, want unchanged", got)
	}
}

func TestCongestionWindowPushback_EmptyWindowKeepsTarget(t *testing.T) {
	c := NewCongestionWindowPushback(DefaultPushbackConfig())
	c.SetDataWindow(60_000)
	c.UpdateOutstandingData(0)
	for i := 0; i < 50; i++ {
		if got := c.UpdateTargetBitrate(500 * KilobitPerSecond); got != 500*KilobitPerSecond {
			t.Fatalf("iteration %d: target = %v, want unchanged with empty window", i, got)
		}
	}
}

func TestCongestionWindowPushback_OverfullWindowThrottles(t *testing.T) {
	// Outstanding 1.5x over the window: the eased ratio converges to its
	// floor and the 100 kbps target collapses to the pushback minimum.
	c := NewCongestionWindowPushback(DefaultPushbackConfig())
	c.SetDataWindow(60_000)
	c.UpdateOutstandingData(90_000)

	var got DataRate
	for i := 0; i < 200; i++ {
		got = c.UpdateTargetBitrate(100 * KilobitPerSecond)
	}
	if got != 30*KilobitPerSecond {
		t.Errorf("throttled target = %v, want 30 Kb/s (pushback floor)", got)
	}
	if ratio := c.EncodingRatio(); ratio != 0.1 {
		t.Errorf("encoding ratio = %f, want floor 0.1", ratio)
	}
}

func TestCongestionWindowPushback_RecoversWhenDrained(t *testing.T) {
	c := NewCongestionWindowPushback(DefaultPushbackConfig())
	c.SetDataWindow(60_000)
	c.UpdateOutstandingData(90_000)
	for i := 0; i < 200; i++ {
		c.UpdateTargetBitrate(100 * KilobitPerSecond)
	}

	// Window drains: the ratio eases back up and the target recovers.
	c.UpdateOutstandingData(0)
	var got DataRate
	for i := 0; i < 500; i++ {
		got = c.UpdateTargetBitrate(100 * KilobitPerSecond)
	}
	if got < 95*KilobitPerSecond {
		t.Errorf("recovered target = %v, want near 100 Kb/s", got)
	}
}

func TestCongestionWindowPushback_PacingQueueCounts(t *testing.T) {
	c := NewCongestionWindowPushback(DefaultPushbackConfig())
	c.SetDataWindow(60_000)
	c.UpdateOutstandingData(30_000)
	c.UpdatePacingQueue(60_000)

	// Combined fill is 1.5x the window: same as the overfull case.
	var got DataRate
	for i := 0; i < 200; i++ {
		got = c.UpdateTargetBitrate(100 * KilobitPerSecond)
	}
	if got != 30*KilobitPerSecond {
		t.Errorf("throttled target = %v, want 30 Kb/s", got)
	}
}
