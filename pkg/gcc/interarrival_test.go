package gcc

import (
	"testing"
	"time"
)

func result(send, arrival time.Time, size DataSize) PacketResult {
	return PacketResult{
		SentPacket: SentPacket{SendTime: send, Size: size},
		ArrivalTime: arrival,
		Received:    true,
	}
}

func TestInterArrivalGrouper_SingleGroupNoResult(t *testing.T) {
	g := NewInterArrivalGrouper(0, 0)
	base := time.Unix(1000, 0)

	// All packets within one 5ms send burst: no deltas yet.
	for i := 0; i < 5; i++ {
		offset := time.Duration(i) * time.Millisecond
		if _, ok := g.AddPacket(result(base.Add(offset), base.Add(20*time.Millisecond+offset), 1200)); ok {
			t.Fatalf("packet %d produced deltas inside a single group", i)
		}
	}
}

func TestInterArrivalGrouper_TwoGroupsProduceDeltas(t *testing.T) {
	g := NewInterArrivalGrouper(0, 0)
	base := time.Unix(1000, 0)

	// Group 1: two packets at t=0, t=1ms.
	g.AddPacket(result(base, base.Add(10*time.Millisecond), 1000))
	g.AddPacket(result(base.Add(time.Millisecond), base.Add(11*time.Millisecond), 1000))

	// Group 2 starts at t=20ms and immediately pairs with group 1.
	deltas, ok := g.AddPacket(result(base.Add(20*time.Millisecond), base.Add(32*time.Millisecond), 500))
	if !ok {
		t.Fatal("expected deltas when the second group starts")
	}

	// send delta: 20ms - 1ms = 19ms; arrival delta: 32ms - 11ms = 21ms.
	if deltas.SendDelta != 19*time.Millisecond {
		t.Errorf("SendDelta = %v, want 19ms", deltas.SendDelta)
	}
	if deltas.ArrivalDelta != 21*time.Millisecond {
		t.Errorf("ArrivalDelta = %v, want 21ms", deltas.ArrivalDelta)
	}
	if deltas.SizeDelta != 500-2000 {
		t.Errorf("SizeDelta = %d, want -1500", deltas.SizeDelta)
	}
}

func TestInterArrivalGrouper_ReorderedSendDropped(t *testing.T) {
	g := NewInterArrivalGrouper(0, 0)
	base := time.Unix(1000, 0)

	g.AddPacket(result(base.Add(10*time.Millisecond), base.Add(20*time.Millisecond), 1000))
	// Send time going backwards: must be ignored.
	if _, ok := g.AddPacket(result(base, base.Add(21*time.Millisecond), 1000)); ok {
		t.Fatal("reordered packet must not produce deltas")
	}
}

func TestInterArrivalGrouper_ArrivalReorderAcrossGroupsResets(t *testing.T) {
	g := NewInterArrivalGrouper(0, 0)
	base := time.Unix(1000, 0)

	g.AddPacket(result(base, base.Add(30*time.Millisecond), 1000))
	// Next group arrives BEFORE the previous one: measurement invalid.
	if _, ok := g.AddPacket(result(base.Add(10*time.Millisecond), base.Add(20*time.Millisecond), 1000)); ok {
		t.Fatal("arrival reorder must not produce deltas")
	}
}

func TestInterArrivalGrouper_Reset(t *testing.T) {
	g := NewInterArrivalGrouper(0, 0)
	base := time.Unix(1000, 0)

	g.AddPacket(result(base, base.Add(10*time.Millisecond), 1000))
	g.Reset()

	// After reset the next group start yields nothing (no previous
	// group).
	if _, ok := g.AddPacket(result(base.Add(20*time.Millisecond), base.Add(30*time.Millisecond), 1000)); ok {
		t.Fatal("first group after reset must not produce deltas")
	}
}
