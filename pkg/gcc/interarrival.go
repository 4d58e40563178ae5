package gcc

import "time"

// DefaultSendBurstThreshold is the default time window for grouping packets
// into send bursts. Packets sent within this window of the group's first
// packet are considered one burst (typically a single video frame leaving
// the pacer back to back).
const DefaultSendBurstThreshold = 5 * time.Millisecond

// DefaultArrivalBurstThreshold bounds a group on the arrival side: a packet
// sent outside the send burst still joins the group when it arrived within
// this window of the group's last arrival and its propagation delta is
// negative (it caught up with the burst in a queue).
const DefaultArrivalBurstThreshold = 5 * time.Millisecond

// PacketGroup represents a group of packets that were sent in one burst.
// Grouping reduces noise in delay variation measurements: the delay detector
// compares groups, not individual packets.
type PacketGroup struct {
	// FirstSendTime is the send time of the first packet in the group.
	FirstSendTime time.Time

	// LastSendTime is the send time of the last packet in the group.
	// Inter-group send deltas are computed from this.
	LastSendTime time.Time

	// FirstArrivalTime is the remote arrival time of the first packet.
	FirstArrivalTime time.Time

	// LastArrivalTime is the remote arrival time of the last packet.
	// Inter-group arrival deltas are computed from this.
	LastArrivalTime time.Time

	// Size is the total bytes of all packets in the group.
	Size DataSize

	// NumPackets is the count of packets in the group.
	NumPackets int
}

// GroupDeltas is one inter-group measurement produced by the grouper.
type GroupDeltas struct {
	// SendDelta is the difference between the groups' last send times.
	SendDelta time.Duration

	// ArrivalDelta is the difference between the groups' last arrival times.
	ArrivalDelta time.Duration

	// SizeDelta is the size difference between the groups.
	SizeDelta DataSize

	// LastSendTime and LastArrivalTime identify the newer group.
	LastSendTime    time.Time
	LastArrivalTime time.Time
}

// InterArrivalGrouper groups acknowledged packets into send bursts and
// computes the delay variation d(i) = arrival_delta - send_delta between
// consecutive groups.
//
// Positive delay variation indicates queue building (congestion).
// Negative delay variation indicates queue draining (underutilization).
type InterArrivalGrouper struct {
	sendBurstThreshold    time.Duration
	arrivalBurstThreshold time.Duration

	currentGroup  *PacketGroup
	previousGroup *PacketGroup
}

// NewInterArrivalGrouper creates a grouper with the given burst thresholds.
// Non-positive thresholds fall back to the defaults (5 ms each).
func NewInterArrivalGrouper(sendBurst, arrivalBurst time.Duration) *InterArrivalGrouper {
	if sendBurst <= 0 {
		sendBurst = DefaultSendBurstThreshold
	}
	if arrivalBurst <= 0 {
		arrivalBurst = DefaultArrivalBurstThreshold
	}
	return &InterArrivalGrouper{
		sendBurstThreshold:    sendBurst,
		arrivalBurstThreshold: arrivalBurst,
	}
}

// belongsToGroup reports whether the packet continues the current group.
// A packet belongs when it was sent within the send burst window of the
// group's first packet, or when it arrived within the arrival burst window
// while its inter-packet propagation delta is negative (the packet caught
// up with the burst inside a queue).
func (g *InterArrivalGrouper) belongsToGroup(res PacketResult) bool {
	if g.currentGroup == nil {
		return false
	}
	sendDelta := res.SendTime.Sub(g.currentGroup.FirstSendTime)
	if sendDelta <= g.sendBurstThreshold {
		return true
	}
	arrivalDelta := res.ArrivalTime.Sub(g.currentGroup.LastArrivalTime)
	propagation := arrivalDelta - res.SendTime.Sub(g.currentGroup.LastSendTime)
	return arrivalDelta >= 0 && arrivalDelta <= g.arrivalBurstThreshold && propagation < 0
}

// AddPacket processes one acknowledged packet and returns the inter-group
// deltas when a new measurement completes.
//
// Packets must be fed in arrival order (the feedback adapter guarantees
// this). A packet whose send time precedes the current group's last send
// time is a reordering artifact and is dropped without producing deltas.
func (g *InterArrivalGrouper) AddPacket(res PacketResult) (deltas GroupDeltas, ok bool) {
	if g.currentGroup != nil && res.SendTime.Before(g.currentGroup.LastSendTime) {
		// Reordered in the pacer or on the wire; ignore.
		return GroupDeltas{}, false
	}

	if g.belongsToGroup(res) {
		g.currentGroup.LastSendTime = res.SendTime
		g.currentGroup.LastArrivalTime = res.ArrivalTime
		g.currentGroup.Size += res.Size
		g.currentGroup.NumPackets++
		return GroupDeltas{}, false
	}

	if g.currentGroup != nil {
		g.previousGroup = g.currentGroup
	}
	g.currentGroup = &PacketGroup{
		FirstSendTime:    res.SendTime,
		LastSendTime:     res.SendTime,
		FirstArrivalTime: res.ArrivalTime,
		LastArrivalTime:  res.ArrivalTime,
		Size:             res.Size,
		NumPackets:       1,
	}

	if g.previousGroup == nil {
		return GroupDeltas{}, false
	}

	arrivalDelta := g.currentGroup.LastArrivalTime.Sub(g.previousGroup.LastArrivalTime)
	if arrivalDelta < 0 {
		// Arrival reordering across groups invalidates the measurement;
		// restart from this group.
		g.previousGroup = nil
		return GroupDeltas{}, false
	}

	return GroupDeltas{
		SendDelta:       g.currentGroup.LastSendTime.Sub(g.previousGroup.LastSendTime),
		ArrivalDelta:    arrivalDelta,
		SizeDelta:       g.currentGroup.Size - g.previousGroup.Size,
		LastSendTime:    g.currentGroup.LastSendTime,
		LastArrivalTime: g.currentGroup.LastArrivalTime,
	}, true
}

// Reset clears the grouper state. Call after a long send gap or a stream
// reset.
func (g *InterArrivalGrouper) Reset() {
	g.currentGroup = nil
	g.previousGroup = nil
}
