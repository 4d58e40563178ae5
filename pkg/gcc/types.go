// Package gcc implements send-side congestion control for RTP transports:
// delay-based overuse detection, probe and loss based bandwidth estimation,
// and the transport-wide feedback plumbing that drives them.
package gcc

import "time"

// BandwidthUsage represents the current bandwidth usage state as determined
// by the delay-based detector.
type BandwidthUsage int

const (
	// BwNormal indicates bandwidth usage is normal - no congestion detected.
	BwNormal BandwidthUsage = iota
	// BwUnderusing indicates the link is underutilized - can increase rate.
	BwUnderusing
	// BwOverusing indicates congestion detected - should decrease rate.
	BwOverusing
)

// String returns a string representation of the BandwidthUsage state.
func (b BandwidthUsage) String() string {
	switch b {
	case BwNormal:
		return "Normal"
	case BwUnderusing:
		return "Underusing"
	case BwOverusing:
		return "Overusing"
	default:
		return "Unknown"
	}
}

// NoProbeCluster marks a packet that is not part of a probe cluster.
const NoProbeCluster = -1

// PacedInfo carries pacing metadata attached to a packet when the pacer
// releases it. A ProbeClusterID of NoProbeCluster denotes a regular packet.
type PacedInfo struct {
	// ProbeClusterID identifies the probe cluster this packet belongs to,
	// or NoProbeCluster for ordinary media/padding.
	ProbeClusterID int

	// ProbeClusterMinBytes is the minimum number of bytes the cluster must
	// send before it can be retired.
	ProbeClusterMinBytes DataSize

	// SendBitrate is the pacer's send bitrate estimate when the packet
	// was released.
	SendBitrate DataRate
}

// IsProbe reports whether the packet was sent as part of a probe cluster.
func (p PacedInfo) IsProbe() bool {
	return p.ProbeClusterID != NoProbeCluster
}

// SentPacket describes a packet released by the pacer, tracked in the
// feedback adapter's send window keyed by transport-wide sequence number.
type SentPacket struct {
	// TransportSeq is the unwrapped (64-bit) transport-wide sequence number.
	TransportSeq int64

	// SSRC of the media stream the packet belongs to.
	SSRC uint32

	// SendTime is when the pacer handed the packet to the transport.
	// Zero until the transport reports the packet sent.
	SendTime time.Time

	// Size is the packet size on the wire.
	Size DataSize

	// Info is the pacing metadata tagged at release time.
	Info PacedInfo

	// IsRetransmit marks packets resent from the history cache.
	IsRetransmit bool

	// IsPadding marks pacer-generated padding.
	IsPadding bool

	// IsAudio marks audio packets (they may bypass pacing).
	IsAudio bool

	// Acknowledged is set once feedback has reported on the packet, either
	// as received or lost. Used for outstanding-data accounting.
	Acknowledged bool
}

// PacketResult is one entry of a processed transport-wide feedback report:
// a sent packet joined with its arrival report.
type PacketResult struct {
	SentPacket

	// ArrivalTime is the remote arrival time recovered from feedback.
	// Only valid when Received is true.
	ArrivalTime time.Time

	// Received is false when the feedback reported the packet as lost.
	Received bool
}

// TargetTransferRate is the congestion controller's output: the rate the
// encoder and pacer should aim for.
type TargetTransferRate struct {
	// Target is the instantaneous target rate.
	Target DataRate

	// StableTarget is a conservative target that ignores short-lived
	// increases; suitable for layer allocation decisions.
	StableTarget DataRate

	// AtTime is when the target was computed.
	AtTime time.Time
}
