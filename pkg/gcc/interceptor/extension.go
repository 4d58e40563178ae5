// Package interceptor provides a Pion WebRTC interceptor that runs the
// send-side congestion control stack: outgoing RTP packets are tagged with
// transport-wide sequence numbers and released through the pacer, and
// incoming RTCP feedback drives the bandwidth estimator.
package interceptor

import (
	"github.com/pion/interceptor"
)

// RTP header extension URIs used by the send side.
const (
	// TransportCCURI is the URI for the transport-wide sequence number
	// extension (2 bytes).
	TransportCCURI = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"
)

// FindExtensionID searches for an extension with the given URI in the list
// of negotiated RTP header extensions and returns its ID.
//
// Returns 0 if the extension is not found. Extension ID 0 is invalid per
// RFC 5285, so callers should treat a return value of 0 as "extension not
// available".
func FindExtensionID(exts []interceptor.RTPHeaderExtension, uri string) uint8 {
	for _, ext := range exts {
		if ext.URI == uri {
			return uint8(ext.ID)
		}
	}
	return 0
}

// FindTransportCCID is a convenience function that searches for the
// transport-wide congestion control extension ID.
//
// Returns 0 if the extension was not negotiated.
func FindTransportCCID(exts []interceptor.RTPHeaderExtension) uint8 {
	return FindExtensionID(exts, TransportCCURI)
}
