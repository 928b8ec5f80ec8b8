package p2p

import "errors"

// baseMsgIDSpace is the number of reserved base-protocol message ids
// (0=Hello, 1=Disconnect, 2=Ping, 3=Pong; 4-15 unused/reserved).
const baseMsgIDSpace = 16

var (
	// ErrDuplicateCapabilityName is returned when a peer's Hello advertises
	// the same capability name more than once. devp2p disallows this because
	// outbound send lookup resolves "first range supporting identifier",
	// which would otherwise be ambiguous.
	ErrDuplicateCapabilityName = errors.New("p2p: duplicate capability name in hello")
)

// offsetRange is one entry of the subprotocol-offset-map: a contiguous band
// of wire message ids assigned to a single negotiated subprotocol.
type offsetRange struct {
	Lo, Hi uint64 // inclusive bounds; local ids 0..(Hi-Lo) map to Lo..Hi.
	Proto  Protocol
}

// contains reports whether the wire-id falls within this range.
func (r offsetRange) contains(wireID uint64) bool { return wireID >= r.Lo && wireID <= r.Hi }

// firstInstalledMatching returns the first installed protocol whose name and
// version exactly match cap, or nil if none does.
func firstInstalledMatching(installed []Protocol, cap Cap) *Protocol {
	for i := range installed {
		if installed[i].Name == cap.Name && installed[i].Version == cap.Version {
			return &installed[i]
		}
	}
	return nil
}

// computeOffsetMap implements the devp2p offset-map algorithm exactly:
//
//	start = 16
//	for cap in peer_capabilities (in peer order):
//	    sp = first installed subprotocol supporting (cap.name, cap.version)
//	    if sp exists:
//	        n = sp.message_space_size(cap.version)
//	        emit range [start+1, start+n+1] -> sp
//	        start += n + 1
//
// The peer's capability order is significant and must be preserved; sorting
// it (e.g. alphabetically) desynchronizes the two sides' offset maps.
// Duplicate capability names in peerCaps are rejected, since the algorithm's
// "first installed subprotocol supporting" rule is otherwise ambiguous.
func computeOffsetMap(peerCaps []Cap, installed []Protocol) ([]offsetRange, error) {
	seen := make(map[string]bool, len(peerCaps))
	for _, c := range peerCaps {
		if seen[c.Name] {
			return nil, ErrDuplicateCapabilityName
		}
		seen[c.Name] = true
	}

	var ranges []offsetRange
	start := uint64(baseMsgIDSpace)
	for _, c := range peerCaps {
		sp := firstInstalledMatching(installed, c)
		if sp == nil {
			continue
		}
		n := sp.Length
		lo := start + 1
		hi := start + n + 1
		ranges = append(ranges, offsetRange{Lo: lo, Hi: hi, Proto: *sp})
		start += n + 1
	}
	return ranges, nil
}
