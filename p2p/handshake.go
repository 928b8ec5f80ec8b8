package p2p

import (
	"errors"
	"fmt"

	"github.com/eth2030/eth2030/rlp"
)

// devp2p base protocol message ids. These are exchanged before any
// sub-protocol messages and are never dispatched to a subprotocol handler.
// Ids 4-15 are reserved and unused.
const (
	HelloMsg      = 0x00 // Capability handshake.
	DisconnectMsg = 0x01 // Graceful disconnect with reason.
	PingMsg       = 0x02
	PongMsg       = 0x03
)

// Handshake errors.
var (
	ErrHandshakeTimeout    = errors.New("p2p: handshake timeout")
	ErrIncompatibleVersion = errors.New("p2p: incompatible protocol version")
	ErrNoMatchingCaps      = errors.New("p2p: no matching capabilities")
)

// devp2p base protocol version. We implement v5 which is used by all modern
// Ethereum clients since the Constantinople fork.
const baseProtocolVersion = 5

// helloRLP is the RLP wire shape of a HelloPacket. Fields are positional, in
// devp2p order; unrecognized trailing list items are ignored by the decoder
// for forward compatibility.
type helloRLP struct {
	Version    uint64
	Name       string
	Caps       []Cap
	ListenPort uint64
	ID         string
}

// HelloPacket is the devp2p hello message exchanged during the capability
// handshake. Each side advertises its client identity and supported
// sub-protocol capabilities.
type HelloPacket struct {
	Version    uint64 // devp2p base protocol version (5).
	Name       string // Client identity string (e.g. "eth2030/v0.1.0").
	Caps       []Cap  // Supported sub-protocol capabilities, in sender order.
	ListenPort uint64 // TCP listening port (0 if not listening).
	ID         string // Node id (hex-encoded 64-byte uncompressed public key).
}

// EncodeHello RLP-encodes a HelloPacket for the wire.
func EncodeHello(h *HelloPacket) []byte {
	payload, err := rlp.EncodeToBytes(helloRLP{
		Version:    h.Version,
		Name:       h.Name,
		Caps:       h.Caps,
		ListenPort: h.ListenPort,
		ID:         h.ID,
	})
	if err != nil {
		// Cap and string fields always RLP-encode; a failure here indicates
		// a broken encoder, not bad input.
		panic(fmt.Sprintf("p2p: encode hello: %v", err))
	}
	return payload
}

// DecodeHello RLP-decodes a HelloPacket from the wire.
func DecodeHello(data []byte) (*HelloPacket, error) {
	var h helloRLP
	if err := rlp.DecodeBytes(data, &h); err != nil {
		return nil, fmt.Errorf("p2p: decode hello: %w", err)
	}
	return &HelloPacket{
		Version:    h.Version,
		Name:       h.Name,
		Caps:       h.Caps,
		ListenPort: h.ListenPort,
		ID:         h.ID,
	}, nil
}

// DisconnectReason is a devp2p disconnect reason code. Values match the
// Ethereum convention so the byte on the wire is meaningful to any peer
// speaking devp2p, not just this implementation.
type DisconnectReason uint8

const (
	DiscRequested            DisconnectReason = 0  // Peer requested disconnect.
	DiscNetworkError         DisconnectReason = 1  // Network error.
	DiscProtocolError        DisconnectReason = 2  // Protocol breach.
	DiscUselessPeer          DisconnectReason = 3  // No matching capabilities.
	DiscTooManyPeers         DisconnectReason = 4  // Too many peers.
	DiscAlreadyConnected     DisconnectReason = 5  // Already connected.
	DiscIncompatibleVersion  DisconnectReason = 6  // Incompatible p2p protocol version.
	DiscNullNodeIdentity     DisconnectReason = 7  // Null node identity received.
	DiscClientQuitting       DisconnectReason = 8  // Client is shutting down.
	DiscUnexpectedIdentity   DisconnectReason = 9  // Unexpected identity.
	DiscConnectedToSelf      DisconnectReason = 10 // Connected to self.
	DiscPingTimeout          DisconnectReason = 11 // Pong not received in time.
	DiscSubprotocolError     DisconnectReason = 16 // Subprotocol-specific reason.
)

// String returns a human-readable disconnect reason.
func (r DisconnectReason) String() string {
	switch r {
	case DiscRequested:
		return "requested"
	case DiscNetworkError:
		return "network error"
	case DiscProtocolError:
		return "protocol error"
	case DiscUselessPeer:
		return "useless peer"
	case DiscTooManyPeers:
		return "too many peers"
	case DiscAlreadyConnected:
		return "already connected"
	case DiscIncompatibleVersion:
		return "incompatible p2p version"
	case DiscNullNodeIdentity:
		return "null node identity"
	case DiscClientQuitting:
		return "client quitting"
	case DiscUnexpectedIdentity:
		return "unexpected identity"
	case DiscConnectedToSelf:
		return "connected to self"
	case DiscPingTimeout:
		return "ping timeout"
	case DiscSubprotocolError:
		return "subprotocol error"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// PerformHandshake exchanges hello messages with the remote peer over the
// given transport. It sends our hello and reads the remote hello concurrently.
// On success, it returns the remote HelloPacket. On failure, it sends a
// disconnect message with an appropriate reason.
func PerformHandshake(tr Transport, local *HelloPacket) (*HelloPacket, error) {
	// Send and receive concurrently to avoid deadlock on synchronous transports.
	type result struct {
		hello *HelloPacket
		err   error
	}
	recvCh := make(chan result, 1)
	sendCh := make(chan error, 1)

	go func() {
		payload := EncodeHello(local)
		err := tr.WriteMsg(Msg{
			Code:    HelloMsg,
			Size:    uint32(len(payload)),
			Payload: payload,
		})
		sendCh <- err
	}()

	go func() {
		msg, err := tr.ReadMsg()
		if err != nil {
			recvCh <- result{nil, fmt.Errorf("p2p: handshake read: %w", err)}
			return
		}
		if msg.Code == DisconnectMsg {
			reason := DisconnectReason(0xFF)
			if len(msg.Payload) > 0 {
				reason = DisconnectReason(msg.Payload[0])
			}
			recvCh <- result{nil, fmt.Errorf("p2p: remote disconnected during handshake: %s", reason)}
			return
		}
		if msg.Code != HelloMsg {
			recvCh <- result{nil, fmt.Errorf("%w: expected hello (0x%02x), got 0x%02x", errPreHelloMessage, HelloMsg, msg.Code)}
			return
		}
		remote, err := DecodeHello(msg.Payload)
		if err != nil {
			recvCh <- result{nil, err}
			return
		}
		recvCh <- result{remote, nil}
	}()

	// Wait for send to complete.
	if err := <-sendCh; err != nil {
		return nil, fmt.Errorf("p2p: handshake write: %w", err)
	}

	// Wait for receive.
	res := <-recvCh
	if res.err != nil {
		if errors.Is(res.err, errPreHelloMessage) {
			// A subprotocol message arrived before the Hello handshake completed:
			// a protocol breach, not a transport error. Tell the remote why.
			sendDisconnect(tr, DiscProtocolError)
		}
		return nil, res.err
	}

	// Reject a null node identity and a handshake with ourselves before
	// checking versions/capabilities.
	if res.hello.ID == "" {
		sendDisconnect(tr, DiscNullNodeIdentity)
		return nil, errors.New("p2p: null node identity")
	}
	if local.ID != "" && res.hello.ID == local.ID {
		sendDisconnect(tr, DiscConnectedToSelf)
		return nil, errors.New("p2p: connected to self")
	}

	// Validate version compatibility: disconnect if the peer's version is
	// higher than ours (we cannot speak their dialect).
	if res.hello.Version > baseProtocolVersion {
		sendDisconnect(tr, DiscIncompatibleVersion)
		return nil, fmt.Errorf("%w: remote=%d, local=%d", ErrIncompatibleVersion, res.hello.Version, baseProtocolVersion)
	}

	// Check for at least one matching capability.
	if !hasMatchingCap(local.Caps, res.hello.Caps) {
		sendDisconnect(tr, DiscUselessPeer)
		return nil, ErrNoMatchingCaps
	}

	return res.hello, nil
}

// sendDisconnect sends a disconnect message with the given reason.
// The write is performed in a goroutine to avoid blocking on synchronous
// transports (e.g., net.Pipe) when the remote side is no longer reading.
func sendDisconnect(tr Transport, reason DisconnectReason) {
	go func() {
		_ = tr.WriteMsg(Msg{
			Code:    DisconnectMsg,
			Size:    1,
			Payload: []byte{byte(reason)},
		})
	}()
}

// hasMatchingCap returns true if local and remote share at least one capability
// with the same name and version.
func hasMatchingCap(local, remote []Cap) bool {
	for _, lc := range local {
		for _, rc := range remote {
			if lc.Name == rc.Name && lc.Version == rc.Version {
				return true
			}
		}
	}
	return false
}

// MatchingCaps returns the list of capabilities shared between local and remote.
func MatchingCaps(local, remote []Cap) []Cap {
	var matched []Cap
	for _, lc := range local {
		for _, rc := range remote {
			if lc.Name == rc.Name && lc.Version == rc.Version {
				matched = append(matched, lc)
			}
		}
	}
	return matched
}
