package p2p

import (
	"errors"
	"sync"
)

// errConnClosed is delivered to any outstanding ping completion handle when
// the peer disconnects or the connection is torn down before a Pong arrives.
var errConnClosed = errors.New("p2p: connection closed while awaiting pong")

// Conn is the per-peer wire actor that sits above the frame codec and below
// the subprotocol handlers. It owns the steady-state base-protocol dispatch
// devp2p performs on every connection regardless of which subprotocols are
// negotiated: replying to Ping with Pong, resolving outstanding pings when
// the matching Pong arrives, and disconnecting with ProtocolBreach when a
// wire-id isn't owned by Hello, Disconnect, Ping, Pong, or a negotiated
// subprotocol range.
type Conn struct {
	tr Transport

	mu          sync.Mutex
	pendingPing chan error // non-nil while a Ping reply is outstanding.
}

// NewConn wraps a handshaked transport in a wire-FSM actor.
func NewConn(tr Transport) *Conn {
	return &Conn{tr: tr}
}

// SendPing writes a Ping frame and returns a completion handle that receives
// a single value once the matching Pong is observed by Dispatch, or once the
// connection is torn down (Close or a received Disconnect delivers a non-nil
// error in that case). Concurrent calls while a ping is already outstanding share its handle
// rather than sending a second Ping.
func (c *Conn) SendPing() (<-chan error, error) {
	c.mu.Lock()
	if c.pendingPing != nil {
		ch := c.pendingPing
		c.mu.Unlock()
		return ch, nil
	}
	ch := make(chan error, 1)
	c.pendingPing = ch
	c.mu.Unlock()

	if err := c.tr.WriteMsg(Msg{Code: PingMsg}); err != nil {
		c.mu.Lock()
		if c.pendingPing == ch {
			c.pendingPing = nil
		}
		c.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// resolvePing delivers err to any outstanding ping handle and clears it.
func (c *Conn) resolvePing(err error) {
	c.mu.Lock()
	ch := c.pendingPing
	c.pendingPing = nil
	c.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

// Dispatch handles one message read from the wire that the multiplexer
// could not attribute to a negotiated subprotocol range. It returns true
// when the message was a recognized base-protocol message (Ping/Pong/
// Disconnect) and has been fully handled; false means the id is a genuine
// protocol breach and the caller must disconnect with DiscProtocolError.
func (c *Conn) Dispatch(msg Msg) (handled bool, disconnected bool) {
	switch msg.Code {
	case PingMsg:
		_ = c.tr.WriteMsg(Msg{Code: PongMsg})
		return true, false
	case PongMsg:
		c.resolvePing(nil)
		return true, false
	case DisconnectMsg:
		c.resolvePing(errConnClosed)
		return true, true
	default:
		return false, false
	}
}

// Close unblocks any goroutine awaiting a ping completion.
func (c *Conn) Close() {
	c.resolvePing(errConnClosed)
}
