package p2p

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrProtocolNotFound is returned when a message code does not match any protocol.
	ErrProtocolNotFound = errors.New("p2p: protocol not found for message code")

	// ErrMuxClosed is returned when the multiplexer has been shut down.
	ErrMuxClosed = errors.New("p2p: multiplexer closed")

	// ErrSubprotocolNotNegotiated is returned when an outbound send targets a
	// subprotocol that was not assigned a range in the offset map.
	ErrSubprotocolNotNegotiated = errors.New("p2p: subprotocol not negotiated")
)

// ProtoRW is a read-write interface scoped to a single sub-protocol's message
// id range. It offsets message ids so each protocol sees ids starting at 0.
type ProtoRW struct {
	proto  Protocol
	offset uint64 // range.Lo for this protocol: local id 0 maps to this wire id.
	hi     uint64 // range.Hi: highest wire id owned by this protocol.
	in     chan Msg
	closed chan struct{}
}

// ReadMsg reads the next message destined for this protocol. The returned
// message's Code is relative to the protocol (i.e., offset has been subtracted).
func (rw *ProtoRW) ReadMsg() (Msg, error) {
	select {
	case msg, ok := <-rw.in:
		if !ok {
			return Msg{}, ErrMuxClosed
		}
		return msg, nil
	case <-rw.closed:
		return Msg{}, ErrMuxClosed
	}
}

// Multiplexer manages multiple sub-protocols over a single transport connection.
// Each negotiated protocol is assigned a contiguous range of message ids per
// the devp2p offset-map algorithm (see offsetmap.go); ids 0-15 remain reserved
// for the base protocol and are never dispatched here.
type Multiplexer struct {
	transport Transport
	conn      *Conn // base-protocol (C5) dispatch: ping/pong, protocol breach.
	protos    []*ProtoRW

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wmu    sync.Mutex // Serializes writes to the transport.
}

// NewMultiplexer creates a multiplexer over a transport. installed is the
// locally registered subprotocol table (registry order, C6); peerCaps is the
// remote's Hello capability list, in the order the remote sent it. The offset
// map is computed deterministically from peerCaps order per the devp2p
// algorithm, so both ends of a connection must feed this function the same
// peer-supplied order they received.
func NewMultiplexer(tr Transport, installed []Protocol, peerCaps []Cap) (*Multiplexer, error) {
	ranges, err := computeOffsetMap(peerCaps, installed)
	if err != nil {
		return nil, err
	}

	mux := &Multiplexer{
		transport: tr,
		conn:      NewConn(tr),
		done:      make(chan struct{}),
	}
	for _, r := range ranges {
		rw := &ProtoRW{
			proto:  r.Proto,
			offset: r.Lo,
			hi:     r.Hi,
			in:     make(chan Msg, 16),
			closed: mux.done,
		}
		mux.protos = append(mux.protos, rw)
	}
	return mux, nil
}

// Protocols returns the ProtoRW handles for each negotiated protocol, in the
// order their ranges were assigned (i.e. peer capability order).
func (mux *Multiplexer) Protocols() []*ProtoRW {
	return mux.protos
}

// Conn returns the wire-FSM actor driving base-protocol dispatch (ping/pong,
// protocol breach) for this connection. Callers that want a completion
// handle for an application-initiated keepalive should use Conn().SendPing.
func (mux *Multiplexer) Conn() *Conn {
	return mux.conn
}

// WriteMsg sends a message for the given protocol. The code is offset by the
// protocol's range.Lo before writing to the transport.
func (mux *Multiplexer) WriteMsg(rw *ProtoRW, msg Msg) error {
	mux.mu.Lock()
	if mux.closed {
		mux.mu.Unlock()
		return ErrMuxClosed
	}
	mux.mu.Unlock()

	if rw.offset+msg.Code > rw.hi {
		return fmt.Errorf("p2p: message code %d exceeds protocol range [%d,%d]", msg.Code, rw.offset, rw.hi)
	}

	wireMsg := Msg{
		Code:    msg.Code + rw.offset,
		Size:    msg.Size,
		Payload: msg.Payload,
	}

	mux.wmu.Lock()
	defer mux.wmu.Unlock()
	return mux.transport.WriteMsg(wireMsg)
}

// ReadLoop reads messages from the transport and dispatches them to the
// appropriate protocol's channel. It blocks until the transport returns an error
// or Close is called. Returns the error that caused the loop to exit.
func (mux *Multiplexer) ReadLoop() error {
	for {
		msg, err := mux.transport.ReadMsg()
		if err != nil {
			mux.Close()
			return err
		}

		rw := mux.findProto(msg.Code)
		if rw == nil {
			if handled, shouldClose := mux.conn.Dispatch(msg); handled {
				if shouldClose {
					mux.Close()
					return ErrMuxClosed
				}
				continue
			}
			// No negotiated subprotocol owns this id and it isn't a base
			// message (Hello/Disconnect/Ping/Pong): protocol breach.
			sendDisconnect(mux.transport, DiscProtocolError)
			mux.Close()
			return ErrProtocolNotFound
		}

		localMsg := Msg{
			Code:    msg.Code - rw.offset,
			Size:    msg.Size,
			Payload: msg.Payload,
		}

		select {
		case rw.in <- localMsg:
		case <-mux.done:
			return ErrMuxClosed
		}
	}
}

// Close shuts down the multiplexer and unblocks all protocol readers.
func (mux *Multiplexer) Close() {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	if !mux.closed {
		mux.closed = true
		close(mux.done)
		mux.conn.Close()
	}
}

// findProto returns the ProtoRW that owns the given wire message id.
func (mux *Multiplexer) findProto(wireID uint64) *ProtoRW {
	for _, rw := range mux.protos {
		if wireID >= rw.offset && wireID <= rw.hi {
			return rw
		}
	}
	return nil
}
