package p2p

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	ethcrypto "github.com/eth2030/eth2030/crypto"
)

// Config holds the configuration for a P2P Server.
type Config struct {
	// ListenAddr is the TCP address to listen on (e.g., ":30303").
	ListenAddr string

	// MaxPeers is the maximum number of connected peers.
	MaxPeers int

	// Protocols is the list of supported sub-protocols.
	Protocols []Protocol

	// EnableRLPx enables the RLPx encrypted transport (ECIES handshake +
	// MAC-chained framing). When false, connections use plaintext framing,
	// useful for tests that exercise protocol logic without cryptography.
	EnableRLPx bool

	// Name is the client identity string sent in the hello handshake.
	// Defaults to "ETH2030" if empty.
	Name string

	// NodeID is the local node identifier sent during handshake.
	// If empty, a random ID is generated at start.
	NodeID string

	// StaticKey is the node's long-term secp256k1 identity key, used as the
	// RLPx static key during the ECIES handshake. If nil and EnableRLPx is
	// set, a key is generated at Start.
	StaticKey *ecdsa.PrivateKey

	// ListenPort is the advertised TCP listening port (0 = auto-detect).
	ListenPort uint64

	// Dialer is the interface used for outbound connections.
	// If nil, a TCPDialer is used.
	Dialer Dialer

	// Listener is the interface for accepting inbound connections.
	// If nil, a TCPListener is created from ListenAddr.
	Listener Listener

	// DisableHandshake disables the devp2p hello handshake, for backward
	// compatibility with tests that connect raw TCP clients without
	// performing a handshake exchange.
	DisableHandshake bool
}

// Protocol represents a sub-protocol that runs on top of the devp2p connection.
type Protocol struct {
	Name    string
	Version uint
	Length  uint64 // Number of message codes used by this protocol.

	// Run is called for each peer that supports this protocol.
	// It should read/write messages and return when done.
	Run func(peer *Peer, t Transport) error
}

// Server manages TCP connections and peer lifecycle.
type Server struct {
	config   Config
	listener Listener
	dialer   Dialer
	peers    *ManagedPeerSet
	connLim  *ConnLim // admission policy: subnet caps, rate limiting, dedup.
	localID  string   // Node ID used in handshake.

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewServer creates a new P2P server with the given configuration.
func NewServer(cfg Config) *Server {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 25
	}
	if cfg.Name == "" {
		cfg.Name = "ETH2030"
	}
	localID := cfg.NodeID
	if localID == "" {
		localID = randomID()
	}
	connLimCfg := DefaultConnLimConfig()
	connLimCfg.MaxPeers = cfg.MaxPeers
	return &Server{
		config:  cfg,
		dialer:  cfg.Dialer,
		peers:   NewManagedPeerSet(cfg.MaxPeers),
		connLim: NewConnLim(connLimCfg),
		localID: localID,
		quit:    make(chan struct{}),
	}
}

// Start begins listening for incoming connections.
func (srv *Server) Start() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.running {
		return errors.New("p2p: server already running")
	}

	// Set up the dialer.
	if srv.dialer == nil {
		srv.dialer = &TCPDialer{}
	}

	// Set up the listener.
	if srv.config.Listener != nil {
		srv.listener = srv.config.Listener
	} else {
		ln, err := net.Listen("tcp", srv.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("p2p: listen error: %w", err)
		}
		srv.listener = NewTCPListener(ln)
	}

	if srv.config.EnableRLPx {
		if srv.config.StaticKey == nil {
			key, err := ethcrypto.GenerateKey()
			if err != nil {
				return fmt.Errorf("p2p: generate static key: %w", err)
			}
			srv.config.StaticKey = key
		}
		// The node id advertised in Hello must match the identity the RLPx
		// transport authenticates, i.e. the raw 64-byte static public key.
		srv.localID = hex.EncodeToString(ethcrypto.MarshalPubkey64(&srv.config.StaticKey.PublicKey))
	}

	srv.running = true

	srv.wg.Add(1)
	go srv.listenLoop()
	return nil
}

// Stop shuts down the server and disconnects all peers.
func (srv *Server) Stop() {
	srv.mu.Lock()
	if !srv.running {
		srv.mu.Unlock()
		return
	}
	srv.running = false
	close(srv.quit)
	srv.listener.Close()
	srv.mu.Unlock()

	srv.wg.Wait()
	srv.peers.Close()
}

// ListenAddr returns the actual listen address (useful when using ":0").
func (srv *Server) ListenAddr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

// AddPeer dials the given address and adds the connection as a peer. It is
// only valid when the server is running in plaintext mode (EnableRLPx false);
// RLPx connections must go through AddPeerWithKey since the ECIES handshake
// needs the remote's static public key to encrypt the auth message.
func (srv *Server) AddPeer(addr string) error {
	return srv.dialPeer(addr, nil)
}

// AddPeerWithKey dials the given address and performs the RLPx handshake
// against the given remote static public key.
func (srv *Server) AddPeerWithKey(addr string, remoteStaticPub *ecdsa.PublicKey) error {
	return srv.dialPeer(addr, remoteStaticPub)
}

func (srv *Server) dialPeer(addr string, remoteStaticPub *ecdsa.PublicKey) error {
	ct, err := srv.dialer.Dial(addr)
	if err != nil {
		return err
	}

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		srv.setupConn(ct, true, remoteStaticPub)
	}()
	return nil
}

// PeerCount returns the number of connected peers.
func (srv *Server) PeerCount() int {
	return srv.peers.Len()
}

// PeersList returns a snapshot of connected peers.
func (srv *Server) PeersList() []*Peer {
	return srv.peers.Peers()
}

// Running returns whether the server is currently running.
func (srv *Server) Running() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.running
}

func (srv *Server) listenLoop() {
	defer srv.wg.Done()

	for {
		ct, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-srv.quit:
				return
			default:
				log.Printf("p2p: accept error: %v", err)
				continue
			}
		}

		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.setupConn(ct, false, nil)
		}()
	}
}

// localHello builds the local hello packet from the server's configuration.
func (srv *Server) localHello() *HelloPacket {
	caps := make([]Cap, len(srv.config.Protocols))
	for i, p := range srv.config.Protocols {
		caps[i] = Cap{Name: p.Name, Version: p.Version}
	}
	return &HelloPacket{
		Version:    baseProtocolVersion,
		Name:       srv.config.Name,
		Caps:       caps,
		ListenPort: srv.config.ListenPort,
		ID:         srv.localID,
	}
}

// setupConn handles a new connection: performs the handshake, creates a
// peer, and runs all matching protocols via the multiplexer.
func (srv *Server) setupConn(ct ConnTransport, dialed bool, remoteStaticPub *ecdsa.PublicKey) {
	var tr Transport = ct
	var peerID string
	var peerCaps []Cap

	switch {
	case srv.config.EnableRLPx:
		conn := ct.(*FrameConnTransport).FrameTransport.conn
		codec, hello, err := FullHandshake(conn, srv.config.StaticKey, remoteStaticPub, dialed, srv.localHello())
		if err != nil {
			ct.Close()
			return
		}
		codec.StartKeepalive()
		tr = codec
		peerID = hello.ID
		peerCaps = hello.Caps

	case !srv.config.DisableHandshake:
		remoteHello, err := PerformHandshake(tr, srv.localHello())
		if err != nil {
			tr.Close()
			return
		}
		peerID = remoteHello.ID
		peerCaps = remoteHello.Caps

	default:
		// Legacy mode: generate a random peer ID with no handshake.
		peerID = randomID()
	}

	peer := NewPeer(peerID, ct.RemoteAddr(), peerCaps)

	dir := ConnInbound
	if dialed {
		dir = ConnOutbound
	}
	remoteIP := remoteIPOf(ct.RemoteAddr())
	if err := srv.connLim.CanConnect(peerID, remoteIP, dir, false, false); err != nil {
		reason := DiscTooManyPeers
		if errors.Is(err, ErrConnLimDuplicate) || errors.Is(err, ErrConnLimAlreadyTracked) {
			reason = DiscAlreadyConnected
		}
		sendDisconnect(tr, reason)
		tr.Close()
		return
	}
	if err := srv.connLim.AddConn(peerID, remoteIP, dir, false, false); err != nil {
		sendDisconnect(tr, DiscTooManyPeers)
		tr.Close()
		return
	}

	if err := srv.peers.Add(peer); err != nil {
		srv.connLim.RemoveConn(peerID)
		sendDisconnect(tr, DiscTooManyPeers)
		tr.Close()
		return
	}

	defer func() {
		srv.connLim.RemoveConn(peerID)
		srv.peers.Remove(peer.ID())
		tr.Close()
	}()

	protos := srv.config.Protocols
	if len(protos) == 0 {
		// No protocol handler; wait until quit.
		<-srv.quit
		return
	}

	// Single protocol: run directly (backwards compatible with existing tests).
	if len(protos) == 1 {
		proto := protos[0]
		if proto.Run != nil {
			proto.Run(peer, tr)
		}
		return
	}

	// Multiple protocols: use multiplexer.
	mux, err := NewMultiplexer(tr, protos, peerCaps)
	if err != nil {
		log.Printf("p2p: offset map: %v", err)
		return
	}

	// Start the read loop in the background.
	readErr := make(chan error, 1)
	go func() {
		readErr <- mux.ReadLoop()
	}()

	// Run each protocol in its own goroutine.
	var protoWG sync.WaitGroup
	for _, rw := range mux.Protocols() {
		protoWG.Add(1)
		go func(rw *ProtoRW) {
			defer protoWG.Done()
			if rw.proto.Run != nil {
				// Create a multiplexed transport adapter.
				adapter := &muxTransportAdapter{mux: mux, rw: rw}
				rw.proto.Run(peer, adapter)
			}
		}(rw)
	}

	// Wait for the read loop to end (connection closed) or all protocols to finish.
	done := make(chan struct{})
	go func() {
		protoWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		mux.Close()
	case <-readErr:
		mux.Close()
		protoWG.Wait()
	case <-srv.quit:
		mux.Close()
		protoWG.Wait()
	}
}

// muxTransportAdapter wraps the multiplexer to implement the Transport interface
// for a single protocol.
type muxTransportAdapter struct {
	mux *Multiplexer
	rw  *ProtoRW
}

func (a *muxTransportAdapter) ReadMsg() (Msg, error) {
	return a.rw.ReadMsg()
}

func (a *muxTransportAdapter) WriteMsg(msg Msg) error {
	return a.mux.WriteMsg(a.rw, msg)
}

func (a *muxTransportAdapter) Close() error {
	a.mux.Close()
	return nil
}

// remoteIPOf extracts the IP portion of a ConnTransport.RemoteAddr() string,
// returning nil if it cannot be parsed (e.g. pipe-based test transports whose
// RemoteAddr is not a host:port pair).
func remoteIPOf(addr string) net.IP {
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.ParseIP(addr)
	}
	return net.ParseIP(host)
}

// randomID generates a random 32-byte hex-encoded peer ID.
func randomID() string {
	var b [32]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
