package node

import (
	"errors"
	"fmt"
	"log"
	"sync"

	ethcrypto "github.com/eth2030/eth2030/crypto"
	"github.com/eth2030/eth2030/p2p"
)

// Node is the top-level eth2030 process. This module implements the devp2p
// peer networking layer only, so Node owns the P2P/RLPx server plus the
// generic lifecycle and health-check machinery; it does not wire a
// blockchain, transaction pool, or RPC/Engine API server.
type Node struct {
	config    *Config
	p2pServer *p2p.Server
	lifecycle *LifecycleManager
	health    *HealthChecker

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// New creates a new Node with the given configuration. It initializes the
// P2P server and registers it with the lifecycle manager and health
// checker, but does not start any network services.
func New(config *Config) (*Node, error) {
	if config == nil {
		c := DefaultConfig()
		config = &c
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	staticKey, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate node identity: %w", err)
	}

	n := &Node{
		config: config,
		stop:   make(chan struct{}),
	}

	n.p2pServer = p2p.NewServer(p2p.Config{
		ListenAddr: config.P2PAddr(),
		MaxPeers:   config.MaxPeers,
		EnableRLPx: true,
		Name:       config.Name,
		StaticKey:  staticKey,
		ListenPort: uint64(config.P2PPort),
	})

	n.lifecycle = NewLifecycleManager(DefaultLifecycleConfig())
	if err := n.lifecycle.Register(&p2pService{srv: n.p2pServer}, 0); err != nil {
		return nil, fmt.Errorf("register p2p service: %w", err)
	}

	n.health = NewHealthChecker()
	n.health.RegisterSubsystem("p2p", &p2pHealthChecker{srv: n.p2pServer})

	return n, nil
}

// Start starts all node subsystems in lifecycle priority order.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return errors.New("node already running")
	}

	log.Printf("Starting eth2030 node (network=%s)", n.config.Network)

	if errs := n.lifecycle.StartAll(); len(errs) > 0 {
		return fmt.Errorf("start node: %v", errs)
	}
	log.Printf("P2P server listening on %s", n.p2pServer.ListenAddr())

	n.running = true
	log.Println("Node started successfully")
	return nil
}

// Stop gracefully shuts down all subsystems in reverse lifecycle order.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}

	log.Println("Stopping eth2030 node...")

	if errs := n.lifecycle.StopAll(); len(errs) > 0 {
		log.Printf("errors during shutdown: %v", errs)
	}

	n.running = false
	close(n.stop)
	log.Println("Node stopped")
	return nil
}

// Wait blocks until the node is stopped.
func (n *Node) Wait() {
	<-n.stop
}

// P2PServer returns the node's P2P server.
func (n *Node) P2PServer() *p2p.Server {
	return n.p2pServer
}

// Config returns the node configuration.
func (n *Node) Config() *Config {
	return n.config
}

// Running reports whether the node is currently running.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// Health returns a consolidated health report for all registered subsystems.
func (n *Node) Health() *HealthReport {
	return n.health.CheckAll()
}

// p2pService adapts *p2p.Server to the lifecycle Service interface.
type p2pService struct {
	srv *p2p.Server
}

func (s *p2pService) Name() string { return "p2p" }
func (s *p2pService) Start() error { return s.srv.Start() }
func (s *p2pService) Stop() error  { s.srv.Stop(); return nil }

// p2pHealthChecker reports the P2P server as healthy whenever it is running.
type p2pHealthChecker struct {
	srv *p2p.Server
}

func (c *p2pHealthChecker) Check() *SubsystemHealth {
	if !c.srv.Running() {
		return &SubsystemHealth{Status: StatusUnhealthy, Message: "p2p server not running"}
	}
	return &SubsystemHealth{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d peers connected", c.srv.PeerCount()),
	}
}
