package federation

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tenzik-dev/tenzik-core/protocol"
	"github.com/tenzik-dev/tenzik-core/runtime"
)

// NodeConfig describes how to start one federation participant.
type NodeConfig struct {
	ListenAddr   string
	DBPath       string
	Name         string
	InitialPeers []string
	Signer       *runtime.Signer
	Gossip       GossipConfig
}

// DefaultNodeConfig mirrors the prototype's defaults.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		ListenAddr: "127.0.0.1:9000",
		DBPath:     ".tenzik",
		Name:       "tenzik-node",
		Gossip:     DefaultGossipConfig(),
	}
}

// softwareVersion is stamped into every NodeAnnounce event this binary
// produces.
const softwareVersion = "1.0.0"

// Node ties together the event DAG, the gossip driver, and a TCP listener
// into one running federation participant.
type Node struct {
	config NodeConfig
	dag    *EventDAG
	signer *runtime.Signer
	gossip *GossipProtocol
	log    *logrus.Entry

	mu        sync.Mutex
	sequence  uint64
	startedAt time.Time
	listener  net.Listener
	cancel    context.CancelFunc
}

// NewNode opens the DAG store at cfg.DBPath, generating a signing key if
// cfg.Signer is nil.
func NewNode(ctx context.Context, cfg NodeConfig) (*Node, error) {
	signer := cfg.Signer
	if signer == nil {
		var err error
		signer, err = runtime.GenerateSigner()
		if err != nil {
			return nil, err
		}
	}

	dag, err := OpenEventDAG(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	log := logrus.WithFields(logrus.Fields{"component": "node", "name": cfg.Name})

	return &Node{
		config:   cfg,
		dag:      dag,
		signer:   signer,
		gossip:   NewGossipProtocol(dag, cfg.Gossip, log),
		log:      log,
		sequence: 1,
	}, nil
}

// PublicKey returns this node's hex-encoded Ed25519 public key.
func (n *Node) PublicKey() string { return n.signer.NodeID() }

// ListenAddress returns the configured listen address.
func (n *Node) ListenAddress() string { return n.config.ListenAddr }

// DAGStats returns the current event DAG summary.
func (n *Node) DAGStats() (protocol.DAGStats, error) { return n.dag.GetStats() }

// ConnectedPeers returns a snapshot of this node's gossip peer table.
func (n *Node) ConnectedPeers() []*PeerInfo { return n.gossip.GetPeers() }

// Start binds the listener, announces this node to the DAG, registers every
// configured initial peer with the gossip driver (the first sync round
// makes the actual connection), and launches the gossip driver. It returns
// once the listener is bound and the announcement has been attempted; a
// failed announcement is logged, not returned. The accept loop and gossip
// driver run in the background until ctx is canceled.
func (n *Node) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", n.config.ListenAddr)
	if err != nil {
		return wrapError(ErrNetwork, "failed to bind listen address", err)
	}

	n.mu.Lock()
	n.listener = listener
	n.startedAt = time.Now()
	n.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.gossip.SetSelfAddress(n.config.ListenAddr)

	if err := n.announceSelf(); err != nil {
		n.log.WithError(err).Warn("failed to record self-announcement")
	}

	for _, peer := range n.config.InitialPeers {
		n.gossip.AddPeer(peer, "")
		n.log.WithField("peer", peer).Info("registered initial peer")
	}

	go n.gossip.Serve(runCtx, listener)
	go n.gossip.Start(runCtx)

	return nil
}

func (n *Node) announceSelf() error {
	tips, err := n.dag.GetTips()
	if err != nil {
		return err
	}
	parents := tipIDs(tips)

	info := protocol.NodeInfo{
		PublicKey: n.PublicKey(),
		Address:   n.config.ListenAddr,
		Name:      n.config.Name,
		Version:   softwareVersion,
	}

	ev, err := protocol.NewNodeAnnounceEvent(info, []string{"receipt", "federation"}, parents, n.nextSequence(), n.PublicKey(), n.signer)
	if err != nil {
		return err
	}
	return n.dag.AddEvent(ev)
}

func tipIDs(tips []*protocol.Event) []string {
	ids := make([]string, len(tips))
	for i, t := range tips {
		ids[i] = t.ID
	}
	return ids
}

func (n *Node) nextSequence() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	seq := n.sequence
	n.sequence++
	return seq
}

// Submit runs capsule against input under limits, wraps the resulting
// receipt in a signed event whose parents are the current DAG tips, adds
// it to the local DAG, and returns the receipt to the caller. Propagation
// to peers happens on the next periodic gossip sync.
func (n *Node) Submit(ctx context.Context, executor *runtime.Executor, capsule runtime.Capsule, input []byte, limits runtime.ResourceLimits) (*runtime.ExecutionReceipt, error) {
	receipt, err := executor.Execute(ctx, capsule, input, limits)
	if err != nil {
		return nil, err
	}

	tips, err := n.dag.GetTips()
	if err != nil {
		return receipt, err
	}

	ev, err := protocol.NewReceiptEvent(receipt, tipIDs(tips), n.nextSequence(), n.PublicKey(), n.signer)
	if err != nil {
		return receipt, err
	}
	if err := n.dag.AddEvent(ev); err != nil {
		return receipt, err
	}
	return receipt, nil
}

// AddEvent inserts a locally-produced event (for example a heartbeat) into
// the DAG directly.
func (n *Node) AddEvent(ev *protocol.Event) error {
	return n.dag.AddEvent(ev)
}

// Shutdown records a NodeLeave event, stops the gossip driver and accept
// loop, and closes the DAG store.
func (n *Node) Shutdown() error {
	tips, err := n.dag.GetTips()
	if err == nil {
		ev, evErr := protocol.NewNodeLeaveEvent("graceful shutdown", tipIDs(tips), n.nextSequence(), n.PublicKey(), n.signer)
		if evErr == nil {
			if addErr := n.dag.AddEvent(ev); addErr != nil {
				n.log.WithError(addErr).Warn("failed to record leave event")
			}
		}
	}

	if n.cancel != nil {
		n.cancel()
	}
	n.mu.Lock()
	listener := n.listener
	n.mu.Unlock()
	if listener != nil {
		listener.Close()
	}
	return n.dag.Close()
}
