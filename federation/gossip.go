package federation

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tenzik-dev/tenzik-core/protocol"
)

// GossipConfig tunes the periodic sync and liveness-check driver.
type GossipConfig struct {
	SyncInterval     time.Duration
	MaxEventsPerSync int
	PeerTimeout      time.Duration
	MaxConcurrentSyncs int
	PingInterval     time.Duration
	OrphanBufferSize int
}

// DefaultGossipConfig mirrors the prototype's tuning: a sync every five
// seconds, up to a hundred events per round, five concurrent syncs, and a
// ten-second ping cadence.
func DefaultGossipConfig() GossipConfig {
	return GossipConfig{
		SyncInterval:       5 * time.Second,
		MaxEventsPerSync:   100,
		PeerTimeout:        30 * time.Second,
		MaxConcurrentSyncs: 5,
		PingInterval:       10 * time.Second,
		OrphanBufferSize:   defaultOrphanCapacity,
	}
}

// GossipStats accumulates counters describing gossip activity since the
// node started.
type GossipStats struct {
	mu sync.Mutex

	SyncAttempts     uint64
	SyncSuccesses    uint64
	SyncFailures     uint64
	EventsSent       uint64
	EventsReceived   uint64
	DuplicateEvents  uint64
	RejectedEvents   uint64
	AvgSyncLatencyMS float64
}

// recordSyncLatency counts one successful sync and folds its latency into
// the running mean over all successful syncs.
func (s *GossipStats) recordSyncLatency(ms float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.SyncSuccesses
	s.AvgSyncLatencyMS = (s.AvgSyncLatencyMS*float64(n) + ms) / float64(n+1)
	s.SyncSuccesses = n + 1
}

// Snapshot returns a copy of the current counters, safe to read
// concurrently with ongoing gossip activity.
func (s *GossipStats) Snapshot() GossipStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return GossipStats{
		SyncAttempts:     s.SyncAttempts,
		SyncSuccesses:    s.SyncSuccesses,
		SyncFailures:     s.SyncFailures,
		EventsSent:       s.EventsSent,
		EventsReceived:   s.EventsReceived,
		DuplicateEvents:  s.DuplicateEvents,
		RejectedEvents:   s.RejectedEvents,
		AvgSyncLatencyMS: s.AvgSyncLatencyMS,
	}
}

// GossipProtocol drives replication of the event DAG with a set of peers:
// a periodic sync loop, a periodic liveness ping, and handlers for
// messages arriving from peers that connected to us.
type GossipProtocol struct {
	config GossipConfig
	dag    *EventDAG
	peers  *peerTable
	stats  *GossipStats
	orphans *orphanBuffer
	log    *logrus.Entry

	mu          sync.Mutex
	activeSyncs map[string]struct{}
	selfAddress string
}

// NewGossipProtocol constructs a driver over dag using cfg.
func NewGossipProtocol(dag *EventDAG, cfg GossipConfig, log *logrus.Entry) *GossipProtocol {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &GossipProtocol{
		config:      cfg,
		dag:         dag,
		peers:       newPeerTable(),
		stats:       &GossipStats{},
		orphans:     newOrphanBuffer(cfg.OrphanBufferSize),
		log:         log.WithField("component", "gossip"),
		activeSyncs: make(map[string]struct{}),
	}
}

// SetSelfAddress records the address this node listens on, announced in
// outgoing Sync requests so a peer we dial from an ephemeral client port
// can still attribute events it sends us back to our peer-table entry.
func (g *GossipProtocol) SetSelfAddress(address string) {
	g.mu.Lock()
	g.selfAddress = address
	g.mu.Unlock()
}

func (g *GossipProtocol) selfAddr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.selfAddress
}

// AddPeer registers a peer as a sync candidate.
func (g *GossipProtocol) AddPeer(address, publicKey string) {
	g.peers.add(address, publicKey)
}

// RemovePeer forgets a peer entirely.
func (g *GossipProtocol) RemovePeer(address string) {
	g.peers.remove(address)
	g.mu.Lock()
	delete(g.activeSyncs, address)
	g.mu.Unlock()
}

// GetPeers returns a snapshot of every known peer.
func (g *GossipProtocol) GetPeers() []*PeerInfo { return g.peers.snapshot() }

// ReachablePeerCount returns how many known peers are currently marked
// reachable.
func (g *GossipProtocol) ReachablePeerCount() int { return g.peers.reachableCount() }

// Stats returns a snapshot of accumulated gossip counters.
func (g *GossipProtocol) Stats() GossipStats { return g.stats.Snapshot() }

// Start runs the sync and ping loops until ctx is canceled.
func (g *GossipProtocol) Start(ctx context.Context) {
	syncTicker := time.NewTicker(g.config.SyncInterval)
	pingTicker := time.NewTicker(g.config.PingInterval)
	defer syncTicker.Stop()
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			g.syncWithPeers(ctx)
		case <-pingTicker.C:
			g.pingPeers(ctx)
		}
	}
}

// syncWithPeers launches concurrent sync rounds against up to
// MaxConcurrentSyncs eligible peers, taken in no particular order.
func (g *GossipProtocol) syncWithPeers(ctx context.Context) {
	g.mu.Lock()
	active := make(map[string]struct{}, len(g.activeSyncs))
	for k := range g.activeSyncs {
		active[k] = struct{}{}
	}
	g.mu.Unlock()

	candidates := g.peers.candidatesForSync(active, g.config.SyncInterval, g.config.MaxConcurrentSyncs, time.Now)

	var wg sync.WaitGroup
	for _, peer := range candidates {
		g.mu.Lock()
		g.activeSyncs[peer.Address] = struct{}{}
		g.mu.Unlock()

		wg.Add(1)
		go func(p *PeerInfo) {
			defer wg.Done()
			defer func() {
				g.mu.Lock()
				delete(g.activeSyncs, p.Address)
				g.mu.Unlock()
			}()
			g.syncWithPeer(ctx, p)
		}(peer)
	}
	wg.Wait()
}

// syncWithPeer performs one Sync/Events/Ack round trip against a single
// peer over a real TCP connection.
func (g *GossipProtocol) syncWithPeer(ctx context.Context, peer *PeerInfo) {
	g.stats.mu.Lock()
	g.stats.SyncAttempts++
	g.stats.mu.Unlock()

	start := time.Now()
	err := g.doSync(peer)
	latency := time.Since(start)

	if err != nil {
		g.log.WithError(err).WithField("peer", peer.Address).Warn("sync failed")
		g.stats.mu.Lock()
		g.stats.SyncFailures++
		g.stats.mu.Unlock()
		g.peers.markSyncResult(peer.Address, false, time.Now)
		return
	}

	g.stats.recordSyncLatency(float64(latency.Milliseconds()))
	g.peers.markSyncResult(peer.Address, true, time.Now)
}

func (g *GossipProtocol) doSync(peer *PeerInfo) error {
	conn, err := dialPeer(peer.Address, g.config.PeerTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := &GossipMessage{
		Kind:        MsgSync,
		Since:       peer.SyncCursor,
		Limit:       g.config.MaxEventsPerSync,
		FromAddress: g.selfAddr(),
	}
	resp, err := sendRequest(conn, req, g.config.PeerTimeout)
	if err != nil {
		return err
	}
	if resp.Kind != MsgEvents {
		return newError(ErrNetwork, "peer replied with an unexpected message kind")
	}

	accepted, rejected := g.ingestEvents(resp.Events)
	g.peers.recordEventsReceived(peer.Address, uint64(len(resp.Events)))
	g.peers.advanceCursor(peer.Address, lastEventID(resp.Events))

	ack := &GossipMessage{Kind: MsgAck, Count: accepted, Rejected: rejected}
	return writeFrame(conn, ack)
}

// lastEventID returns the ID of the last event in events (the newest under
// the (timestamp, id) ascending order GetEventsSince returns them in), or
// "" if events is empty.
func lastEventID(events []*protocol.Event) string {
	if len(events) == 0 {
		return ""
	}
	return events[len(events)-1].ID
}

// ingestEvents adds each event to the local DAG, resolving any buffered
// orphans that were waiting on it, and returns the count accepted plus the
// IDs rejected outright.
func (g *GossipProtocol) ingestEvents(events []*protocol.Event) (accepted int, rejected []string) {
	for _, ev := range events {
		existed, _ := g.dag.HasEvent(ev.ID)
		if err := g.dag.AddEvent(ev); err != nil {
			if missing, ok := missingParentID(err); ok {
				g.orphans.add(missing, ev)
			}
			rejected = append(rejected, ev.ID)
			g.stats.mu.Lock()
			g.stats.RejectedEvents++
			g.stats.mu.Unlock()
			continue
		}

		g.stats.mu.Lock()
		g.stats.EventsReceived++
		if existed {
			g.stats.DuplicateEvents++
		}
		g.stats.mu.Unlock()
		accepted++

		for _, resolved := range g.orphans.resolve(ev.ID) {
			a, r := g.ingestEvents([]*protocol.Event{resolved})
			accepted += a
			rejected = append(rejected, r...)
		}
	}
	return accepted, rejected
}

// missingParentID extracts the parent ID named in a "parent event not
// found: <id>" validation error, if that's what err is.
func missingParentID(err error) (string, bool) {
	fedErr, ok := err.(*Error)
	if !ok || fedErr.Kind != ErrValidation {
		return "", false
	}
	const prefix = "parent event not found: "
	if idx := strings.Index(fedErr.Context, prefix); idx >= 0 {
		return fedErr.Context[idx+len(prefix):], true
	}
	return "", false
}

func (g *GossipProtocol) pingPeers(ctx context.Context) {
	for _, peer := range g.peers.snapshot() {
		go func(p *PeerInfo) {
			conn, err := dialPeer(p.Address, g.config.PeerTimeout)
			if err != nil {
				g.peers.markSyncResult(p.Address, false, time.Now)
				return
			}
			defer conn.Close()

			req := &GossipMessage{Kind: MsgPing, PingTimestampMS: time.Now().UnixMilli()}
			resp, err := sendRequest(conn, req, g.config.PeerTimeout)
			if err != nil || resp.Kind != MsgPong {
				g.peers.markSyncResult(p.Address, false, time.Now)
				return
			}
			g.peers.markSyncResult(p.Address, true, time.Now)
		}(peer)
	}
}

// HandleMessage dispatches an inbound message from a connection that
// reached us. Sync, Ping and Events each get one response frame on conn;
// an Ack gets none.
func (g *GossipProtocol) HandleMessage(conn net.Conn, msg *GossipMessage) error {
	switch msg.Kind {
	case MsgSync:
		return g.handleSyncRequest(conn, msg)
	case MsgPing:
		return g.handlePing(conn, msg)
	case MsgEvents:
		return g.handleUnsolicitedEvents(conn, msg)
	case MsgAck:
		return nil
	default:
		return newError(ErrNetwork, "unknown gossip message kind")
	}
}

func (g *GossipProtocol) handleSyncRequest(conn net.Conn, msg *GossipMessage) error {
	if msg.FromAddress != "" {
		g.peers.add(msg.FromAddress, "")
	}

	limit := msg.Limit
	if limit <= 0 || limit > g.config.MaxEventsPerSync {
		limit = g.config.MaxEventsPerSync
	}
	events, err := g.dag.GetEventsSince(msg.Since)
	if err != nil {
		return err
	}
	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	resp := &GossipMessage{Kind: MsgEvents, Events: events, HasMore: hasMore}
	if err := writeFrame(conn, resp); err != nil {
		return err
	}
	g.stats.mu.Lock()
	g.stats.EventsSent += uint64(len(events))
	g.stats.mu.Unlock()

	// The requester Acks once it has processed our Events response; reading
	// it back lets us attribute what we just sent to its peer-table entry
	// instead of leaving that bookkeeping permanently unreachable.
	ack, err := readFrame(conn)
	if err == nil && ack.Kind == MsgAck && msg.FromAddress != "" {
		g.peers.recordEventsSent(msg.FromAddress, uint64(len(events)))
	}
	return nil
}

// handleUnsolicitedEvents accepts an Events push that did not follow one of
// our own Sync requests (a peer proactively forwarding newly produced
// events) and acknowledges it.
func (g *GossipProtocol) handleUnsolicitedEvents(conn net.Conn, msg *GossipMessage) error {
	accepted, rejected := g.ingestEvents(msg.Events)
	return writeFrame(conn, &GossipMessage{Kind: MsgAck, Count: accepted, Rejected: rejected})
}

func (g *GossipProtocol) handlePing(conn net.Conn, msg *GossipMessage) error {
	resp := &GossipMessage{
		Kind:            MsgPong,
		PingTimestampMS: msg.PingTimestampMS,
		PongTimestampMS: time.Now().UnixMilli(),
	}
	return writeFrame(conn, resp)
}

// Serve accepts inbound gossip connections on listener until ctx is
// canceled, handling exactly one request per connection.
func (g *GossipProtocol) Serve(ctx context.Context, listener net.Listener) {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.log.WithError(err).Warn("accept failed")
			continue
		}
		go g.serveConn(conn)
	}
}

func (g *GossipProtocol) serveConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(g.config.PeerTimeout))

	msg, err := readFrame(conn)
	if err != nil {
		g.log.WithError(err).Debug("failed to read inbound frame")
		return
	}
	if err := g.HandleMessage(conn, msg); err != nil {
		g.log.WithError(err).Debug("failed to handle inbound message")
	}
}
