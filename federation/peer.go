package federation

import (
	"sync"
	"time"
)

// PeerInfo tracks what a node knows about one gossip partner.
type PeerInfo struct {
	Address        string
	PublicKey      string
	LastSync       time.Time
	EventsSent     uint64
	EventsReceived uint64
	IsReachable    bool

	// SyncCursor is the ID of the most recent event this node has pulled
	// from this peer, passed back as the next Sync request's Since field so
	// repeated rounds make forward progress instead of re-fetching the same
	// head-truncated slice every time.
	SyncCursor string
}

// peerTable is a concurrency-safe map of known peers, keyed by address.
type peerTable struct {
	mu    sync.Mutex
	peers map[string]*PeerInfo
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[string]*PeerInfo)}
}

func (t *peerTable) add(address, publicKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.peers[address]; exists {
		return
	}
	t.peers[address] = &PeerInfo{Address: address, PublicKey: publicKey, IsReachable: true}
}

func (t *peerTable) remove(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, address)
}

func (t *peerTable) get(address string) (*PeerInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[address]
	return p, ok
}

func (t *peerTable) snapshot() []*PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		copied := *p
		out = append(out, &copied)
	}
	return out
}

// candidatesForSync returns up to max peers eligible for a new sync round:
// reachable, not already mid-sync, and either never synced or idle longer
// than minInterval.
func (t *peerTable) candidatesForSync(active map[string]struct{}, minInterval time.Duration, max int, nowFn func() time.Time) []*PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*PeerInfo
	for addr, p := range t.peers {
		if _, busy := active[addr]; busy {
			continue
		}
		if !p.IsReachable {
			continue
		}
		if !p.LastSync.IsZero() && nowFn().Sub(p.LastSync) < minInterval {
			continue
		}
		copied := *p
		out = append(out, &copied)
		if len(out) >= max {
			break
		}
	}
	return out
}

func (t *peerTable) markSyncResult(address string, success bool, nowFn func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[address]
	if !ok {
		return
	}
	if success {
		p.LastSync = nowFn()
		p.IsReachable = true
	} else {
		p.IsReachable = false
	}
}

// advanceCursor records cursor as the new SyncCursor for address, so the
// next sync round against this peer resumes from this point instead of
// restarting from the beginning of its history.
func (t *peerTable) advanceCursor(address, cursor string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cursor == "" {
		return
	}
	if p, ok := t.peers[address]; ok {
		p.SyncCursor = cursor
	}
}

func (t *peerTable) recordEventsSent(address string, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[address]; ok {
		p.EventsSent += n
	}
}

func (t *peerTable) recordEventsReceived(address string, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[address]; ok {
		p.EventsReceived += n
	}
}

func (t *peerTable) reachableCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for _, p := range t.peers {
		if p.IsReachable {
			n++
		}
	}
	return n
}
