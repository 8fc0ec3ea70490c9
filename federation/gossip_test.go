package federation

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tenzik-dev/tenzik-core/protocol"
	"github.com/tenzik-dev/tenzik-core/runtime"
)

func newHeartbeat(signer *runtime.Signer, parents []string, sequence uint64) (*protocol.Event, error) {
	return protocol.NewHeartbeatEvent(0, 0, parents, sequence, signer.NodeID(), signer)
}

func TestFrame_RoundTrip(t *testing.T) {
	msg := &GossipMessage{Kind: MsgPing, PingTimestampMS: 12345}
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, msg))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, msg.Kind, got.Kind)
	require.Equal(t, msg.PingTimestampMS, got.PingTimestampMS)
}

func TestFrame_RejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := readFrame(&buf)
	require.Error(t, err)
}

func TestOrphanBuffer_ResolvesWhenParentArrives(t *testing.T) {
	dag := setupDAG(t)
	signer := mustSigner(t)

	root, err := newHeartbeat(signer, nil, 1)
	require.NoError(t, err)
	orphan, err := newHeartbeat(signer, []string{root.ID}, 2)
	require.NoError(t, err)

	err = dag.AddEvent(orphan)
	require.Error(t, err)

	buf := newOrphanBuffer(8)
	missing, ok := missingParentID(err)
	require.True(t, ok)
	require.Equal(t, root.ID, missing)

	buf.add(missing, orphan)
	require.NoError(t, dag.AddEvent(root))

	resolved := buf.resolve(root.ID)
	require.Len(t, resolved, 1)
	require.NoError(t, dag.AddEvent(resolved[0]))

	has, err := dag.HasEvent(orphan.ID)
	require.NoError(t, err)
	require.True(t, has)
}

func TestPeerTable_CandidatesExcludeActiveAndUnreachable(t *testing.T) {
	pt := newPeerTable()
	pt.add("peerA", "")
	pt.add("peerB", "")
	fixedNow := func() time.Time { return time.Unix(1000, 0) }
	pt.markSyncResult("peerB", false, fixedNow)

	candidates := pt.candidatesForSync(map[string]struct{}{"peerA": {}}, time.Second, 10, fixedNow)
	require.Len(t, candidates, 0)
}

func TestGossipProtocol_SyncOverLoopback(t *testing.T) {
	serverDAG := setupDAG(t)
	clientDAG := setupDAG(t)
	signer := mustSigner(t)

	root, err := newHeartbeat(signer, nil, 1)
	require.NoError(t, err)
	require.NoError(t, serverDAG.AddEvent(root))

	serverGossip := NewGossipProtocol(serverDAG, DefaultGossipConfig(), nil)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serverGossip.Serve(ctx, listener)

	clientGossip := NewGossipProtocol(clientDAG, DefaultGossipConfig(), nil)
	clientGossip.AddPeer(listener.Addr().String(), "")
	peer, ok := clientGossip.peers.get(listener.Addr().String())
	require.True(t, ok)

	require.NoError(t, clientGossip.doSync(peer))

	has, err := clientDAG.HasEvent(root.ID)
	require.NoError(t, err)
	require.True(t, has)
}

func TestGossipProtocol_CursorAdvancesAcrossMultipleRounds(t *testing.T) {
	serverDAG := setupDAG(t)
	clientDAG := setupDAG(t)
	signer := mustSigner(t)

	cfg := DefaultGossipConfig()
	cfg.MaxEventsPerSync = 2

	var parents []string
	var last *protocol.Event
	for i := uint64(1); i <= 5; i++ {
		ev, err := newHeartbeat(signer, parents, i)
		require.NoError(t, err)
		require.NoError(t, serverDAG.AddEvent(ev))
		parents = []string{ev.ID}
		last = ev
	}

	serverGossip := NewGossipProtocol(serverDAG, cfg, nil)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serverGossip.Serve(ctx, listener)

	clientGossip := NewGossipProtocol(clientDAG, cfg, nil)
	clientGossip.SetSelfAddress("127.0.0.1:0")
	clientGossip.AddPeer(listener.Addr().String(), "")
	peer, ok := clientGossip.peers.get(listener.Addr().String())
	require.True(t, ok)

	// MaxEventsPerSync caps each round at 2 events out of 5; without a real
	// advancing cursor every round would re-fetch the same head slice and
	// the tail would never replicate.
	for i := 0; i < 3; i++ {
		require.NoError(t, clientGossip.doSync(peer))
		peer, ok = clientGossip.peers.get(listener.Addr().String())
		require.True(t, ok)
	}

	has, err := clientDAG.HasEvent(last.ID)
	require.NoError(t, err)
	require.True(t, has)
	require.NotEmpty(t, peer.SyncCursor)

	// Fully caught up: one more round should find nothing new since the
	// cursor, proving it actually advanced rather than staying pinned.
	statsBefore := clientGossip.Stats()
	require.NoError(t, clientGossip.doSync(peer))
	statsAfter := clientGossip.Stats()
	require.Equal(t, statsBefore.EventsReceived, statsAfter.EventsReceived)

	serverPeer, ok := serverGossip.peers.get("127.0.0.1:0")
	require.True(t, ok)
	require.True(t, serverPeer.EventsSent > 0)
}
