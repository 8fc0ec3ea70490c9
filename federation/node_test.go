package federation

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestNode_StartAnnouncesSelf(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.ListenAddr = freeAddr(t)
	cfg.DBPath = filepath.Join(t.TempDir(), "node.db")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := NewNode(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Shutdown() })

	require.NoError(t, node.Start(ctx))

	stats, err := node.DAGStats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalEvents)
	require.Equal(t, 1, stats.TipCount)
}

func TestNode_ShutdownRecordsLeaveEvent(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.ListenAddr = freeAddr(t)
	cfg.DBPath = filepath.Join(t.TempDir(), "node.db")

	ctx := context.Background()
	node, err := NewNode(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, node.Start(ctx))

	require.NoError(t, node.Shutdown())

	// Shutdown closes the store; reopen it to see the announce and leave
	// events, with the leave event as the only tip.
	dag, err := OpenEventDAG(ctx, cfg.DBPath)
	require.NoError(t, err)
	defer dag.Close()
	stats, err := dag.GetStats()
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalEvents)
	require.Equal(t, 1, stats.TipCount)
}
