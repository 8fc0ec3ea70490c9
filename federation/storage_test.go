package federation

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tenzik-dev/tenzik-core/protocol"
	"github.com/tenzik-dev/tenzik-core/runtime"
)

func setupDAG(t *testing.T) *EventDAG {
	t.Helper()
	dag, err := OpenEventDAG(context.Background(), filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, dag.Close()) })
	return dag
}

func mustSigner(t *testing.T) *runtime.Signer {
	t.Helper()
	signer, err := runtime.GenerateSigner()
	require.NoError(t, err)
	return signer
}

func TestEventDAG_AddAndGetEvent(t *testing.T) {
	dag := setupDAG(t)
	signer := mustSigner(t)

	ev, err := protocol.NewHeartbeatEvent(0.1, 5, nil, 1, signer.NodeID(), signer)
	require.NoError(t, err)

	require.NoError(t, dag.AddEvent(ev))

	has, err := dag.HasEvent(ev.ID)
	require.NoError(t, err)
	require.True(t, has)

	fetched, err := dag.GetEvent(ev.ID)
	require.NoError(t, err)
	require.Equal(t, ev.ID, fetched.ID)
}

func TestEventDAG_AddEventIsIdempotent(t *testing.T) {
	dag := setupDAG(t)
	signer := mustSigner(t)
	ev, err := protocol.NewHeartbeatEvent(0, 0, nil, 1, signer.NodeID(), signer)
	require.NoError(t, err)

	require.NoError(t, dag.AddEvent(ev))
	require.NoError(t, dag.AddEvent(ev))
}

func TestEventDAG_RejectsEventWithMissingParent(t *testing.T) {
	dag := setupDAG(t)
	signer := mustSigner(t)
	ev, err := protocol.NewHeartbeatEvent(0, 0, []string{"0000000000000000000000000000000000000000000000000000000000000"}, 1, signer.NodeID(), signer)
	require.NoError(t, err)

	err = dag.AddEvent(ev)
	require.Error(t, err)
}

func TestEventDAG_RejectsNonIncreasingSequence(t *testing.T) {
	dag := setupDAG(t)
	signer := mustSigner(t)

	first, err := protocol.NewHeartbeatEvent(0, 0, nil, 5, signer.NodeID(), signer)
	require.NoError(t, err)
	require.NoError(t, dag.AddEvent(first))

	second, err := protocol.NewHeartbeatEvent(0, 1, nil, 5, signer.NodeID(), signer)
	require.NoError(t, err)
	err = dag.AddEvent(second)
	require.Error(t, err)
}

func TestEventDAG_TipsUpdateAsChildrenArrive(t *testing.T) {
	dag := setupDAG(t)
	signer := mustSigner(t)

	root, err := protocol.NewHeartbeatEvent(0, 0, nil, 1, signer.NodeID(), signer)
	require.NoError(t, err)
	require.NoError(t, dag.AddEvent(root))

	tips, err := dag.GetTips()
	require.NoError(t, err)
	require.Len(t, tips, 1)
	require.Equal(t, root.ID, tips[0].ID)

	child, err := protocol.NewHeartbeatEvent(0, 0, []string{root.ID}, 2, signer.NodeID(), signer)
	require.NoError(t, err)
	require.NoError(t, dag.AddEvent(child))

	tips, err = dag.GetTips()
	require.NoError(t, err)
	require.Len(t, tips, 1)
	require.Equal(t, child.ID, tips[0].ID)
}

func TestEventDAG_GetEventsSinceIsDeterministicSuffix(t *testing.T) {
	dag := setupDAG(t)
	signer := mustSigner(t)

	var ids []string
	var parents []string
	for i := uint64(1); i <= 3; i++ {
		ev, err := protocol.NewHeartbeatEvent(0, i, parents, i, signer.NodeID(), signer)
		require.NoError(t, err)
		require.NoError(t, dag.AddEvent(ev))
		ids = append(ids, ev.ID)
		parents = []string{ev.ID}
	}

	all, err := dag.GetEventsSince("")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.ElementsMatch(t, ids, []string{all[0].ID, all[1].ID, all[2].ID})

	// Events created within the same second share a timestamp and are
	// ordered by ID, so the expected suffix follows the (timestamp, id)
	// order of the full history rather than insertion order.
	suffix, err := dag.GetEventsSince(all[0].ID)
	require.NoError(t, err)
	require.Len(t, suffix, 2)
	require.Equal(t, all[1].ID, suffix[0].ID)
	require.Equal(t, all[2].ID, suffix[1].ID)
}

func TestEventDAG_GetStats(t *testing.T) {
	dag := setupDAG(t)
	signer := mustSigner(t)

	receipt, err := runtime.NewReceipt([]byte("c"), []byte("i"), []byte("o"), runtime.ExecMetrics{}, signer, 1)
	require.NoError(t, err)
	ev, err := protocol.NewReceiptEvent(receipt, nil, 1, signer.NodeID(), signer)
	require.NoError(t, err)
	require.NoError(t, dag.AddEvent(ev))

	stats, err := dag.GetStats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalEvents)
	require.Equal(t, 1, stats.ReceiptCount)
	require.Equal(t, 1, stats.NodeCount)
	require.Equal(t, 1, stats.TipCount)
}
