package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tenzik-dev/tenzik-core/runtime"
)

func TestNewNodeAnnounceEvent_SignsAndHashesDeterministically(t *testing.T) {
	signer, err := runtime.GenerateSigner()
	require.NoError(t, err)

	restore := timeNow
	defer func() { timeNow = restore }()
	timeNow = func() time.Time { return time.Unix(1_700_000_000, 0) }

	info := NodeInfo{PublicKey: signer.NodeID(), Address: "127.0.0.1:9000", Name: "n1", Version: "1.0.0"}
	ev, err := NewNodeAnnounceEvent(info, []string{"receipt", "federation"}, nil, 1, signer.NodeID(), signer)
	require.NoError(t, err)
	require.Equal(t, EventNodeAnnounce, ev.Type)
	require.NotEmpty(t, ev.ID)

	again, err := NewNodeAnnounceEvent(info, []string{"receipt", "federation"}, nil, 1, signer.NodeID(), signer)
	require.NoError(t, err)
	require.Equal(t, ev.ID, again.ID)

	ok, err := ev.VerifyNodeSignature()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvent_TamperedContentFailsVerification(t *testing.T) {
	signer, err := runtime.GenerateSigner()
	require.NoError(t, err)
	ev, err := NewHeartbeatEvent(0.5, 10, []string{"p1"}, 1, signer.NodeID(), signer)
	require.NoError(t, err)

	ev.Content.Load = 0.99
	ok, err := ev.VerifyNodeSignature()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvent_IsReceiptAndGetReceipt(t *testing.T) {
	signer, err := runtime.GenerateSigner()
	require.NoError(t, err)
	receipt, err := runtime.NewReceipt([]byte("c"), []byte("i"), []byte("o"), runtime.ExecMetrics{}, signer, 1)
	require.NoError(t, err)

	ev, err := NewReceiptEvent(receipt, nil, 1, signer.NodeID(), signer)
	require.NoError(t, err)
	require.True(t, ev.IsReceipt())
	require.Equal(t, receipt.ReceiptID(), ev.GetReceipt().ReceiptID())

	leave, err := NewNodeLeaveEvent("graceful shutdown", nil, 2, signer.NodeID(), signer)
	require.NoError(t, err)
	require.False(t, leave.IsReceipt())
	require.Nil(t, leave.GetReceipt())
}

func TestEvent_JSONRoundTrip(t *testing.T) {
	signer, err := runtime.GenerateSigner()
	require.NoError(t, err)
	ev, err := NewHeartbeatEvent(0.1, 5, nil, 1, signer.NodeID(), signer)
	require.NoError(t, err)

	data, err := ev.ToJSON()
	require.NoError(t, err)

	parsed, err := EventFromJSON(data)
	require.NoError(t, err)
	require.Equal(t, ev.ID, parsed.ID)

	ok, err := parsed.VerifyNodeSignature()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvent_DifferentParentsYieldDifferentIDs(t *testing.T) {
	signer, err := runtime.GenerateSigner()
	require.NoError(t, err)

	a, err := NewHeartbeatEvent(0, 0, []string{"x"}, 1, signer.NodeID(), signer)
	require.NoError(t, err)
	b, err := NewHeartbeatEvent(0, 0, []string{"y"}, 1, signer.NodeID(), signer)
	require.NoError(t, err)

	require.NotEqual(t, a.ID, b.ID)
}
