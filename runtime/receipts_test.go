package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReceipt_RoundTripSignatureVerifies(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	metrics := ExecMetrics{FuelUsed: 42, MemoryMB: 1.5, DurationMS: 10, HostFunctionCalls: 2}
	receipt, err := NewReceipt([]byte("capsule"), []byte("input"), []byte("output"), metrics, signer, 1)
	require.NoError(t, err)
	require.Equal(t, signer.NodeID(), receipt.NodeID)
	require.Equal(t, ReceiptVersion, receipt.Version)

	ok, err := receipt.VerifyNodeSignature()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReceipt_TamperedFieldFailsVerification(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)
	receipt, err := NewReceipt([]byte("capsule"), []byte("input"), []byte("output"), ExecMetrics{}, signer, 1)
	require.NoError(t, err)

	receipt.OutputCommit = "tampered"
	ok, err := receipt.VerifyNodeSignature()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReceipt_WrongSignerFailsVerification(t *testing.T) {
	signerA, err := GenerateSigner()
	require.NoError(t, err)
	signerB, err := GenerateSigner()
	require.NoError(t, err)

	receipt, err := NewReceipt([]byte("capsule"), []byte("input"), []byte("output"), ExecMetrics{}, signerA, 1)
	require.NoError(t, err)

	ok, err := receipt.Verify(signerB.public)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReceipt_IDIsDeterministicAcrossTime(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	restoreNow := now
	defer func() { now = restoreNow }()

	now = func() time.Time { return time.Unix(1000, 0) }
	first, err := NewReceipt([]byte("c"), []byte("i"), []byte("o"), ExecMetrics{}, signer, 7)
	require.NoError(t, err)

	now = func() time.Time { return time.Unix(2000, 0) }
	second, err := NewReceipt([]byte("c"), []byte("i"), []byte("o"), ExecMetrics{}, signer, 7)
	require.NoError(t, err)

	require.NotEqual(t, first.Timestamp, second.Timestamp)
	require.Equal(t, first.ReceiptID(), second.ReceiptID())
}

func TestReceipt_JSONRoundTrip(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)
	receipt, err := NewReceipt([]byte("c"), []byte("i"), []byte("o"), ExecMetrics{FuelUsed: 1}, signer, 1)
	require.NoError(t, err)

	data, err := receipt.ToJSON()
	require.NoError(t, err)

	parsed, err := ReceiptFromJSON(data)
	require.NoError(t, err)
	require.Equal(t, receipt.ReceiptID(), parsed.ReceiptID())
}

func TestReceipt_IsRecent(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)
	restoreNow := now
	defer func() { now = restoreNow }()

	now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	receipt, err := NewReceipt([]byte("c"), []byte("i"), []byte("o"), ExecMetrics{}, signer, 1)
	require.NoError(t, err)

	require.True(t, receipt.IsRecent(time.Hour))

	now = func() time.Time { return time.Unix(1_700_000_000+7200, 0) }
	require.False(t, receipt.IsRecent(time.Hour))
}

func TestReceiptVerifier_BatchVerification(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)
	restoreNow := now
	defer func() { now = restoreNow }()
	now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	good, err := NewReceipt([]byte("c"), []byte("i"), []byte("o"), ExecMetrics{}, signer, 1)
	require.NoError(t, err)
	bad, err := NewReceipt([]byte("c"), []byte("i"), []byte("o"), ExecMetrics{}, signer, 2)
	require.NoError(t, err)
	bad.Signature = good.Signature

	v := DefaultReceiptVerifier()
	results, err := v.VerifyReceipts([]*ExecutionReceipt{good, bad})
	require.NoError(t, err)
	require.Equal(t, []bool{true, false}, results)
}
