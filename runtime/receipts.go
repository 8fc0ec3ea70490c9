package runtime

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"lukechampine.com/blake3"
)

// ReceiptVersion is the wire-format version stamped on every receipt this
// package produces.
const ReceiptVersion = "1.0.0"

// Signer holds an Ed25519 keypair and produces the node_id receipts and
// events are attributed to.
type Signer struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// NewSigner wraps an existing keypair.
func NewSigner(pub ed25519.PublicKey, priv ed25519.PrivateKey) *Signer {
	return &Signer{public: pub, private: priv}
}

// GenerateSigner creates a fresh Ed25519 keypair.
func GenerateSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, errors.Wrap(err, "generate ed25519 keypair")
	}
	return NewSigner(pub, priv), nil
}

// NodeID is the hex-encoded public key this signer is known by.
func (s *Signer) NodeID() string {
	return hex.EncodeToString(s.public)
}

// Sign produces a hex-encoded Ed25519 signature over payload.
func (s *Signer) Sign(payload []byte) string {
	sig := ed25519.Sign(s.private, payload)
	return hex.EncodeToString(sig)
}

// ExecutionReceipt attests that a node executed a capsule against some
// input and produced a particular output, under the resource accounting in
// ExecMetrics.
type ExecutionReceipt struct {
	CapsuleID    string      `json:"capsule_id"`
	InputCommit  string      `json:"input_commit"`
	OutputCommit string      `json:"output_commit"`
	ExecMetrics  ExecMetrics `json:"exec_metrics"`
	NodeID       string      `json:"node_id"`
	Nonce        uint64      `json:"nonce"`
	Timestamp    string      `json:"timestamp"`
	Signature    string      `json:"signature"`
	Version      string      `json:"version"`
}

// NewReceipt commits capsule bytes, input, and output with BLAKE3, signs
// the result with signer, and stamps it with the current time.
func NewReceipt(capsuleBytes, input, output []byte, metrics ExecMetrics, signer *Signer, nonce uint64) (*ExecutionReceipt, error) {
	capsuleID := blake3Hex(capsuleBytes)
	inputCommit := blake3Hex(input)
	outputCommit := blake3Hex(output)
	nodeID := signer.NodeID()
	timestamp := now().UTC().Format(time.RFC3339)

	payload := signaturePayload(capsuleID, inputCommit, outputCommit, metrics, nodeID, nonce, timestamp)
	signature := signer.Sign(payload)

	return &ExecutionReceipt{
		CapsuleID:    capsuleID,
		InputCommit:  inputCommit,
		OutputCommit: outputCommit,
		ExecMetrics:  metrics,
		NodeID:       nodeID,
		Nonce:        nonce,
		Timestamp:    timestamp,
		Signature:    signature,
		Version:      ReceiptVersion,
	}, nil
}

func blake3Hex(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// signaturePayload builds the exact canonical byte sequence that gets
// signed and verified. Every field is on its own line, lines separated by
// LF with no trailing LF, in a fixed order; changing the order or formatting here breaks verification
// of every receipt ever issued.
func signaturePayload(capsuleID, inputCommit, outputCommit string, metrics ExecMetrics, nodeID string, nonce uint64, timestamp string) []byte {
	s := fmt.Sprintf(
		"TENZIK_RECEIPT_V1\ncapsule_id:%s\ninput_commit:%s\noutput_commit:%s\nfuel_used:%d\nmemory_mb:%s\nduration_ms:%d\nhost_calls:%d\nnode_id:%s\nnonce:%d\ntimestamp:%s",
		capsuleID, inputCommit, outputCommit,
		metrics.FuelUsed, formatMemoryMB(metrics.MemoryMB), metrics.DurationMS, metrics.HostFunctionCalls,
		nodeID, nonce, timestamp,
	)
	return []byte(s)
}

func formatMemoryMB(mb float64) string {
	return strconv.FormatFloat(mb, 'f', 3, 64)
}

// Verify checks the receipt's signature against pub. It returns false (not
// an error) for a well-formed but mismatching signature; errors are
// reserved for malformed input.
func (r *ExecutionReceipt) Verify(pub ed25519.PublicKey) (bool, error) {
	payload := signaturePayload(r.CapsuleID, r.InputCommit, r.OutputCommit, r.ExecMetrics, r.NodeID, r.Nonce, r.Timestamp)
	sig, err := hex.DecodeString(r.Signature)
	if err != nil {
		return false, newError(ErrInvalidFormat, "signature is not valid hex")
	}
	if len(sig) != ed25519.SignatureSize {
		return false, newError(ErrInvalidFormat, "signature has the wrong length")
	}
	return ed25519.Verify(pub, payload, sig), nil
}

// VerifyNodeSignature decodes NodeID as the signing public key and
// verifies against it.
func (r *ExecutionReceipt) VerifyNodeSignature() (bool, error) {
	pubBytes, err := hex.DecodeString(r.NodeID)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return false, newError(ErrInvalidFormat, "node_id is not a valid ed25519 public key")
	}
	return r.Verify(ed25519.PublicKey(pubBytes))
}

// ReceiptID is a deterministic identifier derived from the receipt's
// identity fields only — never its timestamp or metrics — so the same
// execution always yields the same ID regardless of when it is computed.
func (r *ExecutionReceipt) ReceiptID() string {
	s := fmt.Sprintf("%s:%s:%s:%s:%d", r.CapsuleID, r.InputCommit, r.OutputCommit, r.NodeID, r.Nonce)
	return blake3Hex([]byte(s))
}

// ToJSON renders the receipt as pretty-printed JSON.
func (r *ExecutionReceipt) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// ReceiptFromJSON parses a receipt previously produced by ToJSON.
func ReceiptFromJSON(data []byte) (*ExecutionReceipt, error) {
	var r ExecutionReceipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, wrapError(ErrInvalidFormat, "malformed receipt JSON", err)
	}
	return &r, nil
}

// IsRecent reports whether the receipt's timestamp is within maxAge of now.
// A malformed or unparsable timestamp is treated as stale.
func (r *ExecutionReceipt) IsRecent(maxAge time.Duration) bool {
	t, err := time.Parse(time.RFC3339, r.Timestamp)
	if err != nil {
		return false
	}
	return now().Sub(t) < maxAge
}

// ReceiptVerifier bundles signature and freshness checking for batches of
// receipts from potentially many different nodes.
type ReceiptVerifier struct {
	MaxReceiptAge time.Duration
}

// DefaultReceiptVerifier enforces a one-hour freshness window.
func DefaultReceiptVerifier() ReceiptVerifier {
	return ReceiptVerifier{MaxReceiptAge: time.Hour}
}

// VerifyReceipt checks both the signature and the freshness window.
func (v ReceiptVerifier) VerifyReceipt(r *ExecutionReceipt) (bool, error) {
	ok, err := r.VerifyNodeSignature()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return r.IsRecent(v.MaxReceiptAge), nil
}

// VerifyReceipts verifies each receipt independently, returning a
// parallel slice of results.
func (v ReceiptVerifier) VerifyReceipts(receipts []*ExecutionReceipt) ([]bool, error) {
	out := make([]bool, len(receipts))
	for i, r := range receipts {
		ok, err := v.VerifyReceipt(r)
		if err != nil {
			return nil, err
		}
		out[i] = ok
	}
	return out, nil
}
