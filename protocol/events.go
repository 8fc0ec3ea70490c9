package protocol

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tenzik-dev/tenzik-core/runtime"
	"lukechampine.com/blake3"
)

// EventType names the four kinds of event that can appear in the DAG.
type EventType string

const (
	EventReceipt      EventType = "Receipt"
	EventNodeAnnounce EventType = "NodeAnnounce"
	EventNodeLeave    EventType = "NodeLeave"
	EventHeartbeat    EventType = "Heartbeat"
)

// NodeInfo describes a federation participant for the purposes of
// NodeAnnounce events.
type NodeInfo struct {
	PublicKey string `json:"public_key"`
	Address   string `json:"address"`
	Name      string `json:"name"`
	Version   string `json:"version"`
}

// EventContent is a tagged union over the four event payload shapes. Only
// the fields belonging to Type are populated: Receipt; NodeInfo and
// Capabilities; Reason; or Load and UptimeSec.
type EventContent struct {
	Receipt      *runtime.ExecutionReceipt `json:"receipt,omitempty"`
	NodeInfo     *NodeInfo                 `json:"node_info,omitempty"`
	Capabilities []string                  `json:"capabilities,omitempty"`
	Reason       string                    `json:"reason,omitempty"`
	Load         float64                   `json:"load,omitempty"`
	UptimeSec    uint64                    `json:"uptime_seconds,omitempty"`
}

// Event is a single signed, content-addressed node in the federation DAG.
type Event struct {
	ID        string       `json:"id"`
	Type      EventType    `json:"event_type"`
	Content   EventContent `json:"content"`
	Timestamp string       `json:"timestamp"`
	Parents   []string     `json:"parents"`
	Sequence  uint64       `json:"sequence"`
	NodeID    string       `json:"node_id"`
	Signature string       `json:"signature"`
}

var timeNow = time.Now

// NewReceiptEvent wraps an already-produced execution receipt in an event.
func NewReceiptEvent(receipt *runtime.ExecutionReceipt, parents []string, sequence uint64, nodeID string, signer *runtime.Signer) (*Event, error) {
	return newEvent(EventReceipt, EventContent{Receipt: receipt}, parents, sequence, nodeID, signer)
}

// NewNodeAnnounceEvent announces a node's presence and advertised
// capabilities to the federation.
func NewNodeAnnounceEvent(info NodeInfo, capabilities []string, parents []string, sequence uint64, nodeID string, signer *runtime.Signer) (*Event, error) {
	return newEvent(EventNodeAnnounce, EventContent{NodeInfo: &info, Capabilities: capabilities}, parents, sequence, nodeID, signer)
}

// NewHeartbeatEvent reports a node's current load and uptime.
func NewHeartbeatEvent(load float64, uptimeSeconds uint64, parents []string, sequence uint64, nodeID string, signer *runtime.Signer) (*Event, error) {
	return newEvent(EventHeartbeat, EventContent{Load: load, UptimeSec: uptimeSeconds}, parents, sequence, nodeID, signer)
}

// NewNodeLeaveEvent announces a node's graceful departure.
func NewNodeLeaveEvent(reason string, parents []string, sequence uint64, nodeID string, signer *runtime.Signer) (*Event, error) {
	return newEvent(EventNodeLeave, EventContent{Reason: reason}, parents, sequence, nodeID, signer)
}

func newEvent(eventType EventType, content EventContent, parents []string, sequence uint64, nodeID string, signer *runtime.Signer) (*Event, error) {
	if parents == nil {
		parents = []string{}
	}
	timestamp := timeNow().UTC().Format(time.RFC3339)

	payload, err := signingPayload(eventType, content, parents, sequence, nodeID, timestamp)
	if err != nil {
		return nil, err
	}
	signature := signer.Sign(payload)
	id := blake3Hex(payload)

	return &Event{
		ID:        id,
		Type:      eventType,
		Content:   content,
		Timestamp: timestamp,
		Parents:   parents,
		Sequence:  sequence,
		NodeID:    nodeID,
		Signature: signature,
	}, nil
}

// signingPayload builds the exact canonical byte sequence that is signed
// and whose hash becomes the event ID. Field order and formatting are
// load-bearing: every replica must derive the same payload for the same
// logical event.
func signingPayload(eventType EventType, content EventContent, parents []string, sequence uint64, nodeID, timestamp string) ([]byte, error) {
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, wrapError(ErrSerialization, "failed to encode event content", err)
	}
	parentsJSON, err := json.Marshal(parents)
	if err != nil {
		return nil, wrapError(ErrSerialization, "failed to encode parents", err)
	}
	s := fmt.Sprintf(
		"TENZIK_EVENT_V1\ntype:%s\ncontent:%s\nparents:%s\nsequence:%d\nnode_id:%s\ntimestamp:%s",
		eventType, contentJSON, parentsJSON, sequence, nodeID, timestamp,
	)
	return []byte(s), nil
}

func blake3Hex(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifySignature checks the event's signature against pub.
func (e *Event) VerifySignature(pub ed25519.PublicKey) (bool, error) {
	payload, err := signingPayload(e.Type, e.Content, e.Parents, e.Sequence, e.NodeID, e.Timestamp)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(e.Signature)
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
func (e *Event) VerifyNodeSignature() (bool, error) {
	pubBytes, err := hex.DecodeString(e.NodeID)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return false, newError(ErrInvalidFormat, "node_id is not a valid ed25519 public key")
	}
	return e.VerifySignature(ed25519.PublicKey(pubBytes))
}

// IsReceipt reports whether this event carries an execution receipt.
func (e *Event) IsReceipt() bool {
	return e.Type == EventReceipt
}

// GetReceipt returns the carried receipt, or nil if this is not a receipt
// event.
func (e *Event) GetReceipt() *runtime.ExecutionReceipt {
	if !e.IsReceipt() {
		return nil
	}
	return e.Content.Receipt
}

// ToJSON renders the event as JSON for storage or wire transmission.
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventFromJSON parses an event previously produced by ToJSON.
func EventFromJSON(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, wrapError(ErrInvalidFormat, "malformed event JSON", err)
	}
	return &e, nil
}
