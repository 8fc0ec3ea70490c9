package federation

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"time"

	"github.com/tenzik-dev/tenzik-core/protocol"
)

// GossipMessageKind tags the variant carried by a GossipMessage.
type GossipMessageKind string

const (
	MsgSync   GossipMessageKind = "Sync"
	MsgEvents GossipMessageKind = "Events"
	MsgAck    GossipMessageKind = "Ack"
	MsgPing   GossipMessageKind = "Ping"
	MsgPong   GossipMessageKind = "Pong"
)

// GossipMessage is the wire envelope for every message exchanged between
// peers. Exactly the fields relevant to Kind are populated.
type GossipMessage struct {
	Kind GossipMessageKind `json:"kind"`

	// Sync
	Since       string `json:"since,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	FromAddress string `json:"from_address,omitempty"`

	// Events
	Events  []*protocol.Event `json:"events,omitempty"`
	HasMore bool              `json:"has_more,omitempty"`

	// Ack
	Count    int      `json:"count,omitempty"`
	Rejected []string `json:"rejected,omitempty"`

	// Ping / Pong
	PingTimestampMS int64 `json:"ping_timestamp_ms,omitempty"`
	PongTimestampMS int64 `json:"pong_timestamp_ms,omitempty"`
}

// maxFrameSize bounds a single gossip message to guard against a malformed
// or hostile peer claiming an unbounded length prefix.
const maxFrameSize = 16 * 1024 * 1024

// writeFrame writes a 4-byte big-endian length prefix followed by the
// JSON-encoded message.
func writeFrame(w io.Writer, msg *GossipMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return wrapError(ErrSerialization, "failed to encode gossip message", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return wrapError(ErrNetwork, "failed to write frame length", err)
	}
	if _, err := w.Write(data); err != nil {
		return wrapError(ErrNetwork, "failed to write frame body", err)
	}
	return nil
}

// readFrame reads one length-prefixed JSON message.
func readFrame(r io.Reader) (*GossipMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, wrapError(ErrNetwork, "failed to read frame length", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, newError(ErrNetwork, "frame exceeds maximum allowed size")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, wrapError(ErrNetwork, "failed to read frame body", err)
	}
	var msg GossipMessage
	if err := json.Unmarshal(buf, &msg); err != nil {
		return nil, wrapError(ErrSerialization, "malformed gossip message", err)
	}
	return &msg, nil
}

// dialPeer opens a TCP connection to address with a bounded handshake
// timeout.
func dialPeer(address string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, wrapError(ErrNetwork, "failed to dial peer "+address, err)
	}
	return conn, nil
}

// sendRequest writes req on conn and reads back exactly one response
// message, bounding the whole round trip by timeout.
func sendRequest(conn net.Conn, req *GossipMessage, timeout time.Duration) (*GossipMessage, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, wrapError(ErrNetwork, "failed to set connection deadline", err)
	}
	if err := writeFrame(conn, req); err != nil {
		return nil, err
	}
	return readFrame(conn)
}
