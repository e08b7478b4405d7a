package server

import (
	"encoding/json"

	"github.com/meshbridge/broker/internal/jsonl"
	"github.com/meshbridge/broker/internal/stats"
)

// Wire message kinds. Every line the broker emits is one of these.
const (
	TypeBrokerInfo = "broker_info"
	TypeStatus     = "status"
	TypePacket     = "packet"
)

// Status message values. Error statuses carry "connect_error: <detail>" or
// "unexpected_error: <detail>" instead.
const (
	MsgConnected = "connected"
	MsgHeartbeat = "heartbeat"
	MsgPriming   = "priming"
)

// Envelope is one line of the wire protocol. Struct fields rather than a
// map keep the emitted key order stable across lines, which simple
// line-oriented consumers have come to rely on.
type Envelope struct {
	Type   string          `json:"type"`
	Msg    string          `json:"msg,omitempty"`
	Host   string          `json:"host,omitempty"`
	Stats  *stats.Snapshot `json:"stats,omitempty"`
	Packet any             `json:"packet,omitempty"`
}

// BrokerInfo is the greeting sent to every client right after accept.
func BrokerInfo() Envelope {
	return Envelope{Type: TypeBrokerInfo, Msg: MsgConnected}
}

// Status builds a status line. host and snap may be empty/nil for error
// announcements, which carry only the message text.
func Status(msg, host string, snap *stats.Snapshot) Envelope {
	return Envelope{Type: TypeStatus, Msg: msg, Host: host, Stats: snap}
}

// Packet wraps an event for broadcast.
func Packet(evt map[string]any) Envelope {
	return Envelope{Type: TypePacket, Packet: evt}
}

// Line renders the envelope as one JSON line. The packet payload runs
// through the sanitizer first; like the sanitizer itself, Line never fails.
func (e Envelope) Line() string {
	if e.Packet != nil {
		e.Packet = jsonl.Sanitize(e.Packet)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return jsonl.Line(e)
	}
	return string(b)
}
