package mesh

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"net"
	"sync"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/meshbridge/broker/internal/packet"
)

// DefaultPort is the node firmware's TCP stream API port.
const DefaultPort = "4403"

// broadcastAddr is the node number used for mesh-wide broadcasts.
const broadcastAddr = 0xffffffff

// TCPInterface is a live connection to a Meshtastic node's stream API. It
// decodes FromRadio frames and pushes received mesh packets to subscribed
// handlers as event maps.
type TCPInterface struct {
	conn net.Conn

	mu       sync.Mutex
	handlers []Handler
	closed   bool

	err  error // set before done closes
	done chan struct{}
}

// Dial connects to the node at host (port 4403 unless specified) and
// starts the config handshake. Errors are of type *InterfaceError.
func Dial(ctx context.Context, host string) (Interface, error) {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, DefaultPort)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &InterfaceError{Op: "dial", Err: err}
	}

	t := &TCPInterface{
		conn: conn,
		done: make(chan struct{}),
	}

	if err := t.wantConfig(); err != nil {
		conn.Close()
		return nil, &InterfaceError{Op: "handshake", Err: err}
	}

	go t.readLoop()
	return t, nil
}

// wantConfig asks the node to begin streaming. The node replies with its
// config dump and then pushes every packet it hears.
func (t *TCPInterface) wantConfig() error {
	msg := &meshtastic.ToRadio{
		PayloadVariant: &meshtastic.ToRadio_WantConfigId{
			WantConfigId: rand.Uint32(),
		},
	}
	payload, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding want_config: %w", err)
	}
	if err := writeFrame(t.conn, payload); err != nil {
		return fmt.Errorf("sending want_config: %w", err)
	}
	return nil
}

func (t *TCPInterface) Subscribe(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.handlers = append(t.handlers, h)
}

func (t *TCPInterface) Done() <-chan struct{} { return t.done }

func (t *TCPInterface) Err() error { return t.err }

// Close unsubscribes all handlers and tears down the socket. Idempotent.
func (t *TCPInterface) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handlers = nil
	t.mu.Unlock()

	return t.conn.Close()
}

func (t *TCPInterface) readLoop() {
	defer close(t.done)

	reader := bufio.NewReader(t.conn)
	for {
		payload, err := readFrame(reader)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.err = &InterfaceError{Op: "read", Err: err}
			}
			return
		}

		var fr meshtastic.FromRadio
		if err := proto.Unmarshal(payload, &fr); err != nil {
			// A corrupt frame is not worth dropping the link over.
			log.Printf("mesh: discarding undecodable frame (%d bytes): %v", len(payload), err)
			continue
		}

		pkt := fr.GetPacket()
		if pkt == nil {
			// Config dump, node info, queue status: not packet traffic.
			continue
		}

		evt, err := packetEvent(pkt)
		if err != nil {
			log.Printf("mesh: dropping packet %d: %v", pkt.GetId(), err)
			continue
		}
		t.deliver(evt)
	}
}

func (t *TCPInterface) deliver(evt map[string]any) {
	t.mu.Lock()
	handlers := make([]Handler, len(t.handlers))
	copy(handlers, t.handlers)
	t.mu.Unlock()

	for _, h := range handlers {
		h(evt)
	}
}

// packetEvent converts a MeshPacket to the event-map form consumers see:
// the protojson rendering of the packet plus the fromId/toId aliases,
// decoded text for text-message ports, and an rxMetadata block carrying the
// channel index the rest of the broker keys on.
func packetEvent(pkt *meshtastic.MeshPacket) (map[string]any, error) {
	b, err := protojson.Marshal(pkt)
	if err != nil {
		return nil, fmt.Errorf("rendering packet: %w", err)
	}
	var evt map[string]any
	if err := json.Unmarshal(b, &evt); err != nil {
		return nil, fmt.Errorf("rebuilding packet map: %w", err)
	}

	evt["fromId"] = nodeID(pkt.GetFrom())
	if to := pkt.GetTo(); to == broadcastAddr {
		evt["toId"] = "^all"
	} else {
		evt["toId"] = nodeID(to)
	}

	if dec := pkt.GetDecoded(); dec != nil {
		if m, ok := evt["decoded"].(map[string]any); ok {
			if dec.GetPortnum() == meshtastic.PortNum_TEXT_MESSAGE_APP && packet.LooksText(dec.GetPayload()) {
				m["text"] = string(dec.GetPayload())
			}
		}
	}

	evt["rxMetadata"] = map[string]any{
		"channel": int(pkt.GetChannel()),
		"rssi":    pkt.GetRxRssi(),
		"snr":     pkt.GetRxSnr(),
	}
	return evt, nil
}

func nodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}
