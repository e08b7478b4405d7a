package mesh

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/meshbridge/broker/internal/packet"
)

// fakeNode is a minimal stream-API endpoint: it accepts one connection,
// validates the want_config handshake, and then writes whatever frames the
// test feeds it.
type fakeNode struct {
	t      *testing.T
	lis    net.Listener
	conn   chan net.Conn
	gotCfg chan uint32
}

func startFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	n := &fakeNode{
		t:      t,
		lis:    lis,
		conn:   make(chan net.Conn, 1),
		gotCfg: make(chan uint32, 1),
	}
	t.Cleanup(func() { lis.Close() })

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		n.conn <- conn

		payload, err := readFrame(bufio.NewReader(conn))
		if err != nil {
			return
		}
		var toRadio meshtastic.ToRadio
		if err := proto.Unmarshal(payload, &toRadio); err != nil {
			t.Errorf("bad handshake frame: %v", err)
			return
		}
		n.gotCfg <- toRadio.GetWantConfigId()
	}()
	return n
}

func (n *fakeNode) addr() string { return n.lis.Addr().String() }

func (n *fakeNode) send(fr *meshtastic.FromRadio) {
	n.t.Helper()
	conn := <-n.conn
	n.conn <- conn
	payload, err := proto.Marshal(fr)
	if err != nil {
		n.t.Fatalf("marshal FromRadio: %v", err)
	}
	if err := writeFrame(conn, payload); err != nil {
		n.t.Fatalf("write frame: %v", err)
	}
}

func waitEvent(t *testing.T, ch <-chan map[string]any) map[string]any {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestTCPInterface_DeliversPackets(t *testing.T) {
	node := startFakeNode(t)

	iface, err := Dial(context.Background(), node.addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer iface.Close()

	select {
	case id := <-node.gotCfg:
		if id == 0 {
			t.Error("want_config_id should be non-zero")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("node never saw the handshake")
	}

	events := make(chan map[string]any, 4)
	iface.Subscribe(func(evt map[string]any) { events <- evt })

	// Non-packet variants must be ignored.
	node.send(&meshtastic.FromRadio{
		PayloadVariant: &meshtastic.FromRadio_ConfigCompleteId{ConfigCompleteId: 1},
	})
	node.send(&meshtastic.FromRadio{
		PayloadVariant: &meshtastic.FromRadio_Packet{
			Packet: &meshtastic.MeshPacket{
				From:    0x11223344,
				To:      broadcastAddr,
				Channel: 2,
				RxRssi:  -80,
				PayloadVariant: &meshtastic.MeshPacket_Decoded{
					Decoded: &meshtastic.Data{
						Portnum: meshtastic.PortNum_TEXT_MESSAGE_APP,
						Payload: []byte("hello mesh"),
					},
				},
			},
		},
	})

	evt := waitEvent(t, events)

	if ch, ok := packet.ExtractChannel(evt); !ok || ch != 2 {
		t.Errorf("channel = (%d, %v), want (2, true)", ch, ok)
	}
	if txt, _ := packet.Lookup(evt, "decoded.text"); txt != "hello mesh" {
		t.Errorf("decoded.text = %v, want \"hello mesh\"", txt)
	}
	if evt["fromId"] != "!11223344" {
		t.Errorf("fromId = %v", evt["fromId"])
	}
	if evt["toId"] != "^all" {
		t.Errorf("toId = %v", evt["toId"])
	}

	select {
	case evt := <-events:
		t.Errorf("unexpected extra event: %v", evt)
	default:
	}
}

func TestDial_ConnectErrorClass(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()

	_, err = Dial(context.Background(), addr)
	if err == nil {
		t.Fatal("expected dial error")
	}
	var ierr *InterfaceError
	if !errors.As(err, &ierr) {
		t.Errorf("error %v is not an *InterfaceError", err)
	}
}

func TestTCPInterface_LinkFailure(t *testing.T) {
	node := startFakeNode(t)

	iface, err := Dial(context.Background(), node.addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	conn := <-node.conn
	conn.Close()

	select {
	case <-iface.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never closed after link failure")
	}

	var ierr *InterfaceError
	if !errors.As(iface.Err(), &ierr) {
		t.Errorf("Err() = %v, want *InterfaceError", iface.Err())
	}
}

func TestTCPInterface_LocalCloseIsClean(t *testing.T) {
	node := startFakeNode(t)

	iface, err := Dial(context.Background(), node.addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := iface.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := iface.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	select {
	case <-iface.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never closed after Close")
	}
	if iface.Err() != nil {
		t.Errorf("Err() = %v, want nil after local close", iface.Err())
	}
}
