package server

import (
	"context"
	"errors"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Server accepts downstream TCP subscribers and registers each one with the
// broadcaster. The protocol is push-only: clients get the event stream and
// anything they send is drained and ignored.
type Server struct {
	broadcaster *Broadcaster
	lis         net.Listener
}

func Listen(bind string, port int, b *Broadcaster) (*Server, error) {
	lis, err := net.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return &Server{broadcaster: b, lis: lis}, nil
}

// Addr returns the bound listen address (useful when port 0 was requested).
func (s *Server) Addr() net.Addr { return s.lis.Addr() }

// Serve accepts connections until the listener is closed. Each client is
// handled on its own goroutine so one stalled or failing subscriber never
// affects the others.
func (s *Server) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.lis.Close()
	}()

	for {
		conn, err := s.lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("accept error: %v", err)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) Close() error { return s.lis.Close() }

func (s *Server) handleConn(conn net.Conn) {
	id := uuid.NewString()[:8]
	sink := &tcpSink{conn: conn}

	s.broadcaster.Register(sink, id)
	log.Printf("client %s connected from %s (%d total)", id, conn.RemoteAddr(), s.broadcaster.ClientCount())

	// Greeting goes directly to this client, not through the registry.
	greeting := append([]byte(BrokerInfo().Line()), '\n')
	if err := sink.Send(greeting); err == nil {
		s.drain(conn)
	}

	s.broadcaster.Unregister(sink)
	sink.Close()
	log.Printf("client %s disconnected (%d total)", id, s.broadcaster.ClientCount())
}

// drain discards inbound bytes until the peer disconnects or errors.
func (s *Server) drain(conn net.Conn) {
	buf := make([]byte, 1024)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

// tcpSink adapts a raw TCP connection to the Sink interface. The mutex
// serializes the greeting write with broadcast writes.
type tcpSink struct {
	mu   sync.Mutex
	conn net.Conn
}

func (t *tcpSink) Send(line []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.conn.Write(line)
	return err
}

func (t *tcpSink) Close() error {
	return t.conn.Close()
}
