package server

import (
	"errors"
	"log"
	"strings"
	"sync"
)

// errSlowClient marks a sink whose outbound buffer is full; the
// broadcaster prunes it like any other failed sink.
var errSlowClient = errors.New("client not keeping up")

// Sink is one registered downstream subscriber. Implementations must be
// safe for concurrent Send calls.
type Sink interface {
	Send(line []byte) error
	Close() error
}

// Broadcaster is the registry of connected clients. Broadcast is
// best-effort and fire-and-forget: a sink whose write fails is pruned after
// the pass, and no back-pressure is applied beyond the write itself.
type Broadcaster struct {
	mu    sync.Mutex
	sinks map[Sink]string // sink -> connection id, for logs
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{sinks: make(map[Sink]string)}
}

func (b *Broadcaster) Register(s Sink, id string) {
	b.mu.Lock()
	b.sinks[s] = id
	b.mu.Unlock()
}

// Unregister removes s from the registry. Removing a sink that is already
// gone is a no-op.
func (b *Broadcaster) Unregister(s Sink) {
	b.mu.Lock()
	delete(b.sinks, s)
	b.mu.Unlock()
}

// Broadcast serializes the envelope and sends the resulting line to every
// registered sink.
func (b *Broadcaster) Broadcast(e Envelope) {
	b.BroadcastLine(e.Line())
}

// BroadcastLine sends one newline-terminated line to every registered sink.
// Failed sinks are collected during the pass and removed after it, so the
// registry is never mutated mid-iteration.
func (b *Broadcaster) BroadcastLine(line string) {
	data := append([]byte(strings.TrimRight(line, "\n")), '\n')

	b.mu.Lock()
	defer b.mu.Unlock()

	var dead []Sink
	for s := range b.sinks {
		if err := s.Send(data); err != nil {
			dead = append(dead, s)
		}
	}
	for _, s := range dead {
		log.Printf("client %s dropped: send failed", b.sinks[s])
		delete(b.sinks, s)
		s.Close()
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sinks)
}
