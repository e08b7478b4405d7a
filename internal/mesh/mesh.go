// Package mesh is the boundary to the upstream radio. The broker core only
// depends on the Interface/Dialer pair, so tests and alternative transports
// can inject their own event producers; TCPInterface is the concrete client
// for Meshtastic nodes exposing the stream API.
package mesh

import "context"

// Handler receives one decoded event per transmission heard by the radio.
type Handler func(event map[string]any)

// Interface is a live upstream connection delivering decoded events via
// push callbacks.
type Interface interface {
	// Subscribe registers h for every subsequent event. Handlers run on
	// the connection's read goroutine and must not block for long.
	Subscribe(h Handler)

	// Done is closed when the connection stops delivering events,
	// whether from link failure or a local Close.
	Done() <-chan struct{}

	// Err reports why the connection ended. It is nil after a local
	// Close and non-nil after a link failure. Only valid once Done is
	// closed.
	Err() error

	// Close drops all subscriptions and tears the connection down.
	// Closing an already-closed connection is a no-op.
	Close() error
}

// Dialer opens an upstream connection to host.
type Dialer func(ctx context.Context, host string) (Interface, error)

// InterfaceError is the distinguished connectivity-error class: failures of
// the radio link itself, as opposed to unexpected faults elsewhere in the
// ingest path.
type InterfaceError struct {
	Op  string
	Err error
}

func (e *InterfaceError) Error() string {
	return "mesh interface " + e.Op + ": " + e.Err.Error()
}

func (e *InterfaceError) Unwrap() error { return e.Err }
