// Package bridge owns the upstream side of the broker: it keeps one mesh
// connection alive, turns every received event into a packet broadcast,
// and emits periodic heartbeat and priming status lines so idle clients
// can tell the link is up.
package bridge

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meshbridge/broker/internal/config"
	"github.com/meshbridge/broker/internal/mesh"
	"github.com/meshbridge/broker/internal/packet"
	"github.com/meshbridge/broker/internal/server"
	"github.com/meshbridge/broker/internal/stats"
)

type Bridge struct {
	host        string
	dial        mesh.Dialer
	broadcaster *server.Broadcaster
	agg         *stats.Aggregator
	timing      config.TimingConfig
	verbose     bool

	// connected gates heartbeat/priming emission: status ticks are only
	// meaningful while an upstream link exists.
	connected atomic.Bool
}

func New(host string, dial mesh.Dialer, b *server.Broadcaster, agg *stats.Aggregator, timing config.TimingConfig, verbose bool) *Bridge {
	return &Bridge{
		host:        host,
		dial:        dial,
		broadcaster: b,
		agg:         agg,
		timing:      timing,
		verbose:     verbose,
	}
}

// Run blocks until ctx is canceled. The heartbeat, priming, and
// connection-management paths run as independent goroutines that all
// funnel into the broadcaster; the packet path is callback-driven and
// never waits on the timers.
func (b *Bridge) Run(ctx context.Context) {
	go b.tickerLoop(ctx, b.timing.Heartbeat, server.MsgHeartbeat)
	go b.tickerLoop(ctx, b.timing.Priming, server.MsgPriming)
	b.connectLoop(ctx)
}

// connectLoop cycles DISCONNECTED -> CONNECTING -> CONNECTED for the life
// of the process. No upstream failure is fatal: every error ends in a
// status broadcast and a fixed-delay retry.
func (b *Bridge) connectLoop(ctx context.Context) {
	policy := backoff.NewConstantBackOff(b.timing.Backoff)

	for ctx.Err() == nil {
		log.Printf("connecting to %s", b.host)
		conn, err := b.dial(ctx, b.host)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.reportError(err)
			if !b.sleep(ctx, policy.NextBackOff()) {
				return
			}
			continue
		}

		conn.Subscribe(b.onEvent)
		b.connected.Store(true)
		b.broadcaster.Broadcast(server.Status(server.MsgConnected, b.host, nil))
		log.Printf("connected to %s", b.host)

		select {
		case <-ctx.Done():
			b.connected.Store(false)
			conn.Close()
			return
		case <-conn.Done():
			b.connected.Store(false)
			if err := conn.Err(); err != nil {
				b.reportError(err)
			}
			conn.Close()
			if !b.sleep(ctx, policy.NextBackOff()) {
				return
			}
		}
	}
}

// onEvent is the upstream push callback: tag the channel, count, and fan
// out.
func (b *Bridge) onEvent(evt map[string]any) {
	packet.InjectChannel(evt)
	b.agg.Record(evt)

	if b.verbose {
		log.Println(packet.Summary(evt))
	}

	b.broadcaster.Broadcast(server.Packet(evt))
}

func (b *Bridge) tickerLoop(ctx context.Context, interval time.Duration, msg string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !b.connected.Load() {
				continue
			}
			snap := b.agg.Snapshot()
			b.broadcaster.Broadcast(server.Status(msg, b.host, &snap))
		}
	}
}

// reportError classifies err and announces it on the stream. Interface
// errors are the recognized connectivity class; anything else is
// unexpected but handled identically.
func (b *Bridge) reportError(err error) {
	var ierr *mesh.InterfaceError
	msg := "unexpected_error: " + err.Error()
	if errors.As(err, &ierr) {
		msg = "connect_error: " + err.Error()
	}
	log.Printf("upstream: %s", msg)
	b.broadcaster.Broadcast(server.Status(msg, "", nil))
}

// sleep waits d or until cancellation, reporting whether the caller should
// keep running.
func (b *Bridge) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
