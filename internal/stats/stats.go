// Package stats keeps running packet counters for the broker: a process
// total plus per-channel totals, mirrored into Prometheus.
package stats

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meshbridge/broker/internal/packet"
)

// Snapshot is an immutable copy of the counters, shaped for the wire
// protocol's heartbeat and priming lines.
type Snapshot struct {
	Total     int64         `json:"total"`
	ByChannel map[int]int64 `json:"by_channel"`
}

// Aggregator counts packets. All methods are safe for concurrent use; the
// scalar total and the per-channel map change together under one mutex so
// snapshots are never torn.
type Aggregator struct {
	mu        sync.Mutex
	total     int64
	byChannel map[int]int64

	packetsTotal   prometheus.Counter
	channelPackets *prometheus.CounterVec
}

// New returns an Aggregator with zeroed counters, registering its
// Prometheus mirrors on reg. Pass nil to skip external registration
// (tests).
func New(reg prometheus.Registerer) *Aggregator {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Aggregator{
		byChannel: make(map[int]int64),
		packetsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshbridge_packets_total",
			Help: "Packets received from the upstream mesh interface.",
		}),
		channelPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshbridge_channel_packets_total",
			Help: "Packets received per resolved channel index.",
		}, []string{"channel"}),
	}
}

// Record counts one event. The channel is derived from the event itself;
// events with no resolvable channel count toward the total only.
func (a *Aggregator) Record(evt map[string]any) {
	ch, ok := packet.ChannelOf(evt)

	a.mu.Lock()
	a.total++
	if ok {
		a.byChannel[ch]++
	}
	a.mu.Unlock()

	a.packetsTotal.Inc()
	if ok {
		a.channelPackets.WithLabelValues(strconv.Itoa(ch)).Inc()
	}
}

// Snapshot returns an atomically-consistent copy of the counters.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	byChannel := make(map[int]int64, len(a.byChannel))
	for ch, n := range a.byChannel {
		byChannel[ch] = n
	}
	return Snapshot{Total: a.total, ByChannel: byChannel}
}
