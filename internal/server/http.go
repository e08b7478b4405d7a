package server

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/meshbridge/broker/internal/stats"
)

// HTTP is the optional sidecar listener: a WebSocket mirror of the JSONL
// stream plus health and metrics endpoints.
type HTTP struct {
	broadcaster *Broadcaster
	agg         *stats.Aggregator
	registry    *prometheus.Registry
	started     time.Time
	proc        *process.Process
	srv         *http.Server
}

func NewHTTP(b *Broadcaster, agg *stats.Aggregator, registry *prometheus.Registry) *HTTP {
	h := &HTTP{
		broadcaster: b,
		agg:         agg,
		registry:    registry,
		started:     time.Now(),
	}
	// Best effort; /healthz omits process fields if this fails.
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		h.proc = p
	}
	return h
}

func (h *HTTP) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/stream", h.handleStream)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
}

// ListenAndServe blocks until the context is canceled or the listener
// fails.
func (h *HTTP) ListenAndServe(ctx context.Context, bind string, port int) error {
	mux := http.NewServeMux()
	h.Routes(mux)

	h.srv = &http.Server{
		Addr:    net.JoinHostPort(bind, strconv.Itoa(port)),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.srv.Shutdown(shutdownCtx)
	}()

	err := h.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// The broker is LAN-scoped with unauthenticated TCP subscribers; the
// WebSocket mirror follows the same trust model.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *HTTP) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}

	id := uuid.NewString()[:8]
	sink := newWSSink(conn)

	h.broadcaster.Register(sink, id)
	log.Printf("ws client %s connected from %s (%d total)", id, conn.RemoteAddr(), h.broadcaster.ClientCount())

	sink.Send(append([]byte(BrokerInfo().Line()), '\n'))

	// Push-only, same as the TCP side: inbound messages are read and
	// dropped so the connection's control frames keep flowing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.broadcaster.Unregister(sink)
	sink.Close()
	log.Printf("ws client %s disconnected (%d total)", id, h.broadcaster.ClientCount())
}

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Clients       int     `json:"clients"`
	PacketsTotal  int64   `json:"packets_total"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryRSS     uint64  `json:"memory_rss,omitempty"`
}

func (h *HTTP) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Clients:       h.broadcaster.ClientCount(),
		PacketsTotal:  h.agg.Snapshot().Total,
	}
	if h.proc != nil {
		if cpu, err := h.proc.CPUPercent(); err == nil {
			resp.CPUPercent = cpu
		}
		if mem, err := h.proc.MemoryInfo(); err == nil {
			resp.MemoryRSS = mem.RSS
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// wsSink bridges the broadcaster to a websocket connection through a
// buffered send channel and a write pump, so a slow websocket client is
// disconnected rather than allowed to stall the broadcast pass.
type wsSink struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func newWSSink(conn *websocket.Conn) *wsSink {
	s := &wsSink{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go s.writePump()
	return s
}

func (s *wsSink) writePump() {
	defer s.conn.Close()
	for msg := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *wsSink) Send(line []byte) error {
	select {
	case s.send <- line:
		return nil
	default:
		return errSlowClient
	}
}

func (s *wsSink) Close() error {
	s.closeOnce.Do(func() { close(s.send) })
	return nil
}
