// Package adminserver exposes the minimal ambient operability surface
// a crawlcore deployment carries: /metrics (promhttp), /healthz, and a
// /ws/status stream of periodic autoscale-state snapshots, wired from
// cmd/crawlcore as an optional piece an embedder may skip.
//
// It is a connection-registry-plus-best-effort-fan-out hub guarded by
// a rate limiter, trimmed down to pure read-only observability rather
// than a full start/stop control panel.
package adminserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"crawlcore/pkg/autoscale"
	"crawlcore/pkg/metrics"
)

// StatusSource supplies the autoscale snapshot the /ws/status
// stream broadcasts. *autoscale.Pool satisfies this directly.
type StatusSource interface {
	State() autoscale.State
	DesiredConcurrency() int
	CurrentConcurrency() int
}

// Config controls the observability surface's cadence and rate limit.
type Config struct {
	StatusInterval    time.Duration
	RateLimitPerSec   float64
	RateLimitBurst    int
}

// DefaultConfig returns a 100 req/s (burst 200) rate limit and a 2s
// status broadcast cadence.
func DefaultConfig() Config {
	return Config{
		StatusInterval:  2 * time.Second,
		RateLimitPerSec: 100,
		RateLimitBurst:  200,
	}
}

// Hub fans snapshots out to every connected /ws/status subscriber,
// generalizing internal/server.Hub from log+status broadcasting to a
// single typed snapshot broadcast.
type Hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]chan []byte
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]chan []byte)}
}

// Register adds conn to the broadcast set and starts its writer
// goroutine.
func (h *Hub) Register(conn *websocket.Conn) {
	ch := make(chan []byte, 32)
	h.mu.Lock()
	h.conns[conn] = ch
	h.mu.Unlock()
	go func() {
		for msg := range ch {
			_ = conn.WriteMessage(websocket.TextMessage, msg)
		}
	}()
}

// Unregister removes conn and closes its channel.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.conns[conn]; ok {
		close(ch)
		delete(h.conns, conn)
	}
	h.mu.Unlock()
}

// Broadcast sends payload to every registered connection, best-effort
// (a full channel drops the message rather than blocking).
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.conns {
		select {
		case ch <- payload:
		default:
		}
	}
}

// StatusSnapshot is one broadcast frame.
type StatusSnapshot struct {
	Timestamp           time.Time `json:"timestamp"`
	State               string    `json:"state"`
	DesiredConcurrency  int       `json:"desiredConcurrency"`
	CurrentConcurrency  int       `json:"currentConcurrency"`
}

// Server is the admin HTTP+WebSocket surface.
type Server struct {
	cfg       Config
	collector *metrics.MetricsCollector
	status    StatusSource
	hub       *Hub
	limiter   *rate.Limiter
	startedAt time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Server. collector and status may both be nil: with
// a nil collector /metrics is not mounted, and with a nil status the
// /ws/status snapshots carry only a timestamp.
func New(cfg Config, collector *metrics.MetricsCollector, status StatusSource) *Server {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 2 * time.Second
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 100
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 200
	}

	return &Server{
		cfg:       cfg,
		collector: collector,
		status:    status,
		hub:       NewHub(),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
		startedAt: time.Now(),
		stop:      make(chan struct{}),
	}
}

// Start begins the periodic status-broadcast loop. Call Stop to end it.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.broadcastLoop()
}

// Stop ends the broadcast loop and waits for it to exit.
func (s *Server) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.wg.Wait()
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			payload, err := json.Marshal(s.buildSnapshot())
			if err != nil {
				continue
			}
			s.hub.Broadcast(payload)
		case <-s.stop:
			return
		}
	}
}

func (s *Server) buildSnapshot() StatusSnapshot {
	snap := StatusSnapshot{Timestamp: time.Now()}
	if s.status != nil {
		snap.State = s.status.State().String()
		snap.DesiredConcurrency = s.status.DesiredConcurrency()
		snap.CurrentConcurrency = s.status.CurrentConcurrency()
	}
	return snap
}

func rateLimited(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// Routes returns the admin HTTP mux: /metrics, /healthz, /ws/status.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", rateLimited(s.limiter, s.handleHealthz))
	mux.HandleFunc("/ws/status", s.handleWebSocket)

	if s.collector != nil {
		mux.Handle("/metrics", s.collector.MetricsHandler())
	}

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, allowed := range []string{"http://127.0.0.1", "http://localhost", "https://127.0.0.1", "https://localhost"} {
			if strings.HasPrefix(origin, allowed) {
				return true
			}
		}
		return false
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.Register(conn)
	defer s.hub.Unregister(conn)

	if payload, err := json.Marshal(s.buildSnapshot()); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	<-done
}
