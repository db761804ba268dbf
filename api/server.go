package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"btcmonitor/chain"
	"btcmonitor/logger"
	"btcmonitor/mempool"
	"btcmonitor/snapshot"
)

var log = logger.Logger

const (
	// DefaultLogLimit caps /api/logs when no limit is given
	DefaultLogLimit = 100
	maxLogLimit     = 1000

	discoverTimeout = 2 * time.Second
)

// StateSource hands out the monitor state. *snapshot.Monitor implements it.
type StateSource interface {
	State() snapshot.State
}

// Server serves the monitor state over HTTP
type Server struct {
	addr       string
	network    chain.Network
	source     StateSource
	hub        *Hub
	httpServer *http.Server
	listener   net.Listener
	now        func() time.Time
	discover   func(timeout time.Duration) ([]Instance, error)
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// NewServer creates a status server for source on addr (host:port)
func NewServer(addr string, network chain.Network, source StateSource) *Server {
	log.WithField("addr", addr).Debug("Creating status API server")

	s := &Server{
		addr:     addr,
		network:  network,
		source:   source,
		hub:      NewHub(),
		now:      time.Now,
		discover: Discover,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleHome)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/mempool/histogram", s.handleHistogram)
	mux.HandleFunc("/api/mempool/top", s.handleTop)
	mux.HandleFunc("/api/projection", s.handleProjection)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/api/logs/stats", s.handleLogStats)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/api/monitors", s.handleMonitors)

	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// Listen binds the listening socket so the port is known before serving
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	log.WithField("addr", ln.Addr().String()).Info("Status API listening")
	return nil
}

// Port is the bound TCP port, or 0 before Listen
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Serve blocks serving requests until Stop
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if err != nil {
		log.WithError(err).Error("HTTP server stopped with error")
	}
	return err
}

// Start listens and serves; it blocks until Stop
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop closes stream clients and shuts the HTTP server down
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Error occurred while stopping HTTP server")
		return err
	}
	log.Info("Status API stopped")
	return nil
}

// Publish pushes a state to every stream client
func (s *Server) Publish(state snapshot.State) {
	s.hub.Broadcast(state)
}

// Middleware for CORS
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Middleware for logging
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		log.WithFields(logrus.Fields{
			"method":   r.Method,
			"url":      r.URL.Path,
			"duration": time.Since(start).String(),
			"remote":   r.RemoteAddr,
		}).Debug("API request processed")
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, APIResponse{Success: false, Error: message})
}

// writeSuccess writes a success response
func (s *Server) writeSuccess(w http.ResponseWriter, data interface{}, message string) {
	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data, Message: message})
}

// requireGet rejects anything but GET
func (s *Server) requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

// latestSnapshot writes 503 and returns nil when no tick has succeeded yet
func (s *Server) latestSnapshot(w http.ResponseWriter) (*snapshot.Snapshot, snapshot.State) {
	state := s.source.State()
	if state.Snapshot == nil {
		msg := "No snapshot available yet"
		if state.LastError != nil {
			msg = fmt.Sprintf("No snapshot available yet: %v", state.LastError)
		}
		s.writeError(w, http.StatusServiceUnavailable, msg)
		return nil, state
	}
	return state.Snapshot, state
}

// handleHome serves the API home page
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeError(w, http.StatusNotFound, "Endpoint not found")
		return
	}

	homeData := map[string]interface{}{
		"service":     "btcmonitor",
		"network":     s.network.String(),
		"description": "Bitcoin Core node, mempool and next-block monitor",
		"endpoints": map[string]string{
			"GET /api/health":            "Monitor health and last error",
			"GET /api/snapshot":          "Last successful snapshot",
			"GET /api/mempool/histogram": "Fee-rate histogram",
			"GET /api/mempool/top?n=":    "Largest transactions by output value",
			"GET /api/projection":        "Projected next block (transactions=true for the list)",
			"GET /api/logs":              "Recent log entries (level, since, limit)",
			"GET /api/logs/stats":        "Log entry counts by level",
			"GET /api/stream":            "WebSocket stream of monitor state",
			"GET /api/monitors":          "Other monitors advertised over mDNS",
		},
		"timestamp": s.now(),
	}

	s.writeSuccess(w, homeData, "btcmonitor API is running")
}

// handleHealth reports 200 while snapshots are current and 503 otherwise
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.source.State()
	health := HealthInfo{
		Status:              string(state.Status),
		Network:             s.network.String(),
		LastAttempt:         state.LastAttempt,
		LastSuccess:         state.LastSuccess,
		ConsecutiveFailures: state.ConsecutiveFailures,
		Stale:               state.Stale(),
		Ticks:               state.Ticks,
		Timestamp:           s.now(),
	}
	if state.LastError != nil {
		health.LastError = state.LastError.Error()
	}

	switch state.Status {
	case snapshot.StatusOK, snapshot.StatusDegraded:
		s.writeSuccess(w, health, "Monitor is healthy")
	default:
		s.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Data:    health,
			Error:   fmt.Sprintf("Monitor is %s", state.Status),
		})
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	if _, state := s.latestSnapshot(w); state.Snapshot != nil {
		s.writeSuccess(w, state, "")
	}
}

func (s *Server) handleHistogram(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	snap, _ := s.latestSnapshot(w)
	if snap == nil {
		return
	}
	s.writeSuccess(w, HistogramInfo{
		TickID:  snap.TickID,
		TakenAt: snap.TakenAt,
		Count:   snap.Mempool.Count,
		Buckets: snap.Mempool.Histogram,
	}, "")
}

func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}

	n := mempool.DefaultTopN
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}

	snap, _ := s.latestSnapshot(w)
	if snap == nil {
		return
	}

	entries := snap.Mempool.Top
	if n < len(entries) {
		entries = entries[:n]
	}
	s.writeSuccess(w, TopInfo{
		TickID:   snap.TickID,
		TakenAt:  snap.TakenAt,
		Coverage: snap.Mempool.Coverage,
		Entries:  entries,
	}, fmt.Sprintf("%d transactions", len(entries)))
}

func (s *Server) handleProjection(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	snap, _ := s.latestSnapshot(w)
	if snap == nil {
		return
	}

	proj := snap.Projection
	if r.URL.Query().Get("transactions") != "true" {
		proj.Transactions = nil
	}
	s.writeSuccess(w, ProjectionInfo{
		TickID:     snap.TickID,
		TakenAt:    snap.TakenAt,
		Projection: proj,
	}, proj.Source.String())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	if !logger.DatabaseEnabled() {
		s.writeError(w, http.StatusNotFound, "Log database is not enabled")
		return
	}

	query := r.URL.Query()
	limit := DefaultLogLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxLogLimit {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxLogLimit))
			return
		}
		limit = parsed
	}

	var since *time.Time
	if raw := query.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = &parsed
	}

	entries, err := logger.QueryLogs(query.Get("level"), since, limit)
	if err != nil {
		log.WithError(err).Error("Failed to query logs")
		s.writeError(w, http.StatusInternalServerError, "Failed to query logs")
		return
	}
	s.writeSuccess(w, entries, fmt.Sprintf("%d log entries", len(entries)))
}

func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	if !logger.DatabaseEnabled() {
		s.writeError(w, http.StatusNotFound, "Log database is not enabled")
		return
	}

	stats, err := logger.GetLogStats()
	if err != nil {
		log.WithError(err).Error("Failed to read log stats")
		s.writeError(w, http.StatusInternalServerError, "Failed to read log stats")
		return
	}
	s.writeSuccess(w, stats, "")
}

// handleMonitors runs an mDNS query for other monitors on the local network
func (s *Server) handleMonitors(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}

	log.WithField("remoteAddr", r.RemoteAddr).Debug("Monitor discovery triggered via API")
	instances, err := s.discover(discoverTimeout)
	if err != nil {
		log.WithError(err).Error("Monitor discovery failed")
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Monitor discovery failed: %v", err))
		return
	}

	sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })
	log.WithField("count", len(instances)).Debug("Monitor discovery completed")
	s.writeSuccess(w, instances, fmt.Sprintf("Found %d monitors", len(instances)))
}
