package gateway

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/poer2023/chusea-workflow/core/infra/logging"
	"github.com/poer2023/chusea-workflow/core/infra/metrics"
	wf "github.com/poer2023/chusea-workflow/core/workflow"
)

const defaultHTTPAddr = ":9080"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return isAllowedOrigin(r) },
}

// Server is the HTTP and websocket surface over the workflow controller.
type Server struct {
	ctrl    *wf.Controller
	metrics metrics.GatewayMetrics
	promh   http.Handler
	started time.Time

	clients   map[*websocket.Conn]chan wf.Snapshot
	clientsMu sync.RWMutex
	eventsCh  chan wf.Snapshot
	done      chan struct{}
}

// NewServer wires a gateway over the controller and subscribes to its
// transition stream. promHandler may be nil when metrics are not exposed.
func NewServer(ctrl *wf.Controller, gm metrics.GatewayMetrics, promHandler http.Handler) *Server {
	if gm == nil {
		gm = metrics.NoopGateway{}
	}
	s := &Server{
		ctrl:     ctrl,
		metrics:  gm,
		promh:    promHandler,
		started:  time.Now().UTC(),
		clients:  make(map[*websocket.Conn]chan wf.Snapshot),
		eventsCh: make(chan wf.Snapshot, 256),
		done:     make(chan struct{}),
	}
	ctrl.Subscribe(s.enqueueEvent)
	go s.broadcastLoop()
	return s
}

// Close stops the broadcast loop and disconnects clients.
func (s *Server) Close() {
	close(s.done)
	s.clientsMu.Lock()
	for ws := range s.clients {
		ws.Close()
		delete(s.clients, ws)
	}
	s.clientsMu.Unlock()
}

// Handler builds the routed HTTP handler, CORS included.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))

	mux.HandleFunc("POST /api/v1/workflows", s.instrumented("/api/v1/workflows", s.handleStartWorkflow))
	mux.HandleFunc("GET /api/v1/workflows", s.instrumented("/api/v1/workflows", s.handleListWorkflows))
	mux.HandleFunc("GET /api/v1/workflows/{id}", s.instrumented("/api/v1/workflows/{id}", s.handleGetWorkflow))
	mux.HandleFunc("DELETE /api/v1/workflows/{id}", s.instrumented("/api/v1/workflows/{id}", s.handleDeleteWorkflow))
	mux.HandleFunc("GET /api/v1/workflows/{id}/timeline", s.instrumented("/api/v1/workflows/{id}/timeline", s.handleGetTimeline))

	mux.HandleFunc("POST /api/v1/workflows/{id}/pause", s.instrumented("/api/v1/workflows/{id}/pause", s.command(s.ctrl.Pause)))
	mux.HandleFunc("POST /api/v1/workflows/{id}/resume", s.instrumented("/api/v1/workflows/{id}/resume", s.command(s.ctrl.Resume)))
	mux.HandleFunc("POST /api/v1/workflows/{id}/cancel", s.instrumented("/api/v1/workflows/{id}/cancel", s.command(s.ctrl.Cancel)))
	mux.HandleFunc("POST /api/v1/workflows/{id}/retry", s.instrumented("/api/v1/workflows/{id}/retry", s.command(s.ctrl.Retry)))
	mux.HandleFunc("POST /api/v1/workflows/{id}/skip", s.instrumented("/api/v1/workflows/{id}/skip", s.command(s.ctrl.Skip)))
	mux.HandleFunc("POST /api/v1/workflows/{id}/goto", s.instrumented("/api/v1/workflows/{id}/goto", s.handleGoTo))
	mux.HandleFunc("POST /api/v1/workflows/{id}/restore", s.instrumented("/api/v1/workflows/{id}/restore", s.handleRestore))

	if s.promh != nil {
		mux.Handle("GET /metrics", s.promh)
	}
	mux.HandleFunc("/api/v1/stream", s.instrumented("/api/v1/stream", s.handleStream))

	return corsMiddleware(mux)
}

// ListenAddr resolves the serving address from the environment.
func ListenAddr() string {
	if addr := os.Getenv("WORKFLOW_HTTP_ADDR"); addr != "" {
		return addr
	}
	return defaultHTTPAddr
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req wf.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	snap, err := s.ctrl.Start(req)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	logging.Info("gateway", "workflow started", "instance", snap.ID, "document", snap.DocumentID, "kind", snap.Kind)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	documentID := r.URL.Query().Get("document_id")
	limit := int64(50)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	snaps, err := s.ctrl.ListByDocument(r.Context(), documentID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []*wf.Snapshot{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"workflows": snaps})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Delete(r.Context(), r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetTimeline(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	events, err := s.ctrl.Timeline(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if events == nil {
		events = []wf.TimelineEvent{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"events": events})
}

type gotoRequest struct {
	Step wf.Step `json:"step"`
}

func (s *Server) handleGoTo(w http.ResponseWriter, r *http.Request) {
	var req gotoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Step == "" {
		http.Error(w, "missing step", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	if err := s.ctrl.GoTo(id, req.Step); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	s.respondSnapshot(w, r, id)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.Resurrect(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	logging.Info("gateway", "workflow restored", "instance", snap.ID, "status", snap.Status)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

// command adapts a controller command into a handler that replies with the
// post-command snapshot.
func (s *Server) command(fn func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := fn(id); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		s.respondSnapshot(w, r, id)
	}
}

func (s *Server) respondSnapshot(w http.ResponseWriter, r *http.Request, id string) {
	snap, err := s.ctrl.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

// statusFor maps controller errors onto HTTP status codes. Invalid input is
// 400, unknown instances 404, and transitions the state machine refuses 409.
func statusFor(err error) int {
	if errors.Is(err, wf.ErrNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, wf.ErrDocumentBusy) {
		return http.StatusConflict
	}
	var cfgErr *wf.ConfigError
	if errors.As(err, &cfgErr) {
		return http.StatusBadRequest
	}
	var storeErr *wf.StoreError
	if errors.As(err, &storeErr) {
		return http.StatusServiceUnavailable
	}
	if strings.HasPrefix(err.Error(), "cannot ") || strings.Contains(err.Error(), "is not skippable") ||
		strings.Contains(err.Error(), "is still active") || strings.Contains(err.Error(), "in flight") ||
		strings.Contains(err.Error(), "has no recorded result") {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	logging.Info("gateway", "ws connection attempt", "remote", r.RemoteAddr)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("gateway", "ws connected", "remote", r.RemoteAddr)

	clientCh := make(chan wf.Snapshot, 100)
	s.clientsMu.Lock()
	s.clients[ws] = clientCh
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, ws)
		s.clientsMu.Unlock()
	}()

	for {
		select {
		case snap := <-clientCh:
			data, err := json.Marshal(snap)
			if err != nil {
				logging.Error("gateway", "snapshot marshal failed", "error", err)
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) enqueueEvent(snap wf.Snapshot) {
	select {
	case s.eventsCh <- snap:
	default:
		logging.Warn("gateway", "event channel full, dropping snapshot", "instance", snap.ID)
	}
}

// broadcastLoop fans transition snapshots out to connected clients. Slow
// clients lose events rather than stalling the loop.
func (s *Server) broadcastLoop() {
	for {
		select {
		case snap := <-s.eventsCh:
			s.clientsMu.RLock()
			for ws, ch := range s.clients {
				select {
				case ch <- snap:
				default:
					logging.Warn("gateway", "client channel full, dropping event", "remote", ws.RemoteAddr().String())
				}
			}
			s.clientsMu.RUnlock()
		case <-s.done:
			return
		}
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin; treat as allowed.
		return true
	}

	allowed, allowAll := allowedOriginsFromEnv()
	if allowAll {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}

	if len(allowed) == 0 {
		switch strings.ToLower(u.Hostname()) {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		reqHost := requestHostname(r.Host)
		return reqHost != "" && strings.EqualFold(u.Hostname(), reqHost)
	}

	_, ok := allowed[origin]
	return ok
}

func allowedOriginsFromEnv() (map[string]struct{}, bool) {
	raw := strings.TrimSpace(os.Getenv("CHUSEA_ALLOWED_ORIGINS"))
	if raw == "" {
		return nil, false
	}
	if raw == "*" {
		return nil, true
	}
	set := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			set[p] = struct{}{}
		}
	}
	return set, false
}

func requestHostname(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record request metrics.
func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
	}
}
