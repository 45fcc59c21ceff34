package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"incident_core/internal/config"
	"incident_core/internal/ledger"
	"incident_core/internal/metrics"
	"incident_core/internal/replay"
	"incident_core/internal/session"
)

// Router builds HTTP handlers for /api and /ops.
type Router struct {
	cfg     config.Config
	core    *session.Orchestrator
	ledger  *ledger.Store
	metrics *metrics.Metrics
}

func NewRouter(cfg config.Config, core *session.Orchestrator, led *ledger.Store, m *metrics.Metrics) *Router {
	return &Router{cfg: cfg, core: core, ledger: led, metrics: m}
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/sessions", r.sessions)
	mux.HandleFunc("/api/sessions/start", r.start)
	mux.HandleFunc("/api/sessions/", r.sessionDetail)
	mux.HandleFunc("/ops/replay/sweep", r.sweep)
	mux.HandleFunc("/ops/health", r.health)
	mux.HandleFunc("/ops/metrics", r.stats)
}

func (r *Router) start(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := r.core.Start(req.Context())
	if errors.Is(err, session.ErrSessionBusy) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "session busy", "active_session_id": id})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]string{"session_id": id})
}

func (r *Router) sessions(w http.ResponseWriter, req *http.Request) {
	f := session.Filter{State: session.State(req.URL.Query().Get("state"))}
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	list, err := r.core.List(req.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, list)
}

// sessionDetail serves /api/sessions/{id} and its sub-resources.
func (r *Router) sessionDetail(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/api/sessions/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, req)
		return
	}
	switch action {
	case "":
		r.get(w, req, id)
	case "utterances":
		r.utterance(w, req, id)
	case "stop":
		r.stop(w, req, id)
	case "redispatch":
		r.redispatch(w, req, id)
	default:
		http.NotFound(w, req)
	}
}

func (r *Router) get(w http.ResponseWriter, req *http.Request, id string) {
	s, err := r.core.Status(req.Context(), id)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	respondJSON(w, s)
}

func (r *Router) utterance(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Speaker   string    `json:"speaker"`
		Text      string    `json:"text"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		http.Error(w, "text required", http.StatusBadRequest)
		return
	}
	if body.Timestamp.IsZero() {
		body.Timestamp = config.Now()
	}
	if err := r.core.RecordUtterance(req.Context(), id, body.Speaker, body.Text, body.Timestamp); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) stop(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	got, err := r.core.Stop(req.Context(), id)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	respondJSON(w, map[string]string{"session_id": got})
}

func (r *Router) redispatch(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Sinks []string `json:"sinks"`
	}
	if req.ContentLength > 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	snap, err := r.core.Redispatch(req.Context(), id, body.Sinks)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	respondJSON(w, snap)
}

func (r *Router) sweep(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 200
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	redisp := req.URL.Query().Get("dry_run") != "true"
	sum, err := replay.Sweep(req.Context(), r.core, limit, redisp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, sum)
}

func (r *Router) stats(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, r.metrics.Snapshot())
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.ledger.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeCoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, session.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func respondJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write json: %v", err)
	}
}
