package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/auroraproxy/aurora/pkg/ddns"
	"github.com/auroraproxy/aurora/pkg/enforcer"
	"github.com/auroraproxy/aurora/pkg/log"
	"github.com/auroraproxy/aurora/pkg/metrics"
	"github.com/auroraproxy/aurora/pkg/queue"
	"github.com/auroraproxy/aurora/pkg/security"
	"github.com/auroraproxy/aurora/pkg/storage"
	"github.com/auroraproxy/aurora/pkg/streambus"
	"github.com/auroraproxy/aurora/pkg/translator"
	"github.com/auroraproxy/aurora/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server is the Control API: a thin JSON/WebSocket facade over the
// store and queue. It never executes an ActionPlan itself — every
// mutating route ends in either a store write or a job enqueue.
type Server struct {
	store       storage.Store
	queue       *queue.Queue
	bus         *streambus.Bus
	sm          *security.SecretsManager
	upgrader    websocket.Upgrader
	syncPoll    time.Duration
	syncTimeout time.Duration
}

// NewServer constructs a Server. bus may be nil, in which case the
// job-stream route responds 503. sm may be nil only in tests that never
// exercise a server's Password/SudoPassword fields; the serve/worker
// commands always build one from SECRET_KEY.
func NewServer(store storage.Store, q *queue.Queue, bus *streambus.Bus, sm *security.SecretsManager) *Server {
	return &Server{
		store: store,
		queue: q,
		bus:   bus,
		sm:    sm,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		syncPoll:    200 * time.Millisecond,
		syncTimeout: 30 * time.Second,
	}
}

// encryptServerSecrets replaces server's plaintext Password/SudoPassword
// with their at-rest ciphertext, a no-op when sm is unset.
func (s *Server) encryptServerSecrets(server *types.Server) error {
	if s.sm == nil {
		return nil
	}
	if server.Password != "" {
		ct, err := s.sm.EncryptString(server.Password)
		if err != nil {
			return fmt.Errorf("api: encrypt server password: %w", err)
		}
		server.Password = ct
	}
	if server.SudoPassword != "" {
		ct, err := s.sm.EncryptString(server.SudoPassword)
		if err != nil {
			return fmt.Errorf("api: encrypt server sudo password: %w", err)
		}
		server.SudoPassword = ct
	}
	return nil
}

// decryptServerSecrets reverses encryptServerSecrets, used to recover the
// plaintext before folding an update request into an already-stored
// (encrypted) Server so an unmodified password round-trips correctly
// rather than being encrypted a second time.
func (s *Server) decryptServerSecrets(server *types.Server) error {
	if s.sm == nil {
		return nil
	}
	if server.Password != "" {
		pt, err := s.sm.DecryptString(server.Password)
		if err != nil {
			return fmt.Errorf("api: decrypt server password: %w", err)
		}
		server.Password = pt
	}
	if server.SudoPassword != "" {
		pt, err := s.sm.DecryptString(server.SudoPassword)
		if err != nil {
			return fmt.Errorf("api: decrypt server sudo password: %w", err)
		}
		server.SudoPassword = pt
	}
	return nil
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/servers", s.instrument("create_server", s.createServer)).Methods(http.MethodPost)
	r.HandleFunc("/servers", s.instrument("list_servers", s.listServers)).Methods(http.MethodGet)
	r.HandleFunc("/servers/{id}", s.instrument("get_server", s.getServer)).Methods(http.MethodGet)
	r.HandleFunc("/servers/{id}", s.instrument("update_server", s.updateServer)).Methods(http.MethodPut)
	r.HandleFunc("/servers/{id}", s.instrument("delete_server", s.deleteServer)).Methods(http.MethodDelete)

	r.HandleFunc("/servers/{server_id}/ports", s.instrument("create_port", s.createPort)).Methods(http.MethodPost)
	r.HandleFunc("/servers/{server_id}/ports", s.instrument("list_ports", s.listPorts)).Methods(http.MethodGet)
	r.HandleFunc("/ports/{id}", s.instrument("get_port", s.getPort)).Methods(http.MethodGet)
	r.HandleFunc("/ports/{id}", s.instrument("update_port", s.updatePort)).Methods(http.MethodPut)
	r.HandleFunc("/ports/{id}", s.instrument("delete_port", s.deletePort)).Methods(http.MethodDelete)

	r.HandleFunc("/ports/{port_id}/rule", s.instrument("upsert_rule", s.upsertForwardRule)).Methods(http.MethodPut)
	r.HandleFunc("/ports/{port_id}/rule", s.instrument("get_rule", s.getForwardRuleByPort)).Methods(http.MethodGet)
	r.HandleFunc("/ports/{port_id}/rule", s.instrument("delete_rule", s.deleteForwardRule)).Methods(http.MethodDelete)
	r.HandleFunc("/ports/{port_id}/rule/sync", s.instrument("upsert_rule_sync", s.upsertForwardRuleSync)).Methods(http.MethodPut)

	r.HandleFunc("/jobs/{id}", s.instrument("get_job", s.getJob)).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/stream", s.streamJob).Methods(http.MethodGet)

	r.Handle("/metrics", metrics.Handler())
	return r
}

// instrument wraps a handler with the aurora_api_requests_total /
// aurora_api_request_duration_seconds pair, generalized from the
// teacher's per-RPC instrumentation to HTTP status classes.
func (s *Server) instrument(name string, h func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, name)
		status := "success"
		if sw.status >= 400 {
			status = "error"
		}
		metrics.APIRequestsTotal.WithLabelValues(name, status).Inc()
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// strictDecode decodes a JSON request body with DisallowUnknownFields, so
// an operator-supplied field the target struct doesn't recognize is a
// 400 rather than a silently dropped no-op, matching spec §4.3's "unknown
// fields are rejected".
func strictDecode(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var validation *types.ValidationError
	var conflict *types.ConflictError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &conflict):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// --- Servers ---

func (s *Server) createServer(w http.ResponseWriter, r *http.Request) {
	var server types.Server
	if err := strictDecode(r.Body, &server); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	server.CreatedAt = time.Now()
	server.UpdatedAt = server.CreatedAt
	server.IsActive = true
	if err := s.encryptServerSecrets(&server); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.CreateServer(&server); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, server)
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.store.ListServers()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

func (s *Server) getServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	server, err := s.store.GetServer(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (s *Server) updateServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	existing, err := s.store.GetServer(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	// Decrypt first so a request that omits Password/SudoPassword leaves
	// the decoded struct holding the unchanged plaintext, not ciphertext
	// that would otherwise be encrypted a second time below.
	if err := s.decryptServerSecrets(existing); err != nil {
		writeError(w, err)
		return
	}
	if err := strictDecode(r.Body, existing); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	existing.ID = id
	existing.UpdatedAt = time.Now()
	if err := s.encryptServerSecrets(existing); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.UpdateServer(existing); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) deleteServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.DeleteServer(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// --- Ports ---

func (s *Server) createPort(w http.ResponseWriter, r *http.Request) {
	serverID := mux.Vars(r)["server_id"]
	var port types.Port
	if err := strictDecode(r.Body, &port); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	port.ServerID = serverID
	if port.ID == "" {
		port.ID = uuid.New().String()
	}
	port.CreatedAt = time.Now()
	port.IsActive = true
	if err := s.store.CreatePort(&port); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, port)
}

func (s *Server) listPorts(w http.ResponseWriter, r *http.Request) {
	serverID := mux.Vars(r)["server_id"]
	ports, err := s.store.ListPortsByServer(serverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

func (s *Server) getPort(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	port, err := s.store.GetPort(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, port)
}

func (s *Server) updatePort(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	existing, err := s.store.GetPort(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err := strictDecode(r.Body, existing); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	existing.ID = id
	if err := s.store.UpdatePort(existing); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) deletePort(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.DeletePort(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// --- ForwardRules ---

func (s *Server) getForwardRuleByPort(w http.ResponseWriter, r *http.Request) {
	portID := mux.Vars(r)["port_id"]
	rule, err := s.store.GetForwardRuleByPort(portID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// upsertForwardRule creates or replaces the rule on a port and enqueues
// reconciliation; it returns immediately with the job id, matching the
// async-by-default shape of every other mutating route.
func (s *Server) upsertForwardRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.decodeRuleUpsert(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	jobID, err := s.enqueueReconcile(r.Context(), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"rule_id": rule.ID, "job_id": jobID})
}

// upsertForwardRuleSync is the blocking convenience route: it enqueues
// the same reconciliation and waits for the rule to reach a terminal
// status before responding.
func (s *Server) upsertForwardRuleSync(w http.ResponseWriter, r *http.Request) {
	rule, err := s.decodeRuleUpsert(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if _, err := s.enqueueReconcile(r.Context(), rule); err != nil {
		writeError(w, err)
		return
	}
	final, err := s.awaitTerminal(r.Context(), rule.ID)
	if err != nil {
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if final.Status == types.RuleStatusFailed {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, final)
}

// decodeRuleUpsert validates at the boundary: a disabled method or a
// schema-rejected config returns a ValidationError here and is never
// persisted or handed to a job, so it never reaches the Reconciler.
func (s *Server) decodeRuleUpsert(r *http.Request) (*types.ForwardRule, error) {
	portID := mux.Vars(r)["port_id"]
	var rule types.ForwardRule
	if err := strictDecode(r.Body, &rule); err != nil {
		return nil, err
	}
	rule.PortID = portID

	port, err := s.store.GetPort(portID)
	if err != nil {
		return nil, fmt.Errorf("api: load port %s: %w", portID, err)
	}
	server, err := s.store.GetServer(port.ServerID)
	if err != nil {
		return nil, fmt.Errorf("api: load server %s: %w", port.ServerID, err)
	}
	if err := translator.Validate(port, &rule, server); err != nil {
		return nil, err
	}

	if existing, err := s.store.GetForwardRuleByPort(portID); err == nil {
		rule.ID = existing.ID
		rule.CreatedAt = existing.CreatedAt
		if err := s.store.UpdateForwardRule(&rule); err != nil {
			return nil, err
		}
	} else {
		if rule.ID == "" {
			rule.ID = uuid.New().String()
		}
		rule.CreatedAt = time.Now()
		rule.IsActive = true
		rule.Status = types.RuleStatusPending
		if err := s.store.CreateForwardRule(&rule); err != nil {
			return nil, err
		}
	}
	return &rule, nil
}

func (s *Server) enqueueReconcile(ctx context.Context, rule *types.ForwardRule) (string, error) {
	payload, err := json.Marshal(ddns.ReconcilePayload{RuleID: rule.ID})
	if err != nil {
		return "", fmt.Errorf("api: marshal reconcile payload: %w", err)
	}
	job := &types.Job{Name: ddns.JobReconcileRule, Payload: payload, Priority: queue.PriorityReconcileRule, MaxRetries: 3}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("api: enqueue reconcile: %w", err)
	}
	return job.ID, nil
}

func (s *Server) awaitTerminal(ctx context.Context, ruleID string) (*types.ForwardRule, error) {
	deadline := time.Now().Add(s.syncTimeout)
	for time.Now().Before(deadline) {
		rule, err := s.store.GetForwardRule(ruleID)
		if err != nil {
			return nil, err
		}
		if rule.Status == types.RuleStatusRunning || rule.Status == types.RuleStatusFailed {
			return rule, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.syncPoll):
		}
	}
	return nil, fmt.Errorf("api: timed out waiting for rule %s to settle", ruleID)
}

// deleteForwardRule enqueues an immediate clean_port job — distinct from
// the enforcer's quota-triggered delete, this is an operator-initiated
// teardown and does not wait on a quota re-evaluation.
func (s *Server) deleteForwardRule(w http.ResponseWriter, r *http.Request) {
	portID := mux.Vars(r)["port_id"]
	port, err := s.store.GetPort(portID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	payload, err := json.Marshal(enforcer.CleanPortPayload{ServerID: port.ServerID, PortID: port.ID})
	if err != nil {
		writeError(w, err)
		return
	}
	job := &types.Job{Name: enforcer.JobCleanPort, Payload: payload, Priority: queue.PriorityCleanup}
	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

// --- Jobs ---

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// streamJob upgrades to a WebSocket and forwards every line the job's
// stream-bus channel produces — replayed history first, then live
// output — until the stopword closes it.
func (s *Server) streamJob(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "stream bus not configured", http.StatusServiceUnavailable)
		return
	}
	jobID := mux.Vars(r)["id"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Logger.Error().Err(err).Str("job_id", jobID).Msg("api: websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, cancel, err := s.bus.Subscribe(r.Context(), jobID)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("error: %v", err)))
		return
	}
	defer cancel()

	stopword := s.bus.Stopword()
	for line := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
		if line == stopword {
			return
		}
	}
}
