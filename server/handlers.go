package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/agime-team/agentstream/execution"
	"github.com/agime-team/agentstream/ledger"
	"github.com/agime-team/agentstream/worker"
)

// CreateExecutionRequest is the body of POST /api/{kind}/executions.
type CreateExecutionRequest struct {
	ID       string `json:"id,omitempty"`
	Prompt   string `json:"prompt"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// CreateExecutionResponse acknowledges a started execution.
type CreateExecutionResponse struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Streaming bool   `json:"streaming"`
}

// ExecutionResponse describes one execution: live registry state when it
// is active, and its latest ledger record when one exists.
type ExecutionResponse struct {
	ID     string          `json:"id"`
	Kind   string          `json:"kind"`
	Active bool            `json:"active"`
	Info   *execution.Info `json:"info,omitempty"`
	Record *ledger.Record  `json:"record,omitempty"`
}

// HealthResponse reports liveness and active counts per kind.
type HealthResponse struct {
	Status string         `json:"status"`
	Active map[string]int `json:"active"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	active := make(map[string]int, len(s.kinds))
	for name, k := range s.kinds {
		active[name] = k.Registry.ActiveCount()
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Active: active})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "metrics are disabled")
		return
	}
	points, err := s.metrics.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "METRICS_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": points})
}

// lookupKind resolves the {kind} path value, writing a 404 when unknown.
func (s *Server) lookupKind(w http.ResponseWriter, r *http.Request) (string, *kindRoutes, bool) {
	name := strings.ToLower(r.PathValue("kind"))
	k, ok := s.kinds[name]
	if !ok {
		writeError(w, http.StatusNotFound, "UNKNOWN_KIND", "unknown execution kind: "+r.PathValue("kind"))
		return "", nil, false
	}
	return name, k, true
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	kind, k, ok := s.lookupKind(w, r)
	if !ok {
		return
	}
	if !s.admit(w, r, s.strictLimiter) {
		return
	}
	if k.Driver == nil {
		writeError(w, http.StatusNotFound, "UNKNOWN_KIND", "kind "+kind+" does not accept new executions")
		return
	}

	var req CreateExecutionRequest
	if err := decodeJSON(r, &req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body too large")
			return
		}
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "INVALID_JSON", "request body is required")
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	var details []string
	if strings.TrimSpace(req.Prompt) == "" {
		details = append(details, "prompt is required")
	}
	if strings.ContainsAny(req.ID, "/ \t\n") {
		details = append(details, "id must not contain slashes or whitespace")
	}
	if s.providers != nil && !s.providers.Has(req.Provider) {
		details = append(details, "unknown provider: "+req.Provider)
	}
	if len(details) > 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid execution request", details...)
		return
	}

	id, err := k.Driver.Start(worker.Task{
		ID:       req.ID,
		Kind:     kind,
		Prompt:   req.Prompt,
		Provider: req.Provider,
		Model:    req.Model,
		Identity: requestIdentity(r),
	})
	if err != nil {
		if errors.Is(err, worker.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "ALREADY_RUNNING", "execution "+req.ID+" is already running")
			return
		}
		writeError(w, http.StatusInternalServerError, "START_FAILED", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, CreateExecutionResponse{ID: id, Kind: kind, Streaming: true})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	_, k, ok := s.lookupKind(w, r)
	if !ok {
		return
	}
	list := k.Registry.List()
	if list == nil {
		list = []execution.Info{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	kind, k, ok := s.lookupKind(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	resp := ExecutionResponse{ID: id, Kind: kind}
	if info, active := k.Registry.Lookup(id); active {
		resp.Active = true
		resp.Info = &info
	}
	if s.ledger != nil {
		rec, err := s.ledger.Latest(r.Context(), kind, id)
		switch {
		case err == nil:
			resp.Record = &rec
		case !errors.Is(err, ledger.ErrNotFound):
			writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
			return
		}
	}

	if !resp.Active && resp.Record == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	_, k, ok := s.lookupKind(w, r)
	if !ok {
		return
	}
	k.stream.ServeHTTP(w, r)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	kind, k, ok := s.lookupKind(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	cancelled := k.Registry.Cancel(id)
	if cancelled {
		s.logger.Info("execution cancelled by request", "kind", kind, "id", id, "identity", requestIdentity(r))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	kind, _, ok := s.lookupKind(w, r)
	if !ok {
		return
	}
	records := []ledger.Record{}
	if s.ledger != nil {
		recs, err := s.ledger.List(r.Context(), kind, r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
			return
		}
		if recs != nil {
			records = recs
		}
	}
	writeJSON(w, http.StatusOK, records)
}
