package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/agime-team/agentstream/execution"
	"github.com/agime-team/agentstream/ledger"
	agentotel "github.com/agime-team/agentstream/otel"
	"github.com/agime-team/agentstream/ratelimit"
	"github.com/agime-team/agentstream/runtime"
	"github.com/agime-team/agentstream/sse"
	"github.com/agime-team/agentstream/worker"
)

// Kind wires one execution kind into the API.
type Kind struct {
	Registry *execution.Registry[runtime.Event]
	Driver   *worker.Driver

	// Stream configures push sessions for this kind.
	Stream sse.Config
}

// ProviderSet reports whether a task may name a provider.
type ProviderSet interface {
	Has(name string) bool
}

// MetricsSource serves the /debug/metrics snapshot.
type MetricsSource interface {
	Snapshot(ctx context.Context) ([]agentotel.MetricPoint, error)
}

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Kinds     map[string]Kind
	Ledger    ledger.Store
	Providers ProviderSet
	Metrics   MetricsSource

	// DefaultLimiter guards every /api/ route; StrictLimiter additionally
	// guards execution creation. Nil disables the check.
	DefaultLimiter *ratelimit.Limiter
	StrictLimiter  *ratelimit.Limiter

	// OnRejected observes rate-limit denials by limiter name. Optional.
	OnRejected func(limiter string)

	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

type kindRoutes struct {
	Kind
	stream http.Handler
}

// Server is the agentstream HTTP API server.
type Server struct {
	kinds          map[string]*kindRoutes
	ledger         ledger.Store
	providers      ProviderSet
	metrics        MetricsSource
	defaultLimiter *ratelimit.Limiter
	strictLimiter  *ratelimit.Limiter
	onRejected     func(string)
	corsOrigin     string
	maxBody        int64
	logger         *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}

	kinds := make(map[string]*kindRoutes, len(cfg.Kinds))
	for name, k := range cfg.Kinds {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || k.Registry == nil {
			continue
		}
		if k.Stream.Logger == nil {
			k.Stream.Logger = logger
		}
		kinds[name] = &kindRoutes{
			Kind:   k,
			stream: sse.NewHandler(sse.NewAdapter[runtime.Event](k.Registry, k.Stream)),
		}
	}

	return &Server{
		kinds:          kinds,
		ledger:         cfg.Ledger,
		providers:      cfg.Providers,
		metrics:        cfg.Metrics,
		defaultLimiter: cfg.DefaultLimiter,
		strictLimiter:  cfg.StrictLimiter,
		onRejected:     cfg.OnRejected,
		corsOrigin:     corsOrigin,
		maxBody:        maxBody,
		logger:         logger.With("component", "server"),
	}
}

// KindNames lists the served kinds.
func (s *Server) KindNames() []string {
	names := make([]string, 0, len(s.kinds))
	for name := range s.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.rateLimitMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /debug/metrics", s.handleMetrics)

	mux.HandleFunc("POST /api/{kind}/executions", s.handleCreateExecution)
	mux.HandleFunc("GET /api/{kind}/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/{kind}/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /api/{kind}/executions/{id}/stream", s.handleStream)
	mux.HandleFunc("POST /api/{kind}/executions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/{kind}/executions/{id}/history", s.handleHistory)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID, X-User-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") && !s.admit(w, r, s.defaultLimiter) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// admit checks limiter for the request identity and writes the 429
// response when it denies.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, limiter *ratelimit.Limiter) bool {
	if limiter == nil {
		return true
	}
	identity := requestIdentity(r)
	if limiter.Check(identity) {
		return true
	}
	if s.onRejected != nil {
		s.onRejected(limiter.Name())
	}
	s.logger.Warn("rate limit exceeded", "limiter", limiter.Name(), "identity", identity, "path", r.URL.Path)
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
	return false
}

// requestIdentity prefers the X-User-ID header and falls back to the
// client IP.
func requestIdentity(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return "user:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
