package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/branchchat/branchd/internal/apikey"
	"github.com/branchchat/branchd/internal/auth"
	"github.com/branchchat/branchd/internal/tree"
	"github.com/branchchat/branchd/internal/usage"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger      *slog.Logger
	Engine      *tree.Engine    // Required
	Keys        *apikey.Service // Required
	Usage       *usage.Recorder // Required
	Verifier    *auth.Verifier  // Required
	Pool        *pgxpool.Pool   // Optional: nil disables pool stats in /ready
	CORSOrigins []string        // Allowed origins for CORS
	TrustProxy  bool            // Trust X-Real-IP/X-Forwarded-For headers (behind reverse proxy)
	RateBurst   int             // Rate limiter burst size per IP (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.Keys == nil {
		return nil, errors.New("api key service is required")
	}
	if cfg.Usage == nil {
		return nil, errors.New("usage recorder is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("token verifier is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sh := &sessionHandler{engine: cfg.Engine, logger: logger}
	kh := &keyHandler{keys: cfg.Keys, logger: logger}
	uh := &usageHandler{recorder: cfg.Usage, logger: logger}

	mux := http.NewServeMux()

	// Session CRUD. The /sessions/user/ alias serves older web clients.
	mux.HandleFunc("GET /api/v1/sessions", sh.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/user/{$}", sh.listSessions)
	mux.HandleFunc("POST /api/v1/sessions", sh.createSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", sh.getSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", sh.deleteSession)

	// Branching
	mux.HandleFunc("POST /api/v1/sessions/{id}/branches", sh.createBranch)
	mux.HandleFunc("POST /api/v1/sessions/{id}/branches/{branchId}/msgs", sh.sendMessage)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}/branches/{branchId}", sh.deleteBranch)

	// Completion stream
	mux.HandleFunc("GET /api/v1/sessions/{id}/events", sh.streamEvents)

	// API keys
	mux.HandleFunc("GET /api/v1/keys/{$}", kh.listKeys)
	mux.HandleFunc("POST /api/v1/keys/generate", kh.generateKey)
	mux.HandleFunc("DELETE /api/v1/keys/{id}", kh.deactivateKey)

	// Usage report
	mux.HandleFunc("GET /api/v1/usage", uh.report)

	// Rate limiter: per-IP token bucket (1 token/sec refill)
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → RateLimit → Auth → Usage → Routes
	// RequestID must be before Logging so request_id is available in log attributes.
	// CORS must be before RateLimit so preflight OPTIONS gets proper CORS headers.
	// Usage must be after Auth since records are keyed by user.
	var handler http.Handler = mux
	handler = usageMiddleware(cfg.Usage)(handler)
	handler = authMiddleware(cfg.Verifier, cfg.Keys, logger)(handler)
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Use a top-level mux to separate health probes from middleware stack
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
