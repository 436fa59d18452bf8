package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/openpr-labs/governor/pkg/auth"
	"github.com/openpr-labs/governor/pkg/observability"
	"github.com/openpr-labs/governor/pkg/ratelimit"
)

// ServerOptions carries everything the router needs that is not a handler.
type ServerOptions struct {
	Logger        *slog.Logger
	Observability *observability.Provider
	JWTSecret     string
	DB            *sql.DB

	IPRateRPS   float64
	IPRateBurst int

	ActorLimiter ratelimit.Store
	ActorPolicy  ratelimit.Policy

	Idempotency IdempotencyStore

	ReadyCheck func(ctx context.Context) error
}

// Handler registers routes on a mux.
type Handler interface {
	Register(mux *http.ServeMux)
}

// NewServer assembles the full middleware chain around the given handlers.
// Order matters: request id first so every log line carries one, recovery
// before anything that can panic, auth before the per-actor limiter so the
// actor id keys the bucket, idempotency last so replays skip the handlers
// but not the guards.
func NewServer(opts ServerOptions, handlers ...Handler) http.Handler {
	mux := http.NewServeMux()
	for _, h := range handlers {
		h.Register(mux)
	}
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		WriteOK(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readiness", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if opts.ReadyCheck != nil {
			if err := opts.ReadyCheck(ctx); err != nil {
				WriteFailure(w, http.StatusServiceUnavailable, CodeInternal, "not ready: "+err.Error())
				return
			}
		} else if opts.DB != nil {
			if err := opts.DB.PingContext(ctx); err != nil {
				WriteFailure(w, http.StatusServiceUnavailable, CodeInternal, "database unreachable")
				return
			}
		}
		WriteOK(w, map[string]string{"status": "ready"})
	})

	var handler http.Handler = mux
	handler = IdempotencyMiddleware(opts.Idempotency)(handler)
	handler = ActorRateLimitMiddleware(opts.ActorLimiter, opts.ActorPolicy)(handler)
	handler = AuthMiddleware(auth.NewJWTValidator(opts.JWTSecret))(handler)
	if opts.IPRateRPS > 0 {
		handler = NewIPRateLimiter(opts.IPRateRPS, opts.IPRateBurst).Middleware(handler)
	}
	handler = CORSMiddleware(handler)
	handler = RecoverMiddleware(opts.Logger)(handler)
	handler = LoggingMiddleware(opts.Logger, opts.Observability)(handler)
	handler = RequestIDMiddleware(handler)
	return handler
}
