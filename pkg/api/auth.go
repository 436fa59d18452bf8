package api

import (
	"net/http"
	"strings"

	"github.com/openpr-labs/governor/pkg/auth"
	"github.com/openpr-labs/governor/pkg/ratelimit"
)

// publicPaths are served without authentication.
var publicPaths = []string{
	"/health",
	"/readiness",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// AuthMiddleware validates bearer tokens and attaches the actor to the
// request context. A nil validator rejects all non-public requests.
func AuthMiddleware(validator *auth.JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteUnauthorized(w, "missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, "invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if validator == nil {
				WriteUnauthorized(w, "authentication not configured")
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				WriteUnauthorized(w, "invalid or expired token")
				return
			}
			if claims.Subject == "" {
				WriteUnauthorized(w, "token subject is required")
				return
			}
			actorType := claims.ActorType
			if actorType == "" {
				actorType = auth.ActorHuman
			}
			if actorType != auth.ActorHuman && actorType != auth.ActorAI {
				WriteUnauthorized(w, "unknown actor type")
				return
			}

			actor := &auth.Actor{
				ID:        claims.Subject,
				Type:      actorType,
				ProjectID: claims.ProjectID,
				Roles:     claims.Roles,
			}
			next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), actor)))
		})
	}
}

// ActorRateLimitMiddleware enforces the per-actor budget after
// authentication. Anonymous requests fall back to the remote address.
// Limiter outages fail open so a Redis blip does not take the API down
// with it.
func ActorRateLimitMiddleware(store ratelimit.Store, policy ratelimit.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}
			actorID := r.RemoteAddr
			if actor, err := auth.ActorFrom(r.Context()); err == nil {
				actorID = actor.ID
			}
			allowed, err := store.Allow(r.Context(), actorID, policy, 1)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				retryAfter := 60 / policy.RPM
				if retryAfter < 1 {
					retryAfter = 1
				}
				WriteTooManyRequests(w, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
