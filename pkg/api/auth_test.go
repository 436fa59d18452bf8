package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpr-labs/governor/pkg/auth"
	"github.com/openpr-labs/governor/pkg/ratelimit"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims auth.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func validClaims(sub string) auth.Claims {
	return auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		ActorType: auth.ActorHuman,
		Roles:     []string{"admin"},
	}
}

func serveAuth(t *testing.T, validator *auth.JWTValidator, path, header string) (*httptest.ResponseRecorder, *auth.Actor) {
	t.Helper()
	var actor *auth.Actor
	handler := AuthMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ = auth.ActorFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	handler.ServeHTTP(rec, req)
	return rec, actor
}

func TestAuthMiddlewareAllowsPublicPaths(t *testing.T) {
	for _, path := range []string{"/health", "/readiness"} {
		rec, _ := serveAuth(t, nil, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAuthMiddlewareRejectsMissingHeader(t *testing.T) {
	rec, _ := serveAuth(t, auth.NewJWTValidator(testSecret), "/api/proposals", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeUnauthorized, decodeEnvelope(t, rec).Code)
}

func TestAuthMiddlewareRejectsMalformedHeader(t *testing.T) {
	rec, _ := serveAuth(t, auth.NewJWTValidator(testSecret), "/api/proposals", "Token abc")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareFailsClosedWithoutValidator(t *testing.T) {
	rec, _ := serveAuth(t, nil, "/api/proposals", "Bearer whatever")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareRejectsEmptySubject(t *testing.T) {
	token := signToken(t, testSecret, validClaims(""))
	rec, _ := serveAuth(t, auth.NewJWTValidator(testSecret), "/api/proposals", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareRejectsUnknownActorType(t *testing.T) {
	claims := validClaims("user-1")
	claims.ActorType = "robot"
	token := signToken(t, testSecret, claims)
	rec, _ := serveAuth(t, auth.NewJWTValidator(testSecret), "/api/proposals", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareAttachesActor(t *testing.T) {
	claims := validClaims("agent-1")
	claims.ActorType = auth.ActorAI
	claims.ProjectID = "f4b4e7a0-9c2d-4f1e-8a3b-111111111111"
	token := signToken(t, testSecret, claims)

	rec, actor := serveAuth(t, auth.NewJWTValidator(testSecret), "/api/proposals", "Bearer "+token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, actor)
	assert.Equal(t, "agent-1", actor.ID)
	assert.Equal(t, auth.ActorAI, actor.Type)
	assert.Equal(t, "f4b4e7a0-9c2d-4f1e-8a3b-111111111111", actor.ProjectID)
	assert.True(t, actor.IsAdmin())
}

func TestAuthMiddlewareDefaultsActorTypeToHuman(t *testing.T) {
	claims := validClaims("user-2")
	claims.ActorType = ""
	token := signToken(t, testSecret, claims)

	rec, actor := serveAuth(t, auth.NewJWTValidator(testSecret), "/api/proposals", "Bearer "+token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, auth.ActorHuman, actor.Type)
}

type stubLimiter struct {
	allowed bool
	err     error
	actorID string
}

func (s *stubLimiter) Allow(_ context.Context, actorID string, _ ratelimit.Policy, _ int) (bool, error) {
	s.actorID = actorID
	return s.allowed, s.err
}

func serveLimited(store ratelimit.Store, actor *auth.Actor) *httptest.ResponseRecorder {
	handler := ActorRateLimitMiddleware(store, ratelimit.Policy{RPM: 120, Burst: 20})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/proposals", nil)
	req.RemoteAddr = "10.0.0.1:55000"
	if actor != nil {
		req = req.WithContext(auth.WithActor(req.Context(), actor))
	}
	handler.ServeHTTP(rec, req)
	return rec
}

func TestActorRateLimitMiddleware(t *testing.T) {
	limiter := &stubLimiter{allowed: true}
	rec := serveLimited(limiter, &auth.Actor{ID: "user-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", limiter.actorID)
}

func TestActorRateLimitMiddlewareDenies(t *testing.T) {
	rec := serveLimited(&stubLimiter{allowed: false}, &auth.Actor{ID: "user-1"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestActorRateLimitMiddlewareKeysAnonymousByAddress(t *testing.T) {
	limiter := &stubLimiter{allowed: true}
	serveLimited(limiter, nil)
	assert.Equal(t, "10.0.0.1:55000", limiter.actorID)
}

func TestActorRateLimitMiddlewareFailsOpen(t *testing.T) {
	rec := serveLimited(&stubLimiter{err: errors.New("redis down")}, &auth.Actor{ID: "user-1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serveLimited(nil, &auth.Actor{ID: "user-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}
