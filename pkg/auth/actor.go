// Package auth authenticates API callers and carries the acting participant
// through request context. Both humans and registered AI agents authenticate
// the same way; the actor_type claim tells them apart and the governance
// layer applies AI-specific caps downstream.
package auth

import (
	"context"
	"errors"
)

// Actor types carried in token claims.
const (
	ActorHuman = "human"
	ActorAI    = "ai"
)

// Roles recognized by the admin surfaces.
const (
	RoleAdmin = "admin"
	RoleOwner = "owner"
)

// Actor is the authenticated participant behind a request.
type Actor struct {
	ID        string
	Type      string
	ProjectID string
	Roles     []string
}

// HasRole reports whether the actor carries the named role.
func (a *Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the actor may use admin-gated endpoints.
func (a *Actor) IsAdmin() bool {
	return a.HasRole(RoleAdmin) || a.HasRole(RoleOwner)
}

type actorKey struct{}

// ErrNoActor is returned when a context carries no authenticated actor.
var ErrNoActor = errors.New("auth: no actor in context")

// WithActor attaches an actor to the context.
func WithActor(ctx context.Context, a *Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom retrieves the actor from the context.
func ActorFrom(ctx context.Context) (*Actor, error) {
	a, ok := ctx.Value(actorKey{}).(*Actor)
	if !ok || a == nil {
		return nil, ErrNoActor
	}
	return a, nil
}
