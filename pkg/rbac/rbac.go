// Package rbac answers capability questions for governance actors.
// Capabilities are disjoint tags checked per operation; none implies another.
package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
)

// Capability is a tagged permission.
type Capability string

const (
	CapabilityCABMember        Capability = "cab_member"
	CapabilitySecurityReviewer Capability = "security_reviewer"
	CapabilityAdmin            Capability = "admin"
)

// IsValid checks if the capability is known.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityCABMember, CapabilitySecurityReviewer, CapabilityAdmin:
		return true
	default:
		return false
	}
}

// CapabilitySet is an unordered set of capabilities.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set, dropping unknown values.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		if c.IsValid() {
			set[c] = struct{}{}
		}
	}
	return set
}

// Has reports membership.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// List returns the capabilities in sorted order.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Provider supplies an actor's capabilities.
type Provider interface {
	Capabilities(ctx context.Context, actorID string) (CapabilitySet, error)
}

// Require returns an AuthorizationError unless actorID holds c.
func Require(ctx context.Context, p Provider, actorID string, c Capability) error {
	if actorID == "" {
		return apperrors.Unauthorized(actorID, string(c), "actor is required")
	}
	caps, err := p.Capabilities(ctx, actorID)
	if err != nil {
		return fmt.Errorf("failed to resolve capabilities for %s: %w", actorID, err)
	}
	if !caps.Has(c) {
		return apperrors.Unauthorized(actorID, string(c), "missing capability %s", c)
	}
	return nil
}

// StaticProvider holds capabilities in memory.
type StaticProvider struct {
	mu     sync.RWMutex
	grants map[string]CapabilitySet
}

// NewStaticProvider creates an empty provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{grants: make(map[string]CapabilitySet)}
}

// Grant adds capabilities to an actor.
func (p *StaticProvider) Grant(actorID string, caps ...Capability) *StaticProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.grants[actorID]
	if !ok {
		set = make(CapabilitySet)
		p.grants[actorID] = set
	}
	for c := range NewCapabilitySet(caps...) {
		set[c] = struct{}{}
	}
	return p
}

// Capabilities implements Provider.
func (p *StaticProvider) Capabilities(_ context.Context, actorID string) (CapabilitySet, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(CapabilitySet, len(p.grants[actorID]))
	for c := range p.grants[actorID] {
		out[c] = struct{}{}
	}
	return out, nil
}

// SQLProvider reads grants from the actor_capabilities table.
type SQLProvider struct {
	db *sql.DB
}

// NewSQLProvider creates a database-backed provider.
func NewSQLProvider(db *sql.DB) *SQLProvider {
	return &SQLProvider{db: db}
}

// Capabilities implements Provider. Expired grants are ignored.
func (p *SQLProvider) Capabilities(ctx context.Context, actorID string) (CapabilitySet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT capability
		FROM actor_capabilities
		WHERE actor_id = $1
		AND (expires_at IS NULL OR expires_at > NOW())
	`, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query capabilities: %w", err)
	}
	defer rows.Close()

	set := make(CapabilitySet)
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan capability: %w", err)
		}
		if capability := Capability(c); capability.IsValid() {
			set[capability] = struct{}{}
		}
	}
	return set, rows.Err()
}

// Actor is an authenticated principal with asserted capabilities.
type Actor struct {
	ID           string
	Capabilities CapabilitySet
}

type contextKey struct{}

// WithActor stores an authenticated actor in ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(contextKey{}).(Actor)
	return a, ok
}

// ContextProvider trusts capabilities asserted by a verified token stored in
// ctx for the same actor, and defers to Fallback for anyone else.
type ContextProvider struct {
	Fallback Provider
}

// Capabilities implements Provider.
func (p ContextProvider) Capabilities(ctx context.Context, actorID string) (CapabilitySet, error) {
	if a, ok := ActorFromContext(ctx); ok && a.ID == actorID {
		return a.Capabilities, nil
	}
	if p.Fallback == nil {
		return CapabilitySet{}, nil
	}
	return p.Fallback.Capabilities(ctx, actorID)
}
