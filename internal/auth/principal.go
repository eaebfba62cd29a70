// Package auth carries the authenticated principal supplied by the identity
// collaborator through request contexts.
package auth

import (
	"context"
	"strings"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
)

// RolePrefix marks approver references that name a role rather than a user.
const RolePrefix = "role:"

// Principal is an authenticated caller.
type Principal struct {
	ID    string   `json:"id"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// Refs returns every approver reference the principal answers to: its id,
// its email and one "role:<name>" tag per role.
func (p Principal) Refs() []string {
	refs := make([]string, 0, 2+len(p.Roles))
	if p.ID != "" {
		refs = append(refs, p.ID)
	}
	if p.Email != "" {
		refs = append(refs, strings.ToLower(p.Email))
	}
	for _, role := range p.Roles {
		if role = strings.TrimSpace(role); role != "" {
			refs = append(refs, RoleRef(role))
		}
	}
	return refs
}

// Matches reports whether approverRef designates the principal.
func (p Principal) Matches(approverRef string) bool {
	if approverRef == "" {
		return false
	}
	for _, ref := range p.Refs() {
		if ref == approverRef || (strings.Contains(ref, "@") && strings.EqualFold(ref, approverRef)) {
			return true
		}
	}
	return false
}

// RoleRef builds the approver reference for a role.
func RoleRef(role string) string {
	return RolePrefix + role
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored in ctx.
func FromContext(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || p.ID == "" {
		return Principal{}, errors.Unauthorized("no authenticated principal")
	}
	return p, nil
}
