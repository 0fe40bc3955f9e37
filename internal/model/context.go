package model

import "context"

// Principal is the resolved identity of a request.
type Principal struct {
	User User
	// Capabilities effective for this request. For session principals they
	// follow from the user's role; for token principals the token further
	// restricts them.
	CanRead  bool
	CanWrite bool
	CanAdmin bool
	// CrateScopes mirrors the token's crate scope list, if any.
	CrateScopes []string
}

// AllowsCrate reports whether the principal's scope list covers the crate.
func (p Principal) AllowsCrate(name string) bool {
	if len(p.CrateScopes) == 0 {
		return true
	}
	norm := NormalizeName(name)
	for _, scope := range p.CrateScopes {
		if NormalizeName(scope) == norm {
			return true
		}
	}
	return false
}

// ContextManager moves the authenticated principal through request contexts.
type ContextManager interface {
	SetPrincipal(ctx context.Context, p Principal) context.Context
	GetPrincipal(ctx context.Context) (Principal, bool)
}
