package context

import (
	"context"

	"github.com/cratery/cratery/internal/model"
)

type contextKey int

const principalKey contextKey = iota

// Manager implements model.ContextManager over request contexts.
type Manager struct{}

func NewManager() *Manager {
	return &Manager{}
}

var _ model.ContextManager = (*Manager)(nil)

func (m *Manager) SetPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func (m *Manager) GetPrincipal(ctx context.Context) (model.Principal, bool) {
	p, ok := ctx.Value(principalKey).(model.Principal)
	return p, ok
}
