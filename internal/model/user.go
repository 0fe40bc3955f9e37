package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Role enumerates user roles.
type Role string

const (
	// RoleAdmin may perform any operation.
	RoleAdmin Role = "admin"
	// RoleUser is a regular registry user.
	RoleUser Role = "user"
)

// UserStore defines persistence operations for users.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (User, error)
	GetByLogin(ctx context.Context, login string) (User, error)
	GetByExternalSubject(ctx context.Context, subject string) (User, error)
	Create(ctx context.Context, user User) (User, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	List(ctx context.Context) ([]User, error)
}

// User represents a registry user. Users are never deleted, only disabled.
type User struct {
	ID              uuid.UUID
	Login           string
	Name            string
	Email           string
	Role            Role
	ExternalSubject string
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
