package model

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// VersionState enumerates the lifecycle states of a published version.
type VersionState string

const (
	// VersionActive is a normally resolvable version.
	VersionActive VersionState = "active"
	// VersionYanked is discouraged: existing consumers may still resolve
	// it, new ones must not.
	VersionYanked VersionState = "yanked"
)

// DocsState enumerates documentation build states for a version.
type DocsState string

const (
	DocsPending   DocsState = "pending"
	DocsRunning   DocsState = "running"
	DocsSucceeded DocsState = "succeeded"
	DocsFailed    DocsState = "failed"
)

// PackageStore defines persistence operations for packages and ownership.
type PackageStore interface {
	GetByName(ctx context.Context, name string) (Package, error)
	Create(ctx context.Context, pkg Package, owner uuid.UUID) (Package, error)
	SetDeprecation(ctx context.Context, name string, notice *string) error
	Owners(ctx context.Context, name string) ([]User, error)
	IsOwner(ctx context.Context, name string, userID uuid.UUID) (bool, error)
	AddOwner(ctx context.Context, name string, userID uuid.UUID) error
	// RemoveOwner fails with ErrLastOwner when userID is the only owner.
	RemoveOwner(ctx context.Context, name string, userID uuid.UUID) error
	Search(ctx context.Context, query string, offset, limit int) ([]SearchRow, int, error)
}

// VersionStore defines persistence operations for published versions.
type VersionStore interface {
	Create(ctx context.Context, version Version) (Version, error)
	Get(ctx context.Context, pkg, semver string) (Version, error)
	GetByPackage(ctx context.Context, pkg string) ([]Version, error)
	SetState(ctx context.Context, pkg, semver string, state VersionState) error
	SetDocsState(ctx context.Context, pkg, semver string, state DocsState, reason string) error
	Delete(ctx context.Context, pkg, semver string) error
	CountByHash(ctx context.Context, hash string) (int, error)
	IncrementDownloads(ctx context.Context, pkg, semver string) error
	// ListAll streams every version, used by the startup reconciler.
	ListAll(ctx context.Context) ([]Version, error)
}

// Package is a named crate with its owners and package-wide flags.
type Package struct {
	// Name is the canonical (normalized) package name.
	Name string
	// DisplayName is the name as first published.
	DisplayName string
	Description string
	// Deprecation carries the deprecation notice, nil when not deprecated.
	Deprecation *string
	// TargetRegistry names an upstream registry this package is a trusted
	// re-export of, empty for local packages.
	TargetRegistry string
	CreatedAt      time.Time
}

// Version is a published (package, semver) pair.
type Version struct {
	Package     string
	Version     string
	State       VersionState
	ContentHash string
	SizeBytes   int64
	UploadedBy  uuid.UUID
	UploadedAt  time.Time
	// IndexEntry is the serialized index record for this version.
	IndexEntry IndexEntry
	DocsState  DocsState
	DocsReason string
	Downloads  int64
}

// SearchRow is a single search result with its highest version.
type SearchRow struct {
	Name         string
	Description  string
	MaxVersion   string
	IsDeprecated bool
}

// NormalizeName lowers the name and folds `-`/`_` for uniqueness checks.
// The index and the database key packages by this form.
func NormalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}
