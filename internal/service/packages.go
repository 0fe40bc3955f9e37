package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/cratery/cratery/internal/apierror"
	"github.com/cratery/cratery/internal/events"
	"github.com/cratery/cratery/internal/index"
	"github.com/cratery/cratery/internal/logger"
	"github.com/cratery/cratery/internal/model"
	"github.com/cratery/cratery/internal/upstream"
	"github.com/cratery/cratery/internal/worker"
)

// Packages implements the package lifecycle: publish, yank, unyank,
// deprecate, remove, search, download and ownership changes. It preserves
// the invariants tying the database, the blob store and the index together:
// the database is authoritative, the index is a derived projection, and a
// published version's blob always matches its content hash.
type Packages struct {
	packages  model.PackageStore
	versions  model.VersionStore
	users     model.UserStore
	storage   model.Storage
	idx       *index.Repository
	scheduler *worker.Scheduler
	bus       *events.Bus
	upstream  *upstream.Client
	logger    *logger.Logger

	// locks serializes the write pipeline per package; publishes to
	// distinct packages proceed in parallel.
	locks *index.KeyedMutex
}

func NewPackages(
	packages model.PackageStore,
	versions model.VersionStore,
	users model.UserStore,
	storage model.Storage,
	idx *index.Repository,
	scheduler *worker.Scheduler,
	bus *events.Bus,
	upstreamClient *upstream.Client,
	logger *logger.Logger,
) *Packages {
	return &Packages{
		packages:  packages,
		versions:  versions,
		users:     users,
		storage:   storage,
		idx:       idx,
		scheduler: scheduler,
		bus:       bus,
		upstream:  upstreamClient,
		logger:    logger,
		locks:     index.NewKeyedMutex(),
	}
}

// Publish runs the full publication pipeline. Validation failures abort
// with no side effects; after the version row commits, the blob move, the
// index append and the job submission follow, with the startup reconciler
// as the backstop for a crash in between.
func (s *Packages) Publish(ctx context.Context, p model.Principal, env *model.PublishEnvelope) (model.IndexEntry, error) {
	if err := Authorize(p, OpWritePackage, env.Metadata.Name); err != nil {
		return model.IndexEntry{}, err
	}
	if err := env.Metadata.ValidateName(); err != nil {
		return model.IndexEntry{}, apierror.Invalid(err.Error())
	}
	if _, err := semver.StrictNewVersion(env.Metadata.Vers); err != nil {
		return model.IndexEntry{}, apierror.Invalid(fmt.Sprintf("invalid semver %q", env.Metadata.Vers))
	}
	if err := s.validateDependencies(ctx, env.Metadata.Deps); err != nil {
		return model.IndexEntry{}, err
	}

	norm := model.NormalizeName(env.Metadata.Name)
	s.locks.Lock(norm)
	defer s.locks.Unlock(norm)

	if err := s.ensureOwnership(ctx, p, &env.Metadata); err != nil {
		return model.IndexEntry{}, err
	}

	// Re-publication is forbidden even for yanked versions.
	if _, err := s.versions.Get(ctx, norm, env.Metadata.Vers); err == nil {
		return model.IndexEntry{}, apierror.AlreadyExists("crate version already exists")
	} else if !errors.Is(err, model.ErrNotFound) {
		return model.IndexEntry{}, apierror.Storage(err)
	}

	hash, size, err := s.stageTarball(ctx, env)
	if err != nil {
		return model.IndexEntry{}, err
	}
	stagedKey := model.TmpBlobKey(hash)

	entry := model.BuildIndexEntry(&env.Metadata, hash)
	version := model.Version{
		Package:     norm,
		Version:     env.Metadata.Vers,
		State:       model.VersionActive,
		ContentHash: hash,
		SizeBytes:   size,
		UploadedBy:  p.User.ID,
		IndexEntry:  entry,
		DocsState:   model.DocsPending,
	}
	if _, err := s.versions.Create(ctx, version); err != nil {
		if delErr := s.storage.Delete(ctx, stagedKey); delErr != nil {
			s.logger.Warn("failed to delete staged blob", "key", stagedKey, "error", delErr)
		}
		if errors.Is(err, model.ErrAlreadyExists) {
			return model.IndexEntry{}, apierror.AlreadyExists("crate version already exists")
		}
		return model.IndexEntry{}, apierror.Storage(err)
	}

	if err := s.promoteBlob(ctx, stagedKey, model.CrateBlobKey(hash)); err != nil {
		// The row is committed; the reconciler adopts the staged blob on
		// the next startup.
		return model.IndexEntry{}, apierror.Storage(err)
	}

	if err := s.idx.Append(norm, entry); err != nil {
		// The row is committed; flag the file so the reconciler re-derives
		// it from the database.
		if markErr := s.idx.MarkDirty(norm); markErr != nil {
			s.logger.Error("failed to mark index dirty", "package", norm, "error", markErr)
		}
		return model.IndexEntry{}, apierror.Storage(err)
	}

	s.submitPostPublishJobs(ctx, &env.Metadata, norm)

	s.bus.Publish(model.TopicPackages, model.Event{
		Type: model.EventPackagePublished, Package: norm, Version: env.Metadata.Vers,
	})
	return entry, nil
}

// validateDependencies requires every declared dependency to exist locally
// or in an allow-listed upstream registry. Local packages shadow upstream
// packages of the same name; a local package that is itself a trusted
// re-export resolves against its target registry.
func (s *Packages) validateDependencies(ctx context.Context, deps []model.CrateDependency) error {
	for _, dep := range deps {
		if dep.Registry != nil && *dep.Registry != "" {
			// Pinned to an explicit external registry; resolution happens
			// there.
			continue
		}
		pkg, err := s.packages.GetByName(ctx, dep.Name)
		switch {
		case err == nil && pkg.TargetRegistry == "":
			continue
		case err == nil:
			// Re-export: the crate must exist in its target registry.
			if s.upstream == nil {
				return apierror.Upstream("registry", fmt.Errorf("no upstream registries configured"))
			}
			ok, err := s.upstream.CrateExists(ctx, pkg.TargetRegistry, dep.Name)
			if err != nil {
				return apierror.Upstream(pkg.TargetRegistry, err)
			}
			if ok {
				continue
			}
		case !errors.Is(err, model.ErrNotFound):
			return apierror.Storage(err)
		default:
			if s.upstream != nil {
				ok, err := s.upstream.HasCrate(ctx, dep.Name)
				if err != nil {
					return apierror.Upstream("registry", err)
				}
				if ok {
					continue
				}
			}
		}
		return apierror.Invalid(fmt.Sprintf("unknown dependency %q", dep.Name))
	}
	return nil
}

// ensureOwnership creates the package with the publisher as sole owner, or
// verifies the publisher owns it. Trusted re-exports resolve wholly against
// their target registry and accept no local versions.
func (s *Packages) ensureOwnership(ctx context.Context, p model.Principal, meta *model.CrateMetadata) error {
	pkg, err := s.packages.GetByName(ctx, meta.Name)
	if errors.Is(err, model.ErrNotFound) {
		description := ""
		if meta.Description != nil {
			description = *meta.Description
		}
		_, err := s.packages.Create(ctx, model.Package{
			DisplayName: meta.Name,
			Description: description,
		}, p.User.ID)
		if err != nil && !errors.Is(err, model.ErrAlreadyExists) {
			return apierror.Storage(err)
		}
		return nil
	}
	if err != nil {
		return apierror.Storage(err)
	}
	if pkg.TargetRegistry != "" {
		return apierror.Invalid("crate is a re-export of an upstream registry and cannot be published to")
	}

	if p.CanAdmin {
		return nil
	}
	isOwner, err := s.packages.IsOwner(ctx, meta.Name, p.User.ID)
	if err != nil {
		return apierror.Storage(err)
	}
	if !isOwner {
		return apierror.Forbidden("you are not an owner of this crate")
	}
	return nil
}

// stageTarball streams the body into the staging area while hashing,
// verifying the declared length.
func (s *Packages) stageTarball(ctx context.Context, env *model.PublishEnvelope) (hash string, size int64, err error) {
	uploadKey := model.TmpBlobKey(uuid.NewString())
	hasher := sha256.New()
	counted := &countingReader{r: io.TeeReader(env.Content, hasher)}

	if err := s.storage.Upload(ctx, uploadKey, counted); err != nil {
		return "", 0, apierror.Storage(err)
	}
	if counted.n != env.ContentLength {
		if delErr := s.storage.Delete(ctx, uploadKey); delErr != nil {
			s.logger.Warn("failed to delete staged blob", "key", uploadKey, "error", delErr)
		}
		return "", 0, apierror.Invalid(fmt.Sprintf("declared content length %d does not match %d bytes read", env.ContentLength, counted.n))
	}

	hash = hex.EncodeToString(hasher.Sum(nil))
	// Re-key the staged blob by hash so the reconciler can find it after a
	// crash.
	stagedKey := model.TmpBlobKey(hash)
	if err := s.storage.Move(ctx, uploadKey, stagedKey); err != nil {
		return "", 0, apierror.Storage(err)
	}
	return hash, counted.n, nil
}

// promoteBlob moves a staged blob to its content-addressed key, tolerating
// a blob already present there (content-addressed dedup).
func (s *Packages) promoteBlob(ctx context.Context, stagedKey, finalKey string) error {
	exists, err := s.storage.Exists(ctx, finalKey)
	if err != nil {
		return err
	}
	if exists {
		return s.storage.Delete(ctx, stagedKey)
	}
	return s.storage.Move(ctx, stagedKey, finalKey)
}

func (s *Packages) submitPostPublishJobs(ctx context.Context, meta *model.CrateMetadata, norm string) {
	payload := model.JobPayload{Package: norm, Version: meta.Vers}
	caps := deriveCapabilities(meta)
	if _, err := s.scheduler.Submit(ctx, model.JobBuildDocs, payload, caps); err != nil {
		s.logger.Error("failed to submit docs job", "package", norm, "version", meta.Vers, "error", err)
	}
	if _, err := s.scheduler.Submit(ctx, model.JobAnalyzeDeps, payload, nil); err != nil {
		s.logger.Error("failed to submit deps job", "package", norm, "version", meta.Vers, "error", err)
	}
}

// deriveCapabilities maps manifest traits to the capability tags a worker
// must advertise to build this version.
func deriveCapabilities(meta *model.CrateMetadata) []string {
	caps := []string{"stable"}
	if meta.Links != nil && *meta.Links != "" {
		caps = append(caps, "native")
	}
	return caps
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Yank marks a version as discouraged. Idempotent.
func (s *Packages) Yank(ctx context.Context, p model.Principal, name, version string) error {
	return s.setVersionState(ctx, p, name, version, model.VersionYanked, model.EventPackageYanked)
}

// Unyank reverts a yank. Idempotent.
func (s *Packages) Unyank(ctx context.Context, p model.Principal, name, version string) error {
	return s.setVersionState(ctx, p, name, version, model.VersionActive, model.EventPackageUnyanked)
}

func (s *Packages) setVersionState(ctx context.Context, p model.Principal, name, version string, state model.VersionState, event model.EventType) error {
	if err := Authorize(p, OpWritePackage, name); err != nil {
		return err
	}
	if err := s.requireOwner(ctx, p, name); err != nil {
		return err
	}

	norm := model.NormalizeName(name)
	s.locks.Lock(norm)
	defer s.locks.Unlock(norm)

	existing, err := s.versions.Get(ctx, norm, version)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return apierror.NotFound("crate version not found")
		}
		return apierror.Storage(err)
	}
	if existing.State == state {
		return nil
	}

	if err := s.versions.SetState(ctx, norm, version, state); err != nil {
		return apierror.Storage(err)
	}
	if err := s.idx.SetYanked(norm, version, state == model.VersionYanked); err != nil {
		return apierror.Storage(err)
	}

	s.bus.Publish(model.TopicPackages, model.Event{Type: event, Package: norm, Version: version})
	return nil
}

// Deprecate sets or clears the package's deprecation notice and schedules
// its propagation.
func (s *Packages) Deprecate(ctx context.Context, p model.Principal, name string, notice *string) error {
	if err := Authorize(p, OpWritePackage, name); err != nil {
		return err
	}
	if err := s.requireOwner(ctx, p, name); err != nil {
		return err
	}

	if err := s.packages.SetDeprecation(ctx, name, notice); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return apierror.NotFound("crate not found")
		}
		return apierror.Storage(err)
	}

	norm := model.NormalizeName(name)
	if _, err := s.scheduler.Submit(ctx, model.JobCheckDeprecation, model.JobPayload{Package: norm}, nil); err != nil {
		s.logger.Error("failed to submit deprecation job", "package", norm, "error", err)
	}

	s.bus.Publish(model.TopicPackages, model.Event{Type: model.EventPackageDeprecated, Package: norm})
	return nil
}

// Remove hard-deletes a version: the row, the blob (unless another version
// shares the content hash) and the index line. Admin only.
func (s *Packages) Remove(ctx context.Context, p model.Principal, name, version string) error {
	if err := Authorize(p, OpAdminGlobal, ""); err != nil {
		return err
	}

	norm := model.NormalizeName(name)
	s.locks.Lock(norm)
	defer s.locks.Unlock(norm)

	existing, err := s.versions.Get(ctx, norm, version)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return apierror.NotFound("crate version not found")
		}
		return apierror.Storage(err)
	}

	// Cancel any outstanding work for the package before the rows go away.
	for _, jobID := range s.scheduler.QueuedJobIDs(norm) {
		if err := s.scheduler.Cancel(ctx, jobID); err != nil && !errors.Is(err, model.ErrNotFound) {
			s.logger.Warn("failed to cancel job", "job", jobID, "error", err)
		}
	}

	if err := s.versions.Delete(ctx, norm, version); err != nil {
		return apierror.Storage(err)
	}

	remaining, err := s.versions.CountByHash(ctx, existing.ContentHash)
	if err != nil {
		return apierror.Storage(err)
	}
	if remaining == 0 {
		if err := s.storage.Delete(ctx, model.CrateBlobKey(existing.ContentHash)); err != nil {
			s.logger.Warn("failed to delete blob", "hash", existing.ContentHash, "error", err)
		}
	}

	if err := s.idx.RemoveVersion(norm, version); err != nil {
		return apierror.Storage(err)
	}

	s.bus.Publish(model.TopicPackages, model.Event{Type: model.EventPackageRemoved, Package: norm, Version: version})
	return nil
}

// Owners lists the owners of a crate.
func (s *Packages) Owners(ctx context.Context, p model.Principal, name string) ([]model.User, error) {
	if err := Authorize(p, OpReadPackage, name); err != nil {
		return nil, err
	}
	if _, err := s.packages.GetByName(ctx, name); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, apierror.NotFound("crate not found")
		}
		return nil, apierror.Storage(err)
	}
	owners, err := s.packages.Owners(ctx, name)
	if err != nil {
		return nil, apierror.Storage(err)
	}
	return owners, nil
}

// AddOwners grants ownership to the named users.
func (s *Packages) AddOwners(ctx context.Context, p model.Principal, name string, logins []string) (string, error) {
	if err := Authorize(p, OpWritePackage, name); err != nil {
		return "", err
	}
	if err := s.requireOwner(ctx, p, name); err != nil {
		return "", err
	}

	for _, login := range logins {
		user, err := s.users.GetByLogin(ctx, login)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return "", apierror.Invalid(fmt.Sprintf("unknown user %q", login))
			}
			return "", apierror.Storage(err)
		}
		if err := s.packages.AddOwner(ctx, name, user.ID); err != nil {
			return "", apierror.Storage(err)
		}
	}
	return fmt.Sprintf("added %d owner(s)", len(logins)), nil
}

// RemoveOwners revokes ownership from the named users. Removing the last
// owner fails.
func (s *Packages) RemoveOwners(ctx context.Context, p model.Principal, name string, logins []string) error {
	if err := Authorize(p, OpWritePackage, name); err != nil {
		return err
	}
	if err := s.requireOwner(ctx, p, name); err != nil {
		return err
	}

	for _, login := range logins {
		user, err := s.users.GetByLogin(ctx, login)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return apierror.Invalid(fmt.Sprintf("unknown user %q", login))
			}
			return apierror.Storage(err)
		}
		if err := s.packages.RemoveOwner(ctx, name, user.ID); err != nil {
			switch {
			case errors.Is(err, model.ErrLastOwner):
				return apierror.Invalid("cannot remove the last owner of a crate")
			case errors.Is(err, model.ErrNotFound):
				return apierror.Invalid(fmt.Sprintf("user %q is not an owner", login))
			default:
				return apierror.Storage(err)
			}
		}
	}
	return nil
}

// CreateReExport registers a package as a trusted re-export of an
// allow-listed upstream registry. Admin only; the crate must exist upstream.
func (s *Packages) CreateReExport(ctx context.Context, p model.Principal, name, registry string) (model.Package, error) {
	if err := Authorize(p, OpAdminGlobal, ""); err != nil {
		return model.Package{}, err
	}
	if s.upstream == nil || !s.upstream.HasRegistry(registry) {
		return model.Package{}, apierror.Invalid(fmt.Sprintf("unknown upstream registry %q", registry))
	}

	norm := model.NormalizeName(name)
	exists, err := s.upstream.CrateExists(ctx, registry, norm)
	if err != nil {
		return model.Package{}, apierror.Upstream(registry, err)
	}
	if !exists {
		return model.Package{}, apierror.NotFound(fmt.Sprintf("crate %q not found in registry %q", norm, registry))
	}

	pkg, err := s.packages.Create(ctx, model.Package{
		DisplayName:    name,
		TargetRegistry: registry,
	}, p.User.ID)
	if err != nil {
		if errors.Is(err, model.ErrAlreadyExists) {
			return model.Package{}, apierror.AlreadyExists("crate already exists")
		}
		return model.Package{}, apierror.Storage(err)
	}
	return pkg, nil
}

func (s *Packages) requireOwner(ctx context.Context, p model.Principal, name string) error {
	if p.CanAdmin {
		return nil
	}
	isOwner, err := s.packages.IsOwner(ctx, name, p.User.ID)
	if err != nil {
		return apierror.Storage(err)
	}
	if !isOwner {
		return apierror.Forbidden("you are not an owner of this crate")
	}
	return nil
}

// Search returns packages matching the query, paginated.
func (s *Packages) Search(ctx context.Context, p model.Principal, query string, page, perPage int) (model.SearchResults, error) {
	if err := Authorize(p, OpReadPackage, ""); err != nil {
		return model.SearchResults{}, err
	}
	if perPage <= 0 || perPage > 100 {
		perPage = 10
	}
	if page <= 0 {
		page = 1
	}

	rows, total, err := s.packages.Search(ctx, query, (page-1)*perPage, perPage)
	if err != nil {
		return model.SearchResults{}, apierror.Storage(err)
	}

	results := model.SearchResults{
		Crates: make([]model.SearchResultCrate, 0, len(rows)),
		Meta:   model.SearchResultsMeta{Total: total},
	}
	for _, row := range rows {
		results.Crates = append(results.Crates, model.SearchResultCrate{
			Name:         row.Name,
			MaxVersion:   row.MaxVersion,
			IsDeprecated: row.IsDeprecated,
			Description:  row.Description,
		})
	}
	return results, nil
}

// Download streams a version's tarball and counts the download. Trusted
// re-exports are streamed from their target registry; local versions are
// shadowed entirely.
func (s *Packages) Download(ctx context.Context, p model.Principal, name, version string) (io.ReadCloser, error) {
	if err := Authorize(p, OpReadPackage, name); err != nil {
		return nil, err
	}

	norm := model.NormalizeName(name)
	pkg, err := s.packages.GetByName(ctx, norm)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, apierror.Storage(err)
	}
	if err == nil && pkg.TargetRegistry != "" {
		if s.upstream == nil {
			return nil, apierror.Upstream(pkg.TargetRegistry, fmt.Errorf("no upstream registries configured"))
		}
		reader, err := s.upstream.DownloadCrate(ctx, pkg.TargetRegistry, norm, version)
		if err != nil {
			if errors.Is(err, upstream.ErrNotFound) {
				return nil, apierror.NotFound("crate version not found")
			}
			return nil, apierror.Upstream(pkg.TargetRegistry, err)
		}
		return reader, nil
	}

	v, err := s.versions.Get(ctx, norm, version)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, apierror.NotFound("crate version not found")
		}
		return nil, apierror.Storage(err)
	}

	reader, err := s.storage.Download(ctx, model.CrateBlobKey(v.ContentHash))
	if err != nil {
		return nil, apierror.Storage(err)
	}

	if err := s.versions.IncrementDownloads(ctx, norm, version); err != nil {
		s.logger.Warn("failed to count download", "package", norm, "version", version, "error", err)
	}
	return reader, nil
}

// IndexFile serves a package's index file, reconciling it first when marked
// dirty. For trusted re-exports the upstream's index file is proxied; any
// local file is shadowed.
func (s *Packages) IndexFile(ctx context.Context, name string) ([]byte, error) {
	norm := model.NormalizeName(name)
	pkg, err := s.packages.GetByName(ctx, norm)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, apierror.Storage(err)
	}
	if err == nil && pkg.TargetRegistry != "" {
		if s.upstream == nil {
			return nil, apierror.Upstream(pkg.TargetRegistry, fmt.Errorf("no upstream registries configured"))
		}
		raw, err := s.upstream.IndexFile(ctx, pkg.TargetRegistry, index.FilePath(norm))
		if err != nil {
			if errors.Is(err, upstream.ErrNotFound) {
				return nil, apierror.NotFound("crate not found")
			}
			return nil, apierror.Upstream(pkg.TargetRegistry, err)
		}
		return raw, nil
	}

	if s.idx.IsDirty(norm) {
		if err := s.RebuildIndex(ctx, norm); err != nil {
			return nil, apierror.Storage(err)
		}
	}
	raw, err := s.idx.ReadRaw(norm)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, apierror.NotFound("crate not found")
		}
		return nil, apierror.Storage(err)
	}
	return raw, nil
}

// RebuildIndex re-derives a package's index file from the database.
func (s *Packages) RebuildIndex(ctx context.Context, name string) error {
	norm := model.NormalizeName(name)
	versions, err := s.versions.GetByPackage(ctx, norm)
	if err != nil {
		return fmt.Errorf("failed to load versions: %w", err)
	}
	entries := make([]model.IndexEntry, 0, len(versions))
	for _, v := range versions {
		entries = append(entries, v.IndexEntry)
	}
	if err := s.idx.Rewrite(norm, entries); err != nil {
		return fmt.Errorf("failed to rewrite index file: %w", err)
	}
	return s.idx.ClearDirty(norm)
}

// Info assembles the full crate view served to humans: versions with their
// docs and download counters, owners and deprecation.
type CrateInfo struct {
	Package  model.Package   `json:"package"`
	Owners   []model.User    `json:"owners"`
	Versions []model.Version `json:"versions"`
}

func (s *Packages) Info(ctx context.Context, p model.Principal, name string) (CrateInfo, error) {
	if err := Authorize(p, OpReadPackage, name); err != nil {
		return CrateInfo{}, err
	}

	pkg, err := s.packages.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return CrateInfo{}, apierror.NotFound("crate not found")
		}
		return CrateInfo{}, apierror.Storage(err)
	}
	owners, err := s.packages.Owners(ctx, name)
	if err != nil {
		return CrateInfo{}, apierror.Storage(err)
	}
	versions, err := s.versions.GetByPackage(ctx, name)
	if err != nil {
		return CrateInfo{}, apierror.Storage(err)
	}
	return CrateInfo{Package: pkg, Owners: owners, Versions: versions}, nil
}

// Reconcile is the startup backstop for crashes inside the publish
// pipeline: version rows missing their blob adopt the staged blob when it
// survived, otherwise the row is dropped and the index rebuilt; dirty index
// files are re-derived from the database.
func (s *Packages) Reconcile(ctx context.Context) error {
	versions, err := s.versions.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list versions: %w", err)
	}

	rebuild := make(map[string]bool)
	for _, v := range versions {
		finalKey := model.CrateBlobKey(v.ContentHash)
		exists, err := s.storage.Exists(ctx, finalKey)
		if err != nil {
			return fmt.Errorf("failed to check blob: %w", err)
		}
		if exists {
			continue
		}

		stagedKey := model.TmpBlobKey(v.ContentHash)
		staged, err := s.storage.Exists(ctx, stagedKey)
		if err != nil {
			return fmt.Errorf("failed to check staged blob: %w", err)
		}
		if staged {
			if err := s.storage.Move(ctx, stagedKey, finalKey); err != nil {
				return fmt.Errorf("failed to adopt staged blob: %w", err)
			}
			s.logger.Info("adopted staged blob", "package", v.Package, "version", v.Version)
			continue
		}

		s.logger.Warn("dropping orphan version row", "package", v.Package, "version", v.Version)
		if err := s.versions.Delete(ctx, v.Package, v.Version); err != nil && !errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("failed to drop orphan version: %w", err)
		}
		rebuild[v.Package] = true
	}

	dirty, err := s.idx.DirtyPackages()
	if err != nil {
		return err
	}
	for _, name := range dirty {
		rebuild[name] = true
	}

	for name := range rebuild {
		if err := s.RebuildIndex(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
