// Package mocks provides testify mocks for the model interfaces.
package mocks

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/cratery/cratery/internal/model"
)

type UserStore struct {
	mock.Mock
}

func (m *UserStore) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.User), args.Error(1)
}

func (m *UserStore) GetByLogin(ctx context.Context, login string) (model.User, error) {
	args := m.Called(ctx, login)
	return args.Get(0).(model.User), args.Error(1)
}

func (m *UserStore) GetByExternalSubject(ctx context.Context, subject string) (model.User, error) {
	args := m.Called(ctx, subject)
	return args.Get(0).(model.User), args.Error(1)
}

func (m *UserStore) Create(ctx context.Context, user model.User) (model.User, error) {
	args := m.Called(ctx, user)
	return args.Get(0).(model.User), args.Error(1)
}

func (m *UserStore) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	args := m.Called(ctx, id, active)
	return args.Error(0)
}

func (m *UserStore) List(ctx context.Context) ([]model.User, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.User), args.Error(1)
}

type TokenStore struct {
	mock.Mock
}

func (m *TokenStore) Create(ctx context.Context, token model.Token) (model.Token, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(model.Token), args.Error(1)
}

func (m *TokenStore) GetByPrefix(ctx context.Context, prefix string) ([]model.Token, error) {
	args := m.Called(ctx, prefix)
	return args.Get(0).([]model.Token), args.Error(1)
}

func (m *TokenStore) GetByUserID(ctx context.Context, userID uuid.UUID) ([]model.Token, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]model.Token), args.Error(1)
}

func (m *TokenStore) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *TokenStore) Revoke(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type PackageStore struct {
	mock.Mock
}

func (m *PackageStore) GetByName(ctx context.Context, name string) (model.Package, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(model.Package), args.Error(1)
}

func (m *PackageStore) Create(ctx context.Context, pkg model.Package, owner uuid.UUID) (model.Package, error) {
	args := m.Called(ctx, pkg, owner)
	return args.Get(0).(model.Package), args.Error(1)
}

func (m *PackageStore) SetDeprecation(ctx context.Context, name string, notice *string) error {
	args := m.Called(ctx, name, notice)
	return args.Error(0)
}

func (m *PackageStore) Owners(ctx context.Context, name string) ([]model.User, error) {
	args := m.Called(ctx, name)
	return args.Get(0).([]model.User), args.Error(1)
}

func (m *PackageStore) IsOwner(ctx context.Context, name string, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, name, userID)
	return args.Bool(0), args.Error(1)
}

func (m *PackageStore) AddOwner(ctx context.Context, name string, userID uuid.UUID) error {
	args := m.Called(ctx, name, userID)
	return args.Error(0)
}

func (m *PackageStore) RemoveOwner(ctx context.Context, name string, userID uuid.UUID) error {
	args := m.Called(ctx, name, userID)
	return args.Error(0)
}

func (m *PackageStore) Search(ctx context.Context, query string, offset, limit int) ([]model.SearchRow, int, error) {
	args := m.Called(ctx, query, offset, limit)
	return args.Get(0).([]model.SearchRow), args.Int(1), args.Error(2)
}

type VersionStore struct {
	mock.Mock
}

func (m *VersionStore) Create(ctx context.Context, version model.Version) (model.Version, error) {
	args := m.Called(ctx, version)
	return args.Get(0).(model.Version), args.Error(1)
}

func (m *VersionStore) Get(ctx context.Context, pkg, semver string) (model.Version, error) {
	args := m.Called(ctx, pkg, semver)
	return args.Get(0).(model.Version), args.Error(1)
}

func (m *VersionStore) GetByPackage(ctx context.Context, pkg string) ([]model.Version, error) {
	args := m.Called(ctx, pkg)
	return args.Get(0).([]model.Version), args.Error(1)
}

func (m *VersionStore) SetState(ctx context.Context, pkg, semver string, state model.VersionState) error {
	args := m.Called(ctx, pkg, semver, state)
	return args.Error(0)
}

func (m *VersionStore) SetDocsState(ctx context.Context, pkg, semver string, state model.DocsState, reason string) error {
	args := m.Called(ctx, pkg, semver, state, reason)
	return args.Error(0)
}

func (m *VersionStore) Delete(ctx context.Context, pkg, semver string) error {
	args := m.Called(ctx, pkg, semver)
	return args.Error(0)
}

func (m *VersionStore) CountByHash(ctx context.Context, hash string) (int, error) {
	args := m.Called(ctx, hash)
	return args.Int(0), args.Error(1)
}

func (m *VersionStore) IncrementDownloads(ctx context.Context, pkg, semver string) error {
	args := m.Called(ctx, pkg, semver)
	return args.Error(0)
}

func (m *VersionStore) ListAll(ctx context.Context) ([]model.Version, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.Version), args.Error(1)
}

type JobStore struct {
	mock.Mock
}

func (m *JobStore) Create(ctx context.Context, job model.Job) (model.Job, error) {
	args := m.Called(ctx, job)
	return args.Get(0).(model.Job), args.Error(1)
}

func (m *JobStore) Get(ctx context.Context, id uuid.UUID) (model.Job, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Job), args.Error(1)
}

func (m *JobStore) SetState(ctx context.Context, id uuid.UUID, state model.JobState, reason string) error {
	args := m.Called(ctx, id, state, reason)
	return args.Error(0)
}

func (m *JobStore) SetDispatched(ctx context.Context, id uuid.UUID, workerID uuid.UUID, attempt int) error {
	args := m.Called(ctx, id, workerID, attempt)
	return args.Error(0)
}

func (m *JobStore) ListUnfinished(ctx context.Context) ([]model.Job, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.Job), args.Error(1)
}

type Storage struct {
	mock.Mock
}

func (m *Storage) Upload(ctx context.Context, key string, reader io.Reader) error {
	args := m.Called(ctx, key, reader)
	return args.Error(0)
}

func (m *Storage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	args := m.Called(ctx, key)
	if rc := args.Get(0); rc != nil {
		return rc.(io.ReadCloser), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *Storage) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *Storage) Exists(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *Storage) Move(ctx context.Context, from, to string) error {
	args := m.Called(ctx, from, to)
	return args.Error(0)
}

type SessionManager struct {
	mock.Mock
}

func (m *SessionManager) Mint(userID uuid.UUID, role model.Role) (string, error) {
	args := m.Called(userID, role)
	return args.String(0), args.Error(1)
}

func (m *SessionManager) Validate(token string) (uuid.UUID, model.Role, error) {
	args := m.Called(token)
	return args.Get(0).(uuid.UUID), args.Get(1).(model.Role), args.Error(2)
}
