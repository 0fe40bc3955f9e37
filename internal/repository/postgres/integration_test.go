//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cratery/cratery/internal/model"
	repo "github.com/cratery/cratery/internal/repository/postgres"
)

var dsn string

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "password",
				"POSTGRES_DB":       "cratery_test",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		panic(err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		panic(err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		panic(err)
	}
	dsn = fmt.Sprintf("postgres://postgres:password@%s:%s/cratery_test?sslmode=disable", host, port.Port())

	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func newUser(login string) model.User {
	return model.User{
		ID:       uuid.New(),
		Login:    login,
		Name:     login,
		Email:    login + "@example.com",
		Role:     model.RoleUser,
		IsActive: true,
	}
}

func TestRepositories(t *testing.T) {
	ctx := context.Background()
	conn, err := repo.NewConnection(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	users := repo.NewUserRepository(conn)
	tokens := repo.NewTokenRepository(conn)
	packages := repo.NewPackageRepository(conn)
	versions := repo.NewVersionRepository(conn)
	jobs := repo.NewJobRepository(conn)

	alice, err := users.Create(ctx, newUser("alice"))
	require.NoError(t, err)
	bob, err := users.Create(ctx, newUser("bob"))
	require.NoError(t, err)

	t.Run("user_repository", func(t *testing.T) {
		byLogin, err := users.GetByLogin(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, alice.ID, byLogin.ID)

		_, err = users.GetByLogin(ctx, "nobody")
		require.ErrorIs(t, err, model.ErrNotFound)

		require.NoError(t, users.SetActive(ctx, bob.ID, false))
		disabled, err := users.GetByID(ctx, bob.ID)
		require.NoError(t, err)
		assert.False(t, disabled.IsActive)
		require.NoError(t, users.SetActive(ctx, bob.ID, true))
	})

	t.Run("token_repository", func(t *testing.T) {
		tok, err := tokens.Create(ctx, model.Token{
			ID:         uuid.New(),
			UserID:     alice.ID,
			Name:       "ci",
			Prefix:     "abcd1234",
			Salt:       []byte("salt"),
			SecretHash: []byte("hash"),
			CanRead:    true,
			CanWrite:   true,
		})
		require.NoError(t, err)

		byPrefix, err := tokens.GetByPrefix(ctx, "abcd1234")
		require.NoError(t, err)
		require.Len(t, byPrefix, 1)
		assert.Equal(t, tok.ID, byPrefix[0].ID)

		require.NoError(t, tokens.TouchLastUsed(ctx, tok.ID, time.Now()))
		require.NoError(t, tokens.Revoke(ctx, tok.ID))

		byPrefix, err = tokens.GetByPrefix(ctx, "abcd1234")
		require.NoError(t, err)
		assert.Empty(t, byPrefix)
	})

	t.Run("package_repository", func(t *testing.T) {
		pkg, err := packages.Create(ctx, model.Package{DisplayName: "My_Widgets", Description: "widgets"}, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, "my-widgets", pkg.Name)

		_, err = packages.Create(ctx, model.Package{DisplayName: "my-widgets"}, alice.ID)
		require.ErrorIs(t, err, model.ErrAlreadyExists)

		isOwner, err := packages.IsOwner(ctx, "my-widgets", alice.ID)
		require.NoError(t, err)
		assert.True(t, isOwner)

		// Last-owner invariant.
		err = packages.RemoveOwner(ctx, "my-widgets", alice.ID)
		require.ErrorIs(t, err, model.ErrLastOwner)

		require.NoError(t, packages.AddOwner(ctx, "my-widgets", bob.ID))
		require.NoError(t, packages.RemoveOwner(ctx, "my-widgets", alice.ID))

		owners, err := packages.Owners(ctx, "my-widgets")
		require.NoError(t, err)
		require.Len(t, owners, 1)
		assert.Equal(t, bob.ID, owners[0].ID)

		notice := "use new-widgets instead"
		require.NoError(t, packages.SetDeprecation(ctx, "my-widgets", &notice))
	})

	t.Run("version_repository", func(t *testing.T) {
		entry := model.IndexEntry{Name: "my-widgets", Vers: "0.1.0", Cksum: "hash1", V: 2}
		created, err := versions.Create(ctx, model.Version{
			Package:     "my-widgets",
			Version:     "0.1.0",
			State:       model.VersionActive,
			ContentHash: "hash1",
			SizeBytes:   1024,
			UploadedBy:  bob.ID,
			IndexEntry:  entry,
			DocsState:   model.DocsPending,
		})
		require.NoError(t, err)
		assert.Equal(t, model.VersionActive, created.State)

		_, err = versions.Create(ctx, model.Version{
			Package: "my-widgets", Version: "0.1.0", ContentHash: "hash1",
			UploadedBy: bob.ID, IndexEntry: entry, State: model.VersionActive, DocsState: model.DocsPending,
		})
		require.ErrorIs(t, err, model.ErrAlreadyExists)

		require.NoError(t, versions.SetState(ctx, "my-widgets", "0.1.0", model.VersionYanked))
		yanked, err := versions.Get(ctx, "my-widgets", "0.1.0")
		require.NoError(t, err)
		assert.Equal(t, model.VersionYanked, yanked.State)
		assert.True(t, yanked.IndexEntry.Yanked)

		require.NoError(t, versions.SetDocsState(ctx, "my-widgets", "0.1.0", model.DocsFailed, "no worker"))
		require.NoError(t, versions.IncrementDownloads(ctx, "my-widgets", "0.1.0"))

		count, err := versions.CountByHash(ctx, "hash1")
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		all, err := versions.ListAll(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, all)
	})

	t.Run("search_max_version_by_semver", func(t *testing.T) {
		entry := func(vers string) model.IndexEntry {
			return model.IndexEntry{Name: "my-widgets", Vers: vers, Cksum: "h" + vers, V: 2}
		}
		// Uploaded out of order: the semver maximum wins, not the most
		// recent upload.
		for _, vers := range []string{"0.10.0", "0.2.0"} {
			_, err := versions.Create(ctx, model.Version{
				Package: "my-widgets", Version: vers, State: model.VersionActive,
				ContentHash: "h" + vers, UploadedBy: bob.ID, IndexEntry: entry(vers), DocsState: model.DocsPending,
			})
			require.NoError(t, err)
		}

		rows, total, err := packages.Search(ctx, "widgets", 0, 10)
		require.NoError(t, err)
		require.Equal(t, 1, total)
		require.Len(t, rows, 1)
		assert.Equal(t, "0.10.0", rows[0].MaxVersion)
		assert.True(t, rows[0].IsDeprecated)
	})

	t.Run("job_repository", func(t *testing.T) {
		job, err := jobs.Create(ctx, model.Job{
			ID:                   uuid.New(),
			Kind:                 model.JobBuildDocs,
			Payload:              model.JobPayload{Package: "my-widgets", Version: "0.1.0"},
			RequiredCapabilities: []string{"stable"},
			State:                model.JobQueued,
			Deadline:             time.Now().Add(time.Hour),
		})
		require.NoError(t, err)

		workerID := uuid.New()
		require.NoError(t, jobs.SetDispatched(ctx, job.ID, workerID, 1))

		stored, err := jobs.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobDispatched, stored.State)
		require.NotNil(t, stored.WorkerID)
		assert.Equal(t, workerID, *stored.WorkerID)

		unfinished, err := jobs.ListUnfinished(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, unfinished)

		require.NoError(t, jobs.SetState(ctx, job.ID, model.JobSucceeded, ""))
		stored, err = jobs.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobSucceeded, stored.State)
		assert.Nil(t, stored.WorkerID)
	})
}
