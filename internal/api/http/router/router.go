package router

import (
	"net/http"

	"github.com/cratery/cratery/internal/api/http/handler"
	"github.com/cratery/cratery/internal/api/http/middleware"
	"github.com/cratery/cratery/internal/logger"
)

// Router wires handlers and middleware into the served mux.
type Router struct {
	crates       *handler.Crates
	index        *handler.Index
	admin        *handler.Admin
	workers      *handler.Workers
	login        *handler.Auth
	authenticate *middleware.Authenticate
	logging      *middleware.Logging
	recovery     *middleware.Recover
	logger       *logger.Logger
}

func New(
	crates *handler.Crates,
	index *handler.Index,
	admin *handler.Admin,
	workers *handler.Workers,
	login *handler.Auth,
	authenticate *middleware.Authenticate,
	logging *middleware.Logging,
	recovery *middleware.Recover,
	logger *logger.Logger,
) *Router {
	return &Router{
		crates:       crates,
		index:        index,
		admin:        admin,
		workers:      workers,
		login:        login,
		authenticate: authenticate,
		logging:      logging,
		recovery:     recovery,
		logger:       logger,
	}
}

// Register builds the full route table.
func (r *Router) Register() http.Handler {
	authed := http.NewServeMux()

	// Sparse index.
	authed.HandleFunc("GET /index/config.json", r.index.Config)
	authed.HandleFunc("GET /index/{path...}", r.index.File)

	// Cargo web API.
	authed.HandleFunc("PUT /api/v1/crates/new", r.crates.Publish)
	authed.HandleFunc("GET /api/v1/crates", r.crates.Search)
	authed.HandleFunc("GET /api/v1/crates/{name}", r.crates.Info)
	authed.HandleFunc("DELETE /api/v1/crates/{name}/{version}/yank", r.crates.Yank)
	authed.HandleFunc("PUT /api/v1/crates/{name}/{version}/unyank", r.crates.Unyank)
	authed.HandleFunc("GET /api/v1/crates/{name}/owners", r.crates.Owners)
	authed.HandleFunc("PUT /api/v1/crates/{name}/owners", r.crates.AddOwners)
	authed.HandleFunc("DELETE /api/v1/crates/{name}/owners", r.crates.RemoveOwners)
	authed.HandleFunc("GET /dl/{name}/{version}", r.crates.Download)

	// Tokens and administration.
	authed.HandleFunc("GET /api/v1/tokens", r.admin.ListTokens)
	authed.HandleFunc("POST /api/v1/tokens", r.admin.CreateToken)
	authed.HandleFunc("DELETE /api/v1/tokens/{id}", r.admin.RevokeToken)
	authed.HandleFunc("GET /api/v1/admin/users", r.admin.ListUsers)
	authed.HandleFunc("POST /api/v1/admin/users/{id}/active", r.admin.SetUserActive)
	authed.HandleFunc("PUT /api/v1/admin/crates/{name}/re-export", r.crates.CreateReExport)
	authed.HandleFunc("GET /api/v1/admin/workers", r.admin.ListWorkers)
	authed.HandleFunc("GET /api/v1/admin/workers/updates", r.admin.WorkerUpdates)

	mux := http.NewServeMux()
	// The identity handshake and worker connections authenticate inside
	// their handlers; everything else goes through the middleware chain.
	mux.HandleFunc("GET /login", r.login.Login)
	mux.HandleFunc("GET /login/callback", r.login.Callback)
	mux.HandleFunc("GET /api/v1/worker/connect", r.workers.Connect)
	mux.Handle("/", r.authenticate.Wrap(authed))

	return r.recovery.Wrap(r.logging.Wrap(mux))
}
