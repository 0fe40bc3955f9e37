package handler

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/cratery/cratery/internal/apierror"
	"github.com/cratery/cratery/internal/logger"
	"github.com/cratery/cratery/internal/model"
	"github.com/cratery/cratery/internal/service"
)

// Crates translates the Cargo web API to package service calls.
type Crates struct {
	packages   *service.Packages
	ctxManager model.ContextManager
	logger     *logger.Logger
}

func NewCrates(packages *service.Packages, ctxManager model.ContextManager, logger *logger.Logger) *Crates {
	return &Crates{packages: packages, ctxManager: ctxManager, logger: logger}
}

func (h *Crates) principal(r *http.Request) (model.Principal, error) {
	p, ok := h.ctxManager.GetPrincipal(r.Context())
	if !ok {
		return model.Principal{}, apierror.Unauthorized("authentication required")
	}
	return p, nil
}

// Publish handles PUT /api/v1/crates/new.
func (h *Crates) Publish(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	env, err := model.ReadPublishEnvelope(r.Body)
	if err != nil {
		WriteError(w, h.logger, apierror.Invalid(err.Error()))
		return
	}

	if _, err := h.packages.Publish(r.Context(), p, env); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	WriteJSON(w, h.logger, http.StatusOK, map[string]any{
		"warnings": map[string]any{
			"invalid_categories": []string{},
			"invalid_badges":     []string{},
			"other":              []string{},
		},
	})
}

// Yank handles DELETE /api/v1/crates/{name}/{version}/yank.
func (h *Crates) Yank(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if err := h.packages.Yank(r.Context(), p, r.PathValue("name"), r.PathValue("version")); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, h.logger, http.StatusOK, model.YesNoResult{OK: true})
}

// Unyank handles PUT /api/v1/crates/{name}/{version}/unyank.
func (h *Crates) Unyank(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if err := h.packages.Unyank(r.Context(), p, r.PathValue("name"), r.PathValue("version")); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, h.logger, http.StatusOK, model.YesNoResult{OK: true})
}

// Owners handles GET /api/v1/crates/{name}/owners.
func (h *Crates) Owners(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	owners, err := h.packages.Owners(r.Context(), p, r.PathValue("name"))
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	result := model.OwnersQueryResult{Users: make([]model.OwnerUser, 0, len(owners))}
	for _, owner := range owners {
		result.Users = append(result.Users, model.OwnerUser{
			ID:    ownerID(owner),
			Login: owner.Login,
			Name:  owner.Name,
		})
	}
	WriteJSON(w, h.logger, http.StatusOK, result)
}

// Cargo expects numeric user identifiers; derive a stable one from the
// user's UUID.
func ownerID(u model.User) int64 {
	raw := u.ID[:]
	return int64(binary.BigEndian.Uint64(raw[:8]) >> 1)
}

// AddOwners handles PUT /api/v1/crates/{name}/owners.
func (h *Crates) AddOwners(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	var query model.OwnersChangeQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		WriteError(w, h.logger, apierror.Invalid("invalid owners body"))
		return
	}
	msg, err := h.packages.AddOwners(r.Context(), p, r.PathValue("name"), query.Users)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, h.logger, http.StatusOK, model.YesNoMsgResult{OK: true, Msg: msg})
}

// RemoveOwners handles DELETE /api/v1/crates/{name}/owners.
func (h *Crates) RemoveOwners(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	var query model.OwnersChangeQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		WriteError(w, h.logger, apierror.Invalid("invalid owners body"))
		return
	}
	if err := h.packages.RemoveOwners(r.Context(), p, r.PathValue("name"), query.Users); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, h.logger, http.StatusOK, model.YesNoResult{OK: true})
}

// Search handles GET /api/v1/crates?q=&per_page=&page=.
func (h *Crates) Search(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	query := r.URL.Query().Get("q")
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))

	results, err := h.packages.Search(r.Context(), p, query, page, perPage)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, h.logger, http.StatusOK, results)
}

// Info handles GET /api/v1/crates/{name}.
func (h *Crates) Info(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	info, err := h.packages.Info(r.Context(), p, r.PathValue("name"))
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, h.logger, http.StatusOK, info)
}

// CreateReExport handles PUT /api/v1/admin/crates/{name}/re-export.
func (h *Crates) CreateReExport(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	var body struct {
		Registry string `json:"registry"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Registry == "" {
		WriteError(w, h.logger, apierror.Invalid("invalid re-export body"))
		return
	}
	pkg, err := h.packages.CreateReExport(r.Context(), p, r.PathValue("name"), body.Registry)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, h.logger, http.StatusOK, pkg)
}

// Download handles GET /dl/{name}/{version}.
func (h *Crates) Download(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	reader, err := h.packages.Download(r.Context(), p, r.PathValue("name"), r.PathValue("version"))
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/x-tar")
	if _, err := io.Copy(w, reader); err != nil {
		h.logger.Warn("failed to stream crate", "error", err)
	}
}
