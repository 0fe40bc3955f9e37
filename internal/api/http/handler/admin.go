package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/cratery/cratery/internal/apierror"
	"github.com/cratery/cratery/internal/events"
	"github.com/cratery/cratery/internal/logger"
	"github.com/cratery/cratery/internal/model"
	"github.com/cratery/cratery/internal/service"
	"github.com/cratery/cratery/internal/worker"
)

// Admin serves the human-facing management endpoints: users, tokens and
// workers.
type Admin struct {
	auth       *service.Auth
	users      model.UserStore
	registry   *worker.Registry
	bus        *events.Bus
	ctxManager model.ContextManager
	logger     *logger.Logger
}

func NewAdmin(
	auth *service.Auth,
	users model.UserStore,
	registry *worker.Registry,
	bus *events.Bus,
	ctxManager model.ContextManager,
	logger *logger.Logger,
) *Admin {
	return &Admin{auth: auth, users: users, registry: registry, bus: bus, ctxManager: ctxManager, logger: logger}
}

func (h *Admin) principal(r *http.Request) (model.Principal, error) {
	p, ok := h.ctxManager.GetPrincipal(r.Context())
	if !ok {
		return model.Principal{}, apierror.Unauthorized("authentication required")
	}
	return p, nil
}

func (h *Admin) requireAdmin(r *http.Request) (model.Principal, error) {
	p, err := h.principal(r)
	if err != nil {
		return model.Principal{}, err
	}
	if err := service.Authorize(p, service.OpAdminGlobal, ""); err != nil {
		return model.Principal{}, err
	}
	return p, nil
}

// ListUsers handles GET /api/v1/admin/users.
func (h *Admin) ListUsers(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requireAdmin(r); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	users, err := h.users.List(r.Context())
	if err != nil {
		WriteError(w, h.logger, apierror.Storage(err))
		return
	}
	WriteJSON(w, h.logger, http.StatusOK, users)
}

// SetUserActive handles POST /api/v1/admin/users/{id}/active.
func (h *Admin) SetUserActive(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requireAdmin(r); err != nil {
		WriteError(w, h.logger, err)
		return
	}

	userID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, h.logger, apierror.Invalid("invalid user id"))
		return
	}
	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, h.logger, apierror.Invalid("invalid body"))
		return
	}

	if err := h.users.SetActive(r.Context(), userID, body.Active); err != nil {
		if err == model.ErrNotFound {
			WriteError(w, h.logger, apierror.NotFound("user not found"))
			return
		}
		WriteError(w, h.logger, apierror.Storage(err))
		return
	}
	WriteJSON(w, h.logger, http.StatusOK, model.YesNoResult{OK: true})
}

// tokenView hides storage material from API responses.
type tokenView struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	CanRead     bool      `json:"canRead"`
	CanWrite    bool      `json:"canWrite"`
	CanAdmin    bool      `json:"canAdmin"`
	CrateScopes []string  `json:"crateScopes,omitempty"`
	LastUsed    string    `json:"lastUsed,omitempty"`
}

func toTokenView(t model.Token) tokenView {
	view := tokenView{
		ID:          t.ID,
		Name:        t.Name,
		CanRead:     t.CanRead,
		CanWrite:    t.CanWrite,
		CanAdmin:    t.CanAdmin,
		CrateScopes: t.CrateScopes,
	}
	if t.LastUsedAt != nil {
		view.LastUsed = t.LastUsedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	return view
}

// ListTokens handles GET /api/v1/tokens.
func (h *Admin) ListTokens(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	tokens, err := h.auth.ListTokens(r.Context(), p.User.ID)
	if err != nil {
		WriteError(w, h.logger, apierror.Storage(err))
		return
	}
	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, toTokenView(t))
	}
	WriteJSON(w, h.logger, http.StatusOK, views)
}

// CreateToken handles POST /api/v1/tokens. The clear secret appears only in
// this response.
func (h *Admin) CreateToken(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	var body struct {
		Name        string   `json:"name"`
		CanWrite    bool     `json:"canWrite"`
		CanAdmin    bool     `json:"canAdmin"`
		CrateScopes []string `json:"crateScopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		WriteError(w, h.logger, apierror.Invalid("invalid token body"))
		return
	}

	created, secret, err := h.auth.CreateToken(r.Context(), p.User.ID, body.Name, true, body.CanWrite, body.CanAdmin, body.CrateScopes)
	if err != nil {
		WriteError(w, h.logger, apierror.Storage(err))
		return
	}
	WriteJSON(w, h.logger, http.StatusOK, struct {
		tokenView
		Secret string `json:"secret"`
	}{toTokenView(created), secret})
}

// RevokeToken handles DELETE /api/v1/tokens/{id}.
func (h *Admin) RevokeToken(w http.ResponseWriter, r *http.Request) {
	p, err := h.principal(r)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	tokenID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, h.logger, apierror.Invalid("invalid token id"))
		return
	}
	if err := h.auth.RevokeToken(r.Context(), p, tokenID); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, h.logger, http.StatusOK, model.YesNoResult{OK: true})
}

// ListWorkers handles GET /api/v1/admin/workers.
func (h *Admin) ListWorkers(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requireAdmin(r); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, h.logger, http.StatusOK, h.registry.Snapshot())
}

// WorkerUpdates handles GET /api/v1/admin/workers/updates as a server-sent
// event stream of worker and job events.
func (h *Admin) WorkerUpdates(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requireAdmin(r); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, h.logger, apierror.Internal(fmt.Errorf("streaming unsupported")))
		return
	}

	workerSub := h.bus.Subscribe(model.TopicWorkers, 0)
	defer workerSub.Unsubscribe()
	jobSub := h.bus.Subscribe(model.TopicJobs, 0)
	defer jobSub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(event model.Event) bool {
		payload, err := json.Marshal(event)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-workerSub.Events():
			if !ok || !write(event) {
				return
			}
		case event, ok := <-jobSub.Events():
			if !ok || !write(event) {
				return
			}
		}
	}
}
