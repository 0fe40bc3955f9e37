package handler

import (
	"net/http"
	"path"
	"strings"

	"github.com/cratery/cratery/internal/apierror"
	"github.com/cratery/cratery/internal/index"
	"github.com/cratery/cratery/internal/logger"
	"github.com/cratery/cratery/internal/model"
	"github.com/cratery/cratery/internal/service"
)

// Index serves the sparse index consumed by package tooling.
type Index struct {
	packages    *service.Packages
	externalURI string
	logger      *logger.Logger
}

func NewIndex(packages *service.Packages, externalURI string, logger *logger.Logger) *Index {
	return &Index{packages: packages, externalURI: strings.TrimSuffix(externalURI, "/"), logger: logger}
}

// Config handles GET /index/config.json.
func (h *Index) Config(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, h.logger, http.StatusOK, model.RegistryConfig{
		DL:           h.externalURI + "/dl",
		API:          h.externalURI,
		AuthRequired: true,
	})
}

// File handles GET /index/{shard...}: the trailing path element is the
// crate name and the shard prefix must match the layout convention.
func (h *Index) File(w http.ResponseWriter, r *http.Request) {
	rel := strings.Trim(r.PathValue("path"), "/")
	name := path.Base(rel)
	if name == "." || name == "" {
		WriteError(w, h.logger, apierror.NotFound("crate not found"))
		return
	}
	if rel != index.FilePath(name) {
		WriteError(w, h.logger, apierror.NotFound("crate not found"))
		return
	}

	raw, err := h.packages.IndexFile(r.Context(), name)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write(raw); err != nil {
		h.logger.Warn("failed to write index file", "error", err)
	}
}
