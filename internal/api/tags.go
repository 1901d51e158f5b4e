package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ListTags handles GET /api/tags.
//
//	@Summary		List tag definitions with reference counts
//	@Tags			tags
//	@Produce		json
//	@Success		200	{object}	TagListResponse
//	@Security		BearerAuth
//	@Router			/tags [get]
func (h *Handler) ListTags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, TagListResponse{Tags: nonNilSlice(h.svc.Tags())})
}

// SetTagMeta handles PUT /api/tags/{name}.
//
//	@Summary		Set tag color and label
//	@Tags			tags
//	@Accept			json
//	@Param			name	path	string			true	"Tag name"
//	@Param			body	body	TagMetaRequest	true	"Display attributes"
//	@Success		204		"Updated"
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tags/{name} [put]
func (h *Handler) SetTagMeta(w http.ResponseWriter, r *http.Request) {
	var req TagMetaRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := h.svc.SetTagMeta(chi.URLParam(r, "name"), req.Color, req.Label); err != nil {
		writeError(w, "set tag meta", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RenameTag handles POST /api/tags/{name}/rename.
//
//	@Summary		Rename or merge a tag
//	@Tags			tags
//	@Accept			json
//	@Param			name	path	string				true	"Current tag name"
//	@Param			body	body	RenameTagRequest	true	"New name"
//	@Success		204		"Renamed"
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tags/{name}/rename [post]
func (h *Handler) RenameTag(w http.ResponseWriter, r *http.Request) {
	var req RenameTagRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := h.svc.RenameTag(chi.URLParam(r, "name"), req.Name); err != nil {
		writeError(w, "rename tag", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PruneTags handles POST /api/tags/prune.
//
//	@Summary		Drop unreferenced tag definitions
//	@Tags			tags
//	@Produce		json
//	@Success		200	{object}	PruneResponse
//	@Security		BearerAuth
//	@Router			/tags/prune [post]
func (h *Handler) PruneTags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, PruneResponse{Pruned: nonNilSlice(h.svc.PruneTags())})
}

// CompactTrash handles POST /api/trash/compact.
//
//	@Summary		Purge notes past the trash retention period
//	@Tags			trash
//	@Produce		json
//	@Success		200	{object}	CompactResponse
//	@Security		BearerAuth
//	@Router			/trash/compact [post]
func (h *Handler) CompactTrash(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CompactResponse{Purged: nonNilSlice(h.svc.Compact(r.Context()))})
}
