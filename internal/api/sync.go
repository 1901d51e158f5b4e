package api

import (
	"net/http"
	"strconv"

	"github.com/starford/noteworthy/internal/models"
)

// Changes handles GET /api/changes.
//
//	@Summary		Committed changes after a cursor
//	@Tags			sync
//	@Produce		json
//	@Param			cursor	query		string	false	"Cursor from the previous page"
//	@Param			limit	query		int		false	"Max changes"
//	@Success		200		{object}	ChangesResponse
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse	"Cursor older than retained history"
//	@Security		BearerAuth
//	@Router			/changes [get]
func (h *Handler) Changes(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	evs, next, err := h.svc.ChangesSince(r.Context(), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, "changes", err)
		return
	}
	out := make([]ChangeDTO, 0, len(evs))
	for _, ev := range evs {
		dto := ChangeDTO{Seq: ev.Seq, Kind: ev.Kind, ID: ev.NoteID, Origin: ev.Origin, At: ev.At}
		if ev.Note != nil {
			d := toDetail(*ev.Note)
			dto.Note = &d
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, ChangesResponse{Changes: out, Cursor: next})
}

// ApplyRemote handles POST /api/remote.
//
//	@Summary		Merge a note or tombstone from a sync peer
//	@Tags			sync
//	@Accept			json
//	@Produce		json
//	@Param			body	body		RemoteChangeRequest	true	"Remote change"
//	@Success		200		{object}	RemoteChangeResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/remote [post]
func (h *Handler) ApplyRemote(w http.ResponseWriter, r *http.Request) {
	var req RemoteChangeRequest
	if !readJSON(w, r, &req) {
		return
	}
	rc := models.RemoteChange{NoteID: req.ID, Tombstone: req.Tombstone}
	if req.Note != nil {
		n := req.Note.toNote(req.ID)
		rc.Note = &n
	}
	applied, err := h.svc.ApplyRemote(rc)
	if err != nil {
		writeError(w, "apply remote", err)
		return
	}
	writeJSON(w, http.StatusOK, RemoteChangeResponse{Applied: applied})
}

// GetSyncCursor handles GET /api/sync/cursor.
//
//	@Summary		Stored peer cursor
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	SyncCursorRequest
//	@Security		BearerAuth
//	@Router			/sync/cursor [get]
func (h *Handler) GetSyncCursor(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, SyncCursorRequest{Cursor: h.svc.SyncCursor()})
}

// SetSyncCursor handles PUT /api/sync/cursor.
//
//	@Summary		Store the peer cursor
//	@Tags			sync
//	@Accept			json
//	@Param			body	body	SyncCursorRequest	true	"Cursor"
//	@Success		204		"Stored"
//	@Security		BearerAuth
//	@Router			/sync/cursor [put]
func (h *Handler) SetSyncCursor(w http.ResponseWriter, r *http.Request) {
	var req SyncCursorRequest
	if !readJSON(w, r, &req) {
		return
	}
	h.svc.SetSyncCursor(req.Cursor)
	w.WriteHeader(http.StatusNoContent)
}
