package api

import (
	"iter"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/noteworthy/internal/index"
	"github.com/starford/noteworthy/internal/models"
	"github.com/starford/noteworthy/internal/notes"
	"github.com/starford/noteworthy/internal/noteservice"
)

const defaultPageSize = 50

// Handler holds API route handlers.
type Handler struct {
	svc *noteservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *noteservice.Service) *Handler {
	return &Handler{svc: svc}
}

func noteID(r *http.Request) models.NoteID {
	return models.NoteID(chi.URLParam(r, "id"))
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

// page collects the items of seq between offset and offset+limit and counts
// the rest.
func page(seq iter.Seq[models.Note], r *http.Request) ([]NoteListItem, int) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	items := []NoteListItem{}
	total := 0
	for n := range seq {
		if total >= offset && len(items) < limit {
			items = append(items, toListItem(n))
		}
		total++
	}
	return items, total
}

// ListNotes handles GET /api/notes.
//
//	@Summary		List live notes in a sort order
//	@Tags			notes
//	@Produce		json
//	@Param			sort		query		string	false	"Sort order"	Enums(recency, alphabetical, pinned_first)
//	@Param			ignore_pins	query		bool	false	"Do not float pinned notes"
//	@Param			tag			query		string	false	"Filter by tag"
//	@Param			limit		query		int		false	"Page size"
//	@Param			offset		query		int		false	"Page offset"
//	@Success		200			{object}	NoteListResponse
//	@Security		BearerAuth
//	@Router			/notes [get]
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	key, ok := index.ParseSortKey(r.URL.Query().Get("sort"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("unknown sort order"))
		return
	}
	seq := h.svc.Sorted(index.Order{Key: key, IgnorePins: queryBool(r, "ignore_pins")})
	if raw := r.URL.Query().Get("tag"); raw != "" {
		tag, err := notes.NormalizeTag(raw)
		if err != nil {
			writeError(w, "list notes", err)
			return
		}
		seq = withTag(seq, tag)
	}
	items, total := page(seq, r)
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: items, Total: total})
}

func withTag(seq iter.Seq[models.Note], tag string) iter.Seq[models.Note] {
	return func(yield func(models.Note) bool) {
		for n := range seq {
			if n.HasTag(tag) && !yield(n) {
				return
			}
		}
	}
}

// ListTrash handles GET /api/trash.
//
//	@Summary		List trashed notes
//	@Tags			trash
//	@Produce		json
//	@Success		200	{object}	NoteListResponse
//	@Security		BearerAuth
//	@Router			/trash [get]
func (h *Handler) ListTrash(w http.ResponseWriter, r *http.Request) {
	items, total := page(h.svc.ListTrash(), r)
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: items, Total: total})
}

// GetNote handles GET /api/notes/{id}.
//
//	@Summary		Get a single note
//	@Tags			notes
//	@Produce		json
//	@Param			id	path		string	true	"Note id"
//	@Success		200	{object}	NoteDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id} [get]
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Get(noteID(r))
	if err != nil {
		writeError(w, "get note", err)
		return
	}
	h.writeNote(w, http.StatusOK, n)
}

func (h *Handler) writeNote(w http.ResponseWriter, status int, n models.Note) {
	d := toDetail(n)
	w.Header().Set("ETag", `"`+d.Checksum+`"`)
	writeJSON(w, status, d)
}

// CreateNote handles POST /api/notes.
//
//	@Summary		Create a new note
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateNoteRequest	true	"Note to create"
//	@Success		201		{object}	NoteDetail
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes [post]
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req CreateNoteRequest
	if !readJSON(w, r, &req) {
		return
	}
	n, err := h.svc.Create(req.Title, req.Body, req.Tags...)
	if err != nil {
		writeError(w, "create note", err)
		return
	}
	h.writeNote(w, http.StatusCreated, n)
}

// UpdateNote handles PATCH /api/notes/{id}.
//
//	@Summary		Update a note with optimistic concurrency
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			id			path		string				true	"Note id"
//	@Param			If-Match	header		string				false	"Checksum the edit is based on"
//	@Param			body		body		UpdateNoteRequest	true	"Fields to change"
//	@Success		200			{object}	NoteDetail
//	@Failure		400			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id} [patch]
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	id := noteID(r)
	var req UpdateNoteRequest
	if !readJSON(w, r, &req) {
		return
	}
	var (
		n   models.Note
		err error
	)
	// Strip surrounding quotes if present (standard ETag format).
	if ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`); ifMatch != "" {
		n, err = h.svc.UpdateIfMatch(id, req, ifMatch)
	} else {
		n, err = h.svc.Update(id, req)
	}
	if err != nil {
		writeError(w, "update note", err)
		return
	}
	h.writeNote(w, http.StatusOK, n)
}

// DeleteNote handles DELETE /api/notes/{id}.
//
//	@Summary		Move a note to the trash
//	@Tags			notes
//	@Param			id	path	string	true	"Note id"
//	@Success		204	"Note trashed"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id} [delete]
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(noteID(r)); err != nil {
		writeError(w, "delete note", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RestoreNote handles POST /api/notes/{id}/restore.
//
//	@Summary		Take a note out of the trash
//	@Tags			trash
//	@Produce		json
//	@Param			id	path		string	true	"Note id"
//	@Success		200	{object}	NoteDetail
//	@Failure		404	{object}	errResponse
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id}/restore [post]
func (h *Handler) RestoreNote(w http.ResponseWriter, r *http.Request) {
	id := noteID(r)
	if err := h.svc.Restore(id); err != nil {
		writeError(w, "restore note", err)
		return
	}
	h.respondNote(w, id)
}

// TagNote handles POST /api/notes/{id}/tags.
//
//	@Summary		Add a tag to a note
//	@Tags			tags
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string		true	"Note id"
//	@Param			body	body		TagRequest	true	"Tag"
//	@Success		200		{object}	NoteDetail
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id}/tags [post]
func (h *Handler) TagNote(w http.ResponseWriter, r *http.Request) {
	id := noteID(r)
	var req TagRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := h.svc.Tag(id, req.Name); err != nil {
		writeError(w, "tag note", err)
		return
	}
	h.respondNote(w, id)
}

// UntagNote handles DELETE /api/notes/{id}/tags/{tag}.
//
//	@Summary		Remove a tag from a note
//	@Tags			tags
//	@Produce		json
//	@Param			id	path		string	true	"Note id"
//	@Param			tag	path		string	true	"Tag name"
//	@Success		200	{object}	NoteDetail
//	@Security		BearerAuth
//	@Router			/notes/{id}/tags/{tag} [delete]
func (h *Handler) UntagNote(w http.ResponseWriter, r *http.Request) {
	id := noteID(r)
	if err := h.svc.Untag(id, chi.URLParam(r, "tag")); err != nil {
		writeError(w, "untag note", err)
		return
	}
	h.respondNote(w, id)
}

func (h *Handler) respondNote(w http.ResponseWriter, id models.NoteID) {
	n, err := h.svc.Get(id)
	if err != nil {
		writeError(w, "get note", err)
		return
	}
	h.writeNote(w, http.StatusOK, n)
}

// Search handles GET /api/search.
//
//	@Summary		Search notes by text
//	@Tags			search
//	@Produce		json
//	@Param			q				query		string	true	"Search query"
//	@Param			tag				query		string	false	"Restrict to a tag"
//	@Param			include_trashed	query		bool	false	"Search the trash too"
//	@Param			limit			query		int		false	"Max results"
//	@Success		200				{object}	NoteListResponse
//	@Failure		400				{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	f := index.Filter{IncludeTrashed: queryBool(r, "include_trashed")}
	if raw := r.URL.Query().Get("tag"); raw != "" {
		var err error
		if f.Tag, err = notes.NormalizeTag(raw); err != nil {
			writeError(w, "search", err)
			return
		}
	}
	items, total := page(h.svc.Search(q, f), r)
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: items, Total: total})
}

// Suggest handles GET /api/suggest.
//
//	@Summary		Fuzzy title completion
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	false	"Partial title"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	NoteListResponse
//	@Security		BearerAuth
//	@Router			/suggest [get]
func (h *Handler) Suggest(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 10
	}
	found := h.svc.Suggest(r.URL.Query().Get("q"), limit)
	items := make([]NoteListItem, 0, len(found))
	for _, n := range found {
		items = append(items, toListItem(n))
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: items, Total: len(items)})
}

// Undo handles POST /api/undo.
//
//	@Summary		Undo the last command
//	@Tags			history
//	@Produce		json
//	@Success		200	{object}	undo.State
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/undo [post]
func (h *Handler) Undo(w http.ResponseWriter, _ *http.Request) {
	if err := h.svc.Undo(); err != nil {
		writeError(w, "undo", err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.UndoState())
}

// Redo handles POST /api/redo.
//
//	@Summary		Redo the last undone command
//	@Tags			history
//	@Produce		json
//	@Success		200	{object}	undo.State
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/redo [post]
func (h *Handler) Redo(w http.ResponseWriter, _ *http.Request) {
	if err := h.svc.Redo(); err != nil {
		writeError(w, "redo", err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.UndoState())
}

// Status handles GET /api/status.
//
//	@Summary		Engine status
//	@Tags			status
//	@Produce		json
//	@Success		200	{object}	noteservice.Status
//	@Security		BearerAuth
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}
