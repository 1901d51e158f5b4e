package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/noteworthy/internal/noteservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *noteservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Route("/notes", func(r chi.Router) {
		r.Get("/", h.ListNotes)
		r.Post("/", h.CreateNote)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetNote)
			r.Patch("/", h.UpdateNote)
			r.Delete("/", h.DeleteNote)
			r.Post("/restore", h.RestoreNote)
			r.Post("/tags", h.TagNote)
			r.Delete("/tags/{tag}", h.UntagNote)
		})
	})

	r.Get("/trash", h.ListTrash)
	r.Post("/trash/compact", h.CompactTrash)

	r.Get("/tags", h.ListTags)
	r.Post("/tags/prune", h.PruneTags)
	r.Put("/tags/{name}", h.SetTagMeta)
	r.Post("/tags/{name}/rename", h.RenameTag)

	r.Get("/search", h.Search)
	r.Get("/suggest", h.Suggest)

	r.Post("/undo", h.Undo)
	r.Post("/redo", h.Redo)
	r.Get("/status", h.Status)

	// Sync.
	r.Get("/changes", h.Changes)
	r.Post("/remote", h.ApplyRemote)
	r.Get("/sync/cursor", h.GetSyncCursor)
	r.Put("/sync/cursor", h.SetSyncCursor)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
