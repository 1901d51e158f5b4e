package api

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/noteworthy/internal/checksum"
	"github.com/starford/noteworthy/internal/models"
	"github.com/starford/noteworthy/internal/parser"
)

// CreateNoteRequest is the request body for creating a note.
type CreateNoteRequest struct {
	Title string   `json:"title" example:"Groceries"`
	Body  string   `json:"body" example:"milk, eggs"`
	Tags  []string `json:"tags,omitempty" example:"home"`
}

// UpdateNoteRequest is the request body for a partial update. Omitted fields
// are left untouched.
type UpdateNoteRequest = models.Patch

// TagRequest names a tag to add to a note.
type TagRequest struct {
	Name string `json:"name" example:"home" validate:"required"`
}

// TagMetaRequest sets the display attributes of a tag.
type TagMetaRequest struct {
	Color string `json:"color,omitempty" example:"#ffcc00"`
	Label string `json:"label,omitempty" example:"Home"`
}

// RenameTagRequest is the new name of a tag.
type RenameTagRequest struct {
	Name string `json:"name" example:"household" validate:"required"`
}

// NoteDetail is the full note response.
type NoteDetail struct {
	ID           models.NoteID `json:"id" validate:"required"`
	Title        string        `json:"title"`
	DisplayTitle string        `json:"display_title"`
	Body         string        `json:"body"`
	Tags         []string      `json:"tags"`
	Pinned       bool          `json:"pinned"`
	CreatedAt    time.Time     `json:"created_at"`
	ModifiedAt   time.Time     `json:"modified_at"`
	DeletedAt    *time.Time    `json:"deleted_at,omitempty"`
	Checksum     string        `json:"checksum"`
}

// NoteListItem is a lightweight item in a list response.
type NoteListItem struct {
	ID           models.NoteID `json:"id" validate:"required"`
	DisplayTitle string        `json:"display_title"`
	Snippet      string        `json:"snippet"`
	Tags         []string      `json:"tags"`
	Pinned       bool          `json:"pinned"`
	ModifiedAt   time.Time     `json:"modified_at"`
	DeletedAt    *time.Time    `json:"deleted_at,omitempty"`
}

// NoteListResponse wraps paginated note listings.
type NoteListResponse struct {
	Notes []NoteListItem `json:"notes" validate:"required"`
	Total int            `json:"total" example:"42" validate:"required"`
}

// TagListResponse wraps the tag list.
type TagListResponse struct {
	Tags []models.TagInfo `json:"tags" validate:"required"`
}

// ChangeDTO is one entry of the changes feed.
type ChangeDTO struct {
	Seq    uint64            `json:"seq"`
	Kind   models.ChangeKind `json:"kind"`
	ID     models.NoteID     `json:"id,omitempty"`
	Origin models.Origin     `json:"origin"`
	At     time.Time         `json:"at"`
	Note   *NoteDetail       `json:"note,omitempty"`
}

// ChangesResponse is a page of the changes feed.
type ChangesResponse struct {
	Changes []ChangeDTO `json:"changes" validate:"required"`
	Cursor  string      `json:"cursor" example:"42"`
}

// RemoteNote is a note as sent by a sync peer.
type RemoteNote struct {
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	Tags       []string   `json:"tags,omitempty"`
	Pinned     bool       `json:"pinned,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ModifiedAt time.Time  `json:"modified_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// RemoteChangeRequest carries either a note or a tombstone for ID.
type RemoteChangeRequest struct {
	ID        models.NoteID `json:"id" validate:"required"`
	Note      *RemoteNote   `json:"note,omitempty"`
	Tombstone *time.Time    `json:"tombstone,omitempty"`
}

// RemoteChangeResponse reports whether the change won.
type RemoteChangeResponse struct {
	Applied bool `json:"applied"`
}

// SyncCursorRequest stores the peer cursor.
type SyncCursorRequest struct {
	Cursor string `json:"cursor"`
}

// CompactResponse lists purged notes.
type CompactResponse struct {
	Purged []models.NoteID `json:"purged"`
}

// PruneResponse lists removed tag definitions.
type PruneResponse struct {
	Pruned []string `json:"pruned"`
}

const snippetLen = 160

func toDetail(n models.Note) NoteDetail {
	return NoteDetail{
		ID:           n.ID,
		Title:        n.Title,
		DisplayTitle: parser.DisplayTitle(n.Title, n.Body),
		Body:         n.Body,
		Tags:         nonNilSlice(n.Tags),
		Pinned:       n.Pinned,
		CreatedAt:    n.CreatedAt,
		ModifiedAt:   n.ModifiedAt,
		DeletedAt:    n.DeletedAt,
		Checksum:     checksum.Note(n),
	}
}

func toListItem(n models.Note) NoteListItem {
	return NoteListItem{
		ID:           n.ID,
		DisplayTitle: parser.DisplayTitle(n.Title, n.Body),
		Snippet:      snippet(n.Body),
		Tags:         nonNilSlice(n.Tags),
		Pinned:       n.Pinned,
		ModifiedAt:   n.ModifiedAt,
		DeletedAt:    n.DeletedAt,
	}
}

func (rn *RemoteNote) toNote(id models.NoteID) models.Note {
	return models.Note{
		ID:         id,
		Title:      rn.Title,
		Body:       rn.Body,
		Tags:       rn.Tags,
		Pinned:     rn.Pinned,
		CreatedAt:  rn.CreatedAt.UTC(),
		ModifiedAt: rn.ModifiedAt.UTC(),
		DeletedAt:  rn.DeletedAt,
	}
}

func snippet(body string) string {
	plain := strings.Join(strings.Fields(parser.Parse(body).Plain), " ")
	if utf8.RuneCountInString(plain) <= snippetLen {
		return plain
	}
	r := []rune(plain)
	return string(r[:snippetLen]) + "…"
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Validate implements validation.Validatable.
func (r TagRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required),
	)
}

// Validate implements validation.Validatable.
func (r RenameTagRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required),
	)
}

// Validate implements validation.Validatable.
func (r RemoteChangeRequest) Validate() error {
	if err := validation.ValidateStruct(&r,
		validation.Field(&r.ID, validation.Required),
	); err != nil {
		return err
	}
	if (r.Note == nil) == (r.Tombstone == nil) {
		return errors.New("exactly one of note or tombstone is required")
	}
	return nil
}
