// Package models defines the domain types for Noteworthy.
package models

import (
	"slices"
	"time"
)

// NoteID is the opaque, never-reused identifier of a note.
type NoteID string

// RawField is a top-level record field this version does not interpret.
// Raw holds the exact source bytes (key line included) so the field can be
// written back unchanged.
type RawField struct {
	Key string
	Raw []byte
}

// Note is a single markdown note.
type Note struct {
	ID         NoteID
	Title      string
	Body       string
	Tags       []string
	Pinned     bool
	CreatedAt  time.Time
	ModifiedAt time.Time
	DeletedAt  *time.Time
	Extra      []RawField
}

// Trashed reports whether the note carries a tombstone.
func (n *Note) Trashed() bool {
	return n.DeletedAt != nil
}

// HasTag reports whether name (already normalized) is on the note.
func (n *Note) HasTag(name string) bool {
	return slices.Contains(n.Tags, name)
}

// VersionTime is the timestamp used for last-writer-wins comparisons.
func (n *Note) VersionTime() time.Time {
	if n.DeletedAt != nil && n.DeletedAt.After(n.ModifiedAt) {
		return *n.DeletedAt
	}
	return n.ModifiedAt
}

// Clone returns a deep copy that shares no slices or pointers with n.
func (n Note) Clone() Note {
	out := n
	out.Tags = slices.Clone(n.Tags)
	if n.DeletedAt != nil {
		d := *n.DeletedAt
		out.DeletedAt = &d
	}
	if n.Extra != nil {
		out.Extra = make([]RawField, len(n.Extra))
		for i, f := range n.Extra {
			out.Extra[i] = RawField{Key: f.Key, Raw: slices.Clone(f.Raw)}
		}
	}
	return out
}

// Equal reports whether n and o are the same note field for field.
func (n Note) Equal(o Note) bool {
	if n.ID != o.ID || n.Title != o.Title || n.Body != o.Body || n.Pinned != o.Pinned {
		return false
	}
	if !slices.Equal(n.Tags, o.Tags) || !n.CreatedAt.Equal(o.CreatedAt) || !n.ModifiedAt.Equal(o.ModifiedAt) {
		return false
	}
	if (n.DeletedAt == nil) != (o.DeletedAt == nil) {
		return false
	}
	if n.DeletedAt != nil && !n.DeletedAt.Equal(*o.DeletedAt) {
		return false
	}
	return slices.EqualFunc(n.Extra, o.Extra, func(a, b RawField) bool {
		return a.Key == b.Key && string(a.Raw) == string(b.Raw)
	})
}

// Patch describes a partial update. Nil fields are left untouched.
type Patch struct {
	Title  *string   `json:"title,omitempty"`
	Body   *string   `json:"body,omitempty"`
	Pinned *bool     `json:"pinned,omitempty"`
	Tags   *[]string `json:"tags,omitempty"`
}

// IsEmpty reports whether the patch sets no field.
func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Body == nil && p.Pinned == nil && p.Tags == nil
}

// Tag is a tag definition. Reference counts are derived, not stored.
type Tag struct {
	Name  string `yaml:"name" json:"name"`
	Color string `yaml:"color,omitempty" json:"color,omitempty"`
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
}

// TagInfo is a tag together with the number of active notes carrying it.
type TagInfo struct {
	Tag
	RefCount int `json:"ref_count"`
}

// Manifest is the collection-level record of a store.
type Manifest struct {
	SchemaVersion int
	Tags          []Tag
	Order         []NoteID
	SyncCursor    string
	Extra         []RawField
}

// Clone returns a deep copy of m.
func (m Manifest) Clone() Manifest {
	out := m
	out.Tags = slices.Clone(m.Tags)
	out.Order = slices.Clone(m.Order)
	if m.Extra != nil {
		out.Extra = make([]RawField, len(m.Extra))
		for i, f := range m.Extra {
			out.Extra[i] = RawField{Key: f.Key, Raw: slices.Clone(f.Raw)}
		}
	}
	return out
}
