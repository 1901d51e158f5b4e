package notes

import (
	"fmt"

	"github.com/starford/noteworthy/internal/apperr"
	"github.com/starford/noteworthy/internal/checksum"
	"github.com/starford/noteworthy/internal/codec"
	"github.com/starford/noteworthy/internal/models"
)

// ApplyRemote merges a change from a sync peer or an external edit through the
// same mutation path as local edits. The newer version time wins; equal times
// fall back to the encoded record checksum so every replica picks the same
// side. It reports whether the local state changed.
func (r *Repository) ApplyRemote(rc models.RemoteChange) (bool, error) {
	if err := codec.ValidateID(rc.NoteID); err != nil {
		return false, fmt.Errorf("notes: apply remote: %w: %w", apperr.ErrInvalid, err)
	}
	if (rc.Note == nil) == (rc.Tombstone == nil) {
		return false, fmt.Errorf("notes: apply remote %s: %w: exactly one of note or tombstone is required", rc.NoteID, apperr.ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	local, exists := r.notes[rc.NoteID]

	var incoming models.Note
	if rc.Note != nil {
		if rc.Note.ID != rc.NoteID {
			return false, fmt.Errorf("notes: apply remote %s: %w: note carries id %s", rc.NoteID, apperr.ErrInvalid, rc.Note.ID)
		}
		incoming = rc.Note.Clone()
		tags, err := normalizeTags(incoming.Tags)
		if err != nil {
			return false, fmt.Errorf("notes: apply remote %s: %w", rc.NoteID, err)
		}
		incoming.Tags = tags
	} else {
		if !exists {
			// Nothing to tombstone.
			return false, nil
		}
		at := rc.Tombstone.UTC()
		if !at.After(local.VersionTime()) {
			return false, nil
		}
		incoming = local.Clone()
		incoming.DeletedAt = &at
	}

	if exists {
		if local.Equal(incoming) {
			return false, nil
		}
		won, err := newerThan(incoming, *local)
		if err != nil {
			return false, fmt.Errorf("notes: apply remote %s: %w", rc.NoteID, err)
		}
		if !won {
			return false, nil
		}
		manifestChanged := r.retag(rc.NoteID, local.Tags, incoming.Tags)
		*local = incoming
		r.emit(models.ChangeRemote, rc.NoteID, models.OriginRemote, local, manifestChanged)
		return true, nil
	}

	n := &incoming
	r.notes[n.ID] = n
	r.order = append(r.order, n.ID)
	r.linkTags(n.ID, n.Tags)
	r.emit(models.ChangeRemote, n.ID, models.OriginRemote, n, true)
	return true, nil
}

// newerThan decides last-writer-wins between two versions of the same note.
func newerThan(a, b models.Note) (bool, error) {
	at, bt := a.VersionTime(), b.VersionTime()
	if !at.Equal(bt) {
		return at.After(bt), nil
	}
	if a.ID != b.ID {
		return a.ID > b.ID, nil
	}
	ea, err := codec.EncodeNote(a)
	if err != nil {
		return false, err
	}
	eb, err := codec.EncodeNote(b)
	if err != nil {
		return false, err
	}
	return checksum.Sum(ea) > checksum.Sum(eb), nil
}
