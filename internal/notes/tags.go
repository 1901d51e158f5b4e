package notes

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/cases"

	"github.com/starford/noteworthy/internal/apperr"
	"github.com/starford/noteworthy/internal/models"
)

const maxTagLen = 64

// NormalizeTag trims and case-folds a tag name.
func NormalizeTag(name string) (string, error) {
	s := cases.Fold().String(strings.TrimSpace(name))
	if s == "" || len(s) > maxTagLen {
		return "", fmt.Errorf("%w: %q", apperr.ErrInvalidTag, name)
	}
	if strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: %q", apperr.ErrInvalidTag, name)
	}
	return s, nil
}

// normalizeTags normalizes names and drops duplicates, keeping first occurrence.
func normalizeTags(names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		s, err := NormalizeTag(name)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out, nil
}

// linkTags records back-references and defines unknown tags. It reports
// whether a definition was added.
func (r *Repository) linkTags(id models.NoteID, tags []string) bool {
	defined := false
	for _, t := range tags {
		if _, ok := r.tagDefs[t]; !ok {
			r.tagDefs[t] = &models.Tag{Name: t}
			r.tagOrder = append(r.tagOrder, t)
			defined = true
		}
		set, ok := r.refs[t]
		if !ok {
			set = make(map[models.NoteID]struct{})
			r.refs[t] = set
		}
		set[id] = struct{}{}
	}
	return defined
}

func (r *Repository) unlinkTags(id models.NoteID, tags []string) {
	for _, t := range tags {
		if set, ok := r.refs[t]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.refs, t)
			}
		}
	}
}

// dropBareTags removes definitions among names that nothing references and
// that carry no metadata. It reports whether any was removed.
func (r *Repository) dropBareTags(names []string) bool {
	dropped := false
	for _, name := range names {
		def, ok := r.tagDefs[name]
		if !ok || len(r.refs[name]) > 0 || def.Color != "" || def.Label != "" {
			continue
		}
		delete(r.tagDefs, name)
		r.tagOrder = slices.DeleteFunc(r.tagOrder, func(s string) bool { return s == name })
		dropped = true
	}
	return dropped
}

func (r *Repository) retag(id models.NoteID, before, after []string) bool {
	var removed []string
	for _, t := range before {
		if !slices.Contains(after, t) {
			removed = append(removed, t)
		}
	}
	r.unlinkTags(id, removed)
	return r.linkTags(id, after)
}

// Tag adds name to an active note. Tagging twice is a no-op.
func (r *Repository) Tag(id models.NoteID, name string) error {
	tag, err := NormalizeTag(name)
	if err != nil {
		return fmt.Errorf("notes: tag %s: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.notes[id]
	if !ok || n.Trashed() {
		return fmt.Errorf("notes: tag %s: %w", id, apperr.ErrNotFound)
	}
	if n.HasTag(tag) {
		return nil
	}
	n.Tags = append(slices.Clone(n.Tags), tag)
	n.ModifiedAt = r.bump(n.ModifiedAt)
	defined := r.linkTags(id, []string{tag})
	r.emit(models.ChangeTagged, id, models.OriginLocal, n, defined)
	return nil
}

// Untag removes name from an active note. The tag definition stays until
// pruned.
func (r *Repository) Untag(id models.NoteID, name string) error {
	tag, err := NormalizeTag(name)
	if err != nil {
		return fmt.Errorf("notes: untag %s: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.notes[id]
	if !ok || n.Trashed() {
		return fmt.Errorf("notes: untag %s: %w", id, apperr.ErrNotFound)
	}
	if !n.HasTag(tag) {
		return nil
	}
	n.Tags = slices.DeleteFunc(slices.Clone(n.Tags), func(s string) bool { return s == tag })
	if len(n.Tags) == 0 {
		n.Tags = nil
	}
	n.ModifiedAt = r.bump(n.ModifiedAt)
	r.unlinkTags(id, []string{tag})
	r.emit(models.ChangeUntagged, id, models.OriginLocal, n, false)
	return nil
}

// Tags returns every tag definition with the number of active notes using it.
func (r *Repository) Tags() []models.TagInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.TagInfo, 0, len(r.tagOrder))
	for _, name := range r.tagOrder {
		info := models.TagInfo{Tag: *r.tagDefs[name]}
		for id := range r.refs[name] {
			if !r.notes[id].Trashed() {
				info.RefCount++
			}
		}
		out = append(out, info)
	}
	return out
}

// SetTagMeta sets the display color and label of a tag, defining it if needed.
func (r *Repository) SetTagMeta(name, color, label string) error {
	tag, err := NormalizeTag(name)
	if err != nil {
		return fmt.Errorf("notes: set tag meta: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.tagDefs[tag]
	if !ok {
		def = &models.Tag{Name: tag}
		r.tagDefs[tag] = def
		r.tagOrder = append(r.tagOrder, tag)
	} else if def.Color == color && def.Label == label {
		return nil
	}
	def.Color, def.Label = color, label
	r.emit(models.ChangeManifest, "", models.OriginLocal, nil, true)
	return nil
}

// RenameTag renames a tag on every note carrying it, trashed notes included.
// If newName already exists the two tags merge and newName keeps its metadata.
func (r *Repository) RenameTag(oldName, newName string) error {
	from, err := NormalizeTag(oldName)
	if err != nil {
		return fmt.Errorf("notes: rename tag: %w", err)
	}
	to, err := NormalizeTag(newName)
	if err != nil {
		return fmt.Errorf("notes: rename tag: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.tagDefs[from]
	if !ok {
		return fmt.Errorf("notes: rename tag %q: %w", from, apperr.ErrNotFound)
	}
	if from == to {
		return nil
	}

	if _, exists := r.tagDefs[to]; exists {
		delete(r.tagDefs, from)
		r.tagOrder = slices.DeleteFunc(r.tagOrder, func(s string) bool { return s == from })
	} else {
		def.Name = to
		delete(r.tagDefs, from)
		r.tagDefs[to] = def
		r.tagOrder[slices.Index(r.tagOrder, from)] = to
	}

	for _, id := range r.order {
		if _, tagged := r.refs[from][id]; !tagged {
			continue
		}
		n := r.notes[id]
		tags := make([]string, 0, len(n.Tags))
		for _, t := range n.Tags {
			if t == from {
				t = to
			}
			if !slices.Contains(tags, t) {
				tags = append(tags, t)
			}
		}
		r.unlinkTags(id, []string{from})
		r.linkTags(id, tags)
		n.Tags = tags
		n.ModifiedAt = r.bump(n.ModifiedAt)
		r.emit(models.ChangeUpdated, id, models.OriginLocal, n, false)
	}
	r.emit(models.ChangeManifest, "", models.OriginLocal, nil, true)
	return nil
}

// PruneTags drops definitions no note references, trashed notes included.
func (r *Repository) PruneTags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneLocked()
}

func (r *Repository) pruneLocked() []string {
	var pruned []string
	r.tagOrder = slices.DeleteFunc(r.tagOrder, func(name string) bool {
		if len(r.refs[name]) > 0 {
			return false
		}
		delete(r.tagDefs, name)
		pruned = append(pruned, name)
		return true
	})
	if len(pruned) > 0 {
		r.emit(models.ChangeManifest, "", models.OriginLocal, nil, true)
	}
	return pruned
}
