package codec

import (
	"gopkg.in/yaml.v3"

	"github.com/starford/noteworthy/internal/models"
)

// Version 1 records predate ids in the header and tag colors. They used
// last_modified/is_pinned and kept the tag list as bare names.

type noteHeaderV1 struct {
	ID           string   `yaml:"id"`
	Title        string   `yaml:"title"`
	Tags         []string `yaml:"tags"`
	Pinned       bool     `yaml:"pinned"`
	IsPinned     bool     `yaml:"is_pinned"`
	Created      string   `yaml:"created"`
	Modified     string   `yaml:"modified"`
	LastModified string   `yaml:"last_modified"`
	Deleted      string   `yaml:"deleted"`
}

var noteKeysV1 = map[string]bool{
	"schema": true, "id": true, "title": true, "tags": true, "pinned": true, "is_pinned": true,
	"created": true, "modified": true, "last_modified": true, "deleted": true,
}

type manifestHeaderV1 struct {
	Tags    []string `yaml:"tags"`
	TagList []string `yaml:"tag_list"`
	Order   []string `yaml:"order"`
}

var manifestKeysV1 = map[string]bool{
	"schema": true, "tags": true, "tag_list": true, "order": true,
}

func migrateNote(version int, mapping *yaml.Node, entries []entry, body string, fallbackID models.NoteID) (models.Note, error) {
	if version != 1 {
		return models.Note{}, malformed("no migration from schema version %d", version)
	}

	var h noteHeaderV1
	if err := mapping.Decode(&h); err != nil {
		return models.Note{}, malformed("v1 note header: %v", err)
	}

	id := models.NoteID(h.ID)
	if id == "" {
		id = fallbackID
	}
	if err := ValidateID(id); err != nil {
		return models.Note{}, malformed("v1 note id %q: %v", id, err)
	}

	modified := h.Modified
	if modified == "" {
		modified = h.LastModified
	}
	if modified == "" {
		return models.Note{}, malformed("v1 note %q: no modification time", id)
	}
	mod, err := parseTime(modified)
	if err != nil {
		return models.Note{}, malformed("v1 note %q: modified: %v", id, err)
	}
	created := mod
	if h.Created != "" {
		if created, err = parseTime(h.Created); err != nil {
			return models.Note{}, malformed("v1 note %q: created: %v", id, err)
		}
	}

	n := models.Note{
		ID:         id,
		Title:      h.Title,
		Body:       body,
		Tags:       nonEmpty(h.Tags),
		Pinned:     h.Pinned || h.IsPinned,
		CreatedAt:  created,
		ModifiedAt: mod,
		Extra:      extraEntries(entries, noteKeysV1),
	}
	if h.Deleted != "" {
		d, err := parseTime(h.Deleted)
		if err != nil {
			return models.Note{}, malformed("v1 note %q: deleted: %v", id, err)
		}
		n.DeletedAt = &d
	}
	return n, nil
}

func migrateManifest(version int, mapping *yaml.Node, entries []entry) (models.Manifest, error) {
	if version != 1 {
		return models.Manifest{}, malformed("no migration from schema version %d", version)
	}

	var h manifestHeaderV1
	if err := mapping.Decode(&h); err != nil {
		return models.Manifest{}, malformed("v1 manifest: %v", err)
	}

	m := models.Manifest{
		SchemaVersion: CurrentVersion,
		Extra:         extraEntries(entries, manifestKeysV1),
	}
	seen := make(map[string]bool)
	for _, name := range append(h.TagList, h.Tags...) {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		m.Tags = append(m.Tags, models.Tag{Name: name})
	}
	for _, id := range h.Order {
		if err := ValidateID(models.NoteID(id)); err != nil {
			return models.Manifest{}, malformed("v1 manifest: order id %q: %v", id, err)
		}
		m.Order = append(m.Order, models.NoteID(id))
	}
	return m, nil
}
