// Package codec encodes notes and the collection manifest to their on-disk form.
//
// A note record is a YAML header between "---" fences followed by the markdown
// body verbatim:
//
//	---
//	schema: 2
//	id: 01928c3e-...
//	title: "Groceries"
//	tags:
//	  - "home"
//	created: "2026-10-19T09:00:00Z"
//	modified: "2026-10-19T09:05:00Z"
//	---
//	milk, eggs
//
// The manifest is a plain YAML document. Top-level fields this version does not
// know are kept as raw bytes and written back unchanged.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/starford/noteworthy/internal/models"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = 2

const fence = "---"

// IDPattern is the accepted shape of a note id. Ids double as file names.
var IDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID checks that id is usable as a note id.
func ValidateID(id models.NoteID) error {
	s := string(id)
	return validation.Validate(s, validation.Required, validation.Match(IDPattern))
}

// quoted is a string that always encodes as a double-quoted scalar, so control
// characters and leading or trailing whitespace survive the round trip.
type quoted string

func (q quoted) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Style: yaml.DoubleQuotedStyle, Value: string(q)}, nil
}

type noteHeader struct {
	Schema   int      `yaml:"schema"`
	ID       string   `yaml:"id"`
	Title    quoted   `yaml:"title"`
	Tags     []quoted `yaml:"tags,omitempty"`
	Pinned   bool     `yaml:"pinned,omitempty"`
	Created  string   `yaml:"created"`
	Modified string   `yaml:"modified"`
	Deleted  string   `yaml:"deleted,omitempty"`
}

var noteKeys = map[string]bool{
	"schema": true, "id": true, "title": true, "tags": true, "pinned": true,
	"created": true, "modified": true, "deleted": true,
}

func (h *noteHeader) validate() error {
	return validation.ValidateStruct(h,
		validation.Field(&h.ID, validation.Required, validation.Match(IDPattern)),
		validation.Field(&h.Title, validation.By(validText)),
		validation.Field(&h.Tags, validation.Each(validation.By(validText))),
		validation.Field(&h.Created, validation.Required),
		validation.Field(&h.Modified, validation.Required),
	)
}

func validText(v any) error {
	var s string
	switch t := v.(type) {
	case quoted:
		s = string(t)
	case string:
		s = t
	}
	if !utf8.ValidString(s) {
		return errors.New("must be valid UTF-8")
	}
	return nil
}

// DecodeOption adjusts decoding of a single note record.
type DecodeOption func(*decodeOptions)

type decodeOptions struct {
	fallbackID models.NoteID
}

// WithFallbackID supplies the id for legacy records that do not carry one
// (the file stem, in practice).
func WithFallbackID(id models.NoteID) DecodeOption {
	return func(o *decodeOptions) { o.fallbackID = id }
}

// EncodeNote serializes n into its record form.
func EncodeNote(n models.Note) ([]byte, error) {
	h := noteHeader{
		Schema:   CurrentVersion,
		ID:       string(n.ID),
		Title:    quoted(n.Title),
		Tags:     quoteAll(n.Tags),
		Pinned:   n.Pinned,
		Created:  formatTime(n.CreatedAt),
		Modified: formatTime(n.ModifiedAt),
	}
	if n.DeletedAt != nil {
		h.Deleted = formatTime(*n.DeletedAt)
	}
	if err := h.validate(); err != nil {
		return nil, fmt.Errorf("codec: encode note %q: %w", n.ID, err)
	}

	var buf bytes.Buffer
	buf.WriteString(fence + "\n")
	if err := encodeYAML(&buf, &h); err != nil {
		return nil, fmt.Errorf("codec: encode note %q: %w", n.ID, err)
	}
	if err := writeExtra(&buf, n.Extra, noteKeys); err != nil {
		return nil, fmt.Errorf("codec: encode note %q: %w", n.ID, err)
	}
	buf.WriteString(fence + "\n")
	buf.WriteString(n.Body)
	return buf.Bytes(), nil
}

// DecodeNote parses a note record, migrating older schema versions forward.
func DecodeNote(data []byte, opts ...DecodeOption) (models.Note, error) {
	n, _, err := DecodeNoteVersion(data, opts...)
	return n, err
}

// DecodeNoteVersion is DecodeNote that also reports the schema version found
// on disk, so callers can rewrite migrated records.
func DecodeNoteVersion(data []byte, opts ...DecodeOption) (models.Note, int, error) {
	var o decodeOptions
	for _, opt := range opts {
		opt(&o)
	}

	header, body, err := splitRecord(data)
	if err != nil {
		return models.Note{}, 0, err
	}
	mapping, entries, err := parseMapping(header)
	if err != nil {
		return models.Note{}, 0, err
	}
	version, err := schemaOf(mapping)
	if err != nil {
		return models.Note{}, 0, err
	}

	switch {
	case version > CurrentVersion:
		return models.Note{}, version, unsupported(version)
	case version < CurrentVersion:
		n, err := migrateNote(version, mapping, entries, body, o.fallbackID)
		return n, version, err
	}

	var h noteHeader
	if err := mapping.Decode(&h); err != nil {
		return models.Note{}, version, malformed("note header: %v", err)
	}
	if err := h.validate(); err != nil {
		return models.Note{}, version, malformed("note header: %v", err)
	}
	n := models.Note{
		ID:     models.NoteID(h.ID),
		Title:  string(h.Title),
		Body:   body,
		Tags:   unquoteAll(h.Tags),
		Pinned: h.Pinned,
		Extra:  extraEntries(entries, noteKeys),
	}
	if n.CreatedAt, err = parseTime(h.Created); err != nil {
		return models.Note{}, version, malformed("created: %v", err)
	}
	if n.ModifiedAt, err = parseTime(h.Modified); err != nil {
		return models.Note{}, version, malformed("modified: %v", err)
	}
	if h.Deleted != "" {
		d, err := parseTime(h.Deleted)
		if err != nil {
			return models.Note{}, version, malformed("deleted: %v", err)
		}
		n.DeletedAt = &d
	}
	return n, version, nil
}

type manifestTag struct {
	Name  quoted `yaml:"name"`
	Color quoted `yaml:"color,omitempty"`
	Label quoted `yaml:"label,omitempty"`
}

type manifestHeader struct {
	Schema     int           `yaml:"schema"`
	SyncCursor quoted        `yaml:"sync_cursor,omitempty"`
	Tags       []manifestTag `yaml:"tags,omitempty"`
	Order      []string      `yaml:"order,omitempty"`
}

var manifestKeys = map[string]bool{
	"schema": true, "sync_cursor": true, "tags": true, "order": true,
}

// EncodeManifest serializes m. The schema version written is always CurrentVersion.
func EncodeManifest(m models.Manifest) ([]byte, error) {
	h := manifestHeader{
		Schema:     CurrentVersion,
		SyncCursor: quoted(m.SyncCursor),
		Order:      make([]string, len(m.Order)),
	}
	if err := validText(m.SyncCursor); err != nil {
		return nil, fmt.Errorf("codec: encode manifest: sync cursor: %w", err)
	}
	for _, t := range m.Tags {
		for _, v := range []string{t.Name, t.Color, t.Label} {
			if err := validText(v); err != nil {
				return nil, fmt.Errorf("codec: encode manifest: tag %q: %w", t.Name, err)
			}
		}
		h.Tags = append(h.Tags, manifestTag{Name: quoted(t.Name), Color: quoted(t.Color), Label: quoted(t.Label)})
	}
	for i, id := range m.Order {
		h.Order[i] = string(id)
	}

	var buf bytes.Buffer
	if err := encodeYAML(&buf, &h); err != nil {
		return nil, fmt.Errorf("codec: encode manifest: %w", err)
	}
	if err := writeExtra(&buf, m.Extra, manifestKeys); err != nil {
		return nil, fmt.Errorf("codec: encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeManifest parses a manifest, migrating older schema versions forward.
func DecodeManifest(data []byte) (models.Manifest, error) {
	m, _, err := DecodeManifestVersion(data)
	return m, err
}

// DecodeManifestVersion is DecodeManifest that also reports the on-disk version.
func DecodeManifestVersion(data []byte) (models.Manifest, int, error) {
	mapping, entries, err := parseMapping(data)
	if err != nil {
		return models.Manifest{}, 0, err
	}
	version, err := schemaOf(mapping)
	if err != nil {
		return models.Manifest{}, 0, err
	}

	switch {
	case version > CurrentVersion:
		return models.Manifest{}, version, unsupported(version)
	case version < CurrentVersion:
		m, err := migrateManifest(version, mapping, entries)
		return m, version, err
	}

	var h manifestHeader
	if err := mapping.Decode(&h); err != nil {
		return models.Manifest{}, version, malformed("manifest: %v", err)
	}
	m := models.Manifest{
		SchemaVersion: CurrentVersion,
		SyncCursor:    string(h.SyncCursor),
		Extra:         extraEntries(entries, manifestKeys),
	}
	for _, t := range h.Tags {
		if t.Name == "" {
			return models.Manifest{}, version, malformed("manifest: tag with empty name")
		}
		m.Tags = append(m.Tags, models.Tag{Name: string(t.Name), Color: string(t.Color), Label: string(t.Label)})
	}
	for _, id := range h.Order {
		if err := ValidateID(models.NoteID(id)); err != nil {
			return models.Manifest{}, version, malformed("manifest: order id %q: %v", id, err)
		}
		m.Order = append(m.Order, models.NoteID(id))
	}
	return m, version, nil
}

// splitRecord separates the YAML header from the body. The header keeps its
// trailing newline so raw field capture sees complete lines.
func splitRecord(data []byte) (header []byte, body string, err error) {
	if !bytes.HasPrefix(data, []byte(fence+"\n")) {
		return nil, "", malformed("record does not start with a header fence")
	}
	rest := data[len(fence)+1:]

	if idx := bytes.Index(rest, []byte("\n"+fence+"\n")); idx >= 0 {
		return rest[:idx+1], string(rest[idx+len(fence)+2:]), nil
	}
	if bytes.HasSuffix(rest, []byte("\n"+fence)) {
		return rest[:len(rest)-len(fence)], "", nil
	}
	return nil, "", malformed("header fence is not closed")
}

type entry struct {
	key string
	raw []byte
}

// parseMapping decodes src as a block-style YAML mapping and returns the raw
// source lines of each top-level entry alongside the parsed node.
func parseMapping(src []byte) (*yaml.Node, []entry, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(src, &doc); err != nil {
		return nil, nil, malformed("yaml: %v", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, nil, malformed("expected a single YAML document")
	}
	mapping := doc.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, nil, malformed("expected a YAML mapping")
	}
	if mapping.Style&yaml.FlowStyle != 0 {
		return nil, nil, malformed("flow-style mappings are not supported")
	}

	lines := bytes.SplitAfter(src, []byte("\n"))
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}

	entries := make([]entry, 0, len(mapping.Content)/2)
	for i := 0; i < len(mapping.Content); i += 2 {
		key := mapping.Content[i]
		start := key.Line - 1
		end := len(lines)
		if i+2 < len(mapping.Content) {
			end = mapping.Content[i+2].Line - 1
		}
		if start < 0 || start > end || end > len(lines) {
			return nil, nil, malformed("cannot locate field %q", key.Value)
		}
		entries = append(entries, entry{key: key.Value, raw: bytes.Join(lines[start:end], nil)})
	}
	return mapping, entries, nil
}

func schemaOf(mapping *yaml.Node) (int, error) {
	var peek struct {
		Schema *int `yaml:"schema"`
	}
	if err := mapping.Decode(&peek); err != nil {
		return 0, malformed("schema: %v", err)
	}
	if peek.Schema == nil {
		// Records written before versioning are treated as version 1.
		return 1, nil
	}
	if *peek.Schema < 1 {
		return 0, malformed("schema version %d", *peek.Schema)
	}
	return *peek.Schema, nil
}

func extraEntries(entries []entry, known map[string]bool) []models.RawField {
	var out []models.RawField
	for _, e := range entries {
		if known[e.key] {
			continue
		}
		out = append(out, models.RawField{Key: e.key, Raw: bytes.Clone(e.raw)})
	}
	return out
}

func writeExtra(buf *bytes.Buffer, extra []models.RawField, known map[string]bool) error {
	for _, f := range extra {
		if known[f.Key] {
			return fmt.Errorf("extra field %q shadows a known field", f.Key)
		}
		buf.Write(f.Raw)
		if len(f.Raw) > 0 && f.Raw[len(f.Raw)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	return nil
}

func encodeYAML(buf *bytes.Buffer, v any) error {
	enc := yaml.NewEncoder(buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

var legacyLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}

func parseTime(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range legacyLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func nonEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

func quoteAll(s []string) []quoted {
	if len(s) == 0 {
		return nil
	}
	out := make([]quoted, len(s))
	for i, v := range s {
		out[i] = quoted(v)
	}
	return out
}

func unquoteAll(s []quoted) []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = string(v)
	}
	return out
}

// ErrorKind distinguishes codec failures.
type ErrorKind int

const (
	// Malformed means the bytes are corrupt, truncated or structurally wrong.
	Malformed ErrorKind = iota + 1
	// UnsupportedVersion means the record was written by a newer schema.
	UnsupportedVersion
)

func (k ErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case UnsupportedVersion:
		return "unsupported version"
	}
	return "unknown"
}

// Error is returned by every decode failure.
type Error struct {
	Kind    ErrorKind
	Version int
	Detail  string
}

func (e *Error) Error() string {
	if e.Kind == UnsupportedVersion {
		return fmt.Sprintf("codec: unsupported schema version %d (supported up to %d)", e.Version, CurrentVersion)
	}
	return "codec: malformed record: " + e.Detail
}

// Is matches any *Error of the same kind, so ErrMalformed and
// ErrUnsupportedVersion work as sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrMalformed          = &Error{Kind: Malformed}
	ErrUnsupportedVersion = &Error{Kind: UnsupportedVersion}
)

func malformed(format string, args ...any) error {
	return &Error{Kind: Malformed, Detail: fmt.Sprintf(format, args...)}
}

func unsupported(version int) error {
	return &Error{Kind: UnsupportedVersion, Version: version}
}
