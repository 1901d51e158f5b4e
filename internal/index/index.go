// Package index keeps the derived lookup structures the UI queries: a text
// index for search, a tag index and sorted orderings. It holds nothing that
// cannot be rebuilt from the repository.
package index

import (
	"cmp"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"github.com/starford/noteworthy/internal/models"
	"github.com/starford/noteworthy/internal/parser"
)

// entry is the indexed form of one note.
type entry struct {
	id       models.NoteID
	display  string // derived title shown in lists
	alphaKey string // case-folded display title

	titleLower string
	bodyLower  string
	plainLower string
	words      map[string]struct{}

	tags     []string
	pinned   bool
	trashed  bool
	modified time.Time
}

func newEntry(n *models.Note) *entry {
	res := parser.Parse(n.Body)
	display := parser.DisplayTitle(n.Title, n.Body)
	e := &entry{
		id:         n.ID,
		display:    display,
		alphaKey:   cases.Fold().String(display),
		titleLower: strings.ToLower(display),
		bodyLower:  strings.ToLower(n.Body),
		plainLower: strings.ToLower(res.Plain),
		words:      make(map[string]struct{}),
		tags:       slices.Clone(n.Tags),
		pinned:     n.Pinned,
		trashed:    n.Trashed(),
		modified:   n.ModifiedAt,
	}
	for _, w := range parser.Words(display) {
		e.words[w] = struct{}{}
	}
	for _, w := range parser.Words(res.Plain) {
		e.words[w] = struct{}{}
	}
	return e
}

// byRecency orders newest first, then by id.
func byRecency(a, b *entry) int {
	if c := b.modified.Compare(a.modified); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}

// byAlpha orders by folded display title, then by id.
func byAlpha(a, b *entry) int {
	if c := strings.Compare(a.alphaKey, b.alphaKey); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}

// Index is safe for concurrent readers. It is mutated only through Rebuild
// and OnChange.
type Index struct {
	mu sync.RWMutex

	entries map[models.NoteID]*entry
	byTag   map[string]map[models.NoteID]struct{}
	recency []*entry
	alpha   []*entry
}

// New returns an empty index.
func New() *Index {
	return &Index{
		entries: make(map[models.NoteID]*entry),
		byTag:   make(map[string]map[models.NoteID]struct{}),
	}
}

// Rebuild replaces the index with entries for notes.
func (ix *Index) Rebuild(notes iter.Seq[models.Note]) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.entries = make(map[models.NoteID]*entry)
	ix.byTag = make(map[string]map[models.NoteID]struct{})
	ix.recency = nil
	ix.alpha = nil
	for n := range notes {
		e := newEntry(&n)
		ix.entries[e.id] = e
		ix.linkTags(e)
		ix.recency = append(ix.recency, e)
		ix.alpha = append(ix.alpha, e)
	}
	slices.SortFunc(ix.recency, byRecency)
	slices.SortFunc(ix.alpha, byAlpha)
}

// OnChange applies one repository change. It is called synchronously by the
// repository while the mutation is still being committed.
func (ix *Index) OnChange(ev models.ChangeEvent) {
	if ev.NoteID == "" {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(ev.NoteID)
	if ev.Note == nil {
		return
	}
	e := newEntry(ev.Note)
	ix.entries[e.id] = e
	ix.linkTags(e)
	ix.recency = insertSorted(ix.recency, e, byRecency)
	ix.alpha = insertSorted(ix.alpha, e, byAlpha)
}

// Len returns the number of indexed notes, trashed ones included.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

func (ix *Index) removeLocked(id models.NoteID) {
	old, ok := ix.entries[id]
	if !ok {
		return
	}
	delete(ix.entries, id)
	for _, t := range old.tags {
		if set := ix.byTag[t]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(ix.byTag, t)
			}
		}
	}
	ix.recency = removeSorted(ix.recency, old, byRecency)
	ix.alpha = removeSorted(ix.alpha, old, byAlpha)
}

func (ix *Index) linkTags(e *entry) {
	for _, t := range e.tags {
		set, ok := ix.byTag[t]
		if !ok {
			set = make(map[models.NoteID]struct{})
			ix.byTag[t] = set
		}
		set[e.id] = struct{}{}
	}
}

func insertSorted(s []*entry, e *entry, cmpFn func(a, b *entry) int) []*entry {
	i, _ := slices.BinarySearchFunc(s, e, cmpFn)
	return slices.Insert(s, i, e)
}

func removeSorted(s []*entry, e *entry, cmpFn func(a, b *entry) int) []*entry {
	// Entries are immutable and ids unique, so the key locates e exactly.
	if i, found := slices.BinarySearchFunc(s, e, cmpFn); found {
		return slices.Delete(s, i, i+1)
	}
	return s
}

func collect(entries []*entry, keep func(*entry) bool) []models.NoteID {
	out := make([]models.NoteID, 0, len(entries))
	for _, e := range entries {
		if keep(e) {
			out = append(out, e.id)
		}
	}
	return out
}

func seqOf(ids []models.NoteID) iter.Seq[models.NoteID] {
	return slices.Values(ids)
}
