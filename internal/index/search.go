package index

import (
	"cmp"
	"iter"
	"slices"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/starford/noteworthy/internal/models"
)

// Filter narrows a search.
type Filter struct {
	Tag            string
	IncludeTrashed bool
}

// SortKey selects the sub-order of Sorted.
type SortKey int

const (
	Recency SortKey = iota
	Alphabetical
	PinnedFirst
)

// ParseSortKey maps the wire names "recency", "alphabetical" and
// "pinned_first" to a SortKey.
func ParseSortKey(s string) (SortKey, bool) {
	switch s {
	case "", "recency":
		return Recency, true
	case "alphabetical", "alpha", "title":
		return Alphabetical, true
	case "pinned_first", "pinned":
		return PinnedFirst, true
	}
	return Recency, false
}

func (k SortKey) String() string {
	switch k {
	case Alphabetical:
		return "alphabetical"
	case PinnedFirst:
		return "pinned_first"
	}
	return "recency"
}

// Order is a sort request. Pinned notes come first unless IgnorePins is set.
type Order struct {
	Key        SortKey
	IgnorePins bool
}

// Search returns ids of notes containing every query token, most relevant
// first. Title hits weigh more than body hits and whole-word hits add to
// substring hits. Ties break by recency, then id. An empty query matches
// every note the filter admits.
func (ix *Index) Search(query string, f Filter) iter.Seq[models.NoteID] {
	tokens := strings.Fields(strings.ToLower(query))

	ix.mu.RLock()
	candidates := ix.recency
	if f.Tag != "" {
		set := ix.byTag[f.Tag]
		candidates = make([]*entry, 0, len(set))
		for id := range set {
			candidates = append(candidates, ix.entries[id])
		}
	}

	type hit struct {
		e     *entry
		score int
	}
	var hits []hit
	for _, e := range candidates {
		if e.trashed && !f.IncludeTrashed {
			continue
		}
		if score, ok := e.match(tokens); ok {
			hits = append(hits, hit{e: e, score: score})
		}
	}
	ix.mu.RUnlock()

	slices.SortFunc(hits, func(a, b hit) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return byRecency(a.e, b.e)
	})
	ids := make([]models.NoteID, len(hits))
	for i, h := range hits {
		ids[i] = h.e.id
	}
	return seqOf(ids)
}

// match reports whether every token occurs in the note and scores the hit.
func (e *entry) match(tokens []string) (int, bool) {
	score := 0
	for _, tok := range tokens {
		inTitle := strings.Contains(e.titleLower, tok)
		inBody := strings.Contains(e.bodyLower, tok) || strings.Contains(e.plainLower, tok)
		if !inTitle && !inBody {
			return 0, false
		}
		if inTitle {
			score += 2
		}
		if inBody {
			score++
		}
		if _, whole := e.words[tok]; whole {
			score++
		}
	}
	return score, true
}

// Sorted returns the active notes in the requested order.
func (ix *Index) Sorted(o Order) iter.Seq[models.NoteID] {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	base := ix.recency
	if o.Key == Alphabetical {
		base = ix.alpha
	}
	active := func(e *entry) bool { return !e.trashed }
	if o.IgnorePins {
		return seqOf(collect(base, active))
	}
	pinned := collect(base, func(e *entry) bool { return active(e) && e.pinned })
	rest := collect(base, func(e *entry) bool { return active(e) && !e.pinned })
	return seqOf(append(pinned, rest...))
}

// Suggest fuzzy-matches query against active note titles for a quick
// switcher. An empty query returns the most recent notes.
func (ix *Index) Suggest(query string, limit int) []models.NoteID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}
	if strings.TrimSpace(query) == "" {
		ids := collect(ix.recency, func(e *entry) bool { return !e.trashed })
		return ids[:min(limit, len(ids))]
	}

	src := titleSource(ix.alpha)
	matches := fuzzy.FindFrom(query, src)
	out := make([]models.NoteID, 0, min(limit, len(matches)))
	for _, m := range matches {
		e := src[m.Index]
		if e.trashed {
			continue
		}
		out = append(out, e.id)
		if len(out) == limit {
			break
		}
	}
	return out
}

// titleSource adapts entries to fuzzy.Source.
type titleSource []*entry

func (s titleSource) String(i int) string { return s[i].display }
func (s titleSource) Len() int            { return len(s) }
