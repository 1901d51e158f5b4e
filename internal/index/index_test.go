package index

import (
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/starford/noteworthy/internal/models"
	"github.com/starford/noteworthy/internal/notes"
	"github.com/starford/noteworthy/internal/testutil"
)

var t0 = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func testEngine() (*notes.Repository, *Index, *testutil.Clock) {
	clock := testutil.NewClock(t0)
	next := 0
	repo := notes.New(
		notes.WithClock(clock.Now),
		notes.WithIDGenerator(func() models.NoteID {
			next++
			return models.NoteID(fmt.Sprintf("n%02d", next))
		}),
		notes.WithLogger(testutil.Logger()),
	)
	ix := New()
	repo.Subscribe(ix.OnChange)
	return repo, ix, clock
}

func ptr[T any](v T) *T { return &v }

func TestGroceriesTaxesScenario(t *testing.T) {
	repo, ix, clock := testEngine()

	a, err := repo.Create("Groceries", "milk, eggs")
	require.NoError(t, err)
	require.NoError(t, repo.Tag(a, "home"))
	clock.Advance(time.Minute)
	b, err := repo.Create("Taxes", "file by April")
	require.NoError(t, err)
	require.NoError(t, repo.Update(b, models.Patch{Pinned: ptr(true)}))

	require.Equal(t, []models.NoteID{b, a}, slices.Collect(ix.Sorted(Order{Key: PinnedFirst})))
	require.Equal(t, []models.NoteID{a}, slices.Collect(ix.Search("milk", Filter{})))

	require.NoError(t, repo.SoftDelete(a))
	require.Empty(t, slices.Collect(ix.Search("milk", Filter{})))
	require.Equal(t, []models.NoteID{a}, slices.Collect(ix.Search("milk", Filter{IncludeTrashed: true})))

	require.NoError(t, repo.Restore(a))
	require.Equal(t, []models.NoteID{a}, slices.Collect(ix.Search("milk", Filter{})))
	require.Equal(t, []models.NoteID{a}, slices.Collect(ix.Search("", Filter{Tag: "home"})))
}

func TestSearchRelevanceAndTieBreak(t *testing.T) {
	repo, ix, clock := testEngine()

	body, _ := repo.Create("Shopping", "buy coffee beans")
	clock.Advance(time.Minute)
	title, _ := repo.Create("Coffee notes", "grinder settings")
	clock.Advance(time.Minute)
	partial, _ := repo.Create("Misc", "coffeehouse list")
	clock.Advance(time.Minute)
	twinA, _ := repo.Create("Tea", "green")
	twinB, _ := repo.Create("Tea", "green")

	// Title hit (2) + whole word (1) beats body hit (1) + whole word (1),
	// which beats a substring-only body hit (1).
	require.Equal(t, []models.NoteID{title, body, partial}, slices.Collect(ix.Search("COFFEE", Filter{})))

	// Identical notes with identical timestamps fall back to id order.
	require.Equal(t, []models.NoteID{twinA, twinB}, slices.Collect(ix.Search("tea", Filter{})))

	// All tokens must match.
	require.Equal(t, []models.NoteID{body}, slices.Collect(ix.Search("coffee beans", Filter{})))
	require.Empty(t, slices.Collect(ix.Search("coffee tea", Filter{})))
}

func TestSearchMatchesPlainTextAndTagFilter(t *testing.T) {
	repo, ix, clock := testEngine()

	link, _ := repo.Create("Links", "see [the shop](https://example.com/x) for **bold** deals")
	clock.Advance(time.Minute)
	other, _ := repo.Create("Other", "the shop is closed")
	require.NoError(t, repo.Tag(other, "errands"))

	require.Equal(t, []models.NoteID{link}, slices.Collect(ix.Search("bold deals", Filter{})))
	require.Equal(t, []models.NoteID{other, link}, slices.Collect(ix.Search("shop", Filter{})))
	require.Equal(t, []models.NoteID{other}, slices.Collect(ix.Search("shop", Filter{Tag: "errands"})))
	require.Empty(t, slices.Collect(ix.Search("shop", Filter{Tag: "nope"})))
}

func TestSearchIsDeterministic(t *testing.T) {
	repo, ix, _ := testEngine()
	for i := range 20 {
		_, _ = repo.Create(fmt.Sprintf("note %d", i%3), "same body")
	}
	first := slices.Collect(ix.Search("note", Filter{}))
	for range 5 {
		require.Equal(t, first, slices.Collect(ix.Search("note", Filter{})))
	}
}

func TestSortedOrders(t *testing.T) {
	repo, ix, clock := testEngine()

	c, _ := repo.Create("charlie", "")
	clock.Advance(time.Minute)
	a, _ := repo.Create("Alpha", "")
	clock.Advance(time.Minute)
	b, _ := repo.Create("", "# bravo\ntext")
	clock.Advance(time.Minute)
	require.NoError(t, repo.Update(c, models.Patch{Pinned: ptr(true)}))

	require.Equal(t, []models.NoteID{c, b, a}, slices.Collect(ix.Sorted(Order{Key: Recency, IgnorePins: true})))
	require.Equal(t, []models.NoteID{a, b, c}, slices.Collect(ix.Sorted(Order{Key: Alphabetical, IgnorePins: true})))
	require.Equal(t, []models.NoteID{c, a, b}, slices.Collect(ix.Sorted(Order{Key: Alphabetical})))
	require.Equal(t, []models.NoteID{c, b, a}, slices.Collect(ix.Sorted(Order{Key: PinnedFirst})))

	require.NoError(t, repo.SoftDelete(c))
	require.Equal(t, []models.NoteID{b, a}, slices.Collect(ix.Sorted(Order{Key: PinnedFirst})))
}

func TestPinnedAlwaysFirst(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		repo, ix, clock := testEngine()
		n := rapid.IntRange(1, 15).Draw(t, "notes")
		for i := range n {
			id, _ := repo.Create(rapid.StringMatching(`[a-z]{0,6}`).Draw(t, "title"), "")
			if rapid.Bool().Draw(t, fmt.Sprintf("pin%d", i)) {
				_ = repo.Update(id, models.Patch{Pinned: ptr(true)})
			}
			if rapid.Bool().Draw(t, fmt.Sprintf("trash%d", i)) {
				_ = repo.SoftDelete(id)
			}
			clock.Advance(time.Duration(rapid.IntRange(0, 3).Draw(t, "step")) * time.Second)
		}
		key := SortKey(rapid.IntRange(0, 2).Draw(t, "key"))

		got := slices.Collect(ix.Sorted(Order{Key: key}))
		seenUnpinned := false
		count := 0
		for _, id := range got {
			note, ok := repo.Get(id)
			if !ok || note.Trashed() {
				t.Fatalf("sorted returned inactive note %s", id)
			}
			if !note.Pinned {
				seenUnpinned = true
			} else if seenUnpinned {
				t.Fatalf("pinned note %s after an unpinned one in %v", id, got)
			}
			count++
		}
		active, _ := repo.Counts()
		if count != active {
			t.Fatalf("sorted returned %d notes, %d active", count, active)
		}
	})
}

func TestRebuildMatchesIncremental(t *testing.T) {
	repo, ix, clock := testEngine()
	for i := range 10 {
		id, _ := repo.Create(fmt.Sprintf("t%d", 9-i), "body")
		clock.Advance(time.Second)
		if i%3 == 0 {
			_ = repo.Update(id, models.Patch{Pinned: ptr(true)})
		}
		if i%4 == 0 {
			_ = repo.SoftDelete(id)
		}
	}
	fresh := New()
	fresh.Rebuild(repo.All())

	for _, o := range []Order{{Key: Recency}, {Key: Alphabetical}, {Key: PinnedFirst, IgnorePins: true}} {
		require.Equal(t, slices.Collect(ix.Sorted(o)), slices.Collect(fresh.Sorted(o)), "order %v", o)
	}
	require.Equal(t, ix.Len(), fresh.Len())
}

func TestPurgeRemovesEntry(t *testing.T) {
	repo, ix, _ := testEngine()
	id, _ := repo.Create("gone", "soon")
	require.NoError(t, repo.Tag(id, "x"))
	require.NoError(t, repo.Purge(id))

	require.Equal(t, 0, ix.Len())
	require.Empty(t, slices.Collect(ix.Search("", Filter{Tag: "x", IncludeTrashed: true})))
	require.Empty(t, slices.Collect(ix.Search("soon", Filter{IncludeTrashed: true})))
}

func TestSuggest(t *testing.T) {
	repo, ix, clock := testEngine()
	groceries, _ := repo.Create("Groceries", "")
	clock.Advance(time.Minute)
	_, _ = repo.Create("Taxes 2026", "")
	clock.Advance(time.Minute)
	gardening, _ := repo.Create("Gardening plan", "")

	got := ix.Suggest("grc", 5)
	require.Equal(t, []models.NoteID{groceries}, got)

	require.Equal(t, []models.NoteID{gardening}, ix.Suggest("", 1))
	require.Len(t, ix.Suggest("", 10), 3)
}

func TestParseSortKey(t *testing.T) {
	for in, want := range map[string]SortKey{"": Recency, "recency": Recency, "alphabetical": Alphabetical, "pinned_first": PinnedFirst} {
		got, ok := ParseSortKey(in)
		require.True(t, ok)
		require.Equal(t, want, got)
		if in != "" {
			require.Equal(t, in, got.String())
		}
	}
	_, ok := ParseSortKey("random")
	require.False(t, ok)
}
