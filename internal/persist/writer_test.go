package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starford/noteworthy/internal/codec"
	"github.com/starford/noteworthy/internal/models"
	"github.com/starford/noteworthy/internal/testutil"
)

func testWriter(t *testing.T, cfg WriterConfig) (string, *flakyStore, *Writer) {
	t.Helper()
	dir, store := testutil.TestStore(t)
	flaky := newFlakyStore(store)
	m := NewManager(flaky, WithLogger(testutil.Logger()), WithRetryBackoff(time.Millisecond))
	w := NewWriter(m, cfg, testutil.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		closeCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		_ = w.Close(closeCtx)
		cancel()
	})
	return dir, flaky, w
}

func drain(t *testing.T, w *Writer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, w.Drain(ctx))
}

func TestWriterCoalescesBursts(t *testing.T) {
	dir, flaky, w := testWriter(t, WriterConfig{Debounce: 100 * time.Millisecond})

	n := note("a", t0)
	for i := range 10 {
		n.Body = "version " + string(rune('0'+i))
		w.MarkNote(n)
	}
	require.Equal(t, 1, w.Pending())
	drain(t, w)

	require.Equal(t, 1, flaky.writeCount(NotePath("a")))
	data, err := os.ReadFile(filepath.Join(dir, NotePath("a")))
	require.NoError(t, err)
	got, err := codec.DecodeNote(data)
	require.NoError(t, err)
	require.Equal(t, "version 9", got.Body)
}

func TestWriterDebouncesInBackground(t *testing.T) {
	dir, _, w := testWriter(t, WriterConfig{Debounce: 20 * time.Millisecond})

	w.MarkNote(note("a", t0))
	w.MarkManifest(models.Manifest{SchemaVersion: codec.CurrentVersion, Order: []models.NoteID{"a"}})

	testutil.Eventually(t, 3*time.Second, 10*time.Millisecond, func() bool {
		return w.Pending() == 0
	}, "writer never flushed")
	_, err := os.Stat(filepath.Join(dir, ManifestFile))
	require.NoError(t, err)
}

func TestWriterDeleteSupersedesSave(t *testing.T) {
	dir, _, w := testWriter(t, WriterConfig{Debounce: 50 * time.Millisecond})

	w.MarkNote(note("a", t0))
	drain(t, w)
	w.MarkNote(note("a", t0))
	w.MarkDeleted("a")
	drain(t, w)

	_, err := os.Stat(filepath.Join(dir, NotePath("a")))
	require.True(t, os.IsNotExist(err))
}

func TestWriterRetriesFailedWrites(t *testing.T) {
	dir, flaky, w := testWriter(t, WriterConfig{Debounce: 10 * time.Millisecond, RetryDelay: 10 * time.Millisecond, MaxAttempts: 2})

	flaky.setFail(5, false)
	w.MarkNote(note("a", t0))
	drain(t, w)

	_, err := os.Stat(filepath.Join(dir, NotePath("a")))
	require.NoError(t, err)
	require.Equal(t, WriterStats{}, w.Stats())
}

func TestWriterDrainTimesOutWhileFailing(t *testing.T) {
	_, flaky, w := testWriter(t, WriterConfig{Debounce: 10 * time.Millisecond, RetryDelay: 10 * time.Millisecond})

	flaky.setFail(0, true)
	w.MarkNote(note("a", t0))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.Error(t, w.Drain(ctx))

	stats := w.Stats()
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, 1, stats.Failing)
	require.NotEmpty(t, stats.LastError)

	flaky.setFail(0, false)
	drain(t, w)
}

func TestWriterCloseFlushesPending(t *testing.T) {
	dir, store := testutil.TestStore(t)
	m := NewManager(store, WithLogger(testutil.Logger()))
	w := NewWriter(m, WriterConfig{Debounce: time.Hour}, testutil.Logger())
	w.Start(context.Background())

	w.MarkNote(note("a", t0))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))

	_, err := os.Stat(filepath.Join(dir, NotePath("a")))
	require.NoError(t, err)

	// Marks after close are dropped.
	w.MarkNote(note("b", t0))
	require.Equal(t, 0, w.Pending())
}
