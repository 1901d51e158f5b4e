package checksum

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starford/noteworthy/internal/models"
)

func TestMatches(t *testing.T) {
	data := []byte("milk, eggs")
	require.True(t, Matches(data, Sum(data)))
	require.False(t, Matches([]byte("milk"), Sum(data)))
	require.False(t, Matches(data, ""))
}

func TestNoteFollowsContent(t *testing.T) {
	at := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	n := models.Note{ID: "n01", Title: "Groceries", Body: "milk", CreatedAt: at, ModifiedAt: at}

	sum := Note(n)
	require.Len(t, sum, 64)
	require.Equal(t, sum, Note(n.Clone()))

	n.Body = "milk, eggs"
	require.NotEqual(t, sum, Note(n))

	require.Empty(t, Note(models.Note{ID: "bad id/"}))
}
