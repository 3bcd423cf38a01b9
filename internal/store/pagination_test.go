package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	in := Cursor{CreatedAt: time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC), ID: 12}

	out, err := DecodeCursor(EncodeCursor(in))
	require.NoError(t, err)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, in.ID, out.ID)

	empty, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestCursorBefore(t *testing.T) {
	at := time.Date(2026, 5, 6, 0, 0, 0, 0, time.UTC)
	c := Cursor{CreatedAt: at, ID: 10}

	assert.True(t, c.Before(at, 9))
	assert.False(t, c.Before(at, 10))
	assert.True(t, c.Before(at.Add(-time.Second), 99))
	assert.False(t, c.Before(at.Add(time.Second), 1))
}

func TestNewCursorPage(t *testing.T) {
	key := func(n int) Cursor { return Cursor{ID: int64(n)} }

	page := NewCursorPage([]int{5, 4, 3}, 2, key)
	assert.Equal(t, []int{5, 4}, page.Items)
	assert.True(t, page.HasMore)

	next, err := DecodeCursor(page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, int64(4), next.ID)

	last := NewCursorPage([]int(nil), 2, key)
	assert.Equal(t, []int{}, last.Items)
	assert.False(t, last.HasMore)
	assert.Empty(t, last.NextCursor)
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, DefaultPageSize, NormalizeLimit(0))
	assert.Equal(t, 10, NormalizeLimit(10))
	assert.Equal(t, MaxPageSize, NormalizeLimit(1000))
}
