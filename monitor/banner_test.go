package monitor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBanner_DismissLifecycle(t *testing.T) {
	b := NewBanner()
	var seen []*Notice
	b.OnChange(func(n *Notice) { seen = append(seen, n) })

	b.Set(errors.New("backend unreachable"))
	n, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, "backend unreachable", n.Message)
	require.Len(t, seen, 1)

	b.Dismiss()
	_, ok = b.Current()
	assert.False(t, ok)
	assert.True(t, b.Active())
	require.Len(t, seen, 2)
	assert.Nil(t, seen[1])

	// The same failure on the next poll stays hidden.
	b.Set(errors.New("backend unreachable"))
	_, ok = b.Current()
	assert.False(t, ok)
	assert.Len(t, seen, 2)

	b.Set(errors.New("invalid snapshot"))
	n, ok = b.Current()
	require.True(t, ok)
	assert.Equal(t, "invalid snapshot", n.Message)
	require.Len(t, seen, 3)
	assert.Equal(t, "invalid snapshot", seen[2].Message)

	b.Clear()
	_, ok = b.Current()
	assert.False(t, ok)
	assert.False(t, b.Active())
	require.Len(t, seen, 4)
	assert.Nil(t, seen[3])
}

func TestBanner_DismissWithoutNotice(t *testing.T) {
	b := NewBanner()
	calls := 0
	b.OnChange(func(*Notice) { calls++ })

	b.Dismiss()
	b.Clear()
	assert.Zero(t, calls)

	b.Set(errors.New("timeout"))
	b.Dismiss()
	b.Dismiss()
	assert.Equal(t, 2, calls)
}

func TestBanner_ClearAfterDismissShowsNextFailure(t *testing.T) {
	b := NewBanner()
	b.Set(errors.New("timeout"))
	b.Dismiss()
	b.Clear()

	b.Set(errors.New("timeout"))
	n, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, "timeout", n.Message)
}

func TestBanner_SetNilClears(t *testing.T) {
	b := NewBanner()
	b.Set(errors.New("timeout"))
	b.Set(nil)
	_, ok := b.Current()
	assert.False(t, ok)
}
