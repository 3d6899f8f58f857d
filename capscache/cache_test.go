package capscache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryHas(t *testing.T) {
	e := Entry{Features: []string{"a", "b"}}
	assert.True(t, e.Has("b"))
	assert.False(t, e.Has("c"))
}

func TestLRU(t *testing.T) {
	c := NewLRU(2, 0)
	c.Put("alice", Entry{Features: []string{"x"}})
	c.Put("bob", Entry{Features: []string{"y"}})

	e, ok := c.Get("alice")
	require.True(t, ok)
	assert.Equal(t, []string{"x"}, e.Features)

	// alice was used last, so bob is evicted.
	c.Put("carol", Entry{})
	_, ok = c.Get("bob")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())

	c.Remove("alice")
	_, ok = c.Get("alice")
	assert.False(t, ok)
}

func TestLRUExpire(t *testing.T) {
	c := NewLRU(10, 20*time.Millisecond)
	c.Put("alice", Entry{})
	_, ok := c.Get("alice")
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := c.Get("alice")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func openBolt(t *testing.T, opt BoltOpt) *Bolt {
	t.Helper()
	c, err := OpenBolt(filepath.Join(t.TempDir(), "caps.db"), opt)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBolt(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	c := openBolt(t, BoltOpt{TTL: time.Hour, Clock: mock})

	c.Put("alice/r1", Entry{Features: []string{"urn:xmpp:time"}, Ver: "v1"})
	e, ok := c.Get("alice/r1")
	require.True(t, ok)
	assert.True(t, e.Has("urn:xmpp:time"))
	assert.Equal(t, "v1", e.Ver)
	assert.True(t, mock.Now().Equal(e.Stored))

	_, ok = c.Get("bob/r1")
	assert.False(t, ok)

	mock.Add(2 * time.Hour)
	_, ok = c.Get("alice/r1")
	assert.False(t, ok)

	c.Put("bob/r1", Entry{})
	n, err := c.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok = c.Get("bob/r1")
	assert.True(t, ok)

	c.Remove("bob/r1")
	_, ok = c.Get("bob/r1")
	assert.False(t, ok)
}

func TestBoltPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caps.db")
	c, err := OpenBolt(path, BoltOpt{})
	require.NoError(t, err)
	c.Put("alice", Entry{Features: []string{"f"}})
	require.NoError(t, c.Close())

	c, err = OpenBolt(path, BoltOpt{})
	require.NoError(t, err)
	defer c.Close()
	e, ok := c.Get("alice")
	require.True(t, ok)
	assert.Equal(t, []string{"f"}, e.Features)
}

func TestTiered(t *testing.T) {
	front := NewLRU(10, 0)
	back := openBolt(t, BoltOpt{})
	c := Tiered{Front: front, Back: back}

	back.Put("alice", Entry{Features: []string{"f"}})
	require.Zero(t, front.Len())

	e, ok := c.Get("alice")
	require.True(t, ok)
	assert.Equal(t, []string{"f"}, e.Features)
	assert.Equal(t, 1, front.Len())

	c.Put("bob", Entry{})
	_, ok = back.Get("bob")
	assert.True(t, ok)

	c.Remove("alice")
	_, ok = front.Get("alice")
	assert.False(t, ok)
	_, ok = back.Get("alice")
	assert.False(t, ok)
}
