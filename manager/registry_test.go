package manager_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kardianos/qfeature"
	"github.com/kardianos/qfeature/manager"
	"github.com/kardianos/qfeature/qmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	conn qfeature.Conn
}

func TestInstanceForOnce(t *testing.T) {
	var built atomic.Int32
	reg := manager.New(func(c qfeature.Conn) *counter {
		built.Add(1)
		return &counter{conn: c}
	})

	network := qmock.NewNetwork()
	a := network.Dial("a")
	b := network.Dial("b")

	const n = 50
	var wg sync.WaitGroup
	results := make([]*counter, 2*n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			results[i] = reg.InstanceFor(a)
		}(i)
		go func(i int) {
			defer wg.Done()
			results[n+i] = reg.InstanceFor(b)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 2, built.Load())
	assert.Equal(t, 2, reg.Len())
	for i := 0; i < n; i++ {
		assert.Same(t, results[0], results[i])
		assert.Same(t, results[n], results[n+i])
	}
	assert.NotSame(t, results[0], results[n])
	assert.Same(t, a, results[0].conn)
}

func TestEvictOnClose(t *testing.T) {
	reg := manager.New(func(c qfeature.Conn) *counter { return &counter{conn: c} })
	network := qmock.NewNetwork()
	a := network.Dial("a")

	first := reg.InstanceFor(a)
	got, ok := reg.Lookup(a.ID())
	require.True(t, ok)
	require.Same(t, first, got)

	require.NoError(t, a.Close())
	_, ok = reg.Lookup(a.ID())
	assert.False(t, ok)
	assert.Zero(t, reg.Len())
}

func TestInstanceForClosedConn(t *testing.T) {
	reg := manager.New(func(c qfeature.Conn) *counter { return &counter{conn: c} })
	a := qmock.NewNetwork().Dial("a")
	require.NoError(t, a.Close())

	// The close hook runs at once, so nothing is retained.
	assert.NotNil(t, reg.InstanceFor(a))
	assert.Zero(t, reg.Len())
}

func TestAttach(t *testing.T) {
	var built atomic.Int32
	reg := manager.New(func(c qfeature.Conn) *counter {
		built.Add(1)
		return &counter{conn: c}
	})

	network := qmock.NewNetwork()
	network.Registry = qfeature.NewConnRegistry()
	reg.Attach(network.Registry)

	a := network.Dial("a")
	_, ok := reg.Lookup(a.ID())
	assert.True(t, ok)

	reg.InstanceFor(a)
	assert.EqualValues(t, 1, built.Load())
}
