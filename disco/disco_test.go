package disco_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kardianos/qfeature"
	"github.com/kardianos/qfeature/capscache"
	"github.com/kardianos/qfeature/disco"
	"github.com/kardianos/qfeature/qmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatures(t *testing.T) {
	reg := disco.NewRegistry()
	m := reg.InstanceFor(qmock.NewNetwork().Dial("alice"))

	assert.Equal(t, []string{disco.Namespace}, m.Features())
	m.AddFeature("urn:b")
	m.AddFeature("urn:a")
	m.AddFeature("urn:a")
	assert.Equal(t, []string{disco.Namespace, "urn:a", "urn:b"}, m.Features())
	assert.True(t, m.IncludesFeature("urn:a"))

	m.RemoveFeature("urn:a")
	assert.False(t, m.IncludesFeature("urn:a"))
}

func TestVerOrderIndependent(t *testing.T) {
	ids := []disco.Identity{disco.DefaultIdentity}
	a := disco.Ver(ids, []string{"x", "y", "z"})
	b := disco.Ver(ids, []string{"z", "x", "y"})
	c := disco.Ver(ids, []string{"x", "y"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestServeInfo(t *testing.T) {
	id := disco.Identity{Category: "client", Type: "bot", Name: "t"}
	reg := disco.NewRegistry(disco.WithIdentity(id))
	conn := qmock.NewNetwork().Dial("alice")
	m := reg.InstanceFor(conn)
	m.AddFeature("urn:xmpp:time")

	resp := conn.Deliver(context.Background(), &qfeature.Message{
		ID:        3,
		From:      qfeature.MustParseAddr("bob/r1"),
		Element:   disco.Element,
		Namespace: disco.Namespace,
		Type:      qfeature.TypeGet,
	})
	require.NotNil(t, resp)
	require.Equal(t, qfeature.TypeResult, resp.Type)
	assert.Equal(t, qfeature.MessageID(3), resp.ID)

	var info disco.Info
	require.NoError(t, cbor.Unmarshal(resp.Payload, &info))
	assert.Equal(t, []disco.Identity{id}, info.Identities)
	assert.True(t, info.Has("urn:xmpp:time"))
	assert.Equal(t, m.Info().Ver, info.Ver)
}

func TestSupportsFeature(t *testing.T) {
	network := qmock.NewNetwork()
	network.Registry = qfeature.NewConnRegistry()
	reg := disco.NewRegistry()
	reg.Attach(network.Registry)

	alice := network.Dial("alice")
	bob := network.Dial("bob")
	reg.InstanceFor(bob).AddFeature("urn:x")

	ctx := context.Background()
	m := reg.InstanceFor(alice)
	ok, err := m.SupportsFeature(ctx, bob.Addr(), "urn:x")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SupportsFeature(ctx, bob.Addr(), "urn:y")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 2, alice.Sent())
}

func TestSupportsFeatureErrors(t *testing.T) {
	network := qmock.NewNetwork()
	network.ReplyTimeout = 50 * time.Millisecond
	reg := disco.NewRegistry()
	alice := network.Dial("alice")
	m := reg.InstanceFor(alice)
	ctx := context.Background()

	t.Run("unknown peer", func(t *testing.T) {
		_, err := m.SupportsFeature(ctx, qfeature.MustParseAddr("nobody"), "urn:x")
		assert.True(t, qfeature.HasCondition(err, qfeature.ConditionRecipientUnavailable), "got %v", err)
	})
	t.Run("no disco on peer", func(t *testing.T) {
		bob := network.Dial("bob")
		_, err := m.SupportsFeature(ctx, bob.Addr(), "urn:x")
		assert.True(t, qfeature.HasCondition(err, qfeature.ConditionFeatureNotImplemented), "got %v", err)
	})
	t.Run("silent peer", func(t *testing.T) {
		carol := network.Dial("carol")
		reg.InstanceFor(carol)
		carol.SetSilent(true)
		_, err := m.SupportsFeature(ctx, carol.Addr(), "urn:x")
		assert.ErrorIs(t, err, qfeature.ErrNoResponse)
	})
}

func TestDiscoverInfoCached(t *testing.T) {
	network := qmock.NewNetwork()
	cache := capscache.NewLRU(16, time.Minute)
	reg := disco.NewRegistry(disco.WithCache(cache))

	alice := network.Dial("alice")
	bob := network.Dial("bob")
	reg.InstanceFor(bob).AddFeature("urn:x")
	m := reg.InstanceFor(alice)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := m.SupportsFeature(ctx, bob.Addr(), "urn:x")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.EqualValues(t, 1, alice.Sent())

	e, ok := cache.Get(bob.Addr().String())
	require.True(t, ok)
	assert.True(t, e.Has("urn:x"))

	m.Forget(bob.Addr())
	_, err := m.SupportsFeature(ctx, bob.Addr(), "urn:x")
	require.NoError(t, err)
	assert.EqualValues(t, 2, alice.Sent())
}

func TestDiscoverInfoShared(t *testing.T) {
	network := qmock.NewNetwork()
	reg := disco.NewRegistry()
	alice := network.Dial("alice")
	bob := network.Dial("bob")
	reg.InstanceFor(bob)
	m := reg.InstanceFor(alice)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := m.DiscoverInfo(context.Background(), bob.Addr())
			assert.NoError(t, err)
			assert.True(t, info.Has(disco.Namespace))
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, alice.Sent(), int64(10))
	assert.GreaterOrEqual(t, alice.Sent(), int64(1))
}

func TestDiscoverInfoSharedCancel(t *testing.T) {
	network := qmock.NewNetwork()
	network.ReplyTimeout = 200 * time.Millisecond
	reg := disco.NewRegistry()
	alice := network.Dial("alice")
	bob := network.Dial("bob")
	reg.InstanceFor(bob)
	bob.SetSilent(true)
	m := reg.InstanceFor(alice)

	ctx, cancel := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := m.DiscoverInfo(ctx, bob.Addr())
		errA <- err
	}()
	time.Sleep(5 * time.Millisecond)

	errB := make(chan error, 1)
	go func() {
		_, err := m.DiscoverInfo(context.Background(), bob.Addr())
		errB <- err
	}()
	time.Sleep(15 * time.Millisecond)
	cancel()

	err := <-errA
	assert.ErrorIs(t, err, qfeature.ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)

	err = <-errB
	assert.ErrorIs(t, err, qfeature.ErrNoResponse)
	assert.NotErrorIs(t, err, qfeature.ErrInterrupted)
}

func TestRegistryEvicts(t *testing.T) {
	network := qmock.NewNetwork()
	reg := disco.NewRegistry()
	alice := network.Dial("alice")
	reg.InstanceFor(alice)
	require.Equal(t, 1, reg.Len())
	require.NoError(t, alice.Close())
	assert.Zero(t, reg.Len())
}
