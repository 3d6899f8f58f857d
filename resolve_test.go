package qfeature

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDNSResolver(t *testing.T) {
	var asked []string
	r := &DNSResolver{
		Nameserver: "127.0.0.1:53",
		lookup: func(ctx context.Context, host string) ([]string, error) {
			asked = append(asked, host)
			switch host {
			case "hub.example":
				return []string{"10.0.0.7", "10.0.0.8"}, nil
			case "empty.example":
				return nil, nil
			default:
				return nil, errors.New("no such host")
			}
		},
	}
	ctx := context.Background()

	addr, err := r.Resolve(ctx, "hub.example:4433")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7:4433", addr)

	addr, err = r.Resolve(ctx, "127.0.0.1:4433")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4433", addr)

	_, err = r.Resolve(ctx, "empty.example:1")
	assert.ErrorIs(t, err, ErrResolve)
	_, err = r.Resolve(ctx, "gone.example:1")
	assert.ErrorIs(t, err, ErrResolve)
	_, err = r.Resolve(ctx, "no-port")
	assert.ErrorIs(t, err, ErrResolve)

	assert.Equal(t, []string{"hub.example", "empty.example", "gone.example"}, asked)
}

func TestClientResolver(t *testing.T) {
	h := startHub(t, HubOpt{})

	var resolved string
	toHub := ResolverFunc(func(ctx context.Context, hubAddr string) (string, error) {
		resolved = hubAddr
		return h.addr, nil
	})
	ctx := context.Background()
	c, err := NewClient(ctx, ClientOpt{
		HubAddr:  "hub.example:4433",
		TLS:      BuildClientTLS(h.pki.cert(t, "alice"), h.pki.pool, "localhost"),
		Resolver: toHub,
	})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "hub.example:4433", resolved)
	assert.Equal(t, StateBound, c.State())

	boom := errors.New("boom")
	failing := ResolverFunc(func(ctx context.Context, hubAddr string) (string, error) {
		return "", boom
	})
	_, err = NewClient(ctx, ClientOpt{
		HubAddr:  "hub.example:4433",
		TLS:      BuildClientTLS(h.pki.cert(t, "bob"), h.pki.pool, "localhost"),
		Resolver: failing,
	})
	assert.ErrorIs(t, err, boom)
}
