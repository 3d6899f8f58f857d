package qfeature

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrResolve is matched by every failure of DNSResolver.
var ErrResolve = errors.New("qfeature: resolve hub address")

// Resolver maps a hub address to the host:port that is dialed.
type Resolver interface {
	Resolve(ctx context.Context, hubAddr string) (addr string, err error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, hubAddr string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, hubAddr string) (string, error) {
	return f(ctx, hubAddr)
}

// DNSResolver looks hub host names up on one nameserver instead of the
// system resolver. IP literals are returned unchanged.
type DNSResolver struct {
	// Nameserver is host:port of the DNS server.
	Nameserver string

	// DialTimeout bounds the connection to the nameserver. Default 5s.
	DialTimeout time.Duration

	lookup func(ctx context.Context, host string) ([]string, error)
}

// Resolve keeps the port of hubAddr and replaces the host with its first address.
func (r *DNSResolver) Resolve(ctx context.Context, hubAddr string) (string, error) {
	host, port, err := net.SplitHostPort(hubAddr)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrResolve, err)
	}
	if net.ParseIP(host) != nil {
		return hubAddr, nil
	}

	lookup := r.lookup
	if lookup == nil {
		lookup = r.netResolver().LookupHost
	}
	addrs, err := lookup(ctx, host)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrResolve, host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("%w: no addresses for %s", ErrResolve, host)
	}
	return net.JoinHostPort(addrs[0], port), nil
}

func (r *DNSResolver) netResolver() *net.Resolver {
	timeout := r.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, network, r.Nameserver)
		},
	}
}
