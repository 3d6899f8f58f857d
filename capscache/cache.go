// Package capscache caches the features advertised by peers so repeated
// capability checks do not cost a network round trip each.
package capscache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Entry is what a peer advertised at Stored.
type Entry struct {
	Features []string  `cbor:"1,keyasint"`
	Ver      string    `cbor:"2,keyasint,omitempty"`
	Stored   time.Time `cbor:"3,keyasint"`
}

// Has returns true if feature is in the entry.
func (e Entry) Has(feature string) bool {
	for _, f := range e.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Cache stores peer entries keyed by peer address.
type Cache interface {
	Get(peer string) (Entry, bool)
	Put(peer string, e Entry)
	Remove(peer string)
}

// LRU is an in-memory cache with a size bound and a time to live.
type LRU struct {
	lru *expirable.LRU[string, Entry]
}

var _ Cache = (*LRU)(nil)

// NewLRU returns a cache holding at most size entries for ttl each.
// A ttl of zero keeps entries until they are evicted by size.
func NewLRU(size int, ttl time.Duration) *LRU {
	return &LRU{lru: expirable.NewLRU[string, Entry](size, nil, ttl)}
}

func (c *LRU) Get(peer string) (Entry, bool) {
	return c.lru.Get(peer)
}

func (c *LRU) Put(peer string, e Entry) {
	c.lru.Add(peer, e)
}

func (c *LRU) Remove(peer string) {
	c.lru.Remove(peer)
}

// Len returns the number of cached entries.
func (c *LRU) Len() int {
	return c.lru.Len()
}

// Tiered reads through Front to Back and fills Front on a Back hit.
// Writes go to both.
type Tiered struct {
	Front Cache
	Back  Cache
}

var _ Cache = Tiered{}

func (t Tiered) Get(peer string) (Entry, bool) {
	if e, ok := t.Front.Get(peer); ok {
		return e, true
	}
	e, ok := t.Back.Get(peer)
	if ok {
		t.Front.Put(peer, e)
	}
	return e, ok
}

func (t Tiered) Put(peer string, e Entry) {
	t.Front.Put(peer, e)
	t.Back.Put(peer, e)
}

func (t Tiered) Remove(peer string) {
	t.Front.Remove(peer)
	t.Back.Remove(peer)
}
