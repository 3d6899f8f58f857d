package capscache

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var bucketPeers = []byte("peers")

// BoltOpt configures a Bolt cache.
type BoltOpt struct {
	// TTL is how long an entry is served after it was stored. Zero never expires.
	TTL time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock

	Logger *zap.Logger
}

// Bolt is a persistent cache backed by a bbolt database.
// Entries survive restarts so a peer's features are known before the first query.
type Bolt struct {
	db    *bbolt.DB
	ttl   time.Duration
	clock clock.Clock
	log   *zap.Logger
}

var _ Cache = (*Bolt)(nil)

// OpenBolt opens or creates the cache database at path.
func OpenBolt(path string, opt BoltOpt) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPeers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	c := &Bolt{
		db:    db,
		ttl:   opt.TTL,
		clock: opt.Clock,
		log:   opt.Logger,
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c, nil
}

// Close closes the database.
func (c *Bolt) Close() error {
	return c.db.Close()
}

func (c *Bolt) Get(peer string) (Entry, bool) {
	var e Entry
	var found bool
	err := c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketPeers).Get([]byte(peer))
		if v == nil {
			return nil
		}
		if err := cbor.Unmarshal(v, &e); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		c.log.Warn("caps cache read failed", zap.String("peer", peer), zap.Error(err))
		return Entry{}, false
	}
	if !found || c.expired(e) {
		return Entry{}, false
	}
	return e, true
}

func (c *Bolt) Put(peer string, e Entry) {
	if e.Stored.IsZero() {
		e.Stored = c.clock.Now()
	}
	raw, err := cbor.Marshal(e)
	if err != nil {
		c.log.Warn("caps cache encode failed", zap.String("peer", peer), zap.Error(err))
		return
	}
	err = c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPeers).Put([]byte(peer), raw)
	})
	if err != nil {
		c.log.Warn("caps cache write failed", zap.String("peer", peer), zap.Error(err))
	}
}

func (c *Bolt) Remove(peer string) {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPeers).Delete([]byte(peer))
	})
	if err != nil {
		c.log.Warn("caps cache delete failed", zap.String("peer", peer), zap.Error(err))
	}
}

// Prune deletes expired entries and returns how many were removed.
func (c *Bolt) Prune() (int, error) {
	if c.ttl <= 0 {
		return 0, nil
	}
	var n int
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := cbor.Unmarshal(v, &e); err != nil || c.expired(e) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}

func (c *Bolt) expired(e Entry) bool {
	return c.ttl > 0 && c.clock.Now().After(e.Stored.Add(c.ttl))
}
