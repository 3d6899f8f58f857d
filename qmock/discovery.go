package qmock

import (
	"context"
	"sort"
	"sync"

	"github.com/kardianos/qfeature"
)

// Discovery is a capability registry fake that records calls.
type Discovery struct {
	mu       sync.Mutex
	features map[string]bool
	remote   map[qfeature.Addr]map[string]bool
	adds     int
	removes  int
	queries  int
	err      error
}

// NewDiscovery returns an empty fake.
func NewDiscovery() *Discovery {
	return &Discovery{
		features: make(map[string]bool),
		remote:   make(map[qfeature.Addr]map[string]bool),
	}
}

func (d *Discovery) AddFeature(feature string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adds++
	d.features[feature] = true
}

func (d *Discovery) RemoveFeature(feature string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removes++
	delete(d.features, feature)
}

// SupportsFeature answers from the features set with SetRemote, or the error set with SetError.
func (d *Discovery) SupportsFeature(ctx context.Context, peer qfeature.Addr, feature string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries++
	if d.err != nil {
		return false, d.err
	}
	return d.remote[peer][feature], nil
}

// SetRemote sets the features peer advertises.
func (d *Discovery) SetRemote(peer qfeature.Addr, features ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set := make(map[string]bool, len(features))
	for _, f := range features {
		set[f] = true
	}
	d.remote[peer] = set
}

// SetError makes SupportsFeature fail with err.
func (d *Discovery) SetError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Features returns the locally advertised features, sorted.
func (d *Discovery) Features() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := make([]string, 0, len(d.features))
	for f := range d.features {
		list = append(list, f)
	}
	sort.Strings(list)
	return list
}

// Has returns true if feature is advertised locally.
func (d *Discovery) Has(feature string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.features[feature]
}

// Calls returns the number of AddFeature, RemoveFeature and SupportsFeature calls.
func (d *Discovery) Calls() (adds, removes, queries int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adds, d.removes, d.queries
}
