// Package cache stores successful pipeline results keyed by their input.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/drblury/pipeflow/internal/runtime/statistics"
)

// ErrClosed is returned by caches used after Close.
var ErrClosed = errors.New("pipeflow: cache is closed")

// Entry is one cached result.
type Entry struct {
	Content  []byte `json:"content"`
	State    string `json:"state"`
	ExitCode int    `json:"exit_code,omitempty"`
	Exit     string `json:"exit,omitempty"`
}

// Cache is a result store. Get reports a miss with ok == false and a nil
// error.
type Cache interface {
	Get(ctx context.Context, key string) (entry Entry, ok bool, err error)
	Put(ctx context.Context, key string, entry Entry) error
	Close() error
}

// Key derives the cache key of an input under namespace.
func Key(namespace string, input []byte) string {
	sum := sha256.Sum256(input)
	return namespace + ":" + hex.EncodeToString(sum[:])
}

// Observed counts hits, misses, stores and failures of the wrapped cache.
type Observed struct {
	Cache
	name   string
	hits   *statistics.Counter
	misses *statistics.Counter
	puts   *statistics.Counter
	errors *statistics.Counter
}

// Observe wraps c. Wrapping an Observed cache returns it unchanged.
func Observe(name string, c Cache) *Observed {
	if o, ok := c.(*Observed); ok {
		return o
	}
	return &Observed{
		Cache:  c,
		name:   name,
		hits:   statistics.NewCounter("hits"),
		misses: statistics.NewCounter("misses"),
		puts:   statistics.NewCounter("puts"),
		errors: statistics.NewCounter("errors"),
	}
}

// Get implements Cache.
func (o *Observed) Get(ctx context.Context, key string) (Entry, bool, error) {
	e, ok, err := o.Cache.Get(ctx, key)
	switch {
	case err != nil:
		o.errors.Inc()
	case ok:
		o.hits.Inc()
	default:
		o.misses.Inc()
	}
	return e, ok, err
}

// Put implements Cache.
func (o *Observed) Put(ctx context.Context, key string, e Entry) error {
	if err := o.Cache.Put(ctx, key, e); err != nil {
		o.errors.Inc()
		return err
	}
	o.puts.Inc()
	return nil
}

// Hits returns the lifetime hit count.
func (o *Observed) Hits() int64 { return o.hits.Value() }

// Misses returns the lifetime miss count.
func (o *Observed) Misses() int64 { return o.misses.Value() }

// IterateStatistics implements statistics.Source.
func (o *Observed) IterateStatistics(h statistics.Handler, action statistics.Action) error {
	return statistics.Group(h, o.name, statistics.KindCache, func() error {
		for _, c := range []*statistics.Counter{o.hits, o.misses, o.puts, o.errors} {
			if err := c.Report(h, action); err != nil {
				return err
			}
		}
		return nil
	})
}
