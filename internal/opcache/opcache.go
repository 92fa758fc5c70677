// Package opcache implements the bounded long-running-operation cache: an
// in-memory map of opaque operation records with a soft size bound,
// garbage-collected opportunistically on insert by deleting the oldest done
// entries once the map has grown past 2x its threshold.
//
// Readers take a shared lock; writers and GC take an exclusive lock, and GC
// releases the shared snapshot lock before sorting and deleting so queries
// are never blocked by the sort.
package opcache

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation is a long-running-operation record, named the way the content-
// CAS map's remote "serve" fetches and the critical-op map's Git mutations
// both need to report asynchronous progress: an opaque name, a done flag,
// and a timestamp used purely for GC ordering.
type Operation struct {
	Name      string
	Done      bool
	Timestamp time.Time
	Metadata  any
	Result    any
	Err       error
}

// Cache is a bounded map name -> *Operation.
type Cache struct {
	mu        sync.RWMutex
	threshold int
	ops       map[string]*Operation
}

// New creates a Cache with the given soft size threshold. GC triggers once
// the map holds more than 2*threshold entries.
func New(threshold int) *Cache {
	if threshold <= 0 {
		threshold = 1
	}

	return &Cache{threshold: threshold, ops: make(map[string]*Operation)}
}

// NewOperation allocates a fresh, not-done operation record with a random
// name and inserts it into the cache, returning the name callers use to
// look it up and later mark it done.
func (c *Cache) NewOperation(metadata any) string {
	name := uuid.NewString()

	c.Insert(&Operation{Name: name, Timestamp: time.Now(), Metadata: metadata})

	return name
}

// Get returns the operation for name, if present.
func (c *Cache) Get(name string) (*Operation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	op, ok := c.ops[name]

	return op, ok
}

// Insert stores op, then runs GC if the map has grown past 2x threshold.
func (c *Cache) Insert(op *Operation) {
	c.mu.Lock()
	c.ops[op.Name] = op
	size := len(c.ops)
	c.mu.Unlock()

	if size > 2*c.threshold {
		c.gc()
	}
}

// MarkDone marks name's operation done, recording result/err, then runs GC
// if the map has grown past 2x threshold (a done transition is the common
// moment a cache crosses that boundary under sustained load).
func (c *Cache) MarkDone(name string, result any, err error) {
	c.mu.Lock()

	op, ok := c.ops[name]
	if ok {
		op.Done = true
		op.Result = result
		op.Err = err
	}

	size := len(c.ops)
	c.mu.Unlock()

	if size > 2*c.threshold {
		c.gc()
	}
}

// Entries returns a copy of every cached operation, ordered ascending by
// timestamp, for checkpointing.
func (c *Cache) Entries() []Operation {
	c.mu.RLock()
	out := make([]Operation, 0, len(c.ops))

	for _, op := range c.ops {
		out = append(out, *op)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	return out
}

// Len returns the current number of cached operations.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.ops)
}

// gc snapshots the current entries under a shared lock, releases it, sorts
// ascending by timestamp off-lock, then takes the exclusive lock to delete
// the oldest threshold entries that are marked done. Entries still running
// are never evicted, even if they are the oldest.
func (c *Cache) gc() {
	c.mu.RLock()
	snapshot := make([]*Operation, 0, len(c.ops))

	for _, op := range c.ops {
		snapshot = append(snapshot, op)
	}
	c.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].Timestamp.Before(snapshot[j].Timestamp)
	})

	toEvict := c.threshold

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, op := range snapshot {
		if toEvict <= 0 {
			return
		}

		if !op.Done {
			continue
		}

		if cur, ok := c.ops[op.Name]; ok && cur == op {
			delete(c.ops, op.Name)

			toEvict--
		}
	}
}
