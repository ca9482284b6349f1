// Package logbuf keeps the captured output of running executions in memory so
// many pollers can read it incrementally. Records are keyed by the log path of
// an execution and evicted once completed and idle for the retention window.
package logbuf

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// DefaultRetention is how long a completed record survives without activity.
const DefaultRetention = 5 * time.Minute

var (
	ErrNotFound   = errors.New("log not found")
	ErrOutOfRange = errors.New("line offset out of range")
)

type Option func(*Cache)

// WithClock replaces time.Now, intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache is a keyed store of log records. The map is guarded by its own lock,
// each record has another one, so appends to different keys do not contend.
type Cache struct {
	mx        sync.RWMutex
	records   map[string]*record
	retention time.Duration
	now       func() time.Time
}

type record struct {
	mx           sync.RWMutex
	lines        []string
	completed    bool
	lastActivity time.Time
	done         chan struct{}
}

func New(retention time.Duration, opts ...Option) *Cache {
	if retention <= 0 {
		retention = DefaultRetention
	}
	c := &Cache{
		records:   make(map[string]*record),
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Retention() time.Duration {
	return c.retention
}

// Touch creates an empty record for key unless it exists already.
func (c *Cache) Touch(key string) {
	r := c.getOrCreate(key)
	r.mx.Lock()
	r.lastActivity = c.now()
	r.mx.Unlock()
}

// Append adds a line to the record of key, creating it if needed.
func (c *Cache) Append(key, line string) {
	r := c.getOrCreate(key)
	r.mx.Lock()
	r.lines = append(r.lines, line)
	r.lastActivity = c.now()
	r.mx.Unlock()
}

// MarkCompleted flags the record as finished, wakes up Done waiters and
// evicts stale records.
func (c *Cache) MarkCompleted(key string) error {
	r, ok := c.get(key)
	if !ok {
		c.Sweep()
		return fmt.Errorf("marking %s completed: %w", key, ErrNotFound)
	}
	r.mx.Lock()
	if !r.completed {
		r.completed = true
		close(r.done)
	}
	r.lastActivity = c.now()
	r.mx.Unlock()
	c.Sweep()
	return nil
}

// Read returns the lines with index >= from and the completion flag.
// The result is always a prefix-consistent snapshot of the appended lines.
func (c *Cache) Read(key string, from int) ([]string, bool, error) {
	r, ok := c.get(key)
	if !ok {
		return []string{}, false, ErrNotFound
	}
	r.mx.RLock()
	defer r.mx.RUnlock()
	if from < 0 || from > len(r.lines) {
		return []string{}, r.completed, fmt.Errorf("reading from line %d of %d: %w", from, len(r.lines), ErrOutOfRange)
	}
	return slices.Clone(r.lines[from:]), r.completed, nil
}

// Done returns a channel closed once key is marked completed.
func (c *Cache) Done(key string) (<-chan struct{}, error) {
	r, ok := c.get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return r.done, nil
}

// Completed reports the completion flag of key.
func (c *Cache) Completed(key string) (bool, error) {
	r, ok := c.get(key)
	if !ok {
		return false, ErrNotFound
	}
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.completed, nil
}

// Sweep removes completed records idle for longer than the retention window.
// It returns the number of evicted records.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mx.Lock()
	defer c.mx.Unlock()

	var evicted int
	for key, r := range c.records {
		r.mx.RLock()
		stale := r.completed && now.Sub(r.lastActivity) > c.retention
		r.mx.RUnlock()
		if stale {
			delete(c.records, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of records.
func (c *Cache) Len() int {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return len(c.records)
}

func (c *Cache) get(key string) (*record, bool) {
	c.mx.RLock()
	defer c.mx.RUnlock()
	r, ok := c.records[key]
	return r, ok
}

func (c *Cache) getOrCreate(key string) *record {
	if r, ok := c.get(key); ok {
		return r
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	if r, ok := c.records[key]; ok {
		return r
	}
	r := &record{done: make(chan struct{})}
	c.records[key] = r
	return r
}
