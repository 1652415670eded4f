package loader

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/ensemble-forecast-service/internal/domain"
)

// Key identifies one source table.
type Key struct {
	Dataset domain.Dataset
	Object  string
}

func (k Key) String() string {
	return string(k.Dataset) + ":" + k.Object
}

type lookupResult string

const (
	resultHit     lookupResult = "hit"
	resultMiss    lookupResult = "miss"
	resultExpired lookupResult = "expired"
	resultStale   lookupResult = "stale"
)

// Cache is a thread-safe LRU of normalized record slices with an optional
// TTL. Cached slices are shared between callers and must not be modified.
type Cache struct {
	maxEntries int
	ttl        time.Duration
	clock      clockwork.Clock

	mu      sync.Mutex
	entries map[Key]*entry
	head    *entry // most recently used
	tail    *entry // least recently used
}

type entry struct {
	key      Key
	records  []domain.ForecastRecord
	version  time.Time // object Updated time the records were read at, if known
	storedAt time.Time
	prev     *entry
	next     *entry
}

// NewCache creates a cache holding at most maxEntries tables. A zero ttl
// keeps entries until they are evicted or invalidated.
func NewCache(maxEntries int, ttl time.Duration, clock clockwork.Clock) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{
		maxEntries: maxEntries,
		ttl:        ttl,
		clock:      clock,
		entries:    make(map[Key]*entry),
	}
}

// Get returns the cached records for key.
func (c *Cache) Get(key Key) ([]domain.ForecastRecord, bool) {
	records, result := c.lookup(key, time.Time{})
	return records, result == resultHit
}

// lookup returns the entry for key unless it expired or was read from an
// object version older than minVersion.
func (c *Cache) lookup(key Key, minVersion time.Time) ([]domain.ForecastRecord, lookupResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, resultMiss
	}
	if c.ttl > 0 && c.clock.Since(e.storedAt) >= c.ttl {
		c.removeEntry(e)
		return nil, resultExpired
	}
	if e.version.Before(minVersion) {
		c.removeEntry(e)
		return nil, resultStale
	}
	c.moveToFront(e)
	return e.records, resultHit
}

// Put stores records under key, evicting the least recently used entry when full.
func (c *Cache) Put(key Key, records []domain.ForecastRecord) {
	c.PutVersion(key, records, time.Time{})
}

// PutVersion stores records read from the object version updated at version.
func (c *Cache) PutVersion(key Key, records []domain.ForecastRecord, version time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if e, ok := c.entries[key]; ok {
		e.records = records
		e.version = version
		e.storedAt = now
		c.moveToFront(e)
		return
	}

	e := &entry{key: key, records: records, version: version, storedAt: now}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.removeEntry(c.tail)
	}
}

// Invalidate drops a single entry.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.removeEntry(e)
	}
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[Key]*entry)
	c.head, c.tail = nil, nil
}

// Len returns the number of cached tables.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) moveToFront(e *entry) {
	if e == c.head {
		return
	}
	c.unlink(e)
	c.addToFront(e)
}

func (c *Cache) addToFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *Cache) removeEntry(e *entry) {
	if e == nil {
		return
	}
	delete(c.entries, e.key)
	c.unlink(e)
}
