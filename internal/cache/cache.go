// Package cache holds resolved role/permission sets between exchanges. The
// cache is strictly an optimization: every entry carries a short TTL, and
// any role-graph or policy mutation purges the whole cache synchronously so
// the next exchange observes the new state.
package cache

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultSize = 4096
	defaultTTL  = 30 * time.Second
)

// Entry is a cached resolution for one (tenant, user, service) triple.
type Entry struct {
	RoleNames   []string
	Permissions []string
}

type item struct {
	entry   Entry
	expires time.Time
}

// Resolutions is a TTL-bounded LRU of resolved permission sets.
type Resolutions struct {
	lru *lru.Cache[string, item]
	ttl time.Duration
	now func() time.Time
}

// Option configures a Resolutions cache.
type Option func(*Resolutions)

// WithTTL overrides the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Resolutions) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(fn func() time.Time) Option {
	return func(c *Resolutions) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewResolutions builds a cache with the given capacity; size <= 0 uses the
// default.
func NewResolutions(size int, opts ...Option) (*Resolutions, error) {
	if size <= 0 {
		size = defaultSize
	}
	inner, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	c := &Resolutions{lru: inner, ttl: defaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func key(tenantID, userID, serviceID string) string {
	return strings.Join([]string{tenantID, userID, serviceID}, "|")
}

// Get returns the cached resolution if present and fresh.
func (c *Resolutions) Get(tenantID, userID, serviceID string) (Entry, bool) {
	it, ok := c.lru.Get(key(tenantID, userID, serviceID))
	if !ok {
		return Entry{}, false
	}
	if c.now().After(it.expires) {
		c.lru.Remove(key(tenantID, userID, serviceID))
		return Entry{}, false
	}
	return it.entry, true
}

// Put stores a resolution.
func (c *Resolutions) Put(tenantID, userID, serviceID string, e Entry) {
	c.lru.Add(key(tenantID, userID, serviceID), item{entry: e, expires: c.now().Add(c.ttl)})
}

// Purge drops everything. Called synchronously from role and policy writes.
func (c *Resolutions) Purge() {
	c.lru.Purge()
}

// Len reports the number of live entries, expired or not.
func (c *Resolutions) Len() int {
	return c.lru.Len()
}
