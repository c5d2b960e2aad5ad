// Package history caches server-confirmed sessions and messages.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

// DefaultTTL is how long a fetched result stays fresh.
const DefaultTTL = 5 * time.Minute

// SessionsKey is the invalidation key shared by every session list page.
const SessionsKey = "sessions"

// MessagesKey returns the cache key of a session's message history.
func MessagesKey(sessionID int64) string {
	return "messages:" + strconv.FormatInt(sessionID, 10)
}

func sessionsPageKey(page, pageSize int) string {
	return fmt.Sprintf("%s:%d:%d", SessionsKey, page, pageSize)
}

// Source loads history from the backend.
type Source interface {
	ListMessages(ctx context.Context, sessionID int64) ([]chat.Message, error)
	ListSessions(ctx context.Context, page, pageSize int) (chat.SessionPage, error)
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

type entry struct {
	value     any
	version   uint64
	fetchedAt time.Time
}

// Cache is a read-through cache. Invalidation bumps the version of a key
// family; results fetched under an older version are never stored as fresh.
type Cache struct {
	src   Source
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu            sync.Mutex
	entries       map[string]entry
	versions      map[string]uint64
	invalidations map[string]int
}

// New builds a cache over src.
func New(src Source, opts ...Option) *Cache {
	c := &Cache{
		src:           src,
		ttl:           DefaultTTL,
		now:           time.Now,
		entries:       make(map[string]entry),
		versions:      make(map[string]uint64),
		invalidations: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Messages returns the persisted messages of a session.
func (c *Cache) Messages(ctx context.Context, sessionID int64) ([]chat.Message, error) {
	key := MessagesKey(sessionID)
	v, err := c.load(ctx, key, key, func(ctx context.Context) (any, error) {
		return c.src.ListMessages(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	msgs := v.([]chat.Message)
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out, nil
}

// Sessions returns one page of the session list.
func (c *Cache) Sessions(ctx context.Context, page, pageSize int) (chat.SessionPage, error) {
	v, err := c.load(ctx, sessionsPageKey(page, pageSize), SessionsKey, func(ctx context.Context) (any, error) {
		return c.src.ListSessions(ctx, page, pageSize)
	})
	if err != nil {
		return chat.SessionPage{}, err
	}
	p := v.(chat.SessionPage)
	p.Items = append([]chat.Session(nil), p.Items...)
	return p, nil
}

func (c *Cache) load(ctx context.Context, key, family string, fetch func(context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	version := c.versions[family]
	if e, ok := c.entries[key]; ok && e.version == version && c.now().Sub(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	// The version is part of the flight key so a caller arriving after an
	// invalidation never joins a fetch that started before it.
	flight := key + "@" + strconv.FormatUint(version, 10)
	v, err, shared := c.group.Do(flight, func() (any, error) {
		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.versions[family] == version {
			c.entries[key] = entry{value: value, version: version, fetchedAt: c.now()}
		}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		slog.Debug("history fetch failed", "key", key, "error", err)
		return nil, err
	}
	if shared {
		slog.Debug("history fetch shared", "key", key)
	}
	return v, nil
}

// InvalidateMessages marks a session's history stale.
func (c *Cache) InvalidateMessages(sessionID int64) {
	c.invalidate(MessagesKey(sessionID))
}

// InvalidateSessions marks every session list page stale.
func (c *Cache) InvalidateSessions() {
	c.invalidate(SessionsKey)
}

func (c *Cache) invalidate(family string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[family]++
	c.invalidations[family]++
}

// Invalidations reports how many times key was invalidated. Use MessagesKey or
// SessionsKey.
func (c *Cache) Invalidations(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidations[key]
}

// ApplyEvent invalidates whatever a server change event touches.
func (c *Cache) ApplyEvent(ev chat.ChangeEvent) {
	switch ev.Type {
	case chat.EventSessionsChanged:
		c.InvalidateSessions()
	case chat.EventMessagesChanged:
		if ev.SessionID > 0 {
			c.InvalidateMessages(ev.SessionID)
		}
	default:
		slog.Debug("ignoring change event", "type", ev.Type)
	}
}
