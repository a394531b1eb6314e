package memory

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"warden.id/internal/auth"
)

var (
	_ auth.SessionCache = (*Cache)(nil)
	_ auth.CodeStore    = (*CodeStore)(nil)
)

// Cache is a bounded in-process session cache. Entries expire after ttl regardless of use.
type Cache struct {
	lru *expirable.LRU[string, auth.SessionBundle]
}

func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 10000
	}
	return &Cache{lru: expirable.NewLRU[string, auth.SessionBundle](size, nil, ttl)}
}

func (c *Cache) Get(_ context.Context, tokenHash string) (auth.SessionBundle, error) {
	b, ok := c.lru.Get(tokenHash)
	if !ok {
		return auth.SessionBundle{}, auth.ErrCacheMiss
	}
	return cloneBundle(b), nil
}

func (c *Cache) Put(_ context.Context, tokenHash string, b auth.SessionBundle) error {
	c.lru.Add(tokenHash, cloneBundle(b))
	return nil
}

func (c *Cache) Delete(_ context.Context, tokenHashes ...string) error {
	for _, h := range tokenHashes {
		c.lru.Remove(h)
	}
	return nil
}

// Len reports the number of live entries.
func (c *Cache) Len() int { return c.lru.Len() }

func cloneBundle(b auth.SessionBundle) auth.SessionBundle {
	out := b
	if b.Session.UpdatedAt != nil {
		t := *b.Session.UpdatedAt
		out.Session.UpdatedAt = &t
	}
	if b.Permissions != nil {
		out.Permissions = make(map[string][]string, len(b.Permissions))
		for k, v := range b.Permissions {
			out.Permissions[k] = append([]string(nil), v...)
		}
	}
	return out
}

// CodeStore keeps one-time codes in process memory.
type CodeStore struct {
	mu  sync.Mutex // serializes the read-then-remove in ConsumeCode
	lru *expirable.LRU[string, codeEntry]
	ttl time.Duration
}

type codeEntry struct {
	code    string
	expires time.Time
}

// NewCodeStore creates a store whose entries live at most maxTTL; shorter per-code ttls are
// enforced on read.
func NewCodeStore(size int, maxTTL time.Duration) *CodeStore {
	if size <= 0 {
		size = 10000
	}
	return &CodeStore{lru: expirable.NewLRU[string, codeEntry](size, nil, maxTTL), ttl: maxTTL}
}

func codeKey(purpose, subject string) string { return purpose + ":" + subject }

func (s *CodeStore) PutCode(_ context.Context, purpose, subject, code string, ttl time.Duration) error {
	if ttl <= 0 || ttl > s.ttl {
		ttl = s.ttl
	}
	s.mu.Lock()
	s.lru.Add(codeKey(purpose, subject), codeEntry{code: code, expires: time.Now().Add(ttl)})
	s.mu.Unlock()
	return nil
}

func (s *CodeStore) ConsumeCode(_ context.Context, purpose, subject, code string) error {
	key := codeKey(purpose, subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lru.Get(key)
	if !ok || time.Now().After(e.expires) {
		s.lru.Remove(key)
		return auth.ErrNotFound
	}
	if subtle.ConstantTimeCompare([]byte(e.code), []byte(code)) != 1 {
		return auth.ErrNotFound
	}
	s.lru.Remove(key)
	return nil
}
