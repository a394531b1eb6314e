// Package rediscache keeps session bundles and one-time codes in Redis so every replica
// shares them.
package rediscache

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"warden.id/internal/auth"
)

const (
	sessionPrefix = "warden:session:"
	codePrefix    = "warden:code:"
)

var (
	_ auth.SessionCache = (*Cache)(nil)
	_ auth.CodeStore    = (*CodeStore)(nil)
)

// Config describes the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Open connects and pings the server.
func Open(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Cache stores one JSON bundle per token hash with a fixed TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func sessionKey(tokenHash string) string { return sessionPrefix + tokenHash }

func (c *Cache) Get(ctx context.Context, tokenHash string) (auth.SessionBundle, error) {
	data, err := c.client.Get(ctx, sessionKey(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return auth.SessionBundle{}, auth.ErrCacheMiss
	}
	if err != nil {
		return auth.SessionBundle{}, fmt.Errorf("get session bundle: %w", err)
	}
	var b auth.SessionBundle
	if err := json.Unmarshal(data, &b); err != nil {
		// a bundle written by an incompatible version is treated as absent
		return auth.SessionBundle{}, auth.ErrCacheMiss
	}
	return b, nil
}

func (c *Cache) Put(ctx context.Context, tokenHash string, b auth.SessionBundle) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal session bundle: %w", err)
	}
	if err := c.client.Set(ctx, sessionKey(tokenHash), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set session bundle: %w", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, tokenHashes ...string) error {
	if len(tokenHashes) == 0 {
		return nil
	}
	keys := make([]string, len(tokenHashes))
	for i, h := range tokenHashes {
		keys[i] = sessionKey(h)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete session bundles: %w", err)
	}
	return nil
}

// CodeStore keeps one-time codes under warden:code:<purpose>:<subject>.
type CodeStore struct {
	client *redis.Client
}

func NewCodeStore(client *redis.Client) *CodeStore {
	return &CodeStore{client: client}
}

func codeKey(purpose, subject string) string { return codePrefix + purpose + ":" + subject }

func (s *CodeStore) PutCode(ctx context.Context, purpose, subject, code string, ttl time.Duration) error {
	if err := s.client.Set(ctx, codeKey(purpose, subject), code, ttl).Err(); err != nil {
		return fmt.Errorf("set code: %w", err)
	}
	return nil
}

// ConsumeCode compares and deletes inside a WATCH transaction so a code is accepted at most
// once even under concurrent attempts.
func (s *CodeStore) ConsumeCode(ctx context.Context, purpose, subject, code string) error {
	key := codeKey(purpose, subject)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return auth.ErrNotFound
		}
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
			return auth.ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return auth.ErrNotFound
	}
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		return fmt.Errorf("consume code: %w", err)
	}
	return err
}
