// Package cache implements the hot cache: an optional TTL key/value store for
// per-session context window and latest state, with transparent fallback to
// the relational store on any failure or when disabled.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/283525452-ops/DeepTavern/log"
	"github.com/redis/go-redis/v9"
)

// HotCache is a best-effort cache: every method degrades silently (enabled =
// false, or a logged warning) rather than ever blocking or failing a turn.
type HotCache struct {
	client  *redis.Client
	enabled bool
	ttl     time.Duration
}

// New connects to Redis at addr; on any connection failure it downgrades to
// disabled (callers fall back to the relational store), matching the source
// system's RedisManager._init_redis behavior exactly.
func New(addr string, db int, password string, ttl time.Duration) *HotCache {
	h := &HotCache{ttl: ttl}
	if addr == "" {
		return h
	}

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DB:          db,
		Password:    password,
		DialTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Log.Warnf("[HotCache] Redis connection failed, downgrading to relational-store-only: %v", err)
		return h
	}

	log.Log.Infof("[HotCache] Redis connected (db %d)", db)
	h.client = client
	h.enabled = true
	return h
}

// Enabled reports whether the cache is live (used by tests and diagnostics).
func (h *HotCache) Enabled() bool { return h.enabled }

func contextKey(sessionUUID string) string { return fmt.Sprintf("session:%s:context", sessionUUID) }
func stateKey(sessionUUID string) string   { return fmt.Sprintf("session:%s:state", sessionUUID) }

// CacheContext stores the recent conversation window for a session.
func (h *HotCache) CacheContext(ctx context.Context, sessionUUID string, messages any) {
	if !h.enabled {
		return
	}
	data, err := json.Marshal(messages)
	if err != nil {
		log.Log.Errorf("[HotCache] encode context: %v", err)
		return
	}
	if err := h.client.Set(ctx, contextKey(sessionUUID), data, h.ttl).Err(); err != nil {
		log.Log.Errorf("[HotCache] write context: %v", err)
	}
}

// GetContext decodes the cached context window into out and reports whether
// it did; it reports false on a cache miss, a decode failure, or when
// disabled — callers must treat false as "go read the relational store", not
// as an empty context.
func (h *HotCache) GetContext(ctx context.Context, sessionUUID string, out any) bool {
	if !h.enabled {
		return false
	}
	data, err := h.client.Get(ctx, contextKey(sessionUUID)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Log.Errorf("[HotCache] read context: %v", err)
		}
		return false
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		log.Log.Errorf("[HotCache] decode context: %v", err)
		return false
	}
	return true
}

// ClearContext removes the cached context window for a session.
func (h *HotCache) ClearContext(ctx context.Context, sessionUUID string) {
	if !h.enabled {
		return
	}
	h.client.Del(ctx, contextKey(sessionUUID))
}

// CacheState stores the latest world-state JSON for a session.
func (h *HotCache) CacheState(ctx context.Context, sessionUUID string, stateJSON string) {
	if !h.enabled {
		return
	}
	if err := h.client.Set(ctx, stateKey(sessionUUID), stateJSON, h.ttl).Err(); err != nil {
		log.Log.Errorf("[HotCache] write state: %v", err)
	}
}

// GetState returns the cached state JSON, or ("", false) on miss/disabled.
func (h *HotCache) GetState(ctx context.Context, sessionUUID string) (string, bool) {
	if !h.enabled {
		return "", false
	}
	data, err := h.client.Get(ctx, stateKey(sessionUUID)).Result()
	if err != nil {
		return "", false
	}
	return data, true
}

// ClearState removes the cached state for a session.
func (h *HotCache) ClearState(ctx context.Context, sessionUUID string) {
	if !h.enabled {
		return
	}
	h.client.Del(ctx, stateKey(sessionUUID))
}

// Close releases the underlying Redis client, if any.
func (h *HotCache) Close() error {
	if h.client == nil {
		return nil
	}
	return h.client.Close()
}
