// Package cache provides an optional Redis read-through tier in front of
// the external store's hottest lookups: account rows and topic/device-type
// relation checks. A cache miss, a marshal error, or Redis itself being
// unreachable all fall through to the underlying store — Redis is strictly
// an accelerator, never a source of truth.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleethub/broker/internal/logger"
	"github.com/fleethub/broker/internal/store"
)

// ttl bounds how long a cached lookup is trusted before falling back to the
// store again. Kept short relative to the hub's own refresh intervals so a
// revoked relation can't hide behind a long-lived cache entry.
const ttl = 30 * time.Second

// Store decorates a store.Store with a Redis read-through cache. It
// satisfies store.Store itself so callers can use it as a drop-in
// replacement.
type Store struct {
	inner  store.Store
	client *redis.Client
}

// NewStore wraps inner with a Redis cache reachable at addr. If addr is
// empty, NewStore returns inner unwrapped — callers always get a store.Store,
// caching is simply a no-op.
func NewStore(inner store.Store, addr, password string, db int) store.Store {
	if addr == "" {
		return inner
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Store{inner: inner, client: client}
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*store.AccountRow, error) {
	key := AccountKey(accountID)
	if cached, err := s.client.Get(ctx, key).Bytes(); err == nil {
		var row store.AccountRow
		if json.Unmarshal(cached, &row) == nil {
			return &row, nil
		}
	}

	row, err := s.inner.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(row); err == nil {
		if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
			logger.Store().Warn().Err(err).Msg("cache: set account failed")
		}
	}
	return row, nil
}

func (s *Store) TopicRelationExists(ctx context.Context, accountID, topicID string) (bool, error) {
	key := TopicRelationKey(accountID, topicID)
	if cached, err := s.client.Get(ctx, key).Result(); err == nil {
		return cached == "1", nil
	}

	exists, err := s.inner.TopicRelationExists(ctx, accountID, topicID)
	if err != nil {
		return false, err
	}
	val := "0"
	if exists {
		val = "1"
	}
	if err := s.client.Set(ctx, key, val, ttl).Err(); err != nil {
		logger.Store().Warn().Err(err).Msg("cache: set topic relation failed")
	}
	return exists, nil
}

func (s *Store) DeviceTypeRelationExists(ctx context.Context, accountID, deviceTypeID string) (bool, error) {
	key := DeviceTypeRelationKey(accountID, deviceTypeID)
	if cached, err := s.client.Get(ctx, key).Result(); err == nil {
		return cached == "1", nil
	}

	exists, err := s.inner.DeviceTypeRelationExists(ctx, accountID, deviceTypeID)
	if err != nil {
		return false, err
	}
	val := "0"
	if exists {
		val = "1"
	}
	if err := s.client.Set(ctx, key, val, ttl).Err(); err != nil {
		logger.Store().Warn().Err(err).Msg("cache: set device type relation failed")
	}
	return exists, nil
}

// The remaining methods are cold paths (periodic refresh, writes, paginated
// reads) — no benefit from caching, so they pass straight through.

func (s *Store) GetAllTopicRelations(ctx context.Context) ([]store.TopicRelation, error) {
	return s.inner.GetAllTopicRelations(ctx)
}

func (s *Store) GetAllWebhookTopics(ctx context.Context) ([]store.WebhookTopic, error) {
	return s.inner.GetAllWebhookTopics(ctx)
}

func (s *Store) GetAPIKeyCiphertext(ctx context.Context, accountID string) ([]byte, []byte, error) {
	return s.inner.GetAPIKeyCiphertext(ctx, accountID)
}

func (s *Store) InsertLog(ctx context.Context, entry store.LogEntry) error {
	return s.inner.InsertLog(ctx, entry)
}

func (s *Store) ListLogs(ctx context.Context, accountID string, page, pageSize int) ([]store.LogEntry, error) {
	return s.inner.ListLogs(ctx, accountID, page, pageSize)
}

var _ store.Store = (*Store)(nil)
