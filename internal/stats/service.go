// Package stats serves aggregate views of the escrow estate and pools.
// Results are cached in Redis with a short TTL and recomputation is deduped
// through singleflight so a burst of dashboard requests costs one scan.
// Cache failures fail open to direct computation.
package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	escrowservice "vestra/internal/escrow/service"
	"vestra/internal/platform/redis"
	poolservice "vestra/internal/pool/service"
	id "vestra/pkg/domain"
)

const (
	escrowStatsKeyPrefix = "stats:escrow:"
	poolStatsKeyPrefix   = "stats:pool:"
)

// Service computes and caches aggregate statistics.
type Service struct {
	escrow *escrowservice.Service
	pools  *poolservice.Service
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// New builds a stats service. cache may be nil, in which case every call
// computes directly.
func New(escrow *escrowservice.Service, pools *poolservice.Service, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Service {
	return &Service{
		escrow: escrow,
		pools:  pools,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
	}
}

// EscrowStats returns the escrow aggregate visible to userID/role. Admin
// callers share one cache entry; other callers are cached per user.
func (s *Service) EscrowStats(ctx context.Context, userID id.UserID, role string) (*escrowservice.Stats, error) {
	key := escrowStatsKeyPrefix + "admin"
	if role != "admin" {
		key = escrowStatsKeyPrefix + userID.String()
	}
	return cached(ctx, s, key, func() (*escrowservice.Stats, error) {
		return s.escrow.GetStats(ctx, userID, role)
	})
}

// PoolStats returns the cached aggregate for one pool.
func (s *Service) PoolStats(ctx context.Context, poolID id.PoolID) (*poolservice.PoolStats, error) {
	key := poolStatsKeyPrefix + poolID.String()
	return cached(ctx, s, key, func() (*poolservice.PoolStats, error) {
		return s.pools.GetPoolStats(ctx, poolID)
	})
}

// Invalidate drops the cached aggregate for one pool. Call after mutations
// that must be visible immediately.
func (s *Service) Invalidate(ctx context.Context, poolID id.PoolID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, poolStatsKeyPrefix+poolID.String()).Err(); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "stats cache invalidation failed", "pool_id", poolID, "error", err)
	}
}

// cached looks key up in Redis, falling back to compute under singleflight.
func cached[T any](ctx context.Context, s *Service, key string, compute func() (*T, error)) (*T, error) {
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key).Bytes()
		if err == nil {
			var out T
			if err := json.Unmarshal(raw, &out); err == nil {
				return &out, nil
			}
			// Unreadable entry, recompute and overwrite.
		}
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		out, err := compute()
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			if raw, err := json.Marshal(out); err == nil {
				if err := s.cache.Set(ctx, key, raw, s.ttl).Err(); err != nil && s.logger != nil {
					s.logger.WarnContext(ctx, "stats cache write failed", "key", key, "error", err)
				}
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*T), nil
}
