package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/race-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Only facts that can never change are cached: settled tracks, rate
// points hit at their exact key time, and final settlement records. Everything a
// lifecycle transition reads goes to the primary, so several engine
// instances never act on a stale track.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetTrack(ctx context.Context, id string) (*model.Track, error) {
	if data, err := s.rdb.Get(ctx, trackKey(id)).Bytes(); err == nil {
		var t model.Track
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	t, err := s.Store.GetTrack(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State == model.StateSettled {
		s.set(ctx, trackKey(id), t)
	}
	return t, nil
}

func (s *CachedStore) GetRateAt(ctx context.Context, asset string, t int64) (*model.RatePoint, error) {
	if price, err := s.rdb.Get(ctx, rateKey(asset, t)).Result(); err == nil {
		if d, err := decimal.NewFromString(price); err == nil {
			return &model.RatePoint{Asset: asset, Time: t, Price: d}, nil
		}
	}

	p, err := s.Store.GetRateAt(ctx, asset, t)
	if err != nil {
		return nil, err
	}
	// A point stored at exactly t is write-once; a point resolved from an
	// earlier time may still be superseded by a backfill.
	if p.Time == t {
		s.rdb.Set(ctx, rateKey(asset, t), p.Price.String(), s.ttl)
	}
	return p, nil
}

func (s *CachedStore) GetSettlement(ctx context.Context, trackID string) (*model.Settlement, error) {
	if data, err := s.rdb.Get(ctx, settlementKey(trackID)).Bytes(); err == nil {
		var st model.Settlement
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.Store.GetSettlement(ctx, trackID)
	if err != nil {
		return nil, err
	}
	if !st.Pending {
		s.set(ctx, settlementKey(trackID), st)
	}
	return st, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpdateTrack(ctx context.Context, t *model.Track) error {
	if err := s.Store.UpdateTrack(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, trackKey(t.ID))
	return nil
}

func (s *CachedStore) SaveSettlement(ctx context.Context, st *model.Settlement) error {
	if err := s.Store.SaveSettlement(ctx, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, settlementKey(st.TrackID))
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func trackKey(id string) string            { return fmt.Sprintf("track:%s", id) }
func rateKey(asset string, t int64) string { return fmt.Sprintf("rate:%s:%d", asset, t) }
func settlementKey(id string) string       { return fmt.Sprintf("settlement:%s", id) }
