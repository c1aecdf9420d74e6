package store

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/atmx/race-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single RWMutex guards every map so readers always observe a consistent
// snapshot; values are copied in and out to avoid external mutation.
type MemoryStore struct {
	mu          sync.RWMutex
	tracks      map[string]*model.Track
	order       []string // track IDs in creation order
	portfolios  map[pairKey]*model.Portfolio
	deposits    map[pairKey]*model.EscrowEntry
	depositKeys map[string][]string          // trackID -> actors in deposit order
	rates       map[string][]model.RatePoint // asset -> points sorted by time
	settlements map[string]*model.Settlement
}

// pairKey is a composite map key: (track, actor) or (asset, time).
type pairKey struct {
	a, b string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tracks:      make(map[string]*model.Track),
		portfolios:  make(map[pairKey]*model.Portfolio),
		deposits:    make(map[pairKey]*model.EscrowEntry),
		depositKeys: make(map[string][]string),
		rates:       make(map[string][]model.RatePoint),
		settlements: make(map[string]*model.Settlement),
	}
}

// --- Tracks ---

func (s *MemoryStore) CreateTrack(_ context.Context, t *model.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tracks[t.ID]; ok {
		return errors.Wrapf(model.ErrAlreadyExists, "track %s", t.ID)
	}
	s.tracks[t.ID] = t.Clone()
	s.order = append(s.order, t.ID)
	return nil
}

func (s *MemoryStore) GetTrack(_ context.Context, id string) (*model.Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tracks[id]
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "track %s", id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTracks(_ context.Context) ([]model.Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tracks := make([]model.Track, 0, len(s.order))
	for _, id := range s.order {
		tracks = append(tracks, *s.tracks[id].Clone())
	}
	return tracks, nil
}

func (s *MemoryStore) UpdateTrack(_ context.Context, t *model.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tracks[t.ID]
	if !ok {
		return errors.Wrapf(model.ErrNotFound, "track %s", t.ID)
	}
	existing.State = t.State
	existing.StartTime = t.StartTime
	existing.DurationSeconds = t.DurationSeconds
	existing.Players = append([]string(nil), t.Players...)
	return nil
}

// --- Portfolios ---

func (s *MemoryStore) SetPortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	cp.Allocations = append([]model.Allocation(nil), p.Allocations...)
	s.portfolios[pairKey{p.TrackID, p.Actor}] = &cp
	return nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, trackID, actor string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[pairKey{trackID, actor}]
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "portfolio %s/%s", trackID, actor)
	}
	cp := *p
	cp.Allocations = append([]model.Allocation(nil), p.Allocations...)
	return &cp, nil
}

// --- Escrow ---

func (s *MemoryStore) InsertDeposit(_ context.Context, e *model.EscrowEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{e.TrackID, e.Actor}
	if _, ok := s.deposits[key]; ok {
		return errors.Wrapf(model.ErrAlreadyExists, "deposit %s/%s", e.TrackID, e.Actor)
	}
	cp := *e
	s.deposits[key] = &cp
	s.depositKeys[e.TrackID] = append(s.depositKeys[e.TrackID], e.Actor)
	return nil
}

func (s *MemoryStore) DeleteDeposit(_ context.Context, trackID, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{trackID, actor}
	e, ok := s.deposits[key]
	if !ok {
		return errors.Wrapf(model.ErrNotFound, "deposit %s/%s", trackID, actor)
	}
	if e.Withdrawn {
		return errors.Wrapf(model.ErrAlreadyWithdrawn, "deposit %s/%s", trackID, actor)
	}
	delete(s.deposits, key)
	actors := s.depositKeys[trackID]
	for i, a := range actors {
		if a == actor {
			s.depositKeys[trackID] = append(actors[:i:i], actors[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) GetDeposit(_ context.Context, trackID, actor string) (*model.EscrowEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.deposits[pairKey{trackID, actor}]
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "deposit %s/%s", trackID, actor)
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListDeposits(_ context.Context, trackID string) ([]model.EscrowEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.EscrowEntry
	for _, actor := range s.depositKeys[trackID] {
		entries = append(entries, *s.deposits[pairKey{trackID, actor}])
	}
	return entries, nil
}

// Withdraw holds the write lock across transfer so the flag and the external
// transfer can never disagree.
func (s *MemoryStore) Withdraw(ctx context.Context, trackID, actor string, amount decimal.Decimal, transfer func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.deposits[pairKey{trackID, actor}]
	if !ok {
		return errors.Wrapf(model.ErrNotFound, "deposit %s/%s", trackID, actor)
	}
	if e.Withdrawn {
		return errors.Wrapf(model.ErrAlreadyWithdrawn, "deposit %s/%s", trackID, actor)
	}
	if err := transfer(ctx); err != nil {
		return err
	}
	e.Withdrawn = true
	e.Paid = amount
	return nil
}

// --- Rates ---

func (s *MemoryStore) InsertRates(_ context.Context, points []model.RatePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch before touching anything.
	fresh := make([]model.RatePoint, 0, len(points))
	seen := make(map[pairKey]bool, len(points))
	for _, p := range points {
		key := pairKey{p.Asset, strconv.FormatInt(p.Time, 10)}
		if seen[key] {
			return errors.Wrapf(model.ErrValueMismatch, "rate %s@%d repeated in batch", p.Asset, p.Time)
		}
		seen[key] = true
		if existing, ok := s.findRate(p.Asset, p.Time); ok {
			if !existing.Price.Equal(p.Price) {
				return errors.Wrapf(model.ErrAlreadyExists,
					"rate %s@%d is %s, refusing %s", p.Asset, p.Time, existing.Price, p.Price)
			}
			continue
		}
		fresh = append(fresh, p)
	}

	for _, p := range fresh {
		series := s.rates[p.Asset]
		i := sort.Search(len(series), func(i int) bool { return series[i].Time >= p.Time })
		series = append(series, model.RatePoint{})
		copy(series[i+1:], series[i:])
		series[i] = p
		s.rates[p.Asset] = series
	}
	return nil
}

func (s *MemoryStore) GetRateAt(_ context.Context, asset string, t int64) (*model.RatePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.rates[asset]
	// First index with Time > t; the one before it is the answer.
	i := sort.Search(len(series), func(i int) bool { return series[i].Time > t })
	if i == 0 {
		return nil, errors.Wrapf(model.ErrNotFound, "rate %s at or before %d", asset, t)
	}
	p := series[i-1]
	return &p, nil
}

// findRate must be called with s.mu held.
func (s *MemoryStore) findRate(asset string, t int64) (model.RatePoint, bool) {
	series := s.rates[asset]
	i := sort.Search(len(series), func(i int) bool { return series[i].Time >= t })
	if i < len(series) && series[i].Time == t {
		return series[i], true
	}
	return model.RatePoint{}, false
}

// --- Settlements ---

func (s *MemoryStore) SaveSettlement(_ context.Context, st *model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *st
	cp.Winners = append([]string(nil), st.Winners...)
	cp.Scores = append([]model.Score(nil), st.Scores...)
	s.settlements[st.TrackID] = &cp
	return nil
}

func (s *MemoryStore) GetSettlement(_ context.Context, trackID string) (*model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settlements[trackID]
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "settlement %s", trackID)
	}
	cp := *st
	cp.Winners = append([]string(nil), st.Winners...)
	cp.Scores = append([]model.Score(nil), st.Scores...)
	return &cp, nil
}
