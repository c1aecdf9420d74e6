// Package portfolio captures each participant's weighted asset allocation for
// a track and answers whether a roster is ready to race.
package portfolio

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/atmx/race-engine/internal/model"
	"github.com/atmx/race-engine/internal/store"
)

// TrackLookup resolves the track a portfolio belongs to. The ledger only reads
// tracks; it never writes them.
type TrackLookup interface {
	GetTrack(ctx context.Context, id string) (*model.Track, error)
}

// Ledger is the PortfolioLedger.
type Ledger struct {
	store  store.PortfolioStore
	tracks TrackLookup
	log    *zap.Logger
}

// NewLedger creates a ledger.
func NewLedger(ps store.PortfolioStore, tracks TrackLookup, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{store: ps, tracks: tracks, log: log}
}

// SetPortfolio replaces actor's allocation for the track. Last write wins
// until the track starts.
func (l *Ledger) SetPortfolio(ctx context.Context, trackID, actor string, assets []string, weights []uint64) (*model.Portfolio, error) {
	t, err := l.tracks.GetTrack(ctx, trackID)
	if err != nil {
		return nil, err
	}
	if !t.Editable() {
		return nil, errors.Wrapf(model.ErrInvalidState, "track %s is %s", trackID, t.State)
	}
	if !t.HasPlayer(actor) {
		return nil, errors.Wrapf(model.ErrUnauthorized, "%s is not a player of track %s", actor, trackID)
	}
	if len(assets) != len(weights) {
		return nil, errors.Wrapf(model.ErrValueMismatch, "%d assets but %d weights", len(assets), len(weights))
	}

	p := &model.Portfolio{
		TrackID:     trackID,
		Actor:       actor,
		Allocations: make([]model.Allocation, len(assets)),
	}
	for i, a := range assets {
		if err := model.ValidateAssetName(a); err != nil {
			return nil, err
		}
		p.Allocations[i] = model.Allocation{Asset: a, Weight: weights[i]}
	}

	if err := l.store.SetPortfolio(ctx, p); err != nil {
		return nil, err
	}
	l.log.Info("portfolio set",
		zap.String("track", trackID),
		zap.String("actor", actor),
		zap.Int("assets", len(p.Allocations)),
	)
	return p, nil
}

// GetPortfolio returns actor's allocation. A participant that never submitted
// gets an empty portfolio, which Portfolio.Empty reports.
func (l *Ledger) GetPortfolio(ctx context.Context, trackID, actor string) (*model.Portfolio, error) {
	if _, err := l.tracks.GetTrack(ctx, trackID); err != nil {
		return nil, err
	}
	p, err := l.store.GetPortfolio(ctx, trackID, actor)
	if errors.Is(err, model.ErrNotFound) {
		return &model.Portfolio{TrackID: trackID, Actor: actor}, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Ready reports whether the roster is full and every player has a non-empty
// portfolio.
func (l *Ledger) Ready(ctx context.Context, t *model.Track) (bool, error) {
	if !t.Full() {
		return false, nil
	}
	for _, actor := range t.Players {
		p, err := l.store.GetPortfolio(ctx, t.ID, actor)
		if errors.Is(err, model.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if p.Empty() {
			return false, nil
		}
	}
	return true, nil
}
