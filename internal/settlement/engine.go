// Package settlement scores finished races and pays out the pot.
//
// Returns are computed in fixed point: r = (pEval - pStart) / pStart rounded
// to Scale decimal places, and a player's score is the weighted sum of r over
// its allocations. Winners share the pot by integer division; the remainder
// stays in escrow.
package settlement

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/race-engine/internal/metrics"
	"github.com/atmx/race-engine/internal/model"
	"github.com/atmx/race-engine/internal/store"
)

// Scale is the number of decimal places kept for relative returns.
const Scale = 18

// Tracks is the registry surface settlement needs.
type Tracks interface {
	GetTrack(ctx context.Context, id string) (*model.Track, error)
	Finish(ctx context.Context, id string, now int64) (*model.Track, error)
	MarkSettled(ctx context.Context, id string) error
}

// Portfolios resolves allocations.
type Portfolios interface {
	GetPortfolio(ctx context.Context, trackID, actor string) (*model.Portfolio, error)
}

// Rates resolves prices.
type Rates interface {
	GetRate(ctx context.Context, t int64, asset string) (decimal.Decimal, error)
}

// Escrow holds the pot.
type Escrow interface {
	Pot(ctx context.Context, trackID string) (decimal.Decimal, error)
	GetDepo(ctx context.Context, trackID, actor string) (decimal.Decimal, error)
	Withdrawn(ctx context.Context, trackID, actor string) (bool, error)
	Payout(ctx context.Context, trackID, actor string, amount decimal.Decimal) (*model.Transfer, error)
}

// Engine is the SettlementEngine. Like the registry it expects callers to
// serialize WithdrawRewards per track.
type Engine struct {
	tracks      Tracks
	portfolios  Portfolios
	rates       Rates
	escrow      Escrow
	settlements store.SettlementStore
	log         *zap.Logger
}

// New creates a settlement engine.
func New(tracks Tracks, portfolios Portfolios, rates Rates, escrow Escrow, ss store.SettlementStore, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		tracks:      tracks,
		portfolios:  portfolios,
		rates:       rates,
		escrow:      escrow,
		settlements: ss,
		log:         log,
	}
}

// GetWinners computes the outcome as of now without mutating anything. Before
// the track's nominal end the result follows the latest prices and may change
// between calls. A settled track returns its stored outcome.
func (e *Engine) GetWinners(ctx context.Context, trackID string, now int64) (*model.Settlement, error) {
	t, err := e.tracks.GetTrack(ctx, trackID)
	if err != nil {
		return nil, err
	}
	if t.State == model.StateSettled {
		return e.settlements.GetSettlement(ctx, trackID)
	}
	if !t.Started() {
		return nil, errors.Wrapf(model.ErrInvalidState, "track %s is %s", trackID, t.State)
	}
	if s, err := e.pending(ctx, trackID); s != nil || err != nil {
		return s, err
	}
	return e.compute(ctx, t, EvalTime(t, now))
}

// GetSettlement returns the stored outcome of a track. While payouts are in
// progress the outcome is marked pending.
func (e *Engine) GetSettlement(ctx context.Context, trackID string) (*model.Settlement, error) {
	return e.settlements.GetSettlement(ctx, trackID)
}

// WithdrawRewards settles an ended track: it pays every winner its share, or
// refunds every player when nobody qualified, then marks the track settled.
//
// The outcome is stored as pending before the first payout. A call resuming
// an interrupted settlement pays from that outcome instead of recomputing
// it, so prices pushed in between cannot change who gets paid, and payouts
// already made are skipped.
func (e *Engine) WithdrawRewards(ctx context.Context, trackID string, now int64) (*model.Settlement, error) {
	t, err := e.tracks.GetTrack(ctx, trackID)
	if err != nil {
		return nil, err
	}
	switch t.State {
	case model.StateSettled:
		metrics.Settlements.WithLabelValues("duplicate").Inc()
		return nil, errors.Wrapf(model.ErrAlreadyWithdrawn, "track %s already settled", trackID)
	case model.StateRunning:
		if t, err = e.tracks.Finish(ctx, trackID, now); err != nil {
			return nil, err
		}
	case model.StateEnded:
	default:
		return nil, errors.Wrapf(model.ErrInvalidState, "track %s is %s", trackID, t.State)
	}

	s, err := e.pending(ctx, trackID)
	if err != nil {
		metrics.Settlements.WithLabelValues("error").Inc()
		return nil, err
	}
	if s != nil {
		e.log.Info("resuming settlement", zap.String("track", trackID), zap.String("settlement", s.ID))
	} else {
		if s, err = e.compute(ctx, t, EvalTime(t, now)); err != nil {
			if model.IsRetriable(err) {
				metrics.Settlements.WithLabelValues("oracle_missing").Inc()
				e.log.Warn("settlement deferred", zap.String("track", trackID), zap.Error(err))
			} else {
				metrics.Settlements.WithLabelValues("error").Inc()
			}
			return nil, err
		}
		s.ID = uuid.New().String()
		s.Pending = true
		if err := e.settlements.SaveSettlement(ctx, s); err != nil {
			metrics.Settlements.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	if s.Refund {
		err = e.refund(ctx, t)
	} else {
		err = e.payWinners(ctx, s)
	}
	if err != nil {
		metrics.Settlements.WithLabelValues("error").Inc()
		return nil, err
	}

	s.Pending = false
	s.SettledAt = now
	if err := e.settlements.SaveSettlement(ctx, s); err != nil {
		return nil, err
	}
	if err := e.tracks.MarkSettled(ctx, trackID); err != nil {
		return nil, err
	}

	result := "settled"
	if s.Refund {
		result = "refunded"
	}
	metrics.Settlements.WithLabelValues(result).Inc()
	if s.Dust.IsPositive() {
		e.log.Info("rounding dust kept in escrow", zap.String("track", trackID), zap.String("dust", s.Dust.String()))
	}
	e.log.Info("track settled",
		zap.String("track", trackID),
		zap.Strings("winners", s.Winners),
		zap.String("pot", s.Pot.String()),
		zap.String("reward", s.Reward.String()),
		zap.Bool("refund", s.Refund),
	)
	return s, nil
}

// pending returns the stored outcome of a settlement still paying out, nil
// if none was stored yet.
func (e *Engine) pending(ctx context.Context, trackID string) (*model.Settlement, error) {
	s, err := e.settlements.GetSettlement(ctx, trackID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !s.Pending {
		return nil, nil
	}
	return s, nil
}

func (e *Engine) payWinners(ctx context.Context, s *model.Settlement) error {
	for _, w := range s.Winners {
		if err := e.pay(ctx, s.TrackID, w, s.Reward); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) refund(ctx context.Context, t *model.Track) error {
	for _, p := range t.Players {
		amount, err := e.escrow.GetDepo(ctx, t.ID, p)
		if err != nil {
			return err
		}
		if amount.IsZero() {
			continue
		}
		if err := e.pay(ctx, t.ID, p, amount); err != nil {
			return err
		}
	}
	return nil
}

// pay transfers amount to actor unless an earlier attempt already did.
func (e *Engine) pay(ctx context.Context, trackID, actor string, amount decimal.Decimal) error {
	done, err := e.escrow.Withdrawn(ctx, trackID, actor)
	if err != nil {
		return err
	}
	if done {
		e.log.Info("payout already made, skipping", zap.String("track", trackID), zap.String("actor", actor))
		return nil
	}
	_, err = e.escrow.Payout(ctx, trackID, actor, amount)
	if errors.Is(err, model.ErrAlreadyWithdrawn) {
		return nil
	}
	return err
}

// EvalTime clamps now into the track's race window.
func EvalTime(t *model.Track, now int64) int64 {
	if end := t.EndTime(); now > end {
		return end
	}
	if now < t.StartTime {
		return t.StartTime
	}
	return now
}
