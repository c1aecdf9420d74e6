// Package race exposes the race engine's operation surface: the Engine facade
// that linearizes per-track mutations, the HTTP handlers in front of it and
// the WebSocket hub that fans out lifecycle events.
package race

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/race-engine/internal/escrow"
	"github.com/atmx/race-engine/internal/lock"
	"github.com/atmx/race-engine/internal/model"
	"github.com/atmx/race-engine/internal/oracle"
	"github.com/atmx/race-engine/internal/portfolio"
	"github.com/atmx/race-engine/internal/registry"
	"github.com/atmx/race-engine/internal/settlement"
	"github.com/atmx/race-engine/internal/store"
)

// Broadcaster receives engine events. *WSHub implements it.
type Broadcaster interface {
	Broadcast(msg WSMessage)
}

// BalanceReader reports external balances, when the transfer collaborator
// can answer that.
type BalanceReader interface {
	Balance(actor string) decimal.Decimal
}

// Engine wires the components together. Every mutation of a track runs under
// that track's lock; rate writes are atomic in the store and need no lock.
type Engine struct {
	registry   *registry.Registry
	ledger     *portfolio.Ledger
	oracle     *oracle.Oracle
	vault      *escrow.Vault
	settlement *settlement.Engine
	locks      lock.Locker
	hub        Broadcaster
	balances   BalanceReader
	log        *zap.Logger
}

// NewEngine builds every component over st. hub may be nil.
func NewEngine(st store.Store, transfers escrow.Transferer, locks lock.Locker, hub Broadcaster, cfg registry.Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	vault := escrow.NewVault(st, transfers, log.Named("escrow"))
	ledger := portfolio.NewLedger(st, st, log.Named("portfolio"))
	reg := registry.New(st, vault, ledger, cfg, log.Named("registry"))
	orc := oracle.New(st, log.Named("oracle"))

	e := &Engine{
		registry:   reg,
		ledger:     ledger,
		oracle:     orc,
		vault:      vault,
		settlement: settlement.New(reg, ledger, orc, vault, st, log.Named("settlement")),
		locks:      locks,
		hub:        hub,
		log:        log,
	}
	if br, ok := transfers.(BalanceReader); ok {
		e.balances = br
	}
	return e
}

// Policy returns the configured start policy.
func (e *Engine) Policy() registry.StartPolicy {
	return e.registry.Policy()
}

func (e *Engine) withTrack(ctx context.Context, id string, fn func() error) error {
	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (e *Engine) publish(msg WSMessage) {
	if e.hub != nil {
		e.hub.Broadcast(msg)
	}
}

// --- Track lifecycle ---

// CreateTrack registers a value-backed track with the creator as first player.
func (e *Engine) CreateTrack(ctx context.Context, id, actor string, stake decimal.Decimal) (*model.Track, error) {
	var t *model.Track
	err := e.withTrack(ctx, id, func() (err error) {
		t, err = e.registry.CreateTrack(ctx, id, actor, stake)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publish(trackMessage(EventTrackCreated, t, actor))
	return t, nil
}

// CreateTrackWithParams registers a sponsored track.
func (e *Engine) CreateTrackWithParams(ctx context.Context, id, actor string, p registry.Params) (*model.Track, error) {
	var t *model.Track
	err := e.withTrack(ctx, id, func() (err error) {
		t, err = e.registry.CreateTrackWithParams(ctx, id, actor, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publish(trackMessage(EventTrackCreated, t, actor))
	return t, nil
}

// JoinToTrack seats actor on the track.
func (e *Engine) JoinToTrack(ctx context.Context, id, actor string, stake decimal.Decimal) (*model.Track, error) {
	var t *model.Track
	err := e.withTrack(ctx, id, func() (err error) {
		t, err = e.registry.JoinToTrack(ctx, id, actor, stake)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publish(trackMessage(EventTrackJoined, t, actor))
	return t, nil
}

// SetPortfolio stores actor's allocation. Under the automatic start policy the
// submission that completes readiness starts the track at now.
func (e *Engine) SetPortfolio(ctx context.Context, id, actor string, assets []string, weights []uint64, now int64) (*model.Portfolio, *model.Track, error) {
	var (
		p       *model.Portfolio
		t       *model.Track
		started bool
	)
	err := e.withTrack(ctx, id, func() (err error) {
		if p, err = e.ledger.SetPortfolio(ctx, id, actor, assets, weights); err != nil {
			return err
		}
		t, started, err = e.registry.TryStart(ctx, id, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	e.publish(WSMessage{Type: EventPortfolioSet, TrackID: id, Actor: actor})
	if started {
		e.publish(trackMessage(EventTrackStarted, t, ""))
	}
	return p, t, nil
}

// StartTrack starts a full track under the explicit start policy.
func (e *Engine) StartTrack(ctx context.Context, id string, duration, now int64) (*model.Track, error) {
	var t *model.Track
	err := e.withTrack(ctx, id, func() (err error) {
		t, err = e.registry.StartTrack(ctx, id, duration, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publish(trackMessage(EventTrackStarted, t, ""))
	return t, nil
}

// WithdrawRewards settles the track. Any actor may trigger it.
func (e *Engine) WithdrawRewards(ctx context.Context, id, actor string, now int64) (*model.Settlement, error) {
	var s *model.Settlement
	err := e.withTrack(ctx, id, func() (err error) {
		s, err = e.settlement.WithdrawRewards(ctx, id, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.log.Debug("settlement triggered", zap.String("track", id), zap.String("actor", actor))
	e.publish(WSMessage{
		Type:    EventTrackSettled,
		TrackID: id,
		Actor:   actor,
		State:   model.StateSettled,
		Winners: s.Winners,
		Reward:  s.Reward.String(),
	})
	return s, nil
}

// --- Oracle ---

// SetRates records prices at time t.
func (e *Engine) SetRates(ctx context.Context, t int64, assets []string, prices []decimal.Decimal) error {
	if err := e.oracle.SetRates(ctx, t, assets, prices); err != nil {
		return err
	}
	e.publish(WSMessage{Type: EventRatesSet, Time: t, Assets: assets})
	return nil
}

func (e *Engine) GetRate(ctx context.Context, t int64, asset string) (decimal.Decimal, error) {
	return e.oracle.GetRate(ctx, t, asset)
}

func (e *Engine) GetRates(ctx context.Context, t int64, assets []string) ([]decimal.Decimal, error) {
	return e.oracle.GetRates(ctx, t, assets)
}

// --- Reads ---

func (e *Engine) GetTrack(ctx context.Context, id string) (*model.Track, error) {
	return e.registry.GetTrack(ctx, id)
}

func (e *Engine) ListTracks(ctx context.Context) ([]model.Track, error) {
	return e.registry.ListTracks(ctx)
}

func (e *Engine) GetTrackOwner(ctx context.Context, id string) (string, error) {
	return e.registry.GetTrackOwner(ctx, id)
}

func (e *Engine) GetPlayers(ctx context.Context, id string) ([]string, error) {
	return e.registry.GetPlayers(ctx, id)
}

func (e *Engine) CountPlayers(ctx context.Context, id string) (int, error) {
	return e.registry.CountPlayers(ctx, id)
}

func (e *Engine) GetBetAmount(ctx context.Context, id string) (decimal.Decimal, error) {
	return e.registry.GetBetAmount(ctx, id)
}

func (e *Engine) RunningTracks(ctx context.Context, id string) (int64, error) {
	return e.registry.RunningTracks(ctx, id)
}

func (e *Engine) IsEndedTrack(ctx context.Context, id string, now int64) (bool, error) {
	return e.registry.IsEndedTrack(ctx, id, now)
}

func (e *Engine) IsReadyToStart(ctx context.Context, id string) (bool, error) {
	return e.registry.IsReadyToStart(ctx, id)
}

func (e *Engine) GetPortfolio(ctx context.Context, id, actor string) (*model.Portfolio, error) {
	return e.ledger.GetPortfolio(ctx, id, actor)
}

// GetDepo returns actor's stake in the track. Unknown tracks fail.
func (e *Engine) GetDepo(ctx context.Context, id, actor string) (decimal.Decimal, error) {
	if _, err := e.registry.GetTrack(ctx, id); err != nil {
		return decimal.Zero, err
	}
	return e.vault.GetDepo(ctx, id, actor)
}

func (e *Engine) GetWinners(ctx context.Context, id string, now int64) (*model.Settlement, error) {
	return e.settlement.GetWinners(ctx, id, now)
}

func (e *Engine) GetSettlement(ctx context.Context, id string) (*model.Settlement, error) {
	return e.settlement.GetSettlement(ctx, id)
}

// BalanceOf returns actor's external balance. ok is false when the transfer
// collaborator does not expose balances.
func (e *Engine) BalanceOf(actor string) (balance decimal.Decimal, ok bool) {
	if e.balances == nil {
		return decimal.Zero, false
	}
	return e.balances.Balance(actor), true
}
