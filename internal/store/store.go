// Package store defines the persistence interfaces for the race engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache of immutable facts), and in-memory (for testing and development).
//
// Each interface belongs to exactly one component: TrackStore to the track
// registry, PortfolioStore to the portfolio ledger, EscrowStore to the escrow
// vault, RateStore to the rate oracle and SettlementStore to the settlement
// engine. Components never write through another component's interface.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/race-engine/internal/model"
)

// TrackStore persists Track records.
type TrackStore interface {
	// CreateTrack persists a new track. Fails with model.ErrAlreadyExists on
	// a duplicate ID.
	CreateTrack(ctx context.Context, t *model.Track) error

	// GetTrack retrieves a track by ID. Fails with model.ErrNotFound.
	GetTrack(ctx context.Context, id string) (*model.Track, error)

	// ListTracks returns all tracks in creation order.
	ListTracks(ctx context.Context) ([]model.Track, error)

	// UpdateTrack replaces the mutable fields (state, start time, duration,
	// roster) of an existing track.
	UpdateTrack(ctx context.Context, t *model.Track) error
}

// PortfolioStore persists Portfolio records keyed by (track, actor).
type PortfolioStore interface {
	// SetPortfolio replaces the actor's portfolio for the track atomically.
	SetPortfolio(ctx context.Context, p *model.Portfolio) error

	// GetPortfolio fails with model.ErrNotFound if nothing was ever stored.
	GetPortfolio(ctx context.Context, trackID, actor string) (*model.Portfolio, error)
}

// EscrowStore persists stake deposits and payout bookkeeping.
type EscrowStore interface {
	// InsertDeposit records a stake. Fails with model.ErrAlreadyExists if the
	// actor already deposited into the track.
	InsertDeposit(ctx context.Context, e *model.EscrowEntry) error

	// DeleteDeposit removes a stake that was never paid out. It compensates a
	// deposit whose surrounding operation failed.
	DeleteDeposit(ctx context.Context, trackID, actor string) error

	// GetDeposit fails with model.ErrNotFound if the actor never deposited.
	GetDeposit(ctx context.Context, trackID, actor string) (*model.EscrowEntry, error)

	// ListDeposits returns every entry for the track.
	ListDeposits(ctx context.Context, trackID string) ([]model.EscrowEntry, error)

	// Withdraw marks the entry withdrawn with the paid amount, invoking
	// transfer while the entry is held exclusively. If transfer fails nothing
	// is marked; if the entry is already withdrawn transfer is never called
	// and model.ErrAlreadyWithdrawn is returned. When the mark cannot be
	// committed after transfer succeeded, the error is returned and a retry
	// calls transfer again, so transfer must be idempotent.
	Withdraw(ctx context.Context, trackID, actor string, amount decimal.Decimal, transfer func(context.Context) error) error
}

// RateStore persists RatePoints.
type RateStore interface {
	// InsertRates writes every point or none. Points are write-once: an
	// identical rewrite is a no-op, a differing price for an existing
	// (asset, time) fails the whole batch with model.ErrAlreadyExists.
	InsertRates(ctx context.Context, points []model.RatePoint) error

	// GetRateAt returns the latest point for asset with Time <= t. Fails with
	// model.ErrNotFound if there is none.
	GetRateAt(ctx context.Context, asset string, t int64) (*model.RatePoint, error)
}

// SettlementStore persists final race outcomes.
type SettlementStore interface {
	// SaveSettlement upserts the outcome for its track.
	SaveSettlement(ctx context.Context, s *model.Settlement) error

	// GetSettlement fails with model.ErrNotFound for unsettled tracks.
	GetSettlement(ctx context.Context, trackID string) (*model.Settlement, error)
}

// Store is the full persistence surface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	TrackStore
	PortfolioStore
	EscrowStore
	RateStore
	SettlementStore
}
