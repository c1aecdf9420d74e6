// Package model defines the core domain types shared across the race engine.
// All monetary values and prices use shopspring/decimal; never float64 for money.
// Times are integer seconds since the epoch, always supplied by the caller.
package model

import (
	"github.com/shopspring/decimal"
)

// TrackState is a lifecycle state of a Track.
type TrackState string

const (
	StateCreated TrackState = "created" // registered, empty roster
	StateOpen    TrackState = "open"    // accepting players
	StateRunning TrackState = "running"
	StateEnded   TrackState = "ended"
	StateSettled TrackState = "settled"
)

// Track is one race instance: a pot of equal stakes, a roster and a time window.
type Track struct {
	ID              string          `json:"id" db:"id"`
	Owner           string          `json:"owner" db:"owner"`
	BetAmount       decimal.Decimal `json:"bet_amount" db:"bet_amount"`
	MaxPlayers      int             `json:"max_players" db:"max_players"`
	DurationSeconds int64           `json:"duration_seconds" db:"duration_seconds"`
	State           TrackState      `json:"state" db:"state"`
	StartTime       int64           `json:"start_time" db:"start_time"` // zero until running
	Players         []string        `json:"players" db:"players"`       // append-only, join order
}

// Clone returns a deep copy so callers never share the roster slice. The
// copy's roster is never nil.
func (t *Track) Clone() *Track {
	c := *t
	c.Players = append(make([]string, 0, len(t.Players)), t.Players...)
	return &c
}

// Full reports whether the roster reached MaxPlayers.
func (t *Track) Full() bool {
	return len(t.Players) >= t.MaxPlayers
}

// HasPlayer reports whether actor is on the roster.
func (t *Track) HasPlayer(actor string) bool {
	for _, p := range t.Players {
		if p == actor {
			return true
		}
	}
	return false
}

// Started reports whether the race window has been opened.
func (t *Track) Started() bool {
	switch t.State {
	case StateRunning, StateEnded, StateSettled:
		return true
	}
	return false
}

// Editable reports whether roster and portfolios may still change.
func (t *Track) Editable() bool {
	return t.State == StateCreated || t.State == StateOpen
}

// EndTime is the nominal end of the race window.
func (t *Track) EndTime() int64 {
	return t.StartTime + t.DurationSeconds
}

// Elapsed reports whether the race window is over at now.
func (t *Track) Elapsed(now int64) bool {
	return t.Started() && now >= t.EndTime()
}

// Allocation is one weighted asset of a portfolio. Weights are relative shares.
type Allocation struct {
	Asset  string `json:"asset"`
	Weight uint64 `json:"weight"`
}

// Portfolio is a participant's allocation for one track. Allocation order is
// preserved exactly as submitted.
type Portfolio struct {
	TrackID     string       `json:"track_id" db:"track_id"`
	Actor       string       `json:"actor" db:"actor"`
	Allocations []Allocation `json:"allocations"`
}

// Empty reports whether the portfolio carries no allocation. An empty
// portfolio never qualifies for readiness or winning.
func (p *Portfolio) Empty() bool {
	return p == nil || len(p.Allocations) == 0
}

// RatePoint is one immutable (asset, time) -> price observation.
type RatePoint struct {
	Asset string          `json:"asset" db:"asset"`
	Time  int64           `json:"time" db:"time"`
	Price decimal.Decimal `json:"price" db:"price"`
}

// EscrowEntry is a participant's stake held for one track.
type EscrowEntry struct {
	TrackID   string          `json:"track_id" db:"track_id"`
	Actor     string          `json:"actor" db:"actor"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Withdrawn bool            `json:"withdrawn" db:"withdrawn"`
	Paid      decimal.Decimal `json:"paid" db:"paid"` // amount transferred out at settlement
}

// Transfer is an instruction to the external balance ledger.
type Transfer struct {
	ID      string          `json:"id"`
	TrackID string          `json:"track_id"`
	Actor   string          `json:"actor"`
	Amount  decimal.Decimal `json:"amount"`
}

// Score is a participant's weighted relative return over the race window.
type Score struct {
	Actor     string          `json:"actor"`
	Value     decimal.Decimal `json:"value"`
	Qualified bool            `json:"qualified"` // false when no portfolio was submitted
}

// Settlement is the outcome of a race. Before the track is settled it is a
// provisional computation. Once stored its winners and reward are fixed;
// Pending marks an outcome whose payouts have not all completed.
type Settlement struct {
	ID          string          `json:"id"`
	TrackID     string          `json:"track_id"`
	StartTime   int64           `json:"start_time"`
	EvaluatedAt int64           `json:"evaluated_at"`
	Scores      []Score         `json:"scores"`
	Winners     []string        `json:"winners"`
	Pot         decimal.Decimal `json:"pot"`
	Reward      decimal.Decimal `json:"reward"` // per winner
	Dust        decimal.Decimal `json:"dust"`   // indivisible remainder kept in escrow
	Refund      bool            `json:"refund"` // nobody qualified; stakes returned
	Pending     bool            `json:"pending,omitempty"`
	SettledAt   int64           `json:"settled_at,omitempty"`
}

// IsWinner reports whether actor is in the winner set.
func (s *Settlement) IsWinner(actor string) bool {
	for _, w := range s.Winners {
		if w == actor {
			return true
		}
	}
	return false
}
