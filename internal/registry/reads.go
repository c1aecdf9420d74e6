package registry

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/race-engine/internal/model"
)

// GetTrack returns a snapshot of the track.
func (r *Registry) GetTrack(ctx context.Context, id string) (*model.Track, error) {
	return r.store.GetTrack(ctx, id)
}

// ListTracks returns every track in creation order.
func (r *Registry) ListTracks(ctx context.Context) ([]model.Track, error) {
	return r.store.ListTracks(ctx)
}

// GetTrackOwner returns the actor that created the track.
func (r *Registry) GetTrackOwner(ctx context.Context, id string) (string, error) {
	t, err := r.store.GetTrack(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Owner, nil
}

// GetPlayers returns the roster in join order.
func (r *Registry) GetPlayers(ctx context.Context, id string) ([]string, error) {
	t, err := r.store.GetTrack(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.Players, nil
}

// CountPlayers returns the roster size.
func (r *Registry) CountPlayers(ctx context.Context, id string) (int, error) {
	t, err := r.store.GetTrack(ctx, id)
	if err != nil {
		return 0, err
	}
	return len(t.Players), nil
}

// GetBetAmount returns the stake every player deposits.
func (r *Registry) GetBetAmount(ctx context.Context, id string) (decimal.Decimal, error) {
	t, err := r.store.GetTrack(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return t.BetAmount, nil
}

// RunningTracks returns the start time of the track, zero if it never started.
// Start times are always positive, so zero is unambiguous.
func (r *Registry) RunningTracks(ctx context.Context, id string) (int64, error) {
	t, err := r.store.GetTrack(ctx, id)
	if err != nil {
		return 0, err
	}
	if !t.Started() {
		return 0, nil
	}
	return t.StartTime, nil
}

// IsEndedTrack reports whether the track's race window is over at now.
func (r *Registry) IsEndedTrack(ctx context.Context, id string, now int64) (bool, error) {
	t, err := r.store.GetTrack(ctx, id)
	if err != nil {
		return false, err
	}
	return t.Elapsed(now), nil
}

// IsReadyToStart reports whether the roster is full and every player has a
// non-empty portfolio.
func (r *Registry) IsReadyToStart(ctx context.Context, id string) (bool, error) {
	t, err := r.store.GetTrack(ctx, id)
	if err != nil {
		return false, err
	}
	if !t.Editable() {
		return false, nil
	}
	return r.readiness.Ready(ctx, t)
}
