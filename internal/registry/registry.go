// Package registry owns Track records and drives their lifecycle.
package registry

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/race-engine/internal/metrics"
	"github.com/atmx/race-engine/internal/model"
	"github.com/atmx/race-engine/internal/store"
)

// StartPolicy selects how a full track moves to running.
type StartPolicy string

const (
	// StartAuto starts a track once the roster is full and every player
	// submitted a non-empty portfolio.
	StartAuto StartPolicy = "auto"
	// StartExplicit starts a track only through a privileged StartTrack call.
	StartExplicit StartPolicy = "explicit"
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxPlayers      = 2
	DefaultDurationSeconds = 3600
)

// Config holds the deployment-wide defaults for value-backed tracks.
type Config struct {
	StartPolicy     StartPolicy
	BetAmount       decimal.Decimal
	MaxPlayers      int
	DurationSeconds int64
}

// Params configures a privileged (sponsored) track.
type Params struct {
	BetAmount       decimal.Decimal `json:"bet_amount"`
	MaxPlayers      int             `json:"max_players"`
	DurationSeconds int64           `json:"duration_seconds"`
}

// Depositor takes stakes into escrow.
type Depositor interface {
	Deposit(ctx context.Context, trackID, actor string, amount decimal.Decimal) error
	Revert(ctx context.Context, trackID, actor string) error
}

// Readiness decides whether a full roster may auto-start.
type Readiness interface {
	Ready(ctx context.Context, t *model.Track) (bool, error)
}

// Registry is the TrackRegistry. It does not serialize callers: mutations on
// one track must be linearized by the caller.
type Registry struct {
	store     store.TrackStore
	escrow    Depositor
	readiness Readiness
	cfg       Config
	log       *zap.Logger
}

// New creates a registry.
func New(ts store.TrackStore, escrow Depositor, readiness Readiness, cfg Config, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.StartPolicy == "" {
		cfg.StartPolicy = StartAuto
	}
	if cfg.MaxPlayers < 2 {
		cfg.MaxPlayers = DefaultMaxPlayers
	}
	if cfg.DurationSeconds < 1 {
		cfg.DurationSeconds = DefaultDurationSeconds
	}
	return &Registry{store: ts, escrow: escrow, readiness: readiness, cfg: cfg, log: log}
}

// Policy returns the active start policy.
func (r *Registry) Policy() StartPolicy {
	return r.cfg.StartPolicy
}

// CreateTrack registers a value-backed track. The creator's stake must equal
// the configured bet amount; the creator becomes the first player.
func (r *Registry) CreateTrack(ctx context.Context, id, actor string, stake decimal.Decimal) (*model.Track, error) {
	if err := r.checkNew(ctx, id, actor); err != nil {
		return nil, err
	}
	if !stake.Equal(r.cfg.BetAmount) {
		return nil, errors.Wrapf(model.ErrValueMismatch, "stake %s != bet amount %s", stake, r.cfg.BetAmount)
	}

	t := &model.Track{
		ID:              id,
		Owner:           actor,
		BetAmount:       r.cfg.BetAmount,
		MaxPlayers:      r.cfg.MaxPlayers,
		DurationSeconds: r.cfg.DurationSeconds,
		State:           model.StateCreated,
	}
	if err := fire(ctx, t, triggerJoin); err != nil {
		return nil, err
	}
	t.Players = []string{actor}

	if err := r.escrow.Deposit(ctx, id, actor, stake); err != nil {
		return nil, err
	}
	if err := r.store.CreateTrack(ctx, t); err != nil {
		r.revert(ctx, id, actor)
		return nil, err
	}

	metrics.TracksCreated.WithLabelValues("staked").Inc()
	r.log.Info("track created",
		zap.String("track", id),
		zap.String("owner", actor),
		zap.String("bet", t.BetAmount.String()),
	)
	return t, nil
}

// CreateTrackWithParams registers a sponsored track with caller-chosen
// parameters and no stake. The roster starts empty.
func (r *Registry) CreateTrackWithParams(ctx context.Context, id, actor string, p Params) (*model.Track, error) {
	if err := r.checkNew(ctx, id, actor); err != nil {
		return nil, err
	}
	if err := model.ValidateAmount(p.BetAmount); err != nil {
		return nil, err
	}
	if !p.BetAmount.IsPositive() {
		return nil, errors.Wrap(model.ErrValueMismatch, "bet amount must be positive")
	}
	if p.MaxPlayers < 2 {
		return nil, errors.Wrapf(model.ErrValueMismatch, "max players %d < 2", p.MaxPlayers)
	}
	if p.DurationSeconds < 1 {
		return nil, errors.Wrapf(model.ErrValueMismatch, "duration %d < 1", p.DurationSeconds)
	}

	t := &model.Track{
		ID:              id,
		Owner:           actor,
		BetAmount:       p.BetAmount,
		MaxPlayers:      p.MaxPlayers,
		DurationSeconds: p.DurationSeconds,
		State:           model.StateCreated,
		Players:         []string{},
	}
	if err := r.store.CreateTrack(ctx, t); err != nil {
		return nil, err
	}

	metrics.TracksCreated.WithLabelValues("sponsored").Inc()
	r.log.Info("track created",
		zap.String("track", id),
		zap.String("owner", actor),
		zap.String("bet", t.BetAmount.String()),
		zap.Int("max_players", t.MaxPlayers),
		zap.Int64("duration", t.DurationSeconds),
	)
	return t, nil
}

func (r *Registry) checkNew(ctx context.Context, id, actor string) error {
	if id == "" {
		return errors.Wrap(model.ErrValueMismatch, "track id is required")
	}
	if actor == "" {
		return errors.Wrap(model.ErrValueMismatch, "actor is required")
	}
	_, err := r.store.GetTrack(ctx, id)
	if err == nil {
		return errors.Wrapf(model.ErrAlreadyExists, "track %s", id)
	}
	if !errors.Is(err, model.ErrNotFound) {
		return err
	}
	return nil
}

// JoinToTrack deposits actor's stake and appends actor to the roster.
func (r *Registry) JoinToTrack(ctx context.Context, id, actor string, stake decimal.Decimal) (*model.Track, error) {
	if actor == "" {
		return nil, errors.Wrap(model.ErrValueMismatch, "actor is required")
	}
	t, err := r.store.GetTrack(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Editable() {
		return nil, errors.Wrapf(model.ErrInvalidState, "track %s is %s", id, t.State)
	}
	if t.Full() {
		return nil, errors.Wrapf(model.ErrCapacityExceeded, "track %s has %d/%d players", id, len(t.Players), t.MaxPlayers)
	}
	if t.HasPlayer(actor) {
		return nil, errors.Wrapf(model.ErrAlreadyExists, "%s already joined track %s", actor, id)
	}
	if !stake.Equal(t.BetAmount) {
		return nil, errors.Wrapf(model.ErrValueMismatch, "stake %s != bet amount %s", stake, t.BetAmount)
	}

	if err := fire(ctx, t, triggerJoin); err != nil {
		return nil, err
	}
	t.Players = append(t.Players, actor)

	if err := r.escrow.Deposit(ctx, id, actor, stake); err != nil {
		return nil, err
	}
	if err := r.store.UpdateTrack(ctx, t); err != nil {
		r.revert(ctx, id, actor)
		return nil, err
	}

	metrics.PlayersJoined.Inc()
	r.log.Info("track joined",
		zap.String("track", id),
		zap.String("actor", actor),
		zap.Int("players", len(t.Players)),
		zap.Int("max_players", t.MaxPlayers),
	)
	return t, nil
}

// TryStart moves an open track to running under the automatic policy once it
// is ready. It reports whether the track started.
func (r *Registry) TryStart(ctx context.Context, id string, now int64) (*model.Track, bool, error) {
	t, err := r.store.GetTrack(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if r.cfg.StartPolicy != StartAuto || t.State != model.StateOpen {
		return t, false, nil
	}
	ready, err := r.readiness.Ready(ctx, t)
	if err != nil || !ready {
		return t, false, err
	}
	if err := r.start(ctx, t, now); err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// StartTrack starts a full track under the explicit policy. A zero duration
// keeps the track's configured duration.
func (r *Registry) StartTrack(ctx context.Context, id string, duration, now int64) (*model.Track, error) {
	if r.cfg.StartPolicy != StartExplicit {
		return nil, errors.Wrapf(model.ErrInvalidState, "explicit start disabled under %s policy", r.cfg.StartPolicy)
	}
	if duration < 0 {
		return nil, errors.Wrapf(model.ErrValueMismatch, "duration %d < 0", duration)
	}
	t, err := r.store.GetTrack(ctx, id)
	if err != nil {
		return nil, err
	}
	if duration > 0 {
		t.DurationSeconds = duration
	}
	if err := r.start(ctx, t, now); err != nil {
		return nil, err
	}
	return t, nil
}

// start opens the race window at now. A zero start time reads as "never
// started" through RunningTracks, so only positive times are accepted.
func (r *Registry) start(ctx context.Context, t *model.Track, now int64) error {
	if now <= 0 {
		return errors.Wrapf(model.ErrValueMismatch, "start time %d must be positive", now)
	}
	if err := fire(ctx, t, triggerStart); err != nil {
		return err
	}
	t.StartTime = now
	if err := r.store.UpdateTrack(ctx, t); err != nil {
		return err
	}

	metrics.TracksStarted.WithLabelValues(string(r.cfg.StartPolicy)).Inc()
	r.log.Info("track started",
		zap.String("track", t.ID),
		zap.Int64("start_time", t.StartTime),
		zap.Int64("end_time", t.EndTime()),
	)
	return nil
}

// Finish materializes the ended state of a running track whose window has
// elapsed at now. An already ended track is returned unchanged.
func (r *Registry) Finish(ctx context.Context, id string, now int64) (*model.Track, error) {
	t, err := r.store.GetTrack(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State == model.StateEnded {
		return t, nil
	}
	if err := fire(ctx, t, triggerFinish, now); err != nil {
		return nil, err
	}
	if err := r.store.UpdateTrack(ctx, t); err != nil {
		return nil, err
	}
	r.log.Info("track ended", zap.String("track", id), zap.Int64("now", now))
	return t, nil
}

// MarkSettled closes an ended track for good.
func (r *Registry) MarkSettled(ctx context.Context, id string) error {
	t, err := r.store.GetTrack(ctx, id)
	if err != nil {
		return err
	}
	if err := fire(ctx, t, triggerSettle); err != nil {
		return err
	}
	return r.store.UpdateTrack(ctx, t)
}

// revert compensates a deposit whose track write failed.
func (r *Registry) revert(ctx context.Context, id, actor string) {
	if err := r.escrow.Revert(ctx, id, actor); err != nil {
		r.log.Error("deposit revert failed",
			zap.String("track", id),
			zap.String("actor", actor),
			zap.Error(err),
		)
	}
}
