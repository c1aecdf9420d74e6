package store

import (
	"context"
	"embed"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/atmx/race-engine/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts and prices are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return nil, errors.Wrapf(err, "apply %s", name)
		}
	}
	return names, nil
}

// --- Tracks ---

func (s *PostgresStore) CreateTrack(ctx context.Context, t *model.Track) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tracks (id, owner, bet_amount, max_players, duration_seconds, state, start_time, players)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8)`,
		t.ID, t.Owner, t.BetAmount.String(), t.MaxPlayers, t.DurationSeconds,
		string(t.State), t.StartTime, roster(t),
	)
	if isUniqueViolation(err) {
		return errors.Wrapf(model.ErrAlreadyExists, "track %s", t.ID)
	}
	return errors.WithStack(err)
}

const selectTrack = `SELECT id, owner, bet_amount::TEXT, max_players, duration_seconds, state, start_time, players FROM tracks`

func (s *PostgresStore) GetTrack(ctx context.Context, id string) (*model.Track, error) {
	t, err := scanTrack(s.pool.QueryRow(ctx, selectTrack+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(model.ErrNotFound, "track %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get track %s", id)
	}
	return t, nil
}

func (s *PostgresStore) ListTracks(ctx context.Context) ([]model.Track, error) {
	rows, err := s.pool.Query(ctx, selectTrack+` ORDER BY seq`)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var tracks []model.Track
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		tracks = append(tracks, *t)
	}
	return tracks, errors.WithStack(rows.Err())
}

func (s *PostgresStore) UpdateTrack(ctx context.Context, t *model.Track) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tracks SET state = $2, start_time = $3, duration_seconds = $4, players = $5
		 WHERE id = $1`,
		t.ID, string(t.State), t.StartTime, t.DurationSeconds, roster(t),
	)
	if err != nil {
		return errors.Wrapf(err, "update track %s", t.ID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(model.ErrNotFound, "track %s", t.ID)
	}
	return nil
}

// roster returns the players as a non-nil slice; pgx encodes a nil slice as
// NULL, which the NOT NULL column rejects.
func roster(t *model.Track) []string {
	if t.Players == nil {
		return []string{}
	}
	return t.Players
}

func scanTrack(row pgx.Row) (*model.Track, error) {
	var t model.Track
	var bet, state string
	if err := row.Scan(&t.ID, &t.Owner, &bet, &t.MaxPlayers, &t.DurationSeconds,
		&state, &t.StartTime, &t.Players); err != nil {
		return nil, err
	}
	t.State = model.TrackState(state)
	t.BetAmount, _ = decimal.NewFromString(bet)
	if t.Players == nil {
		t.Players = []string{}
	}
	return &t, nil
}

// --- Portfolios ---

func (s *PostgresStore) SetPortfolio(ctx context.Context, p *model.Portfolio) error {
	assets := make([]string, len(p.Allocations))
	weights := make([]string, len(p.Allocations))
	for i, a := range p.Allocations {
		assets[i] = a.Asset
		weights[i] = strconv.FormatUint(a.Weight, 10)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO portfolios (track_id, actor, assets, weights)
		 VALUES ($1, $2, $3, $4::NUMERIC[])
		 ON CONFLICT (track_id, actor) DO UPDATE SET assets = EXCLUDED.assets, weights = EXCLUDED.weights`,
		p.TrackID, p.Actor, assets, weights,
	)
	return errors.Wrapf(err, "set portfolio %s/%s", p.TrackID, p.Actor)
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, trackID, actor string) (*model.Portfolio, error) {
	var assets, weights []string
	err := s.pool.QueryRow(ctx,
		`SELECT assets, weights::TEXT[] FROM portfolios WHERE track_id = $1 AND actor = $2`,
		trackID, actor).Scan(&assets, &weights)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(model.ErrNotFound, "portfolio %s/%s", trackID, actor)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get portfolio %s/%s", trackID, actor)
	}
	if len(assets) != len(weights) {
		return nil, errors.Errorf("portfolio %s/%s: %d assets, %d weights", trackID, actor, len(assets), len(weights))
	}

	p := &model.Portfolio{TrackID: trackID, Actor: actor, Allocations: make([]model.Allocation, len(assets))}
	for i := range assets {
		w, err := strconv.ParseUint(weights[i], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "portfolio %s/%s weight %d", trackID, actor, i)
		}
		p.Allocations[i] = model.Allocation{Asset: assets[i], Weight: w}
	}
	return p, nil
}

// --- Escrow ---

func (s *PostgresStore) InsertDeposit(ctx context.Context, e *model.EscrowEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO escrow_entries (track_id, actor, amount) VALUES ($1, $2, $3::NUMERIC)`,
		e.TrackID, e.Actor, e.Amount.String(),
	)
	if isUniqueViolation(err) {
		return errors.Wrapf(model.ErrAlreadyExists, "deposit %s/%s", e.TrackID, e.Actor)
	}
	return errors.WithStack(err)
}

func (s *PostgresStore) DeleteDeposit(ctx context.Context, trackID, actor string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM escrow_entries WHERE track_id = $1 AND actor = $2 AND NOT withdrawn`,
		trackID, actor)
	if err != nil {
		return errors.Wrapf(err, "delete deposit %s/%s", trackID, actor)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetDeposit(ctx, trackID, actor); err != nil {
			return err
		}
		return errors.Wrapf(model.ErrAlreadyWithdrawn, "deposit %s/%s", trackID, actor)
	}
	return nil
}

const selectDeposit = `SELECT track_id, actor, amount::TEXT, withdrawn, paid::TEXT FROM escrow_entries`

func (s *PostgresStore) GetDeposit(ctx context.Context, trackID, actor string) (*model.EscrowEntry, error) {
	e, err := scanDeposit(s.pool.QueryRow(ctx,
		selectDeposit+` WHERE track_id = $1 AND actor = $2`, trackID, actor))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(model.ErrNotFound, "deposit %s/%s", trackID, actor)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get deposit %s/%s", trackID, actor)
	}
	return e, nil
}

func (s *PostgresStore) ListDeposits(ctx context.Context, trackID string) ([]model.EscrowEntry, error) {
	rows, err := s.pool.Query(ctx, selectDeposit+` WHERE track_id = $1 ORDER BY seq`, trackID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var entries []model.EscrowEntry
	for rows.Next() {
		e, err := scanDeposit(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		entries = append(entries, *e)
	}
	return entries, errors.WithStack(rows.Err())
}

// Withdraw locks the row for the lifetime of the transaction; the flag is
// committed only after transfer succeeded.
func (s *PostgresStore) Withdraw(ctx context.Context, trackID, actor string, amount decimal.Decimal, transfer func(context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer tx.Rollback(ctx)

	var withdrawn bool
	err = tx.QueryRow(ctx,
		`SELECT withdrawn FROM escrow_entries WHERE track_id = $1 AND actor = $2 FOR UPDATE`,
		trackID, actor).Scan(&withdrawn)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(model.ErrNotFound, "deposit %s/%s", trackID, actor)
	}
	if err != nil {
		return errors.WithStack(err)
	}
	if withdrawn {
		return errors.Wrapf(model.ErrAlreadyWithdrawn, "deposit %s/%s", trackID, actor)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE escrow_entries SET withdrawn = TRUE, paid = $3::NUMERIC WHERE track_id = $1 AND actor = $2`,
		trackID, actor, amount.String()); err != nil {
		return errors.WithStack(err)
	}
	if err := transfer(ctx); err != nil {
		return err
	}
	return errors.WithStack(tx.Commit(ctx))
}

func scanDeposit(row pgx.Row) (*model.EscrowEntry, error) {
	var e model.EscrowEntry
	var amount, paid string
	if err := row.Scan(&e.TrackID, &e.Actor, &amount, &e.Withdrawn, &paid); err != nil {
		return nil, err
	}
	e.Amount, _ = decimal.NewFromString(amount)
	e.Paid, _ = decimal.NewFromString(paid)
	return &e, nil
}

// --- Rates ---

func (s *PostgresStore) InsertRates(ctx context.Context, points []model.RatePoint) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer tx.Rollback(ctx)

	for _, p := range points {
		tag, err := tx.Exec(ctx,
			`INSERT INTO rate_points (asset, time, price) VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (asset, time) DO NOTHING`,
			p.Asset, p.Time, p.Price.String())
		if err != nil {
			return errors.Wrapf(err, "insert rate %s@%d", p.Asset, p.Time)
		}
		if tag.RowsAffected() == 1 {
			continue
		}

		// Key already present: identical rewrites are no-ops.
		var existing string
		if err := tx.QueryRow(ctx,
			`SELECT price::TEXT FROM rate_points WHERE asset = $1 AND time = $2`,
			p.Asset, p.Time).Scan(&existing); err != nil {
			return errors.WithStack(err)
		}
		price, _ := decimal.NewFromString(existing)
		if !price.Equal(p.Price) {
			return errors.Wrapf(model.ErrAlreadyExists,
				"rate %s@%d is %s, refusing %s", p.Asset, p.Time, price, p.Price)
		}
	}
	return errors.WithStack(tx.Commit(ctx))
}

func (s *PostgresStore) GetRateAt(ctx context.Context, asset string, t int64) (*model.RatePoint, error) {
	p := model.RatePoint{Asset: asset}
	var price string
	err := s.pool.QueryRow(ctx,
		`SELECT time, price::TEXT FROM rate_points
		 WHERE asset = $1 AND time <= $2
		 ORDER BY time DESC LIMIT 1`, asset, t).Scan(&p.Time, &price)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(model.ErrNotFound, "rate %s at or before %d", asset, t)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get rate %s@%d", asset, t)
	}
	p.Price, _ = decimal.NewFromString(price)
	return &p, nil
}

// --- Settlements ---

func (s *PostgresStore) SaveSettlement(ctx context.Context, st *model.Settlement) error {
	data, err := json.Marshal(st)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO settlements (track_id, outcome, settled_at) VALUES ($1, $2, $3)
		 ON CONFLICT (track_id) DO UPDATE SET outcome = EXCLUDED.outcome, settled_at = EXCLUDED.settled_at`,
		st.TrackID, data, st.SettledAt)
	return errors.Wrapf(err, "save settlement %s", st.TrackID)
}

func (s *PostgresStore) GetSettlement(ctx context.Context, trackID string) (*model.Settlement, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT outcome FROM settlements WHERE track_id = $1`, trackID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(model.ErrNotFound, "settlement %s", trackID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get settlement %s", trackID)
	}
	var st model.Settlement
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errors.WithStack(err)
	}
	return &st, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
