package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/race-engine/internal/model"
)

// testStoreContract exercises the behavior every Store implementation shares.
// IDs are namespaced per call so it can run against a persistent database.
func testStoreContract(t *testing.T, s Store) {
	ns := uuid.NewString()[:8]
	id := func(name string) string { return ns + "-" + name }
	ctx := context.Background()

	t.Run("sponsored track with empty roster", func(t *testing.T) {
		tr := &model.Track{
			ID:              id("sponsored"),
			Owner:           "backend",
			BetAmount:       decimal.NewFromInt(5),
			MaxPlayers:      3,
			DurationSeconds: 30,
			State:           model.StateCreated,
			Players:         []string{},
		}
		require.NoError(t, s.CreateTrack(ctx, tr))

		got, err := s.GetTrack(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StateCreated, got.State)
		assert.NotNil(t, got.Players)
		assert.Empty(t, got.Players)
		assert.True(t, got.BetAmount.Equal(decimal.NewFromInt(5)))

		got.State = model.StateOpen
		got.Players = append(got.Players, "alice")
		require.NoError(t, s.UpdateTrack(ctx, got))
		got, err = s.GetTrack(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, got.Players)
	})

	t.Run("nil roster is stored as empty", func(t *testing.T) {
		tr := &model.Track{ID: id("nil-roster"), Owner: "backend", BetAmount: decimal.NewFromInt(1), MaxPlayers: 2, DurationSeconds: 1, State: model.StateCreated}
		require.NoError(t, s.CreateTrack(ctx, tr))
		require.NoError(t, s.UpdateTrack(ctx, tr))

		got, err := s.GetTrack(ctx, tr.ID)
		require.NoError(t, err)
		assert.NotNil(t, got.Players)
		assert.Empty(t, got.Players)
	})

	t.Run("track errors", func(t *testing.T) {
		tr := &model.Track{ID: id("dup"), Owner: "alice", BetAmount: decimal.NewFromInt(1), MaxPlayers: 2, DurationSeconds: 1, State: model.StateOpen, Players: []string{"alice"}}
		require.NoError(t, s.CreateTrack(ctx, tr))
		assert.ErrorIs(t, s.CreateTrack(ctx, tr), model.ErrAlreadyExists)

		_, err := s.GetTrack(ctx, id("missing"))
		assert.ErrorIs(t, err, model.ErrNotFound)
		assert.ErrorIs(t, s.UpdateTrack(ctx, &model.Track{ID: id("missing")}), model.ErrNotFound)
	})

	t.Run("portfolio replace", func(t *testing.T) {
		tr := &model.Track{ID: id("pf"), Owner: "alice", BetAmount: decimal.NewFromInt(1), MaxPlayers: 2, DurationSeconds: 1, State: model.StateOpen, Players: []string{"alice"}}
		require.NoError(t, s.CreateTrack(ctx, tr))

		_, err := s.GetPortfolio(ctx, tr.ID, "alice")
		assert.ErrorIs(t, err, model.ErrNotFound)

		require.NoError(t, s.SetPortfolio(ctx, &model.Portfolio{TrackID: tr.ID, Actor: "alice", Allocations: []model.Allocation{{Asset: "btc", Weight: 1}, {Asset: "eth", Weight: 3}}}))
		require.NoError(t, s.SetPortfolio(ctx, &model.Portfolio{TrackID: tr.ID, Actor: "alice", Allocations: []model.Allocation{{Asset: "eth", Weight: 18446744073709551615}}}))

		p, err := s.GetPortfolio(ctx, tr.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, []model.Allocation{{Asset: "eth", Weight: 18446744073709551615}}, p.Allocations)
	})

	t.Run("withdraw exactly once", func(t *testing.T) {
		track := id("escrow")
		require.NoError(t, s.InsertDeposit(ctx, &model.EscrowEntry{TrackID: track, Actor: "alice", Amount: decimal.NewFromInt(10)}))
		require.NoError(t, s.InsertDeposit(ctx, &model.EscrowEntry{TrackID: track, Actor: "bob", Amount: decimal.NewFromInt(10)}))
		assert.ErrorIs(t, s.InsertDeposit(ctx, &model.EscrowEntry{TrackID: track, Actor: "alice", Amount: decimal.NewFromInt(10)}), model.ErrAlreadyExists)

		boom := errors.New("boom")
		err := s.Withdraw(ctx, track, "alice", decimal.NewFromInt(20), func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
		e, err := s.GetDeposit(ctx, track, "alice")
		require.NoError(t, err)
		assert.False(t, e.Withdrawn, "failed transfer leaves the entry unpaid")

		calls := 0
		transfer := func(context.Context) error { calls++; return nil }
		require.NoError(t, s.Withdraw(ctx, track, "alice", decimal.NewFromInt(20), transfer))
		assert.ErrorIs(t, s.Withdraw(ctx, track, "alice", decimal.NewFromInt(20), transfer), model.ErrAlreadyWithdrawn)
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, s.Withdraw(ctx, track, "carol", decimal.Zero, transfer), model.ErrNotFound)

		e, err = s.GetDeposit(ctx, track, "alice")
		require.NoError(t, err)
		assert.True(t, e.Withdrawn)
		assert.True(t, e.Paid.Equal(decimal.NewFromInt(20)))

		assert.ErrorIs(t, s.DeleteDeposit(ctx, track, "alice"), model.ErrAlreadyWithdrawn)
		assert.ErrorIs(t, s.DeleteDeposit(ctx, track, "carol"), model.ErrNotFound)
		require.NoError(t, s.DeleteDeposit(ctx, track, "bob"))

		entries, err := s.ListDeposits(ctx, track)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "alice", entries[0].Actor)
	})

	t.Run("rates are write-once", func(t *testing.T) {
		btc, eth := id("btc"), id("eth")
		require.NoError(t, s.InsertRates(ctx, []model.RatePoint{
			{Asset: btc, Time: 100, Price: decimal.NewFromInt(10)},
			{Asset: btc, Time: 200, Price: decimal.NewFromInt(20)},
		}))
		require.NoError(t, s.InsertRates(ctx, []model.RatePoint{{Asset: btc, Time: 100, Price: decimal.NewFromInt(10)}}), "identical rewrite")

		err := s.InsertRates(ctx, []model.RatePoint{
			{Asset: eth, Time: 100, Price: decimal.NewFromInt(1)},
			{Asset: btc, Time: 200, Price: decimal.NewFromInt(21)},
		})
		assert.ErrorIs(t, err, model.ErrAlreadyExists)
		_, err = s.GetRateAt(ctx, eth, 100)
		assert.ErrorIs(t, err, model.ErrNotFound, "rejected batch writes nothing")

		_, err = s.GetRateAt(ctx, btc, 99)
		assert.ErrorIs(t, err, model.ErrNotFound)
		for at, want := range map[int64]int64{100: 10, 150: 10, 200: 20, 1000: 20} {
			p, err := s.GetRateAt(ctx, btc, at)
			require.NoError(t, err)
			assert.True(t, p.Price.Equal(decimal.NewFromInt(want)), "at %d got %s", at, p.Price)
		}
	})

	t.Run("settlement upsert", func(t *testing.T) {
		tr := &model.Track{ID: id("settle"), Owner: "alice", BetAmount: decimal.NewFromInt(1), MaxPlayers: 2, DurationSeconds: 1, State: model.StateEnded, Players: []string{"alice", "bob"}}
		require.NoError(t, s.CreateTrack(ctx, tr))

		_, err := s.GetSettlement(ctx, tr.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)

		require.NoError(t, s.SaveSettlement(ctx, &model.Settlement{ID: "s1", TrackID: tr.ID, Winners: []string{"bob"}, Pending: true}))
		got, err := s.GetSettlement(ctx, tr.ID)
		require.NoError(t, err)
		assert.True(t, got.Pending)

		require.NoError(t, s.SaveSettlement(ctx, &model.Settlement{ID: "s1", TrackID: tr.ID, Winners: []string{"bob"}, SettledAt: 7}))
		got, err = s.GetSettlement(ctx, tr.ID)
		require.NoError(t, err)
		assert.False(t, got.Pending)
		assert.Equal(t, []string{"bob"}, got.Winners)
		assert.Equal(t, int64(7), got.SettledAt)
	})
}
