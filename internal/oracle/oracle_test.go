package oracle

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/race-engine/internal/model"
	"github.com/atmx/race-engine/internal/store"
)

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func newOracle() *Oracle {
	return New(store.NewMemoryStore(), nil)
}

func TestSetRates_GetRate(t *testing.T) {
	o := newOracle()
	ctx := context.Background()

	require.NoError(t, o.SetRates(ctx, 1531222330, []string{"btc", "eth"}, []decimal.Decimal{d(2000000), d(120000)}))

	price, err := o.GetRate(ctx, 1531222330, "btc")
	require.NoError(t, err)
	assert.True(t, price.Equal(d(2000000)), "got %s", price)

	prices, err := o.GetRates(ctx, 1531222330, []string{"btc", "eth"})
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.True(t, prices[0].Equal(d(2000000)))
	assert.True(t, prices[1].Equal(d(120000)))
}

func TestGetRate_LatestAtOrBefore(t *testing.T) {
	o := newOracle()
	ctx := context.Background()

	require.NoError(t, o.SetRates(ctx, 100, []string{"btc"}, []decimal.Decimal{d(10)}))
	require.NoError(t, o.SetRates(ctx, 300, []string{"btc"}, []decimal.Decimal{d(30)}))
	// Backfill between existing points.
	require.NoError(t, o.SetRates(ctx, 200, []string{"btc"}, []decimal.Decimal{d(20)}))

	tests := []struct {
		name string
		at   int64
		want int64
	}{
		{"exact first", 100, 10},
		{"between first and second", 150, 10},
		{"exact backfill", 200, 20},
		{"just before last", 299, 20},
		{"exact last", 300, 30},
		{"after last never extrapolates", 10_000, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, err := o.GetRate(ctx, tt.at, "btc")
			require.NoError(t, err)
			assert.True(t, price.Equal(d(tt.want)), "at %d: got %s want %d", tt.at, price, tt.want)
		})
	}
}

func TestGetRate_BeforeAnyPointIsNotFound(t *testing.T) {
	o := newOracle()
	ctx := context.Background()
	require.NoError(t, o.SetRates(ctx, 100, []string{"btc"}, []decimal.Decimal{d(10)}))

	_, err := o.GetRate(ctx, 99, "btc")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = o.GetRate(ctx, 100, "doge")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestGetRates_FailsAsWhole(t *testing.T) {
	o := newOracle()
	ctx := context.Background()
	require.NoError(t, o.SetRates(ctx, 100, []string{"btc"}, []decimal.Decimal{d(10)}))

	prices, err := o.GetRates(ctx, 100, []string{"btc", "eth"})
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Nil(t, prices)
}

func TestSetRates_Validation(t *testing.T) {
	tests := []struct {
		name   string
		assets []string
		prices []decimal.Decimal
	}{
		{"length mismatch", []string{"btc", "eth"}, []decimal.Decimal{d(1)}},
		{"empty asset", []string{""}, []decimal.Decimal{d(1)}},
		{"asset too long", []string{"0123456789abcdef0123456789abcdefX"}, []decimal.Decimal{d(1)}},
		{"zero price", []string{"btc"}, []decimal.Decimal{d(0)}},
		{"negative price", []string{"btc"}, []decimal.Decimal{d(-5)}},
		{"fractional price", []string{"btc"}, []decimal.Decimal{decimal.RequireFromString("1.5")}},
		{"duplicate asset", []string{"btc", "btc"}, []decimal.Decimal{d(1), d(2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newOracle().SetRates(context.Background(), 1, tt.assets, tt.prices)
			assert.ErrorIs(t, err, model.ErrValueMismatch)
		})
	}
}

func TestSetRates_WriteOnce(t *testing.T) {
	o := newOracle()
	ctx := context.Background()
	require.NoError(t, o.SetRates(ctx, 100, []string{"btc"}, []decimal.Decimal{d(10)}))

	// Identical rewrite is an idempotent no-op.
	require.NoError(t, o.SetRates(ctx, 100, []string{"btc"}, []decimal.Decimal{d(10)}))

	// Conflicting rewrite fails and does not apply the rest of the batch.
	err := o.SetRates(ctx, 100, []string{"eth", "btc"}, []decimal.Decimal{d(7), d(11)})
	assert.ErrorIs(t, err, model.ErrAlreadyExists)

	price, err := o.GetRate(ctx, 100, "btc")
	require.NoError(t, err)
	assert.True(t, price.Equal(d(10)))

	_, err = o.GetRate(ctx, 100, "eth")
	assert.ErrorIs(t, err, model.ErrNotFound, "eth must not be written by a failed batch")
}
