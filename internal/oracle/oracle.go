// Package oracle implements the time-indexed price oracle races are scored
// against. It is populated passively by an external feeder and answers
// "latest known price no later than T" queries; it never interpolates and
// never extrapolates forward.
package oracle

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/race-engine/internal/metrics"
	"github.com/atmx/race-engine/internal/model"
	"github.com/atmx/race-engine/internal/store"
)

// Oracle is the RateOracle. It has no relationship to tracks; many tracks
// share one price history.
type Oracle struct {
	store store.RateStore
	log   *zap.Logger
}

// New creates an oracle over a rate store.
func New(rs store.RateStore, log *zap.Logger) *Oracle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Oracle{store: rs, log: log}
}

// SetRates records one price per named asset at time t. The call is
// all-or-nothing: on any validation or conflict error nothing is written.
func (o *Oracle) SetRates(ctx context.Context, t int64, assets []string, prices []decimal.Decimal) error {
	if len(assets) != len(prices) {
		return errors.Wrapf(model.ErrValueMismatch, "%d assets, %d prices", len(assets), len(prices))
	}

	points := make([]model.RatePoint, len(assets))
	seen := make(map[string]bool, len(assets))
	for i, name := range assets {
		if err := model.ValidateAssetName(name); err != nil {
			return err
		}
		if seen[name] {
			return errors.Wrapf(model.ErrValueMismatch, "asset %s listed twice", name)
		}
		seen[name] = true
		if err := model.ValidatePrice(prices[i]); err != nil {
			return errors.WithMessagef(err, "asset %s", name)
		}
		points[i] = model.RatePoint{Asset: name, Time: t, Price: prices[i]}
	}

	if err := o.store.InsertRates(ctx, points); err != nil {
		return err
	}

	metrics.RatePointsTotal.Add(float64(len(points)))
	o.log.Debug("rates set", zap.Int64("time", t), zap.Strings("assets", assets))
	return nil
}

// GetRate returns the latest stored price for asset with key time <= t.
func (o *Oracle) GetRate(ctx context.Context, t int64, asset string) (decimal.Decimal, error) {
	p, err := o.store.GetRateAt(ctx, asset, t)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			metrics.RateMisses.Inc()
		}
		return decimal.Zero, err
	}
	return p.Price, nil
}

// GetRates is the vectorized GetRate. It fails as a whole if any asset has
// no price at or before t.
func (o *Oracle) GetRates(ctx context.Context, t int64, assets []string) ([]decimal.Decimal, error) {
	prices := make([]decimal.Decimal, len(assets))
	for i, asset := range assets {
		p, err := o.GetRate(ctx, t, asset)
		if err != nil {
			return nil, err
		}
		prices[i] = p
	}
	return prices, nil
}
