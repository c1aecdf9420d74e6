package settlement

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/atmx/race-engine/internal/model"
)

type priceKey struct {
	asset string
	at    int64
}

// compute scores every player of t between its start time and evalAt.
func (e *Engine) compute(ctx context.Context, t *model.Track, evalAt int64) (*model.Settlement, error) {
	s := &model.Settlement{
		TrackID:     t.ID,
		StartTime:   t.StartTime,
		EvaluatedAt: evalAt,
		Scores:      make([]model.Score, 0, len(t.Players)),
		Winners:     []string{},
		Reward:      decimal.Zero,
		Dust:        decimal.Zero,
	}

	prices := make(map[priceKey]decimal.Decimal)
	price := func(asset string, at int64) (decimal.Decimal, error) {
		k := priceKey{asset, at}
		if p, ok := prices[k]; ok {
			return p, nil
		}
		p, err := e.rates.GetRate(ctx, at, asset)
		if errors.Is(err, model.ErrNotFound) {
			return decimal.Zero, errors.Wrapf(model.ErrOracleDataMissing, "track %s: no %s price at or before %d", t.ID, asset, at)
		}
		if err != nil {
			return decimal.Zero, err
		}
		prices[k] = p
		return p, nil
	}

	for _, actor := range t.Players {
		p, err := e.portfolios.GetPortfolio(ctx, t.ID, actor)
		if err != nil {
			return nil, err
		}
		sc := model.Score{Actor: actor, Value: decimal.Zero, Qualified: !p.Empty()}
		for _, a := range p.Allocations {
			start, err := price(a.Asset, t.StartTime)
			if err != nil {
				return nil, err
			}
			end, err := price(a.Asset, evalAt)
			if err != nil {
				return nil, err
			}
			sc.Value = sc.Value.Add(Return(start, end).Mul(model.WeightDecimal(a.Weight)))
		}
		s.Scores = append(s.Scores, sc)
	}

	s.Winners = Winners(s.Scores)

	pot, err := e.escrow.Pot(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	s.Pot = pot
	if len(s.Winners) == 0 {
		s.Refund = true
		return s, nil
	}
	s.Reward, s.Dust = Split(pot, len(s.Winners))
	return s, nil
}

// Return is the relative price change from start to end at Scale places.
// start must be positive.
func Return(start, end decimal.Decimal) decimal.Decimal {
	return end.Sub(start).DivRound(start, Scale)
}

// Winners returns every qualified actor holding the maximum score, in the
// order given. Ties are all winners.
func Winners(scores []model.Score) []string {
	var best *decimal.Decimal
	for i := range scores {
		if !scores[i].Qualified {
			continue
		}
		if best == nil || scores[i].Value.GreaterThan(*best) {
			v := scores[i].Value
			best = &v
		}
	}
	winners := []string{}
	if best == nil {
		return winners
	}
	for _, sc := range scores {
		if sc.Qualified && sc.Value.Equal(*best) {
			winners = append(winners, sc.Actor)
		}
	}
	return winners
}

// Split divides pot between n winners by integer division. The remainder is
// returned as dust.
func Split(pot decimal.Decimal, n int) (reward, dust decimal.Decimal) {
	return pot.QuoRem(decimal.NewFromInt(int64(n)), 0)
}
