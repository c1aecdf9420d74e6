package escrow

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/atmx/race-engine/internal/model"
)

// Book is an in-memory Transferer that credits actor balances. It stands in
// for the external ledger in development and tests.
type Book struct {
	mu        sync.RWMutex
	balances  map[string]decimal.Decimal
	transfers []model.Transfer
	seen      map[string]decimal.Decimal
}

// NewBook creates an empty balance book.
func NewBook() *Book {
	return &Book{
		balances: make(map[string]decimal.Decimal),
		seen:     make(map[string]decimal.Decimal),
	}
}

// Transfer credits t.Amount to t.Actor. Replaying a transfer ID is a no-op;
// replaying it with a different amount fails with model.ErrAlreadyExists.
func (b *Book) Transfer(_ context.Context, t model.Transfer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if amount, ok := b.seen[t.ID]; ok {
		if !amount.Equal(t.Amount) {
			return errors.Wrapf(model.ErrAlreadyExists, "transfer %s was %s", t.ID, amount)
		}
		return nil
	}
	b.seen[t.ID] = t.Amount
	b.balances[t.Actor] = b.balances[t.Actor].Add(t.Amount)
	b.transfers = append(b.transfers, t)
	return nil
}

// Balance returns the credited balance of actor.
func (b *Book) Balance(actor string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[actor]
}

// Transfers returns every transfer in execution order.
func (b *Book) Transfers() []model.Transfer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]model.Transfer(nil), b.transfers...)
}
