// Package escrow holds per-track stakes and performs exactly-once payouts.
//
// The vault only tracks who is owed what. Moving value is delegated to a
// Transferer, the external balance-transfer service.
package escrow

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/race-engine/internal/metrics"
	"github.com/atmx/race-engine/internal/model"
	"github.com/atmx/race-engine/internal/store"
)

// Transferer moves value to an actor's external balance. A transfer whose ID
// was already applied must be acknowledged without moving value again: a
// payout whose bookkeeping failed after the transfer is retried with the same
// ID.
type Transferer interface {
	Transfer(ctx context.Context, t model.Transfer) error
}

var payoutSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("race-engine/payout"))

// TransferID is the stable transfer ID of the payout to actor for a track.
func TransferID(trackID, actor string) string {
	return uuid.NewSHA1(payoutSpace, []byte(trackID+"\x00"+actor)).String()
}

// Vault is the EscrowVault.
type Vault struct {
	store     store.EscrowStore
	transfers Transferer
	log       *zap.Logger
}

// NewVault creates a vault over an escrow store.
func NewVault(es store.EscrowStore, transfers Transferer, log *zap.Logger) *Vault {
	if log == nil {
		log = zap.NewNop()
	}
	return &Vault{store: es, transfers: transfers, log: log}
}

// Deposit records a stake. Nothing can be withdrawn before settlement.
func (v *Vault) Deposit(ctx context.Context, trackID, actor string, amount decimal.Decimal) error {
	if err := model.ValidateAmount(amount); err != nil {
		return err
	}
	return v.store.InsertDeposit(ctx, &model.EscrowEntry{
		TrackID: trackID,
		Actor:   actor,
		Amount:  amount,
	})
}

// Revert undoes a deposit whose enclosing operation failed afterwards.
func (v *Vault) Revert(ctx context.Context, trackID, actor string) error {
	if err := v.store.DeleteDeposit(ctx, trackID, actor); err != nil {
		return err
	}
	v.log.Warn("deposit reverted", zap.String("track", trackID), zap.String("actor", actor))
	return nil
}

// Payout transfers amount to actor and marks the entry withdrawn in one
// step. A second payout for the same (track, actor) fails with
// model.ErrAlreadyWithdrawn and moves nothing.
func (v *Vault) Payout(ctx context.Context, trackID, actor string, amount decimal.Decimal) (*model.Transfer, error) {
	if err := model.ValidateAmount(amount); err != nil {
		return nil, err
	}
	t := model.Transfer{
		ID:      TransferID(trackID, actor),
		TrackID: trackID,
		Actor:   actor,
		Amount:  amount,
	}
	err := v.store.Withdraw(ctx, trackID, actor, amount, func(ctx context.Context) error {
		return errors.Wrapf(v.transfers.Transfer(ctx, t), "transfer %s", t.ID)
	})
	if err != nil {
		return nil, err
	}

	metrics.Payouts.Inc()
	v.log.Info("payout",
		zap.String("transfer_id", t.ID),
		zap.String("track", trackID),
		zap.String("actor", actor),
		zap.String("amount", amount.String()),
	)
	return &t, nil
}

// GetDepo returns the amount actor deposited into the track, zero if none.
func (v *Vault) GetDepo(ctx context.Context, trackID, actor string) (decimal.Decimal, error) {
	e, err := v.store.GetDeposit(ctx, trackID, actor)
	if errors.Is(err, model.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return e.Amount, nil
}

// Withdrawn reports whether actor was already paid for the track.
func (v *Vault) Withdrawn(ctx context.Context, trackID, actor string) (bool, error) {
	e, err := v.store.GetDeposit(ctx, trackID, actor)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.Withdrawn, nil
}

// Pot is the total staked into the track.
func (v *Vault) Pot(ctx context.Context, trackID string) (decimal.Decimal, error) {
	entries, err := v.store.ListDeposits(ctx, trackID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total, nil
}
