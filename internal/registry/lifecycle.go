package registry

import (
	"context"

	"github.com/pkg/errors"
	"github.com/qmuntal/stateless"

	"github.com/atmx/race-engine/internal/model"
)

// Lifecycle triggers.
const (
	triggerJoin   = "join"
	triggerStart  = "start"
	triggerFinish = "finish"
	triggerSettle = "settle"
)

// lifecycle binds a state machine to a track value. The machine reads and
// writes t.State directly; callers persist t afterwards.
//
//	created --join--> open --join--> open (until full)
//	open --start (full)--> running --finish (elapsed)--> ended --settle--> settled
func lifecycle(t *model.Track) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return t.State, nil
		},
		func(_ context.Context, s stateless.State) error {
			t.State = s.(model.TrackState)
			return nil
		},
		stateless.FiringImmediate,
	)

	notFull := func(_ context.Context, _ ...interface{}) bool { return !t.Full() }
	full := func(_ context.Context, _ ...interface{}) bool { return t.Full() }
	elapsed := func(_ context.Context, args ...interface{}) bool {
		if len(args) == 0 {
			return false
		}
		now, ok := args[0].(int64)
		return ok && t.Elapsed(now)
	}

	sm.Configure(model.StateCreated).
		Permit(triggerJoin, model.StateOpen, notFull)
	sm.Configure(model.StateOpen).
		PermitReentry(triggerJoin, notFull).
		Permit(triggerStart, model.StateRunning, full)
	sm.Configure(model.StateRunning).
		Permit(triggerFinish, model.StateEnded, elapsed)
	sm.Configure(model.StateEnded).
		Permit(triggerSettle, model.StateSettled)

	return sm
}

// fire applies trigger to t. Any rejected transition surfaces as
// model.ErrInvalidState.
func fire(ctx context.Context, t *model.Track, trigger string, args ...interface{}) error {
	from := t.State
	if err := lifecycle(t).FireCtx(ctx, trigger, args...); err != nil {
		t.State = from
		return errors.Wrapf(model.ErrInvalidState, "track %s: cannot %s while %s", t.ID, trigger, from)
	}
	return nil
}
