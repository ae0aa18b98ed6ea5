package obss

import "github.com/pkg/errors"

// Sentinel error kinds, checked at call sites with
// errors.Cause(err) == obss.ErrSafetyVeto.
var (
	// ErrSafetyVeto is the cause attached to a forced park+abort triggered
	// by a pointing excursion or below-horizon arrival.
	ErrSafetyVeto = errors.New("obss: safety veto")
	// ErrRejected is the cause for a command refused by state
	// preconditions, e.g. slewto while plan_now is running.
	ErrRejected = errors.New("obss: command rejected by state precondition")
)
