package call

import "errors"

var (
	// ErrBusy rejects a second outgoing call while any session is live.
	ErrBusy = errors.New("call: another call is already active")

	// ErrNoSession means the operation needs a live session and there is none.
	ErrNoSession = errors.New("call: no active call")

	// ErrBadState means the operation is not legal in the current phase,
	// e.g. accepting a call that is not ringing.
	ErrBadState = errors.New("call: operation not valid in current state")

	// ErrManagerClosed is returned once Close has run.
	ErrManagerClosed = errors.New("call: manager closed")
)
