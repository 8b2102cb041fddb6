package pvdec

import "errors"

var (
	// ErrInvalidParameters reports a nil or out-of-range argument.
	ErrInvalidParameters = errors.New("pvdec: invalid parameters")
	// ErrNotInitialised reports access to a closed device, or a write while clocks are gated.
	ErrNotInitialised = errors.New("pvdec: not initialised")
	// ErrFatal reports hardware that did not respond as structurally required.
	ErrFatal = errors.New("pvdec: fatal hardware error")
	// ErrTimeout reports a bounded poll that ran out before reaching its condition.
	ErrTimeout = errors.New("pvdec: timeout")
)
