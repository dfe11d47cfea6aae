package ax25

import "errors"

// Sentinel errors composing ax25.DecodeError's taxonomy (spec §7).
var (
	ErrTooShort       = errors.New("ax25: frame too short")
	ErrBadAddress     = errors.New("ax25: malformed address")
	ErrControlAmbig   = errors.New("ax25: control byte extension ambiguous outside session context")
	ErrNoLastAddrBit  = errors.New("ax25: no address carries the last-address bit")
	ErrTooManyRepeat  = errors.New("ax25: more than 8 digipeater addresses")
)

// DecodeError wraps a decode failure with the original byte count, so
// callers can log malformed frames without losing size context.
type DecodeError struct {
	Err       error
	ByteCount int
}

func (e *DecodeError) Error() string {
	return e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
