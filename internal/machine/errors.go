package machine

import "errors"

var (
	ErrInvalidProfile = errors.New("machine: invalid profile")
	ErrInvalidOptions = errors.New("machine: invalid options")
	ErrStopped        = errors.New("machine: simulation stopped")
	ErrAlreadyRunning = errors.New("machine: simulation already running")
	// ErrReadingDropped is returned by a Publisher that shed a reading
	// instead of blocking the tick loop.
	ErrReadingDropped = errors.New("publish: reading dropped")
)

// onlyDropped reports whether err, and every error joined into it, is a shed
// reading.
func onlyDropped(err error) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs := joined.Unwrap()
		for _, e := range errs {
			if !onlyDropped(e) {
				return false
			}
		}
		return len(errs) > 0
	}
	return errors.Is(err, ErrReadingDropped)
}
