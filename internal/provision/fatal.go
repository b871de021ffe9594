package provision

import "errors"

// FatalError marks a failure that must abort the whole run instead of being
// absorbed by the retry loop: a foreign bucket owner or an unrecoverable
// setup problem. It is checked once at the top level to set the exit status.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
