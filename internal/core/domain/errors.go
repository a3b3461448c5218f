package domain

import "errors"

var (
	// ErrInvalidLimit marks a Limit whose values cannot be enforced. The
	// evaluator denies every request under such a limit instead of waving
	// traffic through unmetered.
	ErrInvalidLimit = errors.New("invalid rate limit")
)

func IsInvalidLimit(err error) bool {
	return errors.Is(err, ErrInvalidLimit)
}
