package session

import (
	"errors"
	"fmt"
)

var (
	// ErrDecoding is returned for any malformed, truncated or corrupted encoding
	ErrDecoding = errors.New("malformed session encoding")
	// ErrBaseMismatch is returned when a delta is applied to a session at another version
	ErrBaseMismatch = errors.New("delta base version does not match session version")
)

func decodingError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecoding, fmt.Sprintf(format, args...))
}
