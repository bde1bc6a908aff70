package memory

import "errors"

// Common errors for memory pipeline operations.
var (
	ErrMissingUserID    = errors.New("memory: user_id is required")
	ErrMissingRoleID    = errors.New("memory: role_id is required")
	ErrInvalidLevel     = errors.New("memory: invalid memory level")
	ErrInvalidBatchSize = errors.New("memory: invalid dialog batch size")
	ErrInvalidConfig    = errors.New("memory: invalid configuration")
	ErrNotFound         = errors.New("memory: not found")
	ErrEmptyBatch       = errors.New("memory: empty batch")

	// ErrAmbiguousTenantKey is returned by ParseTenantKey when an ID contains
	// the key separator, so the IDs cannot be recovered from the key.
	ErrAmbiguousTenantKey = errors.New("memory: ambiguous tenant key")
)

// IsValidation reports whether err is a caller-side validation error.
// Validation errors are rejected calls, not failures worth logging as errors.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingUserID) ||
		errors.Is(err, ErrMissingRoleID) ||
		errors.Is(err, ErrInvalidLevel) ||
		errors.Is(err, ErrInvalidBatchSize)
}
