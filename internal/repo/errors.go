package repo

import "errors"

// Sentinel errors returned (wrapped) by every store implementation. Services
// translate them into reason codes.
var (
	// ErrNotFound: the record does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict: a compare-and-set lost because the record is no longer in the expected state
	ErrConflict = errors.New("conflict")
	// ErrAlreadyPaid: another order for the same bill is already VERIFIED
	ErrAlreadyPaid = errors.New("bill already paid")
)
