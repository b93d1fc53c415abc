package ledger

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes ledger and ingestion errors.
type ErrorCode string

const (
	// ErrCodeTransientFetch indicates a retryable fetch failure
	// (network error, timeout, rate limit, 5xx).
	ErrCodeTransientFetch ErrorCode = "TRANSIENT_FETCH"

	// ErrCodePermanentFetch indicates a non-retryable fetch failure
	// (404/410 and other terminal provider responses).
	ErrCodePermanentFetch ErrorCode = "PERMANENT_FETCH"

	// ErrCodeHashCollision indicates two different payloads produced the
	// same content hash. Fatal: requires manual audit, never silently
	// resolved.
	ErrCodeHashCollision ErrorCode = "HASH_COLLISION"

	// ErrCodeChainIntegrity indicates a supersession was attempted against
	// a stale latest pointer. Resolved by re-running ingestion against the
	// now-current latest version.
	ErrCodeChainIntegrity ErrorCode = "CHAIN_INTEGRITY"
)

// LedgerError is a structured error carrying the taxonomy code plus the
// chain coordinates it concerns.
type LedgerError struct {
	Code       ErrorCode
	Message    string
	EmployeeID string
	Endpoint   string
	HTTPStatus int
	Err        error
}

func (e *LedgerError) Error() string {
	if e.EmployeeID != "" && e.Endpoint != "" {
		return fmt.Sprintf("%s: %s (employee=%s, endpoint=%s)", e.Code, e.Message, e.EmployeeID, e.Endpoint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// NewTransientFetchError wraps a retryable provider failure.
func NewTransientFetchError(employeeID, endpoint string, status int, err error) *LedgerError {
	return &LedgerError{
		Code:       ErrCodeTransientFetch,
		Message:    "transient fetch failure",
		EmployeeID: employeeID,
		Endpoint:   endpoint,
		HTTPStatus: status,
		Err:        err,
	}
}

// NewPermanentFetchError wraps a terminal provider failure.
func NewPermanentFetchError(employeeID, endpoint string, status int, err error) *LedgerError {
	return &LedgerError{
		Code:       ErrCodePermanentFetch,
		Message:    "permanent fetch failure",
		EmployeeID: employeeID,
		Endpoint:   endpoint,
		HTTPStatus: status,
		Err:        err,
	}
}

// NewHashCollisionError reports two distinct payloads hashing identically.
func NewHashCollisionError(employeeID, endpoint, hash string) *LedgerError {
	return &LedgerError{
		Code:       ErrCodeHashCollision,
		Message:    fmt.Sprintf("distinct payloads share content hash %s", hash),
		EmployeeID: employeeID,
		Endpoint:   endpoint,
	}
}

// NewChainIntegrityError reports a supersession attempted against a stale
// latest pointer.
func NewChainIntegrityError(employeeID, endpoint, staleID string) *LedgerError {
	return &LedgerError{
		Code:       ErrCodeChainIntegrity,
		Message:    fmt.Sprintf("version %s is no longer latest", staleID),
		EmployeeID: employeeID,
		Endpoint:   endpoint,
	}
}

// codeOf extracts the taxonomy code from a possibly wrapped error.
func codeOf(err error) (ErrorCode, bool) {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Code, true
	}
	return "", false
}

// IsTransientFetch reports whether err is a retryable fetch failure.
func IsTransientFetch(err error) bool {
	code, ok := codeOf(err)
	return ok && code == ErrCodeTransientFetch
}

// IsPermanentFetch reports whether err is a terminal fetch failure.
func IsPermanentFetch(err error) bool {
	code, ok := codeOf(err)
	return ok && code == ErrCodePermanentFetch
}

// IsHashCollision reports whether err is a hash collision.
func IsHashCollision(err error) bool {
	code, ok := codeOf(err)
	return ok && code == ErrCodeHashCollision
}

// IsChainIntegrity reports whether err is a stale-latest supersession.
func IsChainIntegrity(err error) bool {
	code, ok := codeOf(err)
	return ok && code == ErrCodeChainIntegrity
}
