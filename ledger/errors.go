/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Validation outcomes that callers must branch on are structured types
  that unwrap to a sentinel, so handlers can use errors.Is / errors.As.

ERROR CATEGORIES:
  1. Not found - customer, session or transaction row is missing
  2. Business rule - insufficient balance, invalid session state, limits
  3. Conflict - idempotency key reuse, lost compare-and-set races

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) {
      var ib *ledger.InsufficientBalanceError
      errors.As(err, &ib)
      // ib.Deficit
  }

SEE ALSO:
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCustomerNotFound is returned when no customer row exists for an
	// address. A known customer with no funds gets a zero balance instead.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrCustomerExists is returned when creating a customer twice.
	ErrCustomerExists = errors.New("customer already exists")

	// ErrSessionNotFound is returned when a redemption session ID is unknown.
	ErrSessionNotFound = errors.New("redemption session not found")

	// ErrTransactionNotFound is returned when a ledger row ID is unknown.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrInsufficientBalance is returned when an amount exceeds the
	// available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidState is returned when a session or transaction is not in
	// the state an operation requires.
	ErrInvalidState = errors.New("invalid state")

	// ErrConcurrentModification is returned by the store when a
	// compare-and-set loses a race.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is returned when a transaction with the
	// same idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInvalidAmount is returned for zero, negative or malformed amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrShopMismatch is returned when a shop acts on another shop's session.
	ErrShopMismatch = errors.New("session belongs to a different shop")

	// ErrCustomerMismatch is returned when a customer acts on another
	// customer's session.
	ErrCustomerMismatch = errors.New("session belongs to a different customer")

	// ErrEarningLimitExceeded is returned when a reward would push daily or
	// monthly earnings past the configured limit.
	ErrEarningLimitExceeded = errors.New("earning limit exceeded")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	Address   Address
	SessionID SessionID
	Available Amount
	Requested Amount
	Deficit   Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, deficit %s",
		e.Available, e.Requested, e.Deficit)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// InvalidStateError reports the state a session was actually in.
type InvalidStateError struct {
	SessionID SessionID
	Status    SessionStatus
	Expected  SessionStatus
}

func (e *InvalidStateError) Error() string {
	if e.Status == SessionUsed {
		return fmt.Sprintf("session %s already used", e.SessionID)
	}
	return fmt.Sprintf("session %s is %s, expected %s", e.SessionID, e.Status, e.Expected)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// EarningLimitError reports which limit a reward would exceed.
type EarningLimitError struct {
	Address   Address
	Window    string // "daily" or "monthly"
	Limit     Amount
	Current   Amount
	Requested Amount
}

func (e *EarningLimitError) Error() string {
	return fmt.Sprintf("%s earning limit %s reached: earned %s, reward %s",
		e.Window, e.Limit, e.Current, e.Requested)
}

func (e *EarningLimitError) Unwrap() error {
	return ErrEarningLimitExceeded
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrShopMismatch) ||
		errors.Is(err, ErrCustomerMismatch)
}

// IsConflict returns true if the request lost to the current stored state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrCustomerExists)
}

// IsUnprocessable returns true for business-rule rejections.
func IsUnprocessable(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrEarningLimitExceeded)
}
