package domain

import "errors"

var (
	ErrNotFound            = errors.New("product not found")
	ErrNoActiveTransaction = errors.New("no active transaction")
	ErrVersionConflict     = errors.New("optimistic lock conflict")
	// ErrInconsistentState is returned when a copy is no longer tracked by its scope.
	ErrInconsistentState   = errors.New("product is not tracked by the transaction")
	ErrLockTimeout         = errors.New("lock wait timeout")
	ErrReadOnlyTransaction = errors.New("write attempted in read-only transaction")
)
