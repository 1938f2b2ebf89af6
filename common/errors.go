package common

import "github.com/pingcap/errors"

var (
	ErrKeyNotFound = errors.New("key not found")

	ErrClosed        = errors.New("storage engine closed")
	ErrKeyEmpty      = errors.New("key cannot be empty")
	ErrKeyTooLarge   = errors.New("key exceeds 65535 bytes")
	ErrValueTooLarge = errors.New("value exceeds 65535 bytes")
	ErrValueEmpty    = errors.New("value cannot be empty, use Delete")

	// ErrCorruption is returned when a checksum or length prefix does not
	// match the bytes on disk.
	ErrCorruption = errors.New("data corruption detected")

	// ErrTxnConflict is recoverable: retry the transaction with a fresh read timestamp.
	ErrTxnConflict    = errors.New("transaction conflict")
	ErrTxnCommitted   = errors.New("transaction already committed")
	ErrReadTsTooNew   = errors.New("read timestamp is newer than the latest commit")
	ErrSnapshotTooOld = errors.New("read timestamp is below the garbage collection horizon")

	ErrInvalidConfig = errors.New("invalid config")
)
