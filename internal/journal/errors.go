package journal

// ============================================================================
// Journal Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksumMismatch indicates a record whose checksum does not match its fields
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrCorrupted indicates a line that is not a valid record
	ErrCorrupted = errors.New("journal: file is corrupted")

	// ErrClosed indicates the journal is closed
	ErrClosed = errors.New("journal: already closed")
)

// ChecksumError represents a checksum failure with detailed information
type ChecksumError struct {
	Seq      uint64 // Sequence number of failed record
	Expected uint32 // Checksum computed from the fields
	Actual   uint32 // Checksum stored in the record
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError represents a line that could not be decoded
type CorruptionError struct {
	Line  int   // 1-based line number
	Cause error // Underlying decode error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() []error {
	return []error{ErrCorrupted, e.Cause}
}
