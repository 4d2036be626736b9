package statestore

import (
	"errors"
	"fmt"
	"io/fs"
)

// ErrNotFound is returned by Load when no document (and no recoverable
// backup, if recovery was requested) exists for the given name.
var ErrNotFound = errors.New("state document not found")

// CorruptionError reports a document whose on-disk bytes no longer match
// their recorded checksum, or which cannot be parsed at all.
type CorruptionError struct {
	Name   string
	Path   string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("state %q corrupted (%s): %s", e.Name, e.Path, e.Reason)
}

// SchemaError reports a payload that failed schema validation, either on
// save or after loading and migrating.
type SchemaError struct {
	Name string
	Err  error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("state %q schema violation: %v", e.Name, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// PermissionError reports a sensitive document whose file mode is wider
// than owner read/write.
type PermissionError struct {
	Name string
	Path string
	Mode fs.FileMode
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("state %q has mode %04o, want 0600 (%s)", e.Name, e.Mode.Perm(), e.Path)
}

func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

func IsSchemaViolation(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}
