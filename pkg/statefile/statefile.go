// Package statefile persists JSON state files with a snapshot-before-write
// discipline: every mutating save first copies the pre-write bytes to a
// snapshot file and verifies the snapshot actually differs from the new
// content before the live file is replaced.
package statefile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrCorrupt is returned when a state file exists but fails structural
	// validation. Callers must treat this as fatal rather than starting with
	// a partially loaded map.
	ErrCorrupt = errors.New("state file failed validation")

	// ErrStaleSnapshot is returned when a mutating save would leave the
	// snapshot byte-identical to the new live content. That means the
	// snapshot was taken after the in-memory mutation and the pre-change
	// state is about to be lost.
	ErrStaleSnapshot = errors.New("snapshot identical to new state after mutation")
)

// SnapshotSuffix is appended to the live file name for the pre-write copy.
const SnapshotSuffix = ".snapshot"

// Validator checks the decoded value for structural problems. Returning an
// error aborts the load with ErrCorrupt.
type Validator[T any] func(*T) error

// File is a JSON-backed state file holding one value of type T.
// It is not safe for concurrent use; callers serialize access (the identity
// store and room manager both keep a single-writer lock above this).
type File[T any] struct {
	path     string
	validate Validator[T]
}

func New[T any](path string, validate Validator[T]) *File[T] {
	return &File[T]{path: path, validate: validate}
}

// Path returns the live file path.
func (f *File[T]) Path() string {
	return f.path
}

// SnapshotPath returns the path the pre-write snapshot is kept at.
func (f *File[T]) SnapshotPath() string {
	return f.path + SnapshotSuffix
}

// Load reads and validates the live file. The boolean is false when the file
// does not exist yet.
func (f *File[T]) Load() (*T, bool, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", f.path, err)
	}
	var value T
	if err = json.Unmarshal(raw, &value); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, f.path, err)
	}
	if f.validate != nil {
		if err = f.validate(&value); err != nil {
			return nil, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, f.path, err)
		}
	}
	return &value, true, nil
}

// Save persists value. The current live bytes (the pre-mutation state) are
// copied to the snapshot path first, then the new content is written to a
// temp file and renamed over the live file. If the write changed anything,
// the snapshot must differ from the new content; an identical snapshot means
// the caller snapshotted post-mutation state and Save fails without touching
// the live file.
func (f *File[T]) Save(value *T) error {
	newRaw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.path, err)
	}
	newRaw = append(newRaw, '\n')

	oldRaw, err := os.ReadFile(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read pre-write state %s: %w", f.path, err)
	}

	if oldRaw != nil {
		if bytes.Equal(oldRaw, newRaw) {
			// Nothing changed, leave both files alone.
			return nil
		}
		if err = os.WriteFile(f.SnapshotPath(), oldRaw, 0o600); err != nil {
			return fmt.Errorf("write snapshot %s: %w", f.SnapshotPath(), err)
		}
		snapRaw, err := os.ReadFile(f.SnapshotPath())
		if err != nil {
			return fmt.Errorf("verify snapshot %s: %w", f.SnapshotPath(), err)
		}
		if bytes.Equal(snapRaw, newRaw) {
			return fmt.Errorf("%w: %s", ErrStaleSnapshot, f.SnapshotPath())
		}
	}

	if err = os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err = os.WriteFile(tmp, newRaw, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace %s: %w", f.path, err)
	}
	return nil
}
