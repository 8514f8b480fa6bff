package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrFolderNotFound  = errors.New("folder not found")
	ErrVersionConflict = errors.New("document version conflict")
)

type ErrorKind string

const (
	KindRead     ErrorKind = "read"
	KindCorrupt  ErrorKind = "corrupt"
	KindWrite    ErrorKind = "write"
	KindNotFound ErrorKind = "not_found"
)

// StorageError lets callers tell a legitimately empty mirror apart from one
// that could not be read or written.
type StorageError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err carries a StorageError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return storageErr.Kind == kind
	}
	return false
}

func wrapStorage(op string, kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return &StorageError{Kind: storageErr.Kind, Op: op, Err: storageErr.Err}
	}
	return &StorageError{Kind: kind, Op: op, Err: err}
}
