package namespace

import "errors"

// Failure modes every namespace operation can surface.
var (
	ErrLabelCheckFailed  = errors.New("namespace: label check failed")
	ErrNotFound          = errors.New("namespace: not found")
	ErrAlreadyExists     = errors.New("namespace: already exists")
	ErrWrongKind         = errors.New("namespace: wrong entity kind")
	ErrBackingStoreError = errors.New("namespace: backing store error")
)
