package consensus

import "github.com/pkg/errors"

var (
	// ErrInvalidQuorum reports a quorum that failed structural validation.
	ErrInvalidQuorum = errors.New("consensus: invalid quorum")
	// ErrNotSupported is returned by operations a variant does not implement.
	ErrNotSupported = errors.New("consensus: not supported")
	// ErrNotFound reports absent consensus metadata.
	ErrNotFound = errors.New("consensus: metadata not found")
)
