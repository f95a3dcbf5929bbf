package node

import "github.com/pkg/errors"

var (
	ErrNotStarted   = errors.New("node: not started")
	ErrStopped      = errors.New("node: stopped")
	ErrPeerMismatch = errors.New("node: peer uuid does not match stored metadata")
	ErrNotLeader    = errors.New("node: not leader")
)
