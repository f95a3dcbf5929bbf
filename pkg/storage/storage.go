package storage

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/pkg/errors"
)

// Engine selects a storage backend.
type Engine string

const (
	EngineBolt   Engine = "bolt"
	EnginePebble Engine = "pebble"
	EngineMemory Engine = "memory"
)

// Options selects and locates the backend.
type Options struct {
	Engine Engine
	// Dir holds the backend's files. Ignored for EngineMemory.
	Dir string
}

// Store bundles the log and metadata stores of one node. Bolt and pebble
// serve both from a single database.
type Store struct {
	Logs   raft.LogStore
	Stable raft.StableStore
	close  func() error
}

// Open creates or opens the backend described by opts.
func Open(opts Options) (*Store, error) {
	switch opts.Engine {
	case EngineMemory:
		m := raft.NewInmemStore()
		return &Store{Logs: m, Stable: m, close: func() error { return nil }}, nil
	case EngineBolt, "":
		if err := mkdir(opts.Dir); err != nil {
			return nil, err
		}
		b, err := raftboltdb.NewBoltStore(filepath.Join(opts.Dir, "replica.db"))
		if err != nil {
			return nil, errors.Wrap(err, "storage: open bolt")
		}
		return &Store{Logs: b, Stable: b, close: b.Close}, nil
	case EnginePebble:
		if err := mkdir(opts.Dir); err != nil {
			return nil, err
		}
		p, err := NewPebbleStore(filepath.Join(opts.Dir, "pebble"))
		if err != nil {
			return nil, err
		}
		return &Store{Logs: p, Stable: p, close: p.Close}, nil
	default:
		return nil, errors.Errorf("storage: unknown engine %q", opts.Engine)
	}
}

// Close releases the backend.
func (s *Store) Close() error {
	if s.close == nil {
		return nil
	}
	err := s.close()
	s.close = nil
	return err
}

// IsNotFound reports a missing StableStore key. Bolt and the in-memory
// store both signal it with a plain "not found" error.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrKeyNotFound) || err.Error() == "not found"
}

func mkdir(dir string) error {
	if dir == "" {
		return errors.New("storage: empty data dir")
	}
	return os.MkdirAll(dir, 0o755)
}
