package kv

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"

	base "github.com/amirimatin/go-replica/pkg/state"
)

var (
	ErrEmptyKey  = errors.New("kv: empty key")
	ErrUnknownOp = errors.New("kv: unknown op")
)

const (
	OpPut    = "put"
	OpDelete = "delete"
)

// Command is the payload of a write transaction.
type Command struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// Encode returns the JSON form of c.
func (c Command) Encode() ([]byte, error) { return json.Marshal(c) }

// Put and Delete build encoded commands.
func Put(key, value string) ([]byte, error) { return Command{Op: OpPut, Key: key, Value: value}.Encode() }
func Delete(key string) ([]byte, error)     { return Command{Op: OpDelete, Key: key}.Encode() }

// Result is what Apply returns, JSON encoded.
type Result struct {
	Revision uint64 `json:"revision"`
	Existed  bool   `json:"existed"`
	Prev     string `json:"prev,omitempty"`
}

// State is an in-memory key/value map with a revision bumped on every
// successful apply.
type State struct {
	mu       sync.RWMutex
	data     map[string]string
	revision uint64
}

func New() *State { return &State{data: make(map[string]string)} }

func (s *State) Apply(cmd []byte) ([]byte, error) {
	var c Command
	if err := json.Unmarshal(cmd, &c); err != nil {
		return nil, errors.Wrap(err, "kv: decode command")
	}
	if c.Key == "" {
		return nil, ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.data[c.Key]
	switch c.Op {
	case OpPut:
		s.data[c.Key] = c.Value
	case OpDelete:
		delete(s.data, c.Key)
	default:
		return nil, errors.Wrapf(ErrUnknownOp, "%q", c.Op)
	}
	s.revision++
	return json.Marshal(Result{Revision: s.revision, Existed: existed, Prev: prev})
}

// Get returns the value stored under key.
func (s *State) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *State) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

type entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type snapshot struct {
	Version  int     `json:"version"`
	Revision uint64  `json:"revision"`
	Entries  []entry `json:"entries"`
}

// Snapshot encodes state as a stable JSON for ease of debugging/migration.
func (s *State) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := make([]entry, 0, len(s.data))
	for k, v := range s.data {
		arr = append(arr, entry{Key: k, Value: v})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].Key < arr[j].Key })
	return json.Marshal(snapshot{Version: 1, Revision: s.revision, Entries: arr})
}

func (s *State) Restore(buf []byte) error {
	var snap snapshot
	if err := json.Unmarshal(buf, &snap); err != nil {
		return err
	}
	if snap.Version != 1 {
		return errors.Errorf("kv: unsupported snapshot version %d", snap.Version)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]string, len(snap.Entries))
	for _, e := range snap.Entries {
		if e.Key == "" {
			continue
		}
		s.data[e.Key] = e.Value
	}
	s.revision = snap.Revision
	return nil
}

var _ base.Machine = (*State)(nil)
