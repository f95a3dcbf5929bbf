// Package cmeta persists the consensus metadata of a node: its peer identity
// and the committed quorum.
package cmeta

import (
	"encoding/json"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"

	"github.com/amirimatin/go-replica/pkg/consensus"
	"github.com/amirimatin/go-replica/pkg/storage"
)

// recordKey is the StableStore key holding the JSON record.
var recordKey = []byte("cmeta")

const recordVersion = 1

// Record is the persisted shape.
type Record struct {
	Version         int              `json:"version"`
	PeerUUID        string           `json:"peer_uuid"`
	CommittedQuorum consensus.Quorum `json:"committed_quorum"`
}

// Metadata is the in-memory copy of a Record plus the store it flushes to.
// It is not safe for concurrent use; the consensus engine serializes access
// under its ordering lock.
type Metadata struct {
	store raft.StableStore
	rec   Record
}

// Create writes a fresh record and returns it. It fails if q is invalid.
func Create(store raft.StableStore, peerUUID string, q consensus.Quorum) (*Metadata, error) {
	if peerUUID == "" {
		return nil, errors.New("cmeta: empty peer uuid")
	}
	if err := consensus.VerifyQuorum(q); err != nil {
		return nil, errors.Wrap(err, "cmeta: initial quorum")
	}
	m := &Metadata{store: store, rec: Record{Version: recordVersion, PeerUUID: peerUUID, CommittedQuorum: q.Clone()}}
	if err := m.Flush(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load reads the record. It returns an error wrapping consensus.ErrNotFound
// when the store holds none.
func Load(store raft.StableStore) (*Metadata, error) {
	b, err := store.Get(recordKey)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, errors.WithStack(consensus.ErrNotFound)
		}
		return nil, errors.Wrap(err, "cmeta: read")
	}
	if len(b) == 0 {
		return nil, errors.WithStack(consensus.ErrNotFound)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, errors.Wrap(err, "cmeta: decode")
	}
	if rec.Version != recordVersion {
		return nil, errors.Errorf("cmeta: unsupported record version %d", rec.Version)
	}
	return &Metadata{store: store, rec: rec}, nil
}

// LoadOrCreate loads the record, creating it from initial when absent.
func LoadOrCreate(store raft.StableStore, peerUUID string, initial consensus.Quorum) (*Metadata, bool, error) {
	m, err := Load(store)
	if err == nil {
		return m, false, nil
	}
	if !errors.Is(err, consensus.ErrNotFound) {
		return nil, false, err
	}
	m, err = Create(store, peerUUID, initial)
	return m, true, err
}

// InitialLocalQuorum is the quorum a brand new single node starts from. The
// engine promotes the peer to leader when it starts.
func InitialLocalQuorum(peerUUID, addr string) consensus.Quorum {
	return consensus.Quorum{
		Peers: []consensus.Peer{{UUID: peerUUID, Addr: addr, Role: consensus.RoleFollower}},
		Seqno: 0,
		Local: true,
	}
}

func (m *Metadata) PeerUUID() string { return m.rec.PeerUUID }

// CommittedQuorum returns a copy of the committed quorum.
func (m *Metadata) CommittedQuorum() consensus.Quorum { return m.rec.CommittedQuorum.Clone() }

// SetCommittedQuorum replaces the in-memory quorum. Call Flush to persist.
func (m *Metadata) SetCommittedQuorum(q consensus.Quorum) { m.rec.CommittedQuorum = q.Clone() }

// Flush durably writes the whole record.
func (m *Metadata) Flush() error {
	b, err := json.Marshal(m.rec)
	if err != nil {
		return errors.Wrap(err, "cmeta: encode")
	}
	if err := m.store.Set(recordKey, b); err != nil {
		return errors.Wrap(err, "cmeta: flush")
	}
	return nil
}
