package cmeta

import (
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-replica/pkg/consensus"
)

func TestLoadOrCreate(t *testing.T) {
	store := raft.NewInmemStore()

	_, err := Load(store)
	require.ErrorIs(t, err, consensus.ErrNotFound)

	m, created, err := LoadOrCreate(store, "p1", InitialLocalQuorum("p1", "127.0.0.1:1"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "p1", m.PeerUUID())

	m2, created, err := LoadOrCreate(store, "ignored", InitialLocalQuorum("ignored", ""))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "p1", m2.PeerUUID())
	require.Equal(t, m.CommittedQuorum(), m2.CommittedQuorum())
}

func TestCreate_RejectsInvalidQuorum(t *testing.T) {
	_, err := Create(raft.NewInmemStore(), "p1", consensus.Quorum{Local: true})
	require.ErrorIs(t, err, consensus.ErrInvalidQuorum)
	_, err = Create(raft.NewInmemStore(), "", InitialLocalQuorum("p1", ""))
	require.Error(t, err)
}

func TestFlush_PersistsReplacement(t *testing.T) {
	store := raft.NewInmemStore()
	m, err := Create(store, "p1", InitialLocalQuorum("p1", ""))
	require.NoError(t, err)

	q := m.CommittedQuorum()
	q.Seqno = 1
	q.Peers[0].Role = consensus.RoleLeader
	m.SetCommittedQuorum(q)

	// Not yet flushed.
	before, err := Load(store)
	require.NoError(t, err)
	require.Equal(t, int64(0), before.CommittedQuorum().Seqno)

	require.NoError(t, m.Flush())
	after, err := Load(store)
	require.NoError(t, err)
	require.Equal(t, q, after.CommittedQuorum())
}

func TestLoad_RejectsUnknownVersion(t *testing.T) {
	store := raft.NewInmemStore()
	require.NoError(t, store.Set(recordKey, []byte(`{"version":99,"peer_uuid":"p1"}`)))
	_, err := Load(store)
	require.Error(t, err)
}
