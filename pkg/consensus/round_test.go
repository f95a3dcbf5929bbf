package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRound_RequiresReplicate(t *testing.T) {
	require.Panics(t, func() { NewRound(nil, nil, nil) })
	require.Panics(t, func() { NewRound(NewCommitOp(OpID{Index: 1}, OutcomeApplied, nil, nil), nil, nil) })
	require.NotPanics(t, func() { NewRound(NewReplicateOp(KindNoOp, nil), nil, nil) })
}

func TestRound_CallbackTransferredOnce(t *testing.T) {
	calls := 0
	r := NewRound(NewReplicateOp(KindWrite, []byte("x")), func(error) { calls++ }, func(error) { calls += 10 })
	require.True(t, r.HasReplicateCallback())
	require.True(t, r.HasCommitCallback())

	cb, ok := r.ReleaseReplicateCallback()
	require.True(t, ok)
	cb(nil)
	_, ok = r.ReleaseReplicateCallback()
	require.False(t, ok)
	require.False(t, r.HasReplicateCallback())

	cb, ok = r.ReleaseCommitCallback()
	require.True(t, ok)
	cb(nil)
	_, ok = r.ReleaseCommitCallback()
	require.False(t, ok)
	require.Equal(t, 11, calls)
}

func TestRound_AbsentCallbacks(t *testing.T) {
	r := NewRound(NewReplicateOp(KindWrite, nil), nil, nil)
	require.False(t, r.HasReplicateCallback())
	_, ok := r.ReleaseCommitCallback()
	require.False(t, ok)
}

func TestRound_SetCommitOpPreconditions(t *testing.T) {
	op := NewReplicateOp(KindWrite, []byte("x"))
	r := NewRound(op, nil, nil)

	// Not reserved yet.
	require.Panics(t, func() { r.SetCommitOp(NewCommitOp(OpID{}, OutcomeApplied, nil, nil)) })

	op.ID = OpID{Index: 7}
	r.MarkReplicateReserved()
	require.True(t, r.ReplicateReserved())

	require.Panics(t, func() { r.SetCommitOp(NewCommitOp(OpID{Index: 8}, OutcomeApplied, nil, nil)) })
	require.Panics(t, func() { r.SetCommitOp(NewReplicateOp(KindWrite, nil)) })

	commit := NewCommitOp(OpID{Index: 7}, OutcomeApplied, []byte("ok"), nil)
	r.SetCommitOp(commit)
	require.Same(t, commit, r.CommitOp())
	require.Panics(t, func() { r.SetCommitOp(NewCommitOp(OpID{Index: 7}, OutcomeApplied, nil, nil)) })
}
