package consensus

import (
	"fmt"
	"sync"
)

type slotState uint8

const (
	slotAbsent slotState = iota
	slotPresent
	slotTransferred
)

// callbackSlot holds a callback until it is handed off exactly once.
type callbackSlot struct {
	state slotState
	cb    StatusCallback
}

func newCallbackSlot(cb StatusCallback) callbackSlot {
	if cb == nil {
		return callbackSlot{state: slotAbsent}
	}
	return callbackSlot{state: slotPresent, cb: cb}
}

// take moves the callback out. The slot keeps no reference afterwards.
func (s *callbackSlot) take() (StatusCallback, bool) {
	if s.state != slotPresent {
		return nil, false
	}
	cb := s.cb
	s.cb = nil
	s.state = slotTransferred
	return cb, true
}

// Round bundles one REPLICATE, later one COMMIT, and the callbacks that fire
// when each becomes durable. A Round is driven by one transaction; the mutex
// only protects the hand-off between the caller and the engine.
type Round struct {
	mu        sync.Mutex
	replicate *Operation
	commit    *Operation
	reserved  bool

	replicateCB callbackSlot
	commitCB    callbackSlot
}

// NewRound creates a round for op. Either callback may be nil.
func NewRound(op *Operation, onReplicated, onCommitted StatusCallback) *Round {
	if op == nil || op.Type != OpReplicate || op.Replicate == nil {
		panic("consensus: NewRound requires a REPLICATE operation")
	}
	return &Round{
		replicate:   op,
		replicateCB: newCallbackSlot(onReplicated),
		commitCB:    newCallbackSlot(onCommitted),
	}
}

func (r *Round) ReplicateOp() *Operation { return r.replicate }

func (r *Round) CommitOp() *Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commit
}

// ID is the op id assigned to the round's REPLICATE, zero until assigned.
func (r *Round) ID() OpID { return r.replicate.ID }

// MarkReplicateReserved records that the REPLICATE has an id and a log slot.
// Consensus implementations call it right after reserving.
func (r *Round) MarkReplicateReserved() {
	r.mu.Lock()
	r.reserved = true
	r.mu.Unlock()
}

func (r *Round) ReplicateReserved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserved
}

// SetCommitOp attaches the COMMIT. It panics if the REPLICATE has not been
// reserved yet, if a COMMIT is already set, or if op does not reference this
// round's REPLICATE.
func (r *Round) SetCommitOp(op *Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.reserved {
		panic("consensus: commit set before the replicate was reserved")
	}
	if r.commit != nil {
		panic("consensus: round already has a commit")
	}
	if op == nil || op.Type != OpCommit || op.Commit == nil {
		panic("consensus: SetCommitOp requires a COMMIT operation")
	}
	if op.Commit.CommittedID != r.replicate.ID {
		panic(fmt.Sprintf("consensus: commit references %s, round replicated %s",
			op.Commit.CommittedID, r.replicate.ID))
	}
	r.commit = op
}

// ReleaseReplicateCallback transfers the replicate callback to the caller.
// The second return is false if there was none or it was already taken.
func (r *Round) ReleaseReplicateCallback() (StatusCallback, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replicateCB.take()
}

// ReleaseCommitCallback transfers the commit callback to the caller. Once
// fired it may free the transaction that owns this round, so the round must
// not hold it past this call.
func (r *Round) ReleaseCommitCallback() (StatusCallback, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitCB.take()
}

// HasCommitCallback reports whether the commit callback is still held.
func (r *Round) HasCommitCallback() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitCB.state == slotPresent
}

func (r *Round) HasReplicateCallback() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replicateCB.state == slotPresent
}
