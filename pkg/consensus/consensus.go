package consensus

import "io"

// StatusCallback is invoked once with the outcome of an asynchronous step,
// nil on success. It must not assume it runs on the caller's goroutine.
type StatusCallback func(err error)

// BootstrapInfo describes what log recovery found before the engine starts.
type BootstrapInfo struct {
	// LastID is the highest REPLICATE op id present in the log.
	LastID OpID
	// LastCommittedID is the highest op id referenced by a COMMIT in the log.
	LastCommittedID OpID
	// OrphanedReplicates are REPLICATE operations without a matching COMMIT.
	OrphanedReplicates []*Operation
}

// Consensus is the contract shared by the single-node engine and any
// multi-node implementation. Replicate and Commit return once the operation
// is accepted for durable logging; the round's callbacks report durability.
type Consensus interface {
	Start(info BootstrapInfo) error
	Replicate(round *Round) error
	Commit(round *Round) error
	Update(req *UpdateRequest) (*UpdateResponse, error)
	RequestVote(req *VoteRequest) (*VoteResponse, error)
	Role() Role
	Quorum() Quorum
	Shutdown()
}

// QuorumPersister is implemented by engines that own the committed quorum.
// Config-change transactions call it when their REPLICATE becomes durable.
type QuorumPersister interface {
	PersistQuorum(q Quorum) error
}

// StatusDumper is an optional diagnostic capability.
type StatusDumper interface {
	DumpStatusHTML(w io.Writer)
}
