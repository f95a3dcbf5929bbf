// Package local implements consensus for a quorum of exactly one peer. Every
// operation is logged locally and considered replicated once durable; there
// is no election and no peer traffic.
package local

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"

	"github.com/amirimatin/go-replica/pkg/cmeta"
	"github.com/amirimatin/go-replica/pkg/consensus"
	obsmetrics "github.com/amirimatin/go-replica/pkg/observability/metrics"
)

// Phase is the engine lifecycle position.
type Phase int32

const (
	PhaseUninitialized Phase = iota
	PhaseConfiguring
	PhaseRunning
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseConfiguring:
		return "configuring"
	case PhaseRunning:
		return "running"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// Engine is the single-node Consensus implementation.
type Engine struct {
	peerUUID string
	log      consensus.OpLog
	factory  consensus.TransactionFactory
	logger   *zap.Logger

	// mu orders op-id assignment with log reservation and guards the
	// committed quorum.
	mu        deadlock.Mutex
	phase     Phase
	nextIndex int64
	meta      *cmeta.Metadata

	shutdown atomic.Bool

	// sized, when set, runs after an operation's size is computed and
	// before the ordering lock is taken.
	sized func(*consensus.Operation)
}

var (
	_ consensus.Consensus       = (*Engine)(nil)
	_ consensus.QuorumPersister = (*Engine)(nil)
	_ consensus.StatusDumper    = (*Engine)(nil)
)

// New returns an uninitialized engine.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.PeerUUID == "":
		return nil, errors.New("local: empty peer uuid")
	case opts.Metadata == nil:
		return nil, errors.New("local: nil metadata")
	case opts.Log == nil:
		return nil, errors.New("local: nil log")
	case opts.Factory == nil:
		return nil, errors.New("local: nil transaction factory")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		peerUUID:  opts.PeerUUID,
		log:       opts.Log,
		factory:   opts.Factory,
		logger:    opts.Logger.Named("consensus"),
		meta:      opts.Metadata,
		nextIndex: -1,
	}, nil
}

// Start validates the committed quorum, resumes op-id assignment after
// info.LastID and submits a config change making this peer leader. It must
// be called once.
func (e *Engine) Start(info consensus.BootstrapInfo) error {
	e.mu.Lock()
	if e.phase != PhaseUninitialized {
		phase := e.phase
		e.mu.Unlock()
		panic(fmt.Sprintf("local: Start called in phase %s", phase))
	}
	committed := e.meta.CommittedQuorum()
	if err := e.verifyLocal(committed); err != nil {
		e.mu.Unlock()
		return errors.Wrap(err, "local: committed quorum")
	}
	e.nextIndex = info.LastID.Index + 1

	next := committed.Clone()
	next.Peers[0].Role = consensus.RoleLeader
	next.Seqno = committed.Seqno + 1

	e.phase = PhaseRunning
	obsmetrics.NextOpIndex.Set(float64(e.nextIndex))
	e.mu.Unlock()

	// The factory calls Replicate, which takes mu.
	onDone := func(err error) {
		if err != nil {
			e.logger.Warn("leader config change failed", zap.Error(err))
		}
	}
	if err := e.factory.SubmitConfigChange(next, onDone); err != nil {
		return errors.Wrap(err, "local: submit config change")
	}
	e.logger.Info("started",
		zap.String("peer", e.peerUUID),
		zap.Int64("next_index", info.LastID.Index+1),
		zap.Int64("quorum_seqno", next.Seqno),
		zap.Int("orphaned_replicates", len(info.OrphanedReplicates)))
	return nil
}

func (e *Engine) verifyLocal(q consensus.Quorum) error {
	if !q.Local {
		return errors.Wrap(consensus.ErrInvalidQuorum, "not a local quorum")
	}
	if err := consensus.VerifyQuorum(q); err != nil {
		return err
	}
	if q.Peers[0].UUID != e.peerUUID {
		return errors.Wrapf(consensus.ErrInvalidQuorum, "peer %s is not this node (%s)", q.Peers[0].UUID, e.peerUUID)
	}
	return nil
}

// Replicate assigns the round's REPLICATE the next op id, reserves its log
// slot under the same lock and hands it to the log. The round's replicate
// callback fires once the entry is durable.
func (e *Engine) Replicate(round *consensus.Round) error {
	if round == nil {
		panic("local: Replicate with nil round")
	}
	op := round.ReplicateOp()
	if round.ReplicateReserved() || !op.ID.IsZero() {
		panic(fmt.Sprintf("local: Replicate of a round already assigned %s", op.ID))
	}
	op.ID.Term = 0
	_ = op.ByteSize()
	if e.sized != nil {
		e.sized(op)
	}

	e.mu.Lock()
	if e.phase < PhaseConfiguring {
		e.mu.Unlock()
		panic("local: Replicate before Start")
	}
	op.ID.Index = e.nextIndex
	e.nextIndex++
	res, err := e.log.Reserve(consensus.NewBatch(op))
	next := e.nextIndex
	e.mu.Unlock()
	obsmetrics.NextOpIndex.Set(float64(next))
	if err != nil {
		return errors.Wrapf(err, "local: reserve %s", op.ID)
	}
	round.MarkReplicateReserved()

	cb, _ := round.ReleaseReplicateCallback()
	if err := e.log.AsyncAppend(res, cb); err != nil {
		return errors.Wrapf(err, "local: append %s", op.ID)
	}
	obsmetrics.OpsReplicated.WithLabelValues(op.Replicate.Kind.String()).Inc()
	return nil
}

// Commit logs the round's COMMIT. The commit callback is taken out of the
// round before anything else so the round never fires it, whatever the
// outcome of this call.
func (e *Engine) Commit(round *consensus.Round) error {
	if round == nil {
		panic("local: Commit with nil round")
	}
	op := round.CommitOp()
	if op == nil || op.Type != consensus.OpCommit || op.Commit == nil {
		panic("local: Commit requires a COMMIT operation")
	}
	cb, _ := round.ReleaseCommitCallback()
	_ = op.ByteSize()

	e.mu.Lock()
	res, err := e.log.Reserve(consensus.NewBatch(op))
	e.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "local: reserve commit of %s", op.Commit.CommittedID)
	}
	if err := e.log.AsyncAppend(res, cb); err != nil {
		return errors.Wrapf(err, "local: append commit of %s", op.Commit.CommittedID)
	}
	obsmetrics.OpsCommitted.WithLabelValues(op.Commit.Outcome.String()).Inc()
	return nil
}

// PersistQuorum replaces the committed quorum and flushes it. A seqno that
// does not strictly increase is a fatal invariant violation.
func (e *Engine) PersistQuorum(q consensus.Quorum) error {
	if err := consensus.VerifyQuorum(q); err != nil {
		return errors.Wrap(err, "local: persist quorum")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.meta.CommittedQuorum()
	if q.Seqno <= old.Seqno {
		e.logger.Panic("quorum seqnos not monotonic",
			zap.Stringer("old", old),
			zap.Stringer("new", q))
	}
	e.meta.SetCommittedQuorum(q)
	if err := e.meta.Flush(); err != nil {
		return err
	}
	obsmetrics.QuorumSeqno.Set(float64(q.Seqno))
	obsmetrics.ConfigChanges.Inc()
	if q.Peers[0].Role == consensus.RoleLeader {
		obsmetrics.IsLeader.Set(1)
	} else {
		obsmetrics.IsLeader.Set(0)
	}
	e.logger.Info("persisted quorum", zap.Int64("seqno", q.Seqno), zap.Stringer("role", q.Peers[0].Role))
	return nil
}

// Role is the role of the committed quorum's only peer.
func (e *Engine) Role() consensus.Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.meta.CommittedQuorum()
	if len(q.Peers) == 0 {
		return consensus.RoleUnknown
	}
	return q.Peers[0].Role
}

// Quorum returns a copy of the committed quorum.
func (e *Engine) Quorum() consensus.Quorum {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meta.CommittedQuorum()
}

func (e *Engine) Update(*consensus.UpdateRequest) (*consensus.UpdateResponse, error) {
	return nil, errors.Wrap(consensus.ErrNotSupported, "local consensus does not accept updates")
}

func (e *Engine) RequestVote(*consensus.VoteRequest) (*consensus.VoteResponse, error) {
	return nil, errors.Wrap(consensus.ErrNotSupported, "local consensus does not hold elections")
}

// Shutdown has no durable effect. It is safe to call more than once.
func (e *Engine) Shutdown() {
	if e.shutdown.CompareAndSwap(false, true) {
		e.logger.Debug("shutdown")
	}
}
