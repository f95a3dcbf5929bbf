// Package txn drives transactions through a consensus engine: it builds the
// round for each request, applies the REPLICATE once durable, logs the COMMIT
// and reports the outcome.
package txn

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/amirimatin/go-replica/pkg/consensus"
	obsmetrics "github.com/amirimatin/go-replica/pkg/observability/metrics"
)

var (
	ErrNotReady = errors.New("txn: consensus not attached")
	ErrClosed   = errors.New("txn: driver closed")
	// ErrAborted is wrapped by the error of a transaction whose COMMIT
	// recorded an aborted outcome.
	ErrAborted = errors.New("txn: aborted")
	// ErrHalted is returned for every transaction submitted after an
	// applied operation could not be committed to the log.
	ErrHalted = errors.New("txn: halted")
)

// Applier applies a durable write. It is called on the log's notifier
// goroutine, in log order, and must not block on the driver.
type Applier interface {
	Apply(cmd []byte) ([]byte, error)
}

// Options configure a Driver.
type Options struct {
	Applier Applier
	// PoolSize bounds the goroutines that finalize transactions. Zero means 64.
	PoolSize int
	// Observer, when set, receives every transaction event. Replicated
	// events are delivered from the log notifier, the rest from the
	// finalization pool; it must not block.
	Observer func(Event)
	Logger   *zap.Logger
}

// Result is the outcome of a committed transaction.
type Result struct {
	ID      consensus.OpID    `json:"id"`
	Kind    consensus.Kind    `json:"kind"`
	Outcome consensus.Outcome `json:"outcome"`
	Value   []byte            `json:"value,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type txnState struct {
	seq    uint64
	kind   consensus.Kind
	round  *consensus.Round
	start  time.Time
	onDone consensus.StatusCallback

	// written before done is closed
	result Result
	err    error
	done   chan struct{}
}

// Driver implements consensus.TransactionFactory and serves writes.
type Driver struct {
	applier  Applier
	observer func(Event)
	logger   *zap.Logger
	pool     *ants.Pool

	mu        sync.Mutex
	cons      consensus.Consensus
	persister consensus.QuorumPersister
	seq       uint64
	inflight  map[uint64]*txnState
	closed    bool
	halted    error
	wg        sync.WaitGroup
}

var _ consensus.TransactionFactory = (*Driver)(nil)

func New(opts Options) (*Driver, error) {
	if opts.Applier == nil {
		return nil, errors.New("txn: nil applier")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 64
	}
	d := &Driver{
		applier:  opts.Applier,
		observer: opts.Observer,
		logger:   opts.Logger.Named("txn"),
		inflight: make(map[uint64]*txnState),
	}
	pool, err := ants.NewPool(opts.PoolSize, ants.WithPanicHandler(func(p interface{}) {
		d.logger.Error("finalizer panicked", zap.Any("panic", p), zap.Stack("stack"))
	}))
	if err != nil {
		return nil, errors.Wrap(err, "txn: finalizer pool")
	}
	d.pool = pool
	return d, nil
}

// SetConsensus attaches the engine. The engine is built with the driver as
// its factory, so the two are wired after both exist. If cons also persists
// quorums, config changes are applied through it.
func (d *Driver) SetConsensus(cons consensus.Consensus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cons = cons
	if p, ok := cons.(consensus.QuorumPersister); ok {
		d.persister = p
	}
}

// SubmitConfigChange replicates q and persists it once durable. onDone fires
// after the COMMIT is durable, with an error if the change was rejected or
// the transaction failed.
func (d *Driver) SubmitConfigChange(q consensus.Quorum, onDone consensus.StatusCallback) error {
	_, err := d.submit(consensus.NewChangeConfigOp(q), onDone)
	return err
}

// Write replicates payload, applies it once durable and waits until its
// COMMIT is durable or ctx is done. An aborted outcome is returned together
// with an error wrapping ErrAborted. Cancelling ctx does not cancel the
// transaction.
func (d *Driver) Write(ctx context.Context, payload []byte) (Result, error) {
	st, err := d.submit(consensus.NewReplicateOp(consensus.KindWrite, payload), nil)
	if err != nil {
		return Result{}, err
	}
	select {
	case <-st.done:
		return st.result, st.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// NoOp replicates and commits an empty operation.
func (d *Driver) NoOp(ctx context.Context) (Result, error) {
	st, err := d.submit(consensus.NewReplicateOp(consensus.KindNoOp, nil), nil)
	if err != nil {
		return Result{}, err
	}
	select {
	case <-st.done:
		return st.result, st.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Err returns the error that halted the driver, if any. Once set, the state
// machine holds an operation the log does not commit.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted
}

func (d *Driver) halt(err error) {
	d.mu.Lock()
	if d.halted == nil {
		d.halted = err
	}
	d.mu.Unlock()
}

// InFlight is the number of transactions not yet finalized.
func (d *Driver) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Close rejects new transactions and waits for in-flight ones to finalize or
// ctx to end. The finalizer pool is released either way.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = errors.Wrapf(ctx.Err(), "txn: %d transactions still in flight", d.InFlight())
	}
	d.pool.Release()
	return err
}

func (d *Driver) submit(op *consensus.Operation, onDone consensus.StatusCallback) (*txnState, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if d.halted != nil {
		err := d.halted
		d.mu.Unlock()
		return nil, errors.Wrap(ErrHalted, err.Error())
	}
	cons := d.cons
	if cons == nil {
		d.mu.Unlock()
		return nil, ErrNotReady
	}
	d.seq++
	st := &txnState{
		seq:    d.seq,
		kind:   op.Replicate.Kind,
		start:  time.Now(),
		onDone: onDone,
		done:   make(chan struct{}),
	}
	d.inflight[st.seq] = st
	d.wg.Add(1)
	obsmetrics.TxnInFlight.Set(float64(len(d.inflight)))
	d.mu.Unlock()

	st.round = consensus.NewRound(op, d.onReplicated(st), d.onCommitted(st))
	if err := cons.Replicate(st.round); err != nil {
		// No callback has been or will be fired for this round.
		d.untrack(st)
		d.wg.Done()
		return nil, err
	}
	return st, nil
}

func (d *Driver) onReplicated(st *txnState) consensus.StatusCallback {
	return func(err error) {
		if err != nil {
			d.logger.Error("replicate not durable", zap.Uint64("txn", st.seq), zap.Error(err))
			d.finish(st, errors.Wrap(err, "txn: replicate"))
			return
		}
		d.emit(Event{Type: EventReplicated, ID: st.round.ID(), Kind: st.kind})

		outcome, value, cause := d.apply(st.round.ReplicateOp())
		commit := consensus.NewCommitOp(st.round.ID(), outcome, value, cause)
		st.round.SetCommitOp(commit)
		st.result = Result{ID: st.round.ID(), Kind: st.kind, Outcome: outcome, Value: value}
		if cause != nil {
			st.result.Error = cause.Error()
		}

		d.mu.Lock()
		cons := d.cons
		d.mu.Unlock()
		if err := cons.Commit(st.round); err != nil {
			// Commit took the callback out of the round; finish here. The
			// operation is applied but has no COMMIT, so nothing else may be
			// applied after it.
			err = errors.Wrapf(err, "txn: commit of applied %s", st.round.ID())
			d.logger.Error("commit not accepted; halting transactions", zap.Stringer("id", st.round.ID()), zap.Error(err))
			d.halt(err)
			d.finish(st, err)
		}
	}
}

func (d *Driver) onCommitted(st *txnState) consensus.StatusCallback {
	return func(err error) {
		if err != nil {
			d.finish(st, errors.Wrap(err, "txn: commit not durable"))
			return
		}
		if st.result.Outcome == consensus.OutcomeAborted {
			d.finish(st, errors.Wrap(ErrAborted, st.result.Error))
			return
		}
		d.finish(st, nil)
	}
}

// apply runs the REPLICATE against its target and turns the result into a
// COMMIT outcome.
func (d *Driver) apply(op *consensus.Operation) (consensus.Outcome, []byte, error) {
	msg := op.Replicate
	switch msg.Kind {
	case consensus.KindWrite:
		v, err := d.applier.Apply(msg.Payload)
		if err != nil {
			return consensus.OutcomeAborted, nil, err
		}
		return consensus.OutcomeApplied, v, nil
	case consensus.KindChangeConfig:
		d.mu.Lock()
		p := d.persister
		d.mu.Unlock()
		if p == nil || msg.Quorum == nil {
			return consensus.OutcomeAborted, nil, errors.New("txn: config change without persister or quorum")
		}
		if err := p.PersistQuorum(*msg.Quorum); err != nil {
			return consensus.OutcomeAborted, nil, err
		}
		return consensus.OutcomeApplied, nil, nil
	case consensus.KindNoOp:
		return consensus.OutcomeApplied, nil, nil
	default:
		return consensus.OutcomeAborted, nil, errors.Errorf("txn: unknown kind %s", msg.Kind)
	}
}

func (d *Driver) untrack(st *txnState) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[st.seq]; !ok {
		return false
	}
	delete(d.inflight, st.seq)
	obsmetrics.TxnInFlight.Set(float64(len(d.inflight)))
	return true
}

// finish removes st from the in-flight table, which drops the last reference
// to its round, and hands the rest to the pool.
func (d *Driver) finish(st *txnState, err error) {
	if !d.untrack(st) {
		return
	}
	st.err = err
	if st.result.ID.IsZero() {
		st.result.ID = st.round.ID()
		st.result.Kind = st.kind
	}
	task := func() {
		defer d.wg.Done()
		close(st.done)
		result := "ok"
		if err != nil {
			result = "error"
		}
		obsmetrics.TxnDuration.WithLabelValues(st.kind.String(), result).Observe(time.Since(st.start).Seconds())
		if err == nil || errors.Is(err, ErrAborted) {
			ev := Event{Type: EventCommitted, ID: st.result.ID, Kind: st.kind, Outcome: st.result.Outcome, Err: err}
			d.emit(ev)
			if st.kind == consensus.KindChangeConfig && st.result.Outcome == consensus.OutcomeApplied {
				d.emit(Event{Type: EventQuorumChanged, ID: st.result.ID, Kind: st.kind})
			}
		} else {
			d.emit(Event{Type: EventFailed, ID: st.result.ID, Kind: st.kind, Err: err})
		}
		if st.onDone != nil {
			st.onDone(err)
		}
	}
	if perr := d.pool.Submit(task); perr != nil {
		d.logger.Warn("finalizer pool unavailable, finishing inline", zap.Error(perr))
		task()
	}
}

func (d *Driver) emit(ev Event) {
	if d.observer == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	d.observer(ev)
}
