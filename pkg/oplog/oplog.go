// Package oplog is the durable operation log. Callers reserve slots
// synchronously, then hand the reserved batch over for asynchronous append.
// Batches reach the store strictly in reservation order, and each accepted
// batch's callback fires once the store has made it durable.
package oplog

import (
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/amirimatin/go-replica/pkg/consensus"
	obsmetrics "github.com/amirimatin/go-replica/pkg/observability/metrics"
)

var (
	ErrClosed             = errors.New("oplog: closed")
	ErrFull               = errors.New("oplog: too many pending reservations")
	ErrInvalidReservation = errors.New("oplog: invalid reservation")
	ErrEmptyBatch         = errors.New("oplog: empty batch")
)

// Options configure a Log.
type Options struct {
	// Store is the durable backend. StoreLogs must be durable on return.
	Store raft.LogStore
	// MaxPending bounds reservations not yet stored. Zero means unbounded.
	// Batches holding only COMMITs are always admitted: their operation has
	// already been applied and must reach the log.
	MaxPending int
	// NotifyBuffer is the number of stored groups queued for callback
	// delivery. Zero means 128.
	NotifyBuffer int
	Logger       *zap.Logger
}

type reservation struct {
	batch       *consensus.Batch
	first, last uint64

	// guarded by Log.mu
	appended bool
	ready    bool
	entries  []*raft.Log
	cb       consensus.StatusCallback
	encErr   error

	// set by the appender before notification
	err error
}

func (r *reservation) Batch() *consensus.Batch     { return r.batch }
func (r *reservation) Slots() (first, last uint64) { return r.first, r.last }

// Log implements consensus.OpLog.
type Log struct {
	store  raft.LogStore
	logger *zap.Logger
	max    int

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []*reservation
	nextSlot uint64
	closed   bool
	stopped  bool
	failed   error

	notify     chan []*reservation
	appendDone chan struct{}
	notifyDone chan struct{}
}

var _ consensus.OpLog = (*Log)(nil)

// Open resumes slot numbering after the store's last index and starts the
// appender and notifier goroutines.
func Open(opts Options) (*Log, error) {
	if opts.Store == nil {
		return nil, errors.New("oplog: nil store")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = 128
	}
	last, err := opts.Store.LastIndex()
	if err != nil {
		return nil, err
	}
	l := &Log{
		store:      opts.Store,
		logger:     opts.Logger.Named("oplog"),
		max:        opts.MaxPending,
		nextSlot:   last + 1,
		notify:     make(chan []*reservation, opts.NotifyBuffer),
		appendDone: make(chan struct{}),
		notifyDone: make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.appendLoop()
	go l.notifyLoop()
	l.logger.Debug("opened", zap.Uint64("next_slot", l.nextSlot))
	return l, nil
}

// Reserve claims the next len(b.Ops) slots for b.
func (l *Log) Reserve(b *consensus.Batch) (consensus.Reservation, error) {
	if b == nil || len(b.Ops) == 0 {
		return nil, ErrEmptyBatch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if l.failed != nil {
		return nil, l.failed
	}
	if l.max > 0 && len(l.pending) >= l.max && !commitsOnly(b) {
		return nil, ErrFull
	}
	n := uint64(len(b.Ops))
	r := &reservation{batch: b, first: l.nextSlot, last: l.nextSlot + n - 1}
	l.nextSlot += n
	l.pending = append(l.pending, r)
	obsmetrics.LogPendingReservations.Set(float64(len(l.pending)))
	return r, nil
}

func commitsOnly(b *consensus.Batch) bool {
	for _, op := range b.Ops {
		if op.Type != consensus.OpCommit {
			return false
		}
	}
	return true
}

// AsyncAppend marks a reserved batch ready. onDurable fires exactly once,
// from the log's notifier goroutine, if and only if AsyncAppend returns nil.
func (l *Log) AsyncAppend(res consensus.Reservation, onDurable consensus.StatusCallback) error {
	r, ok := res.(*reservation)
	if !ok || r == nil {
		return ErrInvalidReservation
	}
	if onDurable == nil {
		onDurable = func(error) {}
	}
	entries, encErr := encodeBatch(r)

	l.mu.Lock()
	defer l.mu.Unlock()
	if r.appended {
		return ErrInvalidReservation
	}
	if l.stopped {
		return ErrClosed
	}
	r.appended = true
	r.ready = true
	if encErr != nil {
		// The slot still has to be released so later batches can proceed;
		// the appender poisons the log when it reaches it.
		r.encErr = encErr
		l.cond.Signal()
		return encErr
	}
	r.entries = entries
	r.cb = onDurable
	l.cond.Signal()
	return nil
}

// Close stops accepting reservations, stores what is already ready, fails
// the remaining accepted appends with ErrClosed and waits for all callbacks.
// It must not be called from a durability callback.
func (l *Log) Close() error {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
	<-l.appendDone
	<-l.notifyDone
	return nil
}

// NextSlot returns the slot the next reservation will start at.
func (l *Log) NextSlot() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSlot
}

// Pending returns the number of reservations not yet stored.
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Err returns the error that poisoned the log, if any.
func (l *Log) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

// takeReadyLocked removes and returns the longest ready prefix of pending.
func (l *Log) takeReadyLocked() []*reservation {
	n := 0
	for n < len(l.pending) && l.pending[n].ready {
		n++
	}
	if n == 0 {
		return nil
	}
	group := l.pending[:n:n]
	l.pending = l.pending[n:]
	obsmetrics.LogPendingReservations.Set(float64(len(l.pending)))
	return group
}

func (l *Log) headReadyLocked() bool {
	return len(l.pending) > 0 && l.pending[0].ready
}

func (l *Log) appendLoop() {
	defer close(l.appendDone)
	for {
		l.mu.Lock()
		for !l.headReadyLocked() && !l.closed {
			l.cond.Wait()
		}
		group := l.takeReadyLocked()
		if len(group) == 0 {
			l.stopped = true
			leftovers := l.pending
			l.pending = nil
			l.mu.Unlock()
			l.failLeftovers(leftovers)
			close(l.notify)
			return
		}
		failed := l.failed
		l.mu.Unlock()

		l.storeGroup(group, failed)
		l.notify <- group
	}
}

// storeGroup writes group with one StoreLogs call and records the outcome on
// each reservation. A store or encoding failure poisons the log.
func (l *Log) storeGroup(group []*reservation, failed error) {
	if failed != nil {
		for _, r := range group {
			r.err = failed
		}
		return
	}
	var logs []*raft.Log
	good := len(group)
	for i, r := range group {
		if r.encErr != nil {
			good = i
			failed = r.encErr
			break
		}
		logs = append(logs, r.entries...)
	}
	if len(logs) > 0 {
		start := time.Now()
		if err := l.store.StoreLogs(logs); err != nil {
			failed = err
			good = 0
		}
		obsmetrics.LogAppendDuration.Observe(time.Since(start).Seconds())
		obsmetrics.LogAppendBatchSize.Observe(float64(len(logs)))
	}
	for i, r := range group {
		if i >= good {
			r.err = failed
		}
	}
	if failed != nil {
		l.logger.Error("log store failed; rejecting further reservations", zap.Error(failed))
		l.mu.Lock()
		if l.failed == nil {
			l.failed = failed
		}
		l.mu.Unlock()
	}
}

func (l *Log) failLeftovers(leftovers []*reservation) {
	var group []*reservation
	for _, r := range leftovers {
		if r.ready {
			r.err = ErrClosed
			group = append(group, r)
		}
	}
	if len(group) > 0 {
		l.logger.Warn("closing with unstored appends", zap.Int("count", len(group)))
		l.notify <- group
	}
}

func (l *Log) notifyLoop() {
	defer close(l.notifyDone)
	for group := range l.notify {
		for _, r := range group {
			cb := r.cb
			r.cb = nil
			r.entries = nil
			if cb != nil {
				cb(r.err)
			}
		}
	}
}
