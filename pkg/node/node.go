// Package node assembles a single replica: durable storage, consensus
// metadata, the operation log, the local consensus engine, the transaction
// driver, the key/value state machine and an optional management endpoint.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/amirimatin/go-replica/pkg/cmeta"
	"github.com/amirimatin/go-replica/pkg/consensus"
	"github.com/amirimatin/go-replica/pkg/consensus/local"
	obsmetrics "github.com/amirimatin/go-replica/pkg/observability/metrics"
	"github.com/amirimatin/go-replica/pkg/observability/tracing"
	"github.com/amirimatin/go-replica/pkg/oplog"
	"github.com/amirimatin/go-replica/pkg/state/kv"
	"github.com/amirimatin/go-replica/pkg/transport"
	"github.com/amirimatin/go-replica/pkg/txn"
)

// Node is one replica. Build it with New, then Start it; Stop releases
// everything including the store.
type Node struct {
	opts   Options
	logger *zap.Logger

	mu  sync.Mutex
	run struct {
		started bool
		closed  bool
	}

	// set once by Start before run.started
	peer   string
	meta   *cmeta.Metadata
	log    *oplog.Log
	state  *kv.State
	driver *txn.Driver
	engine *local.Engine
	replay txn.ReplayStats

	eb        eventBus
	ready     chan error
	readyOnce sync.Once

	health struct {
		mu        sync.Mutex
		quorumErr error
	}
}

// New constructs a Node from validated options. It performs no I/O; call
// Start to open the log and become leader.
func New(opts Options) (*Node, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 10 * time.Second
	}
	return &Node{opts: opts, logger: opts.Logger.Named("node"), ready: make(chan error, 1)}, nil
}

// Start loads metadata, replays the log into the state machine, starts the
// engine and waits until its initial config change has committed. The
// management endpoint, if any, is started last. A failed Start releases
// everything it opened.
func (n *Node) Start(ctx context.Context) (err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.run.closed {
		return ErrStopped
	}
	if n.run.started {
		return nil
	}
	obsmetrics.Register()
	defer func() {
		if err != nil {
			n.run.closed = true
			c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if terr := n.teardown(c); terr != nil {
				n.logger.Warn("cleanup after failed start", zap.Error(terr))
			}
		}
	}()

	if err := n.openMetadata(); err != nil {
		return err
	}
	n.log, err = oplog.Open(oplog.Options{Store: n.opts.Store.Logs, MaxPending: n.opts.MaxPending, Logger: n.opts.Logger})
	if err != nil {
		return err
	}
	info, err := n.log.Recover()
	if err != nil {
		return errors.Wrap(err, "node: recover log")
	}
	n.state = kv.New()
	n.replay, err = txn.Replay(n.log, n.state, n.opts.Logger)
	if err != nil {
		return errors.Wrap(err, "node: replay")
	}
	n.logger.Info("log recovered",
		zap.Stringer("last_id", info.LastID),
		zap.Stringer("last_committed_id", info.LastCommittedID),
		zap.Int("replayed", n.replay.Applied),
		zap.Int("orphaned", n.replay.Orphaned))

	n.driver, err = txn.New(txn.Options{Applier: n.state, PoolSize: n.opts.PoolSize, Observer: n.observe, Logger: n.opts.Logger})
	if err != nil {
		return err
	}
	n.engine, err = local.New(local.Options{PeerUUID: n.peer, Metadata: n.meta, Log: n.log, Factory: n.driver, Logger: n.opts.Logger})
	if err != nil {
		return err
	}
	n.driver.SetConsensus(n.engine)
	if err := n.engine.Start(info); err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, n.opts.StartTimeout)
	defer cancel()
	select {
	case err := <-n.ready:
		if err != nil {
			return errors.Wrap(err, "node: initial config change")
		}
	case <-wctx.Done():
		return errors.Wrap(wctx.Err(), "node: waiting for leadership")
	}

	if n.opts.RPCServer != nil {
		if err := n.opts.RPCServer.Start(ctx, n.handlers()); err != nil {
			return err
		}
		n.logger.Info("management endpoint listening", zap.String("addr", n.opts.RPCServer.Addr()))
	}
	n.run.started = true
	n.logger.Info("node started", zap.String("peer", n.peer), zap.Stringer("quorum", n.engine.Quorum()))
	return nil
}

func (n *Node) openMetadata() error {
	peer := n.opts.PeerUUID
	if peer == "" {
		peer = uuid.NewString()
	}
	addr := n.opts.AdvertiseAddr
	if addr == "" && n.opts.RPCServer != nil {
		addr = n.opts.RPCServer.Addr()
	}
	meta, created, err := cmeta.LoadOrCreate(n.opts.Store.Stable, peer, cmeta.InitialLocalQuorum(peer, addr))
	if err != nil {
		return errors.Wrap(err, "node: consensus metadata")
	}
	if !created && n.opts.PeerUUID != "" && meta.PeerUUID() != n.opts.PeerUUID {
		return errors.Wrapf(ErrPeerMismatch, "stored %s, configured %s", meta.PeerUUID(), n.opts.PeerUUID)
	}
	if created {
		n.logger.Info("created consensus metadata", zap.String("peer", peer))
	}
	n.meta, n.peer = meta, meta.PeerUUID()
	return nil
}

// observe receives every transaction event. Config-change outcomes decide
// readiness and health; every event is fanned out to subscribers.
func (n *Node) observe(ev txn.Event) {
	if ev.Kind == consensus.KindChangeConfig {
		switch {
		case ev.Type == txn.EventQuorumChanged:
			n.signalReady(nil)
		case ev.Type == txn.EventFailed,
			ev.Type == txn.EventCommitted && ev.Outcome == consensus.OutcomeAborted:
			err := ev.Err
			if err == nil {
				err = errors.New("config change aborted")
			}
			n.logger.Error("quorum change failed; node is unhealthy", zap.Stringer("id", ev.ID), zap.Error(err))
			n.health.mu.Lock()
			n.health.quorumErr = err
			n.health.mu.Unlock()
			n.signalReady(err)
		}
	}
	n.eb.publish(ev)
}

func (n *Node) signalReady(err error) {
	n.readyOnce.Do(func() { n.ready <- err })
}

func (n *Node) running() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.run.closed {
		return ErrStopped
	}
	if !n.run.started {
		return ErrNotStarted
	}
	return nil
}

// PeerUUID is this node's identity. Empty before Start.
func (n *Node) PeerUUID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peer
}

// Write replicates cmd, applies it to the state machine and waits for its
// COMMIT to be durable.
func (n *Node) Write(ctx context.Context, cmd []byte) (txn.Result, error) {
	ctx, end := tracing.StartSpan(ctx, "node.write", attribute.Int("bytes", len(cmd)))
	if err := n.running(); err != nil {
		end(err)
		return txn.Result{}, err
	}
	if role := n.engine.Role(); role != consensus.RoleLeader {
		err := errors.Wrapf(ErrNotLeader, "role %s", role)
		end(err)
		return txn.Result{}, err
	}
	res, err := n.driver.Write(ctx, cmd)
	end(err)
	return res, err
}

// Put writes key=value.
func (n *Node) Put(ctx context.Context, key, value string) (txn.Result, error) {
	cmd, err := kv.Put(key, value)
	if err != nil {
		return txn.Result{}, err
	}
	return n.Write(ctx, cmd)
}

// Delete removes key.
func (n *Node) Delete(ctx context.Context, key string) (txn.Result, error) {
	cmd, err := kv.Delete(key)
	if err != nil {
		return txn.Result{}, err
	}
	return n.Write(ctx, cmd)
}

// Read returns the applied value of key and the state machine revision.
func (n *Node) Read(key string) (value string, found bool, revision uint64, err error) {
	if err := n.running(); err != nil {
		return "", false, 0, err
	}
	value, found = n.state.Get(key)
	return value, found, n.state.Revision(), nil
}

// Status returns a snapshot of the node.
func (n *Node) Status(ctx context.Context) (*Status, error) {
	_, end := tracing.StartSpan(ctx, "node.status")
	defer end(nil)
	if err := n.running(); err != nil {
		return nil, err
	}
	es := n.engine.Status()
	s := &Status{
		PeerUUID:    n.peer,
		Phase:       es.Phase,
		Role:        es.Role,
		Quorum:      es.Quorum,
		NextOpIndex: es.NextOpIndex,
		NextSlot:    n.log.NextSlot(),
		LogPending:  n.log.Pending(),
		InFlight:    n.driver.InFlight(),
		Revision:    n.state.Revision(),
		Keys:        n.state.Len(),
		Replay:      n.replay,
	}
	if n.opts.RPCServer != nil {
		s.MgmtAddr = n.opts.RPCServer.Addr()
	}
	s.Healthy = true
	if es.Role != consensus.RoleLeader {
		s.Healthy = false
		s.Warnings = append(s.Warnings, "not leader: role "+es.Role.String())
	}
	if err := n.log.Err(); err != nil {
		s.Healthy = false
		s.Warnings = append(s.Warnings, "log failed: "+err.Error())
	}
	if err := n.driver.Err(); err != nil {
		s.Healthy = false
		s.Warnings = append(s.Warnings, "writes halted: "+err.Error())
	}
	n.health.mu.Lock()
	qerr := n.health.quorumErr
	n.health.mu.Unlock()
	if qerr != nil {
		s.Healthy = false
		s.Warnings = append(s.Warnings, "quorum change failed: "+qerr.Error())
	}
	if n.replay.Orphaned > 0 {
		s.Warnings = append(s.Warnings, fmt.Sprintf("%d writes without commit were not applied", n.replay.Orphaned))
	}
	return s, nil
}

func (n *Node) healthy() bool {
	s, err := n.Status(context.Background())
	return err == nil && s.Healthy
}

// DumpStatusHTML writes the engine's debug page followed by log counters.
func (n *Node) DumpStatusHTML(w io.Writer) {
	if err := n.running(); err != nil {
		fmt.Fprintf(w, "<h1>Node</h1>\n%v", err)
		return
	}
	n.engine.DumpStatusHTML(w)
	fmt.Fprintf(w, "\n<p>next slot: %d, log pending: %d, in flight: %d</p>\n",
		n.log.NextSlot(), n.log.Pending(), n.driver.InFlight())
}

func (n *Node) handlers() transport.Handlers {
	return transport.Handlers{
		Status: func(ctx context.Context) ([]byte, error) {
			s, err := n.Status(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(s)
		},
		Write: func(ctx context.Context, req transport.WriteRequest) (transport.WriteResponse, error) {
			res, err := n.Write(ctx, req.Data)
			resp := transport.WriteResponse{Data: res.Value, Error: res.Error}
			if !res.ID.IsZero() {
				resp.ID = res.ID.String()
			}
			if res.Outcome != 0 {
				resp.Outcome = res.Outcome.String()
			}
			return resp, err
		},
		Read: func(_ context.Context, req transport.ReadRequest) (transport.ReadResponse, error) {
			v, ok, rev, err := n.Read(req.Key)
			return transport.ReadResponse{Key: req.Key, Value: v, Found: ok, Revision: rev}, err
		},
		Quorum: func(context.Context) (consensus.Quorum, error) {
			if err := n.running(); err != nil {
				return consensus.Quorum{}, err
			}
			return n.engine.Quorum(), nil
		},
		DumpConsensus: n.DumpStatusHTML,
		Healthy:       n.healthy,
	}
}

// Stop shuts down the management endpoint, waits for in-flight transactions
// until ctx ends, then closes the log and the store. It is safe to call
// more than once.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.run.closed {
		return nil
	}
	n.run.closed = true
	err := n.teardown(ctx)
	n.logger.Info("node stopped", zap.Error(err))
	return err
}

// Close is a convenience alias for Stop with a background context.
func (n *Node) Close() error {
	return n.Stop(context.Background())
}

func (n *Node) teardown(ctx context.Context) error {
	var errs []error
	if n.opts.RPCServer != nil {
		errs = append(errs, n.opts.RPCServer.Stop(ctx))
	}
	if n.driver != nil {
		errs = append(errs, n.driver.Close(ctx))
	}
	if n.engine != nil {
		n.engine.Shutdown()
	}
	if n.log != nil {
		errs = append(errs, n.log.Close())
	}
	errs = append(errs, n.opts.Store.Close())
	return multierr.Combine(errs...)
}
