package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/amirimatin/go-replica/pkg/cmeta"
	"github.com/amirimatin/go-replica/pkg/consensus"
	"github.com/amirimatin/go-replica/pkg/consensus/local"
	"github.com/amirimatin/go-replica/pkg/oplog"
	"github.com/amirimatin/go-replica/pkg/state/kv"
)

type stack struct {
	store  *raft.InmemStore
	log    *oplog.Log
	driver *Driver
	engine *local.Engine
	kv     *kv.State

	mu     sync.Mutex
	events []Event
	hook   func(Event)
}

func (s *stack) setHook(fn func(Event)) {
	s.mu.Lock()
	s.hook = fn
	s.mu.Unlock()
}

func (s *stack) seen(typ EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func newStack(t *testing.T) *stack {
	t.Helper()
	return newStackWithPending(t, 0)
}

func newStackWithPending(t *testing.T, maxPending int) *stack {
	t.Helper()
	s := &stack{store: raft.NewInmemStore(), kv: kv.New()}
	var err error
	s.log, err = oplog.Open(oplog.Options{Store: s.store, MaxPending: maxPending})
	require.NoError(t, err)
	meta, err := cmeta.Create(s.store, "p1", cmeta.InitialLocalQuorum("p1", ""))
	require.NoError(t, err)

	s.driver, err = New(Options{Applier: s.kv, Observer: func(ev Event) {
		s.mu.Lock()
		s.events = append(s.events, ev)
		hook := s.hook
		s.mu.Unlock()
		if hook != nil {
			hook(ev)
		}
	}})
	require.NoError(t, err)
	s.engine, err = local.New(local.Options{PeerUUID: "p1", Metadata: meta, Log: s.log, Factory: s.driver})
	require.NoError(t, err)
	s.driver.SetConsensus(s.engine)
	require.NoError(t, s.engine.Start(consensus.BootstrapInfo{}))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.driver.Close(ctx)
		_ = s.log.Close()
	})
	return s
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestDriver_StartBecomesLeader(t *testing.T) {
	s := newStack(t)
	require.Eventually(t, func() bool { return s.engine.Role() == consensus.RoleLeader }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), s.engine.Quorum().Seqno)
	require.Eventually(t, func() bool { return s.seen(EventQuorumChanged) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestDriver_WriteAppliesAndCommits(t *testing.T) {
	s := newStack(t)

	cmd, err := kv.Put("k", "v")
	require.NoError(t, err)
	res, err := s.driver.Write(ctx(t), cmd)
	require.NoError(t, err)
	require.Equal(t, consensus.OutcomeApplied, res.Outcome)
	require.Equal(t, consensus.KindWrite, res.Kind)
	require.False(t, res.ID.IsZero())
	require.NotEmpty(t, res.Value)

	v, ok := s.kv.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
	require.Eventually(t, func() bool { return s.driver.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDriver_WriteAbortedByStateMachine(t *testing.T) {
	s := newStack(t)

	res, err := s.driver.Write(ctx(t), []byte(`{"op":"incr","key":"k"}`))
	require.ErrorIs(t, err, ErrAborted)
	require.Equal(t, consensus.OutcomeAborted, res.Outcome)
	require.Contains(t, res.Error, "unknown op")
	require.Zero(t, s.kv.Revision())
}

func TestDriver_ConcurrentWrites(t *testing.T) {
	s := newStack(t)

	const n = 100
	c := ctx(t)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		cmd, err := kv.Put(fmt.Sprintf("k%03d", i), "v")
		require.NoError(t, err)
		g.Go(func() error {
			_, err := s.driver.Write(c, cmd)
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, uint64(n), s.kv.Revision())
	require.Eventually(t, func() bool { return s.seen(EventCommitted) >= n }, time.Second, 5*time.Millisecond)
}

func TestDriver_NoOp(t *testing.T) {
	s := newStack(t)
	res, err := s.driver.NoOp(ctx(t))
	require.NoError(t, err)
	require.Equal(t, consensus.KindNoOp, res.Kind)
	require.Equal(t, consensus.OutcomeApplied, res.Outcome)
}

func TestDriver_NotReadyAndClosed(t *testing.T) {
	d, err := New(Options{Applier: kv.New()})
	require.NoError(t, err)
	_, err = d.Write(context.Background(), nil)
	require.ErrorIs(t, err, ErrNotReady)
	require.NoError(t, d.Close(context.Background()))

	s := newStack(t)
	require.NoError(t, s.driver.Close(ctx(t)))
	_, err = s.driver.Write(ctx(t), nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestDriver_WriteFailsWhenLogClosed(t *testing.T) {
	s := newStack(t)
	require.Eventually(t, func() bool { return s.driver.InFlight() == 0 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, s.log.Close())

	cmd, err := kv.Put("k", "v")
	require.NoError(t, err)
	_, err = s.driver.Write(ctx(t), cmd)
	require.ErrorIs(t, err, oplog.ErrClosed)
	require.Zero(t, s.driver.InFlight())
}

func TestReplay_RebuildsState(t *testing.T) {
	s := newStack(t)

	for i := 0; i < 10; i++ {
		cmd, err := kv.Put(fmt.Sprintf("k%d", i), fmt.Sprint(i))
		require.NoError(t, err)
		_, err = s.driver.Write(ctx(t), cmd)
		require.NoError(t, err)
	}
	del, err := kv.Delete("k3")
	require.NoError(t, err)
	_, err = s.driver.Write(ctx(t), del)
	require.NoError(t, err)
	_, err = s.driver.Write(ctx(t), []byte(`{"op":"put"}`))
	require.ErrorIs(t, err, ErrAborted)

	fresh := kv.New()
	stats, err := Replay(s.log, fresh, nil)
	require.NoError(t, err)
	require.Equal(t, ReplayStats{Applied: 11, Aborted: 1}, stats)

	want, err := s.kv.Snapshot()
	require.NoError(t, err)
	got, err := fresh.Snapshot()
	require.NoError(t, err)
	require.JSONEq(t, string(want), string(got))
}

type reserved struct {
	res consensus.Reservation
	err error
}

// The log reaches its pending bound between a write being applied and its
// COMMIT being reserved. The COMMIT must still be logged so the applied write
// survives a replay.
func TestDriver_CommitAdmittedWhenLogIsFull(t *testing.T) {
	s := newStackWithPending(t, 1)
	require.Eventually(t, func() bool { return s.driver.InFlight() == 0 && s.log.Pending() == 0 }, 5*time.Second, 5*time.Millisecond)

	fillers := make(chan reserved, 1)
	var once sync.Once
	s.setHook(func(ev Event) {
		if ev.Type != EventReplicated || ev.Kind != consensus.KindWrite {
			return
		}
		once.Do(func() {
			res, err := s.log.Reserve(consensus.NewBatch(consensus.NewReplicateOp(consensus.KindNoOp, nil)))
			fillers <- reserved{res, err}
		})
	})

	cmd, err := kv.Put("a", "1")
	require.NoError(t, err)
	c := ctx(t)
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.driver.Write(c, cmd)
		done <- outcome{res, err}
	}()

	var filler reserved
	select {
	case filler = <-fillers:
	case <-time.After(5 * time.Second):
		t.Fatalf("write was never replicated")
	}
	require.NoError(t, filler.err)
	// The COMMIT is reserved behind the unappended filler.
	require.Eventually(t, func() bool { return s.log.Pending() == 2 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, s.log.AsyncAppend(filler.res, nil))

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("write did not finish")
	}
	require.NoError(t, out.err)
	require.Equal(t, consensus.OutcomeApplied, out.res.Outcome)
	require.NoError(t, s.driver.Err())

	fresh := kv.New()
	stats, err := Replay(s.log, fresh, nil)
	require.NoError(t, err)
	require.Equal(t, ReplayStats{Applied: 1}, stats)
	v, ok := fresh.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)
}

// commitRefuser replicates through the engine but never logs a COMMIT.
type commitRefuser struct {
	*local.Engine
	err error
}

func (c commitRefuser) Commit(round *consensus.Round) error {
	round.ReleaseCommitCallback()
	return c.err
}

func TestDriver_HaltsWhenAppliedWriteCannotCommit(t *testing.T) {
	s := newStack(t)
	require.Eventually(t, func() bool { return s.driver.InFlight() == 0 }, 5*time.Second, 5*time.Millisecond)

	boom := errors.New("commit refused")
	s.driver.SetConsensus(commitRefuser{Engine: s.engine, err: boom})

	cmd, err := kv.Put("a", "1")
	require.NoError(t, err)
	_, err = s.driver.Write(ctx(t), cmd)
	require.ErrorIs(t, err, boom)
	_, ok := s.kv.Get("a")
	require.True(t, ok)
	require.ErrorIs(t, s.driver.Err(), boom)
	require.Eventually(t, func() bool { return s.seen(EventFailed) == 1 }, time.Second, 5*time.Millisecond)

	_, err = s.driver.Write(ctx(t), cmd)
	require.ErrorIs(t, err, ErrHalted)
	require.Zero(t, s.driver.InFlight())
}
