package oplog

import (
	"sort"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/raft"
	"github.com/pkg/errors"

	"github.com/amirimatin/go-replica/pkg/consensus"
)

var handle = &codec.MsgpackHandle{}

// envelope is what a raft.Log's Data holds: the op id and the op body.
type envelope struct {
	ID   consensus.OpID `codec:"id"`
	Body []byte         `codec:"body"`
}

// Entry is one decoded log record.
type Entry struct {
	Slot       uint64
	AppendedAt time.Time
	Op         *consensus.Operation
}

func encodeBatch(r *reservation) ([]*raft.Log, error) {
	now := time.Now()
	out := make([]*raft.Log, 0, len(r.batch.Ops))
	for i, op := range r.batch.Ops {
		body, err := op.Body()
		if err != nil {
			return nil, errors.Wrapf(err, "oplog: encode %s", op.ID)
		}
		var data []byte
		if err := codec.NewEncoderBytes(&data, handle).Encode(envelope{ID: op.ID, Body: body}); err != nil {
			return nil, errors.Wrapf(err, "oplog: encode %s", op.ID)
		}
		out = append(out, &raft.Log{
			Index:      r.first + uint64(i),
			Term:       uint64(op.ID.Term),
			Type:       raft.LogCommand,
			Data:       data,
			AppendedAt: now,
		})
	}
	return out, nil
}

func decodeEntry(l *raft.Log) (Entry, error) {
	var env envelope
	if err := codec.NewDecoderBytes(l.Data, handle).Decode(&env); err != nil {
		return Entry{}, errors.Wrapf(err, "oplog: slot %d", l.Index)
	}
	op, err := consensus.DecodeOperation(env.ID, env.Body)
	if err != nil {
		return Entry{}, errors.Wrapf(err, "oplog: slot %d", l.Index)
	}
	return Entry{Slot: l.Index, AppendedAt: l.AppendedAt, Op: op}, nil
}

// ReadEntries calls fn for every stored entry in slot order. It stops at the
// first error fn returns.
func ReadEntries(store raft.LogStore, fn func(Entry) error) error {
	first, err := store.FirstIndex()
	if err != nil {
		return err
	}
	last, err := store.LastIndex()
	if err != nil {
		return err
	}
	if last == 0 {
		return nil
	}
	if first == 0 {
		first = 1
	}
	var rl raft.Log
	for i := first; i <= last; i++ {
		if err := store.GetLog(i, &rl); err != nil {
			return errors.Wrapf(err, "oplog: read slot %d", i)
		}
		e, err := decodeEntry(&rl)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Recover scans the store and returns what a consensus engine needs to
// resume: the last replicated id, the last committed id and the replicates
// that never got a COMMIT, in log order.
func Recover(store raft.LogStore) (consensus.BootstrapInfo, error) {
	var info consensus.BootstrapInfo
	open := map[consensus.OpID]uint64{}
	ops := map[consensus.OpID]*consensus.Operation{}
	err := ReadEntries(store, func(e Entry) error {
		switch e.Op.Type {
		case consensus.OpReplicate:
			if info.LastID.Less(e.Op.ID) {
				info.LastID = e.Op.ID
			}
			open[e.Op.ID] = e.Slot
			ops[e.Op.ID] = e.Op
		case consensus.OpCommit:
			if e.Op.Commit == nil {
				return errors.Errorf("oplog: slot %d: commit without body", e.Slot)
			}
			id := e.Op.Commit.CommittedID
			if info.LastCommittedID.Less(id) {
				info.LastCommittedID = id
			}
			delete(open, id)
			delete(ops, id)
		}
		return nil
	})
	if err != nil {
		return consensus.BootstrapInfo{}, err
	}
	for id := range open {
		info.OrphanedReplicates = append(info.OrphanedReplicates, ops[id])
	}
	sort.Slice(info.OrphanedReplicates, func(i, j int) bool {
		return open[info.OrphanedReplicates[i].ID] < open[info.OrphanedReplicates[j].ID]
	})
	return info, nil
}

// Entries iterates the stored entries of l.
func (l *Log) Entries(fn func(Entry) error) error { return ReadEntries(l.store, fn) }

// Recover scans the entries of l. Call it before the first Reserve.
func (l *Log) Recover() (consensus.BootstrapInfo, error) { return Recover(l.store) }
