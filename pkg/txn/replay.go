package txn

import (
	"go.uber.org/zap"

	"github.com/amirimatin/go-replica/pkg/consensus"
	"github.com/amirimatin/go-replica/pkg/oplog"
)

// EntrySource iterates log entries in slot order.
type EntrySource interface {
	Entries(fn func(oplog.Entry) error) error
}

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Applied int `json:"applied"`
	Aborted int `json:"aborted"`
	// Orphaned counts write REPLICATEs with no COMMIT in the log.
	Orphaned int `json:"orphaned"`
}

// Replay rebuilds a state machine from the log. A write is applied again
// when its COMMIT recorded an applied outcome; writes are applied in COMMIT
// order, which is the order they were first applied in.
func Replay(src EntrySource, a Applier, logger *zap.Logger) (ReplayStats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var stats ReplayStats
	writes := map[consensus.OpID][]byte{}
	err := src.Entries(func(e oplog.Entry) error {
		op := e.Op
		switch op.Type {
		case consensus.OpReplicate:
			if op.Replicate != nil && op.Replicate.Kind == consensus.KindWrite {
				writes[op.ID] = op.Replicate.Payload
			}
		case consensus.OpCommit:
			payload, ok := writes[op.Commit.CommittedID]
			if !ok {
				return nil
			}
			delete(writes, op.Commit.CommittedID)
			if op.Commit.Outcome != consensus.OutcomeApplied {
				stats.Aborted++
				return nil
			}
			if _, err := a.Apply(payload); err != nil {
				// The first application succeeded, so this one must too.
				logger.Error("replayed write failed", zap.Stringer("id", op.Commit.CommittedID), zap.Error(err))
				return err
			}
			stats.Applied++
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	stats.Orphaned = len(writes)
	for id := range writes {
		logger.Warn("write has no commit; not applied", zap.Stringer("id", id))
	}
	return stats, nil
}
