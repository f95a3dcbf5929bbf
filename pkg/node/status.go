package node

import (
	"github.com/amirimatin/go-replica/pkg/consensus"
	"github.com/amirimatin/go-replica/pkg/txn"
)

// Status is a JSON-serializable snapshot of the node for status endpoints
// and tooling.
type Status struct {
	// Healthy is true while the node leads its quorum and neither the log
	// nor the metadata store has failed.
	Healthy  bool             `json:"healthy"`
	PeerUUID string           `json:"peer_uuid"`
	Phase    string           `json:"phase"`
	Role     consensus.Role   `json:"role"`
	Quorum   consensus.Quorum `json:"quorum"`
	// NextOpIndex is the index the next REPLICATE or COMMIT will get.
	NextOpIndex int64  `json:"next_op_index"`
	NextSlot    uint64 `json:"next_slot"`
	LogPending  int    `json:"log_pending"`
	InFlight    int    `json:"in_flight"`
	// Revision counts applied writes, including replayed ones.
	Revision uint64          `json:"revision"`
	Keys     int             `json:"keys"`
	Replay   txn.ReplayStats `json:"replay"`
	MgmtAddr string          `json:"mgmt_addr,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}
