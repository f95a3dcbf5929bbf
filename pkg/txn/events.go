package txn

import (
	"time"

	"github.com/amirimatin/go-replica/pkg/consensus"
)

type EventType string

const (
	EventReplicated    EventType = "replicated"
	EventCommitted     EventType = "committed"
	EventQuorumChanged EventType = "quorum_changed"
	EventFailed        EventType = "failed"
)

// Event describes one step of a transaction. Only fields relevant to the
// type are populated.
type Event struct {
	Type    EventType         `json:"type"`
	At      time.Time         `json:"at"`
	ID      consensus.OpID    `json:"id"`
	Kind    consensus.Kind    `json:"kind"`
	Outcome consensus.Outcome `json:"outcome,omitempty"`
	Err     error             `json:"-"`
}
