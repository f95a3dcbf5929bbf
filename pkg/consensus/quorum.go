package consensus

import (
	"fmt"

	"github.com/pkg/errors"
)

// Peer is one member of a quorum.
type Peer struct {
	UUID string `json:"uuid" codec:"uuid"`
	Addr string `json:"addr,omitempty" codec:"addr"`
	Role Role   `json:"role" codec:"role"`
}

// Quorum is the replication membership plus each member's role. Seqno
// strictly increases on every accepted replacement.
type Quorum struct {
	Peers []Peer `json:"peers" codec:"peers"`
	Seqno int64  `json:"seqno" codec:"seqno"`
	Local bool   `json:"local" codec:"local"`
}

// Clone returns a deep copy.
func (q Quorum) Clone() Quorum {
	out := q
	out.Peers = append([]Peer(nil), q.Peers...)
	return out
}

func (q Quorum) String() string {
	return fmt.Sprintf("{seqno=%d local=%t peers=%v}", q.Seqno, q.Local, q.Peers)
}

// VerifyQuorum checks the fields every quorum needs regardless of variant.
// A local quorum must hold exactly one peer.
func VerifyQuorum(q Quorum) error {
	if len(q.Peers) == 0 {
		return errors.Wrap(ErrInvalidQuorum, "no peers")
	}
	if q.Seqno < 0 {
		return errors.Wrapf(ErrInvalidQuorum, "negative seqno %d", q.Seqno)
	}
	if q.Local && len(q.Peers) != 1 {
		return errors.Wrapf(ErrInvalidQuorum, "local quorum has %d peers, want 1", len(q.Peers))
	}
	seen := make(map[string]struct{}, len(q.Peers))
	for i, p := range q.Peers {
		if p.UUID == "" {
			return errors.Wrapf(ErrInvalidQuorum, "peer %d: missing uuid", i)
		}
		if p.Role == RoleUnknown {
			return errors.Wrapf(ErrInvalidQuorum, "peer %s: missing role", p.UUID)
		}
		if _, dup := seen[p.UUID]; dup {
			return errors.Wrapf(ErrInvalidQuorum, "peer %s listed twice", p.UUID)
		}
		seen[p.UUID] = struct{}{}
	}
	return nil
}
