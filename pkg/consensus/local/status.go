package local

import (
	"fmt"
	"io"

	"github.com/amirimatin/go-replica/pkg/consensus"
)

// Status is a point-in-time view of the engine.
type Status struct {
	Phase       string           `json:"phase"`
	NextOpIndex int64            `json:"next_op_index"`
	Role        consensus.Role   `json:"role"`
	Quorum      consensus.Quorum `json:"quorum"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.meta.CommittedQuorum()
	st := Status{Phase: e.phase.String(), NextOpIndex: e.nextIndex, Quorum: q}
	if len(q.Peers) > 0 {
		st.Role = q.Peers[0].Role
	}
	return st
}

// DumpStatusHTML writes a small HTML fragment for debug pages.
func (e *Engine) DumpStatusHTML(w io.Writer) {
	fmt.Fprint(w, "<h1>Local Consensus Status</h1>\n")
	e.mu.Lock()
	next := e.nextIndex
	e.mu.Unlock()
	fmt.Fprintf(w, "next op: %d", next)
}
