package consensus

import "fmt"

// OpID identifies an operation's position in the replicated log.
type OpID struct {
	Term  int64 `json:"term" codec:"term"`
	Index int64 `json:"index" codec:"index"`
}

// MinimumOpID precedes every assignable op id.
var MinimumOpID = OpID{}

func (id OpID) IsZero() bool { return id == OpID{} }

// Less orders ids by term, then index.
func (id OpID) Less(other OpID) bool {
	if id.Term != other.Term {
		return id.Term < other.Term
	}
	return id.Index < other.Index
}

func (id OpID) String() string { return fmt.Sprintf("%d.%d", id.Term, id.Index) }
