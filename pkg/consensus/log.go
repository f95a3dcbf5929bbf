package consensus

// Batch is a group of operations reserved and appended together.
type Batch struct {
	Ops []*Operation
}

// NewBatch wraps ops in a batch.
func NewBatch(ops ...*Operation) *Batch { return &Batch{Ops: ops} }

// Reservation is a claim on log slots returned by OpLog.Reserve.
type Reservation interface {
	Batch() *Batch
	// Slots returns the first and last log slot claimed.
	Slots() (first, last uint64)
}

// OpLog is the durable log boundary consumed by Consensus implementations.
//
// Reserve is synchronous and ordering-critical: batches become durable in the
// order they were reserved. AsyncAppend hands over a reserved batch and
// returns without waiting; onDurable fires exactly once if, and only if,
// AsyncAppend returned nil.
type OpLog interface {
	Reserve(b *Batch) (Reservation, error)
	AsyncAppend(r Reservation, onDurable StatusCallback) error
}
