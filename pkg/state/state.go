package state

// Machine is the replicated state machine that write transactions apply to.
// Apply is called in log order, once per committed write on the live path
// and again for each applied write when the log is replayed at startup.
// Apply must be deterministic: an error is part of the outcome and is
// recorded in the transaction's COMMIT.
type Machine interface {
	Apply(cmd []byte) ([]byte, error)
	Snapshot() ([]byte, error)
	Restore(buf []byte) error
}
