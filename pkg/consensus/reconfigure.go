package consensus

// TransactionFactory originates configuration-change transactions and drives
// them through a Consensus implementation. The engine calls it while
// starting to promote itself to leader of its quorum.
type TransactionFactory interface {
	// SubmitConfigChange starts a transaction that replicates and then
	// persists q. onDone fires once the transaction's COMMIT is durable or
	// the transaction fails. A nil error only means the submission was
	// accepted.
	SubmitConfigChange(q Quorum, onDone StatusCallback) error
}
