package consensus

// UpdateRequest carries operations from a leader to a follower. Only
// multi-node implementations accept it.
type UpdateRequest struct {
	CallerUUID     string
	CallerTerm     int64
	PrecedingID    OpID
	CommittedIndex int64
	Ops            []*Operation
}

type UpdateResponse struct {
	ResponderUUID string
	ResponderTerm int64
	LastReceived  OpID
}

// VoteRequest asks a peer for its vote in an election.
type VoteRequest struct {
	CandidateUUID string
	CandidateTerm int64
	LastLoggedID  OpID
}

type VoteResponse struct {
	ResponderUUID string
	ResponderTerm int64
	Granted       bool
}
