package consensus

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/pkg/errors"
)

// OpType tags the Operation union.
type OpType uint8

const (
	OpReplicate OpType = iota + 1
	OpCommit
)

func (t OpType) String() string {
	switch t {
	case OpReplicate:
		return "REPLICATE"
	case OpCommit:
		return "COMMIT"
	default:
		return fmt.Sprintf("OpType(%d)", uint8(t))
	}
}

// Kind says what a REPLICATE asks the state machine to do.
type Kind uint8

const (
	KindWrite Kind = iota + 1
	KindNoOp
	KindChangeConfig
)

func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "WRITE"
	case KindNoOp:
		return "NO_OP"
	case KindChangeConfig:
		return "CHANGE_CONFIG"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Outcome is the result recorded by a COMMIT.
type Outcome uint8

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "APPLIED"
	case OutcomeAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// ReplicateMsg is the client-requested intent.
type ReplicateMsg struct {
	Kind    Kind    `codec:"kind"`
	Payload []byte  `codec:"payload"`
	Quorum  *Quorum `codec:"quorum"`
}

// CommitMsg finalizes the REPLICATE identified by CommittedID.
type CommitMsg struct {
	CommittedID OpID    `codec:"committed_id"`
	Outcome     Outcome `codec:"outcome"`
	Result      []byte  `codec:"result"`
	Error       string  `codec:"error"`
}

// Operation is the unit written to the log: either a REPLICATE or a COMMIT.
// Fields other than ID must not change once Body has been called.
type Operation struct {
	Type      OpType
	ID        OpID
	Replicate *ReplicateMsg
	Commit    *CommitMsg

	body    []byte
	bodyErr error
}

type operationBody struct {
	Type      OpType        `codec:"type"`
	Replicate *ReplicateMsg `codec:"replicate"`
	Commit    *CommitMsg    `codec:"commit"`
}

var msgpackHandle = &codec.MsgpackHandle{}

// NewReplicateOp builds a REPLICATE carrying payload.
func NewReplicateOp(kind Kind, payload []byte) *Operation {
	return &Operation{Type: OpReplicate, Replicate: &ReplicateMsg{Kind: kind, Payload: payload}}
}

// NewChangeConfigOp builds a REPLICATE proposing q as the new quorum.
func NewChangeConfigOp(q Quorum) *Operation {
	qc := q.Clone()
	return &Operation{Type: OpReplicate, Replicate: &ReplicateMsg{Kind: KindChangeConfig, Quorum: &qc}}
}

// NewCommitOp builds a COMMIT for the REPLICATE with the given id.
func NewCommitOp(committed OpID, outcome Outcome, result []byte, cause error) *Operation {
	msg := &CommitMsg{CommittedID: committed, Outcome: outcome, Result: result}
	if cause != nil {
		msg.Error = cause.Error()
	}
	return &Operation{Type: OpCommit, Commit: msg}
}

// Body returns the msgpack encoding of everything but ID, computing it once.
func (op *Operation) Body() ([]byte, error) {
	if op.body == nil && op.bodyErr == nil {
		var out []byte
		enc := codec.NewEncoderBytes(&out, msgpackHandle)
		op.bodyErr = enc.Encode(operationBody{Type: op.Type, Replicate: op.Replicate, Commit: op.Commit})
		op.body = out
	}
	return op.body, op.bodyErr
}

// ByteSize returns the encoded body size. It is the expensive part of
// logging an operation and is meant to be called before taking any lock.
func (op *Operation) ByteSize() int {
	b, _ := op.Body()
	return len(b)
}

// DecodeOperation rebuilds an operation from its id and encoded body.
func DecodeOperation(id OpID, body []byte) (*Operation, error) {
	var ob operationBody
	if err := codec.NewDecoderBytes(body, msgpackHandle).Decode(&ob); err != nil {
		return nil, errors.Wrapf(err, "consensus: decode operation %s", id)
	}
	return &Operation{Type: ob.Type, ID: id, Replicate: ob.Replicate, Commit: ob.Commit, body: body}, nil
}

func (op *Operation) String() string {
	switch op.Type {
	case OpReplicate:
		if op.Replicate != nil {
			return fmt.Sprintf("REPLICATE %s %s (%d bytes)", op.ID, op.Replicate.Kind, len(op.Replicate.Payload))
		}
	case OpCommit:
		if op.Commit != nil {
			return fmt.Sprintf("COMMIT %s %s", op.Commit.CommittedID, op.Commit.Outcome)
		}
	}
	return fmt.Sprintf("%s %s", op.Type, op.ID)
}
