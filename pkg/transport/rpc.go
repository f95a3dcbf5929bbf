package transport

import (
	"context"
	"io"

	"github.com/amirimatin/go-replica/pkg/consensus"
)

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on node types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// WriteRequest carries one state machine command.
type WriteRequest struct {
	Data []byte `json:"data"`
}

// WriteResponse reports the committed outcome of a write.
type WriteResponse struct {
	ID      string `json:"id,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Data    []byte `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type WriteFunc func(ctx context.Context, req WriteRequest) (WriteResponse, error)

// ReadRequest looks up one key.
type ReadRequest struct {
	Key string `json:"key"`
}

type ReadResponse struct {
	Key      string `json:"key"`
	Value    string `json:"value,omitempty"`
	Found    bool   `json:"found"`
	Revision uint64 `json:"revision"`
}

type ReadFunc func(ctx context.Context, req ReadRequest) (ReadResponse, error)

// QuorumFunc returns the committed quorum.
type QuorumFunc func(ctx context.Context) (consensus.Quorum, error)

// Handlers are the node operations a management server exposes. Status is
// required; a nil handler answers "not supported".
type Handlers struct {
	Status StatusFunc
	Write  WriteFunc
	Read   ReadFunc
	Quorum QuorumFunc
	// DumpConsensus writes the engine's HTML status page (HTTP only).
	DumpConsensus func(w io.Writer)
	// Healthy backs /healthz and the gRPC health service. Nil means healthy.
	Healthy func() bool
}

// RPCServer exposes management endpoints (status, write, read, quorum).
type RPCServer interface {
	Start(ctx context.Context, h Handlers) error
	Addr() string
	Stop(ctx context.Context) error
}

// RPCClient calls a node's management endpoint using the chosen protocol
// (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
	GetStatus(ctx context.Context, addr string) ([]byte, error)
	PostWrite(ctx context.Context, addr string, req WriteRequest) (WriteResponse, error)
	GetRead(ctx context.Context, addr string, req ReadRequest) (ReadResponse, error)
	GetQuorum(ctx context.Context, addr string) (consensus.Quorum, error)
	Close() error
}
