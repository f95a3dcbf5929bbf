package node

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/amirimatin/go-replica/pkg/storage"
	"github.com/amirimatin/go-replica/pkg/transport"
)

// Options carries the components and settings a Node is assembled from.
// Instances are typically produced from bootstrap.Config.
type Options struct {
	// PeerUUID identifies this node. On a fresh store an empty value gets a
	// generated uuid; on an existing store it must match the stored one or
	// be empty.
	PeerUUID string
	// Store is owned by the node and closed on Stop.
	Store *storage.Store
	// MaxPending bounds reservations the log holds before storing them.
	MaxPending int
	// PoolSize bounds transaction finalizers. Zero uses the driver default.
	PoolSize int
	// StartTimeout bounds the wait for the initial config change to commit.
	StartTimeout time.Duration

	// Optional management endpoint.
	RPCServer transport.RPCServer
	// AdvertiseAddr is recorded for this peer in a freshly created quorum.
	// Empty falls back to the management server's address.
	AdvertiseAddr string

	Logger *zap.Logger
}

// Validate performs a minimal validation of Options. It does not touch the
// store and is safe to call before New.
func (o Options) Validate() error {
	if o.Store == nil || o.Store.Logs == nil || o.Store.Stable == nil {
		return errors.New("node: nil store")
	}
	if o.MaxPending < 0 {
		return errors.New("node: negative MaxPending")
	}
	if o.PoolSize < 0 {
		return errors.New("node: negative PoolSize")
	}
	return nil
}
