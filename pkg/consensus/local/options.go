package local

import (
	"go.uber.org/zap"

	"github.com/amirimatin/go-replica/pkg/cmeta"
	"github.com/amirimatin/go-replica/pkg/consensus"
)

// Options configure the single-node consensus engine. All collaborators are
// required except Logger.
type Options struct {
	// PeerUUID is this node's identity; the committed quorum's only peer
	// must carry it.
	PeerUUID string
	Metadata *cmeta.Metadata
	Log      consensus.OpLog
	Factory  consensus.TransactionFactory
	Logger   *zap.Logger
}
