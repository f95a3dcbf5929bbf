package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"

	"github.com/amirimatin/go-replica/pkg/internal/logutil"
	"github.com/amirimatin/go-replica/pkg/node"
	"github.com/amirimatin/go-replica/pkg/observability/tracing"
	tlsx "github.com/amirimatin/go-replica/pkg/security/tlsconfig"
	"github.com/amirimatin/go-replica/pkg/storage"
	"github.com/amirimatin/go-replica/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-replica/pkg/transport/grpc"
	"github.com/amirimatin/go-replica/pkg/transport/httpjson"
)

const (
	ProtoHTTP = "http"
	ProtoGRPC = "grpc"
)

// Config defines high-level inputs to assemble a replica with sensible
// defaults. Applications embed a replica by providing this structure and
// calling Build/Run.
type Config struct {
	// PeerUUID is generated on first start when empty and read back from
	// the data dir afterwards.
	PeerUUID string

	// Persistence
	DataDir       string // empty → in-memory
	StorageEngine string // "bolt" (default), "pebble" or "memory"

	// Management API (status/write/read/quorum/metrics)
	MgmtAddr      string // host:port; empty disables the endpoint
	MgmtProto     string // "http" (default) or "grpc"
	AdvertiseAddr string // recorded in a new quorum; defaults to MgmtAddr

	// Log and transaction tuning
	MaxPending   int           // pending log reservations before ErrFull; 0 = unbounded
	PoolSize     int           // transaction finalizers; 0 = 64
	StartTimeout time.Duration // wait for leadership on start; 0 = 10s

	// DeadlockDetection turns on lock-order and timeout checks for the
	// engine's ordering lock.
	DeadlockDetection bool
	DeadlockTimeout   time.Duration

	// EnableTracing exports spans to stdout.
	EnableTracing bool

	// TLS (optional) for the management API
	TLSEnable     bool
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string
	TLSSkipVerify bool

	// Log configures the logger built when Logger is nil.
	Log    logutil.Options
	Logger *zap.Logger
}

// Validate checks Config without touching disk or network.
func (c Config) Validate() error {
	switch storage.Engine(c.StorageEngine) {
	case "", storage.EngineBolt, storage.EnginePebble:
		if c.DataDir == "" && c.StorageEngine != "" {
			return fmt.Errorf("bootstrap: storage engine %q needs a data dir", c.StorageEngine)
		}
	case storage.EngineMemory:
	default:
		return fmt.Errorf("bootstrap: unknown storage engine %q", c.StorageEngine)
	}
	switch c.MgmtProto {
	case "", ProtoHTTP, ProtoGRPC:
	default:
		return fmt.Errorf("bootstrap: unknown management protocol %q", c.MgmtProto)
	}
	if c.MaxPending < 0 || c.PoolSize < 0 {
		return fmt.Errorf("bootstrap: negative MaxPending or PoolSize")
	}
	if c.TLSEnable && (c.TLSCert == "" || c.TLSKey == "") && c.MgmtAddr != "" {
		return fmt.Errorf("bootstrap: TLS needs a certificate and key")
	}
	return nil
}

func (c Config) storageOptions() storage.Options {
	engine := storage.Engine(c.StorageEngine)
	if c.DataDir == "" {
		engine = storage.EngineMemory
	}
	if engine == "" {
		engine = storage.EngineBolt
	}
	return storage.Options{Engine: engine, Dir: c.DataDir}
}

func (c Config) tlsOptions() tlsx.Options {
	return tlsx.Options{Enable: c.TLSEnable, CAFile: c.TLSCA, CertFile: c.TLSCert, KeyFile: c.TLSKey, InsecureSkipVerify: c.TLSSkipVerify, ServerName: c.TLSServerName}
}

// Build assembles a node.Node from Config without starting it. It opens the
// store, which the node then owns.
func Build(cfg Config) (*node.Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		l, err := logutil.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		cfg.Logger = l
	}
	deadlock.Opts.Disable = !cfg.DeadlockDetection
	if cfg.DeadlockTimeout > 0 {
		deadlock.Opts.DeadlockTimeout = cfg.DeadlockTimeout
	}
	if cfg.EnableTracing {
		if _, err := tracing.Setup(true); err != nil {
			return nil, err
		}
	}

	var srv transport.RPCServer
	if cfg.MgmtAddr != "" {
		srvTLS, err := cfg.tlsOptions().Server()
		if err != nil {
			return nil, err
		}
		srv = newServer(cfg, srvTLS)
	}

	st, err := storage.Open(cfg.storageOptions())
	if err != nil {
		return nil, err
	}
	adv := cfg.AdvertiseAddr
	if adv == "" {
		adv = cfg.MgmtAddr
	}
	n, err := node.New(node.Options{
		PeerUUID:      cfg.PeerUUID,
		Store:         st,
		MaxPending:    cfg.MaxPending,
		PoolSize:      cfg.PoolSize,
		StartTimeout:  cfg.StartTimeout,
		RPCServer:     srv,
		AdvertiseAddr: adv,
		Logger:        cfg.Logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return n, nil
}

func newServer(cfg Config, tlsCfg *tls.Config) transport.RPCServer {
	if cfg.MgmtProto == ProtoGRPC {
		s := mgmtgrpc.NewServer(cfg.MgmtAddr)
		if tlsCfg != nil {
			s.UseTLS(tlsCfg)
		}
		return s
	}
	s := httpjson.NewServer(cfg.MgmtAddr, cfg.Logger)
	if tlsCfg != nil {
		s.UseTLS(tlsCfg)
	}
	return s
}

// NewClient returns a management client matching cfg's protocol and TLS
// settings.
func NewClient(cfg Config, timeout time.Duration) (transport.RPCClient, error) {
	cliTLS, err := cfg.tlsOptions().Client()
	if err != nil {
		return nil, err
	}
	if cfg.MgmtProto == ProtoGRPC {
		c := mgmtgrpc.NewClient(timeout)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		return c, nil
	}
	c := httpjson.NewClient(timeout)
	if cliTLS != nil {
		c.UseTLS(cliTLS)
	}
	return c, nil
}

// Run builds and starts the node, returning it for lifecycle control. The
// caller is responsible for calling Stop when finished.
func Run(ctx context.Context, cfg Config) (*node.Node, error) {
	n, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		return nil, err
	}
	return n, nil
}
