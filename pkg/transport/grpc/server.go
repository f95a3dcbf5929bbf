package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/go-replica/pkg/consensus"
	"github.com/amirimatin/go-replica/pkg/observability/tracing"
	"github.com/amirimatin/go-replica/pkg/transport"
)

const serviceName = "replica.v1.Management"

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
	bind   string
	tlsCfg *tls.Config

	mu     sync.Mutex
	lis    net.Listener
	srv    *grpc.Server
	health *health.Server
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// internal request/response types used over gRPC JSON codec
type empty struct{}
type statusBlob struct {
	Data []byte `json:"data"`
}

// managementServer defines the methods we expose.
type managementServer interface {
	GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
	Write(ctx context.Context, in *transport.WriteRequest) (*transport.WriteResponse, error)
	Read(ctx context.Context, in *transport.ReadRequest) (*transport.ReadResponse, error)
	GetQuorum(ctx context.Context, in *empty) (*consensus.Quorum, error)
}

type mgmtImpl struct{ h transport.Handlers }

var errNotSupported = errors.New("not supported")

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
	ctx, end := tracing.StartSpan(ctx, "grpc.status")
	b, err := m.h.Status(ctx)
	end(err)
	if err != nil {
		return nil, err
	}
	return &statusBlob{Data: b}, nil
}

// Write reports failures in the response body so the outcome survives.
func (m *mgmtImpl) Write(ctx context.Context, in *transport.WriteRequest) (*transport.WriteResponse, error) {
	if in == nil {
		in = &transport.WriteRequest{}
	}
	if m.h.Write == nil {
		return &transport.WriteResponse{Error: errNotSupported.Error()}, nil
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.write", attribute.Int("bytes", len(in.Data)))
	out, err := m.h.Write(ctx, *in)
	end(err)
	if err != nil && out.Error == "" {
		out.Error = err.Error()
	}
	return &out, nil
}

func (m *mgmtImpl) Read(ctx context.Context, in *transport.ReadRequest) (*transport.ReadResponse, error) {
	if in == nil {
		in = &transport.ReadRequest{}
	}
	if m.h.Read == nil {
		return nil, errNotSupported
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.read", attribute.String("key", in.Key))
	out, err := m.h.Read(ctx, *in)
	end(err)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *mgmtImpl) GetQuorum(ctx context.Context, _ *empty) (*consensus.Quorum, error) {
	if m.h.Quorum == nil {
		return nil, errNotSupported
	}
	q, err := m.h.Quorum(ctx)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var managementServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*managementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
		{MethodName: "Write", Handler: writeHandler},
		{MethodName: "Read", Handler: readHandler},
		{MethodName: "GetQuorum", Handler: getQuorumHandler},
	},
}

func unary[Req any](method string, call func(managementServer, context.Context, *Req) (interface{}, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(managementServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(managementServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	getStatusHandler = unary("GetStatus", func(s managementServer, ctx context.Context, in *empty) (interface{}, error) {
		return s.GetStatus(ctx, in)
	})
	writeHandler = unary("Write", func(s managementServer, ctx context.Context, in *transport.WriteRequest) (interface{}, error) {
		return s.Write(ctx, in)
	})
	readHandler = unary("Read", func(s managementServer, ctx context.Context, in *transport.ReadRequest) (interface{}, error) {
		return s.Read(ctx, in)
	})
	getQuorumHandler = unary("GetQuorum", func(s managementServer, ctx context.Context, in *empty) (interface{}, error) {
		return s.GetQuorum(ctx, in)
	})
)

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
	if h.Status == nil {
		return errors.New("grpc: status handler required")
	}
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	// Force JSON codec to avoid requiring protobuf types
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
	}
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	srv.RegisterService(&managementServiceDesc, &mgmtImpl{h: h})

	s.mu.Lock()
	s.lis, s.srv, s.health = lis, srv, hs
	s.mu.Unlock()
	s.refreshHealth(h)

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(c)
	}()
	if h.Healthy != nil {
		go func() {
			t := time.NewTicker(time.Second)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					s.refreshHealth(h)
				}
			}
		}()
	}
	go func() { _ = srv.Serve(lis) }()
	return nil
}

func (s *Server) refreshHealth(h transport.Handlers) {
	s.mu.Lock()
	hs := s.health
	s.mu.Unlock()
	if hs == nil {
		return
	}
	st := healthpb.HealthCheckResponse_SERVING
	if h.Healthy != nil && !h.Healthy() {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", st)
	hs.SetServingStatus(serviceName, st)
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, hs := s.srv, s.health
	s.srv, s.health, s.lis = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	hs.Shutdown()
	ch := make(chan struct{})
	go func() { srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		srv.Stop()
	}
	return nil
}

var _ transport.RPCServer = (*Server)(nil)
