package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/go-replica/pkg/consensus"
	"github.com/amirimatin/go-replica/pkg/transport"
)

type Client struct {
	timeout time.Duration
	tlsCfg  *tls.Config

	once sync.Once
	cm   *ConnManager
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client. Call it before the first request.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
	// Use JSON codec and set content subtype accordingly.
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
	}
	if c.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.NewClient(target, opts...)
}

// getConn returns a managed connection, creating the manager on first use.
func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
	c.once.Do(func() { c.cm = NewConnManager(30*time.Second, c.dialCtx) })
	return c.cm.Get(ctx, addr)
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out interface{}) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return err
	}
	defer rel()
	return cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	out := new(statusBlob)
	if err := c.invoke(ctx, addr, "GetStatus", &empty{}, out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) PostWrite(ctx context.Context, addr string, req transport.WriteRequest) (transport.WriteResponse, error) {
	var resp transport.WriteResponse
	if err := c.invoke(ctx, addr, "Write", &req, &resp); err != nil {
		return resp, err
	}
	if resp.Error != "" {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

func (c *Client) GetRead(ctx context.Context, addr string, req transport.ReadRequest) (transport.ReadResponse, error) {
	var resp transport.ReadResponse
	err := c.invoke(ctx, addr, "Read", &req, &resp)
	return resp, err
}

func (c *Client) GetQuorum(ctx context.Context, addr string) (consensus.Quorum, error) {
	var q consensus.Quorum
	err := c.invoke(ctx, addr, "GetQuorum", &empty{}, &q)
	return q, err
}

// Close drops all cached connections.
func (c *Client) Close() error {
	c.once.Do(func() {})
	if c.cm != nil {
		c.cm.Close()
	}
	return nil
}

var _ transport.RPCClient = (*Client)(nil)
