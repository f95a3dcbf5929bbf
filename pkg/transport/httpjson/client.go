package httpjson

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/amirimatin/go-replica/pkg/consensus"
	"github.com/amirimatin/go-replica/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and retries idempotent requests with backoff.
type Client struct {
	httpc     *http.Client
	transport *http.Transport
	isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	if c.transport != nil {
		c.transport.TLSClientConfig = cfg
	}
	c.isTLS = cfg != nil
	return c
}

func (c *Client) url(addr, path string, q url.Values) string {
	scheme := "http"
	if c.isTLS {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: path}
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// get performs a GET with up to three attempts and returns the body of the
// first 200 response.
func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		b, err := c.getOnce(ctx, target)
		if err == nil {
			return b, nil
		}
		lastErr = err
		// backoff unless context is done
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return nil, lastErr
}

func (c *Client) getOnce(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	return b, nil
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	return c.get(ctx, c.url(addr, "/status", nil))
}

// PostWrite is not retried: a write that timed out may still commit.
func (c *Client) PostWrite(ctx context.Context, addr string, req transport.WriteRequest) (transport.WriteResponse, error) {
	var out transport.WriteResponse
	body, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(addr, "/write", nil), bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(b, &out)
	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return out, errors.New(out.Error)
		}
		return out, fmt.Errorf("write status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	return out, nil
}

func (c *Client) GetRead(ctx context.Context, addr string, req transport.ReadRequest) (transport.ReadResponse, error) {
	var out transport.ReadResponse
	b, err := c.get(ctx, c.url(addr, "/read", url.Values{"key": {req.Key}}))
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(b, &out)
}

func (c *Client) GetQuorum(ctx context.Context, addr string) (consensus.Quorum, error) {
	var out consensus.Quorum
	b, err := c.get(ctx, c.url(addr, "/quorum", nil))
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(b, &out)
}

func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

var _ transport.RPCClient = (*Client)(nil)
