//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-replica/pkg/bootstrap"
	"github.com/amirimatin/go-replica/pkg/node"
	"github.com/amirimatin/go-replica/pkg/transport"
)

var errNotYet = &temporaryError{}

type temporaryError struct{}

func (e *temporaryError) Error() string { return "not yet" }

func waitUntil(t *testing.T, timeout time.Duration, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last error
	for time.Now().Before(deadline) {
		err := fn()
		if err == nil {
			return
		}
		last = err
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for condition: %v", last)
}

func fetchStatus(ctx context.Context, cli transport.RPCClient, addr string) (node.Status, error) {
	var s node.Status
	b, err := cli.GetStatus(ctx, addr)
	if err != nil {
		return s, err
	}
	err = json.Unmarshal(b, &s)
	return s, err
}

func mustRun(t *testing.T, ctx context.Context, cfg bootstrap.Config) *node.Node {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	n, err := bootstrap.Run(ctx, cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return n
}

func putCmd(key, value string) []byte {
	return []byte(fmt.Sprintf(`{"op":"put","key":%q,"value":%q}`, key, value))
}
