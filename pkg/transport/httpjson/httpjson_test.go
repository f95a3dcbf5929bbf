package httpjson

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-replica/pkg/consensus"
	"github.com/amirimatin/go-replica/pkg/transport"
)

func testHandlers() transport.Handlers {
	return transport.Handlers{
		Status: func(context.Context) ([]byte, error) { return []byte(`{"ok":true}`), nil },
		Write: func(_ context.Context, req transport.WriteRequest) (transport.WriteResponse, error) {
			if string(req.Data) == "bad" {
				return transport.WriteResponse{Outcome: "aborted"}, errors.New("rejected")
			}
			return transport.WriteResponse{ID: "0.2", Outcome: "applied", Data: req.Data}, nil
		},
		Read: func(_ context.Context, req transport.ReadRequest) (transport.ReadResponse, error) {
			return transport.ReadResponse{Key: req.Key, Value: "v", Found: true, Revision: 4}, nil
		},
		Quorum: func(context.Context) (consensus.Quorum, error) {
			return consensus.Quorum{Seqno: 2, Local: true, Peers: []consensus.Peer{{UUID: "a", Role: consensus.RoleLeader}}}, nil
		},
		DumpConsensus: func(w io.Writer) { _, _ = w.Write([]byte("<h1>dump</h1>")) },
	}
}

func startTest(t *testing.T, h transport.Handlers) string {
	t.Helper()
	srv := httptest.NewServer(Handler(h))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestClient_RoundTrip(t *testing.T) {
	addr := startTest(t, testHandlers())
	c := NewClient(2 * time.Second)
	defer c.Close()
	ctx := context.Background()

	b, err := c.GetStatus(ctx, addr)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(b))

	wr, err := c.PostWrite(ctx, addr, transport.WriteRequest{Data: []byte("hello")})
	require.NoError(t, err)
	require.Equal(t, "applied", wr.Outcome)
	require.Equal(t, "0.2", wr.ID)
	require.Equal(t, []byte("hello"), wr.Data)

	rr, err := c.GetRead(ctx, addr, transport.ReadRequest{Key: "k"})
	require.NoError(t, err)
	require.True(t, rr.Found)
	require.Equal(t, "k", rr.Key)
	require.EqualValues(t, 4, rr.Revision)

	q, err := c.GetQuorum(ctx, addr)
	require.NoError(t, err)
	require.EqualValues(t, 2, q.Seqno)
	require.Equal(t, consensus.RoleLeader, q.Peers[0].Role)
}

func TestClient_WriteErrorCarriesOutcome(t *testing.T) {
	addr := startTest(t, testHandlers())
	c := NewClient(time.Second)
	resp, err := c.PostWrite(context.Background(), addr, transport.WriteRequest{Data: []byte("bad")})
	require.EqualError(t, err, "rejected")
	require.Equal(t, "aborted", resp.Outcome)
}

func TestHandler_Endpoints(t *testing.T) {
	healthy := true
	h := testHandlers()
	h.Healthy = func() bool { return healthy }
	mux := Handler(h)

	do := func(method, target string, body []byte) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(method, target, bytes.NewReader(body)))
		return rec
	}

	require.Equal(t, http.StatusOK, do(http.MethodGet, "/healthz", nil).Code)
	healthy = false
	require.Equal(t, http.StatusServiceUnavailable, do(http.MethodGet, "/healthz", nil).Code)

	rec := do(http.MethodGet, "/consensusz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "<h1>dump</h1>")

	require.Equal(t, http.StatusOK, do(http.MethodGet, "/metrics", nil).Code)
	require.Equal(t, http.StatusMethodNotAllowed, do(http.MethodGet, "/write", nil).Code)
	require.Equal(t, http.StatusBadRequest, do(http.MethodPost, "/write", []byte("{")).Code)
	require.Equal(t, http.StatusBadRequest, do(http.MethodGet, "/read", nil).Code)
}

func TestHandler_NilHandlersNotImplemented(t *testing.T) {
	mux := Handler(transport.Handlers{Status: testHandlers().Status})
	for _, tc := range []struct{ method, target string }{
		{http.MethodPost, "/write"},
		{http.MethodGet, "/read?key=a"},
		{http.MethodGet, "/quorum"},
		{http.MethodGet, "/consensusz"},
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.target, strings.NewReader(`{}`)))
		require.Equal(t, http.StatusNotImplemented, rec.Code, tc.target)
	}
}

func TestServer_StartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewServer("127.0.0.1:0", nil)
	require.Error(t, s.Start(ctx, transport.Handlers{}))
	require.NoError(t, s.Start(ctx, testHandlers()))
	require.NotEqual(t, "127.0.0.1:0", s.Addr())

	b, err := NewClient(time.Second).GetStatus(ctx, s.Addr())
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(b))
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}
