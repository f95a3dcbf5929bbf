package httpjson

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amirimatin/go-replica/pkg/observability/tracing"
	"github.com/amirimatin/go-replica/pkg/transport"
)

// Server is a minimal HTTP server exposing management endpoints for status,
// writes, reads, the committed quorum and metrics/healthz.
type Server struct {
	bind   string
	logger *zap.Logger
	tlsCfg *tls.Config

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{bind: bind, logger: logger.Named("httpjson")}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func onlyMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// Handler returns the management mux. Start serves it; tests may mount it
// on an httptest server.
func Handler(h transport.Handlers) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if !onlyMethod(w, r, http.MethodGet) {
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http.status")
		data, err := h.Status(ctx)
		end(err)
		if err != nil {
			http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !onlyMethod(w, r, http.MethodGet) {
			return
		}
		if h.Healthy != nil && !h.Healthy() {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/consensusz", func(w http.ResponseWriter, r *http.Request) {
		if !onlyMethod(w, r, http.MethodGet) {
			return
		}
		if h.DumpConsensus == nil {
			http.Error(w, "consensusz not supported", http.StatusNotImplemented)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		h.DumpConsensus(w)
	})
	mux.HandleFunc("/write", func(w http.ResponseWriter, r *http.Request) {
		if !onlyMethod(w, r, http.MethodPost) {
			return
		}
		if h.Write == nil {
			http.Error(w, "write not supported", http.StatusNotImplemented)
			return
		}
		var req transport.WriteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http.write", attribute.Int("bytes", len(req.Data)))
		resp, err := h.Write(ctx, req)
		end(err)
		if err != nil {
			if resp.Error == "" {
				resp.Error = err.Error()
			}
			writeJSON(w, http.StatusInternalServerError, resp)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
	mux.HandleFunc("/read", func(w http.ResponseWriter, r *http.Request) {
		if !onlyMethod(w, r, http.MethodGet) {
			return
		}
		if h.Read == nil {
			http.Error(w, "read not supported", http.StatusNotImplemented)
			return
		}
		req := transport.ReadRequest{Key: r.URL.Query().Get("key")}
		if req.Key == "" {
			http.Error(w, "bad request: missing key", http.StatusBadRequest)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http.read", attribute.String("key", req.Key))
		resp, err := h.Read(ctx, req)
		end(err)
		if err != nil {
			http.Error(w, fmt.Sprintf("read error: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
	mux.HandleFunc("/quorum", func(w http.ResponseWriter, r *http.Request) {
		if !onlyMethod(w, r, http.MethodGet) {
			return
		}
		if h.Quorum == nil {
			http.Error(w, "quorum not supported", http.StatusNotImplemented)
			return
		}
		q, err := h.Quorum(r.Context())
		if err != nil {
			http.Error(w, fmt.Sprintf("quorum error: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, q)
	})
	return mux
}

// Start launches the HTTP server. The server is shut down when ctx is
// canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
	if h.Status == nil {
		return fmt.Errorf("httpjson: status handler required")
	}
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}
	srv := &http.Server{Handler: Handler(h), ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr != "" {
		return s.addr
	}
	return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return srv.Shutdown(c)
}

var _ transport.RPCServer = (*Server)(nil)
