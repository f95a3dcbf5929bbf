// Package tlsconfig builds TLS configs for the management endpoint from PEM
// files. Certificates are re-read from disk periodically so they can be
// rotated by replacing the files.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultReload is how long a loaded certificate is reused before the files
// are read again.
const DefaultReload = 10 * time.Second

// Options defines TLS inputs. With CAFile set the server requires and
// verifies client certificates (mTLS).
type Options struct {
	Enable             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
	ServerName         string
	// Reload overrides DefaultReload. Negative disables reloading.
	Reload time.Duration
}

// Server returns a tls.Config for servers if enabled, otherwise nil.
func (o Options) Server() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, errors.New("tls: server cert/key required when TLS enabled")
	}
	l, err := o.loader()
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return l.get()
		},
	}
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil. The
// client certificate is optional.
func (o Options) Client() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
	if o.ServerName != "" {
		cfg.ServerName = o.ServerName
	}
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if o.CertFile != "" && o.KeyFile != "" {
		l, err := o.loader()
		if err != nil {
			return nil, err
		}
		cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return l.get()
		}
	}
	return cfg, nil
}

func loadPool(file string) (*x509.CertPool, error) {
	ca, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "tls: read CA")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, errors.Errorf("tls: no certificates in %s", file)
	}
	return pool, nil
}

// loader fails fast on unreadable files and then serves the cached pair.
func (o Options) loader() (*certLoader, error) {
	ttl := o.Reload
	if ttl == 0 {
		ttl = DefaultReload
	}
	l := &certLoader{certFile: o.CertFile, keyFile: o.KeyFile, ttl: ttl}
	if _, err := l.get(); err != nil {
		return nil, err
	}
	return l, nil
}

type certLoader struct {
	certFile, keyFile string
	ttl               time.Duration

	mu       sync.RWMutex
	cached   *tls.Certificate
	lastLoad time.Time
}

func (l *certLoader) get() (*tls.Certificate, error) {
	l.mu.RLock()
	if l.cached != nil && (l.ttl < 0 || time.Since(l.lastLoad) < l.ttl) {
		c := l.cached
		l.mu.RUnlock()
		return c, nil
	}
	l.mu.RUnlock()

	cert, err := tls.LoadX509KeyPair(l.certFile, l.keyFile)
	if err != nil {
		l.mu.RLock()
		c := l.cached
		l.mu.RUnlock()
		if c != nil {
			// Keep serving the last good pair while files are mid-rotation.
			return c, nil
		}
		return nil, errors.Wrap(err, "tls: load key pair")
	}
	l.mu.Lock()
	l.cached = &cert
	l.lastLoad = time.Now()
	l.mu.Unlock()
	return &cert, nil
}
