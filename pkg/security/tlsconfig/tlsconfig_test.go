package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type pair struct{ cert, key string }

// writeCA creates a CA and one leaf per name, signed by it, under dir.
func writeCA(t *testing.T, dir string, names ...string) (string, map[string]pair) {
	t.Helper()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caFile := filepath.Join(dir, "ca.pem")
	writePEM(t, caFile, "CERTIFICATE", caDER)

	out := map[string]pair{}
	for i, name := range names {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(int64(i + 2)),
			Subject:      pkix.Name{CommonName: name},
			DNSNames:     []string{name},
			IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, caTmpl, &key.PublicKey, caKey)
		require.NoError(t, err)
		kb, err := x509.MarshalECPrivateKey(key)
		require.NoError(t, err)
		p := pair{cert: filepath.Join(dir, name+".pem"), key: filepath.Join(dir, name+"-key.pem")}
		writePEM(t, p.cert, "CERTIFICATE", der)
		writePEM(t, p.key, "EC PRIVATE KEY", kb)
		out[name] = p
	}
	return caFile, out
}

func writePEM(t *testing.T, path, typ string, der []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600))
}

func TestDisabledReturnsNil(t *testing.T) {
	s, err := Options{}.Server()
	require.NoError(t, err)
	require.Nil(t, s)
	c, err := Options{}.Client()
	require.NoError(t, err)
	require.Nil(t, c)
}

func TestServer_RequiresReadablePair(t *testing.T) {
	_, err := Options{Enable: true}.Server()
	require.Error(t, err)
	_, err = Options{Enable: true, CertFile: "/nope.pem", KeyFile: "/nope-key.pem"}.Server()
	require.Error(t, err)

	dir := t.TempDir()
	bad := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not pem"), 0o600))
	_, err = Options{Enable: true, CAFile: bad}.Client()
	require.Error(t, err)
}

func TestMutualTLSHandshake(t *testing.T) {
	dir := t.TempDir()
	ca, certs := writeCA(t, dir, "server", "client")

	srvCfg, err := Options{Enable: true, CAFile: ca, CertFile: certs["server"].cert, KeyFile: certs["server"].key}.Server()
	require.NoError(t, err)
	require.Equal(t, tls.RequireAndVerifyClientCert, srvCfg.ClientAuth)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", srvCfg)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = conn.Write([]byte("ok"))
			}()
		}
	}()

	dial := func(o Options) (string, error) {
		cfg, err := o.Client()
		if err != nil {
			return "", err
		}
		conn, err := tls.Dial("tcp", ln.Addr().String(), cfg)
		if err != nil {
			return "", err
		}
		defer conn.Close()
		b, err := io.ReadAll(conn)
		return string(b), err
	}

	got, err := dial(Options{Enable: true, CAFile: ca, CertFile: certs["client"].cert, KeyFile: certs["client"].key, ServerName: "server"})
	require.NoError(t, err)
	require.Equal(t, "ok", got)

	// Without a client certificate the server rejects the handshake.
	_, err = dial(Options{Enable: true, CAFile: ca, ServerName: "server"})
	require.Error(t, err)
}

func TestCertLoader_KeepsLastGoodPair(t *testing.T) {
	dir := t.TempDir()
	_, certs := writeCA(t, dir, "server")
	l, err := Options{CertFile: certs["server"].cert, KeyFile: certs["server"].key, Reload: time.Nanosecond}.loader()
	require.NoError(t, err)
	first, err := l.get()
	require.NoError(t, err)

	require.NoError(t, os.Remove(certs["server"].cert))
	again, err := l.get()
	require.NoError(t, err)
	require.Equal(t, first.Certificate, again.Certificate)
}
