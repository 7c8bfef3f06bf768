package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// testPKI contém os caminhos dos certificados gerados para teste.
type testPKI struct {
	CACertPath     string
	ServerCertPath string
	ServerKeyPath  string
}

// generateTestPKI gera uma CA e um certificado de server em um diretório temporário.
func generateTestPKI(t *testing.T) *testPKI {
	t.Helper()
	dir := t.TempDir()

	// Gera a CA
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating CA key: %v", err)
	}

	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}

	caCertDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("creating CA certificate: %v", err)
	}

	caCertPath := filepath.Join(dir, "ca.pem")
	writePEM(t, caCertPath, "CERTIFICATE", caCertDER)

	// Gera certificado do server assinado pela CA
	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating server key: %v", err)
	}

	caCert, err := x509.ParseCertificate(caCertDER)
	if err != nil {
		t.Fatalf("parsing CA certificate: %v", err)
	}

	serverTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	serverCertDER, err := x509.CreateCertificate(rand.Reader, serverTemplate, caCert, &serverKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("creating server certificate: %v", err)
	}

	serverCertPath := filepath.Join(dir, "server.pem")
	writePEM(t, serverCertPath, "CERTIFICATE", serverCertDER)

	serverKeyDER, err := x509.MarshalECPrivateKey(serverKey)
	if err != nil {
		t.Fatalf("marshaling server key: %v", err)
	}
	serverKeyPath := filepath.Join(dir, "server.key")
	writePEM(t, serverKeyPath, "EC PRIVATE KEY", serverKeyDER)

	return &testPKI{
		CACertPath:     caCertPath,
		ServerCertPath: serverCertPath,
		ServerKeyPath:  serverKeyPath,
	}
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating %s: %v", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		t.Fatalf("encoding %s: %v", path, err)
	}
}

func TestNewServerTLSConfig(t *testing.T) {
	p := generateTestPKI(t)

	cfg, err := NewServerTLSConfig(p.ServerCertPath, p.ServerKeyPath)
	if err != nil {
		t.Fatalf("NewServerTLSConfig: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %#x, want TLS 1.3", cfg.MinVersion)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Certificates = %d, want 1", len(cfg.Certificates))
	}
}

func TestNewServerTLSConfigMissingFiles(t *testing.T) {
	if _, err := NewServerTLSConfig("/nonexistent/cert.pem", "/nonexistent/key.pem"); err == nil {
		t.Fatal("expected error for missing certificate files")
	}
}

func TestNewClientTLSConfigWithCA(t *testing.T) {
	p := generateTestPKI(t)

	cfg, err := NewClientTLSConfig(p.CACertPath, "localhost")
	if err != nil {
		t.Fatalf("NewClientTLSConfig: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Error("expected RootCAs pool")
	}
	if cfg.ServerName != "localhost" {
		t.Errorf("ServerName = %q", cfg.ServerName)
	}
}

func TestNewClientTLSConfigSystemPool(t *testing.T) {
	cfg, err := NewClientTLSConfig("", "")
	if err != nil {
		t.Fatalf("NewClientTLSConfig: %v", err)
	}
	if cfg.RootCAs != nil {
		t.Error("expected nil RootCAs (system pool)")
	}
}

func TestNewClientTLSConfigBadCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.pem")
	os.WriteFile(path, []byte("not a certificate"), 0644)

	if _, err := NewClientTLSConfig(path, ""); err == nil {
		t.Fatal("expected error for unparseable CA")
	}
}

func TestTLSHandshakeEndToEnd(t *testing.T) {
	p := generateTestPKI(t)

	serverCfg, err := NewServerTLSConfig(p.ServerCertPath, p.ServerKeyPath)
	if err != nil {
		t.Fatalf("NewServerTLSConfig: %v", err)
	}
	clientCfg, err := NewClientTLSConfig(p.CACertPath, "localhost")
	if err != nil {
		t.Fatalf("NewClientTLSConfig: %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("tls.Listen: %v", err)
	}
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := conn.Read(buf); err != nil {
			done <- err
			return
		}
		done <- nil
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("writing: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server side: %v", err)
	}
}
