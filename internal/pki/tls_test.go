// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pki

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
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/n-upload/internal/config"
)

// clientTLSConfig monta o lado client usado nos testes do listener.
// certPath vazio conecta sem certificado de client.
func clientTLSConfig(caCertPath, certPath, keyPath string) (*tls.Config, error) {
	caPool, err := loadCACertPool(caCertPath)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS13, RootCAs: caPool}
	if certPath == "" {
		return cfg, nil
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

// testPKI contém os caminhos dos certificados gerados para teste.
type testPKI struct {
	CACertPath     string
	ServerCertPath string
	ServerKeyPath  string
	ClientCertPath string
	ClientKeyPath  string
}

// generateTestPKI gera uma PKI completa (CA, server cert, client cert) em um diretório temporário.
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

	// Gera certificado do server
	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating server key: %v", err)
	}

	serverTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Server"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:     []string{"localhost"},
	}

	caCert, err := x509.ParseCertificate(caCertDER)
	if err != nil {
		t.Fatalf("parsing CA certificate: %v", err)
	}

	serverCertDER, err := x509.CreateCertificate(rand.Reader, serverTemplate, caCert, &serverKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("creating server certificate: %v", err)
	}

	serverCertPath := filepath.Join(dir, "server.pem")
	writePEM(t, serverCertPath, "CERTIFICATE", serverCertDER)

	serverKeyPath := filepath.Join(dir, "server-key.pem")
	writeKeyPEM(t, serverKeyPath, serverKey)

	// Gera certificado do client
	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating client key: %v", err)
	}

	clientTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "Test Monitor"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	clientCertDER, err := x509.CreateCertificate(rand.Reader, clientTemplate, caCert, &clientKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("creating client certificate: %v", err)
	}

	clientCertPath := filepath.Join(dir, "client.pem")
	writePEM(t, clientCertPath, "CERTIFICATE", clientCertDER)

	clientKeyPath := filepath.Join(dir, "client-key.pem")
	writeKeyPEM(t, clientKeyPath, clientKey)

	return &testPKI{
		CACertPath:     caCertPath,
		ServerCertPath: serverCertPath,
		ServerKeyPath:  serverKeyPath,
		ClientCertPath: clientCertPath,
		ClientKeyPath:  clientKeyPath,
	}
}

func writePEM(t *testing.T, path, blockType string, data []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating file %s: %v", path, err)
	}
	defer f.Close()

	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: data}); err != nil {
		t.Fatalf("encoding PEM: %v", err)
	}
}

func writeKeyPEM(t *testing.T, path string, key *ecdsa.PrivateKey) {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling EC key: %v", err)
	}
	writePEM(t, path, "EC PRIVATE KEY", der)
}

func serverInfo(p *testPKI, mtls bool) config.WebTLSInfo {
	info := config.WebTLSInfo{ServerCert: p.ServerCertPath, ServerKey: p.ServerKeyPath}
	if mtls {
		info.CACert = p.CACertPath
	}
	return info
}

// serveHTTPS sobe um servidor HTTP sobre TLS e retorna a URL base.
func serveHTTPS(t *testing.T, tlsCfg *tls.Config) string {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", tlsCfg)
	if err != nil {
		t.Fatalf("TLS listen: %v", err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	})}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return "https://" + ln.Addr().String()
}

func httpsGet(url string, tlsCfg *tls.Config) (string, error) {
	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}
	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

func TestNewServerTLSConfig_MTLS(t *testing.T) {
	p := generateTestPKI(t)

	cfg, err := NewServerTLSConfig(serverInfo(p, true))
	if err != nil {
		t.Fatalf("NewServerTLSConfig: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("expected TLS 1.3, got %d", cfg.MinVersion)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("expected RequireAndVerifyClientCert, got %d", cfg.ClientAuth)
	}
	if cfg.ClientCAs == nil {
		t.Error("expected non-nil ClientCAs")
	}
}

func TestNewServerTLSConfig_ServerOnly(t *testing.T) {
	p := generateTestPKI(t)

	cfg, err := NewServerTLSConfig(serverInfo(p, false))
	if err != nil {
		t.Fatalf("NewServerTLSConfig: %v", err)
	}
	if cfg.ClientAuth != tls.NoClientCert || cfg.ClientCAs != nil {
		t.Errorf("expected no client authentication, got %d", cfg.ClientAuth)
	}
}

func TestHTTPS_MTLSRoundTrip(t *testing.T) {
	p := generateTestPKI(t)
	serverCfg, err := NewServerTLSConfig(serverInfo(p, true))
	if err != nil {
		t.Fatal(err)
	}
	url := serveHTTPS(t, serverCfg)

	clientCfg, err := clientTLSConfig(p.CACertPath, p.ClientCertPath, p.ClientKeyPath)
	if err != nil {
		t.Fatalf("clientTLSConfig: %v", err)
	}
	body, err := httpsGet(url, clientCfg)
	if err != nil {
		t.Fatalf("GET with client certificate: %v", err)
	}
	if body != "ok" {
		t.Errorf("unexpected body %q", body)
	}

	anonymous, err := clientTLSConfig(p.CACertPath, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := httpsGet(url, anonymous); err == nil {
		t.Fatal("expected request without client certificate to fail")
	}
}

func TestHTTPS_ServerOnlyAcceptsAnonymousClient(t *testing.T) {
	p := generateTestPKI(t)
	serverCfg, err := NewServerTLSConfig(serverInfo(p, false))
	if err != nil {
		t.Fatal(err)
	}
	url := serveHTTPS(t, serverCfg)

	anonymous, err := clientTLSConfig(p.CACertPath, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if body, err := httpsGet(url, anonymous); err != nil || body != "ok" {
		t.Fatalf("expected ok, got %q / %v", body, err)
	}
}

func TestHTTPS_UntrustedClientRejected(t *testing.T) {
	p := generateTestPKI(t)
	serverCfg, err := NewServerTLSConfig(serverInfo(p, true))
	if err != nil {
		t.Fatal(err)
	}
	url := serveHTTPS(t, serverCfg)

	// Certificado auto-assinado (não pela CA)
	untrustedKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	untrustedTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(99),
		Subject:      pkix.Name{CommonName: "Untrusted Monitor"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	untrustedCertDER, _ := x509.CreateCertificate(rand.Reader, untrustedTemplate, untrustedTemplate, &untrustedKey.PublicKey, untrustedKey)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "untrusted.pem")
	writePEM(t, certPath, "CERTIFICATE", untrustedCertDER)
	keyPath := filepath.Join(dir, "untrusted-key.pem")
	writeKeyPEM(t, keyPath, untrustedKey)

	clientCfg, err := clientTLSConfig(p.CACertPath, certPath, keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := httpsGet(url, clientCfg); err == nil {
		t.Fatal("expected untrusted client certificate to be rejected")
	}
}

func TestNewServerTLSConfig_InvalidCACert(t *testing.T) {
	dir := t.TempDir()
	fakeCA := filepath.Join(dir, "fake-ca.pem")
	os.WriteFile(fakeCA, []byte("not a certificate"), 0644)

	p := generateTestPKI(t)
	info := serverInfo(p, false)
	info.CACert = fakeCA
	if _, err := NewServerTLSConfig(info); err == nil {
		t.Fatal("expected error for invalid CA cert")
	}
}

func TestNewServerTLSConfig_MissingFile(t *testing.T) {
	_, err := NewServerTLSConfig(config.WebTLSInfo{ServerCert: "/nonexistent/web.pem", ServerKey: "/nonexistent/key.pem"})
	if err == nil {
		t.Fatal("expected error for missing cert file")
	}
}
