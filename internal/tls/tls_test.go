package tls

import (
	stdtls "crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/loykin/plugind/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(config.TLSConfig{})
	if err != nil || c != nil {
		t.Fatalf("disabled TLS must return nil, got %v %v", c, err)
	}
}

func TestSetupErrors(t *testing.T) {
	cases := map[string]config.TLSConfig{
		"no source":       {Enabled: true},
		"missing files":   {Enabled: true, Dir: t.TempDir()},
		"bad min version": {Enabled: true, Dir: t.TempDir(), AutoGenerate: true, MinVersion: "1.0"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Setup(c); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSetupAutoGenerateServesHTTPS(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if cfg.MinVersion != stdtls.VersionTLS12 {
		t.Fatalf("min version = %x", cfg.MinVersion)
	}
	certPEM, err := os.ReadFile(filepath.Join(dir, CertFileName))
	if err != nil {
		t.Fatalf("certificate not written: %v", err)
	}
	block, _ := pem.Decode(certPEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	if len(cert.IPAddresses) != 1 || cert.DNSNames[0] != "localhost" {
		t.Fatalf("unexpected SANs: %v %v", cert.DNSNames, cert.IPAddresses)
	}

	ln, err := stdtls.Listen("tcp", "127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})}
	go func() { _ = srv.Serve(ln) }()
	defer func() { _ = srv.Close() }()

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &stdtls.Config{RootCAs: pool, MinVersion: stdtls.VersionTLS12}}}
	resp, err := client.Get("https://" + ln.Addr().String())
	if err != nil {
		t.Fatalf("https get: %v", err)
	}
	_ = resp.Body.Close()

	// a second setup reuses the existing pair
	before, _ := os.Stat(filepath.Join(dir, CertFileName))
	if _, err := Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true}); err != nil {
		t.Fatalf("second setup: %v", err)
	}
	after, _ := os.Stat(filepath.Join(dir, CertFileName))
	if !before.ModTime().Equal(after.ModTime()) {
		t.Fatalf("certificate regenerated")
	}
}
