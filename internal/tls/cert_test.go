package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"
)

func TestSelfSignedHosts(t *testing.T) {
	cert, err := SelfSigned([]string{"engine.local", "192.168.1.10"}, time.Hour)
	if err != nil {
		t.Fatalf("SelfSigned() error = %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}

	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "engine.local" {
		t.Errorf("DNSNames = %v, want [engine.local]", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 1 || !leaf.IPAddresses[0].Equal(net.ParseIP("192.168.1.10")) {
		t.Errorf("IPAddresses = %v, want [192.168.1.10]", leaf.IPAddresses)
	}
	if got := leaf.NotAfter.Sub(leaf.NotBefore); got != time.Hour {
		t.Errorf("validity = %v, want 1h", got)
	}
	if leaf.Subject.Organization[0] != "enginegate" {
		t.Errorf("Organization = %v", leaf.Subject.Organization)
	}
}

func TestSelfSignedDefaults(t *testing.T) {
	cert, err := SelfSigned(nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	leaf, _ := x509.ParseCertificate(cert.Certificate[0])
	if err := leaf.VerifyHostname("localhost"); err != nil {
		t.Errorf("VerifyHostname(localhost) error = %v", err)
	}
	if err := leaf.VerifyHostname("127.0.0.1"); err != nil {
		t.Errorf("VerifyHostname(127.0.0.1) error = %v", err)
	}
	if got := leaf.NotAfter.Sub(leaf.NotBefore); got != DefaultValidity {
		t.Errorf("validity = %v, want %v", got, DefaultValidity)
	}
}

func TestServerConfigGenerated(t *testing.T) {
	cfg, info, err := ServerConfig(Options{})
	if err != nil {
		t.Fatalf("ServerConfig() error = %v", err)
	}
	if !info.Generated {
		t.Error("Generated = false for a config without files")
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("Certificates = %d, want 1", len(cfg.Certificates))
	}
	if !regexp.MustCompile(`^([0-9A-F]{2}:){31}[0-9A-F]{2}$`).MatchString(info.Fingerprint) {
		t.Errorf("Fingerprint = %q, not colon-separated SHA-256 hex", info.Fingerprint)
	}
}

func TestServerConfigFromFiles(t *testing.T) {
	cert, err := SelfSigned(nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	writePEM(t, certFile, "CERTIFICATE", cert.Certificate[0])
	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	writePEM(t, keyFile, "PRIVATE KEY", keyDER)

	_, info, err := ServerConfig(Options{CertFile: certFile, KeyFile: keyFile})
	if err != nil {
		t.Fatalf("ServerConfig() error = %v", err)
	}
	if info.Generated {
		t.Error("Generated = true for a configured pair")
	}
	leaf, _ := x509.ParseCertificate(cert.Certificate[0])
	if info.Fingerprint != Fingerprint(leaf) {
		t.Errorf("Fingerprint = %q, want %q", info.Fingerprint, Fingerprint(leaf))
	}
}

func TestServerConfigErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		opts Options
	}{
		{"cert without key", Options{CertFile: filepath.Join(dir, "a.crt")}},
		{"key without cert", Options{KeyFile: filepath.Join(dir, "a.key")}},
		{"missing files", Options{CertFile: filepath.Join(dir, "a.crt"), KeyFile: filepath.Join(dir, "a.key")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ServerConfig(tt.opts); err == nil {
				t.Error("ServerConfig() error = nil")
			}
		})
	}
}

func TestFingerprintStable(t *testing.T) {
	cert, err := SelfSigned(nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	leaf, _ := x509.ParseCertificate(cert.Certificate[0])
	if Fingerprint(leaf) != Fingerprint(leaf) {
		t.Error("Fingerprint() differs between calls")
	}
	other, _ := SelfSigned(nil, time.Hour)
	otherLeaf, _ := x509.ParseCertificate(other.Certificate[0])
	if Fingerprint(leaf) == Fingerprint(otherLeaf) {
		t.Error("two certificates share a fingerprint")
	}
}

func writePEM(t *testing.T, path, typ string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
}
