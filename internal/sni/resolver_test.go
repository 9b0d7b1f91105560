package sni

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loopreactor/hostproxy/internal/proxyconfig"
)

// writeSelfSigned writes a throwaway self-signed EC certificate/key pair
// named by commonName to dir, returning the cert and key file paths.
func writeSelfSigned(t *testing.T, dir, fileStem, commonName string) (certPath, keyPath string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     []string{commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	certPath = filepath.Join(dir, fileStem+".crt")
	keyPath = filepath.Join(dir, fileStem+".key")

	certOut, err := os.Create(certPath)
	if err != nil {
		t.Fatalf("create cert file: %v", err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		t.Fatalf("encode cert: %v", err)
	}
	certOut.Close()

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal ec key: %v", err)
	}
	keyOut, err := os.Create(keyPath)
	if err != nil {
		t.Fatalf("create key file: %v", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}); err != nil {
		t.Fatalf("encode key: %v", err)
	}
	keyOut.Close()

	return certPath, keyPath
}

func TestBuildServerConfigSNIDispatch(t *testing.T) {
	dir := t.TempDir()
	defCert, defKey := writeSelfSigned(t, dir, "default", "default.example")
	bCert, bKey := writeSelfSigned(t, dir, "b", "b.local")

	snap := proxyconfig.Snapshot{
		DefaultCertPath: defCert,
		DefaultKeyPath:  defKey,
		Hosts: map[string]proxyconfig.HostRoute{
			"b.local": {TLS: &proxyconfig.HostTLS{CertPath: bCert, KeyPath: bKey}},
		},
	}

	cfg, err := BuildServerConfig(snap)
	if err != nil {
		t.Fatalf("BuildServerConfig: %v", err)
	}

	certB, err := cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "B.Local"})
	if err != nil {
		t.Fatalf("GetCertificate(b.local): %v", err)
	}
	leafB, _ := x509.ParseCertificate(certB.Certificate[0])
	if leafB.Subject.CommonName != "b.local" {
		t.Errorf("expected b.local's cert, got CN=%s", leafB.Subject.CommonName)
	}

	certDefault, err := cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "c.local"})
	if err != nil {
		t.Fatalf("GetCertificate(c.local): %v", err)
	}
	leafDefault, _ := x509.ParseCertificate(certDefault.Certificate[0])
	if leafDefault.Subject.CommonName != "default.example" {
		t.Errorf("expected default cert for unknown SNI, got CN=%s", leafDefault.Subject.CommonName)
	}
}

func TestBuildServerConfigPromotesHostCertWhenDefaultMissing(t *testing.T) {
	dir := t.TempDir()
	bCert, bKey := writeSelfSigned(t, dir, "b", "b.local")

	snap := proxyconfig.Snapshot{
		DefaultCertPath: filepath.Join(dir, "missing.crt"),
		DefaultKeyPath:  filepath.Join(dir, "missing.key"),
		Hosts: map[string]proxyconfig.HostRoute{
			"b.local": {TLS: &proxyconfig.HostTLS{CertPath: bCert, KeyPath: bKey}},
		},
	}

	cfg, err := BuildServerConfig(snap)
	if err != nil {
		t.Fatalf("expected promotion to succeed, got error: %v", err)
	}
	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: ""})
	if err != nil {
		t.Fatalf("GetCertificate with no SNI: %v", err)
	}
	leaf, _ := x509.ParseCertificate(cert.Certificate[0])
	if leaf.Subject.CommonName != "b.local" {
		t.Errorf("expected b.local's cert promoted to default, got CN=%s", leaf.Subject.CommonName)
	}
}

func TestBuildServerConfigNoCertificatesAvailable(t *testing.T) {
	dir := t.TempDir()
	snap := proxyconfig.Snapshot{
		DefaultCertPath: filepath.Join(dir, "missing.crt"),
		DefaultKeyPath:  filepath.Join(dir, "missing.key"),
	}
	_, err := BuildServerConfig(snap)
	if err == nil {
		t.Fatal("expected an error when no certificate is loadable")
	}
}
