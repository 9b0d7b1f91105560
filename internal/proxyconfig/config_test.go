package proxyconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	snap, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	if err != nil {
		t.Fatalf("Load returned error for missing file: %v", err)
	}
	if snap.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", snap.HTTPPort, defaultHTTPPort)
	}
	if snap.HTTPSEnabled {
		t.Error("HTTPSEnabled should default to false")
	}
	if len(snap.Hosts) != 0 {
		t.Errorf("Hosts should be empty, got %d entries", len(snap.Hosts))
	}
}

func TestLoadEmptyFileYieldsDefaults(t *testing.T) {
	path := writeTempConfig(t, "")
	snap, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error for empty file: %v", err)
	}
	if snap.HTTPPort != defaultHTTPPort || snap.HTTPSPort != defaultHTTPSPort {
		t.Errorf("unexpected defaults: %+v", snap)
	}
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTempConfig(t, `
port: 8080
ssl: true
ssl_port: 8443
ssl_cert_file: /etc/proxy/cert.pem
ssl_key_file: /etc/proxy/key.pem
hosts:
  a.LOCAL:
    ip: 127.0.0.1
    port: 9001
    protocol: http
  b.local:
    ip: 10.0.0.5
    port: 9443
    protocol: https
    tls:
      cert_file: /etc/proxy/b.crt
      key_file: /etc/proxy/b.key
`)
	snap, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.HTTPPort != 8080 || snap.HTTPSPort != 8443 || !snap.HTTPSEnabled {
		t.Errorf("unexpected top-level fields: %+v", snap)
	}
	if snap.DefaultCertPath != "/etc/proxy/cert.pem" || snap.DefaultKeyPath != "/etc/proxy/key.pem" {
		t.Errorf("unexpected default TLS paths: %+v", snap)
	}

	route, ok := snap.Hosts["a.local"]
	if !ok {
		t.Fatal("expected host a.local to be present, lower-cased")
	}
	if route.IP != "127.0.0.1" || route.Port != 9001 || route.Protocol != ProtoHTTP {
		t.Errorf("unexpected route for a.local: %+v", route)
	}

	bRoute, ok := snap.Hosts["b.local"]
	if !ok || bRoute.TLS == nil {
		t.Fatalf("expected b.local with TLS override, got %+v", bRoute)
	}
	if bRoute.TLS.CertPath != "/etc/proxy/b.crt" || bRoute.TLS.KeyPath != "/etc/proxy/b.key" {
		t.Errorf("unexpected TLS override: %+v", bRoute.TLS)
	}

	names := snap.HostNames()
	if len(names) != 2 || names[0] != "a.local" || names[1] != "b.local" {
		t.Errorf("expected hosts in file order [a.local b.local], got %v", names)
	}
}

func TestLoadInvalidProtocolReturnsError(t *testing.T) {
	path := writeTempConfig(t, `
hosts:
  bad.local:
    ip: 127.0.0.1
    port: 1
    protocol: ftp
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected an error for an invalid protocol value")
	}
}

func TestLoadUnknownKeysIgnored(t *testing.T) {
	path := writeTempConfig(t, `
port: 8080
totally_unknown_key: true
hosts:
  a.local:
    ip: 127.0.0.1
    port: 1
    protocol: http
    something_else: 1
`)
	snap, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", snap.HTTPPort)
	}
}

func TestCellReplaceIsAtomic(t *testing.T) {
	c := NewCell(defaultSnapshot())
	got := c.Read()
	if got.HTTPPort != defaultHTTPPort {
		t.Fatalf("initial read: %+v", got)
	}

	next := defaultSnapshot()
	next.HTTPPort = 9090
	c.Replace(next)

	got = c.Read()
	if got.HTTPPort != 9090 {
		t.Errorf("HTTPPort after replace = %d, want 9090", got.HTTPPort)
	}
}
