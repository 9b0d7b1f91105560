package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loopreactor/hostproxy/internal/proxyconfig"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLatestCoalesces(t *testing.T) {
	l := NewLatest()
	l.Send(ConfigChanged)
	l.Send(TLSArtifactChanged)
	l.Send(TLSArtifactChanged)

	select {
	case sig := <-l.C():
		if sig != TLSArtifactChanged {
			t.Errorf("got %v, want TLSArtifactChanged", sig)
		}
	default:
		t.Fatal("expected a coalesced signal to be ready")
	}

	select {
	case sig := <-l.C():
		t.Fatalf("expected channel to be drained, got extra signal %v", sig)
	default:
	}
}

func TestRunConfigLoopEmitsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	writeFile(t, path, "port: 8080\n")

	cell := proxyconfig.NewCell(proxyconfig.Snapshot{})
	out := NewLatest()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go RunConfigLoop(ctx, path, cell, out)

	select {
	case sig := <-out.C():
		if sig != ConfigChanged {
			t.Errorf("got %v, want ConfigChanged", sig)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for initial ConfigChanged")
	}

	if cell.Read().HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cell.Read().HTTPPort)
	}
}

func TestArtifactPathsCollectsDefaultAndOverrides(t *testing.T) {
	snap := proxyconfig.Snapshot{
		DefaultCertPath: "/a/cert.pem",
		DefaultKeyPath:  "/a/key.pem",
		Hosts: map[string]proxyconfig.HostRoute{
			"x.local": {
				TLS: &proxyconfig.HostTLS{CertPath: "/b/cert.pem", KeyPath: "/b/key.pem"},
			},
			"y.local": {},
		},
	}
	paths := artifactPaths(snap)
	want := map[string]bool{
		"/a/cert.pem": true, "/a/key.pem": true,
		"/b/cert.pem": true, "/b/key.pem": true,
	}
	if len(paths) != len(want) {
		t.Fatalf("got %v", paths)
	}
	for _, p := range paths {
		if !want[p] {
			t.Errorf("unexpected path %s", p)
		}
	}
}
