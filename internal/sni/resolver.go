// Package sni implements the mapping from a TLS ClientHello server name to a
// certified key (C4), and the construction of a *tls.Config from a
// configuration snapshot (C5). It is adapted from the teacher's
// caddytls.Config.getCertificate / GetCertificate pair in
// caddytls/handshake.go, simplified to exact-match-or-default since the
// core explicitly does not need wildcard SNI matching.
package sni

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/loopreactor/hostproxy/internal/proxyconfig"
	"github.com/loopreactor/hostproxy/internal/proxylog"
	"go.uber.org/zap"
)

// Resolver maps a lower-cased server name to a loaded certificate, falling
// back to a single default. It never returns nothing: GetCertificate always
// produces a certificate, using the default as the last resort, so a TLS
// handshake can always complete.
type Resolver struct {
	byHost  map[string]*tls.Certificate
	Default *tls.Certificate
}

// NewResolver builds a Resolver from a host-to-certificate map and a
// mandatory default certificate.
func NewResolver(byHost map[string]*tls.Certificate, def *tls.Certificate) *Resolver {
	return &Resolver{byHost: byHost, Default: def}
}

// GetCertificate is installed as tls.Config.GetCertificate. It looks up
// clientHello.ServerName case-insensitively against the exact-match table
// only — no wildcard matching in the core, per §4.4 — and falls back to the
// default certificate when there is no match or no server name at all.
func (r *Resolver) GetCertificate(clientHello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.ToLower(clientHello.ServerName)
	if cert, ok := r.byHost[name]; ok {
		return cert, nil
	}
	if r.Default != nil {
		return r.Default, nil
	}
	return nil, fmt.Errorf("no certificate available for %q and no default is loaded", name)
}

// BuildServerConfig loads the default certificate and every per-host
// override referenced by snap, and returns a *tls.Config whose
// GetCertificate callback is backed by the resulting Resolver.
//
// Per-host load failures are logged and that host is simply left without an
// override, falling back to the default at handshake time (§4.5). If the
// default fails to load but at least one host override succeeded, an
// arbitrary loaded certificate is promoted to serve as the default. If
// nothing at all loads, BuildServerConfig returns an error — the caller (the
// HTTPS supervisor) treats that as "not servable this cycle" and does not
// spawn a listener.
func BuildServerConfig(snap proxyconfig.Snapshot) (*tls.Config, error) {
	log := proxylog.Named("sni")

	byHost := make(map[string]*tls.Certificate)
	for _, name := range snap.HostNames() {
		route := snap.Hosts[name]
		if route.TLS == nil || route.TLS.CertPath == "" || route.TLS.KeyPath == "" {
			continue
		}
		cert, err := loadCertificate(route.TLS.CertPath, route.TLS.KeyPath)
		if err != nil {
			log.Warn("failed to load host TLS override; host falls back to default cert",
				zap.String("host", name), zap.Error(err))
			continue
		}
		byHost[name] = cert
	}

	def, err := loadCertificate(snap.DefaultCertPath, snap.DefaultKeyPath)
	if err != nil {
		if len(byHost) > 0 {
			for name, cert := range byHost {
				log.Warn("default certificate failed to load; promoting a host certificate as default",
					zap.String("promoted_from_host", name), zap.Error(err))
				def = cert
				break
			}
		} else {
			return nil, fmt.Errorf("no certificate available: default load failed (%w) and no host override loaded", err)
		}
	}

	resolver := NewResolver(byHost, def)
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: resolver.GetCertificate,
	}, nil
}

// loadCertificate reads a PEM certificate chain (leaf-first, one or more
// CERTIFICATE blocks) and a PEM private key (PKCS#8, PKCS#1 RSA, or SEC1 EC;
// tls.LoadX509KeyPair takes the first recognized key block). An empty
// certificate chain is rejected.
func loadCertificate(certPath, keyPath string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	if len(cert.Certificate) == 0 {
		return nil, fmt.Errorf("certificate chain in %s is empty", certPath)
	}
	return &cert, nil
}
