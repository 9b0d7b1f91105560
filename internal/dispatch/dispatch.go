// Package dispatch implements the per-request path (C7): resolve Host ->
// upstream, rewrite the URI, select the upstream scheme, and branch into a
// pooled HTTP(S) forward or the WebSocket bridge on Upgrade.
//
// Grounded in original_source/src/proxy.rs's proxy_request/extract_host and
// in the teacher's caddyhttp/proxy/proxy.go request-rewriting conventions.
package dispatch

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/loopreactor/hostproxy/internal/proxyconfig"
	"github.com/loopreactor/hostproxy/internal/proxylog"
	"github.com/loopreactor/hostproxy/internal/wsbridge"
	"go.uber.org/zap"
)

// Transport is satisfied by http.RoundTripper; kept as its own name so the
// dispatcher's dependency on "a thing that round-trips requests" reads
// clearly at call sites.
type Transport interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// Dispatcher is the stateless per-request handler. It holds no per-request
// state beyond the request itself; the pools below are shared across every
// invocation and manage their own connection reuse.
type Dispatcher struct {
	Cell *proxyconfig.Cell

	// HTTPTransport and HTTPSTransport are the pooled client transports used
	// for plain and TLS-terminated upstream forwards, respectively. Each
	// internally manages its own connection pool; the dispatcher never
	// retries a failed round trip.
	HTTPTransport  Transport
	HTTPSTransport Transport

	// ListenerIsHTTPS identifies whether this Dispatcher instance is bound to the
	// plain HTTP listener or the HTTPS listener, which controls the
	// HTTP/1.1 downgrade in §4.7 step 5.
	ListenerIsHTTPS bool
}

// New builds a Dispatcher sharing cell and the two pooled transports.
func New(cell *proxyconfig.Cell, httpTransport, httpsTransport Transport, listenerIsHTTPS bool) *Dispatcher {
	return &Dispatcher{
		Cell:            cell,
		HTTPTransport:   httpTransport,
		HTTPSTransport:  httpsTransport,
		ListenerIsHTTPS: listenerIsHTTPS,
	}
}

// ServeHTTP implements http.Handler, executing the pipeline of §4.7.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := proxylog.Named("dispatch")

	host := effectiveHost(r)
	if host == "" {
		http.Error(w, "The `Host` does not exist in the headers", http.StatusFailedDependency)
		return
	}

	snap := d.Cell.Read()
	route, ok := snap.Hosts[host]
	if !ok {
		http.Error(w, "Unknown `Host` in the headers", http.StatusFailedDependency)
		return
	}

	pathAndQuery := pathAndQuery(r)
	upstreamURI := fmt.Sprintf("%s://%s:%d%s", route.Protocol, route.IP, route.Port, pathAndQuery)

	newURL, err := rewriteURL(r, upstreamURI)
	if err != nil {
		log.Error("failed to rewrite upstream uri", zap.String("upstream_uri", upstreamURI), zap.Error(err))
		http.Error(w, "bad upstream configuration", http.StatusBadGateway)
		return
	}
	r.URL = newURL
	r.RequestURI = ""

	if d.ListenerIsHTTPS {
		r.Proto = "HTTP/1.1"
		r.ProtoMajor = 1
		r.ProtoMinor = 1
	}

	switch route.Protocol {
	case proxyconfig.ProtoHTTPS:
		d.forward(w, r, d.HTTPSTransport, log)

	case proxyconfig.ProtoHTTP:
		if r.Header.Get("Upgrade") != "" {
			wsbridge.Serve(w, r, upstreamURI)
			return
		}
		d.forward(w, r, d.HTTPTransport, log)

	default:
		// ws/wss (which pass config validation) fall through to the plain
		// HTTP client pool, with or without an Upgrade header; the
		// WebSocket bridge is engaged only for http routes.
		d.forward(w, r, d.HTTPTransport, log)
	}
}

// forward round-trips r through transport and copies the response verbatim
// to w. No retry on failure, per §4.7 step 7 / §9.
func (d *Dispatcher) forward(w http.ResponseWriter, r *http.Request, transport Transport, log *zap.Logger) {
	resp, err := transport.RoundTrip(r)
	if err != nil {
		log.Error("upstream transport failure", zap.String("upstream", r.URL.String()), zap.Error(err))
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = copyBody(w, resp.Body)
}

// effectiveHost resolves the host used to look up the route: prefer the
// Host header (lower-cased), falling back to the URI authority. Matches
// original_source/src/proxy.rs's extract_host, which never consults the TLS
// SNI name for routing (SNI only selects a certificate).
func effectiveHost(r *http.Request) string {
	if r.Host != "" {
		return strings.ToLower(r.Host)
	}
	if r.URL != nil && r.URL.Host != "" {
		return strings.ToLower(r.URL.Host)
	}
	return ""
}

func pathAndQuery(r *http.Request) string {
	if r.URL == nil {
		return "/"
	}
	if r.URL.RawQuery == "" {
		if r.URL.Path == "" {
			return "/"
		}
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}
