package dispatch

import (
	"io"
	"net/http"
	"net/url"
)

// rewriteURL parses upstreamURI into a new *url.URL; r.URL is not consulted.
// The path and query are already baked into upstreamURI by the caller, so
// parsing it is the simplest way to get a well-formed *url.URL back out.
func rewriteURL(r *http.Request, upstreamURI string) (*url.URL, error) {
	return url.ParseRequestURI(upstreamURI)
}

// hopByHopHeaders are stripped before forwarding a response, matching the
// standard reverse-proxy hop-by-hop header list (RFC 7230 §6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
}

func copyBody(dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, src)
}
