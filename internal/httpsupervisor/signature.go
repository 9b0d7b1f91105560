package httpsupervisor

import (
	"sort"
	"strings"

	"github.com/loopreactor/hostproxy/internal/proxyconfig"
)

// hostCertPaths is one (host, cert_path, key_path) triple contributing to a
// Signature.
type hostCertPaths struct {
	host, cert, key string
}

// Signature is the restart predicate for the HTTPS supervisor: the tuple of
// everything the HTTPS listener binds to. Two snapshots with an equal
// Signature are interchangeable for the purpose of deciding whether the
// listener must be rebuilt — see §4.6's transition table. Comparing a small
// derived value rather than diffing whole snapshots keeps the decision
// local and cheap, and prevents restarts on cosmetic config edits (e.g.
// reordering unrelated hosts).
type Signature struct {
	httpsPort         uint16
	defaultCertPath   string
	defaultKeyPath    string
	hostTriplesJoined string
}

// ComputeSignature derives the Signature of snap.
func ComputeSignature(snap proxyconfig.Snapshot) Signature {
	var triples []hostCertPaths
	for name, route := range snap.Hosts {
		if route.TLS == nil {
			continue
		}
		triples = append(triples, hostCertPaths{host: name, cert: route.TLS.CertPath, key: route.TLS.KeyPath})
	}
	sort.Slice(triples, func(i, j int) bool { return triples[i].host < triples[j].host })

	var b strings.Builder
	for _, t := range triples {
		b.WriteString(t.host)
		b.WriteByte('\x00')
		b.WriteString(t.cert)
		b.WriteByte('\x00')
		b.WriteString(t.key)
		b.WriteByte('\x1e')
	}

	return Signature{
		httpsPort:         snap.HTTPSPort,
		defaultCertPath:   snap.DefaultCertPath,
		defaultKeyPath:    snap.DefaultKeyPath,
		hostTriplesJoined: b.String(),
	}
}

// Equal reports whether two signatures are interchangeable for the restart
// decision.
func (s Signature) Equal(other Signature) bool {
	return s == other
}
