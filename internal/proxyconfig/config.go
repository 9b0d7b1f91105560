// Package proxyconfig implements the proxy's configuration model, the YAML
// loader, and the shared config cell that readers and the watch loop use to
// publish and observe the current snapshot.
package proxyconfig

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Protocol is the upstream protocol a HostRoute forwards to.
type Protocol string

const (
	ProtoHTTP  Protocol = "http"
	ProtoHTTPS Protocol = "https"
	ProtoWS    Protocol = "ws"
	ProtoWSS   Protocol = "wss"
)

func (p Protocol) valid() bool {
	switch p {
	case ProtoHTTP, ProtoHTTPS, ProtoWS, ProtoWSS:
		return true
	default:
		return false
	}
}

// HostTLS is a per-host certificate/key override used for SNI dispatch.
type HostTLS struct {
	CertPath string
	KeyPath  string
}

// HostRoute is the upstream a single configured host name dispatches to.
type HostRoute struct {
	IP       string
	Port     uint16
	Protocol Protocol
	TLS      *HostTLS
}

// Snapshot is an immutable, validated configuration value. It is never
// mutated after construction; readers only ever see a fully-formed value.
type Snapshot struct {
	HTTPPort        uint16
	HTTPSEnabled    bool
	HTTPSPort       uint16
	DefaultCertPath string
	DefaultKeyPath  string

	// hostOrder preserves the order hosts appeared in the source file, for
	// stable log output; Hosts is keyed by lower-cased host name.
	Hosts     map[string]HostRoute
	hostOrder []string
}

// HostNames returns the configured host names in file order. For a snapshot
// whose recorded order does not cover every host (e.g. one not built by
// Load), it returns the keys of Hosts sorted by name.
func (s Snapshot) HostNames() []string {
	if len(s.hostOrder) != len(s.Hosts) {
		out := make([]string, 0, len(s.Hosts))
		for name := range s.Hosts {
			out = append(out, name)
		}
		sort.Strings(out)
		return out
	}
	out := make([]string, len(s.hostOrder))
	copy(out, s.hostOrder)
	return out
}

const (
	defaultHTTPPort  = 80
	defaultHTTPSPort = 443
	defaultCertPath  = "./ssl/certificate.crt"
	defaultKeyPath   = "./ssl/private.pem"
)

// rawConfig mirrors the on-disk YAML shape (see SPEC_FULL.md §External
// Interfaces). Unknown keys are ignored by yaml.v3's default decode
// behavior, matching the spec.
type rawConfig struct {
	Port        *uint16            `yaml:"port"`
	SSL         *bool              `yaml:"ssl"`
	SSLPort     *uint16            `yaml:"ssl_port"`
	SSLCertFile *string            `yaml:"ssl_cert_file"`
	SSLKeyFile  *string            `yaml:"ssl_key_file"`
	Hosts       map[string]rawHost `yaml:"hosts"`
}

type rawHost struct {
	IP       string      `yaml:"ip"`
	Port     uint16      `yaml:"port"`
	Protocol string      `yaml:"protocol"`
	TLS      *rawHostTLS `yaml:"tls"`
}

type rawHostTLS struct {
	CertFile *string `yaml:"cert_file"`
	KeyFile  *string `yaml:"key_file"`
}

// defaultSnapshot returns the all-defaults snapshot used whenever the file
// cannot be read or parsed, and as the base for a successful load.
func defaultSnapshot() Snapshot {
	return Snapshot{
		HTTPPort:        defaultHTTPPort,
		HTTPSEnabled:    false,
		HTTPSPort:       defaultHTTPSPort,
		DefaultCertPath: defaultCertPath,
		DefaultKeyPath:  defaultKeyPath,
		Hosts:           map[string]HostRoute{},
	}
}

// Load reads and validates the YAML config at path, returning an immutable
// Snapshot. A read or parse failure yields the all-defaults snapshot and a
// nil error, so the caller cannot tell it apart from an empty config: it is
// not fatal at startup, and at reload the defaults are published.
//
// A validation failure (a host route with a protocol outside
// http/https/ws/wss) DOES return an error, since the caller must decide
// whether to exit (startup) or keep the previous snapshot (reload).
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultSnapshot(), nil
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return defaultSnapshot(), nil
	}

	snap := defaultSnapshot()
	if raw.Port != nil {
		snap.HTTPPort = *raw.Port
	}
	if raw.SSL != nil {
		snap.HTTPSEnabled = *raw.SSL
	}
	if raw.SSLPort != nil {
		snap.HTTPSPort = *raw.SSLPort
	}
	if raw.SSLCertFile != nil && *raw.SSLCertFile != "" {
		snap.DefaultCertPath = *raw.SSLCertFile
	}
	if raw.SSLKeyFile != nil && *raw.SSLKeyFile != "" {
		snap.DefaultKeyPath = *raw.SSLKeyFile
	}

	snap.Hosts = make(map[string]HostRoute, len(raw.Hosts))
	// yaml.v3 does not preserve map key order; sort by decode order is not
	// available for maps, so we walk the raw yaml.Node for order instead.
	order, err := hostOrderFromYAML(data)
	if err != nil {
		order = nil
	}
	for name, rh := range raw.Hosts {
		lower := strings.ToLower(name)
		proto := Protocol(strings.ToLower(rh.Protocol))
		if !proto.valid() {
			return Snapshot{}, fmt.Errorf("host %q: invalid protocol %q (must be one of http, https, ws, wss)", name, rh.Protocol)
		}
		route := HostRoute{
			IP:       rh.IP,
			Port:     rh.Port,
			Protocol: proto,
		}
		if rh.TLS != nil {
			t := &HostTLS{}
			if rh.TLS.CertFile != nil {
				t.CertPath = *rh.TLS.CertFile
			}
			if rh.TLS.KeyFile != nil {
				t.KeyPath = *rh.TLS.KeyFile
			}
			route.TLS = t
		}
		snap.Hosts[lower] = route
	}

	if len(order) > 0 {
		snap.hostOrder = order
	} else {
		for name := range snap.Hosts {
			snap.hostOrder = append(snap.hostOrder, name)
		}
	}

	return snap, nil
}

// hostOrderFromYAML walks the raw document to recover the order the "hosts"
// mapping keys appeared in, since yaml.v3 decodes maps without preserving
// key order. Only used for stable log output; correctness never depends on
// it.
func hostOrderFromYAML(data []byte) ([]string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, nil
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i]
		if key.Value != "hosts" {
			continue
		}
		hostsNode := root.Content[i+1]
		if hostsNode.Kind != yaml.MappingNode {
			return nil, nil
		}
		var order []string
		for j := 0; j+1 < len(hostsNode.Content); j += 2 {
			order = append(order, strings.ToLower(hostsNode.Content[j].Value))
		}
		return order, nil
	}
	return nil, nil
}
