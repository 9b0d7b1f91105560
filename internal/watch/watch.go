// Package watch implements the control plane's file-modification polling
// loop. It does not use a kernel notification API (inotify/kqueue/fsnotify)
// on purpose: portability across platforms and network filesystems matters
// more than sub-second latency for a control-plane signal, and polling makes
// coalescing trivial. Two independent 1Hz loops run — one for the config file, one
// for TLS artifacts — following original_source/src/main.rs's split rather
// than a single combined task, so a slow config parse never delays artifact
// mtime polling.
package watch

import (
	"context"
	"os"
	"time"

	"github.com/loopreactor/hostproxy/internal/proxyconfig"
	"github.com/loopreactor/hostproxy/internal/proxylog"
	"go.uber.org/zap"
)

// Signal is a tagged reload notification. Only the latest signal matters to
// a subscriber — see Latest, the coalescing channel below.
type Signal int

const (
	// ConfigChanged means a new snapshot was published to the Cell.
	ConfigChanged Signal = iota
	// TLSArtifactChanged means a watched certificate or key file's mtime moved.
	TLSArtifactChanged
)

func (s Signal) String() string {
	switch s {
	case ConfigChanged:
		return "config-changed"
	case TLSArtifactChanged:
		return "tls-artifact-changed"
	default:
		return "unknown-signal"
	}
}

const tick = 1 * time.Second

// Latest is a single-writer-many-reader level-triggered channel: a send
// never blocks, and only the most recently sent value is observable. A
// burst of config/artifact changes during one supervisor cycle coalesces
// into a single restart.
type Latest struct {
	ch chan Signal
}

// NewLatest creates a coalescing channel with room for exactly one
// in-flight value.
func NewLatest() *Latest {
	return &Latest{ch: make(chan Signal, 1)}
}

// Send publishes sig, replacing any unconsumed previous value.
func (l *Latest) Send(sig Signal) {
	for {
		select {
		case l.ch <- sig:
			return
		default:
			select {
			case <-l.ch:
			default:
			}
		}
	}
}

// C exposes the channel for receiving.
func (l *Latest) C() <-chan Signal {
	return l.ch
}

// RunConfigLoop polls path at 1Hz. On first observation, and on every mtime
// change thereafter, it re-runs proxyconfig.Load: on success it publishes
// the new snapshot to cell and emits ConfigChanged; on a validation failure
// it logs a warning and retains the cell's current snapshot, but still
// advances the stored mtime so the next tick compares against this change
// rather than re-evaluating it forever.
func RunConfigLoop(ctx context.Context, path string, cell *proxyconfig.Cell, out *Latest) {
	log := proxylog.Named("watch.config")
	var lastMtime time.Time
	var haveMtime bool

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		mtime, statErr := statMtime(path)
		changed := !haveMtime || (statErr == nil && !mtime.Equal(lastMtime))
		if statErr == nil {
			lastMtime = mtime
			haveMtime = true
		}

		if changed {
			snap, err := proxyconfig.Load(path)
			if err != nil {
				log.Warn("config reload failed validation; keeping previous snapshot",
					zap.String("path", path), zap.Error(err))
			} else {
				cell.Replace(snap)
				out.Send(ConfigChanged)
				log.Info("config reloaded", zap.String("path", path), zap.Int("hosts", len(snap.Hosts)))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunArtifactLoop polls, at 1Hz, the set of TLS certificate/key paths
// referenced by the current snapshot (default cert+key plus every
// configured host override). It emits TLSArtifactChanged whenever any
// watched path's mtime has moved, or whenever the set of watched paths
// itself changes (a path left the set since the last tick). The first tick
// only primes the state; it never emits.
func RunArtifactLoop(ctx context.Context, cell *proxyconfig.Cell, out *Latest) {
	log := proxylog.Named("watch.artifacts")
	state := map[string]time.Time{}
	primed := false

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		snap := cell.Read()
		paths := artifactPaths(snap)

		newState := make(map[string]time.Time, len(paths))
		changed := false
		for _, p := range paths {
			mtime, err := statMtime(p)
			if err != nil {
				continue
			}
			newState[p] = mtime
			if prev, ok := state[p]; !ok || !prev.Equal(mtime) {
				changed = true
			}
		}
		if len(newState) != len(state) {
			changed = true
		} else {
			for p := range state {
				if _, ok := newState[p]; !ok {
					changed = true
					break
				}
			}
		}

		state = newState

		if primed && changed {
			out.Send(TLSArtifactChanged)
			log.Info("tls artifact change detected", zap.Int("watched_paths", len(state)))
		}
		primed = true

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// artifactPaths collects every cert/key path the current snapshot
// references: the global default pair plus each host's override pair.
func artifactPaths(snap proxyconfig.Snapshot) []string {
	paths := []string{snap.DefaultCertPath, snap.DefaultKeyPath}
	for _, name := range snap.HostNames() {
		route := snap.Hosts[name]
		if route.TLS == nil {
			continue
		}
		if route.TLS.CertPath != "" {
			paths = append(paths, route.TLS.CertPath)
		}
		if route.TLS.KeyPath != "" {
			paths = append(paths, route.TLS.KeyPath)
		}
	}
	return paths
}

func statMtime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
