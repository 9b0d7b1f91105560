// Package httpsupervisor implements the HTTPS listener supervisor (C6): the
// single long-running task that owns at most one child HTTPS listener and
// restarts it according to the transition table in spec.md §4.6.
package httpsupervisor

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/loopreactor/hostproxy/internal/proxyconfig"
	"github.com/loopreactor/hostproxy/internal/proxylog"
	"github.com/loopreactor/hostproxy/internal/sni"
	"github.com/loopreactor/hostproxy/internal/watch"
	"go.uber.org/zap"
)

// child is the supervisor's handle on the live HTTPS listener task.
type child struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *child) abort() {
	c.cancel()
	<-c.done
}

// Supervisor owns the HTTPS listener and reacts to reload signals by
// comparing TLS signatures. It is the only component that starts, restarts,
// or stops the HTTPS listener.
type Supervisor struct {
	Cell    *proxyconfig.Cell
	Handler http.Handler

	mu            sync.Mutex
	activeChild   *child
	lastSignature *Signature
}

// New creates a Supervisor bound to cell, serving handler on every accepted
// HTTPS connection.
func New(cell *proxyconfig.Cell, handler http.Handler) *Supervisor {
	return &Supervisor{Cell: cell, Handler: handler}
}

// Run is the supervisor's event loop. It blocks until ctx is canceled, at
// which point it aborts any running child and returns. The first cycle
// always uses a synthetic ConfigChanged, matching §4.6 step 1.
func (s *Supervisor) Run(ctx context.Context, signals *watch.Latest) {
	log := proxylog.Named("https-supervisor")

	s.handleSignal(ctx, watch.ConfigChanged, log)

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.activeChild != nil {
				s.activeChild.abort()
				s.activeChild = nil
			}
			s.mu.Unlock()
			return
		case sig, ok := <-signals.C():
			if !ok {
				s.mu.Lock()
				if s.activeChild != nil {
					s.activeChild.abort()
					s.activeChild = nil
				}
				s.mu.Unlock()
				return
			}
			s.handleSignal(ctx, sig, log)
		}
	}
}

// handleSignal implements the transition table of §4.6.
func (s *Supervisor) handleSignal(ctx context.Context, sig watch.Signal, log *zap.Logger) {
	snap := s.Cell.Read()
	sslEnabled := snap.HTTPSEnabled
	newSig := ComputeSignature(snap)

	s.mu.Lock()
	defer s.mu.Unlock()

	hasChild := s.activeChild != nil

	switch {
	case sslEnabled && !hasChild:
		s.spawnLocked(ctx, snap, newSig, log)

	case sslEnabled && hasChild && sig == watch.TLSArtifactChanged:
		log.Info("tls artifact changed; forcing https listener restart")
		s.activeChild.abort()
		s.activeChild = nil
		s.spawnLocked(ctx, snap, newSig, log)

	case sslEnabled && hasChild && sig == watch.ConfigChanged:
		if s.lastSignature != nil && s.lastSignature.Equal(newSig) {
			return // signature unchanged: no-op, avoid thrashing on cosmetic edits
		}
		log.Info("tls signature changed; restarting https listener")
		s.activeChild.abort()
		s.activeChild = nil
		s.spawnLocked(ctx, snap, newSig, log)

	case !sslEnabled && hasChild:
		log.Info("https disabled; stopping listener")
		s.activeChild.abort()
		s.activeChild = nil
		s.lastSignature = nil

	default:
		// !sslEnabled && !hasChild: nothing to do.
	}
}

// spawnLocked builds the TLS config and binds a new listener task. Callers
// must hold s.mu. If the TLS config cannot be built (no certificate
// loadable at all) or the bind fails, the child is simply not spawned; the
// supervisor will try again on the next signal.
func (s *Supervisor) spawnLocked(parent context.Context, snap proxyconfig.Snapshot, sig Signature, log *zap.Logger) {
	tlsConf, err := sni.BuildServerConfig(snap)
	if err != nil {
		log.Error("https not servable this cycle: no certificate could be loaded", zap.Error(err))
		return
	}

	addr := portAddr(snap.HTTPSPort)
	ln, err := tls.Listen("tcp", addr, tlsConf)
	if err != nil {
		log.Error("failed to bind https listener", zap.String("addr", addr), zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	c := &child{cancel: cancel, done: done}

	srv := &http.Server{Handler: s.Handler}

	go func() {
		defer close(done)
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		if err := srv.Serve(ln); err != nil && ctx.Err() == nil {
			log.Error("https listener exited unexpectedly", zap.Error(err))
		}
	}()

	s.activeChild = c
	s.lastSignature = &sig
	log.Info("https listener started", zap.String("addr", addr))
}

func portAddr(port uint16) string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(int(port)))
}
