package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loopreactor/hostproxy/internal/dispatch"
	"github.com/loopreactor/hostproxy/internal/httpsupervisor"
	"github.com/loopreactor/hostproxy/internal/proxyconfig"
	"github.com/loopreactor/hostproxy/internal/proxylog"
	"github.com/loopreactor/hostproxy/internal/watch"
	"go.uber.org/zap"
)

// run loads the initial configuration, wires every component together, and
// blocks until SIGINT/SIGTERM. A startup config validation failure is fatal;
// a reload-time validation failure is logged and the previous snapshot is
// retained.
func run(configPath string, log *zap.Logger) error {
	initial, err := proxyconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading initial config %q: %w", configPath, err)
	}
	log.Info("loaded initial configuration",
		zap.String("path", configPath),
		zap.Uint16("http_port", initial.HTTPPort),
		zap.Bool("https_enabled", initial.HTTPSEnabled),
		zap.Strings("hosts", initial.HostNames()),
	)

	// log_proxy sink: once per configured host at listener start, never again
	// on reload (SPEC_FULL.md External Interfaces / DESIGN.md ambient stack).
	for _, name := range initial.HostNames() {
		route := initial.Hosts[name]
		proxylog.LogHostStart(name, string(route.Protocol), route.IP, route.Port)
	}

	cell := proxyconfig.NewCell(initial)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configSignals := watch.NewLatest()
	artifactSignals := watch.NewLatest()
	supervisorSignals := watch.NewLatest()

	go watch.RunConfigLoop(ctx, configPath, cell, configSignals)
	go watch.RunArtifactLoop(ctx, cell, artifactSignals)
	go fanIn(ctx, supervisorSignals, configSignals, artifactSignals)

	httpTransport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	httpsTransport := httpTransport.Clone()
	httpsTransport.TLSClientConfig = nil // upstream certs are validated normally; no insecure override

	httpDispatcher := dispatch.New(cell, httpTransport, httpsTransport, false)
	httpsDispatcher := dispatch.New(cell, httpTransport, httpsTransport, true)

	sup := httpsupervisor.New(cell, httpsDispatcher)
	go sup.Run(ctx, supervisorSignals)

	errc := make(chan error, 1)
	go serveHTTP(ctx, cell, httpDispatcher, log, errc)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-errc:
		return err
	}
}

// fanIn merges config and artifact reload signals onto one channel, since
// the supervisor reads from a single source; the signal value still tells it
// TLSArtifactChanged (always forces a restart) apart from ConfigChanged
// (restarts only on a TLS signature change). Because out is itself a Latest, a
// TLSArtifactChanged can be coalesced away by a ConfigChanged that lands
// right after it — a cert rotation racing a signature-neutral config edit
// loses the forced restart. This is the level-triggered "something changed"
// semantics §3/§5 call for, not a bug to fix here.
func fanIn(ctx context.Context, out *watch.Latest, a, b *watch.Latest) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-a.C():
			if !ok {
				return
			}
			out.Send(sig)
		case sig, ok := <-b.C():
			if !ok {
				return
			}
			out.Send(sig)
		}
	}
}

// serveHTTP runs the always-on plain HTTP listener. Its port is re-read from
// the live snapshot only at startup: changing the HTTP port at runtime
// requires a process restart, since (unlike the HTTPS supervisor) there is
// no dedicated component managing this listener's lifecycle.
func serveHTTP(ctx context.Context, cell *proxyconfig.Cell, handler http.Handler, log *zap.Logger, errc chan<- error) {
	snap := cell.Read()
	addr := fmt.Sprintf(":%d", snap.HTTPPort)

	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("http listener starting", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errc <- fmt.Errorf("http listener: %w", err)
		return
	}
	errc <- nil
}
