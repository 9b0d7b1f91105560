// Package proxylog provides the process-wide structured logger.
//
// It mirrors the way the teacher's top-level logging.go builds a default
// production logger: JSON-encoded at info level and above, writing to
// stderr, with a console encoder substituted when stderr is a terminal.
package proxylog

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

var (
	mu      sync.RWMutex
	current = newDefault()
)

func newDefault() *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if term.IsTerminal(int(os.Stderr.Fd())) {
		consoleCfg := encCfg
		encoder = zapcore.NewConsoleEncoder(consoleCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zapcore.InfoLevel)
	return zap.New(core)
}

// Log returns the current process-wide logger.
func Log() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Named returns the process logger scoped to a component name, matching
// the teacher's convention of per-module named loggers (caddy.Log().Named(...)).
func Named(name string) *zap.Logger {
	return Log().Named(name)
}

// LogHostStart is the log_proxy(domain, protocol, ip, port) sink from
// SPEC_FULL.md's external interfaces: it fires once per configured host at
// listener start. Reload never calls it again, even when a host's route
// changes — only the initial startup enumeration does.
func LogHostStart(domain, protocol, ip string, port uint16) {
	Named("proxy").Info("routing host",
		zap.String("domain", domain),
		zap.String("protocol", protocol),
		zap.String("ip", ip),
		zap.Uint16("port", port),
	)
}

// SetForTest swaps the process logger, for use by tests that want to
// capture or silence log output. It returns a restore function.
func SetForTest(l *zap.Logger) (restore func()) {
	mu.Lock()
	prev := current
	current = l
	mu.Unlock()
	return func() {
		mu.Lock()
		current = prev
		mu.Unlock()
	}
}
