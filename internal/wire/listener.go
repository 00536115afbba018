package wire

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/erikarenhill/mqtt-multi-proxy/internal/metrics"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/registry"
)

// Listener accepts TCP connections and hands each one to a conn for
// framing and state-machine handling.
type Listener struct {
	addr     string
	manager  Forwarder
	registry *registry.Registry
	metrics  *metrics.Registry
	observe  Observer
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewListener constructs a Listener bound to addr. observe may be nil; when
// set it receives a copy of every client PUBLISH for the admin observation
// stream.
func NewListener(addr string, manager Forwarder, reg *registry.Registry, metricsReg *metrics.Registry, observe Observer, logger *slog.Logger) *Listener {
	return &Listener{
		addr:     addr,
		manager:  manager,
		registry: reg,
		metrics:  metricsReg,
		observe:  observe,
		logger:   logger,
		conns:    make(map[*conn]struct{}),
	}
}

// Run accepts connections until ctx is cancelled or the listener socket
// fails. It blocks until all spawned connections have finished shutting
// down.
func (l *Listener) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		nc, err := ln.Accept()
		if err != nil {
			wg.Wait()
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		c := newConn(nc, l.manager, l.registry, l.metrics, l.observe, l.logger)
		l.mu.Lock()
		l.conns[c] = struct{}{}
		l.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				l.mu.Lock()
				delete(l.conns, c)
				l.mu.Unlock()
			}()
			c.serve(ctx)
		}()
	}
}

// ActiveConnections reports the number of connections currently being
// served, for metrics/diagnostics.
func (l *Listener) ActiveConnections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}
