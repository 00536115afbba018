package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/erikarenhill/mqtt-multi-proxy/internal/metrics"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/mqtt"
)

// upstreamDriverID is the dedup-cache key for the Upstream Driver's own
// defensive inbound dedup list: a single shared list covering every
// bidirectional broker's echoes, rather than one list per broker.
const upstreamDriverID = "__upstream_driver__"

// ObserveFunc receives a copy of every publication the Upstream Driver
// processes, for the admin observation stream.
type ObserveFunc func(topic string, payload []byte)

// UpstreamDriver maintains one session to the upstream broker subscribed
// to "#" and forwards every inbound publication into the Connection
// Manager.
type UpstreamDriver struct {
	addr    string
	manager *Manager
	metrics *metrics.Registry
	observe ObserveFunc
	logger  *slog.Logger

	dedup *dedupCache

	mu     sync.Mutex
	conn   *mqtt.Conn
	cancel context.CancelFunc
}

// NewUpstreamDriver constructs a driver for the upstream broker at addr
// ("host:port").
func NewUpstreamDriver(addr string, manager *Manager, metricsReg *metrics.Registry, observe ObserveFunc, logger *slog.Logger) *UpstreamDriver {
	return &UpstreamDriver{
		addr:    addr,
		manager: manager,
		metrics: metricsReg,
		observe: observe,
		logger:  logger,
		dedup:   newDedupCache(),
	}
}

// Start connects to the upstream broker and begins processing inbound
// publications. It blocks until the initial connection succeeds or ctx is
// done; the connection then runs in the background until Stop is called.
func (d *UpstreamDriver) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())

	sm := mqtt.NewServeMux()
	if err := sm.HandleFunc("#", func(m mqtt.Message) error {
		d.onPublish(m)
		return nil
	}); err != nil {
		cancel()
		return fmt.Errorf("proxy: upstream driver: register handler: %w", err)
	}

	dialer := &mqtt.Dialer{
		ID:                "upstream-driver",
		ConnectRetryDelay: reconnectBackoff,
		ServeMux:          sm,
		OnConnectError: func(err error) {
			d.logger.Warn("upstream driver transport error", "error", err)
		},
		OnConnectionUp: func() {
			d.logger.Info("upstream driver connected")
		},
	}

	conn, err := dialer.Dial(ctx, "mqtt://"+d.addr)
	if err != nil {
		cancel()
		return fmt.Errorf("proxy: upstream driver: dial: %w", err)
	}

	// Re-subscribe to "#" on every (re)connect via AutoResubscribe, since
	// the session may be reconnecting after a drop.
	if err := conn.SubscribeAll(runCtx, []string{"#"}, mqtt.AtMostOnce, mqtt.AutoResubscribe{}); err != nil {
		cancel()
		_ = conn.Close()
		return fmt.Errorf("proxy: upstream driver: subscribe: %w", err)
	}

	d.mu.Lock()
	d.conn = conn
	d.cancel = cancel
	d.mu.Unlock()
	return nil
}

// onPublish handles one inbound PUBLISH from the upstream broker.
func (d *UpstreamDriver) onPublish(m mqtt.Message) {
	start := time.Now()
	pub := m.Packet

	if d.metrics != nil {
		d.metrics.MessagesReceived.Add(1)
	}

	hash := messageHash(pub.Topic, pub.Payload)
	if d.dedup.testAndConsume(upstreamDriverID, hash, start) {
		d.logger.Debug("upstream driver dropping defensive echo", "topic", pub.Topic)
		return
	}
	d.dedup.record(upstreamDriverID, hash, start)

	if d.observe != nil {
		d.observe(pub.Topic, pub.Payload)
	}

	d.manager.Forward(pub.Topic, pub.Payload, pub.QoS, pub.Retain)

	if d.metrics != nil {
		d.metrics.TotalLatencyNS.Add(uint64(time.Since(start).Nanoseconds()))
	}
}

// Restart tears down the current connection and reconnects using addr
// (which may differ from the original upstream endpoint).
func (d *UpstreamDriver) Restart(ctx context.Context, addr string) error {
	d.Stop()
	d.addr = addr
	return d.Start(ctx)
}

// Stop disconnects the upstream driver.
func (d *UpstreamDriver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
}
