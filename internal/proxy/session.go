package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/erikarenhill/mqtt-multi-proxy/pkg/mqtt"
)

// publishTimeout bounds every individual publish attempt a session makes,
// to a downstream broker or to the reverse (bidirectional) upstream
// connection.
const publishTimeout = 5 * time.Second

// reconnectBackoff is the delay autopaho waits between reconnect attempts.
const reconnectBackoff = 100 * time.Millisecond

// session is one long-lived client connection to a downstream or upstream
// broker: connect loop (delegated to the embedded autopaho connection
// manager via pkg/mqtt.Dialer), subscribe-on-(re)connect, publish handle,
// connected flag, and a shutdown signal.
type session struct {
	id     string
	config BrokerConfig
	logger *slog.Logger
	dedup  *dedupCache

	connected atomic.Bool

	conn        *mqtt.Conn
	reverseConn *mqtt.Conn // non-nil only when config.Bidirectional

	cancel context.CancelFunc
}

// newSession establishes a forward connection (and, for bidirectional
// brokers, a reverse connection to upstreamAddr) and returns a running
// session. It blocks until the initial forward (and reverse) connection
// succeeds; the dials do not watch ctx, so cancelling ctx does not end the
// wait for an unreachable broker.
func newSession(ctx context.Context, cfg BrokerConfig, dedup *dedupCache, upstreamAddr string, logger *slog.Logger) (*session, error) {
	clientID := cfg.ClientIDPrefix + "-" + uuid.NewString()
	logger = logger.With("broker_id", cfg.ID, "broker_name", cfg.Name, "client_id", clientID)

	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("proxy: session %s: tls config: %w", cfg.ID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	s := &session{id: cfg.ID, config: cfg, logger: logger, dedup: dedup, cancel: cancel}

	sm := mqtt.NewServeMux()
	if cfg.Bidirectional {
		if err := sm.HandleFunc("#", func(m mqtt.Message) error {
			s.onInboundPublish(m)
			return nil
		}); err != nil {
			cancel()
			return nil, fmt.Errorf("proxy: session %s: register handler: %w", cfg.ID, err)
		}
	}

	dialer := &mqtt.Dialer{
		ID:                clientID,
		ConnectRetryDelay: reconnectBackoff,
		ServeMux:          sm,
		TLSConfig:         tlsCfg,
		OnConnectError: func(err error) {
			s.connected.Store(false)
			logger.Warn("mqtt transport error", "error", err)
		},
		OnConnectionUp: func() {
			s.connected.Store(true)
			logger.Info("mqtt connected")
		},
	}

	opts := dialOptions(cfg)
	conn, err := dialer.Dial(runCtx, scheme(cfg)+"://"+cfg.Endpoint(), opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("proxy: session %s: dial: %w", cfg.ID, err)
	}
	s.connected.Store(true)
	s.conn = conn

	if cfg.Bidirectional {
		filters := cfg.effectiveSubscriptionFilters()
		subCtx, subCancel := context.WithTimeout(runCtx, publishTimeout)
		err := conn.SubscribeAll(subCtx, filters, mqtt.AtMostOnce, mqtt.AutoResubscribe{})
		subCancel()
		if err != nil {
			logger.Error("initial subscribe failed", "filters", filters, "error", err)
		}

		reverseDialer := &mqtt.Dialer{
			ID:                cfg.ClientIDPrefix + "-reverse-" + uuid.NewString(),
			ConnectRetryDelay: reconnectBackoff,
			ServeMux:          mqtt.NewServeMux(), // drains inbound; nothing handles it
			OnConnectError: func(err error) {
				logger.Warn("reverse channel transport error", "error", err)
			},
			OnConnectionUp: func() {
				logger.Info("reverse channel connected")
			},
		}
		reverseConn, err := reverseDialer.Dial(runCtx, "mqtt://"+upstreamAddr)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("proxy: session %s: dial reverse channel: %w", cfg.ID, err)
		}
		s.reverseConn = reverseConn
	}

	return s, nil
}

// onInboundPublish handles a PUBLISH received on a bidirectional session's
// forward connection: echo-suppress, then republish to the reverse
// (upstream) connection. Errors are logged, never fatal.
func (s *session) onInboundPublish(m mqtt.Message) {
	pub := m.Packet
	hash := messageHash(pub.Topic, pub.Payload)
	if s.dedup.testAndConsume(s.id, hash, time.Now()) {
		s.logger.Debug("dropping echo", "topic", pub.Topic)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.reverseConn.WriteToTopic(ctx, pub.Payload, pub.Topic); err != nil {
		s.logger.Error("reverse publish failed", "topic", pub.Topic, "error", err)
	}
}

// ID returns the broker id this session was created for.
func (s *session) ID() string {
	return s.id
}

// Config returns the BrokerConfig snapshot this session was created from.
func (s *session) Config() BrokerConfig {
	return s.config
}

// Connected reports whether the forward connection's most recent event was
// a successful ConnAck with no subsequent transport error.
func (s *session) Connected() bool {
	return s.connected.Load()
}

// SetConnected overrides the connected flag, used by the Connection Manager
// to take a session out of the forward candidate pool after a publish
// failure without waiting for the transport layer to notice.
func (s *session) SetConnected(connected bool) {
	s.connected.Store(connected)
}

// Publish sends payload to topic on the forward connection within ctx's
// deadline. Callers (the Connection Manager) are responsible for bounding
// ctx to publishTimeout.
func (s *session) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	opts := []mqtt.WriteOption{mqtt.QoS(qos)}
	if retain {
		opts = append(opts, mqtt.WithRetain())
	}
	return s.conn.WriteToTopic(ctx, payload, topic, opts...)
}

// Subscribe issues a QoS 0 subscribe for filters on the forward
// connection, used by Manager.SubscribeOnBidirectional.
func (s *session) Subscribe(ctx context.Context, filters []string) error {
	return s.conn.SubscribeAll(ctx, filters, mqtt.AtMostOnce, mqtt.AutoResubscribe{})
}

// Unsubscribe removes filters from the forward connection.
func (s *session) Unsubscribe(ctx context.Context, filters []string) error {
	for _, f := range filters {
		if err := s.conn.Unsubscribe(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// Close signals shutdown. All tasks belonging to this session terminate
// within bounded time.
func (s *session) Close() {
	s.cancel()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.reverseConn != nil {
		_ = s.reverseConn.Close()
	}
}

func scheme(cfg BrokerConfig) string {
	if cfg.UseTLS {
		return "mqtts"
	}
	return "mqtt"
}

func dialOptions(cfg BrokerConfig) []mqtt.DialOption {
	if cfg.Username == "" && cfg.Password == "" {
		return nil
	}
	return []mqtt.DialOption{mqtt.WithUser(cfg.Username, cfg.Password)}
}

// buildTLSConfig constructs the *tls.Config used for the "ssl"/"mqtts"
// scheme: system trust anchors by default, or a verifier that accepts all
// chains when InsecureSkipVerify is set (a warning is emitted immediately
// since the caller's OnConnectError/OnConnectionUp path isn't reached yet).
func buildTLSConfig(cfg BrokerConfig) (*tls.Config, error) {
	if !cfg.UseTLS {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify} //nolint:gosec // explicit opt-in per BrokerConfig
	if cfg.InsecureSkipVerify {
		slog.Warn("mqtt: TLS certificate verification disabled", "broker_id", cfg.ID)
	}
	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CACertPath)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}
