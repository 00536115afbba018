package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/erikarenhill/mqtt-multi-proxy/internal/metrics"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/registry"
)

// brokerSession is the subset of *session the Connection Manager depends
// on. It exists so tests can substitute a fake session without dialing a
// real broker, the same way the teacher's pkg/storage.S3Client interface
// lets tests substitute a fake S3 client instead of talking to AWS.
type brokerSession interface {
	ID() string
	Config() BrokerConfig
	Connected() bool
	SetConnected(bool)
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
	Subscribe(ctx context.Context, filters []string) error
	Unsubscribe(ctx context.Context, filters []string) error
	Close()
}

// BrokerStatus is a point-in-time snapshot of one session, returned by
// Manager.Status.
type BrokerStatus struct {
	Config    BrokerConfig
	Connected bool
}

// Manager owns the set of Broker Sessions keyed by broker id and applies
// mutations to it.
//
// The map is guarded by a single reader-preferring lock: mutation
// operations (Add/Update/Remove/Enable/Disable) take the write path,
// Forward and Status take the read path. Per-session state (connected
// flag, shutdown) is owned by the session and uses its own
// synchronization.
type Manager struct {
	mu           sync.RWMutex
	sessions     map[string]brokerSession
	upstreamAddr string
	dedup        *dedupCache
	metrics      *metrics.Registry
	logger       *slog.Logger

	// clients fans out every forwarded message to wire clients whose
	// subscriptions match: a bidirectional broker's mirrored publication
	// re-enters via the Upstream Driver and is forwarded here exactly like
	// any other inbound publication, so wire subscribers see it the same
	// way downstream broker sessions do. May be nil (e.g. in unit tests),
	// in which case fan-out to wire clients is skipped.
	clients *registry.Registry

	// newSession constructs a session for Add/Update. Overridable in tests.
	newSession func(ctx context.Context, cfg BrokerConfig, dedup *dedupCache, upstreamAddr string, logger *slog.Logger) (brokerSession, error)
}

// NewManager constructs an empty Connection Manager. upstreamAddr is the
// "host:port" of the upstream broker, used to dial reverse channels for
// bidirectional sessions. clients may be nil.
func NewManager(upstreamAddr string, metricsReg *metrics.Registry, clients *registry.Registry, logger *slog.Logger) *Manager {
	return &Manager{
		sessions:     make(map[string]brokerSession),
		upstreamAddr: upstreamAddr,
		dedup:        newDedupCache(),
		metrics:      metricsReg,
		clients:      clients,
		logger:       logger,
		newSession: func(ctx context.Context, cfg BrokerConfig, dedup *dedupCache, upstreamAddr string, logger *slog.Logger) (brokerSession, error) {
			return newSession(ctx, cfg, dedup, upstreamAddr, logger)
		},
	}
}

// Forward routes one inbound publication to every connected candidate
// session whose config selects topic. The call is best-effort and never
// fails out: a per-broker publish failure is logged and marks that session
// disconnected; it is not returned, and no failure counter is kept.
func (m *Manager) Forward(topic string, payload []byte, qos byte, retain bool) {
	hash := messageHash(topic, payload)

	if m.clients != nil {
		m.clients.Fanout(topic, registry.Message{Topic: topic, Payload: payload, QoS: qos})
	}

	m.mu.RLock()
	candidates := make([]brokerSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Connected() && s.Config().matchesAnyTopicFilter(topic) {
			candidates = append(candidates, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := s.Publish(ctx, topic, payload, qos, retain)
		cancel()
		if err != nil {
			m.logger.Warn("forward publish failed", "broker_id", s.ID(), "topic", topic, "error", err)
			m.markDisconnected(s.ID())
			continue
		}
		if m.metrics != nil {
			m.metrics.MessagesForwarded.Add(1)
		}
		if s.Config().Bidirectional {
			m.dedup.record(s.ID(), hash, time.Now())
		}
	}
}

// markDisconnected flips a session's connected flag off after a publish
// failure, so it drops out of future forward candidates until it reconnects
// and flips itself back on.
func (m *Manager) markDisconnected(id string) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.SetConnected(false)
}

// Add creates and inserts a new session for config. If config is not
// Enabled, the call is ignored with a log and returns nil, not an error.
func (m *Manager) Add(ctx context.Context, config BrokerConfig) error {
	if !config.Enabled {
		m.logger.Info("ignoring add of disabled broker", "broker_id", config.ID)
		return nil
	}
	s, err := m.newSession(ctx, config, m.dedup, m.upstreamAddr, m.logger)
	if err != nil {
		return fmt.Errorf("proxy: add %s: %w", config.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[config.ID]; ok {
		existing.Close()
	}
	m.sessions[config.ID] = s
	return nil
}

// Update replaces the session for config.ID: the existing session (if any)
// is removed under the lock and signalled to shut down without waiting for
// termination, then a new one is created via Add. The two steps take the
// lock separately, so no session exists for config.ID in between, and none
// remains if Add fails.
func (m *Manager) Update(ctx context.Context, config BrokerConfig) error {
	m.removeLocked(config.ID)
	return m.Add(ctx, config)
}

// Remove shuts down and removes the session for id. A missing id is a
// no-op.
func (m *Manager) Remove(id string) {
	m.removeLocked(id)
}

func (m *Manager) removeLocked(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Close()
		delete(m.sessions, id)
	}
}

// Enable is semantically Update with a clearer log.
func (m *Manager) Enable(ctx context.Context, config BrokerConfig) error {
	m.logger.Info("enabling broker", "broker_id", config.ID)
	return m.Update(ctx, config)
}

// Disable is semantically Remove with a clearer log.
func (m *Manager) Disable(id string) {
	m.logger.Info("disabling broker", "broker_id", id)
	m.Remove(id)
}

// SubscribeOnBidirectional issues a subscribe for filters, QoS 0, on every
// connected bidirectional session.
func (m *Manager) SubscribeOnBidirectional(ctx context.Context, filters []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if !s.Config().Bidirectional || !s.Connected() {
			continue
		}
		if err := s.Subscribe(ctx, filters); err != nil {
			m.logger.Warn("subscribe_on_bidirectional failed", "broker_id", s.ID(), "error", err)
		}
	}
}

// UnsubscribeOnBidirectional removes filters from every connected
// bidirectional session.
func (m *Manager) UnsubscribeOnBidirectional(ctx context.Context, filters []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if !s.Config().Bidirectional || !s.Connected() {
			continue
		}
		if err := s.Unsubscribe(ctx, filters); err != nil {
			m.logger.Warn("unsubscribe_on_bidirectional failed", "broker_id", s.ID(), "error", err)
		}
	}
}

// Status returns a snapshot of every session's config and connected flag.
func (m *Manager) Status() []BrokerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BrokerStatus, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, BrokerStatus{Config: s.Config(), Connected: s.Connected()})
	}
	return out
}

// Shutdown closes every session. Used on process shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.Close()
		delete(m.sessions, id)
	}
}
