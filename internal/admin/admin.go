// Package admin implements the operator-facing surface: an HTTP API for
// broker CRUD, and a WebSocket stream that mirrors every message the
// Upstream Driver observes for live debugging.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/erikarenhill/mqtt-multi-proxy/internal/proxy"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/store"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/buffer"
)

// BrokerManager is the subset of *proxy.Manager the admin API mutates.
type BrokerManager interface {
	Add(ctx context.Context, cfg proxy.BrokerConfig) error
	Update(ctx context.Context, cfg proxy.BrokerConfig) error
	Remove(id string)
	Enable(ctx context.Context, cfg proxy.BrokerConfig) error
	Disable(id string)
	Status() []proxy.BrokerStatus
}

// BrokerStore is the subset of *store.Store the admin API persists through.
type BrokerStore interface {
	Put(ctx context.Context, cfg proxy.BrokerConfig) error
	Get(ctx context.Context, id string) (proxy.BrokerConfig, error)
	List(ctx context.Context) ([]proxy.BrokerConfig, error)
	Delete(ctx context.Context, id string) error
}

// brokerConfigSchema describes the JSON body accepted by POST /brokers and
// PUT /brokers/{id}. Requests are validated against it before being applied,
// so malformed bodies never reach the store or the connection manager.
var brokerConfigSchema = &jsonschema.Schema{
	Type:     "object",
	Required: []string{"address", "port"},
	Properties: map[string]*jsonschema.Schema{
		"name":                {Type: "string"},
		"address":             {Type: "string"},
		"port":                {Type: "integer"},
		"client_id_prefix":    {Type: "string"},
		"username":            {Type: "string"},
		"password":            {Type: "string"},
		"enabled":             {Type: "boolean"},
		"use_tls":             {Type: "boolean"},
		"insecure_skip_verify": {Type: "boolean"},
		"ca_cert_path":        {Type: "string"},
		"bidirectional":       {Type: "boolean"},
		"topics":              {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		"subscription_topics": {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
	},
}

// Server is the admin HTTP surface: broker CRUD plus a WebSocket
// observation stream.
type Server struct {
	manager BrokerManager
	store   BrokerStore
	logger  *slog.Logger

	resolved *jsonschema.Resolved
	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	ring *buffer.RingBuffer[ObservedMessage]
}

// ObservedMessage is one fan-out event sent to every connected observer.
type ObservedMessage struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"` // best-effort UTF-8; binary payloads are base64 by json.Marshal on []byte, here stored as string for readability
}

const observerRingSize = 256

// NewServer builds a Server. manager mutates live sessions; store persists
// the broker set across restarts.
func NewServer(manager BrokerManager, store BrokerStore, logger *slog.Logger) (*Server, error) {
	resolved, err := brokerConfigSchema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("admin: resolve schema: %w", err)
	}
	return &Server{
		manager:     manager,
		store:       store,
		logger:      logger,
		resolved:    resolved,
		subscribers: make(map[*subscriber]struct{}),
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}, nil
}

// Handler returns the http.Handler serving the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /brokers", s.handleList)
	mux.HandleFunc("POST /brokers", s.handleAdd)
	mux.HandleFunc("GET /brokers/{id}", s.handleGet)
	mux.HandleFunc("PUT /brokers/{id}", s.handlePut)
	mux.HandleFunc("DELETE /brokers/{id}", s.handleDelete)
	mux.HandleFunc("POST /brokers/{id}/enable", s.handleEnable)
	mux.HandleFunc("POST /brokers/{id}/disable", s.handleDisable)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /observe", s.handleObserve)
	return mux
}

// Observe is wired to the Wire Listener/Upstream Driver as the Observer
// callback: it fans every accepted message out to connected WebSocket
// clients.
func (s *Server) Observe(topic string, payload []byte) {
	msg := ObservedMessage{Topic: topic, Payload: string(payload)}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subscribers {
		_, _ = sub.ring.Write([]ObservedMessage{msg})
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, redactAll(cfgs))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cfg, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(cfg))
}

// handleAdd creates a new broker with a server-generated id, mirroring
// original_source's add_broker: the caller never picks the id.
func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if err := s.resolved.Validate(body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Errorf("schema validation: %w", err))
		return
	}

	cfg, err := decodeBrokerConfig(uuid.NewString(), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.store.Put(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.manager.Add(r.Context(), cfg); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusCreated, redact(cfg))
}

// handlePut updates an existing broker. Unlike handleAdd, the broker must
// already exist: a missing id 404s instead of silently creating one.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := s.store.Get(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if err := s.resolved.Validate(body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Errorf("schema validation: %w", err))
		return
	}

	cfg, err := decodeBrokerConfig(id, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.store.Put(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.manager.Update(r.Context(), cfg); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(cfg))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.manager.Remove(id)
	if err := s.store.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := r.PathValue("id")
	cfg, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	cfg.Enabled = enabled
	if err := s.store.Put(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if enabled {
		if err := s.manager.Enable(r.Context(), cfg); err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
	} else {
		s.manager.Disable(id)
	}
	writeJSON(w, http.StatusOK, redact(cfg))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Status())
}

// handleObserve upgrades to a WebSocket and streams ObservedMessage frames
// until the client disconnects.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("admin: websocket upgrade failed", "error", err)
		return
	}
	defer wsConn.Close()

	sub := &subscriber{ring: buffer.RingN[ObservedMessage](observerRingSize)}
	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subscribers, sub)
		s.mu.Unlock()
		_ = sub.ring.Close()
	}()

	for {
		buf := make([]ObservedMessage, 1)
		n, err := sub.ring.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		if err := wsConn.WriteJSON(buf[0]); err != nil {
			return
		}
	}
}

func decodeBrokerConfig(id string, body map[string]any) (proxy.BrokerConfig, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return proxy.BrokerConfig{}, err
	}
	var cfg proxy.BrokerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return proxy.BrokerConfig{}, err
	}
	cfg.ID = id
	return cfg, nil
}

// redact strips the credential before a config is ever written to an HTTP
// response body.
func redact(cfg proxy.BrokerConfig) proxy.BrokerConfig {
	cfg.Password = ""
	return cfg
}

func redactAll(cfgs []proxy.BrokerConfig) []proxy.BrokerConfig {
	out := make([]proxy.BrokerConfig, len(cfgs))
	for i, c := range cfgs {
		out[i] = redact(c)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
