// Package store implements the Broker Store: durable persistence for
// broker configuration records, keyed by broker id. Records are
// msgpack-encoded and written through the teacher's kv.Store abstraction
// (BadgerDB on disk, or an in-memory store for tests), with credentials
// encrypted at rest.
package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/erikarenhill/mqtt-multi-proxy/internal/proxy"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/kv"
)

// ErrNotFound is returned when a broker id has no stored record.
var ErrNotFound = kv.ErrNotFound

// brokersPrefix is the kv key prefix under which every broker record is
// stored, keyed by broker id: brokers:<id>.
var brokersPrefix = kv.Key{"brokers"}

// record is the on-disk shape of a broker configuration. It mirrors
// proxy.BrokerConfig field for field, except that Password is replaced by
// an encryptedPassword blob; see encrypt/decrypt below.
type record struct {
	ID                 string   `msgpack:"id"`
	Name               string   `msgpack:"name"`
	Address            string   `msgpack:"address"`
	Port               int      `msgpack:"port"`
	ClientIDPrefix     string   `msgpack:"client_id_prefix"`
	Username           string   `msgpack:"username"`
	EncryptedPassword  []byte   `msgpack:"encrypted_password,omitempty"`
	Enabled            bool     `msgpack:"enabled"`
	UseTLS             bool     `msgpack:"use_tls"`
	InsecureSkipVerify bool     `msgpack:"insecure_skip_verify"`
	CACertPath         string   `msgpack:"ca_cert_path"`
	Bidirectional      bool     `msgpack:"bidirectional"`
	Topics             []string `msgpack:"topics"`
	SubscriptionTopics []string `msgpack:"subscription_topics"`
}

// Store persists proxy.BrokerConfig records through a kv.Store, encrypting
// credentials with AES-256-GCM before they ever reach the underlying
// backend.
type Store struct {
	kv  kv.Store
	gcm cipher.AEAD
}

// New constructs a Store. encryptionKey must be exactly 32 bytes (AES-256);
// callers typically derive it from a process secret via config, never from
// the broker records themselves.
func New(backing kv.Store, encryptionKey []byte) (*Store, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("store: encryption key must be 32 bytes for AES-256-GCM")
	}
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("store: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store: init gcm: %w", err)
	}
	return &Store{kv: backing, gcm: gcm}, nil
}

func (s *Store) key(id string) kv.Key {
	return append(append(kv.Key{}, brokersPrefix...), id)
}

// Put writes cfg, overwriting any existing record for cfg.ID.
func (s *Store) Put(ctx context.Context, cfg proxy.BrokerConfig) error {
	rec := record{
		ID:                 cfg.ID,
		Name:               cfg.Name,
		Address:            cfg.Address,
		Port:               cfg.Port,
		ClientIDPrefix:     cfg.ClientIDPrefix,
		Username:           cfg.Username,
		Enabled:            cfg.Enabled,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		CACertPath:         cfg.CACertPath,
		Bidirectional:      cfg.Bidirectional,
		Topics:             cfg.Topics,
		SubscriptionTopics: cfg.SubscriptionTopics,
	}
	if cfg.Password != "" {
		enc, err := s.encrypt([]byte(cfg.Password))
		if err != nil {
			return fmt.Errorf("store: encrypt credentials for %s: %w", cfg.ID, err)
		}
		rec.EncryptedPassword = enc
	}
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", cfg.ID, err)
	}
	return s.kv.Set(ctx, s.key(cfg.ID), data)
}

// Get returns the broker config for id, or ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, id string) (proxy.BrokerConfig, error) {
	data, err := s.kv.Get(ctx, s.key(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return proxy.BrokerConfig{}, ErrNotFound
		}
		return proxy.BrokerConfig{}, err
	}
	return s.decode(data)
}

// List returns every stored broker config, in lexicographic key order.
func (s *Store) List(ctx context.Context) ([]proxy.BrokerConfig, error) {
	var out []proxy.BrokerConfig
	for entry, err := range s.kv.List(ctx, brokersPrefix) {
		if err != nil {
			return nil, err
		}
		cfg, err := s.decode(entry.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Delete removes the record for id. No error if absent.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, s.key(id))
}

// Close releases the underlying kv store.
func (s *Store) Close() error {
	return s.kv.Close()
}

func (s *Store) decode(data []byte) (proxy.BrokerConfig, error) {
	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return proxy.BrokerConfig{}, fmt.Errorf("store: unmarshal: %w", err)
	}
	cfg := proxy.BrokerConfig{
		ID:                 rec.ID,
		Name:               rec.Name,
		Address:            rec.Address,
		Port:               rec.Port,
		ClientIDPrefix:     rec.ClientIDPrefix,
		Username:           rec.Username,
		Enabled:            rec.Enabled,
		UseTLS:             rec.UseTLS,
		InsecureSkipVerify: rec.InsecureSkipVerify,
		CACertPath:         rec.CACertPath,
		Bidirectional:      rec.Bidirectional,
		Topics:             rec.Topics,
		SubscriptionTopics: rec.SubscriptionTopics,
	}
	if len(rec.EncryptedPassword) > 0 {
		plain, err := s.decrypt(rec.EncryptedPassword)
		if err != nil {
			return proxy.BrokerConfig{}, fmt.Errorf("store: decrypt credentials for %s: %w", rec.ID, err)
		}
		cfg.Password = string(plain)
	}
	return cfg, nil
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	n := s.gcm.NonceSize()
	if len(ciphertext) < n {
		return nil, errors.New("store: ciphertext too short")
	}
	nonce, body := ciphertext[:n], ciphertext[n:]
	return s.gcm.Open(nil, nonce, body, nil)
}
