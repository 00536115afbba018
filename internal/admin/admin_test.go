package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/erikarenhill/mqtt-multi-proxy/internal/proxy"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/store"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/kv"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeManager struct {
	added    []proxy.BrokerConfig
	updated  []proxy.BrokerConfig
	removed  []string
	statuses []proxy.BrokerStatus
}

func (f *fakeManager) Add(ctx context.Context, cfg proxy.BrokerConfig) error {
	f.added = append(f.added, cfg)
	return nil
}

func (f *fakeManager) Update(ctx context.Context, cfg proxy.BrokerConfig) error {
	f.updated = append(f.updated, cfg)
	return nil
}

func (f *fakeManager) Remove(id string) {
	f.removed = append(f.removed, id)
}

func (f *fakeManager) Enable(ctx context.Context, cfg proxy.BrokerConfig) error {
	return f.Update(ctx, cfg)
}

func (f *fakeManager) Disable(id string) {
	f.Remove(id)
}

func (f *fakeManager) Status() []proxy.BrokerStatus {
	return f.statuses
}

func newTestServer(t *testing.T) (*Server, *fakeManager, *store.Store) {
	t.Helper()
	s, err := store.New(kv.NewMemory(nil), []byte("0123456789abcdef0123456789abcdef")[:32])
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	fm := &fakeManager{}
	srv, err := NewServer(fm, s, testLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, fm, s
}

func TestAdmin_AddBroker_CreatesWithServerGeneratedID(t *testing.T) {
	srv, fm, s := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := map[string]any{
		"address": "10.0.0.1",
		"port":    1883,
		"enabled": true,
	}
	data, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+"/brokers", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var got proxy.BrokerConfig
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID == "" {
		t.Fatal("expected server-generated id, got empty string")
	}

	if len(fm.added) != 1 || fm.added[0].ID != got.ID {
		t.Fatalf("expected manager.Add called with id %q, got %+v", got.ID, fm.added)
	}
	if _, err := s.Get(context.Background(), got.ID); err != nil {
		t.Fatalf("store.Get(%q): %v", got.ID, err)
	}
}

func TestAdmin_PutBroker_ValidatesAndPersists(t *testing.T) {
	srv, fm, s := newTestServer(t)
	_ = s.Put(context.Background(), proxy.BrokerConfig{ID: "b1", Address: "old", Port: 1111})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := map[string]any{
		"address": "10.0.0.1",
		"port":    1883,
		"enabled": true,
	}
	data, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/brokers/b1", bytes.NewReader(data))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if len(fm.updated) != 1 || fm.updated[0].ID != "b1" {
		t.Fatalf("expected manager.Update called with id b1, got %+v", fm.updated)
	}

	got, err := s.Get(context.Background(), "b1")
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if got.Address != "10.0.0.1" || got.Port != 1883 {
		t.Fatalf("got = %+v", got)
	}
}

func TestAdmin_PutBroker_RejectsMissingRequiredField(t *testing.T) {
	srv, _, s := newTestServer(t)
	_ = s.Put(context.Background(), proxy.BrokerConfig{ID: "b1", Address: "old", Port: 1111})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := map[string]any{"address": "10.0.0.1"} // missing "port"
	data, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/brokers/b1", bytes.NewReader(data))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestAdmin_PutBroker_MissingID_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := map[string]any{"address": "10.0.0.1", "port": 1883}
	data, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/brokers/missing", bytes.NewReader(data))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAdmin_GetBroker_RedactsPassword(t *testing.T) {
	srv, _, s := newTestServer(t)
	_ = s.Put(context.Background(), proxy.BrokerConfig{ID: "b1", Address: "h", Port: 1883, Password: "secret"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/brokers/b1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var got proxy.BrokerConfig
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Password != "" {
		t.Fatalf("Password = %q, want redacted", got.Password)
	}
}

func TestAdmin_DeleteBroker_RemovesFromManagerAndStore(t *testing.T) {
	srv, fm, s := newTestServer(t)
	_ = s.Put(context.Background(), proxy.BrokerConfig{ID: "b1", Address: "h", Port: 1883})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/brokers/b1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if len(fm.removed) != 1 || fm.removed[0] != "b1" {
		t.Fatalf("expected manager.Remove(b1), got %v", fm.removed)
	}
	if _, err := s.Get(context.Background(), "b1"); err != store.ErrNotFound {
		t.Fatalf("expected store entry removed, err = %v", err)
	}
}

func TestAdmin_Observe_NoSubscribersDoesNotBlock(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.Observe("a/b", []byte("hello")) // no subscribers yet: must not panic or block
}
