package store

import (
	"context"
	"testing"

	"github.com/erikarenhill/mqtt-multi-proxy/internal/proxy"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/kv"
)

func testKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")[:32]
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(kv.NewMemory(nil), testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStore_PutGet_RoundTripsCredentials(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg := proxy.BrokerConfig{
		ID:       "broker-1",
		Name:     "Office Broker",
		Address:  "10.0.0.5",
		Port:     1883,
		Username: "svc",
		Password: "s3cr3t",
		Enabled:  true,
		Topics:   []string{"office/#"},
	}
	if err := s.Put(ctx, cfg); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "broker-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Password != "s3cr3t" {
		t.Fatalf("Password = %q, want %q", got.Password, "s3cr3t")
	}
	if got.Name != cfg.Name || got.Address != cfg.Address {
		t.Fatalf("got = %+v, want fields to match %+v", got, cfg)
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_List_ReturnsAllRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.Put(ctx, proxy.BrokerConfig{ID: "a", Address: "h1", Port: 1883})
	_ = s.Put(ctx, proxy.BrokerConfig{ID: "b", Address: "h2", Port: 1883})

	got, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
}

func TestStore_Delete_RemovesRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.Put(ctx, proxy.BrokerConfig{ID: "a", Address: "h1", Port: 1883})

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "a"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}
}

func TestStore_Put_NoPassword_LeavesEncryptedFieldEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.Put(ctx, proxy.BrokerConfig{ID: "a", Address: "h1", Port: 1883})

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Password != "" {
		t.Fatalf("Password = %q, want empty", got.Password)
	}
}

func TestNew_RejectsWrongKeyLength(t *testing.T) {
	if _, err := New(kv.NewMemory(nil), []byte("too-short")); err == nil {
		t.Fatal("expected an error for a non-32-byte key")
	}
}
