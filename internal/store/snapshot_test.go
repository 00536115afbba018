package store

import (
	"context"
	"testing"

	"github.com/erikarenhill/mqtt-multi-proxy/internal/proxy"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/kv"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/storage"
)

func TestExporter_ExportThenImport_RestoresRecords(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	_ = src.Put(ctx, proxy.BrokerConfig{ID: "a", Address: "h1", Port: 1883, Password: "p1"})
	_ = src.Put(ctx, proxy.BrokerConfig{ID: "b", Address: "h2", Port: 1883})

	dir := t.TempDir()
	files, err := storage.NewLocal(dir)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	exp := NewExporter(src, files)
	if err := exp.Export(ctx); err != nil {
		t.Fatalf("Export: %v", err)
	}

	dstStore, err := New(kv.NewMemory(nil), testKey())
	if err != nil {
		t.Fatalf("New dst: %v", err)
	}
	dstExp := NewExporter(dstStore, files)
	if err := dstExp.Import(ctx); err != nil {
		t.Fatalf("Import: %v", err)
	}

	got, err := dstStore.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get a: %v", err)
	}
	if got.Password != "p1" {
		t.Fatalf("Password = %q, want %q", got.Password, "p1")
	}

	all, err := dstStore.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	rec := record{ID: "x", Address: "h", Port: 1883, Topics: []string{"a/#"}}
	ok, err := verifyRoundTrip(rec)
	if err != nil {
		t.Fatalf("verifyRoundTrip: %v", err)
	}
	if !ok {
		t.Fatal("expected round trip to be byte-identical")
	}
}
