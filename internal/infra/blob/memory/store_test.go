package memory

import (
	"bytes"
	"context"
	"io"
	"testing"

	"cropcore/internal/infra/blob/core"
)

func TestMemoryStoreBasicFlow(t *testing.T) {
	store := New()
	ctx := context.Background()
	if store.Driver() != core.DriverMemory {
		t.Fatalf("driver = %s", store.Driver())
	}

	payload := []byte(`{"values":[0.31,0.29]}`)
	info, err := store.Put(ctx, "evaluations/1/zones/1/2021-06-02/zone.soil.moisture.json", bytes.NewReader(payload), core.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"zone": "north-field"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(payload)) || info.ContentType != "application/json" {
		t.Fatalf("unexpected info %+v", info)
	}

	if _, err := store.Put(ctx, info.Key, bytes.NewReader([]byte("clobber")), core.PutOptions{}); err == nil {
		t.Fatal("expected duplicate put to fail")
	}

	head, err := store.Head(ctx, info.Key)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Metadata["zone"] != "north-field" {
		t.Fatalf("metadata = %+v", head.Metadata)
	}

	_, rc, err := store.Get(ctx, info.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !bytes.Equal(data, payload) {
		t.Fatalf("payload mismatch: %q", data)
	}

	if ok, err := store.Delete(ctx, info.Key); err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	if ok, err := store.Delete(ctx, info.Key); err != nil || ok {
		t.Fatalf("second delete = %v, %v", ok, err)
	}
	if _, err := store.Head(ctx, info.Key); err == nil {
		t.Fatal("head must fail after delete")
	}
}

func TestMemoryStoreListByPrefix(t *testing.T) {
	store := New()
	ctx := context.Background()
	for _, key := range []string{
		"evaluations/1/zones/1/2021-06-02/b.json",
		"evaluations/1/zones/1/2021-06-02/a.json",
		"evaluations/1/zones/2/2021-06-02/a.json",
	} {
		if _, err := store.Put(ctx, key, bytes.NewReader([]byte("x")), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	infos, err := store.List(ctx, "evaluations/1/zones/1/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("list returned %d entries, want 2", len(infos))
	}
	if infos[0].Key > infos[1].Key {
		t.Fatalf("list not sorted: %s > %s", infos[0].Key, infos[1].Key)
	}
	all, err := store.List(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("list all = %d entries, %v", len(all), err)
	}
}

func TestMemoryStoreMetadataIsolation(t *testing.T) {
	store := New()
	ctx := context.Background()
	md := map[string]string{"k": "v"}
	if _, err := store.Put(ctx, "a", bytes.NewReader([]byte("x")), core.PutOptions{Metadata: md}); err != nil {
		t.Fatalf("put: %v", err)
	}
	md["k"] = "mutated"
	info, err := store.Head(ctx, "a")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if info.Metadata["k"] != "v" {
		t.Fatalf("stored metadata aliased the caller map: %+v", info.Metadata)
	}
	info.Metadata["k"] = "mutated-again"
	again, _ := store.Head(ctx, "a")
	if again.Metadata["k"] != "v" {
		t.Fatalf("returned metadata aliased the store: %+v", again.Metadata)
	}
}
