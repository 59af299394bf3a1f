package variables

import (
	"testing"
)

func TestStoreSetGet(t *testing.T) {
	store := NewStore()
	store.Set("session", "abc123")
	store.Set("session", "def456")

	if v, ok := store.Get("session"); !ok || v != "def456" {
		t.Errorf("Get(session) = %q, %v; want def456, true", v, ok)
	}
	if v, ok := store.Get("missing"); ok || v != "" {
		t.Errorf("Get(missing) = %q, %v; want empty, false", v, ok)
	}
}

func TestStoreGetAllReturnsCopy(t *testing.T) {
	store := NewStore()
	store.Set("order_id", "7")

	all := store.GetAll()
	all["order_id"] = "changed"
	all["extra"] = "x"

	if v, _ := store.Get("order_id"); v != "7" {
		t.Errorf("store mutated through GetAll copy: order_id = %q", v)
	}
	if _, ok := store.Get("extra"); ok {
		t.Error("store gained a key through GetAll copy")
	}
}

func TestStoreMerge(t *testing.T) {
	store := NewStore()
	store.Set("email", "extracted@example.com")
	store.Set("token", "t-1")

	record := map[string]string{"email": "feeder@example.com", "user_id": "42"}
	merged := store.Merge(record)

	want := map[string]string{"email": "extracted@example.com", "user_id": "42", "token": "t-1"}
	if len(merged) != len(want) {
		t.Fatalf("merged = %v, want %v", merged, want)
	}
	for k, v := range want {
		if merged[k] != v {
			t.Errorf("merged[%s] = %q, want %q", k, merged[k], v)
		}
	}
	if record["email"] != "feeder@example.com" {
		t.Error("Merge modified the input record")
	}
}

func TestSetAllAndClear(t *testing.T) {
	store := NewStore()
	SetAll(store, map[string]string{"a": "1", "b": "2"})
	if got := len(store.GetAll()); got != 2 {
		t.Fatalf("len = %d, want 2", got)
	}
	store.Clear()
	if got := len(store.GetAll()); got != 0 {
		t.Errorf("len after Clear = %d, want 0", got)
	}
}
