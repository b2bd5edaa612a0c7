package memstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/meshmind/meshmind/internal/memsync"
	"github.com/meshmind/meshmind/internal/testutil/testlog"
)

func TestSaveGetDeleteRoundTrip(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	store, err := OpenFileStore(dir, memsync.TypeSemantic)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	rec, err := memsync.NewRecord(memsync.TypeSemantic, "sem-1", map[string]any{"fact": "water boils at 100C"}, "mind-a")
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	if err := store.Save(context.Background(), rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := store.GetByID(context.Background(), rec.ID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Checksum != rec.Checksum {
		t.Fatalf("checksum mismatch after round trip")
	}

	if err := store.Delete(context.Background(), rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.GetByID(context.Background(), rec.ID); ok {
		t.Fatalf("record must be gone after delete")
	}
	if err := store.Delete(context.Background(), "absent"); err != nil {
		t.Fatalf("deleting absent id must be a no-op, got %v", err)
	}
}

func TestReopenRestoresRecords(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	store, err := OpenFileStore(dir, memsync.TypeEpisodic)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for _, text := range []string{"first", "second", "third"} {
		rec, err := memsync.NewRecord(memsync.TypeEpisodic, "ep-"+text, map[string]any{"event": text}, "mind-a")
		if err != nil {
			t.Fatalf("new record: %v", err)
		}
		if err := store.Save(context.Background(), rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	reopened, err := OpenFileStore(dir, memsync.TypeEpisodic)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	all, err := reopened.GetAll(context.Background())
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 restored records, got %d", len(all))
	}
}

func TestRejectsWrongTypeAndInvalidRecords(t *testing.T) {
	testlog.Start(t)

	store, err := OpenFileStore(t.TempDir(), memsync.TypeSemantic)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	wrong, err := memsync.NewRecord(memsync.TypeDreams, "dream-1", map[string]any{"dream": "flying"}, "mind-a")
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	if err := store.Save(context.Background(), wrong); err == nil {
		t.Fatalf("expected type mismatch error")
	}

	empty := &memsync.MemoryRecord{ID: "x", Type: memsync.TypeSemantic}
	if err := store.Save(context.Background(), empty); err == nil {
		t.Fatalf("expected validation error for empty content")
	}
}

func TestLoadSkipsInvalidStoredRecords(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "memories", "semantic.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	blob := `{"type":"semantic","records":{
		"good":{"id":"good","memory_type":"semantic","content":{"k":"v"},"created_at":"2026-01-02T03:04:05Z","updated_at":"2026-01-02T03:04:05Z","source_instance":"mind-a","version":1},
		"bad":{"id":"bad","memory_type":"semantic","created_at":"2026-01-02T03:04:05Z","updated_at":"2026-01-02T03:04:05Z","source_instance":"mind-a","version":1}
	}}`
	if err := os.WriteFile(path, []byte(blob), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	store, err := OpenFileStore(dir, memsync.TypeSemantic)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected only the valid record loaded, got %d", store.Len())
	}
	if _, ok, _ := store.GetByID(context.Background(), "good"); !ok {
		t.Fatalf("valid record must survive load")
	}
}

func TestOpenAllCoversEveryType(t *testing.T) {
	testlog.Start(t)

	stores, err := OpenAll(t.TempDir())
	if err != nil {
		t.Fatalf("open all: %v", err)
	}
	if len(stores) != len(memsync.AllTypes()) {
		t.Fatalf("expected one store per type, got %d", len(stores))
	}
	for _, typ := range memsync.AllTypes() {
		store, ok := stores[typ]
		if !ok || store.Type() != typ {
			t.Fatalf("missing store for %q", typ)
		}
	}
}
