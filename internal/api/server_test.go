package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/meshmind/meshmind/internal/auth"
	"github.com/meshmind/meshmind/internal/memstore"
	"github.com/meshmind/meshmind/internal/memsync"
	"github.com/meshmind/meshmind/internal/mesh"
	"github.com/meshmind/meshmind/internal/registry"
	"github.com/meshmind/meshmind/internal/testutil/testlog"
)

type testHarness struct {
	server   *Server
	registry *registry.Registry
	sync     *memsync.Protocol
	mesh     *mesh.Network
	record   *memsync.MemoryRecord
}

func newTestHarness(t *testing.T, validator auth.Validator) *testHarness {
	t.Helper()

	dir := t.TempDir()
	reg := registry.NewRegistry(registry.Config{
		DataDir: dir,
		Name:    "api-test",
		Host:    "127.0.0.1",
		Port:    8420,
	}, nil)
	if _, err := reg.CreateLocalInstance(); err != nil {
		t.Fatalf("create local instance: %v", err)
	}

	store, err := memstore.OpenFileStore(dir, memsync.TypeSemantic)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	proto := memsync.NewProtocol(memsync.Config{DataDir: dir, InstanceID: "mind-api"}, nil)
	if err := proto.RegisterStore(memsync.TypeSemantic, store); err != nil {
		t.Fatalf("register store: %v", err)
	}

	rec, err := memsync.NewRecord(memsync.TypeSemantic, "sem-1", map[string]any{"fact": "go compiles fast"}, "mind-api")
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	if err := store.Save(context.Background(), rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := proto.RebuildIndex(context.Background()); err != nil {
		t.Fatalf("rebuild index: %v", err)
	}

	net := mesh.NewNetwork(mesh.Config{InstanceID: "mind-api", InstanceName: "api-test"}, nil)

	srv := NewServer(Config{Addr: ":0", InstanceID: "mind-api"}, Deps{
		Registry:  reg,
		Sync:      proto,
		Mesh:      net,
		Validator: validator,
	})
	return &testHarness{server: srv, registry: reg, sync: proto, mesh: net, record: rec}
}

func (h *testHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rr, req)
	return rr
}

func TestHealthAndReady(t *testing.T) {
	testlog.Start(t)

	h := newTestHarness(t, nil)
	for _, path := range []string{"/health", "/ready"} {
		rr := h.do(t, http.MethodGet, path, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
	}
}

func TestInstancesListsLocal(t *testing.T) {
	testlog.Start(t)

	h := newTestHarness(t, nil)
	rr := h.do(t, http.MethodGet, "/api/v1/distributed/instances", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var out struct {
		Instances []*registry.Instance `json:"instances"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Instances) != 1 {
		t.Fatalf("expected the local instance, got %d", len(out.Instances))
	}
	if out.Instances[0].Name != "api-test" {
		t.Fatalf("unexpected instance: %+v", out.Instances[0])
	}
}

func TestSyncIndexFiltersAndValidatesTypes(t *testing.T) {
	testlog.Start(t)

	h := newTestHarness(t, nil)
	rr := h.do(t, http.MethodGet, "/api/v1/distributed/sync/index?types=semantic", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var out struct {
		Index map[memsync.MemoryType]map[string]string `json:"index"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Index[memsync.TypeSemantic][h.record.ID] != h.record.Checksum {
		t.Fatalf("index missing record checksum: %+v", out.Index)
	}

	rr = h.do(t, http.MethodGet, "/api/v1/distributed/sync/index?types=bogus", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", rr.Code)
	}
}

func TestSyncMemoriesBatchFetch(t *testing.T) {
	testlog.Start(t)

	h := newTestHarness(t, nil)
	rr := h.do(t, http.MethodPost, "/api/v1/distributed/sync/memories",
		`{"type":"semantic","ids":["`+h.record.ID+`","absent"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var out struct {
		Memories []*memsync.MemoryRecord `json:"memories"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Memories) != 1 || out.Memories[0].ID != h.record.ID {
		t.Fatalf("expected only the present record, got %+v", out.Memories)
	}

	// No store registered for this type.
	rr = h.do(t, http.MethodPost, "/api/v1/distributed/sync/memories", `{"type":"diary","ids":["x"]}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unregistered type, got %d", rr.Code)
	}
}

func TestSyncReceiveAcceptsAndRejects(t *testing.T) {
	testlog.Start(t)

	h := newTestHarness(t, nil)
	rec, err := memsync.NewRecord(memsync.TypeSemantic, "sem-2", map[string]any{"fact": "gophers burrow"}, "mind-b")
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	raw, _ := json.Marshal(map[string]any{
		"source_instance": "mind-b",
		"memories":        []*memsync.MemoryRecord{rec},
	})

	rr := h.do(t, http.MethodPost, "/api/v1/distributed/sync/receive", string(raw))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out struct {
		Accepted int `json:"accepted"`
		Rejected int `json:"rejected"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Accepted != 1 || out.Rejected != 0 {
		t.Fatalf("expected 1 accepted, got %+v", out)
	}

	rr = h.do(t, http.MethodPost, "/api/v1/distributed/sync/receive", `{"source_instance":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rr.Code)
	}
}

func TestMeshPingAndReceive(t *testing.T) {
	testlog.Start(t)

	h := newTestHarness(t, nil)
	rr := h.do(t, http.MethodPost, "/api/v1/distributed/mesh/ping", `{"source_id":"mind-b"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("ping: expected 200, got %d", rr.Code)
	}

	msg := mesh.NewMessage(mesh.TypeBroadcast, "mind-b", "", map[string]any{"event": "hello"})
	raw, _ := json.Marshal(msg)

	rr = h.do(t, http.MethodPost, "/api/v1/distributed/mesh/receive", string(raw))
	if rr.Code != http.StatusOK {
		t.Fatalf("receive: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out struct {
		Status    string `json:"status"`
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != mesh.StatusDelivered || out.MessageID != msg.ID {
		t.Fatalf("unexpected receipt: %+v", out)
	}

	rr = h.do(t, http.MethodPost, "/api/v1/distributed/mesh/receive", string(raw))
	if rr.Code != http.StatusOK {
		t.Fatalf("duplicate receive: expected 200, got %d", rr.Code)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != mesh.StatusDuplicate {
		t.Fatalf("expected duplicate receipt, got %+v", out)
	}
}

func TestTokenGuardProtectsDistributedGroup(t *testing.T) {
	testlog.Start(t)

	h := newTestHarness(t, auth.StaticToken{Token: "sesame"})

	rr := h.do(t, http.MethodGet, "/api/v1/distributed/instances", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/distributed/instances", nil)
	req.Header.Set("Authorization", "Bearer sesame")
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}

	// Health stays open for probes.
	rr = h.do(t, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("health must not require a token, got %d", rr.Code)
	}
}
