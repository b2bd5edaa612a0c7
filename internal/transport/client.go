// Package transport is the HTTP client side of the peer wire contract. It
// implements the outbound interfaces the registry, sync protocol, and mesh
// network each declare, with a bounded per-call timeout and no overall
// deadline of its own; callers that want one pass a bounded context.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/meshmind/meshmind/internal/memsync"
	"github.com/meshmind/meshmind/internal/mesh"
	"github.com/meshmind/meshmind/internal/registry"
)

const (
	basePath = "/api/v1/distributed"

	defaultPingTimeout = 5 * time.Second
	defaultCallTimeout = 10 * time.Second
)

// Config holds client settings. Token, when set, is attached as a bearer
// token on every request.
type Config struct {
	PingTimeout time.Duration
	CallTimeout time.Duration
	Token       string
}

func (c Config) withDefaults() Config {
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	return c
}

// Client talks to peer instances over the distributed HTTP endpoints.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient builds a peer client. Per-call deadlines come from contexts, so
// the underlying http.Client carries no global timeout.
func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg.withDefaults(), http: &http.Client{}}
}

var _ registry.Discoverer = (*Client)(nil)
var _ memsync.PeerSyncClient = (*Client)(nil)
var _ mesh.Transport = (*Client)(nil)

// FetchInstances asks a peer for its known-instances list.
func (c *Client) FetchInstances(ctx context.Context, addr string) ([]*registry.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	var out struct {
		Instances []*registry.Instance `json:"instances"`
	}
	if err := c.get(ctx, addr, "/instances", &out); err != nil {
		return nil, err
	}
	return out.Instances, nil
}

// FetchIndex asks a peer for its id->checksum index for the given types.
func (c *Client) FetchIndex(ctx context.Context, addr string, types []memsync.MemoryType) (map[memsync.MemoryType]map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}
	path := "/sync/index"
	if len(names) > 0 {
		path += "?types=" + strings.Join(names, ",")
	}

	var out struct {
		Index map[memsync.MemoryType]map[string]string `json:"index"`
	}
	if err := c.get(ctx, addr, path, &out); err != nil {
		return nil, err
	}
	return out.Index, nil
}

// FetchMemories batch-fetches full records by id for one type.
func (c *Client) FetchMemories(ctx context.Context, addr string, typ memsync.MemoryType, ids []string) ([]*memsync.MemoryRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	req := struct {
		Type memsync.MemoryType `json:"type"`
		IDs  []string           `json:"ids"`
	}{Type: typ, IDs: ids}

	var out struct {
		Memories []*memsync.MemoryRecord `json:"memories"`
	}
	if err := c.post(ctx, addr, "/sync/memories", req, &out); err != nil {
		return nil, err
	}
	return out.Memories, nil
}

// PushMemories delivers records to a peer and returns the accepted count it
// reports.
func (c *Client) PushMemories(ctx context.Context, addr, sourceInstance string, records []*memsync.MemoryRecord) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	req := struct {
		SourceInstance string                  `json:"source_instance"`
		Memories       []*memsync.MemoryRecord `json:"memories"`
	}{SourceInstance: sourceInstance, Memories: records}

	var out struct {
		Accepted int `json:"accepted"`
		Rejected int `json:"rejected"`
	}
	if err := c.post(ctx, addr, "/sync/receive", req, &out); err != nil {
		return 0, err
	}
	return out.Accepted, nil
}

// Ping probes a peer for liveness and measures round-trip latency.
func (c *Client) Ping(ctx context.Context, addr, sourceID string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
	defer cancel()

	req := struct {
		SourceID string `json:"source_id"`
	}{SourceID: sourceID}

	started := time.Now()
	if err := c.post(ctx, addr, "/mesh/ping", req, nil); err != nil {
		return 0, err
	}
	return time.Since(started), nil
}

// Deliver hands a mesh message to a peer's receive endpoint.
func (c *Client) Deliver(ctx context.Context, addr string, msg *mesh.Message) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	var out struct {
		Status    string `json:"status"`
		MessageID string `json:"message_id"`
	}
	return c.post(ctx, addr, "/mesh/receive", msg, &out)
}

func (c *Client) get(ctx context.Context, addr, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peerURL(addr, path), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, addr, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL(addr, path), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("transport: peer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// peerURL builds the endpoint URL for a peer address. Bare host:port
// addresses get the default scheme.
func peerURL(addr, path string) string {
	addr = strings.TrimSuffix(strings.TrimSpace(addr), "/")
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return addr + basePath + path
}
