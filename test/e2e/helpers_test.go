package e2e_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/fieldsync/fieldsync/internal/conflict"
	"github.com/fieldsync/fieldsync/internal/inbox"
	"github.com/fieldsync/fieldsync/internal/mcpserver"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/quota"
	"github.com/fieldsync/fieldsync/internal/server"
	"github.com/fieldsync/fieldsync/internal/state"
	"github.com/fieldsync/fieldsync/internal/transport"
	"github.com/fieldsync/fieldsync/internal/upload"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	testToken     = "e2e-token"
	rejectedVisit = "visit-rejected"
)

// mediaServer is a websocket upload endpoint that records every payload
// it acknowledges, keyed by item id. Segments are appended in arrival
// order. Uploads for rejectedVisit are refused.
type mediaServer struct {
	mu       sync.Mutex
	received map[string][]byte
	uploads  int
}

func (m *mediaServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()

	c.SetReadLimit(4 << 20)
	ctx := r.Context()

	for {
		_, meta, err := c.Read(ctx)
		if err != nil {
			return
		}

		id := gjson.GetBytes(meta, "id").Str

		var payload []byte
		for i := int64(0); i < gjson.GetBytes(meta, "frames").Int(); i++ {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			payload = append(payload, data...)
		}

		ack := `{"res":"ok","id":"` + id + `"}`
		if gjson.GetBytes(meta, "visit_id").Str == rejectedVisit {
			ack = `{"res":"err","id":"` + id + `","rejected":true,"code":422,"err":"visit closed"}`
		} else {
			m.mu.Lock()
			m.received[id] = append(m.received[id], payload...)
			m.uploads++
			m.mu.Unlock()
		}

		if err := c.Write(ctx, websocket.MessageText, []byte(ack)); err != nil {
			return
		}
	}
}

func (m *mediaServer) payload(id string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received[id]
}

func (m *mediaServer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

type record struct {
	Version int64          `json:"version"`
	Fields  map[string]any `json:"fields"`
}

// recordServer is an in-memory record service with optimistic versioning.
type recordServer struct {
	mu      sync.Mutex
	records map[string]record
}

func (rs *recordServer) handle(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/records/")

	rs.mu.Lock()
	defer rs.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		rec, ok := rs.records[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(rec)

	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		current := rs.records[key]

		if gjson.GetBytes(body, "base_version").Int() != current.Version {
			w.WriteHeader(http.StatusConflict)
			return
		}

		var fields map[string]any
		json.Unmarshal([]byte(gjson.GetBytes(body, "fields").Raw), &fields)

		rec := record{Version: current.Version + 1, Fields: fields}
		rs.records[key] = rec
		json.NewEncoder(w).Encode(rec)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (rs *recordServer) get(key string) record {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.records[key]
}

func (rs *recordServer) put(key string, rec record) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.records[key] = rec
}

// harness holds the full stack: queue database, inbox watcher, upload
// orchestrator over a real websocket, conflict resolver over HTTP, and
// the authenticated MCP/metrics/health server.
type harness struct {
	URL      string
	Client   *http.Client
	Store    *state.State
	Orch     *upload.Orchestrator
	Watcher  *inbox.Watcher
	InboxDir string
	Media    *mediaServer
	Records  *recordServer
}

type harnessOptions struct {
	chunkSize int
	maxBytes  int64
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	if opts.chunkSize == 0 {
		opts.chunkSize = 1024
	}

	if opts.maxBytes == 0 {
		opts.maxBytes = 1 << 20
	}

	logger := slog.New(slog.DiscardHandler)

	media := &mediaServer{received: make(map[string][]byte)}
	mediaSrv := httptest.NewServer(http.HandlerFunc(media.handle))
	t.Cleanup(mediaSrv.Close)

	records := &recordServer{records: make(map[string]record)}
	recordSrv := httptest.NewServer(http.HandlerFunc(records.handle))
	t.Cleanup(recordSrv.Close)

	s, err := state.LoadAt(filepath.Join(t.TempDir(), "queue.db"), state.WithChunkSize(opts.chunkSize))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	transferer := transport.NewWebSocketTransferer("ws"+strings.TrimPrefix(mediaSrv.URL, "http"), testToken, logger)
	t.Cleanup(func() { transferer.Close() })

	orch := upload.New(s, transferer, upload.Config{
		MaxRetries:      3,
		Concurrency:     2,
		TransferTimeout: 5 * time.Second,
	}, logger, m)

	resolver := conflict.NewResolver(transport.NewHTTPRecords(recordSrv.URL, testToken, recordSrv.Client()), s, s, logger, m)

	inboxDir := t.TempDir()
	watcher := inbox.NewWatcher(inboxDir, quota.New(s, opts.maxBytes, quota.OldestFirst{}, logger, m), logger)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "fieldsync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{Store: s, Orchestrator: orch, Resolver: resolver})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		MCPHandler: mcpHandler,
		Token:      testToken,
		Gatherer:   reg,
		Stats:      orch.Stats,
		Logger:     logger,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		URL:      ts.URL,
		Client:   ts.Client(),
		Store:    s,
		Orch:     orch,
		Watcher:  watcher,
		InboxDir: inboxDir,
		Media:    media,
		Records:  records,
	}
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callJSON calls a tool and decodes its text result into dest.
func callJSON(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.False(t, result.IsError, "%s: %s", name, extractTextContent(t, result))
	require.NoError(t, json.Unmarshal([]byte(extractTextContent(t, result)), dest))
}

// runOnce runs one upload pass with a bounded context.
func (h *harness) runOnce(t *testing.T) upload.Summary {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	sum, err := h.Orch.RunOnce(ctx)
	require.NoError(t, err)

	return sum
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// extractTextContent pulls the text from the first TextContent in a
// CallToolResult. MCP tools return JSON-serialized results as TextContent.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content, "tool result has no content")

	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}

	t.Fatal("no TextContent found in tool result")

	return ""
}
