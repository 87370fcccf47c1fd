package ldp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/grokify/ralph"
	"github.com/grokify/ralph/history"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ServiceName = "ldp-account"
	cfg.StreamID = "stream-1"
	backend, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return backend
}

// newFakeLDP serves the OVH API routes the backend touches: the time
// drift probe, archive listings, archive details, download url grants
// and the granted downloads themselves.
func newFakeLDP(t *testing.T, archives map[string]string) *httptest.Server {
	t.Helper()

	base := "/1.0/dbaas/logs/ldp-account/output/graylog/stream/stream-1/archive"
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/1.0/auth/time":
			fmt.Fprint(w, time.Now().Unix())
		case r.URL.Path == base && r.Method == http.MethodGet:
			names := make([]string, 0, len(archives))
			for name := range archives {
				names = append(names, name)
			}
			sort.Strings(names)
			_ = json.NewEncoder(w).Encode(names)
		case strings.HasPrefix(r.URL.Path, base+"/") && strings.HasSuffix(r.URL.Path, "/url") && r.Method == http.MethodPost:
			name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, base+"/"), "/url")
			if _, ok := archives[name]; !ok {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"message":"archive not found"}`)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"url": srv.URL + "/download/" + name})
		case strings.HasPrefix(r.URL.Path, base+"/") && r.Method == http.MethodGet:
			name := strings.TrimPrefix(r.URL.Path, base+"/")
			content, ok := archives[name]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"message":"archive not found"}`)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"archiveId":      name,
				"createdAt":      "2024-06-18T04:38:59.436634+02:00",
				"filename":       name + ".gz",
				"retrievalState": "sealed",
				"size":           len(content),
			})
		case strings.HasPrefix(r.URL.Path, "/download/"):
			name := strings.TrimPrefix(r.URL.Path, "/download/")
			content, ok := archives[name]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(content))
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"no route"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func serverConfig(srv *httptest.Server) Config {
	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL + "/1.0"
	cfg.ApplicationKey = "ak"
	cfg.ApplicationSecret = "as"
	cfg.ConsumerKey = "ck"
	cfg.ServiceName = "ldp-account"
	cfg.StreamID = "stream-1"
	return cfg
}

func newServerBackend(t *testing.T, srv *httptest.Server) *Backend {
	t.Helper()

	backend, err := New(serverConfig(srv))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Endpoint != "ovh-eu" {
		t.Errorf("Endpoint = %q, want %q", cfg.Endpoint, "ovh-eu")
	}
	if cfg.ChunkSize != 4096 {
		t.Errorf("ChunkSize = %d, want 4096", cfg.ChunkSize)
	}
}

func TestNewFromConfig(t *testing.T) {
	backend, err := NewFromConfig(map[string]string{
		"endpoint":           "ovh-ca",
		"application_key":    "ak",
		"application_secret": "as",
		"consumer_key":       "ck",
		"service_name":       "ldp-account",
		"stream_id":          "stream-1",
		"chunk_size":         "8192",
		"timeout":            "30s",
		"decompress":         "true",
	})
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}

	b, ok := backend.(*Backend)
	if !ok {
		t.Fatalf("NewFromConfig returned %T, want *Backend", backend)
	}
	if b.config.Endpoint != "ovh-ca" {
		t.Errorf("Endpoint = %q, want %q", b.config.Endpoint, "ovh-ca")
	}
	if b.config.ApplicationKey != "ak" || b.config.ApplicationSecret != "as" || b.config.ConsumerKey != "ck" {
		t.Errorf("credentials = %q/%q/%q, want ak/as/ck", b.config.ApplicationKey, b.config.ApplicationSecret, b.config.ConsumerKey)
	}
	if b.config.ServiceName != "ldp-account" {
		t.Errorf("ServiceName = %q, want %q", b.config.ServiceName, "ldp-account")
	}
	if b.config.StreamID != "stream-1" {
		t.Errorf("StreamID = %q, want %q", b.config.StreamID, "stream-1")
	}
	if b.config.ChunkSize != 8192 {
		t.Errorf("ChunkSize = %d, want 8192", b.config.ChunkSize)
	}
	if b.config.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", b.config.Timeout)
	}
	if !b.config.Decompress {
		t.Error("Decompress = false, want true")
	}
}

func TestNewFromConfigInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"chunk_size": "abc"},
		{"chunk_size": "0"},
		{"timeout": "abc"},
		{"timeout": "0s"},
	}
	for _, configMap := range tests {
		if _, err := NewFromConfig(configMap); !ralph.IsParameter(err) {
			t.Errorf("NewFromConfig(%v) error = %v, want a parameter error", configMap, err)
		}
	}
}

func TestOpenRegistered(t *testing.T) {
	backend, err := ralph.Open("ldp", map[string]string{"service_name": "ldp-account"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if backend.Name() != "ldp" {
		t.Errorf("Name() = %q, want %q", backend.Name(), "ldp")
	}
}

func TestArchivePath(t *testing.T) {
	backend := newTestBackend(t)

	path, stream, err := backend.archivePath("")
	if err != nil {
		t.Fatalf("archivePath failed: %v", err)
	}
	want := "/dbaas/logs/ldp-account/output/graylog/stream/stream-1/archive"
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	if stream != "stream-1" {
		t.Errorf("stream = %q, want %q", stream, "stream-1")
	}

	path, stream, err = backend.archivePath("other")
	if err != nil {
		t.Fatalf("archivePath failed: %v", err)
	}
	if !strings.Contains(path, "/stream/other/") || stream != "other" {
		t.Errorf("archivePath(other) = (%q, %q)", path, stream)
	}
}

func TestArchivePathMissingParameters(t *testing.T) {
	noService, err := New(Config{StreamID: "stream-1"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, _, err := noService.archivePath(""); !errors.Is(err, ErrStreamRequired) {
		t.Errorf("archivePath without service error = %v, want ErrStreamRequired", err)
	}

	noStream, err := New(Config{ServiceName: "ldp-account"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, _, err := noStream.archivePath(""); !errors.Is(err, ErrStreamRequired) {
		t.Errorf("archivePath without stream error = %v, want ErrStreamRequired", err)
	}
	if _, _, err := noStream.archivePath("stream-2"); err != nil {
		t.Errorf("archivePath with explicit stream error = %v, want nil", err)
	}
}

func TestReadRecordsUnsupported(t *testing.T) {
	backend := newTestBackend(t)

	_, err := backend.Read(context.Background(), ralph.ReadOptions{Query: ralph.Query{Text: "archive-a"}})
	if !ralph.IsParameter(err) {
		t.Errorf("Read error = %v, want a parameter error", err)
	}
}

func TestReadMissingQuery(t *testing.T) {
	backend := newTestBackend(t)

	if _, err := backend.ReadRaw(context.Background(), ralph.ReadOptions{}); !ralph.IsParameter(err) {
		t.Errorf("ReadRaw without query error = %v, want a parameter error", err)
	}
}

func TestReadQueryForms(t *testing.T) {
	backend := newTestBackend(t)

	// The structured form carries the archive name under "query_string".
	stream, err := backend.ReadRaw(context.Background(), ralph.ReadOptions{
		Query: ralph.Query{Value: map[string]string{"query_string": "archive-a"}},
	})
	if err != nil {
		t.Fatalf("ReadRaw failed: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Unknown query fields are rejected.
	_, err = backend.ReadRaw(context.Background(), ralph.ReadOptions{
		Query: ralph.Query{Value: map[string]string{"archive": "archive-a"}},
	})
	if !ralph.IsParameter(err) {
		t.Errorf("ReadRaw with unknown query field error = %v, want a parameter error", err)
	}
}

func TestReadStartsOnFirstNext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint = "http://127.0.0.1:1"
	cfg.ApplicationKey = "ak"
	cfg.ApplicationSecret = "as"
	cfg.ConsumerKey = "ck"
	cfg.ServiceName = "ldp-account"
	cfg.StreamID = "stream-1"
	backend, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Creating the stream does not touch the API.
	stream, err := backend.ReadRaw(context.Background(), ralph.ReadOptions{
		Query: ralph.Query{Text: "archive-a"},
	})
	if err != nil {
		t.Fatalf("ReadRaw failed: %v", err)
	}
	defer func() { _ = stream.Close() }()

	// The first chunk triggers the url request against the unreachable
	// API.
	if _, err := stream.Next(); !ralph.IsBackendFailure(err) {
		t.Errorf("Next() error = %v, want a backend failure", err)
	}
}

func TestStatus(t *testing.T) {
	srv := newFakeLDP(t, map[string]string{"archive-a": "log line\n"})
	backend := newServerBackend(t, srv)

	if status := backend.Status(context.Background()); status != ralph.StatusOK {
		t.Errorf("Status = %q, want %q", status, ralph.StatusOK)
	}
}

func TestStatusRejected(t *testing.T) {
	srv := newFakeLDP(t, nil)
	cfg := serverConfig(srv)
	cfg.StreamID = "missing-stream"
	backend, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if status := backend.Status(context.Background()); status != ralph.StatusError {
		t.Errorf("Status = %q, want %q", status, ralph.StatusError)
	}
}

func TestStatusUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint = "http://127.0.0.1:1"
	cfg.ApplicationKey = "ak"
	cfg.ApplicationSecret = "as"
	cfg.ConsumerKey = "ck"
	cfg.ServiceName = "ldp-account"
	cfg.StreamID = "stream-1"
	backend, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if status := backend.Status(context.Background()); status != ralph.StatusAway {
		t.Errorf("Status = %q, want %q", status, ralph.StatusAway)
	}
}

func TestStatusMissingStream(t *testing.T) {
	backend, err := New(Config{ServiceName: "ldp-account"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if status := backend.Status(context.Background()); status != ralph.StatusError {
		t.Errorf("Status = %q, want %q", status, ralph.StatusError)
	}
}

func TestList(t *testing.T) {
	srv := newFakeLDP(t, map[string]string{
		"archive-a": "one\n",
		"archive-b": "two\n",
	})
	backend := newServerBackend(t, srv)

	entries, err := backend.List(context.Background(), ralph.ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "archive-a" || entries[1].Name != "archive-b" {
		t.Errorf("entries = %+v, want archive-a and archive-b", entries)
	}
}

func TestListDetails(t *testing.T) {
	content := "one\n"
	srv := newFakeLDP(t, map[string]string{"archive-a": content})
	backend := newServerBackend(t, srv)

	entries, err := backend.List(context.Background(), ralph.ListOptions{Details: true})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("List returned %d entries, want 1", len(entries))
	}

	details := entries[0].Details
	if details["name"].(string) != "archive-a" {
		t.Errorf("name = %v, want %q", details["name"], "archive-a")
	}
	if details["filename"].(string) != "archive-a.gz" {
		t.Errorf("filename = %v, want %q", details["filename"], "archive-a.gz")
	}
	if details["size"].(int64) != int64(len(content)) {
		t.Errorf("size = %v, want %d", details["size"], len(content))
	}
	if details["modified_at"].(string) != "2024-06-18T02:38:59Z" {
		t.Errorf("modified_at = %v, want %q", details["modified_at"], "2024-06-18T02:38:59Z")
	}
	if details["state"].(string) != "sealed" {
		t.Errorf("state = %v, want %q", details["state"], "sealed")
	}
}

func TestListNew(t *testing.T) {
	srv := newFakeLDP(t, map[string]string{
		"archive-a": "one\n",
		"archive-b": "two\n",
	})
	cfg := serverConfig(srv)
	cfg.History = history.NewMemory()
	backend, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Ledgers written by earlier deployments carry the legacy command
	// field.
	seed := history.Entry{
		Backend:   "ldp",
		Command:   history.ActionRead,
		ID:        "stream-1/archive-a",
		Timestamp: time.Now().UTC(),
	}
	if err := cfg.History.Append(seed); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	entries, err := backend.List(context.Background(), ralph.ListOptions{New: true})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "archive-b" {
		t.Errorf("entries = %+v, want only archive-b", entries)
	}
}

func TestListMissingStream(t *testing.T) {
	backend, err := New(Config{ServiceName: "ldp-account"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = backend.List(context.Background(), ralph.ListOptions{})
	if !errors.Is(err, ErrStreamRequired) {
		t.Errorf("List error = %v, want ErrStreamRequired", err)
	}
}

func TestListMissingTarget(t *testing.T) {
	srv := newFakeLDP(t, nil)
	backend := newServerBackend(t, srv)

	_, err := backend.List(context.Background(), ralph.ListOptions{Target: "missing-stream"})
	if !ralph.IsNotFound(err) {
		t.Errorf("List error = %v, want not found", err)
	}
}

func TestReadRoundtrip(t *testing.T) {
	content := "2024-06-16 log line one\n2024-06-16 log line two\n"
	srv := newFakeLDP(t, map[string]string{"archive-a": content})
	backend := newServerBackend(t, srv)

	stream, err := backend.ReadRaw(context.Background(), ralph.ReadOptions{Query: ralph.Query{Text: "archive-a"}})
	if err != nil {
		t.Fatalf("ReadRaw failed: %v", err)
	}
	got, err := io.ReadAll(stream.Reader())
	if err != nil {
		t.Fatalf("reading stream failed: %v", err)
	}
	_ = stream.Close()

	if string(got) != content {
		t.Errorf("content = %q, want %q", got, content)
	}

	entries := backend.config.History.(*history.Memory).Entries()
	if len(entries) != 1 {
		t.Fatalf("history entries = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry.Command != history.ActionRead {
		t.Errorf("entry command = %q, want %q", entry.Command, history.ActionRead)
	}
	if entry.ID != "stream-1/archive-a" {
		t.Errorf("entry id = %q, want %q", entry.ID, "stream-1/archive-a")
	}
	if entry.Filename != "archive-a.gz" {
		t.Errorf("entry filename = %q, want %q", entry.Filename, "archive-a.gz")
	}
	if entry.Size != int64(len(content)) {
		t.Errorf("entry size = %d, want %d", entry.Size, len(content))
	}
}

func TestReadChunked(t *testing.T) {
	content := "0123456789abcdef0123"
	srv := newFakeLDP(t, map[string]string{"archive-a": content})
	backend := newServerBackend(t, srv)

	stream, err := backend.ReadRaw(context.Background(), ralph.ReadOptions{
		Query:     ralph.Query{Text: "archive-a"},
		ChunkSize: 8,
	})
	if err != nil {
		t.Fatalf("ReadRaw failed: %v", err)
	}
	defer func() { _ = stream.Close() }()

	var got []byte
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if len(chunk) > 8 {
			t.Errorf("chunk length = %d, want at most 8", len(chunk))
		}
		got = append(got, chunk...)
	}
	if string(got) != content {
		t.Errorf("content = %q, want %q", got, content)
	}
}

func TestReadDecompress(t *testing.T) {
	raw := "le log un\nle log deux\n"
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(raw)); err != nil {
		t.Fatalf("compressing: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("closing compressor: %v", err)
	}

	srv := newFakeLDP(t, map[string]string{"archive-a": buf.String()})
	cfg := serverConfig(srv)
	cfg.Decompress = true
	backend, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	stream, err := backend.ReadRaw(context.Background(), ralph.ReadOptions{Query: ralph.Query{Text: "archive-a"}})
	if err != nil {
		t.Fatalf("ReadRaw failed: %v", err)
	}
	got, err := io.ReadAll(stream.Reader())
	if err != nil {
		t.Fatalf("reading stream failed: %v", err)
	}
	_ = stream.Close()

	if string(got) != raw {
		t.Errorf("content = %q, want %q", got, raw)
	}

	// The history keeps the archive size, not the decompressed one.
	entries := backend.config.History.(*history.Memory).Entries()
	if len(entries) != 1 {
		t.Fatalf("history entries = %d, want 1", len(entries))
	}
	if entries[0].Size != int64(buf.Len()) {
		t.Errorf("entry size = %d, want %d", entries[0].Size, buf.Len())
	}
}

func TestReadMissing(t *testing.T) {
	srv := newFakeLDP(t, nil)
	backend := newServerBackend(t, srv)

	stream, err := backend.ReadRaw(context.Background(), ralph.ReadOptions{Query: ralph.Query{Text: "missing"}})
	if err != nil {
		t.Fatalf("ReadRaw failed: %v", err)
	}
	defer func() { _ = stream.Close() }()

	if _, err := stream.Next(); !ralph.IsNotFound(err) {
		t.Errorf("Next() error = %v, want not found", err)
	}
}

func TestCloseReusable(t *testing.T) {
	srv := newFakeLDP(t, map[string]string{"archive-a": "one\n"})
	backend := newServerBackend(t, srv)

	if status := backend.Status(context.Background()); status != ralph.StatusOK {
		t.Fatalf("Status = %q, want %q", status, ralph.StatusOK)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if status := backend.Status(context.Background()); status != ralph.StatusOK {
		t.Errorf("Status after Close = %q, want %q", status, ralph.StatusOK)
	}
}

func TestContextCancellation(t *testing.T) {
	backend := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := backend.Read(ctx, ralph.ReadOptions{Query: ralph.Query{Text: "a"}}); !errors.Is(err, context.Canceled) {
		t.Errorf("Read error = %v, want context.Canceled", err)
	}
	if _, err := backend.ReadRaw(ctx, ralph.ReadOptions{Query: ralph.Query{Text: "a"}}); !errors.Is(err, context.Canceled) {
		t.Errorf("ReadRaw error = %v, want context.Canceled", err)
	}
	if _, err := backend.List(ctx, ralph.ListOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("List error = %v, want context.Canceled", err)
	}
	if status := backend.Status(ctx); status != ralph.StatusError {
		t.Errorf("Status = %q, want %q", status, ralph.StatusError)
	}
}
