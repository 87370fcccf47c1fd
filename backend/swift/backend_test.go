package swift

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/ncw/swift/v2"
	"github.com/ncw/swift/v2/swifttest"

	"github.com/grokify/ralph"
	"github.com/grokify/ralph/history"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Container = "events"
	backend, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return backend
}

// newServerBackend starts an in-process Swift server and returns a
// backend pointed at it, with the default container created.
func newServerBackend(t *testing.T) *Backend {
	t.Helper()

	srv, err := swifttest.NewSwiftServer("localhost")
	if err != nil {
		t.Fatalf("starting swift server: %v", err)
	}
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.AuthURL = srv.AuthURL
	cfg.AuthVersion = 1
	cfg.Username = "swifttest"
	cfg.Password = "swifttest"
	cfg.Container = "events"
	backend, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	if err := backend.connect().ContainerCreate(context.Background(), "events", nil); err != nil {
		t.Fatalf("creating container: %v", err)
	}
	return backend
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.AuthURL != "https://auth.cloud.ovh.net/" {
		t.Errorf("AuthURL = %q, want %q", cfg.AuthURL, "https://auth.cloud.ovh.net/")
	}
	if cfg.AuthVersion != 3 {
		t.Errorf("AuthVersion = %d, want 3", cfg.AuthVersion)
	}
	if cfg.ProjectDomainName != "Default" || cfg.UserDomainName != "Default" {
		t.Errorf("domains = %q/%q, want Default/Default", cfg.ProjectDomainName, cfg.UserDomainName)
	}
	if cfg.ChunkSize != 4096 {
		t.Errorf("ChunkSize = %d, want 4096", cfg.ChunkSize)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "empty container", config: Config{}, wantErr: true},
		{name: "valid config", config: Config{Container: "events"}, wantErr: false},
		{name: "valid config with region", config: Config{Container: "events", Region: "GRA"}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewMissingContainer(t *testing.T) {
	_, err := New(Config{})
	if !errors.Is(err, ErrContainerRequired) {
		t.Errorf("New() error = %v, want ErrContainerRequired", err)
	}
	if !ralph.IsParameter(err) {
		t.Errorf("New() error = %v, want a parameter error", err)
	}
}

func TestNewFromConfig(t *testing.T) {
	backend, err := NewFromConfig(map[string]string{
		"auth_url":            "https://keystone.example.com/",
		"username":            "ralph",
		"password":            "secret",
		"auth_version":        "2",
		"tenant_id":           "tid",
		"tenant_name":         "tname",
		"project_domain_name": "ProjectDomain",
		"region":              "GRA",
		"object_storage_url":  "https://storage.example.com/v1/AUTH_x",
		"user_domain_name":    "UserDomain",
		"container":           "events",
		"chunk_size":          "8192",
	})
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}

	b, ok := backend.(*Backend)
	if !ok {
		t.Fatalf("NewFromConfig returned %T, want *Backend", backend)
	}
	if b.config.AuthURL != "https://keystone.example.com/" {
		t.Errorf("AuthURL = %q, want %q", b.config.AuthURL, "https://keystone.example.com/")
	}
	if b.config.Username != "ralph" || b.config.Password != "secret" {
		t.Errorf("credentials = %q/%q, want ralph/secret", b.config.Username, b.config.Password)
	}
	if b.config.AuthVersion != 2 {
		t.Errorf("AuthVersion = %d, want 2", b.config.AuthVersion)
	}
	if b.config.TenantID != "tid" || b.config.TenantName != "tname" {
		t.Errorf("tenant = %q/%q, want tid/tname", b.config.TenantID, b.config.TenantName)
	}
	if b.config.ProjectDomainName != "ProjectDomain" {
		t.Errorf("ProjectDomainName = %q, want %q", b.config.ProjectDomainName, "ProjectDomain")
	}
	if b.config.Region != "GRA" {
		t.Errorf("Region = %q, want %q", b.config.Region, "GRA")
	}
	if b.config.ObjectStorageURL != "https://storage.example.com/v1/AUTH_x" {
		t.Errorf("ObjectStorageURL = %q, want %q", b.config.ObjectStorageURL, "https://storage.example.com/v1/AUTH_x")
	}
	if b.config.UserDomainName != "UserDomain" {
		t.Errorf("UserDomainName = %q, want %q", b.config.UserDomainName, "UserDomain")
	}
	if b.config.Container != "events" {
		t.Errorf("Container = %q, want %q", b.config.Container, "events")
	}
	if b.config.ChunkSize != 8192 {
		t.Errorf("ChunkSize = %d, want 8192", b.config.ChunkSize)
	}
}

func TestNewFromConfigInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"container": "events", "auth_version": "abc"},
		{"container": "events", "auth_version": "0"},
		{"container": "events", "chunk_size": "abc"},
		{"container": "events", "chunk_size": "0"},
	}
	for _, configMap := range tests {
		if _, err := NewFromConfig(configMap); !ralph.IsParameter(err) {
			t.Errorf("NewFromConfig(%v) error = %v, want a parameter error", configMap, err)
		}
	}

	if _, err := NewFromConfig(map[string]string{}); !errors.Is(err, ErrContainerRequired) {
		t.Errorf("NewFromConfig without container error = %v, want ErrContainerRequired", err)
	}
}

func TestOpenRegistered(t *testing.T) {
	backend, err := ralph.Open("swift", map[string]string{"container": "events"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if backend.Name() != "swift" {
		t.Errorf("Name() = %q, want %q", backend.Name(), "swift")
	}
}

func TestSplitTarget(t *testing.T) {
	backend := newTestBackend(t)

	tests := []struct {
		target        string
		wantContainer string
		wantObject    string
	}{
		{"archive.jsonl", "events", "archive.jsonl"},
		{"other-container/archive.jsonl", "other-container", "archive.jsonl"},
		{"other-container/2023/archive.jsonl", "other-container", "2023/archive.jsonl"},
	}
	for _, tt := range tests {
		container, object := backend.splitTarget(tt.target)
		if container != tt.wantContainer || object != tt.wantObject {
			t.Errorf("splitTarget(%q) = (%q, %q), want (%q, %q)", tt.target, container, object, tt.wantContainer, tt.wantObject)
		}
	}
}

func TestSplitTargetGeneratesObject(t *testing.T) {
	backend := newTestBackend(t)

	container, object := backend.splitTarget("")
	if container != "events" {
		t.Errorf("container = %q, want %q", container, "events")
	}
	if object == "" {
		t.Error("generated object name is empty")
	}
	_, other := backend.splitTarget("")
	if object == other {
		t.Errorf("generated object names collide: %q", object)
	}
}

func TestReadMissingQuery(t *testing.T) {
	backend := newTestBackend(t)

	if _, err := backend.Read(context.Background(), ralph.ReadOptions{}); !ralph.IsParameter(err) {
		t.Errorf("Read without query error = %v, want a parameter error", err)
	}
	if _, err := backend.ReadRaw(context.Background(), ralph.ReadOptions{}); !ralph.IsParameter(err) {
		t.Errorf("ReadRaw without query error = %v, want a parameter error", err)
	}
}

func TestReadQueryForms(t *testing.T) {
	backend := newTestBackend(t)

	// The structured form carries the object name under "query_string".
	stream, err := backend.Read(context.Background(), ralph.ReadOptions{
		Query: ralph.Query{Value: map[string]string{"query_string": "archive.jsonl"}},
	})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Unknown query fields are rejected.
	_, err = backend.Read(context.Background(), ralph.ReadOptions{
		Query: ralph.Query{Value: map[string]string{"object": "archive.jsonl"}},
	})
	if !ralph.IsParameter(err) {
		t.Errorf("Read with unknown query field error = %v, want a parameter error", err)
	}
}

func TestReadStartsOnFirstNext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuthURL = "http://127.0.0.1:1/v1.0"
	cfg.AuthVersion = 1
	cfg.Username = "swifttest"
	cfg.Password = "swifttest"
	cfg.Container = "events"
	backend, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Creating the stream does not touch the service.
	stream, err := backend.Read(context.Background(), ralph.ReadOptions{
		Query: ralph.Query{Text: "archive.jsonl"},
	})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	defer func() { _ = stream.Close() }()

	// The first record triggers the download against the unreachable
	// service.
	if _, err := stream.Next(); !ralph.IsBackendFailure(err) {
		t.Errorf("Next() error = %v, want a backend failure", err)
	}
}

func TestWriteEmptySource(t *testing.T) {
	backend := newTestBackend(t)

	count, err := backend.Write(context.Background(), ralph.Source{}, ralph.WriteOptions{})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}

	// The empty source check comes before the operation check.
	count, err = backend.Write(context.Background(), ralph.Source{}, ralph.WriteOptions{Operation: ralph.OpDelete})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestWriteUnsupportedOperation(t *testing.T) {
	backend := newTestBackend(t)

	for _, op := range []ralph.Operation{ralph.OpAppend, ralph.OpUpdate, ralph.OpDelete} {
		src := ralph.NewRecordsSource(ralph.Record{"id": "s1"})
		_, err := backend.Write(context.Background(), src, ralph.WriteOptions{Operation: op})
		if !ralph.IsParameter(err) {
			t.Errorf("Write with %s error = %v, want a parameter error", op, err)
		}
	}
}

func TestCapabilities(t *testing.T) {
	backend := newTestBackend(t)
	caps := backend.Capabilities()

	if caps.Default != ralph.OpCreate {
		t.Errorf("Default = %q, want %q", caps.Default, ralph.OpCreate)
	}
	if !caps.Supports(ralph.OpIndex) {
		t.Error("index should be supported")
	}
	for _, op := range []ralph.Operation{ralph.OpAppend, ralph.OpUpdate, ralph.OpDelete} {
		if caps.Supports(op) {
			t.Errorf("%s should not be supported", op)
		}
	}
}

func TestTranslateError(t *testing.T) {
	backend := newTestBackend(t)

	tests := []struct {
		name     string
		err      error
		notFound bool
	}{
		{name: "object not found", err: swift.ObjectNotFound, notFound: true},
		{name: "container not found", err: swift.ContainerNotFound, notFound: true},
		{name: "authorization failed", err: swift.AuthorizationFailed, notFound: false},
		{name: "transport", err: errors.New("connection refused"), notFound: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := backend.translateError(tt.err, "events/archive.jsonl")
			if tt.notFound {
				if !ralph.IsNotFound(err) {
					t.Errorf("translateError() = %v, want not found", err)
				}
				return
			}
			if !ralph.IsBackendFailure(err) {
				t.Errorf("translateError() = %v, want a backend failure", err)
			}
		})
	}

	if err := backend.translateError(nil, "events"); err != nil {
		t.Errorf("translateError(nil) = %v, want nil", err)
	}
}

func TestCloseReusable(t *testing.T) {
	backend := newTestBackend(t)

	if err := backend.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	// A closed backend still answers; it would reconnect on demand.
	count, err := backend.Write(context.Background(), ralph.Source{}, ralph.WriteOptions{})
	if err != nil || count != 0 {
		t.Errorf("Write after Close = (%d, %v), want (0, nil)", count, err)
	}
}

func TestContextCancellation(t *testing.T) {
	backend := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := backend.Read(ctx, ralph.ReadOptions{Query: ralph.Query{Text: "a"}}); !errors.Is(err, context.Canceled) {
		t.Errorf("Read error = %v, want context.Canceled", err)
	}
	if _, err := backend.List(ctx, ralph.ListOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("List error = %v, want context.Canceled", err)
	}
	src := ralph.NewRecordsSource(ralph.Record{"id": "s1"})
	if _, err := backend.Write(ctx, src, ralph.WriteOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Write error = %v, want context.Canceled", err)
	}
	if status := backend.Status(ctx); status != ralph.StatusError {
		t.Errorf("Status = %q, want %q", status, ralph.StatusError)
	}
}

func TestStatus(t *testing.T) {
	backend := newServerBackend(t)

	if status := backend.Status(context.Background()); status != ralph.StatusOK {
		t.Errorf("Status = %q, want %q", status, ralph.StatusOK)
	}
}

func TestStatusUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuthURL = "http://127.0.0.1:1/v1.0"
	cfg.AuthVersion = 1
	cfg.Container = "events"
	backend, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if status := backend.Status(context.Background()); status != ralph.StatusAway {
		t.Errorf("Status = %q, want %q", status, ralph.StatusAway)
	}
}

func TestWriteRead(t *testing.T) {
	backend := newServerBackend(t)
	ctx := context.Background()

	src := ralph.NewRecordsSource(ralph.Record{"id": "s1"}, ralph.Record{"id": "s2"})
	count, err := backend.Write(ctx, src, ralph.WriteOptions{Target: "archive.jsonl"})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	stream, err := backend.ReadRaw(ctx, ralph.ReadOptions{Query: ralph.Query{Text: "archive.jsonl"}})
	if err != nil {
		t.Fatalf("ReadRaw failed: %v", err)
	}
	content, err := io.ReadAll(stream.Reader())
	if err != nil {
		t.Fatalf("reading stream failed: %v", err)
	}
	_ = stream.Close()

	want := "{\"id\":\"s1\"}\n{\"id\":\"s2\"}\n"
	if string(content) != want {
		t.Errorf("content = %q, want %q", content, want)
	}

	records, err := backend.Read(ctx, ralph.ReadOptions{Query: ralph.Query{Text: "archive.jsonl"}})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var ids []string
	for {
		record, err := records.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		ids = append(ids, record["id"].(string))
	}
	_ = records.Close()
	if len(ids) != 2 || ids[0] != "s1" || ids[1] != "s2" {
		t.Errorf("ids = %v, want [s1 s2]", ids)
	}

	entries := backend.config.History.(*history.Memory).Entries()
	var reads, writes int
	for _, entry := range entries {
		if entry.ID != "events/archive.jsonl" {
			continue
		}
		switch entry.Action {
		case history.ActionRead:
			reads++
			if entry.Size != int64(len(want)) {
				t.Errorf("read entry size = %d, want %d", entry.Size, len(want))
			}
		case history.ActionWrite:
			writes++
			if entry.Operation != string(ralph.OpCreate) {
				t.Errorf("write entry operation = %q, want %q", entry.Operation, ralph.OpCreate)
			}
			if entry.Size != int64(len(want)) {
				t.Errorf("write entry size = %d, want %d", entry.Size, len(want))
			}
		}
	}
	if writes != 1 {
		t.Errorf("write entries = %d, want 1", writes)
	}
	if reads != 2 {
		t.Errorf("read entries = %d, want 2", reads)
	}
}

func TestWriteCreateExisting(t *testing.T) {
	backend := newServerBackend(t)
	ctx := context.Background()

	src := ralph.NewRecordsSource(ralph.Record{"id": "s1"})
	if _, err := backend.Write(ctx, src, ralph.WriteOptions{Target: "archive.jsonl"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	src = ralph.NewRecordsSource(ralph.Record{"id": "s2"})
	_, err := backend.Write(ctx, src, ralph.WriteOptions{Target: "archive.jsonl"})
	if !errors.Is(err, ralph.ErrAlreadyExists) {
		t.Errorf("second Write error = %v, want ErrAlreadyExists", err)
	}
}

func TestWriteGeneratedTarget(t *testing.T) {
	backend := newServerBackend(t)
	ctx := context.Background()

	src := ralph.NewRecordsSource(ralph.Record{"id": "s1"})
	count, err := backend.Write(ctx, src, ralph.WriteOptions{})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	entries, err := backend.List(ctx, ralph.ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("List returned %d entries, want 1", len(entries))
	}
	if entries[0].Name == "" {
		t.Error("generated object name is empty")
	}
}

func TestList(t *testing.T) {
	backend := newServerBackend(t)
	ctx := context.Background()

	src := ralph.NewRecordsSource(ralph.Record{"id": "s1"})
	if _, err := backend.Write(ctx, src, ralph.WriteOptions{Target: "archive.jsonl"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	entries, err := backend.List(ctx, ralph.ListOptions{Details: true})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	found := false
	for _, entry := range entries {
		if entry.Name != "archive.jsonl" {
			continue
		}
		found = true
		if entry.Details["size"].(int64) == 0 {
			t.Error("size detail is zero")
		}
		if entry.Details["modified_at"].(string) == "" {
			t.Error("modified_at detail is empty")
		}
	}
	if !found {
		t.Error("List is missing \"archive.jsonl\"")
	}

	// Once read, the object disappears from new-only listings.
	stream, err := backend.Read(ctx, ralph.ReadOptions{Query: ralph.Query{Text: "archive.jsonl"}})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	for {
		if _, err := stream.Next(); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
	}
	_ = stream.Close()

	entries, err = backend.List(ctx, ralph.ListOptions{New: true})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for _, entry := range entries {
		if entry.Name == "archive.jsonl" {
			t.Error("new-only List still contains \"archive.jsonl\"")
		}
	}
}

func TestListMissingContainer(t *testing.T) {
	backend := newServerBackend(t)

	_, err := backend.List(context.Background(), ralph.ListOptions{Target: "nowhere"})
	if !ralph.IsNotFound(err) {
		t.Errorf("List error = %v, want not found", err)
	}
}

func TestReadMissing(t *testing.T) {
	backend := newServerBackend(t)

	stream, err := backend.Read(context.Background(), ralph.ReadOptions{Query: ralph.Query{Text: "missing.jsonl"}})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	defer func() { _ = stream.Close() }()

	if _, err := stream.Next(); !ralph.IsNotFound(err) {
		t.Errorf("Next() error = %v, want not found", err)
	}
}
