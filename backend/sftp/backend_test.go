package sftp

import (
	"context"
	"testing"

	"github.com/grokify/ralph"
	"github.com/grokify/ralph/history"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if got, want := config.Addr, "localhost:22"; got != want {
		t.Errorf("Addr = %q, want %q", got, want)
	}
	if got, want := config.Path, "."; got != want {
		t.Errorf("Path = %q, want %q", got, want)
	}
	if got, want := config.ChunkSize, 4096; got != want {
		t.Errorf("ChunkSize = %d, want %d", got, want)
	}
}

func TestConfigFromMap(t *testing.T) {
	config, err := ConfigFromMap(map[string]string{
		"addr":       "files.example.com:2222",
		"user":       "ralph",
		"password":   "secret",
		"insecure":   "true",
		"path":       "/data/events",
		"chunk_size": "1024",
	})
	if err != nil {
		t.Fatalf("ConfigFromMap failed: %v", err)
	}
	if got, want := config.Addr, "files.example.com:2222"; got != want {
		t.Errorf("Addr = %q, want %q", got, want)
	}
	if !config.Insecure {
		t.Error("Insecure = false, want true")
	}
	if got, want := config.ChunkSize, 1024; got != want {
		t.Errorf("ChunkSize = %d, want %d", got, want)
	}
}

func TestConfigFromMapInvalid(t *testing.T) {
	if _, err := ConfigFromMap(map[string]string{"chunk_size": "huge"}); !ralph.IsParameter(err) {
		t.Errorf("chunk_size error = %v, want ErrParameter", err)
	}
	if _, err := ConfigFromMap(map[string]string{"insecure": "perhaps"}); !ralph.IsParameter(err) {
		t.Errorf("insecure error = %v, want ErrParameter", err)
	}
}

func TestResolve(t *testing.T) {
	backend, err := New(Config{Path: "/data/events", User: "ralph", Password: "x", Insecure: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for target, want := range map[string]string{
		"":                 "/data/events",
		"archive.jsonl":    "/data/events/archive.jsonl",
		"sub/file.jsonl":   "/data/events/sub/file.jsonl",
		"/absolute/x.json": "/absolute/x.json",
	} {
		if got := backend.resolve(target); got != want {
			t.Errorf("resolve(%q) = %q, want %q", target, got, want)
		}
	}
}

func TestClientConfigMissingUser(t *testing.T) {
	backend, err := New(Config{Password: "secret", Insecure: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := backend.clientConfig(); !ralph.IsParameter(err) {
		t.Errorf("clientConfig error = %v, want ErrParameter", err)
	}
}

func TestClientConfigMissingAuth(t *testing.T) {
	backend, err := New(Config{User: "ralph", Insecure: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := backend.clientConfig(); !ralph.IsParameter(err) {
		t.Errorf("clientConfig error = %v, want ErrParameter", err)
	}
}

func TestClientConfigMissingKnownHosts(t *testing.T) {
	backend, err := New(Config{User: "ralph", Password: "secret"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := backend.clientConfig(); !ralph.IsParameter(err) {
		t.Errorf("clientConfig error = %v, want ErrParameter", err)
	}
}

func TestStatusBadConfiguration(t *testing.T) {
	backend, err := New(Config{User: "ralph"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	// Missing credentials are a configuration problem, not an
	// unreachable server.
	if got, want := backend.Status(context.Background()), ralph.StatusError; got != want {
		t.Errorf("Status = %v, want %v", got, want)
	}
}

func TestWriteUnsupportedOperation(t *testing.T) {
	backend, err := New(Config{User: "ralph", Password: "secret", Insecure: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// The gate fires before any connection is made, so no server is
	// needed.
	_, err = backend.Write(context.Background(),
		ralph.NewRecordsSource(ralph.Record{"id": "event-1"}),
		ralph.WriteOptions{Operation: ralph.OpDelete})
	if !ralph.IsParameter(err) {
		t.Errorf("Write error = %v, want ErrParameter", err)
	}
}

func TestWriteEmpty(t *testing.T) {
	backend, err := New(Config{User: "ralph", Password: "secret", Insecure: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	count, err := backend.Write(context.Background(), ralph.NewRecordsSource(), ralph.WriteOptions{})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Write = %d, want 0", count)
	}
}

func TestCloseNeverConnected(t *testing.T) {
	backend, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestHistoryDefault(t *testing.T) {
	backend, err := New(Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := backend.config.History.(*history.Memory); !ok {
		t.Errorf("History is %T, want an in-memory log", backend.config.History)
	}
}
