// Package ralph provides a unified interface for moving learning event
// records in and out of heterogeneous data backends: document stores,
// object storage, log archives, local files and live HTTP or websocket
// streams.
//
// Records travel as streams. A RecordStream carries parsed JSON records
// and a ByteStream carries raw newline-terminated lines; every backend
// exposes both views of its data through Read and ReadRaw. Backends that
// accept data implement Writable, backends that can enumerate their
// containers implement Lister.
//
// Backends register themselves under a short name (importing the package
// is enough) and are constructed from flat string configuration maps:
//
//	import _ "github.com/grokify/ralph/backend/fs"
//
//	b, err := ralph.Open("fs", map[string]string{"path": "/var/lib/ralph"})
package ralph

import "context"

// Record is a single schemaless event, typically an xAPI statement.
type Record map[string]any

// Status reports whether a backend is reachable and usable.
type Status string

const (
	// StatusOK means the backend answered a connectivity probe.
	StatusOK Status = "ok"

	// StatusAway means the backend could not be reached at all.
	StatusAway Status = "away"

	// StatusError means the backend was reached but reported an
	// unusable state, for example a red cluster or a failing probe.
	StatusError Status = "error"
)

// Entry is one item returned by Lister.List: a container, file, index or
// archive known to the backend. Details is populated only when listing
// with ListOptions.Details and its keys are backend specific.
type Entry struct {
	Name    string
	Details Record
}

// Backend is the minimal contract shared by every data backend.
//
// Read and ReadRaw return lazy streams: no I/O beyond request setup
// happens until the first Next call, and the caller owns the stream and
// must Close it. Both honor ReadOptions.Query and yield the same data,
// parsed or raw.
type Backend interface {
	// Name returns the registry name of the backend, for example "es"
	// or "fs". It is the value used in history entries.
	Name() string

	// Status probes connectivity. It never returns an error; failures
	// are folded into StatusAway or StatusError.
	Status(ctx context.Context) Status

	// Read returns a stream of parsed records matching opts.Query.
	Read(ctx context.Context, opts ReadOptions) (*RecordStream, error)

	// ReadRaw returns the same data as raw bytes: JSON lines for
	// document backends, fixed-size blocks for file and object
	// backends.
	ReadRaw(ctx context.Context, opts ReadOptions) (*ByteStream, error)

	// Close releases held connections and clients and returns the
	// backend to its disconnected state. Close is idempotent, and the
	// backend may be used again afterwards; it reconnects on demand.
	Close() error
}
