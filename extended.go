package ralph

import "context"

// Lister extends Backend with container enumeration: directories for
// file backends, buckets for object stores, indices for document
// stores, archives for log platforms.
//
// Not every backend can enumerate; streaming backends in particular
// cannot. Use AsLister to check at runtime.
type Lister interface {
	Backend

	// List returns the entries in the target container. With
	// ListOptions.New it consults the backend's history and returns
	// only entries not yet read.
	List(ctx context.Context, opts ListOptions) ([]Entry, error)
}

// Writable extends Backend with record ingestion. Read-only backends
// such as log archives and websocket feeds do not implement it.
type Writable interface {
	Backend

	// Write sends the source's records to the target using the
	// resolved operation and returns the count of records (or, for
	// whole-file targets, containers) durably accepted. An empty
	// source returns 0 without touching the remote.
	Write(ctx context.Context, src Source, opts WriteOptions) (int64, error)

	// Capabilities reports the backend's default and unsupported
	// write operations.
	Capabilities() Capabilities
}

// AsLister attempts to convert a Backend to Lister.
// Returns the Lister and true if the backend can enumerate containers.
// Returns nil and false otherwise.
func AsLister(b Backend) (Lister, bool) {
	l, ok := b.(Lister)
	return l, ok
}

// AsWritable attempts to convert a Backend to Writable.
// Returns the Writable and true if the backend accepts writes.
// Returns nil and false otherwise.
func AsWritable(b Backend) (Writable, bool) {
	w, ok := b.(Writable)
	return w, ok
}
