package ralph

// ListOptions configures Lister.List.
type ListOptions struct {
	// Target selects the container to list: a directory for file
	// backends, a bucket for object stores, an index pattern for
	// document stores. Empty means the backend's configured default.
	Target string

	// Details switches the result from bare names to entries with
	// backend specific metadata attached.
	Details bool

	// New filters out items already recorded as read in the
	// backend's history. Backends without a usable history ignore it
	// with a warning.
	New bool
}

// ReadOptions configures Backend.Read and Backend.ReadRaw.
type ReadOptions struct {
	// Query selects the records to read. Its interpretation is
	// backend specific: a glob pattern for file backends, an archive
	// name for log archives, a query document for document stores.
	// The zero Query selects everything.
	Query Query

	// Target overrides the backend's default container: directory,
	// bucket/key, index, collection or table.
	Target string

	// ChunkSize bounds how many records (or bytes, for raw object
	// streams) are fetched per remote round trip. Zero means the
	// backend's default.
	ChunkSize int

	// IgnoreErrors logs and skips records that fail to decode
	// instead of failing the stream.
	IgnoreErrors bool

	// Limit stops the stream after this many records. Zero means
	// unlimited.
	Limit int64
}

// WriteOptions configures Writable.Write.
type WriteOptions struct {
	// Target overrides the backend's default container. For object
	// stores a "bucket/key" form addresses an explicit bucket; a bare
	// name goes into the default bucket. Empty lets file and object
	// backends generate a timestamped name.
	Target string

	// ChunkSize bounds how many records are sent per remote round
	// trip. Zero means the backend's default.
	ChunkSize int

	// IgnoreErrors logs and skips records that fail to encode or
	// that the remote rejects, instead of failing the write.
	IgnoreErrors bool

	// Operation selects the write mode. Empty means the backend's
	// default operation.
	Operation Operation

	// Concurrency is the number of parallel chunk submissions for
	// backends that support them. Zero and one both mean sequential.
	Concurrency int
}
