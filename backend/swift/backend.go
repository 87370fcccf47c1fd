// Package swift provides the OpenStack Swift backend for ralph.
//
// Events are archived as newline-delimited JSON objects in a Swift
// container. Completed reads and writes are recorded in a history log
// so listings can be restricted to objects not read before.
package swift

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grokify/mogo/log/slogutil"
	"github.com/ncw/swift/v2"

	"github.com/grokify/ralph"
	"github.com/grokify/ralph/format/ndjson"
	"github.com/grokify/ralph/history"
)

const backendName = "swift"

func init() {
	ralph.Register(backendName, NewFromConfig)
}

// Backend implements ralph.Writable and ralph.Lister for OpenStack
// Swift object storage.
//
// The connection is established on first use and dropped by Close; a
// closed backend reconnects on the next operation.
type Backend struct {
	config Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *swift.Connection
}

// New creates a new swift backend with the given configuration. No
// connection is made until the first operation.
func New(cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = "https://auth.cloud.ovh.net/"
	}
	if cfg.AuthVersion <= 0 {
		cfg.AuthVersion = 3
	}
	if cfg.ProjectDomainName == "" {
		cfg.ProjectDomainName = "Default"
	}
	if cfg.UserDomainName == "" {
		cfg.UserDomainName = "Default"
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 4096
	}
	if cfg.History == nil {
		cfg.History = history.NewMemory()
	}
	if cfg.Logger == nil {
		cfg.Logger = slogutil.Null()
	}
	return &Backend{config: cfg, logger: cfg.Logger}, nil
}

// NewFromConfig creates a new swift backend from a config map.
// Supported keys:
//   - container: default container, required
//   - auth_url: Keystone endpoint (default:
//     "https://auth.cloud.ovh.net/")
//   - username, password: Swift credentials
//   - auth_version: Keystone API version (default: "3")
//   - tenant_id, tenant_name: project identifiers
//   - project_domain_name, user_domain_name: domains (default:
//     "Default")
//   - region: container region
//   - object_storage_url: storage URL override
//   - chunk_size: raw read block size (default: "4096")
//   - history_path: file persisting the read/write history
//     (default: in-process)
func NewFromConfig(configMap map[string]string) (ralph.Backend, error) {
	cfg, err := ConfigFromMap(configMap)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// Name returns the registry name of the backend.
func (b *Backend) Name() string {
	return backendName
}

// connect returns the current connection, building it on first use.
// Authentication happens on the first request against the connection.
func (b *Backend) connect() *swift.Connection {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		b.conn = &swift.Connection{
			UserName:     b.config.Username,
			ApiKey:       b.config.Password,
			AuthUrl:      b.config.AuthURL,
			AuthVersion:  b.config.AuthVersion,
			Tenant:       b.config.TenantName,
			TenantId:     b.config.TenantID,
			TenantDomain: b.config.ProjectDomainName,
			Domain:       b.config.UserDomainName,
			Region:       b.config.Region,
			StorageUrl:   b.config.ObjectStorageURL,
		}
	}
	return b.conn
}

// Status probes the Swift account. An unreachable service is
// StatusAway, a reachable one that rejects the probe is StatusError.
func (b *Backend) Status(ctx context.Context) ralph.Status {
	if err := ctx.Err(); err != nil {
		return ralph.StatusError
	}

	conn := b.connect()
	if _, _, err := conn.Account(ctx); err != nil {
		b.logger.Error("unable to connect to the swift account", slog.Any("error", err))
		var swiftErr *swift.Error
		if errors.As(err, &swiftErr) {
			return ralph.StatusError
		}
		return ralph.StatusAway
	}
	return ralph.StatusOK
}

// List returns the object names of the target container. With opts.New
// only objects absent from the read history are returned.
func (b *Backend) List(ctx context.Context, opts ralph.ListOptions) ([]ralph.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	container := opts.Target
	if container == "" {
		container = b.config.Container
	}

	var alreadyRead map[string]bool
	if opts.New {
		ids, err := b.config.History.IDs(backendName, history.ActionRead)
		if err != nil {
			return nil, fmt.Errorf("%w: loading history: %w", ralph.ErrBackend, err)
		}
		alreadyRead = make(map[string]bool, len(ids))
		for _, id := range ids {
			alreadyRead[id] = true
		}
	}

	conn := b.connect()

	if !opts.Details {
		names, err := conn.ObjectNamesAll(ctx, container, nil)
		if err != nil {
			return nil, fmt.Errorf("listing container %s: %w", container, b.translateError(err, container))
		}
		entries := make([]ralph.Entry, 0, len(names))
		for _, name := range names {
			if alreadyRead[container+"/"+name] {
				continue
			}
			entries = append(entries, ralph.Entry{Name: name})
		}
		return entries, nil
	}

	objects, err := conn.ObjectsAll(ctx, container, nil)
	if err != nil {
		return nil, fmt.Errorf("listing container %s: %w", container, b.translateError(err, container))
	}
	entries := make([]ralph.Entry, 0, len(objects))
	for _, obj := range objects {
		if alreadyRead[container+"/"+obj.Name] {
			continue
		}
		entries = append(entries, ralph.Entry{
			Name: obj.Name,
			Details: ralph.Record{
				"name":        obj.Name,
				"size":        obj.Bytes,
				"modified_at": obj.LastModified.UTC().Truncate(time.Second).Format(time.RFC3339),
			},
		})
	}
	return entries, nil
}

// Read returns the records of the object named by the query in the
// target container, one JSON document per line. The fully read object
// is recorded in the history.
func (b *Backend) Read(ctx context.Context, opts ralph.ReadOptions) (*ralph.RecordStream, error) {
	reader, err := b.newObjectReader(ctx, opts)
	if err != nil {
		return nil, err
	}
	stream := ralph.NewRecordStream(reader.nextRecord, reader.close)
	if opts.Limit > 0 {
		stream = stream.Take(opts.Limit)
	}
	return stream, nil
}

// ReadRaw returns the bytes of the object named by the query in the
// target container, in blocks of at most the configured chunk size.
// The fully read object is recorded in the history.
func (b *Backend) ReadRaw(ctx context.Context, opts ralph.ReadOptions) (*ralph.ByteStream, error) {
	reader, err := b.newObjectReader(ctx, opts)
	if err != nil {
		return nil, err
	}
	stream := ralph.NewByteStream(reader.nextChunk, reader.close)
	if opts.Limit > 0 {
		stream = stream.Take(opts.Limit)
	}
	return stream, nil
}

// Write uploads the source as a single object and returns the number
// of records it carried. The target takes the "container/object" form;
// a bare name goes into the default container and an empty target
// generates a timestamped object name. Create and index refuse to
// overwrite an existing object.
func (b *Backend) Write(ctx context.Context, src ralph.Source, opts ralph.WriteOptions) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	op, empty, err := b.Capabilities().ResolveWrite(src, opts.Operation)
	if err != nil {
		return 0, err
	}
	if empty {
		b.logger.Info("data source is empty, skipping write")
		return 0, nil
	}

	container, object := b.splitTarget(opts.Target)
	conn := b.connect()

	exists, err := b.objectExists(ctx, conn, container, object)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, fmt.Errorf("%w: %s/%s cannot be overwritten with the %s operation", ralph.ErrAlreadyExists, container, object, op)
	}

	b.logger.Info("creating archive", slog.String("container", container), slog.String("object", object))

	counter := ndjson.NewCountingReader(src.Raw(opts.IgnoreErrors, b.logger))
	if _, err := conn.ObjectPut(ctx, container, object, counter, false, "", "", nil); err != nil {
		return 0, fmt.Errorf("%w: uploading %s/%s: %w", ralph.ErrBackend, container, object, err)
	}

	info, _, err := conn.Object(ctx, container, object)
	if err != nil {
		return 0, fmt.Errorf("%w: checking uploaded object %s/%s: %w", ralph.ErrBackend, container, object, err)
	}

	entry := history.Entry{
		Backend:   backendName,
		Action:    history.ActionWrite,
		Operation: string(op),
		ID:        container + "/" + object,
		Size:      info.Bytes,
		Timestamp: time.Now().UTC(),
	}
	if err := b.config.History.Append(entry); err != nil {
		return 0, fmt.Errorf("%w: appending history: %w", ralph.ErrBackend, err)
	}
	return counter.Lines(), nil
}

// Capabilities describes the write operations of the backend. Objects
// are immutable archives: only create and index are accepted, and both
// refuse existing objects.
func (b *Backend) Capabilities() ralph.Capabilities {
	return ralph.Capabilities{
		Default: ralph.OpCreate,
		Unsupported: []ralph.Operation{
			ralph.OpAppend,
			ralph.OpDelete,
			ralph.OpUpdate,
		},
	}
}

// Close drops the connection. The backend reconnects on the next
// operation.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.UnAuthenticate()
		b.conn = nil
	}
	return nil
}

// splitTarget resolves a write target into a container and an object
// name. An empty target generates a timestamped name in the default
// container; a target without a slash is an object in the default
// container.
func (b *Backend) splitTarget(target string) (string, string) {
	switch {
	case target == "":
		object := fmt.Sprintf("%s-%s", time.Now().UTC().Format(time.RFC3339Nano), uuid.NewString())
		b.logger.Info("target not specified, using default container with generated object name",
			slog.String("container", b.config.Container), slog.String("object", object))
		return b.config.Container, object
	case !strings.Contains(target, "/"):
		b.logger.Info("container not specified, using default container", slog.String("container", b.config.Container))
		return b.config.Container, target
	}
	parts := strings.SplitN(target, "/", 2)
	return parts[0], parts[1]
}

// objectExists scans the container listing for the object, the check
// create and index rely on before uploading.
func (b *Backend) objectExists(ctx context.Context, conn *swift.Connection, container, object string) (bool, error) {
	names, err := conn.ObjectNamesAll(ctx, container, &swift.ObjectsOpts{Prefix: object})
	if err != nil {
		return false, fmt.Errorf("listing container %s: %w", container, b.translateError(err, container))
	}
	for _, name := range names {
		if name == object {
			return true, nil
		}
	}
	return false, nil
}

// recordRead appends a history entry for a fully read object.
func (b *Backend) recordRead(id string, size int64) error {
	entry := history.Entry{
		Backend:   backendName,
		Action:    history.ActionRead,
		ID:        id,
		Size:      size,
		Timestamp: time.Now().UTC(),
	}
	if err := b.config.History.Append(entry); err != nil {
		return fmt.Errorf("%w: appending history: %w", ralph.ErrBackend, err)
	}
	return nil
}

// translateError folds Swift errors into the ralph error taxonomy.
func (b *Backend) translateError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, swift.ObjectNotFound) || errors.Is(err, swift.ContainerNotFound) {
		return fmt.Errorf("%w: %s", ralph.ErrNotFound, what)
	}
	return fmt.Errorf("%w: %w", ralph.ErrBackend, err)
}

// newObjectReader resolves the read options into a cursor over one
// object's content. The download starts on the first read.
func (b *Backend) newObjectReader(ctx context.Context, opts ralph.ReadOptions) (*objectReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	object := opts.Query.Text
	if object == "" && !opts.Query.IsZero() {
		var q struct {
			QueryString string `json:"query_string"`
		}
		if err := opts.Query.Decode(&q); err != nil {
			return nil, err
		}
		object = q.QueryString
	}
	if object == "" {
		return nil, fmt.Errorf("%w: the query should be a valid object name", ralph.ErrParameter)
	}

	container := opts.Target
	if container == "" {
		container = b.config.Container
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = b.config.ChunkSize
	}

	return &objectReader{
		ctx:       ctx,
		backend:   b,
		container: container,
		object:    object,
		chunkSize: chunkSize,
		ignore:    opts.IgnoreErrors,
	}, nil
}

// objectReader streams the content of a single object. The fully read
// object is recorded in the history; an abandoned one is not.
type objectReader struct {
	ctx       context.Context
	backend   *Backend
	container string
	object    string
	chunkSize int
	ignore    bool

	body    io.ReadCloser
	records *ralph.RecordStream
	size    int64
	done    bool
}

// open downloads the object and keeps its streaming body.
func (r *objectReader) open() error {
	conn := r.backend.connect()
	file, headers, err := conn.ObjectOpen(r.ctx, r.container, r.object, false, nil)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", r.object, r.backend.translateError(err, r.container+"/"+r.object))
	}
	r.body = file
	if length, err := strconv.ParseInt(headers["Content-Length"], 10, 64); err == nil {
		r.size = length
	}
	return nil
}

func (r *objectReader) nextChunk() ([]byte, error) {
	for {
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}
		if r.done {
			return nil, io.EOF
		}
		if r.body == nil {
			if err := r.open(); err != nil {
				return nil, err
			}
		}

		buf := make([]byte, r.chunkSize)
		n, err := r.body.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			_ = r.body.Close()
			r.body = nil
			return nil, fmt.Errorf("%w: reading %s: %w", ralph.ErrBackend, r.object, err)
		}
		if err := r.finish(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
}

func (r *objectReader) nextRecord() (ralph.Record, error) {
	for {
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}
		if r.done {
			return nil, io.EOF
		}
		if r.records == nil {
			if r.body == nil {
				if err := r.open(); err != nil {
					return nil, err
				}
			}
			r.records = ralph.RecordsFromNDJSON(r.body, r.ignore, r.backend.logger)
		}

		record, err := r.records.Next()
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, io.EOF) {
			_ = r.records.Close()
			r.records, r.body = nil, nil
			return nil, err
		}
		if err := r.finish(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
}

// finish closes the body and records the object as read.
func (r *objectReader) finish() error {
	if r.records != nil {
		_ = r.records.Close()
	} else if r.body != nil {
		_ = r.body.Close()
	}
	r.records, r.body = nil, nil
	r.done = true
	return r.backend.recordRead(r.container+"/"+r.object, r.size)
}

func (r *objectReader) close() error {
	if r.records != nil {
		err := r.records.Close()
		r.records, r.body = nil, nil
		return err
	}
	if r.body != nil {
		err := r.body.Close()
		r.body = nil
		return err
	}
	return nil
}

// Ensure Backend implements the extended interfaces.
var (
	_ ralph.Lister   = (*Backend)(nil)
	_ ralph.Writable = (*Backend)(nil)
)
