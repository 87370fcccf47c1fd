// Package ldp provides the OVH Logs Data Platform backend for ralph.
//
// LDP archives are downloaded through short-lived URLs requested from
// the OVH API. The backend is read-only: the platform itself produces
// the archives. Completed reads are recorded in a history log so
// listings can be restricted to archives not read before.
package ldp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/grokify/mogo/log/slogutil"
	"github.com/klauspost/compress/gzip"
	"github.com/ovh/go-ovh/ovh"

	"github.com/grokify/ralph"
	"github.com/grokify/ralph/history"
)

const backendName = "ldp"

func init() {
	ralph.Register(backendName, NewFromConfig)
}

// Backend implements ralph.Lister for OVH Logs Data Platform archives.
//
// The client is built on first use and dropped by Close; a closed
// backend reconnects on the next operation.
type Backend struct {
	config Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *conn
}

// conn bundles the OVH API client and the plain HTTP client used for
// the temporary archive URLs, so concurrent operations always see a
// matching pair.
type conn struct {
	api      *ovh.Client
	download *http.Client
}

// New creates a new ldp backend with the given configuration. No
// client is built until the first operation.
func New(cfg Config) (*Backend, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "ovh-eu"
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

// NewFromConfig creates a new ldp backend from a config map.
// Supported keys:
//   - endpoint: OVH API endpoint alias or URL (default: "ovh-eu")
//   - application_key, application_secret, consumer_key: OVH API
//     credentials
//   - service_name: Logs Data Platform account name
//   - stream_id: default stream holding the archives
//   - chunk_size: raw read block size (default: "4096")
//   - timeout: OVH API request timeout, for example "30s"
//   - decompress: "true" to unpack the gzip archives while streaming
//   - history_path: file persisting the read history (default:
//     in-process)
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

// connect returns the current clients, building them on first use.
func (b *Backend) connect() (*conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return b.conn, nil
	}

	api, err := ovh.NewClient(b.config.Endpoint, b.config.ApplicationKey, b.config.ApplicationSecret, b.config.ConsumerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: creating ovh client: %w", ralph.ErrBackend, err)
	}
	if b.config.Timeout > 0 {
		api.Timeout = b.config.Timeout
	}

	b.conn = &conn{api: api, download: &http.Client{}}
	return b.conn, nil
}

// Status probes the archive listing of the default stream. A missing
// service or stream and a rejected request are StatusError, an
// unreachable API is StatusAway.
func (b *Backend) Status(ctx context.Context) ralph.Status {
	if err := ctx.Err(); err != nil {
		return ralph.StatusError
	}

	path, _, err := b.archivePath("")
	if err != nil {
		b.logger.Error("the ldp backend requires a service name and a stream", slog.Any("error", err))
		return ralph.StatusError
	}
	conn, err := b.connect()
	if err != nil {
		b.logger.Error("unable to create the ovh client", slog.Any("error", err))
		return ralph.StatusError
	}

	var archives []string
	if err := conn.api.GetWithContext(ctx, path, &archives); err != nil {
		b.logger.Error("unable to request the archive listing", slog.Any("error", err))
		var apiErr *ovh.APIError
		if errors.As(err, &apiErr) {
			return ralph.StatusError
		}
		return ralph.StatusAway
	}
	return ralph.StatusOK
}

// List returns the archive names of the target stream. With opts.New
// only archives absent from the read history are returned.
func (b *Backend) List(ctx context.Context, opts ralph.ListOptions) ([]ralph.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, stream, err := b.archivePath(opts.Target)
	if err != nil {
		return nil, err
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

	conn, err := b.connect()
	if err != nil {
		return nil, err
	}

	var archives []string
	if err := conn.api.GetWithContext(ctx, path, &archives); err != nil {
		return nil, fmt.Errorf("listing stream %s: %w", stream, b.translateError(err, stream))
	}

	entries := make([]ralph.Entry, 0, len(archives))
	for _, name := range archives {
		if alreadyRead[stream+"/"+name] {
			continue
		}
		if !opts.Details {
			entries = append(entries, ralph.Entry{Name: name})
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		details, err := b.archiveDetails(ctx, conn, path, name)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ralph.Entry{
			Name: name,
			Details: ralph.Record{
				"name":        name,
				"filename":    details.Filename,
				"size":        details.Size,
				"modified_at": details.modifiedAt(),
				"state":       details.RetrievalState,
			},
		})
	}
	return entries, nil
}

// Read is unsupported: LDP archives are opaque byte streams with no
// record framing. Use ReadRaw.
func (b *Backend) Read(ctx context.Context, opts ralph.ReadOptions) (*ralph.RecordStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: LDP archives are opaque byte streams, use a raw read", ralph.ErrParameter)
}

// ReadRaw returns the bytes of the archive named by the query in the
// target stream, in blocks of at most the configured chunk size. The
// fully read archive is recorded in the history.
func (b *Backend) ReadRaw(ctx context.Context, opts ralph.ReadOptions) (*ralph.ByteStream, error) {
	reader, err := b.newArchiveReader(ctx, opts)
	if err != nil {
		return nil, err
	}
	stream := ralph.NewByteStream(reader.nextChunk, reader.close)
	if opts.Limit > 0 {
		stream = stream.Take(opts.Limit)
	}
	return stream, nil
}

// Close drops the client. The backend reconnects on the next
// operation.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		b.logger.Info("no open connections to close")
		return nil
	}
	b.conn = nil
	return nil
}

// archivePath resolves the target stream and returns the archive
// collection path on the OVH API.
func (b *Backend) archivePath(target string) (string, string, error) {
	stream := target
	if stream == "" {
		stream = b.config.StreamID
	}
	if b.config.ServiceName == "" || stream == "" {
		return "", "", ErrStreamRequired
	}
	path := fmt.Sprintf("/dbaas/logs/%s/output/graylog/stream/%s/archive", b.config.ServiceName, stream)
	return path, stream, nil
}

// archiveDetails fetches the description of one archive.
func (b *Backend) archiveDetails(ctx context.Context, conn *conn, path, name string) (archiveDetails, error) {
	var details archiveDetails
	if err := conn.api.GetWithContext(ctx, path+"/"+name, &details); err != nil {
		return archiveDetails{}, fmt.Errorf("describing archive %s: %w", name, b.translateError(err, name))
	}
	return details, nil
}

// translateError folds OVH API errors into the ralph error taxonomy.
func (b *Backend) translateError(err error, what string) error {
	if err == nil {
		return nil
	}
	var apiErr *ovh.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ralph.ErrNotFound, what)
	}
	return fmt.Errorf("%w: %w", ralph.ErrBackend, err)
}

// newArchiveReader resolves the read options into a cursor over one
// archive's content. The download starts on the first read.
func (b *Backend) newArchiveReader(ctx context.Context, opts ralph.ReadOptions) (*archiveReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := opts.Query.Text
	if name == "" && !opts.Query.IsZero() {
		var q struct {
			QueryString string `json:"query_string"`
		}
		if err := opts.Query.Decode(&q); err != nil {
			return nil, err
		}
		name = q.QueryString
	}
	if name == "" {
		return nil, fmt.Errorf("%w: the query should be a valid archive name", ralph.ErrParameter)
	}

	path, stream, err := b.archivePath(opts.Target)
	if err != nil {
		return nil, err
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = b.config.ChunkSize
	}

	return &archiveReader{
		ctx:       ctx,
		backend:   b,
		path:      path,
		stream:    stream,
		name:      name,
		chunkSize: chunkSize,
	}, nil
}

// archiveDetails is the archive description returned by the OVH API.
type archiveDetails struct {
	CreatedAt      string `json:"createdAt"`
	Filename       string `json:"filename"`
	RetrievalState string `json:"retrievalState"`
	Size           int64  `json:"size"`
}

// modifiedAt normalizes the archive creation time, keeping the raw
// value when it is not a timestamp.
func (d archiveDetails) modifiedAt() string {
	if t, err := time.Parse(time.RFC3339Nano, d.CreatedAt); err == nil {
		return t.UTC().Truncate(time.Second).Format(time.RFC3339)
	}
	return d.CreatedAt
}

// archiveReader streams the content of a single archive through its
// temporary download URL. The fully read archive is recorded in the
// history; an abandoned one is not.
type archiveReader struct {
	ctx       context.Context
	backend   *Backend
	path      string
	stream    string
	name      string
	chunkSize int

	body io.ReadCloser
	gz   *gzip.Reader
	done bool
}

// open requests a temporary download URL and starts streaming it.
func (r *archiveReader) open() error {
	conn, err := r.backend.connect()
	if err != nil {
		return err
	}

	var download struct {
		URL string `json:"url"`
	}
	if err := conn.api.PostWithContext(r.ctx, r.path+"/"+r.name+"/url", nil, &download); err != nil {
		return fmt.Errorf("requesting a download url for %s: %w", r.name, r.backend.translateError(err, r.stream+"/"+r.name))
	}
	r.backend.logger.Debug("using temporary archive url", slog.String("url", download.URL))

	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, download.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: building download request: %w", ralph.ErrBackend, err)
	}
	resp, err := conn.download.Do(req)
	if err != nil {
		return fmt.Errorf("%w: downloading %s: %w", ralph.ErrBackend, r.name, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_ = resp.Body.Close()
		return fmt.Errorf("%w: downloading %s: unexpected status %s", ralph.ErrBackend, r.name, resp.Status)
	}
	r.body = resp.Body

	if r.backend.config.Decompress {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			r.body = nil
			return fmt.Errorf("%w: decompressing %s: %w", ralph.ErrBackend, r.name, err)
		}
		r.gz = gz
	}
	return nil
}

// src is the stream read from: the decompressor when one is wired,
// the response body otherwise.
func (r *archiveReader) src() io.Reader {
	if r.gz != nil {
		return r.gz
	}
	return r.body
}

func (r *archiveReader) nextChunk() ([]byte, error) {
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
		n, err := r.src().Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			r.closeBody()
			return nil, fmt.Errorf("%w: reading %s: %w", ralph.ErrBackend, r.name, err)
		}
		if err := r.finish(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
}

func (r *archiveReader) closeBody() {
	if r.gz != nil {
		_ = r.gz.Close()
		r.gz = nil
	}
	if r.body != nil {
		_ = r.body.Close()
		r.body = nil
	}
}

// finish closes the stream and records the archive as read, sized per
// its description.
func (r *archiveReader) finish() error {
	r.closeBody()
	r.done = true

	conn, err := r.backend.connect()
	if err != nil {
		return err
	}
	details, err := r.backend.archiveDetails(r.ctx, conn, r.path, r.name)
	if err != nil {
		return err
	}

	entry := history.Entry{
		Backend:   backendName,
		Command:   history.ActionRead,
		ID:        r.stream + "/" + r.name,
		Filename:  details.Filename,
		Size:      details.Size,
		Timestamp: time.Now().UTC(),
	}
	if err := r.backend.config.History.Append(entry); err != nil {
		return fmt.Errorf("%w: appending history: %w", ralph.ErrBackend, err)
	}
	return nil
}

func (r *archiveReader) close() error {
	r.closeBody()
	return nil
}

// Ensure Backend implements the extended interfaces.
var _ ralph.Lister = (*Backend)(nil)
