// Package es provides the Elasticsearch backend for ralph.
//
// Events are indexed as one document per record. Reads paginate with a
// point in time and search_after so deep result sets stay consistent
// while they are consumed; writes go through the bulk API with per-item
// accounting.
package es

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/grokify/mogo/log/slogutil"

	"github.com/grokify/ralph"
)

const backendName = "es"

func init() {
	ralph.Register(backendName, NewFromConfig)
}

// PointInTime pins a consistent view of an index across paginated
// queries. The zero value lets the backend open its own.
type PointInTime struct {
	ID        string `json:"id,omitempty"`
	KeepAlive string `json:"keep_alive,omitempty"`
}

// Query is the structured query accepted by the es backend. Fields
// mirror the Elasticsearch search body; zero fields are omitted.
type Query struct {
	// Query is the Elasticsearch query DSL document.
	Query map[string]any `json:"query,omitempty"`

	// PIT is the point in time to search in. When its ID is empty a
	// fresh point in time is opened for the duration of the stream.
	PIT PointInTime `json:"pit,omitzero"`

	// Sort is the sort specification. Default: "_shard_doc", the
	// tie-breaker Elasticsearch recommends for point in time
	// pagination.
	Sort []any `json:"sort,omitempty"`

	// SearchAfter resumes after the sort values of a previously
	// returned document.
	SearchAfter []any `json:"search_after,omitempty"`

	// Size bounds how many documents one page returns. Zero means the
	// read chunk size.
	Size int `json:"size,omitempty"`

	TrackTotalHits bool `json:"track_total_hits,omitempty"`
}

// Backend implements ralph.Writable and ralph.Lister for
// Elasticsearch.
//
// The client is established on first use and dropped by Close; a
// closed backend reconnects on the next operation.
type Backend struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	client *elasticsearch.Client
}

// New creates a new es backend with the given configuration. No
// connection is made until the first operation.
func New(config Config) (*Backend, error) {
	if len(config.Hosts) == 0 {
		config.Hosts = []string{"http://localhost:9200"}
	}
	if config.Index == "" {
		config.Index = "statements"
	}
	if config.Refresh == "" {
		config.Refresh = "false"
	}
	if config.PointInTimeKeepAlive == "" {
		config.PointInTimeKeepAlive = "1m"
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 500
	}
	if config.Logger == nil {
		config.Logger = slogutil.Null()
	}
	return &Backend{config: config, logger: config.Logger}, nil
}

// NewFromConfig creates a new es backend from a config map.
// Supported keys:
//   - hosts: comma-separated node URLs (default: "http://localhost:9200")
//   - username, password: basic authentication
//   - ca_cert_path: PEM certificate authority bundle
//   - index: default index (default: "statements")
//   - allow_yellow: "true" to accept a yellow cluster as healthy
//   - refresh: bulk refresh policy, "true", "false" or "wait_for"
//     (default: "false")
//   - pit_keep_alive: point in time keep-alive (default: "1m")
//   - chunk_size: records per request (default: "500")
func NewFromConfig(configMap map[string]string) (ralph.Backend, error) {
	config, err := ConfigFromMap(configMap)
	if err != nil {
		return nil, err
	}
	return New(config)
}

// Name returns the registry name of the backend.
func (b *Backend) Name() string {
	return backendName
}

// connect returns the current client, establishing it on first use.
func (b *Backend) connect() (*elasticsearch.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return b.client, nil
	}

	esConfig := elasticsearch.Config{
		Addresses: b.config.Hosts,
		Username:  b.config.Username,
		Password:  b.config.Password,
	}
	if b.config.CACertPath != "" {
		cert, err := os.ReadFile(b.config.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("%w: reading ca certificate: %w", ralph.ErrParameter, err)
		}
		esConfig.CACert = cert
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: creating elasticsearch client: %w", ralph.ErrBackend, err)
	}
	b.client = client
	return client, nil
}

// Status probes the cluster. An unreachable cluster is StatusAway; a
// reachable one whose health is below green (or yellow when configured
// to allow it) is StatusError.
func (b *Backend) Status(ctx context.Context) ralph.Status {
	if err := ctx.Err(); err != nil {
		return ralph.StatusError
	}

	client, err := b.connect()
	if err != nil {
		b.logger.Error("connecting to elasticsearch", slog.Any("error", err))
		return ralph.StatusAway
	}

	res, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		b.logger.Error("cluster is not reachable", slog.Any("error", err))
		return ralph.StatusAway
	}
	drain(res.Body)
	if res.IsError() {
		b.logger.Error("cluster rejected the info request", slog.String("status", res.Status()))
		return ralph.StatusError
	}

	res, err = client.Cat.Health(
		client.Cat.Health.WithContext(ctx),
		client.Cat.Health.WithFormat("json"),
	)
	if err != nil {
		b.logger.Error("checking cluster health", slog.Any("error", err))
		return ralph.StatusAway
	}
	defer drain(res.Body)
	if res.IsError() {
		b.logger.Error("cluster health request failed", slog.String("status", res.Status()))
		return ralph.StatusError
	}

	var health []struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil || len(health) == 0 {
		b.logger.Error("parsing cluster health", slog.Any("error", err))
		return ralph.StatusError
	}
	switch health[0].Status {
	case "green":
		return ralph.StatusOK
	case "yellow":
		if b.config.AllowYellow {
			return ralph.StatusOK
		}
	}
	b.logger.Error("cluster is unhealthy", slog.String("health", health[0].Status))
	return ralph.StatusError
}

// List returns the indices matching the target pattern, "*" by
// default. The read history is not tracked for indices; opts.New is
// ignored with a warning.
func (b *Backend) List(ctx context.Context, opts ralph.ListOptions) ([]ralph.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.New {
		b.logger.Warn("the es backend does not track a read history, listing everything")
	}

	pattern := opts.Target
	if pattern == "" {
		pattern = "*"
	}

	client, err := b.connect()
	if err != nil {
		return nil, err
	}
	res, err := client.Indices.Get([]string{pattern}, client.Indices.Get.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: listing indices %q: %w", ralph.ErrBackend, pattern, err)
	}
	defer drain(res.Body)
	if res.IsError() {
		return nil, fmt.Errorf("%w: invalid target %q: %s", ralph.ErrParameter, pattern, res.Status())
	}

	var indices map[string]ralph.Record
	if err := json.NewDecoder(res.Body).Decode(&indices); err != nil {
		return nil, fmt.Errorf("%w: parsing index listing: %w", ralph.ErrBackend, err)
	}

	names := make([]string, 0, len(indices))
	for name := range indices {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]ralph.Entry, 0, len(names))
	for _, name := range names {
		entry := ralph.Entry{Name: name}
		if opts.Details {
			details := indices[name]
			if details == nil {
				details = ralph.Record{}
			}
			details["name"] = name
			entry.Details = details
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Read returns the documents matching the query in the target index as
// full search hits: the id, index, sort values and source of each
// document. Pages of the configured chunk size are fetched with
// search_after inside a point in time, opened on demand and closed
// when the stream is exhausted.
func (b *Backend) Read(ctx context.Context, opts ralph.ReadOptions) (*ralph.RecordStream, error) {
	reader, err := b.newSearchReader(ctx, opts)
	if err != nil {
		return nil, err
	}
	stream := ralph.NewRecordStream(reader.nextRecord, reader.close)
	if opts.Limit > 0 {
		stream = stream.Take(opts.Limit)
	}
	return stream, nil
}

// ReadRaw returns the same documents encoded as one JSON line each.
func (b *Backend) ReadRaw(ctx context.Context, opts ralph.ReadOptions) (*ralph.ByteStream, error) {
	records, err := b.Read(ctx, opts)
	if err != nil {
		return nil, err
	}
	return ralph.LinesFromRecords(records, opts.IgnoreErrors, b.logger), nil
}

// Write sends the source's records to the target index through the
// bulk API, one request per chunk, and returns the count of documents
// the cluster accepted. The record "id" field becomes the document id
// when present.
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

	index := opts.Target
	if index == "" {
		index = b.config.Index
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = b.config.ChunkSize
	}

	client, err := b.connect()
	if err != nil {
		return 0, err
	}

	records := src.Records(opts.IgnoreErrors, b.logger)
	defer func() { _ = records.Close() }()

	var written int64
	for {
		chunk, err := records.NextChunk(chunkSize)
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, err
		}
		count, err := b.writeChunk(ctx, client, index, op, chunk, opts.IgnoreErrors)
		written += count
		if err != nil {
			if !opts.IgnoreErrors {
				return written, err
			}
			b.logger.Error("skipping failed bulk chunk", slog.Any("error", err))
		}
	}
	b.logger.Info("finished writing documents", slog.Int64("count", written), slog.String("index", index))
	return written, nil
}

// writeChunk sends one chunk through a dedicated bulk indexer and
// returns how many of its items the cluster accepted.
func (b *Backend) writeChunk(ctx context.Context, client *elasticsearch.Client, index string, op ralph.Operation, chunk []ralph.Record, ignoreErrors bool) (int64, error) {
	indexer, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:     client,
		Index:      index,
		NumWorkers: 1,
		Refresh:    b.config.Refresh,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: creating bulk indexer: %w", ralph.ErrBackend, err)
	}

	var accepted atomic.Int64
	var itemErr error
	var itemErrOnce sync.Once

	for _, record := range chunk {
		item, err := b.bulkItem(op, record)
		if err != nil {
			if ignoreErrors {
				b.logger.Warn("skipping invalid record", slog.Any("error", err))
				continue
			}
			_ = indexer.Close(ctx)
			return accepted.Load(), err
		}
		item.OnSuccess = func(context.Context, esutil.BulkIndexerItem, esutil.BulkIndexerResponseItem) {
			accepted.Add(1)
		}
		item.OnFailure = func(_ context.Context, _ esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
			if err == nil {
				err = fmt.Errorf("%s: %s", res.Error.Type, res.Error.Reason)
			}
			if ignoreErrors {
				b.logger.Warn("cluster rejected document", slog.Any("error", err))
				return
			}
			itemErrOnce.Do(func() {
				itemErr = fmt.Errorf("%w: indexing document: %w", ralph.ErrBackend, err)
			})
		}
		if err := indexer.Add(ctx, item); err != nil {
			_ = indexer.Close(ctx)
			return accepted.Load(), fmt.Errorf("%w: queueing document: %w", ralph.ErrBackend, err)
		}
	}

	if err := indexer.Close(ctx); err != nil {
		return accepted.Load(), fmt.Errorf("%w: flushing bulk chunk: %w", ralph.ErrBackend, err)
	}
	return accepted.Load(), itemErr
}

// bulkItem shapes one record into a bulk action for the operation:
// the record itself for index and create, a partial document for
// update, the bare id for delete.
func (b *Backend) bulkItem(op ralph.Operation, record ralph.Record) (esutil.BulkIndexerItem, error) {
	id, _ := record["id"].(string)
	item := esutil.BulkIndexerItem{Action: string(op), DocumentID: id}

	switch op {
	case ralph.OpIndex, ralph.OpCreate:
		body, err := json.Marshal(record)
		if err != nil {
			return item, fmt.Errorf("%w: encoding record: %w", ralph.ErrBackend, err)
		}
		item.Body = bytes.NewReader(body)
	case ralph.OpUpdate:
		if id == "" {
			return item, fmt.Errorf("%w: the update operation requires an id field", ralph.ErrBackend)
		}
		body, err := json.Marshal(map[string]any{"doc": record})
		if err != nil {
			return item, fmt.Errorf("%w: encoding record: %w", ralph.ErrBackend, err)
		}
		item.Body = bytes.NewReader(body)
	case ralph.OpDelete:
		if id == "" {
			return item, fmt.Errorf("%w: the delete operation requires an id field", ralph.ErrBackend)
		}
	}
	return item, nil
}

// Capabilities describes the write operations of the backend. Append
// has no meaning for documents.
func (b *Backend) Capabilities() ralph.Capabilities {
	return ralph.Capabilities{
		Default:     ralph.OpIndex,
		Unsupported: []ralph.Operation{ralph.OpAppend},
	}
}

// Close drops the client. The backend reconnects on the next
// operation.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		b.logger.Warn("no client to close")
		return nil
	}
	b.client = nil
	return nil
}

// openPointInTime opens a point in time on the index and returns its
// id.
func (b *Backend) openPointInTime(ctx context.Context, client *elasticsearch.Client, index string) (string, error) {
	res, err := client.OpenPointInTime(
		[]string{index},
		b.config.PointInTimeKeepAlive,
		client.OpenPointInTime.WithContext(ctx),
	)
	if err != nil {
		return "", fmt.Errorf("%w: opening point in time: %w", ralph.ErrBackend, err)
	}
	defer drain(res.Body)
	if res.IsError() {
		return "", fmt.Errorf("%w: opening point in time on %q: %s", ralph.ErrBackend, index, res.Status())
	}
	var pit struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&pit); err != nil {
		return "", fmt.Errorf("%w: parsing point in time: %w", ralph.ErrBackend, err)
	}
	return pit.ID, nil
}

// closePointInTime releases a point in time the reader opened itself.
func (b *Backend) closePointInTime(ctx context.Context, client *elasticsearch.Client, id string) {
	body, _ := json.Marshal(map[string]string{"id": id})
	res, err := client.ClosePointInTime(
		client.ClosePointInTime.WithContext(ctx),
		client.ClosePointInTime.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		b.logger.Warn("closing point in time", slog.Any("error", err))
		return
	}
	drain(res.Body)
}

// newSearchReader resolves the read options into a paginating cursor
// over search hits.
func (b *Backend) newSearchReader(ctx context.Context, opts ralph.ReadOptions) (*searchReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var query Query
	luceneQuery := ""
	if opts.Query.Text != "" && !strings.HasPrefix(strings.TrimSpace(opts.Query.Text), "{") {
		// A non-JSON query string is passed through as a Lucene query.
		luceneQuery = opts.Query.Text
	} else if err := opts.Query.Decode(&query); err != nil {
		return nil, err
	}

	index := opts.Target
	if index == "" {
		index = b.config.Index
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = b.config.ChunkSize
	}
	if query.Size > 0 && query.Size < chunkSize {
		chunkSize = query.Size
	}
	if len(query.Sort) == 0 {
		query.Sort = []any{"_shard_doc"}
	}
	if query.PIT.KeepAlive == "" {
		query.PIT.KeepAlive = b.config.PointInTimeKeepAlive
	}

	return &searchReader{
		ctx:       ctx,
		backend:   b,
		index:     index,
		query:     query,
		lucene:    luceneQuery,
		chunkSize: chunkSize,
	}, nil
}

// searchReader pages through search results with search_after inside a
// point in time. A point in time the reader opened itself is closed
// when the stream ends.
type searchReader struct {
	ctx       context.Context
	backend   *Backend
	index     string
	query     Query
	lucene    string
	chunkSize int

	client    *elasticsearch.Client
	openedPIT bool
	buffer    []ralph.Record
	done      bool
}

func (r *searchReader) nextRecord() (ralph.Record, error) {
	for {
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}
		if len(r.buffer) > 0 {
			record := r.buffer[0]
			r.buffer = r.buffer[1:]
			return record, nil
		}
		if r.done {
			return nil, io.EOF
		}
		if err := r.fetchPage(); err != nil {
			return nil, err
		}
	}
}

// fetchPage issues one search and refills the buffer. A page smaller
// than the chunk size signals the end of the result set.
func (r *searchReader) fetchPage() error {
	if r.client == nil {
		client, err := r.backend.connect()
		if err != nil {
			return err
		}
		r.client = client
		if r.query.PIT.ID == "" {
			id, err := r.backend.openPointInTime(r.ctx, client, r.index)
			if err != nil {
				return err
			}
			r.query.PIT.ID = id
			r.openedPIT = true
		}
	}

	r.query.Size = r.chunkSize
	body, err := json.Marshal(r.query)
	if err != nil {
		return fmt.Errorf("%w: encoding search body: %w", ralph.ErrBackend, err)
	}

	searchOpts := []func(*esapi.SearchRequest){
		r.client.Search.WithContext(r.ctx),
		r.client.Search.WithBody(bytes.NewReader(body)),
	}
	if r.lucene != "" {
		searchOpts = append(searchOpts, r.client.Search.WithQuery(r.lucene))
	}
	res, err := r.client.Search(searchOpts...)
	if err != nil {
		return fmt.Errorf("%w: searching %s: %w", ralph.ErrBackend, r.index, err)
	}
	defer drain(res.Body)
	if res.IsError() {
		return fmt.Errorf("%w: search on %s failed: %s", ralph.ErrBackend, r.index, res.Status())
	}

	var result struct {
		PITID string `json:"pit_id"`
		Hits  struct {
			Hits []ralph.Record `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return fmt.Errorf("%w: parsing search response: %w", ralph.ErrBackend, err)
	}

	hits := result.Hits.Hits
	r.buffer = append(r.buffer, hits...)
	if result.PITID != "" {
		r.query.PIT.ID = result.PITID
	}
	if len(hits) > 0 {
		if sortValues, ok := hits[len(hits)-1]["sort"].([]any); ok {
			r.query.SearchAfter = sortValues
		}
	}
	if len(hits) < r.chunkSize {
		r.finish()
	}
	return nil
}

// finish marks the stream exhausted and releases a self-opened point
// in time.
func (r *searchReader) finish() {
	r.done = true
	if r.openedPIT && r.query.PIT.ID != "" {
		r.backend.closePointInTime(r.ctx, r.client, r.query.PIT.ID)
		r.openedPIT = false
	}
}

func (r *searchReader) close() error {
	if !r.done {
		r.finish()
	}
	return nil
}

// drain discards and closes a response body so the transport can reuse
// the connection.
func drain(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

// Ensure Backend implements the extended interfaces.
var (
	_ ralph.Lister   = (*Backend)(nil)
	_ ralph.Writable = (*Backend)(nil)
)
