// Package mongo provides the MongoDB backend for ralph.
//
// Events are stored as documents of the form {_id, _source} where the
// id derives deterministically from the event's id and timestamp, so
// replaying the same events cannot duplicate them. Reads stream from a
// find cursor; writes use the collection's bulk primitives.
package mongo

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/grokify/mogo/log/slogutil"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/grokify/ralph"
)

const backendName = "mongo"

func init() {
	ralph.Register(backendName, NewFromConfig)
}

// SortField is one key of a sort specification. Order is 1 for
// ascending and -1 for descending.
type SortField struct {
	Key   string `json:"key"`
	Order int    `json:"order"`
}

// Query is the structured query accepted by the mongo backend.
type Query struct {
	// Filter is the find filter document.
	Filter map[string]any `json:"filter,omitempty"`

	// Projection restricts the returned fields.
	Projection map[string]any `json:"projection,omitempty"`

	// Sort orders the results.
	Sort []SortField `json:"sort,omitempty"`

	// Limit bounds the total number of returned documents. Zero means
	// no bound.
	Limit int64 `json:"limit,omitempty"`
}

// Backend implements ralph.Writable and ralph.Lister for MongoDB.
//
// The client is established on first use and dropped by Close; a
// closed backend reconnects on the next operation.
type Backend struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	client *mongo.Client
}

// New creates a new mongo backend with the given configuration. No
// connection is made until the first operation.
func New(config Config) (*Backend, error) {
	if config.URI == "" {
		config.URI = "mongodb://localhost:27017/"
	}
	if config.Database == "" {
		config.Database = "statements"
	}
	if config.Collection == "" {
		config.Collection = "marsha"
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 500
	}
	if config.Logger == nil {
		config.Logger = slogutil.Null()
	}
	return &Backend{config: config, logger: config.Logger}, nil
}

// NewFromConfig creates a new mongo backend from a config map.
// Supported keys:
//   - uri: connection string (default: "mongodb://localhost:27017/")
//   - database: default database (default: "statements")
//   - collection: default collection (default: "marsha")
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
func (b *Backend) connect(ctx context.Context) (*mongo.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return b.client, nil
	}
	client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(b.config.URI))
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to mongodb: %w", ralph.ErrBackend, err)
	}
	b.client = client
	return client, nil
}

// collection resolves a target to a collection handle, the configured
// default when target is empty.
func (b *Backend) collection(client *mongo.Client, target string) *mongo.Collection {
	name := target
	if name == "" {
		name = b.config.Collection
	}
	return client.Database(b.config.Database).Collection(name)
}

// Status pings the server. An unreachable server is StatusAway; a
// reachable one that fails the serverStatus command is StatusError.
func (b *Backend) Status(ctx context.Context) ralph.Status {
	if err := ctx.Err(); err != nil {
		return ralph.StatusError
	}

	client, err := b.connect(ctx)
	if err != nil {
		b.logger.Error("connecting to mongodb", slog.Any("error", err))
		return ralph.StatusAway
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		b.logger.Error("server is not reachable", slog.Any("error", err))
		return ralph.StatusAway
	}
	var status bson.M
	err = client.Database("admin").
		RunCommand(ctx, bson.D{{Key: "serverStatus", Value: 1}}).
		Decode(&status)
	if err != nil {
		b.logger.Error("server status check failed", slog.Any("error", err))
		return ralph.StatusError
	}
	return ralph.StatusOK
}

// List returns the collections of the target database, the default
// database when target is empty. The read history is not tracked for
// collections; opts.New is ignored with a warning.
func (b *Backend) List(ctx context.Context, opts ralph.ListOptions) ([]ralph.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.New {
		b.logger.Warn("the mongo backend does not track a read history, listing everything")
	}

	database := opts.Target
	if database == "" {
		database = b.config.Database
	}
	if strings.ContainsAny(database, `/\. "$`) {
		return nil, fmt.Errorf("%w: invalid database name %q", ralph.ErrParameter, database)
	}

	client, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}

	cursor, err := client.Database(database).ListCollections(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("%w: listing collections of %s: %w", ralph.ErrBackend, database, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var entries []ralph.Entry
	for cursor.Next(ctx) {
		var info bson.M
		if err := cursor.Decode(&info); err != nil {
			return nil, fmt.Errorf("%w: parsing collection info: %w", ralph.ErrBackend, err)
		}
		name, _ := info["name"].(string)
		entry := ralph.Entry{Name: name}
		if opts.Details {
			entry.Details = normalizeRecord(info)
		}
		entries = append(entries, entry)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing collections of %s: %w", ralph.ErrBackend, database, err)
	}
	return entries, nil
}

// Read returns the documents matching the query in the target
// collection. Document ids are rendered as hex strings.
func (b *Backend) Read(ctx context.Context, opts ralph.ReadOptions) (*ralph.RecordStream, error) {
	reader, err := b.newCursorReader(ctx, opts)
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

// Write stores the source's records in the target collection and
// returns the count of documents the server accepted. Index and create
// insert {_id, _source} documents, update replaces matched documents
// and delete removes them by event id.
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

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = b.config.ChunkSize
	}

	client, err := b.connect(ctx)
	if err != nil {
		return 0, err
	}
	collection := b.collection(client, opts.Target)

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

		var count int64
		switch op {
		case ralph.OpIndex, ralph.OpCreate:
			count, err = b.insertChunk(ctx, collection, chunk, opts.IgnoreErrors)
		case ralph.OpUpdate:
			count, err = b.updateChunk(ctx, collection, chunk, opts.IgnoreErrors)
		case ralph.OpDelete:
			count, err = b.deleteChunk(ctx, collection, chunk, opts.IgnoreErrors)
		}
		written += count
		if err != nil {
			if !opts.IgnoreErrors {
				return written, err
			}
			b.logger.Error("skipping failed chunk", slog.Any("error", err))
		}
	}
	b.logger.Info("finished writing documents", slog.Int64("count", written))
	return written, nil
}

// insertChunk inserts one chunk of {_id, _source} documents. With
// ignoreErrors the insert is unordered and duplicate key failures only
// cost the colliding documents.
func (b *Backend) insertChunk(ctx context.Context, collection *mongo.Collection, chunk []ralph.Record, ignoreErrors bool) (int64, error) {
	documents := make([]any, 0, len(chunk))
	for _, record := range chunk {
		id, err := documentID(record)
		if err != nil {
			if ignoreErrors {
				b.logger.Warn("skipping invalid record", slog.Any("error", err))
				continue
			}
			return 0, err
		}
		documents = append(documents, bson.D{
			{Key: "_id", Value: id},
			{Key: "_source", Value: record},
		})
	}
	if len(documents) == 0 {
		return 0, nil
	}

	result, err := collection.InsertMany(ctx, documents,
		mongooptions.InsertMany().SetOrdered(!ignoreErrors))
	var count int64
	if result != nil {
		count = int64(len(result.InsertedIDs))
	}
	if err != nil {
		if ignoreErrors {
			b.logger.Warn("some documents were rejected", slog.Any("error", err))
			return count, nil
		}
		return count, fmt.Errorf("%w: inserting documents: %w", ralph.ErrBackend, err)
	}
	return count, nil
}

// updateChunk replaces the stored source of each record matched by its
// event id.
func (b *Backend) updateChunk(ctx context.Context, collection *mongo.Collection, chunk []ralph.Record, ignoreErrors bool) (int64, error) {
	models := make([]mongo.WriteModel, 0, len(chunk))
	for _, record := range chunk {
		id, _ := record["id"].(string)
		if id == "" {
			err := fmt.Errorf("%w: the update operation requires an id field", ralph.ErrBackend)
			if ignoreErrors {
				b.logger.Warn("skipping invalid record", slog.Any("error", err))
				continue
			}
			return 0, err
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_source.id", Value: id}}).
			SetReplacement(bson.D{{Key: "_source", Value: record}}))
	}
	if len(models) == 0 {
		return 0, nil
	}

	result, err := collection.BulkWrite(ctx, models,
		mongooptions.BulkWrite().SetOrdered(!ignoreErrors))
	var count int64
	if result != nil {
		count = result.ModifiedCount
	}
	if err != nil {
		if ignoreErrors {
			b.logger.Warn("some updates were rejected", slog.Any("error", err))
			return count, nil
		}
		return count, fmt.Errorf("%w: updating documents: %w", ralph.ErrBackend, err)
	}
	return count, nil
}

// deleteChunk removes the documents whose event id is carried by the
// chunk.
func (b *Backend) deleteChunk(ctx context.Context, collection *mongo.Collection, chunk []ralph.Record, ignoreErrors bool) (int64, error) {
	ids := make([]string, 0, len(chunk))
	for _, record := range chunk {
		id, _ := record["id"].(string)
		if id == "" {
			err := fmt.Errorf("%w: the delete operation requires an id field", ralph.ErrBackend)
			if ignoreErrors {
				b.logger.Warn("skipping invalid record", slog.Any("error", err))
				continue
			}
			return 0, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result, err := collection.DeleteMany(ctx, bson.D{
		{Key: "_source.id", Value: bson.D{{Key: "$in", Value: ids}}},
	})
	if err != nil {
		if ignoreErrors {
			b.logger.Warn("delete was rejected", slog.Any("error", err))
			return 0, nil
		}
		return 0, fmt.Errorf("%w: deleting documents: %w", ralph.ErrBackend, err)
	}
	return result.DeletedCount, nil
}

// Capabilities describes the write operations of the backend. Append
// has no meaning for documents.
func (b *Backend) Capabilities() ralph.Capabilities {
	return ralph.Capabilities{
		Default:     ralph.OpIndex,
		Unsupported: []ralph.Operation{ralph.OpAppend},
	}
}

// Close disconnects the client. The backend reconnects on the next
// operation.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		b.logger.Warn("no client to close")
		return nil
	}
	err := b.client.Disconnect(context.Background())
	b.client = nil
	if err != nil {
		return fmt.Errorf("%w: disconnecting client: %w", ralph.ErrBackend, err)
	}
	return nil
}

// documentID derives the document id from the record's event id and
// timestamp: four big-endian timestamp bytes followed by the first
// eight bytes of the hashed id. Identical events always map to the
// same document.
func documentID(record ralph.Record) (primitive.ObjectID, error) {
	id, _ := record["id"].(string)
	raw, _ := record["timestamp"].(string)
	if id == "" || raw == "" {
		return primitive.ObjectID{}, fmt.Errorf("%w: records require both an id and a timestamp field", ralph.ErrBackend)
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return primitive.ObjectID{}, fmt.Errorf("%w: parsing timestamp %q: %w", ralph.ErrBackend, raw, err)
	}

	var oid primitive.ObjectID
	binary.BigEndian.PutUint32(oid[:4], uint32(ts.Unix()))
	sum := sha256.Sum256([]byte(id))
	copy(oid[4:], sum[:8])
	return oid, nil
}

// newCursorReader resolves the read options and opens the find cursor
// lazily on the first record.
func (b *Backend) newCursorReader(ctx context.Context, opts ralph.ReadOptions) (*cursorReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var query Query
	if err := opts.Query.Decode(&query); err != nil {
		return nil, err
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = b.config.ChunkSize
	}

	return &cursorReader{
		ctx:       ctx,
		backend:   b,
		target:    opts.Target,
		query:     query,
		chunkSize: chunkSize,
		ignore:    opts.IgnoreErrors,
	}, nil
}

// cursorReader streams documents from a find cursor.
type cursorReader struct {
	ctx       context.Context
	backend   *Backend
	target    string
	query     Query
	chunkSize int
	ignore    bool

	cursor *mongo.Cursor
	done   bool
}

func (r *cursorReader) open() error {
	client, err := r.backend.connect(r.ctx)
	if err != nil {
		return err
	}
	collection := r.backend.collection(client, r.target)

	findOpts := mongooptions.Find().SetBatchSize(int32(r.chunkSize))
	if len(r.query.Projection) > 0 {
		findOpts = findOpts.SetProjection(r.query.Projection)
	}
	if len(r.query.Sort) > 0 {
		sort := make(bson.D, 0, len(r.query.Sort))
		for _, field := range r.query.Sort {
			sort = append(sort, bson.E{Key: field.Key, Value: field.Order})
		}
		findOpts = findOpts.SetSort(sort)
	}
	if r.query.Limit > 0 {
		findOpts = findOpts.SetLimit(r.query.Limit)
	}

	filter := any(bson.D{})
	if len(r.query.Filter) > 0 {
		filter = r.query.Filter
	}
	cursor, err := collection.Find(r.ctx, filter, findOpts)
	if err != nil {
		return fmt.Errorf("%w: executing query: %w", ralph.ErrBackend, err)
	}
	r.cursor = cursor
	return nil
}

func (r *cursorReader) nextRecord() (ralph.Record, error) {
	for {
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}
		if r.done {
			return nil, io.EOF
		}
		if r.cursor == nil {
			if err := r.open(); err != nil {
				return nil, err
			}
		}

		if !r.cursor.Next(r.ctx) {
			err := r.cursor.Err()
			_ = r.cursor.Close(r.ctx)
			r.cursor = nil
			r.done = true
			if err != nil {
				return nil, fmt.Errorf("%w: reading cursor: %w", ralph.ErrBackend, err)
			}
			return nil, io.EOF
		}

		var document bson.M
		if err := r.cursor.Decode(&document); err != nil {
			if r.ignore {
				r.backend.logger.Warn("skipping undecodable document", slog.Any("error", err))
				continue
			}
			_ = r.cursor.Close(r.ctx)
			r.cursor = nil
			r.done = true
			return nil, fmt.Errorf("%w: decoding document: %w", ralph.ErrBackend, err)
		}
		return normalizeRecord(document), nil
	}
}

func (r *cursorReader) close() error {
	if r.cursor != nil {
		err := r.cursor.Close(r.ctx)
		r.cursor = nil
		r.done = true
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: closing cursor: %w", ralph.ErrBackend, err)
		}
	}
	return nil
}

// normalizeRecord converts BSON containers and ids into plain JSON
// shapes so records round-trip through the NDJSON wire format.
func normalizeRecord(document bson.M) ralph.Record {
	record := make(ralph.Record, len(document))
	for key, value := range document {
		record[key] = normalizeValue(value)
	}
	return record
}

func normalizeValue(value any) any {
	switch v := value.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case primitive.DateTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case bson.M:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = normalizeValue(item)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(v))
		for _, item := range v {
			out[item.Key] = normalizeValue(item.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

// Ensure Backend implements the extended interfaces.
var (
	_ ralph.Lister   = (*Backend)(nil)
	_ ralph.Writable = (*Backend)(nil)
)
