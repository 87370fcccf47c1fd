// Package clickhouse provides the ClickHouse backend for ralph.
//
// Events land in a single wide table keyed by event id and emission
// time, with the full event kept as a JSON column. ClickHouse enforces
// no unique keys, so writes reject batches carrying duplicate ids
// before anything reaches the server.
package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/grokify/mogo/log/slogutil"

	"github.com/grokify/ralph"
)

const backendName = "clickhouse"

func init() {
	ralph.Register(backendName, NewFromConfig)
}

// Query is the structured query accepted by the clickhouse backend.
// The fragments are assembled into a single parameterized SELECT.
type Query struct {
	// Select is the column list.
	// Default: "event_id, emission_time, event"
	Select string `json:"select,omitempty"`

	// Where holds conjunctive filter fragments referencing named
	// parameters as "@name".
	Where []string `json:"where,omitempty"`

	// Parameters binds the named parameters of the Where fragments.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Sort is the ORDER BY clause body.
	Sort string `json:"sort,omitempty"`

	// Limit bounds the number of returned rows. Zero means no bound.
	Limit int64 `json:"limit,omitempty"`
}

// conn is the slice of the ClickHouse driver the backend relies on.
type conn interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (rows, error)
	PrepareBatch(ctx context.Context, query string) (batch, error)
	Close() error
}

// rows is the slice of driver.Rows the readers consume.
type rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() []string
	ColumnTypes() []driver.ColumnType
	Close() error
	Err() error
}

// batch is the slice of driver.Batch the writers feed.
type batch interface {
	Append(v ...any) error
	Send() error
	Abort() error
}

// driverConn adapts a native driver connection to the conn interface.
type driverConn struct {
	conn driver.Conn
}

func (c driverConn) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }

func (c driverConn) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

func (c driverConn) Query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (c driverConn) PrepareBatch(ctx context.Context, query string) (batch, error) {
	b, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (c driverConn) Close() error { return c.conn.Close() }

// Backend implements ralph.Writable and ralph.Lister for ClickHouse.
//
// The connection is established on first use and dropped by Close; a
// closed backend reconnects on the next operation.
type Backend struct {
	config Config
	logger *slog.Logger

	mu   sync.Mutex
	conn conn
}

// New creates a new clickhouse backend with the given configuration.
// No connection is made until the first operation.
func New(config Config) (*Backend, error) {
	if config.Addr == "" {
		config.Addr = "localhost:9000"
	}
	if config.Database == "" {
		config.Database = "xapi"
	}
	if config.EventTable == "" {
		config.EventTable = "xapi_events_all"
	}
	if config.Username == "" {
		config.Username = "default"
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 500
	}
	if config.Logger == nil {
		config.Logger = slogutil.Null()
	}
	return &Backend{config: config, logger: config.Logger}, nil
}

// NewFromConfig creates a new clickhouse backend from a config map.
// Supported keys:
//   - addr: native protocol address (default: "localhost:9000")
//   - database: default database (default: "xapi")
//   - event_table: default table (default: "xapi_events_all")
//   - username, password: credentials (default username: "default")
//   - chunk_size: records per insert batch (default: "500")
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

// connect returns the current connection, establishing it on first
// use.
func (b *Backend) connect(ctx context.Context) (conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return b.conn, nil
	}
	native, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{b.config.Addr},
		Auth: clickhouse.Auth{
			Database: b.config.Database,
			Username: b.config.Username,
			Password: b.config.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to clickhouse: %w", ralph.ErrBackend, err)
	}
	if err := native.Ping(ctx); err != nil {
		_ = native.Close()
		return nil, fmt.Errorf("%w: connecting to clickhouse: %w", ralph.ErrBackend, err)
	}
	b.conn = driverConn{conn: native}
	return b.conn, nil
}

// table resolves a target to a fully qualified table name, the
// configured default when target is empty.
func (b *Backend) table(target string) string {
	name := target
	if name == "" {
		name = b.config.EventTable
	}
	if strings.Contains(name, ".") {
		return name
	}
	return b.config.Database + "." + name
}

// Status probes the server. An unreachable server is StatusAway; a
// reachable one that rejects a trivial query is StatusError.
func (b *Backend) Status(ctx context.Context) ralph.Status {
	if err := ctx.Err(); err != nil {
		return ralph.StatusError
	}

	conn, err := b.connect(ctx)
	if err != nil {
		b.logger.Error("connecting to clickhouse", slog.Any("error", err))
		return ralph.StatusAway
	}
	if err := conn.Ping(ctx); err != nil {
		b.logger.Error("server is not reachable", slog.Any("error", err))
		return ralph.StatusAway
	}
	if err := conn.Exec(ctx, "SELECT 1"); err != nil {
		b.logger.Error("server rejected the probe query", slog.Any("error", err))
		return ralph.StatusError
	}
	return ralph.StatusOK
}

// List returns the tables of the target database, the default
// database when target is empty. The read history is not tracked for
// tables; opts.New is ignored with a warning.
func (b *Backend) List(ctx context.Context, opts ralph.ListOptions) ([]ralph.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.New {
		b.logger.Warn("the clickhouse backend does not track a read history, listing everything")
	}

	database := opts.Target
	if database == "" {
		database = b.config.Database
	}
	if strings.ContainsAny(database, " ;'\"`") {
		return nil, fmt.Errorf("%w: invalid database name %q", ralph.ErrParameter, database)
	}

	conn, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}
	result, err := conn.Query(ctx, "SHOW TABLES FROM "+database)
	if err != nil {
		return nil, fmt.Errorf("%w: listing tables of %s: %w", ralph.ErrBackend, database, err)
	}
	defer func() { _ = result.Close() }()

	var entries []ralph.Entry
	for result.Next() {
		var name string
		if err := result.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: reading table name: %w", ralph.ErrBackend, err)
		}
		entry := ralph.Entry{Name: name}
		if opts.Details {
			entry.Details = ralph.Record{"name": name, "database": database}
		}
		entries = append(entries, entry)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing tables of %s: %w", ralph.ErrBackend, database, err)
	}
	return entries, nil
}

// Read returns the rows matching the query in the target table. The
// JSON event column is decoded into the yielded records; the other
// columns pass through by name.
func (b *Backend) Read(ctx context.Context, opts ralph.ReadOptions) (*ralph.RecordStream, error) {
	reader, err := b.newRowReader(ctx, opts)
	if err != nil {
		return nil, err
	}
	stream := ralph.NewRecordStream(reader.nextRecord, reader.close)
	if opts.Limit > 0 {
		stream = stream.Take(opts.Limit)
	}
	return stream, nil
}

// ReadRaw returns the same rows encoded as one JSON line each.
func (b *Backend) ReadRaw(ctx context.Context, opts ralph.ReadOptions) (*ralph.ByteStream, error) {
	records, err := b.Read(ctx, opts)
	if err != nil {
		return nil, err
	}
	return ralph.LinesFromRecords(records, opts.IgnoreErrors, b.logger), nil
}

// Write inserts the source's records into the target table and returns
// the count of inserted rows. Every record needs a UUID id and an
// RFC 3339 timestamp; a batch carrying the same id twice is rejected
// whole, since the table cannot enforce uniqueness itself. With
// IgnoreErrors a rejected batch contributes zero rows and writing
// moves on to the next one.
func (b *Backend) Write(ctx context.Context, src ralph.Source, opts ralph.WriteOptions) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	_, empty, err := b.Capabilities().ResolveWrite(src, opts.Operation)
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
	table := b.table(opts.Target)

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

		events, err := b.validateChunk(chunk, opts.IgnoreErrors)
		if err != nil {
			if !opts.IgnoreErrors {
				return written, err
			}
			b.logger.Warn("skipping rejected insert batch", slog.Any("error", err))
			continue
		}
		count, err := b.insertChunk(ctx, table, events)
		written += count
		if err != nil {
			if !opts.IgnoreErrors {
				return written, err
			}
			b.logger.Error("skipping failed insert batch", slog.Any("error", err))
		}
	}
	b.logger.Info("finished writing rows", slog.Int64("count", written), slog.String("table", table))
	return written, nil
}

// insertEvent is one validated row ready for the insert batch.
type insertEvent struct {
	id    uuid.UUID
	time  time.Time
	event string
}

// validateChunk checks ids and timestamps and rejects intra-batch
// duplicate ids. Individual invalid records obey ignoreErrors; a
// duplicate id fails the whole batch and the caller decides whether
// that aborts the write.
func (b *Backend) validateChunk(chunk []ralph.Record, ignoreErrors bool) ([]insertEvent, error) {
	events := make([]insertEvent, 0, len(chunk))
	seen := make(map[uuid.UUID]bool, len(chunk))

	for _, record := range chunk {
		event, err := validateRecord(record)
		if err != nil {
			if ignoreErrors {
				b.logger.Warn("skipping invalid record", slog.Any("error", err))
				continue
			}
			return nil, err
		}
		if seen[event.id] {
			return nil, fmt.Errorf("%w: duplicate IDs found in batch", ralph.ErrBackend)
		}
		seen[event.id] = true
		events = append(events, event)
	}
	return events, nil
}

// validateRecord extracts the insert columns from one record.
func validateRecord(record ralph.Record) (insertEvent, error) {
	rawID, _ := record["id"].(string)
	rawTime, _ := record["timestamp"].(string)
	if rawID == "" || rawTime == "" {
		return insertEvent{}, fmt.Errorf("%w: records require both an id and a timestamp field", ralph.ErrBackend)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return insertEvent{}, fmt.Errorf("%w: parsing id %q: %w", ralph.ErrBackend, rawID, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return insertEvent{}, fmt.Errorf("%w: parsing timestamp %q: %w", ralph.ErrBackend, rawTime, err)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return insertEvent{}, fmt.Errorf("%w: encoding record: %w", ralph.ErrBackend, err)
	}
	return insertEvent{id: id, time: ts, event: string(data)}, nil
}

// insertChunk sends one validated batch through the native insert
// protocol.
func (b *Backend) insertChunk(ctx context.Context, table string, events []insertEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	conn, err := b.connect(ctx)
	if err != nil {
		return 0, err
	}
	batch, err := conn.PrepareBatch(ctx,
		"INSERT INTO "+table+" (event_id, emission_time, event)")
	if err != nil {
		return 0, fmt.Errorf("%w: preparing insert batch: %w", ralph.ErrBackend, err)
	}
	for _, event := range events {
		if err := batch.Append(event.id, event.time, event.event); err != nil {
			_ = batch.Abort()
			return 0, fmt.Errorf("%w: appending row: %w", ralph.ErrBackend, err)
		}
	}
	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("%w: sending insert batch: %w", ralph.ErrBackend, err)
	}
	return int64(len(events)), nil
}

// Capabilities describes the write operations of the backend. Rows in
// the event table are immutable: only create is accepted.
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
	if b.conn == nil {
		b.logger.Warn("no connection to close")
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	if err != nil {
		return fmt.Errorf("%w: closing connection: %w", ralph.ErrBackend, err)
	}
	return nil
}

// newRowReader resolves the read options into a SQL statement and a
// lazy cursor over its rows.
func (b *Backend) newRowReader(ctx context.Context, opts ralph.ReadOptions) (*rowReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var query Query
	if err := opts.Query.Decode(&query); err != nil {
		return nil, err
	}

	sql, args := buildSelect(b.table(opts.Target), query)
	return &rowReader{
		ctx:     ctx,
		backend: b,
		sql:     sql,
		args:    args,
		ignore:  opts.IgnoreErrors,
	}, nil
}

// buildSelect assembles the parameterized SELECT for a query.
func buildSelect(table string, query Query) (string, []any) {
	columns := query.Select
	if columns == "" {
		columns = "event_id, emission_time, event"
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(columns)
	sb.WriteString(" FROM ")
	sb.WriteString(table)
	if len(query.Where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(query.Where, " AND "))
	}
	if query.Sort != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(query.Sort)
	}
	if query.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", query.Limit)
	}

	args := make([]any, 0, len(query.Parameters))
	for name, value := range query.Parameters {
		args = append(args, clickhouse.Named(name, fmt.Sprintf("%v", value)))
	}
	return sb.String(), args
}

// rowReader streams rows from a single query, decoding the event
// column in place.
type rowReader struct {
	ctx     context.Context
	backend *Backend
	sql     string
	args    []any
	ignore  bool

	rows rows
	done bool
}

func (r *rowReader) open() error {
	conn, err := r.backend.connect(r.ctx)
	if err != nil {
		return err
	}
	result, err := conn.Query(r.ctx, r.sql, r.args...)
	if err != nil {
		return fmt.Errorf("%w: executing query: %w", ralph.ErrBackend, err)
	}
	r.rows = result
	return nil
}

func (r *rowReader) nextRecord() (ralph.Record, error) {
	for {
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}
		if r.done {
			return nil, io.EOF
		}
		if r.rows == nil {
			if err := r.open(); err != nil {
				return nil, err
			}
		}

		if !r.rows.Next() {
			err := r.rows.Err()
			_ = r.rows.Close()
			r.rows = nil
			r.done = true
			if err != nil {
				return nil, fmt.Errorf("%w: reading rows: %w", ralph.ErrBackend, err)
			}
			return nil, io.EOF
		}

		record, err := r.scanRow()
		if err != nil {
			if r.ignore {
				r.backend.logger.Warn("skipping malformed row", slog.Any("error", err))
				continue
			}
			_ = r.rows.Close()
			r.rows = nil
			r.done = true
			return nil, err
		}
		return record, nil
	}
}

// scanRow scans the current row into a record keyed by column name.
// The event column holds the full JSON event and is decoded into a
// map.
func (r *rowReader) scanRow() (ralph.Record, error) {
	columns := r.rows.Columns()
	types := r.rows.ColumnTypes()
	dest := make([]any, len(columns))
	for i, columnType := range types {
		dest[i] = reflect.New(columnType.ScanType()).Interface()
	}
	if err := r.rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("%w: scanning row: %w", ralph.ErrBackend, err)
	}

	record := make(ralph.Record, len(columns))
	for i, column := range columns {
		value := reflect.ValueOf(dest[i]).Elem().Interface()
		switch v := value.(type) {
		case time.Time:
			record[column] = v.UTC().Format(time.RFC3339Nano)
		case uuid.UUID:
			record[column] = v.String()
		case string:
			if column == "event" {
				var event map[string]any
				if err := json.Unmarshal([]byte(v), &event); err != nil {
					return nil, fmt.Errorf("%w: decoding event column: %w", ralph.ErrBackend, err)
				}
				record[column] = event
				continue
			}
			record[column] = v
		default:
			record[column] = v
		}
	}
	return record, nil
}

func (r *rowReader) close() error {
	if r.rows != nil {
		err := r.rows.Close()
		r.rows = nil
		r.done = true
		if err != nil {
			return fmt.Errorf("%w: closing rows: %w", ralph.ErrBackend, err)
		}
	}
	return nil
}

// Ensure Backend implements the extended interfaces.
var (
	_ ralph.Lister   = (*Backend)(nil)
	_ ralph.Writable = (*Backend)(nil)
)
