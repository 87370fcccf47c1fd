// Package ws provides the read-only WebSocket backend for ralph.
//
// Events arrive as WebSocket messages, one event per message. The
// stream ends when the server closes the connection normally; the
// backend never writes.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/grokify/mogo/log/slogutil"

	"github.com/grokify/ralph"
)

const backendName = "ws"

func init() {
	ralph.Register(backendName, NewFromConfig)
}

// Backend implements ralph.Backend over a WebSocket endpoint. It is
// read-only: events flow from the server only.
type Backend struct {
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	conns []*websocket.Conn
}

// New creates a new ws backend with the given configuration. Nothing
// is dialed until the first operation.
func New(config Config) (*Backend, error) {
	if config.Logger == nil {
		config.Logger = slogutil.Null()
	}
	return &Backend{config: config, logger: config.Logger}, nil
}

// NewFromConfig creates a new ws backend from a config map.
// Supported keys:
//   - uri: WebSocket endpoint, for example "ws://localhost:8765"
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

// dial opens one connection to the configured endpoint and tracks it
// for Close.
func (b *Backend) dial(ctx context.Context) (*websocket.Conn, error) {
	if b.config.URI == "" {
		return nil, fmt.Errorf("%w: the ws backend requires a URI", ralph.ErrParameter)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.config.URI, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %w", ralph.ErrBackend, b.config.URI, err)
	}

	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()
	return conn, nil
}

// forget stops tracking a connection its reader already closed.
func (b *Backend) forget(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.conns {
		if c == conn {
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			return
		}
	}
}

// Status dials the endpoint and hangs up. A refused dial is
// StatusAway, a failing handshake or missing URI is StatusError.
func (b *Backend) Status(ctx context.Context) ralph.Status {
	if err := ctx.Err(); err != nil {
		return ralph.StatusError
	}
	if b.config.URI == "" {
		b.logger.Error("the ws backend requires a URI")
		return ralph.StatusError
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.config.URI, nil)
	if err != nil {
		b.logger.Error("endpoint is not reachable", slog.Any("error", err))
		return ralph.StatusAway
	}
	if err := conn.Close(); err != nil {
		b.logger.Error("closing the probe connection", slog.Any("error", err))
		return ralph.StatusError
	}
	return ralph.StatusOK
}

// Read yields one record per received message until the server closes
// the connection. Messages that fail to decode obey IgnoreErrors.
func (b *Backend) Read(ctx context.Context, opts ralph.ReadOptions) (*ralph.RecordStream, error) {
	reader, err := b.newMessageReader(ctx, opts)
	if err != nil {
		return nil, err
	}
	stream := ralph.NewRecordStream(reader.nextRecord, reader.close)
	if opts.Limit > 0 {
		stream = stream.Take(opts.Limit)
	}
	return stream, nil
}

// ReadRaw yields the raw message bytes, one newline-terminated chunk
// per message.
func (b *Backend) ReadRaw(ctx context.Context, opts ralph.ReadOptions) (*ralph.ByteStream, error) {
	reader, err := b.newMessageReader(ctx, opts)
	if err != nil {
		return nil, err
	}
	stream := ralph.NewByteStream(reader.nextChunk, reader.close)
	if opts.Limit > 0 {
		stream = stream.Take(opts.Limit)
	}
	return stream, nil
}

// Close hangs up every dialed connection, collecting the failures.
func (b *Backend) Close() error {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()

	if len(conns) == 0 {
		b.logger.Info("no open connections to close")
		return nil
	}

	var errs []error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: closing connections: %w", ralph.ErrBackend, errors.Join(errs...))
	}
	return nil
}

// newMessageReader dials the endpoint lazily: the connection opens on
// the first read.
func (b *Backend) newMessageReader(ctx context.Context, opts ralph.ReadOptions) (*messageReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.config.URI == "" {
		return nil, fmt.Errorf("%w: the ws backend requires a URI", ralph.ErrParameter)
	}
	if !opts.Query.IsZero() {
		return nil, fmt.Errorf("%w: the ws backend does not support queries", ralph.ErrParameter)
	}
	return &messageReader{ctx: ctx, backend: b, ignore: opts.IgnoreErrors}, nil
}

// messageReader consumes one connection until the server hangs up. A
// normal close ends the stream; any other failure surfaces as a
// backend error.
type messageReader struct {
	ctx     context.Context
	backend *Backend
	ignore  bool

	conn *websocket.Conn
	done bool
}

// nextMessage returns the next raw message.
func (r *messageReader) nextMessage() ([]byte, error) {
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}
	if r.done {
		return nil, io.EOF
	}
	if r.conn == nil {
		conn, err := r.backend.dial(r.ctx)
		if err != nil {
			return nil, err
		}
		r.conn = conn
	}

	_, message, err := r.conn.ReadMessage()
	if err != nil {
		r.done = true
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: receiving message: %w", ralph.ErrBackend, err)
	}
	return message, nil
}

func (r *messageReader) nextChunk() ([]byte, error) {
	message, err := r.nextMessage()
	if err != nil {
		return nil, err
	}
	return append(message, '\n'), nil
}

func (r *messageReader) nextRecord() (ralph.Record, error) {
	for {
		message, err := r.nextMessage()
		if err != nil {
			return nil, err
		}
		var record ralph.Record
		if err := json.Unmarshal(message, &record); err != nil {
			if r.ignore {
				r.backend.logger.Warn("skipping undecodable message", slog.Any("error", err))
				continue
			}
			r.done = true
			return nil, fmt.Errorf("%w: decoding message: %w", ralph.ErrBackend, err)
		}
		return record, nil
	}
}

func (r *messageReader) close() error {
	if r.conn != nil {
		conn := r.conn
		r.conn = nil
		r.done = true
		r.backend.forget(conn)
		if err := conn.Close(); err != nil {
			return fmt.Errorf("%w: closing connection: %w", ralph.ErrBackend, err)
		}
	}
	return nil
}

// Ensure Backend implements the core contract only: the ws backend is
// read-only.
var _ ralph.Backend = (*Backend)(nil)
