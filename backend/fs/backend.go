// Package fs provides the local filesystem backend for ralph.
//
// Events are stored as newline-delimited JSON files under a default
// directory. Completed reads and writes are recorded in a history log
// so listings can be restricted to files not seen before. A single
// configurable file doubles as the statements store for LRS queries.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grokify/mogo/log/slogutil"

	"github.com/grokify/ralph"
	"github.com/grokify/ralph/history"
)

const backendName = "fs"

func init() {
	ralph.Register(backendName, NewFromConfig)
}

// Config holds configuration for the fs backend.
type Config struct {
	// Path is the default directory for list, read and write
	// operations. Relative targets are resolved against it.
	// Default: "."
	Path string

	// QueryString is the default glob pattern matching the files to
	// read, relative to the target directory.
	// Default: "*"
	QueryString string

	// ChunkSize is the block size for raw reads.
	// Default: 4096
	ChunkSize int

	// LRSFile is the name of the file statements are queried from.
	// Default: "fs_lrs.jsonl"
	LRSFile string

	// DirPermissions is the permission mode for created directories.
	// Default: 0755
	DirPermissions os.FileMode

	// FilePermissions is the permission mode for created files.
	// Default: 0644
	FilePermissions os.FileMode

	// History records completed reads and writes.
	// Default: an in-process log.
	History history.Log

	// Logger receives structured logs. Default: a no-op logger.
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Path:            ".",
		QueryString:     "*",
		ChunkSize:       4096,
		LRSFile:         "fs_lrs.jsonl",
		DirPermissions:  0755,
		FilePermissions: 0644,
	}
}

// Backend implements ralph.Writable and ralph.Lister for the local
// filesystem.
type Backend struct {
	config Config
	logger *slog.Logger
}

// New creates a new fs backend with the given configuration. The
// default directory is created if it does not exist.
func New(config Config) *Backend {
	if config.Path == "" {
		config.Path = "."
	}
	if config.QueryString == "" {
		config.QueryString = "*"
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 4096
	}
	if config.LRSFile == "" {
		config.LRSFile = "fs_lrs.jsonl"
	}
	if config.DirPermissions == 0 {
		config.DirPermissions = 0755
	}
	if config.FilePermissions == 0 {
		config.FilePermissions = 0644
	}
	if config.History == nil {
		config.History = history.NewMemory()
	}
	if config.Logger == nil {
		config.Logger = slogutil.Null()
	}

	b := &Backend{config: config, logger: config.Logger}

	if _, err := os.Stat(config.Path); err != nil {
		b.logger.Info("default directory does not exist, creating", slog.String("path", config.Path))
		if err := os.MkdirAll(config.Path, config.DirPermissions); err != nil {
			b.logger.Error("creating default directory", slog.Any("error", err))
		}
	}
	return b
}

// NewFromConfig creates a new fs backend from a config map.
// Supported keys:
//   - path: default directory (default: ".")
//   - query_string: default glob pattern (default: "*")
//   - chunk_size: raw read block size (default: "4096")
//   - lrs_file: statements file name (default: "fs_lrs.jsonl")
//   - history_path: file persisting the read/write history
//     (default: in-process)
func NewFromConfig(configMap map[string]string) (ralph.Backend, error) {
	config := DefaultConfig()

	if path, ok := configMap["path"]; ok && path != "" {
		config.Path = path
	}
	if pattern, ok := configMap["query_string"]; ok && pattern != "" {
		config.QueryString = pattern
	}
	if size, ok := configMap["chunk_size"]; ok && size != "" {
		n, err := strconv.Atoi(size)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: invalid chunk_size %q", ralph.ErrParameter, size)
		}
		config.ChunkSize = n
	}
	if name, ok := configMap["lrs_file"]; ok && name != "" {
		config.LRSFile = name
	}
	if path, ok := configMap["history_path"]; ok && path != "" {
		config.History = history.NewFile(path)
	}

	return New(config), nil
}

// Name returns the registry name of the backend.
func (b *Backend) Name() string {
	return backendName
}

// Status reports whether the default directory is accessible.
func (b *Backend) Status(ctx context.Context) ralph.Status {
	if err := ctx.Err(); err != nil {
		return ralph.StatusError
	}

	info, err := os.Stat(b.config.Path)
	if err != nil {
		b.logger.Error("default directory is not accessible", slog.Any("error", err))
		return ralph.StatusError
	}
	if !info.IsDir() {
		b.logger.Error("default directory is not a directory", slog.String("path", b.config.Path))
		return ralph.StatusError
	}
	dir, err := os.Open(b.config.Path)
	if err != nil {
		b.logger.Error("default directory is not readable", slog.Any("error", err))
		return ralph.StatusError
	}
	_ = dir.Close()
	return ralph.StatusOK
}

// List returns the entries of the target directory. With opts.New only
// entries absent from the read history are returned.
func (b *Backend) List(ctx context.Context, opts ralph.ListOptions) ([]ralph.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := b.resolve(opts.Target)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid target %q: %w", ralph.ErrParameter, dir, err)
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

	entries := make([]ralph.Entry, 0, len(dirents))
	for _, dirent := range dirents {
		path := filepath.Join(dir, dirent.Name())
		if alreadyRead[path] {
			continue
		}
		entry := ralph.Entry{Name: path}
		if opts.Details {
			info, err := dirent.Info()
			if err != nil {
				return nil, fmt.Errorf("%w: stat %s: %w", ralph.ErrBackend, path, err)
			}
			entry.Details = ralph.Record{
				"path":        path,
				"size":        info.Size(),
				"modified_at": info.ModTime().UTC().Truncate(time.Second).Format(time.RFC3339),
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Read returns the records of the files matching the query pattern in
// the target directory, one JSON document per line. Each fully read
// file is recorded in the history.
func (b *Backend) Read(ctx context.Context, opts ralph.ReadOptions) (*ralph.RecordStream, error) {
	reader, err := b.newFileReader(ctx, opts)
	if err != nil {
		return nil, err
	}
	stream := ralph.NewRecordStream(reader.nextRecord, reader.close)
	if opts.Limit > 0 {
		stream = stream.Take(opts.Limit)
	}
	return stream, nil
}

// ReadRaw returns the bytes of the files matching the query pattern in
// the target directory, in blocks of the configured chunk size. Each
// fully read file is recorded in the history.
func (b *Backend) ReadRaw(ctx context.Context, opts ralph.ReadOptions) (*ralph.ByteStream, error) {
	reader, err := b.newFileReader(ctx, opts)
	if err != nil {
		return nil, err
	}
	stream := ralph.NewByteStream(reader.nextChunk, reader.close)
	if opts.Limit > 0 {
		stream = stream.Take(opts.Limit)
	}
	return stream, nil
}

// Write stores the source in the target file and returns 1, the number
// of written files. Without a target a timestamped random file name is
// generated. Create and index refuse to overwrite an existing file,
// update truncates it and append extends it.
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

	target := opts.Target
	if target == "" {
		target = fmt.Sprintf("%s-%s", time.Now().UTC().Format(time.RFC3339Nano), uuid.NewString())
		b.logger.Info("target not specified, using generated file name", slog.String("target", target))
	}
	path, err := b.resolve(target)
	if err != nil {
		return 0, err
	}

	if op == ralph.OpCreate || op == ralph.OpIndex {
		if _, err := os.Stat(path); err == nil {
			return 0, fmt.Errorf("%w: %s cannot be overwritten with the %s operation", ralph.ErrAlreadyExists, path, op)
		} else if !os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: checking %s: %w", ralph.ErrBackend, path, err)
		}
		b.logger.Debug("creating file", slog.String("path", path))
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, b.config.DirPermissions); err != nil {
			return 0, fmt.Errorf("%w: creating directory %s: %w", ralph.ErrBackend, dir, err)
		}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if op == ralph.OpAppend {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		b.logger.Debug("appending to file", slog.String("path", path))
	}
	file, err := os.OpenFile(path, flags, b.config.FilePermissions)
	if err != nil {
		return 0, fmt.Errorf("%w: opening %s: %w", ralph.ErrBackend, path, err)
	}

	if _, err := io.Copy(file, src.Raw(opts.IgnoreErrors, b.logger)); err != nil {
		_ = file.Close()
		return 0, fmt.Errorf("%w: writing %s: %w", ralph.ErrBackend, path, err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("%w: closing %s: %w", ralph.ErrBackend, path, err)
	}

	if err := b.recordAction(history.ActionWrite, path); err != nil {
		return 0, err
	}
	return 1, nil
}

// Capabilities describes the write operations of the backend. Delete
// is not supported: files are containers, not single records.
func (b *Backend) Capabilities() ralph.Capabilities {
	return ralph.Capabilities{
		Default:     ralph.OpCreate,
		Unsupported: []ralph.Operation{ralph.OpDelete},
	}
}

// Close is a no-op; the backend holds no connections.
func (b *Backend) Close() error {
	return nil
}

// resolve returns the absolute path for a target. Relative targets are
// resolved against the default directory, an empty target is the
// default directory itself.
func (b *Backend) resolve(target string) (string, error) {
	path := b.config.Path
	if target != "" {
		target = filepath.FromSlash(target)
		if filepath.IsAbs(target) {
			path = target
		} else {
			path = filepath.Join(b.config.Path, target)
		}
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: resolving target %q: %w", ralph.ErrParameter, target, err)
	}
	return path, nil
}

// newFileReader resolves the read options into the list of matching
// file paths and a cursor over their content.
func (b *Backend) newFileReader(ctx context.Context, opts ralph.ReadOptions) (*fileReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pattern := b.config.QueryString
	if !opts.Query.IsZero() {
		if opts.Query.Text != "" {
			pattern = opts.Query.Text
		} else {
			var q struct {
				QueryString string `json:"query_string"`
			}
			if err := opts.Query.Decode(&q); err != nil {
				return nil, err
			}
			if q.QueryString != "" {
				pattern = q.QueryString
			}
		}
	}

	dir, err := b.resolve(opts.Target)
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("%w: bad pattern %q: %w", ralph.ErrParameter, pattern, err)
	}

	var paths []string
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		paths = append(paths, match)
	}
	if len(paths) == 0 {
		b.logger.Info("no file found for query", slog.String("pattern", filepath.Join(dir, pattern)))
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = b.config.ChunkSize
	}

	return &fileReader{
		ctx:       ctx,
		backend:   b,
		paths:     paths,
		chunkSize: chunkSize,
		ignore:    opts.IgnoreErrors,
	}, nil
}

// recordAction appends a history entry for the file at path.
func (b *Backend) recordAction(action, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", ralph.ErrBackend, path, err)
	}
	entry := history.Entry{
		Backend:   backendName,
		Action:    action,
		ID:        path,
		Filename:  filepath.Base(path),
		Size:      info.Size(),
		Timestamp: time.Now().UTC(),
	}
	if err := b.config.History.Append(entry); err != nil {
		return fmt.Errorf("%w: appending history: %w", ralph.ErrBackend, err)
	}
	return nil
}

// fileReader iterates over the content of a list of files, advancing
// to the next file when the current one is exhausted. A finished file
// is recorded in the history; an abandoned one is not.
type fileReader struct {
	ctx       context.Context
	backend   *Backend
	paths     []string
	chunkSize int
	ignore    bool

	idx     int
	file    *os.File
	records *ralph.RecordStream
}

func (r *fileReader) nextChunk() ([]byte, error) {
	for {
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}
		if r.file == nil {
			if r.idx >= len(r.paths) {
				return nil, io.EOF
			}
			file, err := os.Open(r.paths[r.idx])
			if err != nil {
				return nil, fmt.Errorf("%w: opening %s: %w", ralph.ErrBackend, r.paths[r.idx], err)
			}
			r.file = file
		}

		buf := make([]byte, r.chunkSize)
		n, err := r.file.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			path := r.paths[r.idx]
			_ = r.file.Close()
			r.file = nil
			return nil, fmt.Errorf("%w: reading %s: %w", ralph.ErrBackend, path, err)
		}
		if err := r.finishFile(); err != nil {
			return nil, err
		}
	}
}

func (r *fileReader) nextRecord() (ralph.Record, error) {
	for {
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}
		if r.records == nil {
			if r.idx >= len(r.paths) {
				return nil, io.EOF
			}
			file, err := os.Open(r.paths[r.idx])
			if err != nil {
				return nil, fmt.Errorf("%w: opening %s: %w", ralph.ErrBackend, r.paths[r.idx], err)
			}
			r.file = file
			r.records = ralph.RecordsFromNDJSON(file, r.ignore, r.backend.logger)
		}

		record, err := r.records.Next()
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, io.EOF) {
			_ = r.records.Close()
			r.records, r.file = nil, nil
			return nil, err
		}
		if err := r.finishFile(); err != nil {
			return nil, err
		}
	}
}

// finishFile closes the current file, records it as read and advances
// to the next one.
func (r *fileReader) finishFile() error {
	path := r.paths[r.idx]
	if r.records != nil {
		_ = r.records.Close()
	} else if r.file != nil {
		_ = r.file.Close()
	}
	r.records, r.file = nil, nil
	r.idx++
	return r.backend.recordAction(history.ActionRead, path)
}

func (r *fileReader) close() error {
	if r.records != nil {
		err := r.records.Close()
		r.records, r.file = nil, nil
		return err
	}
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// Ensure Backend implements the extended interfaces.
var (
	_ ralph.Lister   = (*Backend)(nil)
	_ ralph.Writable = (*Backend)(nil)
)
