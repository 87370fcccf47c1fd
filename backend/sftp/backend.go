// Package sftp provides the SFTP backend for ralph.
//
// The backend presents a remote directory the way the fs backend
// presents a local one: events are newline-delimited JSON files,
// completed reads and writes land in a history log, and globs select
// the files a read covers. The SSH and SFTP clients are built lazily
// as a pair and dropped together by Close.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grokify/mogo/log/slogutil"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/grokify/ralph"
	"github.com/grokify/ralph/history"
)

const backendName = "sftp"

func init() {
	ralph.Register(backendName, NewFromConfig)
}

// Backend implements ralph.Writable and ralph.Lister over an SFTP
// server.
type Backend struct {
	config Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *conn
}

// conn pairs the SSH transport with the SFTP client riding on it, so
// concurrent operations always see a matching pair.
type conn struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

// New creates a new sftp backend with the given configuration. No
// connection is made until the first operation.
func New(config Config) (*Backend, error) {
	if config.Addr == "" {
		config.Addr = "localhost:22"
	}
	if config.Path == "" {
		config.Path = "."
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 4096
	}
	if config.History == nil {
		config.History = history.NewMemory()
	}
	if config.Logger == nil {
		config.Logger = slogutil.Null()
	}
	return &Backend{config: config, logger: config.Logger}, nil
}

// NewFromConfig creates a new sftp backend from a config map.
// Supported keys:
//   - addr: SSH endpoint (default: "localhost:22")
//   - user, password: SSH credentials
//   - private_key_path: PEM key authenticating instead of or besides
//     the password
//   - known_hosts_path: OpenSSH known_hosts file verifying the host key
//   - insecure: "true" to skip host key verification
//   - path: default remote directory (default: ".")
//   - chunk_size: raw read block size (default: "4096")
//   - history_path: file persisting the read/write history
//     (default: in-process)
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

// clientConfig resolves the SSH authentication and host key policy.
func (b *Backend) clientConfig() (*ssh.ClientConfig, error) {
	if b.config.User == "" {
		return nil, fmt.Errorf("%w: the sftp backend requires a user", ralph.ErrParameter)
	}

	var auth []ssh.AuthMethod
	if b.config.PrivateKeyPath != "" {
		pem, err := os.ReadFile(b.config.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: reading private key: %w", ralph.ErrParameter, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing private key: %w", ralph.ErrParameter, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if b.config.Password != "" {
		auth = append(auth, ssh.Password(b.config.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: the sftp backend requires a password or a private key", ralph.ErrParameter)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if !b.config.Insecure {
		if b.config.KnownHostsPath == "" {
			return nil, fmt.Errorf("%w: the sftp backend requires a known_hosts file unless insecure is set", ralph.ErrParameter)
		}
		callback, err := knownhosts.New(b.config.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("%w: loading known hosts: %w", ralph.ErrParameter, err)
		}
		hostKey = callback
	}

	return &ssh.ClientConfig{
		User:            b.config.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         30 * time.Second,
	}, nil
}

// connect returns the current client pair, dialing on first use.
func (b *Backend) connect() (*conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return b.conn, nil
	}

	clientConfig, err := b.clientConfig()
	if err != nil {
		return nil, err
	}
	sshClient, err := ssh.Dial("tcp", b.config.Addr, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %w", ralph.ErrBackend, b.config.Addr, err)
	}
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("%w: starting the sftp subsystem: %w", ralph.ErrBackend, err)
	}

	b.conn = &conn{ssh: sshClient, sftp: sftpClient}
	return b.conn, nil
}

// Status probes the default directory. A failed dial is StatusAway, an
// inaccessible directory or bad configuration is StatusError.
func (b *Backend) Status(ctx context.Context) ralph.Status {
	if err := ctx.Err(); err != nil {
		return ralph.StatusError
	}

	conn, err := b.connect()
	if err != nil {
		b.logger.Error("connecting to the sftp server", slog.Any("error", err))
		if ralph.IsParameter(err) {
			return ralph.StatusError
		}
		return ralph.StatusAway
	}
	info, err := conn.sftp.Stat(b.config.Path)
	if err != nil || !info.IsDir() {
		b.logger.Error("default directory is not accessible", slog.Any("error", err))
		return ralph.StatusError
	}
	return ralph.StatusOK
}

// List returns the entries of the target directory. With opts.New only
// entries absent from the read history are returned.
func (b *Backend) List(ctx context.Context, opts ralph.ListOptions) ([]ralph.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := b.resolve(opts.Target)
	conn, err := b.connect()
	if err != nil {
		return nil, err
	}
	infos, err := conn.sftp.ReadDir(dir)
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

	entries := make([]ralph.Entry, 0, len(infos))
	for _, info := range infos {
		remote := path.Join(dir, info.Name())
		if alreadyRead[remote] {
			continue
		}
		entry := ralph.Entry{Name: remote}
		if opts.Details {
			entry.Details = ralph.Record{
				"path":        remote,
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
	reader, err := b.newRemoteReader(ctx, opts)
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
	reader, err := b.newRemoteReader(ctx, opts)
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
	remote := b.resolve(target)

	conn, err := b.connect()
	if err != nil {
		return 0, err
	}

	if op == ralph.OpCreate || op == ralph.OpIndex {
		if _, err := conn.sftp.Stat(remote); err == nil {
			return 0, fmt.Errorf("%w: %s cannot be overwritten with the %s operation", ralph.ErrAlreadyExists, remote, op)
		} else if !errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: checking %s: %w", ralph.ErrBackend, remote, err)
		}
		b.logger.Debug("creating file", slog.String("path", remote))
	}

	if dir := path.Dir(remote); dir != "" && dir != "." {
		if err := conn.sftp.MkdirAll(dir); err != nil {
			return 0, fmt.Errorf("%w: creating directory %s: %w", ralph.ErrBackend, dir, err)
		}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if op == ralph.OpAppend {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		b.logger.Debug("appending to file", slog.String("path", remote))
	}
	file, err := conn.sftp.OpenFile(remote, flags)
	if err != nil {
		return 0, fmt.Errorf("%w: opening %s: %w", ralph.ErrBackend, remote, err)
	}

	if _, err := io.Copy(file, src.Raw(opts.IgnoreErrors, b.logger)); err != nil {
		_ = file.Close()
		return 0, fmt.Errorf("%w: writing %s: %w", ralph.ErrBackend, remote, err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("%w: closing %s: %w", ralph.ErrBackend, remote, err)
	}

	if err := b.recordAction(conn, history.ActionWrite, remote); err != nil {
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

// Close hangs up the client pair. The backend reconnects on the next
// operation.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		b.logger.Warn("no connection to close")
		return nil
	}

	conn := b.conn
	b.conn = nil
	sftpErr := conn.sftp.Close()
	sshErr := conn.ssh.Close()
	if err := errors.Join(sftpErr, sshErr); err != nil {
		return fmt.Errorf("%w: closing connection: %w", ralph.ErrBackend, err)
	}
	return nil
}

// resolve returns the remote path for a target. Relative targets are
// resolved against the default directory, an empty target is the
// default directory itself.
func (b *Backend) resolve(target string) string {
	if target == "" {
		return b.config.Path
	}
	if path.IsAbs(target) {
		return path.Clean(target)
	}
	return path.Join(b.config.Path, target)
}

// newRemoteReader resolves the read options into the list of matching
// remote paths and a cursor over their content.
func (b *Backend) newRemoteReader(ctx context.Context, opts ralph.ReadOptions) (*remoteReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pattern := "*"
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

	conn, err := b.connect()
	if err != nil {
		return nil, err
	}
	dir := b.resolve(opts.Target)
	matches, err := conn.sftp.Glob(path.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("%w: bad pattern %q: %w", ralph.ErrParameter, pattern, err)
	}

	var paths []string
	for _, match := range matches {
		info, err := conn.sftp.Stat(match)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		paths = append(paths, match)
	}
	if len(paths) == 0 {
		b.logger.Info("no file found for query", slog.String("pattern", path.Join(dir, pattern)))
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = b.config.ChunkSize
	}

	return &remoteReader{
		ctx:       ctx,
		backend:   b,
		conn:      conn,
		paths:     paths,
		chunkSize: chunkSize,
		ignore:    opts.IgnoreErrors,
	}, nil
}

// recordAction appends a history entry for the remote file.
func (b *Backend) recordAction(conn *conn, action, remote string) error {
	info, err := conn.sftp.Stat(remote)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", ralph.ErrBackend, remote, err)
	}
	entry := history.Entry{
		Backend:   backendName,
		Action:    action,
		ID:        remote,
		Filename:  path.Base(remote),
		Size:      info.Size(),
		Timestamp: time.Now().UTC(),
	}
	if err := b.config.History.Append(entry); err != nil {
		return fmt.Errorf("%w: appending history: %w", ralph.ErrBackend, err)
	}
	return nil
}

// remoteReader iterates over the content of a list of remote files,
// advancing to the next file when the current one is exhausted. A
// finished file is recorded in the history; an abandoned one is not.
type remoteReader struct {
	ctx       context.Context
	backend   *Backend
	conn      *conn
	paths     []string
	chunkSize int
	ignore    bool

	idx     int
	file    *sftp.File
	records *ralph.RecordStream
}

func (r *remoteReader) nextChunk() ([]byte, error) {
	for {
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}
		if r.file == nil {
			if r.idx >= len(r.paths) {
				return nil, io.EOF
			}
			file, err := r.conn.sftp.Open(r.paths[r.idx])
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
			remote := r.paths[r.idx]
			_ = r.file.Close()
			r.file = nil
			return nil, fmt.Errorf("%w: reading %s: %w", ralph.ErrBackend, remote, err)
		}
		if err := r.finishFile(); err != nil {
			return nil, err
		}
	}
}

func (r *remoteReader) nextRecord() (ralph.Record, error) {
	for {
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}
		if r.records == nil {
			if r.idx >= len(r.paths) {
				return nil, io.EOF
			}
			file, err := r.conn.sftp.Open(r.paths[r.idx])
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
func (r *remoteReader) finishFile() error {
	remote := r.paths[r.idx]
	if r.records != nil {
		_ = r.records.Close()
	} else if r.file != nil {
		_ = r.file.Close()
	}
	r.records, r.file = nil, nil
	r.idx++
	return r.backend.recordAction(r.conn, history.ActionRead, remote)
}

func (r *remoteReader) close() error {
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
