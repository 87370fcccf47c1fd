// Package s3 provides the AWS S3 backend for ralph.
//
// Events are archived as newline-delimited JSON objects in a bucket.
// The backend works with AWS S3 and with S3-compatible services such
// as MinIO when a custom endpoint is configured. Completed reads and
// writes are recorded in a history log so listings can be restricted
// to objects not read before.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/grokify/mogo/log/slogutil"

	"github.com/grokify/ralph"
	"github.com/grokify/ralph/format/ndjson"
	"github.com/grokify/ralph/history"
)

const backendName = "s3"

func init() {
	ralph.Register(backendName, NewFromConfig)
}

// Backend implements ralph.Writable and ralph.Lister for AWS S3 and
// S3-compatible object stores.
//
// The client is established on first use and dropped by Close; a
// closed backend reconnects on the next operation.
type Backend struct {
	config Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *conn
}

// conn bundles the client and the transfer manager built on top of it
// so concurrent operations always see a matching pair.
type conn struct {
	client   *s3.Client
	uploader *manager.Uploader
}

// New creates a new s3 backend with the given configuration. No
// connection is made until the first operation.
func New(cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 4096
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = 5 * 1024 * 1024
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.History == nil {
		cfg.History = history.NewMemory()
	}
	if cfg.Logger == nil {
		cfg.Logger = slogutil.Null()
	}
	return &Backend{config: cfg, logger: cfg.Logger}, nil
}

// NewFromConfig creates a new s3 backend from a config map.
// Supported keys:
//   - bucket: default bucket, required
//   - region: AWS region (default: "us-east-1")
//   - endpoint: custom endpoint for S3-compatible services
//   - access_key_id, secret_access_key, session_token: static
//     credentials (default: the AWS credential chain)
//   - use_path_style: "true" or "1" for path-style addressing
//   - chunk_size: raw read block size (default: "4096")
//   - part_size: multipart upload part size (default: 5MB)
//   - concurrency: parallel part uploads (default: "5")
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

// connect returns the current connection, establishing it on first
// use.
func (b *Backend) connect(ctx context.Context) (*conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return b.conn, nil
	}

	var optFns []func(*config.LoadOptions) error
	if b.config.Region != "" {
		optFns = append(optFns, config.WithRegion(b.config.Region))
	}
	if b.config.AccessKeyID != "" && b.config.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			b.config.AccessKeyID,
			b.config.SecretAccessKey,
			b.config.SessionToken,
		)
		optFns = append(optFns, config.WithCredentialsProvider(creds))
	}
	if b.config.Endpoint != "" {
		// Most S3-compatible services reject the default CRC request
		// checksums.
		optFns = append(optFns, config.WithRequestChecksumCalculation(
			aws.RequestChecksumCalculationWhenRequired,
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("%w: loading aws config: %w", ralph.ErrBackend, err)
	}

	var s3OptFns []func(*s3.Options)
	if b.config.Endpoint != "" {
		s3OptFns = append(s3OptFns, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(b.config.Endpoint)
		})
	}
	if b.config.UsePathStyle {
		s3OptFns = append(s3OptFns, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3OptFns...)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = b.config.PartSize
		u.Concurrency = b.config.Concurrency
	})

	b.conn = &conn{client: client, uploader: uploader}
	return b.conn, nil
}

// Status probes the default bucket. An unreachable endpoint is
// StatusAway, a reachable one that rejects the probe is StatusError.
func (b *Backend) Status(ctx context.Context) ralph.Status {
	if err := ctx.Err(); err != nil {
		return ralph.StatusError
	}

	conn, err := b.connect(ctx)
	if err != nil {
		b.logger.Error("connecting to s3", slog.Any("error", err))
		return ralph.StatusAway
	}
	_, err = conn.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.config.Bucket),
	})
	if err != nil {
		b.logger.Error("bucket is not reachable", slog.String("bucket", b.config.Bucket), slog.Any("error", err))
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return ralph.StatusError
		}
		return ralph.StatusAway
	}
	return ralph.StatusOK
}

// List returns the object keys of the target bucket. With opts.New
// only objects absent from the read history are returned.
func (b *Backend) List(ctx context.Context, opts ralph.ListOptions) ([]ralph.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bucket := opts.Target
	if bucket == "" {
		bucket = b.config.Bucket
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

	conn, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}

	var entries []ralph.Entry
	paginator := s3.NewListObjectsV2Paginator(conn.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	})
	for paginator.HasMorePages() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing bucket %s: %w", bucket, b.translateError(err, bucket))
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			key := *obj.Key
			if alreadyRead[bucket+"/"+key] {
				continue
			}
			entry := ralph.Entry{Name: key}
			if opts.Details {
				details := ralph.Record{"name": key}
				if obj.Size != nil {
					details["size"] = *obj.Size
				}
				if obj.LastModified != nil {
					details["modified_at"] = obj.LastModified.UTC().Truncate(time.Second).Format(time.RFC3339)
				}
				entry.Details = details
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Read returns the records of the object named by the query in the
// target bucket, one JSON document per line. The fully read object is
// recorded in the history.
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
// target bucket, in blocks of at most the configured chunk size. The
// fully read object is recorded in the history.
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
// of records it carried. The target takes the "bucket/key" form; a
// bare key goes into the default bucket and an empty target generates
// a timestamped object name. Create and index refuse to overwrite an
// existing object.
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

	bucket, key := b.splitTarget(opts.Target)

	conn, err := b.connect(ctx)
	if err != nil {
		return 0, err
	}

	exists, err := b.objectExists(ctx, conn, bucket, key)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, fmt.Errorf("%w: %s/%s cannot be overwritten with the %s operation", ralph.ErrAlreadyExists, bucket, key, op)
	}

	b.logger.Info("creating archive", slog.String("bucket", bucket), slog.String("key", key))

	counter := ndjson.NewCountingReader(src.Raw(opts.IgnoreErrors, b.logger))
	var uploadOpts []func(*manager.Uploader)
	if opts.Concurrency > 0 {
		uploadOpts = append(uploadOpts, func(u *manager.Uploader) {
			u.Concurrency = opts.Concurrency
		})
	}
	_, err = conn.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   counter,
	}, uploadOpts...)
	if err != nil {
		return 0, fmt.Errorf("%w: uploading %s/%s: %w", ralph.ErrBackend, bucket, key, err)
	}

	head, err := conn.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: checking uploaded object %s/%s: %w", ralph.ErrBackend, bucket, key, err)
	}
	var size int64
	if head.ContentLength != nil {
		size = *head.ContentLength
	}

	entry := history.Entry{
		Backend:   backendName,
		Action:    history.ActionWrite,
		Operation: string(op),
		ID:        bucket + "/" + key,
		Size:      size,
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

// Close drops the client. The backend reconnects on the next
// operation.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conn = nil
	return nil
}

// splitTarget resolves a write target into a bucket and an object
// key. An empty target generates a timestamped key in the default
// bucket; a target without a slash is a key in the default bucket.
func (b *Backend) splitTarget(target string) (string, string) {
	switch {
	case target == "":
		key := fmt.Sprintf("%s-%s", time.Now().UTC().Format(time.RFC3339Nano), uuid.NewString())
		b.logger.Info("target not specified, using default bucket with generated object name",
			slog.String("bucket", b.config.Bucket), slog.String("key", key))
		return b.config.Bucket, key
	case !strings.Contains(target, "/"):
		b.logger.Info("bucket not specified, using default bucket", slog.String("bucket", b.config.Bucket))
		return b.config.Bucket, target
	}
	parts := strings.SplitN(target, "/", 2)
	return parts[0], parts[1]
}

// objectExists scans the bucket listing for the key, the check create
// and index rely on before uploading.
func (b *Backend) objectExists(ctx context.Context, conn *conn, bucket, key string) (bool, error) {
	paginator := s3.NewListObjectsV2Paginator(conn.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(key),
	})
	for paginator.HasMorePages() {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return false, fmt.Errorf("listing bucket %s: %w", bucket, b.translateError(err, bucket))
		}
		for _, obj := range page.Contents {
			if obj.Key != nil && *obj.Key == key {
				return true, nil
			}
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

// translateError folds S3 errors into the ralph error taxonomy.
func (b *Backend) translateError(err error, what string) error {
	if err == nil {
		return nil
	}

	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return fmt.Errorf("%w: bucket %s", ralph.ErrNotFound, what)
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%w: %s", ralph.ErrNotFound, what)
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%w: %s", ralph.ErrNotFound, what)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("%w: %s", ralph.ErrNotFound, what)
		}
	}

	return fmt.Errorf("%w: %w", ralph.ErrBackend, err)
}

// newObjectReader resolves the read options into a cursor over one
// object's content. The download starts on the first read.
func (b *Backend) newObjectReader(ctx context.Context, opts ralph.ReadOptions) (*objectReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := opts.Query.Text
	if key == "" && !opts.Query.IsZero() {
		var q struct {
			QueryString string `json:"query_string"`
		}
		if err := opts.Query.Decode(&q); err != nil {
			return nil, err
		}
		key = q.QueryString
	}
	if key == "" {
		return nil, fmt.Errorf("%w: the query should be a valid object name", ralph.ErrParameter)
	}

	bucket := opts.Target
	if bucket == "" {
		bucket = b.config.Bucket
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = b.config.ChunkSize
	}

	return &objectReader{
		ctx:       ctx,
		backend:   b,
		bucket:    bucket,
		key:       key,
		chunkSize: chunkSize,
		ignore:    opts.IgnoreErrors,
	}, nil
}

// objectReader streams the content of a single object. The fully read
// object is recorded in the history; an abandoned one is not.
type objectReader struct {
	ctx       context.Context
	backend   *Backend
	bucket    string
	key       string
	chunkSize int
	ignore    bool

	body    io.ReadCloser
	records *ralph.RecordStream
	size    int64
	done    bool
}

// open downloads the object and keeps its streaming body.
func (r *objectReader) open() error {
	conn, err := r.backend.connect(r.ctx)
	if err != nil {
		return err
	}
	out, err := conn.client.GetObject(r.ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
	})
	if err != nil {
		return fmt.Errorf("downloading %s: %w", r.key, r.backend.translateError(err, r.bucket+"/"+r.key))
	}
	r.body = out.Body
	if out.ContentLength != nil {
		r.size = *out.ContentLength
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
			return nil, fmt.Errorf("%w: reading %s: %w", ralph.ErrBackend, r.key, err)
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
	return r.backend.recordRead(r.bucket+"/"+r.key, r.size)
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
