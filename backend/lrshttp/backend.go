// Package lrshttp provides the lrs backend for ralph: a client for a
// remote Learning Record Server speaking the xAPI statements API over
// HTTP.
//
// Reads page through the statements resource following the server's
// "more" links; writes post statement batches, optionally fanned out
// over several concurrent requests.
package lrshttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/grokify/mogo/log/slogutil"

	"github.com/grokify/ralph"
	"github.com/grokify/ralph/lrs"
)

const backendName = "lrs"

func init() {
	ralph.Register(backendName, NewFromConfig)
}

// Backend implements ralph.Writable for a remote Learning Record
// Server.
//
// The HTTP client is built on first use and dropped by Close; a closed
// backend rebuilds it on the next operation.
type Backend struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	client *http.Client
}

// New creates a new lrs backend with the given configuration. No
// client is built until the first operation.
func New(config Config) (*Backend, error) {
	if config.BaseURL == "" {
		config.BaseURL = "http://0.0.0.0:8100"
	}
	if config.HeartbeatPath == "" {
		config.HeartbeatPath = "/__heartbeat__"
	}
	if config.StatementsPath == "" {
		config.StatementsPath = "/xAPI/statements"
	}
	if config.XAPIVersion == "" {
		config.XAPIVersion = "1.0.3"
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 500
	}
	if config.Logger == nil {
		config.Logger = slogutil.Null()
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: invalid base url %q: %w", ralph.ErrParameter, config.BaseURL, err)
	}
	return &Backend{config: config, logger: config.Logger}, nil
}

// NewFromConfig creates a new lrs backend from a config map.
// Supported keys:
//   - base_url: root URL of the server (default: "http://0.0.0.0:8100")
//   - username, password: HTTP basic auth credentials
//   - heartbeat_path: liveness endpoint (default: "/__heartbeat__")
//   - statements_path: statements resource (default: "/xAPI/statements")
//   - xapi_version: X-Experience-API-Version header (default: "1.0.3")
//   - chunk_size: statements per request (default: "500")
//   - timeout: per-request timeout, for example "30s"
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

// connect returns the current HTTP client, building it on first use.
func (b *Backend) connect() *http.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		b.client = &http.Client{Timeout: b.config.Timeout}
	}
	return b.client
}

// newRequest builds a request against the server with the xAPI and
// authentication headers set.
func (b *Backend) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", ralph.ErrBackend, err)
	}
	req.Header.Set("X-Experience-API-Version", b.config.XAPIVersion)
	req.Header.Set("Content-Type", "application/json")
	if b.config.Username != "" {
		req.SetBasicAuth(b.config.Username, b.config.Password)
	}
	return req, nil
}

// Status probes the heartbeat endpoint. An unreachable server is
// StatusAway; a reachable one answering outside 2xx is StatusError.
func (b *Backend) Status(ctx context.Context) ralph.Status {
	if err := ctx.Err(); err != nil {
		return ralph.StatusError
	}

	req, err := b.newRequest(ctx, http.MethodGet, b.config.BaseURL+b.config.HeartbeatPath, nil)
	if err != nil {
		b.logger.Error("building the heartbeat request", slog.Any("error", err))
		return ralph.StatusError
	}
	resp, err := b.connect().Do(req)
	if err != nil {
		b.logger.Error("server is not reachable", slog.Any("error", err))
		return ralph.StatusAway
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		b.logger.Error("heartbeat returned an unexpected status", slog.String("status", resp.Status))
		return ralph.StatusError
	}
	return ralph.StatusOK
}

// List is unsupported: the statements API exposes no containers to
// enumerate.
func (b *Backend) List(ctx context.Context, opts ralph.ListOptions) ([]ralph.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: the LRS backend does not support listing", ralph.ErrParameter)
}

// Read returns the statements matching the query, following the
// server's continuation links until the result set is exhausted.
func (b *Backend) Read(ctx context.Context, opts ralph.ReadOptions) (*ralph.RecordStream, error) {
	reader, err := b.newStatementReader(ctx, opts)
	if err != nil {
		return nil, err
	}
	stream := ralph.NewRecordStream(reader.nextRecord, nil)
	if opts.Limit > 0 {
		stream = stream.Take(opts.Limit)
	}
	return stream, nil
}

// ReadRaw returns the same statements encoded as one JSON line each.
func (b *Backend) ReadRaw(ctx context.Context, opts ralph.ReadOptions) (*ralph.ByteStream, error) {
	records, err := b.Read(ctx, opts)
	if err != nil {
		return nil, err
	}
	return ralph.LinesFromRecords(records, opts.IgnoreErrors, b.logger), nil
}

// Write posts the source's records to the statements endpoint in
// chunks and returns the count of accepted statements. Concurrency
// above one fans the chunks out over that many parallel requests.
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
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	records := src.Records(opts.IgnoreErrors, b.logger)
	defer func() { _ = records.Close() }()

	var written atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)

	for {
		chunk, err := records.NextChunk(chunkSize)
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = group.Wait()
			return written.Load(), err
		}
		if groupCtx.Err() != nil {
			break
		}

		group.Go(func() error {
			count, err := b.postChunk(groupCtx, chunk)
			written.Add(count)
			if err != nil {
				if !opts.IgnoreErrors {
					return err
				}
				b.logger.Error("skipping failed statements batch", slog.Any("error", err))
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return written.Load(), err
	}
	b.logger.Info("finished writing statements", slog.Int64("count", written.Load()))
	return written.Load(), nil
}

// postChunk sends one batch of statements. The whole batch counts only
// when the server accepts it.
func (b *Backend) postChunk(ctx context.Context, chunk []ralph.Record) (int64, error) {
	body, err := json.Marshal(chunk)
	if err != nil {
		return 0, fmt.Errorf("%w: encoding statements: %w", ralph.ErrBackend, err)
	}

	req, err := b.newRequest(ctx, http.MethodPost, b.config.BaseURL+b.config.StatementsPath, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	resp, err := b.connect().Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: posting statements: %w", ralph.ErrBackend, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return 0, fmt.Errorf("%w: posting statements: unexpected status %s", ralph.ErrBackend, resp.Status)
	}
	return int64(len(chunk)), nil
}

// Capabilities describes the write operations of the backend. The
// statements API only accepts new statements.
func (b *Backend) Capabilities() ralph.Capabilities {
	return ralph.Capabilities{
		Default: ralph.OpCreate,
		Unsupported: []ralph.Operation{
			ralph.OpAppend,
			ralph.OpUpdate,
			ralph.OpDelete,
		},
	}
}

// Close drops the HTTP client. The backend rebuilds it on the next
// operation.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		b.logger.Warn("no client to close")
		return nil
	}
	b.client.CloseIdleConnections()
	b.client = nil
	return nil
}

// newStatementReader resolves the read options into a cursor over the
// paged statements resource.
func (b *Backend) newStatementReader(ctx context.Context, opts ralph.ReadOptions) (*statementReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var query lrs.StatementsQuery
	if err := opts.Query.Decode(&query); err != nil {
		return nil, err
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = b.config.ChunkSize
	}
	if query.Limit > 0 && query.Limit != chunkSize {
		b.logger.Info("the query limit is overridden by the chunk size",
			slog.Int("limit", query.Limit), slog.Int("chunk_size", chunkSize))
	}
	query.Limit = chunkSize

	values, err := statementValues(query)
	if err != nil {
		return nil, err
	}
	return &statementReader{
		ctx:     ctx,
		backend: b,
		next:    b.config.StatementsPath + "?" + values.Encode(),
	}, nil
}

// statementValues maps a statements query onto the request parameters
// of the xAPI statements resource.
func statementValues(query lrs.StatementsQuery) (url.Values, error) {
	values := url.Values{}
	if query.StatementID != "" {
		values.Set("statementId", query.StatementID)
	}
	if query.VoidedStatementID != "" {
		values.Set("voidedStatementId", query.VoidedStatementID)
	}
	agent, err := agentJSON(query.Agent)
	if err != nil {
		return nil, err
	}
	if agent != "" {
		values.Set("agent", agent)
	}
	if query.Verb != "" {
		values.Set("verb", query.Verb)
	}
	if query.Activity != "" {
		values.Set("activity", query.Activity)
	}
	if query.Registration != "" {
		values.Set("registration", query.Registration)
	}
	if query.RelatedActivities {
		values.Set("related_activities", "true")
	}
	if query.RelatedAgents {
		values.Set("related_agents", "true")
	}
	if query.Since != "" {
		values.Set("since", query.Since)
	}
	if query.Until != "" {
		values.Set("until", query.Until)
	}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Ascending {
		values.Set("ascending", "true")
	}
	return values, nil
}

// agentJSON encodes an agent filter as the xAPI agent object the
// statements resource expects. A partial account encodes nothing.
func agentJSON(agent lrs.AgentParams) (string, error) {
	object := map[string]any{}
	switch {
	case agent.Mbox != "":
		object["mbox"] = agent.Mbox
	case agent.MboxSHA1Sum != "":
		object["mbox_sha1sum"] = agent.MboxSHA1Sum
	case agent.OpenID != "":
		object["openid"] = agent.OpenID
	case agent.AccountName != "" && agent.AccountHomePage != "":
		object["account"] = map[string]string{
			"name":     agent.AccountName,
			"homePage": agent.AccountHomePage,
		}
	default:
		return "", nil
	}
	data, err := json.Marshal(object)
	if err != nil {
		return "", fmt.Errorf("%w: encoding agent: %w", ralph.ErrParameter, err)
	}
	return string(data), nil
}

// statementsPage is the body of one statements resource response.
type statementsPage struct {
	Statements []ralph.Record `json:"statements"`
	More       string         `json:"more"`
}

// statementReader follows the continuation links of the statements
// resource, yielding one statement at a time.
type statementReader struct {
	ctx     context.Context
	backend *Backend

	next string
	page []ralph.Record
	pos  int
	done bool
}

func (r *statementReader) nextRecord() (ralph.Record, error) {
	for {
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}
		if r.pos < len(r.page) {
			record := r.page[r.pos]
			r.pos++
			return record, nil
		}
		if r.done {
			return nil, io.EOF
		}
		if err := r.fetch(); err != nil {
			return nil, err
		}
	}
}

// fetch requests the next page and queues its statements. The server
// signals the last page by omitting the continuation link.
func (r *statementReader) fetch() error {
	b := r.backend
	req, err := b.newRequest(r.ctx, http.MethodGet, b.config.BaseURL+r.next, nil)
	if err != nil {
		return err
	}
	resp, err := b.connect().Do(req)
	if err != nil {
		return fmt.Errorf("%w: fetching statements: %w", ralph.ErrBackend, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: fetching statements: unexpected status %s", ralph.ErrBackend, resp.Status)
	}

	var page statementsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return fmt.Errorf("%w: decoding statements response: %w", ralph.ErrBackend, err)
	}

	r.page = page.Statements
	r.pos = 0
	if page.More == "" {
		r.done = true
	} else {
		r.next = page.More
	}
	return nil
}

// Ensure Backend implements the extended interfaces.
var _ ralph.Writable = (*Backend)(nil)
