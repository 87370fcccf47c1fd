package ralph

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/grokify/mogo/log/slogutil"
)

// maxLineSize caps the length of a single NDJSON line when parsing raw
// byte input. Statements with inline attachments can get large.
const maxLineSize = 1024 * 1024

// ByteStream is a lazy stream of raw byte chunks. Document backends
// yield one newline-terminated JSON line per chunk; file and object
// backends yield fixed-size blocks. Next returns io.EOF when the
// stream is exhausted; any other error is sticky and terminates the
// stream. ByteStream is safe for concurrent use, though chunks are
// ordered and callers usually consume sequentially.
type ByteStream struct {
	mu     sync.Mutex
	next   func() ([]byte, error)
	close  func() error
	err    error
	closed bool
}

// NewByteStream builds a stream from a next function and an optional
// close function. next must return io.EOF after the last chunk.
func NewByteStream(next func() ([]byte, error), close func() error) *ByteStream {
	return &ByteStream{next: next, close: close}
}

// ByteStreamOf returns a static stream over the given chunks.
func ByteStreamOf(lines ...[]byte) *ByteStream {
	i := 0
	return NewByteStream(func() ([]byte, error) {
		if i >= len(lines) {
			return nil, io.EOF
		}
		line := lines[i]
		i++
		return line, nil
	}, nil)
}

// Next returns the next chunk. It returns io.EOF once the stream is
// exhausted and ErrReaderClosed after Close.
func (s *ByteStream) Next() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

func (s *ByteStream) nextLocked() ([]byte, error) {
	if s.closed {
		return nil, ErrReaderClosed
	}
	if s.err != nil {
		return nil, s.err
	}
	line, err := s.next()
	if err != nil {
		s.err = err
		return nil, err
	}
	return line, nil
}

// NextChunk returns up to n chunks. At the end of the stream it
// returns what remains with a nil error, and (nil, io.EOF) once
// nothing is left. A mid-stream failure returns the chunks gathered so
// far together with the error.
func (s *ByteStream) NextChunk(n int) ([][]byte, error) {
	if n <= 0 {
		n = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var chunk [][]byte
	for len(chunk) < n {
		line, err := s.nextLocked()
		if err == io.EOF {
			if len(chunk) == 0 {
				return nil, io.EOF
			}
			return chunk, nil
		}
		if err != nil {
			return chunk, err
		}
		chunk = append(chunk, line)
	}
	return chunk, nil
}

// Take caps the stream at n chunks. The returned stream shares Close
// with s. Non-positive n returns s unchanged.
func (s *ByteStream) Take(n int64) *ByteStream {
	if n <= 0 {
		return s
	}
	var seen int64
	return NewByteStream(func() ([]byte, error) {
		if seen >= n {
			return nil, io.EOF
		}
		line, err := s.Next()
		if err != nil {
			return nil, err
		}
		seen++
		return line, nil
	}, s.Close)
}

// Collect drains the stream into a slice and closes it. On a
// mid-stream failure it returns the chunks read so far together with
// the error.
func (s *ByteStream) Collect() ([][]byte, error) {
	defer func() { _ = s.Close() }()
	var lines [][]byte
	for {
		line, err := s.Next()
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}
}

// Reader adapts the stream to an io.Reader over the concatenated
// chunk bytes. Closing the reader closes the stream.
func (s *ByteStream) Reader() io.ReadCloser {
	return &byteStreamReader{stream: s}
}

// Close releases the stream's underlying resources. It is idempotent.
func (s *ByteStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.close != nil {
		return s.close()
	}
	return nil
}

type byteStreamReader struct {
	stream *ByteStream
	rest   []byte
}

func (r *byteStreamReader) Read(p []byte) (int, error) {
	for len(r.rest) == 0 {
		line, err := r.stream.Next()
		if err != nil {
			return 0, err
		}
		r.rest = line
	}
	n := copy(p, r.rest)
	r.rest = r.rest[n:]
	return n, nil
}

func (r *byteStreamReader) Close() error {
	return r.stream.Close()
}

// RecordStream is a lazy stream of parsed records with the same
// termination contract as ByteStream. Peek makes the next record
// observable without consuming it, which the write path uses to detect
// empty input losslessly.
type RecordStream struct {
	mu      sync.Mutex
	next    func() (Record, error)
	close   func() error
	peeked  Record
	hasPeek bool
	err     error
	closed  bool
}

// NewRecordStream builds a stream from a next function and an optional
// close function. next must return io.EOF after the last record.
func NewRecordStream(next func() (Record, error), close func() error) *RecordStream {
	return &RecordStream{next: next, close: close}
}

// RecordStreamOf returns a static stream over the given records.
func RecordStreamOf(records ...Record) *RecordStream {
	i := 0
	return NewRecordStream(func() (Record, error) {
		if i >= len(records) {
			return nil, io.EOF
		}
		r := records[i]
		i++
		return r, nil
	}, nil)
}

// Next returns the next record. It returns io.EOF once the stream is
// exhausted and ErrReaderClosed after Close.
func (s *RecordStream) Next() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasPeek {
		r := s.peeked
		s.peeked, s.hasPeek = nil, false
		return r, nil
	}
	return s.nextLocked()
}

func (s *RecordStream) nextLocked() (Record, error) {
	if s.closed {
		return nil, ErrReaderClosed
	}
	if s.err != nil {
		return nil, s.err
	}
	r, err := s.next()
	if err != nil {
		s.err = err
		return nil, err
	}
	return r, nil
}

// Peek returns the next record without consuming it. A subsequent Next
// returns the same record.
func (s *RecordStream) Peek() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasPeek {
		return s.peeked, nil
	}
	r, err := s.nextLocked()
	if err != nil {
		return nil, err
	}
	s.peeked, s.hasPeek = r, true
	return r, nil
}

// NextChunk returns up to n records, with the same end-of-stream and
// failure contract as ByteStream.NextChunk.
func (s *RecordStream) NextChunk(n int) ([]Record, error) {
	if n <= 0 {
		n = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var chunk []Record
	for len(chunk) < n {
		if s.hasPeek {
			chunk = append(chunk, s.peeked)
			s.peeked, s.hasPeek = nil, false
			continue
		}
		r, err := s.nextLocked()
		if err == io.EOF {
			if len(chunk) == 0 {
				return nil, io.EOF
			}
			return chunk, nil
		}
		if err != nil {
			return chunk, err
		}
		chunk = append(chunk, r)
	}
	return chunk, nil
}

// Take caps the stream at n records. The returned stream shares Close
// with s. Non-positive n returns s unchanged.
func (s *RecordStream) Take(n int64) *RecordStream {
	if n <= 0 {
		return s
	}
	var seen int64
	return NewRecordStream(func() (Record, error) {
		if seen >= n {
			return nil, io.EOF
		}
		r, err := s.Next()
		if err != nil {
			return nil, err
		}
		seen++
		return r, nil
	}, s.Close)
}

// Collect drains the stream into a slice and closes it.
func (s *RecordStream) Collect() ([]Record, error) {
	defer func() { _ = s.Close() }()
	var records []Record
	for {
		r, err := s.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, r)
	}
}

// Close releases the stream's underlying resources. It is idempotent.
func (s *RecordStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.close != nil {
		return s.close()
	}
	return nil
}

// RecordsFromNDJSON parses newline-delimited JSON from r into a record
// stream. Blank lines are skipped. A line that fails to parse is logged
// and skipped when ignoreErrors is true; otherwise it fails the stream
// with an error wrapping ErrBackend. Closing the stream closes r when
// it implements io.Closer.
func RecordsFromNDJSON(r io.Reader, ignoreErrors bool, logger *slog.Logger) *RecordStream {
	if logger == nil {
		logger = slogutil.Null()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	next := func() (Record, error) {
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				if ignoreErrors {
					logger.Warn("skipping malformed record", slog.Any("error", err))
					continue
				}
				return nil, fmt.Errorf("%w: parsing record: %w", ErrBackend, err)
			}
			return rec, nil
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("%w: reading records: %w", ErrBackend, err)
		}
		return nil, io.EOF
	}

	closeFn := func() error {
		if c, ok := r.(io.Closer); ok {
			return c.Close()
		}
		return nil
	}
	return NewRecordStream(next, closeFn)
}

// LinesFromRecords encodes each record of s as one JSON line with a
// trailing newline. A record that fails to encode is logged and skipped
// when ignoreErrors is true; otherwise it fails the stream with an
// error wrapping ErrBackend. The returned stream shares Close with s.
func LinesFromRecords(s *RecordStream, ignoreErrors bool, logger *slog.Logger) *ByteStream {
	if logger == nil {
		logger = slogutil.Null()
	}
	next := func() ([]byte, error) {
		for {
			r, err := s.Next()
			if err != nil {
				return nil, err
			}
			line, err := json.Marshal(r)
			if err != nil {
				if ignoreErrors {
					logger.Warn("skipping unencodable record", slog.Any("error", err))
					continue
				}
				return nil, fmt.Errorf("%w: encoding record: %w", ErrBackend, err)
			}
			return append(line, '\n'), nil
		}
	}
	return NewByteStream(next, s.Close)
}
