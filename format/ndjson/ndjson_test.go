package ndjson

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/grokify/ralph"
)

// testWriteCloser wraps a bytes.Buffer with a Close method.
type testWriteCloser struct {
	*bytes.Buffer
	closed bool
}

func newTestWriteCloser() *testWriteCloser {
	return &testWriteCloser{Buffer: new(bytes.Buffer)}
}

func (t *testWriteCloser) Close() error {
	t.closed = true
	return nil
}

// testReadCloser wraps a bytes.Reader with a Close method.
type testReadCloser struct {
	*bytes.Reader
	closed bool
}

func newTestReadCloser(data []byte) *testReadCloser {
	return &testReadCloser{Reader: bytes.NewReader(data)}
}

func (t *testReadCloser) Close() error {
	t.closed = true
	return nil
}

func TestWriterBasic(t *testing.T) {
	buf := newTestWriteCloser()
	w := NewWriter(buf)

	records := []string{
		`{"id":"s1","verb":"completed"}`,
		`{"id":"s2","verb":"attempted"}`,
		`{"id":"s3","verb":"passed"}`,
	}

	for _, record := range records {
		if err := w.Write([]byte(record)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	expected := `{"id":"s1","verb":"completed"}
{"id":"s2","verb":"attempted"}
{"id":"s3","verb":"passed"}
`
	if buf.String() != expected {
		t.Errorf("Written content = %q, want %q", buf.String(), expected)
	}

	if !buf.closed {
		t.Error("Underlying writer should be closed")
	}
}

func TestWriterFlush(t *testing.T) {
	buf := newTestWriteCloser()
	w := NewWriter(buf)

	if err := w.Write([]byte(`{"test":true}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// Data should be in buffer after flush
	if buf.Len() == 0 {
		t.Error("Buffer should have data after flush")
	}

	_ = w.Close()
}

func TestWriterClosed(t *testing.T) {
	buf := newTestWriteCloser()
	w := NewWriter(buf)

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Write after close should fail
	err := w.Write([]byte(`{"test":true}`))
	if err != ralph.ErrWriterClosed {
		t.Errorf("Write after Close: error = %v, want %v", err, ralph.ErrWriterClosed)
	}

	// Flush after close should fail
	err = w.Flush()
	if err != ralph.ErrWriterClosed {
		t.Errorf("Flush after Close: error = %v, want %v", err, ralph.ErrWriterClosed)
	}
}

func TestWriterWriteJSON(t *testing.T) {
	buf := newTestWriteCloser()
	w := NewWriter(buf)

	// WriteJSON should trim trailing whitespace
	if err := w.WriteJSON([]byte(`{"test":true}  `)); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	if err := w.WriteJSON([]byte(`{"test":false}` + "\n")); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	expected := `{"test":true}
{"test":false}
`
	if buf.String() != expected {
		t.Errorf("Written content = %q, want %q", buf.String(), expected)
	}
}

func TestWriterWriteRecord(t *testing.T) {
	buf := newTestWriteCloser()
	w := NewWriter(buf)

	if err := w.WriteRecord(ralph.Record{"id": "s1"}); err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	expected := `{"id":"s1"}
`
	if buf.String() != expected {
		t.Errorf("Written content = %q, want %q", buf.String(), expected)
	}
}

func TestReaderBasic(t *testing.T) {
	data := []byte(`{"id":"s1","verb":"completed"}
{"id":"s2","verb":"attempted"}
{"id":"s3","verb":"passed"}
`)
	buf := newTestReadCloser(data)
	r := NewReader(buf)

	expected := []string{
		`{"id":"s1","verb":"completed"}`,
		`{"id":"s2","verb":"attempted"}`,
		`{"id":"s3","verb":"passed"}`,
	}

	for i, exp := range expected {
		record, err := r.Read()
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if string(record) != exp {
			t.Errorf("Read %d = %q, want %q", i, string(record), exp)
		}
	}

	// Should return EOF after all records
	_, err := r.Read()
	if err != io.EOF {
		t.Errorf("Expected EOF, got: %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if !buf.closed {
		t.Error("Underlying reader should be closed")
	}
}

func TestReaderSkipsEmptyLines(t *testing.T) {
	data := []byte(`{"first":1}

{"second":2}

{"third":3}
`)
	buf := newTestReadCloser(data)
	r := NewReader(buf)

	expected := []string{
		`{"first":1}`,
		`{"second":2}`,
		`{"third":3}`,
	}

	for i, exp := range expected {
		record, err := r.Read()
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if string(record) != exp {
			t.Errorf("Read %d = %q, want %q", i, string(record), exp)
		}
	}

	_, err := r.Read()
	if err != io.EOF {
		t.Errorf("Expected EOF, got: %v", err)
	}

	_ = r.Close()
}

func TestReaderClosed(t *testing.T) {
	data := []byte(`{"test":true}`)
	buf := newTestReadCloser(data)
	r := NewReader(buf)

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Read after close should fail
	_, err := r.Read()
	if err != ralph.ErrReaderClosed {
		t.Errorf("Read after Close: error = %v, want %v", err, ralph.ErrReaderClosed)
	}
}

func TestReaderEmpty(t *testing.T) {
	data := []byte(``)
	buf := newTestReadCloser(data)
	r := NewReader(buf)

	_, err := r.Read()
	if err != io.EOF {
		t.Errorf("Expected EOF for empty input, got: %v", err)
	}

	_ = r.Close()
}

func TestReaderOnlyEmptyLines(t *testing.T) {
	data := []byte(`



`)
	buf := newTestReadCloser(data)
	r := NewReader(buf)

	_, err := r.Read()
	if err != io.EOF {
		t.Errorf("Expected EOF for only empty lines, got: %v", err)
	}

	_ = r.Close()
}

func TestRoundTrip(t *testing.T) {
	records := []string{
		`{"id":"s1","actor":"alice"}`,
		`{"id":"s2","actor":"bob"}`,
		`{"id":"s3","actor":"charlie"}`,
	}

	// Write records
	writeBuf := newTestWriteCloser()
	w := NewWriter(writeBuf)
	for _, record := range records {
		if err := w.Write([]byte(record)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close writer failed: %v", err)
	}

	// Read records back
	readBuf := newTestReadCloser(writeBuf.Bytes())
	r := NewReader(readBuf)

	var readRecords []string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		readRecords = append(readRecords, string(record))
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close reader failed: %v", err)
	}

	// Verify
	if len(readRecords) != len(records) {
		t.Fatalf("Read %d records, want %d", len(readRecords), len(records))
	}

	for i, record := range records {
		if readRecords[i] != record {
			t.Errorf("Record %d = %q, want %q", i, readRecords[i], record)
		}
	}
}

func TestWriterSize(t *testing.T) {
	buf := newTestWriteCloser()
	w := NewWriterSize(buf, 1024)

	if err := w.Write([]byte(`{"test":true}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	expected := `{"test":true}
`
	if buf.String() != expected {
		t.Errorf("Written content = %q, want %q", buf.String(), expected)
	}
}

func TestReaderSize(t *testing.T) {
	data := []byte(`{"test":true}
`)
	buf := newTestReadCloser(data)
	r := NewReaderSize(buf, 1024)

	record, err := r.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(record) != `{"test":true}` {
		t.Errorf("Read = %q, want %q", string(record), `{"test":true}`)
	}

	_ = r.Close()
}

func TestReaderRecordCopy(t *testing.T) {
	data := []byte(`{"first":1}
{"second":2}
`)
	buf := newTestReadCloser(data)
	r := NewReader(buf)

	// Read first record
	record1, err := r.Read()
	if err != nil {
		t.Fatalf("Read 1 failed: %v", err)
	}

	// Store original value
	original := string(record1)

	// Read second record (this would overwrite if not copied)
	_, err = r.Read()
	if err != nil {
		t.Fatalf("Read 2 failed: %v", err)
	}

	// First record should still be valid
	if string(record1) != original {
		t.Errorf("First record modified after second read: %q, want %q", string(record1), original)
	}

	_ = r.Close()
}

func TestCountingReader(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{name: "empty", input: "", want: 0},
		{name: "single line", input: "{\"id\":\"a\"}\n", want: 1},
		{name: "three lines", input: "{\"a\":1}\n{\"b\":2}\n{\"c\":3}\n", want: 3},
		{name: "trailing partial line", input: "{\"a\":1}\n{\"b\":2}", want: 2},
		{name: "no newline at all", input: "{\"a\":1}", want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCountingReader(strings.NewReader(tt.input))
			if _, err := io.Copy(io.Discard, c); err != nil {
				t.Fatalf("Copy failed: %v", err)
			}
			if got := c.Lines(); got != tt.want {
				t.Errorf("Lines() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCountingReaderSmallBuffer(t *testing.T) {
	// Line counting is stable across arbitrary read boundaries.
	c := NewCountingReader(strings.NewReader("{\"a\":1}\n{\"b\":2}\n"))
	buf := make([]byte, 3)
	for {
		_, err := c.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
	}
	if got := c.Lines(); got != 2 {
		t.Errorf("Lines() = %d, want 2", got)
	}
}
