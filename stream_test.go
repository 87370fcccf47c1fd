package ralph

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

func TestByteStreamNext(t *testing.T) {
	s := ByteStreamOf([]byte("a"), []byte("b"), []byte("c"))

	var got []string
	for {
		line, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		got = append(got, string(line))
	}

	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Next() lines = %v, want %v", got, want)
	}

	// EOF is sticky.
	if _, err := s.Next(); err != io.EOF {
		t.Errorf("Next() after EOF = %v, want io.EOF", err)
	}
}

func TestByteStreamNextChunk(t *testing.T) {
	s := ByteStreamOf([]byte("1"), []byte("2"), []byte("3"), []byte("4"), []byte("5"))

	var sizes []int
	for {
		chunk, err := s.NextChunk(2)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextChunk() error = %v", err)
		}
		sizes = append(sizes, len(chunk))
	}

	want := []int{2, 2, 1}
	if !reflect.DeepEqual(sizes, want) {
		t.Errorf("NextChunk() sizes = %v, want %v", sizes, want)
	}
}

func TestByteStreamNextChunkPartialOnError(t *testing.T) {
	fail := errors.New("boom")
	calls := 0
	s := NewByteStream(func() ([]byte, error) {
		calls++
		if calls == 1 {
			return []byte("ok"), nil
		}
		return nil, fail
	}, nil)

	chunk, err := s.NextChunk(3)
	if !errors.Is(err, fail) {
		t.Fatalf("NextChunk() error = %v, want %v", err, fail)
	}
	if len(chunk) != 1 || string(chunk[0]) != "ok" {
		t.Errorf("NextChunk() partial = %v, want [ok]", chunk)
	}

	// The failure is sticky.
	if _, err := s.Next(); !errors.Is(err, fail) {
		t.Errorf("Next() after failure = %v, want %v", err, fail)
	}
}

func TestByteStreamTake(t *testing.T) {
	s := ByteStreamOf([]byte("a"), []byte("b"), []byte("c")).Take(2)

	lines, err := s.Collect()
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(lines) != 2 {
		t.Errorf("Collect() after Take(2) = %d lines, want 2", len(lines))
	}
}

func TestByteStreamTakeNonPositive(t *testing.T) {
	s := ByteStreamOf([]byte("a"))
	if s.Take(0) != s {
		t.Error("Take(0) should return the stream unchanged")
	}
	if s.Take(-1) != s {
		t.Error("Take(-1) should return the stream unchanged")
	}
}

func TestByteStreamClose(t *testing.T) {
	closeCalls := 0
	s := NewByteStream(func() ([]byte, error) {
		return []byte("x"), nil
	}, func() error {
		closeCalls++
		return nil
	})

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if closeCalls != 1 {
		t.Errorf("close function called %d times, want 1", closeCalls)
	}

	if _, err := s.Next(); !errors.Is(err, ErrReaderClosed) {
		t.Errorf("Next() after Close = %v, want %v", err, ErrReaderClosed)
	}
}

func TestByteStreamReader(t *testing.T) {
	s := ByteStreamOf([]byte("hello "), []byte("world\n"))

	r := s.Reader()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != "hello world\n" {
		t.Errorf("Reader() content = %q, want %q", data, "hello world\n")
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := s.Next(); !errors.Is(err, ErrReaderClosed) {
		t.Errorf("Next() after reader Close = %v, want %v", err, ErrReaderClosed)
	}
}

func TestRecordStreamPeek(t *testing.T) {
	s := RecordStreamOf(Record{"n": 1.0}, Record{"n": 2.0})

	peeked, err := s.Peek()
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if peeked["n"] != 1.0 {
		t.Errorf("Peek() = %v, want n=1", peeked)
	}

	// Peek is lossless: the full stream is still there.
	records, err := s.Collect()
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(records) != 2 {
		t.Errorf("Collect() after Peek = %d records, want 2", len(records))
	}
}

func TestRecordStreamPeekEmpty(t *testing.T) {
	s := RecordStreamOf()
	if _, err := s.Peek(); err != io.EOF {
		t.Errorf("Peek() on empty stream = %v, want io.EOF", err)
	}
}

func TestRecordStreamNextChunk(t *testing.T) {
	s := RecordStreamOf(
		Record{"n": 1.0},
		Record{"n": 2.0},
		Record{"n": 3.0},
	)

	// A pending peek is included in the next chunk.
	if _, err := s.Peek(); err != nil {
		t.Fatalf("Peek() error = %v", err)
	}

	chunk, err := s.NextChunk(2)
	if err != nil {
		t.Fatalf("NextChunk() error = %v", err)
	}
	if len(chunk) != 2 || chunk[0]["n"] != 1.0 || chunk[1]["n"] != 2.0 {
		t.Errorf("NextChunk() = %v, want records 1 and 2", chunk)
	}

	chunk, err = s.NextChunk(2)
	if err != nil {
		t.Fatalf("NextChunk() error = %v", err)
	}
	if len(chunk) != 1 || chunk[0]["n"] != 3.0 {
		t.Errorf("NextChunk() = %v, want record 3", chunk)
	}

	if _, err := s.NextChunk(2); err != io.EOF {
		t.Errorf("NextChunk() after exhaustion = %v, want io.EOF", err)
	}
}

func TestRecordStreamTake(t *testing.T) {
	s := RecordStreamOf(Record{"n": 1.0}, Record{"n": 2.0}, Record{"n": 3.0}).Take(2)

	records, err := s.Collect()
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(records) != 2 {
		t.Errorf("Collect() after Take(2) = %d records, want 2", len(records))
	}
}

func TestRecordsFromNDJSON(t *testing.T) {
	input := "{\"id\":\"a\"}\n\n{\"id\":\"b\"}\n{\"id\":\"c\"}\n"

	s := RecordsFromNDJSON(strings.NewReader(input), false, nil)
	records, err := s.Collect()
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	want := []Record{{"id": "a"}, {"id": "b"}, {"id": "c"}}
	if !reflect.DeepEqual(records, want) {
		t.Errorf("Collect() = %v, want %v", records, want)
	}
}

func TestRecordsFromNDJSONIgnoreErrors(t *testing.T) {
	input := "{\"id\":\"a\"}\nnot json\n{\"id\":\"b\"}\n"

	s := RecordsFromNDJSON(strings.NewReader(input), true, nil)
	records, err := s.Collect()
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Collect() = %d records, want 2", len(records))
	}
	if records[0]["id"] != "a" || records[1]["id"] != "b" {
		t.Errorf("Collect() = %v, want records a and b", records)
	}
}

func TestRecordsFromNDJSONStopsOnMalformed(t *testing.T) {
	input := "{\"id\":\"a\"}\nnot json\n{\"id\":\"b\"}\n"

	s := RecordsFromNDJSON(strings.NewReader(input), false, nil)

	first, err := s.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if first["id"] != "a" {
		t.Errorf("Next() = %v, want id=a", first)
	}

	if _, err := s.Next(); !IsBackendFailure(err) {
		t.Fatalf("Next() on malformed line = %v, want backend failure", err)
	}

	// Nothing is yielded after the failure.
	if _, err := s.Next(); !IsBackendFailure(err) {
		t.Errorf("Next() after failure = %v, want backend failure", err)
	}
}

func TestLinesFromRecords(t *testing.T) {
	s := LinesFromRecords(RecordStreamOf(Record{"id": "a"}, Record{"id": "b"}), false, nil)

	lines, err := s.Collect()
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("Collect() = %d lines, want 2", len(lines))
	}
	for i, line := range lines {
		if line[len(line)-1] != '\n' {
			t.Errorf("line %d = %q, want trailing newline", i, line)
		}
	}
	if string(lines[0]) != "{\"id\":\"a\"}\n" {
		t.Errorf("line 0 = %q, want %q", lines[0], "{\"id\":\"a\"}\n")
	}
}

func TestStreamRoundTrip(t *testing.T) {
	original := Record{"id": "s1", "verb": Record{"id": "http://example.com/did"}, "score": 0.75}

	lines := LinesFromRecords(RecordStreamOf(original), false, nil)
	parsed := RecordsFromNDJSON(lines.Reader(), false, nil)

	records, err := parsed.Collect()
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Collect() = %d records, want 1", len(records))
	}

	got := records[0]
	if got["id"] != "s1" || got["score"] != 0.75 {
		t.Errorf("round trip = %v, want %v", got, original)
	}
	verb, ok := got["verb"].(map[string]any)
	if !ok || verb["id"] != "http://example.com/did" {
		t.Errorf("round trip verb = %v, want nested object", got["verb"])
	}
}
