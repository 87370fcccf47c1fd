package ralph

import (
	"bufio"
	"io"
	"log/slog"
)

// Source is the input to Writable.Write: either raw bytes holding
// newline-delimited JSON, or a stream of parsed records. The variant is
// fixed at construction, so byte and record data can never mix within
// one write.
//
// The zero Source is empty and writes nothing.
type Source struct {
	br *bufio.Reader
	rs *RecordStream
}

// NewBytesSource wraps a reader of newline-delimited JSON bytes.
func NewBytesSource(r io.Reader) Source {
	if r == nil {
		return Source{}
	}
	return Source{br: bufio.NewReader(r)}
}

// NewRecordsSource builds a source over parsed records.
func NewRecordsSource(records ...Record) Source {
	return Source{rs: RecordStreamOf(records...)}
}

// NewRecordStreamSource wraps an existing record stream.
func NewRecordStreamSource(s *RecordStream) Source {
	if s == nil {
		return Source{}
	}
	return Source{rs: s}
}

// IsBytes returns true for the raw byte variant.
func (s Source) IsBytes() bool {
	return s.br != nil
}

// Empty reports whether the source holds no data, without consuming
// anything. Write implementations call this before touching the remote
// so that empty input results in zero work.
func (s Source) Empty() (bool, error) {
	switch {
	case s.br != nil:
		if _, err := s.br.Peek(1); err == io.EOF {
			return true, nil
		} else if err != nil {
			return false, err
		}
		return false, nil
	case s.rs != nil:
		if _, err := s.rs.Peek(); err == io.EOF {
			return true, nil
		} else if err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Raw returns the verbatim byte view of the source. Raw byte input
// passes through untouched; records are encoded as JSON lines on the
// fly, honoring ignoreErrors for records that fail to encode.
func (s Source) Raw(ignoreErrors bool, logger *slog.Logger) io.Reader {
	switch {
	case s.br != nil:
		return s.br
	case s.rs != nil:
		return LinesFromRecords(s.rs, ignoreErrors, logger).Reader()
	}
	return emptyReader{}
}

// Records returns the parsed record view of the source. For the byte
// variant the lines are parsed as JSON on the fly, honoring
// ignoreErrors the same way Backend.Read does.
func (s Source) Records(ignoreErrors bool, logger *slog.Logger) *RecordStream {
	switch {
	case s.br != nil:
		return RecordsFromNDJSON(s.br, ignoreErrors, logger)
	case s.rs != nil:
		return s.rs
	}
	return RecordStreamOf()
}

// Close releases the underlying stream, if any.
func (s Source) Close() error {
	if s.rs != nil {
		return s.rs.Close()
	}
	return nil
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
