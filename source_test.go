package ralph

import (
	"io"
	"strings"
	"testing"
)

func TestSourceEmpty(t *testing.T) {
	tests := []struct {
		name  string
		src   Source
		empty bool
	}{
		{name: "zero source", src: Source{}, empty: true},
		{name: "empty bytes", src: NewBytesSource(strings.NewReader("")), empty: true},
		{name: "bytes", src: NewBytesSource(strings.NewReader("{\"id\":\"a\"}\n")), empty: false},
		{name: "no records", src: NewRecordsSource(), empty: true},
		{name: "records", src: NewRecordsSource(Record{"id": "a"}), empty: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			empty, err := tt.src.Empty()
			if err != nil {
				t.Fatalf("Empty() error = %v", err)
			}
			if empty != tt.empty {
				t.Errorf("Empty() = %v, want %v", empty, tt.empty)
			}
		})
	}
}

func TestSourceEmptyIsLossless(t *testing.T) {
	src := NewBytesSource(strings.NewReader("{\"id\":\"a\"}\n"))

	if empty, err := src.Empty(); err != nil || empty {
		t.Fatalf("Empty() = %v, %v, want false, nil", empty, err)
	}

	records, err := src.Records(false, nil).Collect()
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(records) != 1 || records[0]["id"] != "a" {
		t.Errorf("Records() after Empty() = %v, want the full record", records)
	}
}

func TestSourceEmptyIsLosslessForRecords(t *testing.T) {
	src := NewRecordsSource(Record{"id": "a"}, Record{"id": "b"})

	if empty, err := src.Empty(); err != nil || empty {
		t.Fatalf("Empty() = %v, %v, want false, nil", empty, err)
	}

	records, err := src.Records(false, nil).Collect()
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(records) != 2 {
		t.Errorf("Records() after Empty() = %d records, want 2", len(records))
	}
}

func TestSourceIsBytes(t *testing.T) {
	if !NewBytesSource(strings.NewReader("x")).IsBytes() {
		t.Error("IsBytes() on byte source = false, want true")
	}
	if NewRecordsSource(Record{}).IsBytes() {
		t.Error("IsBytes() on record source = true, want false")
	}
	if (Source{}).IsBytes() {
		t.Error("IsBytes() on zero source = true, want false")
	}
}

func TestSourceRawPassesBytesVerbatim(t *testing.T) {
	// Raw byte input is not reframed as lines: arbitrary bytes pass
	// through untouched.
	input := "foo"
	src := NewBytesSource(strings.NewReader(input))

	data, err := io.ReadAll(src.Raw(false, nil))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != input {
		t.Errorf("Raw() = %q, want %q", data, input)
	}
}

func TestSourceRawEncodesRecords(t *testing.T) {
	src := NewRecordsSource(Record{"id": "a"}, Record{"id": "b"})

	data, err := io.ReadAll(src.Raw(false, nil))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	want := "{\"id\":\"a\"}\n{\"id\":\"b\"}\n"
	if string(data) != want {
		t.Errorf("Raw() = %q, want %q", data, want)
	}
}

func TestSourceRecordsFromBytes(t *testing.T) {
	src := NewBytesSource(strings.NewReader("{\"id\":\"a\"}\nbad\n{\"id\":\"b\"}\n"))

	records, err := src.Records(true, nil).Collect()
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(records) != 2 {
		t.Errorf("Records() = %d records, want 2", len(records))
	}
}
