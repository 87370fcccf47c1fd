package ndjson

import "io"

// CountingReader wraps a reader of NDJSON bytes and counts complete
// lines as they flow through. Object store backends wrap upload bodies
// with it to report how many records a raw write carried.
type CountingReader struct {
	r        io.Reader
	lines    int64
	dangling bool
}

// NewCountingReader wraps r.
func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{r: r}
}

// Read passes data through, counting newline delimiters.
func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	for _, b := range p[:n] {
		if b == '\n' {
			c.lines++
			c.dangling = false
		} else {
			c.dangling = true
		}
	}
	return n, err
}

// Lines returns the number of lines seen so far. A trailing line
// without a final newline counts as one line.
func (c *CountingReader) Lines() int64 {
	if c.dangling {
		return c.lines + 1
	}
	return c.lines
}
