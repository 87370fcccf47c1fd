package ralph

import "context"

// Transfer streams records from one backend into another, reading raw
// lines from src and writing them to dst. This is a client-side
// transfer: all data passes through the caller.
//
// It returns dst's write count. The read stream is closed before
// returning regardless of outcome.
func Transfer(ctx context.Context, src Backend, readOpts ReadOptions, dst Writable, writeOpts WriteOptions) (int64, error) {
	stream, err := src.ReadRaw(ctx, readOpts)
	if err != nil {
		return 0, err
	}
	body := stream.Reader()
	defer func() { _ = body.Close() }()

	return dst.Write(ctx, NewBytesSource(body), writeOpts)
}
