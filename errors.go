package ralph

import "errors"

// Sentinel errors returned by backends. Backend implementations wrap
// these with fmt.Errorf and %w so callers can match with errors.Is while
// still seeing the underlying cause.
var (
	// ErrParameter indicates an invalid argument: a malformed query,
	// an unusable target or an operation the backend does not support.
	// No remote call has been made when ErrParameter is returned.
	ErrParameter = errors.New("ralph: invalid parameter")

	// ErrBackend indicates a failure in the backend itself or on the
	// way to it: connection errors, refused writes, malformed data
	// when IgnoreErrors is off.
	ErrBackend = errors.New("ralph: backend failure")

	// ErrNotFound is returned when the requested object, archive or
	// index does not exist.
	ErrNotFound = errors.New("ralph: not found")

	// ErrAlreadyExists is returned by create-style writes when the
	// target already holds data that would be overwritten.
	ErrAlreadyExists = errors.New("ralph: already exists")

	// ErrUnknownBackend is returned by Open when no backend is
	// registered under the requested name.
	ErrUnknownBackend = errors.New("ralph: unknown backend")

	// ErrReaderClosed is returned when reading from a closed stream.
	ErrReaderClosed = errors.New("ralph: reader is closed")

	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("ralph: writer is closed")
)

// IsParameter returns true if the error indicates an invalid argument.
func IsParameter(err error) bool {
	return errors.Is(err, ErrParameter)
}

// IsBackendFailure returns true if the error indicates a backend or
// connection failure.
func IsBackendFailure(err error) bool {
	return errors.Is(err, ErrBackend)
}

// IsNotFound returns true if the error indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
