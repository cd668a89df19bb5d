// Package mirror forwards appended records to a live downstream consumer in
// addition to the session log. The session log stays the source of truth;
// a mirror failure never drops a record from the log.
package mirror

import "context"

// Record is one appended record as seen by a mirror.
type Record struct {
	// ReceivedAt is the timestamp written to the session log, in unix milliseconds.
	ReceivedAt int64
	// Payload is the raw record text.
	Payload string
	// Remote is the client address the record came from.
	Remote string
	// ConnID is the server-assigned connection ID.
	ConnID uint32
}

// Sink receives records after they were appended to the session log.
type Sink interface {
	// Publish forwards one record. Implementations must be safe for
	// concurrent use; handlers for different connections call it in parallel.
	//
	// Parameters:
	//   - ctx: Bounds the publish call
	//   - rec: The record to forward
	//
	// Returns:
	//   - An error if the record could not be forwarded
	Publish(ctx context.Context, rec Record) error

	// Close releases the sink's resources.
	Close() error
}
