package unison

import (
	"errors"
	"fmt"
)

// Sentinel errors identifying the taxonomy from the error handling
// design: callers match against these with errors.Is, never by string
// comparison.
var (
	// ErrConnection covers connection establishment or teardown failure
	// and underlying UDP/QUIC failures.
	ErrConnection = errors.New("unison: connection error")

	// ErrProtocol covers malformed frames, unknown tags, missing
	// handshakes, out-of-range lengths, and unparseable messages.
	ErrProtocol = errors.New("unison: protocol error")

	// ErrSerialization covers payload encode/decode failure.
	ErrSerialization = errors.New("unison: serialization error")

	// ErrTimeout is returned when a request waits longer than its
	// configured budget.
	ErrTimeout = errors.New("unison: request timed out")

	// ErrNotConnected is returned for operations issued before Connect
	// or after Disconnect.
	ErrNotConnected = errors.New("unison: not connected")

	// ErrHandlerNotFound is returned when a server receives
	// __channel:<name> with no registered handler.
	ErrHandlerNotFound = errors.New("unison: no handler registered for channel")

	// ErrStreamClosed is returned for send/recv attempted on a closed
	// stream or channel.
	ErrStreamClosed = errors.New("unison: stream closed")

	// ErrChannelClosed is returned by channel operations after Close.
	ErrChannelClosed = errors.New("unison: channel closed")
)

// wrapf wraps a sentinel error with additional human-readable context,
// preserving errors.Is compatibility via %w.
func wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// RemoteError is returned by Channel.Request when the peer answers with
// a MessageError instead of a MessageResponse. Payload holds the error
// payload bytes exactly as the peer sent them; they are not decoded
// (reference shape: {"error": "..."} but the core does not enforce a
// structure).
type RemoteError struct {
	Method  string
	Payload []byte
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("unison: remote error from method %q: %s", e.Method, string(e.Payload))
}

func (e *RemoteError) Unwrap() error {
	return ErrProtocol
}
