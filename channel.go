package unison

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// defaultRequestTimeout is the fallback used when a Channel is never
// given an explicit WithTimeout.
const defaultRequestTimeout = 30 * time.Second

// defaultQueueCapacity is the bound on both the event queue and the raw
// queue.
const defaultQueueCapacity = 256

// Channel is a logical communication endpoint built on one Stream. It
// multiplexes three interaction patterns over that single stream:
// request/response (correlated by id), one-way events, and raw bytes.
//
// A Channel owns its Stream exclusively and runs a single background
// receive goroutine that is the only reader of the stream; everything
// else communicates with that goroutine through the pending map and the
// two bounded queues.
type Channel struct {
	name   string
	stream *Stream
	logger zerolog.Logger

	nextID  atomic.Uint64
	timeout atomic.Int64 // time.Duration, stored as int64 nanoseconds

	pendingMu sync.Mutex
	pending   map[uint64]chan *ProtocolMessage

	events chan ProtocolMessage
	raw    chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	recvDone  chan struct{}
}

// NewChannel constructs a Channel around stream and immediately starts
// its receive loop. name is used for logging and is reported by Name.
func NewChannel(name string, stream *Stream, logger zerolog.Logger) *Channel {
	c := &Channel{
		name:     name,
		stream:   stream,
		logger:   logger.With().Str("channel", name).Logger(),
		pending:  make(map[uint64]chan *ProtocolMessage),
		events:   make(chan ProtocolMessage, defaultQueueCapacity),
		raw:      make(chan []byte, defaultQueueCapacity),
		closed:   make(chan struct{}),
		recvDone: make(chan struct{}),
	}
	c.timeout.Store(int64(defaultRequestTimeout))

	go c.recvLoop()
	return c
}

// WithTimeout overrides the default per-request timeout and returns the
// receiver.
func (c *Channel) WithTimeout(d time.Duration) *Channel {
	c.timeout.Store(int64(d))
	return c
}

func (c *Channel) requestTimeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// recvLoop is the single consumer of the underlying stream. It decodes
// one typed frame at a time and routes it: Response (and Error answering
// a pending id) go to the waiting Request call; everything else lands in
// the event queue; raw frames land in the raw queue. When the loop exits
// (stream error, EOF, or Close) both queues are closed, so Recv and
// RecvRaw return ErrChannelClosed once they are drained.
func (c *Channel) recvLoop() {
	defer close(c.recvDone)
	defer close(c.raw)
	defer close(c.events)
	for {
		frame, err := c.stream.RecvTyped()
		if err != nil {
			c.failAllPending()
			return
		}

		if frame.Raw != nil {
			select {
			case c.raw <- frame.Raw:
			case <-c.closed:
				return
			}
			continue
		}

		msg := *frame.Protocol
		switch msg.Kind {
		case MessageResponse:
			c.resolvePending(msg)
		case MessageError:
			if !c.resolvePendingIfPresent(msg) {
				c.pushEvent(msg)
			}
		default: // Request, Event
			c.pushEvent(msg)
		}
	}
}

// resolvePending delivers msg to the pending waiter for msg.ID. id 0 must
// never be installed in the pending map, so a Response with id 0
// cannot resolve anything and is pushed to the event queue, like any
// other kind that is not correlated with a request.
func (c *Channel) resolvePending(msg ProtocolMessage) {
	if msg.ID == 0 {
		c.logger.Trace().Msg("Response with id 0 treated as an event")
		c.pushEvent(msg)
		return
	}
	if !c.resolvePendingIfPresent(msg) {
		c.logger.Trace().Uint64("id", msg.ID).Msg("dropping response for unknown/expired request id")
	}
}

func (c *Channel) resolvePendingIfPresent(msg ProtocolMessage) bool {
	if msg.ID == 0 {
		return false
	}
	c.pendingMu.Lock()
	waiter, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	waiter <- &msg
	return true
}

func (c *Channel) pushEvent(msg ProtocolMessage) {
	select {
	case c.events <- msg:
	case <-c.closed:
	}
}

// failAllPending resolves every in-flight request with a synthesized
// connection-closed error, matching the recv loop's EOF/error handling
// described above.
func (c *Channel) failAllPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan *ProtocolMessage)
	c.pendingMu.Unlock()

	for id, waiter := range pending {
		errPayload, _ := EncodeValue(map[string]string{"error": "connection closed"})
		msg := NewError(id, "", errPayload)
		waiter <- &msg
	}
}

// Request allocates a fresh id, sends a Request message, and waits for
// the correlated Response or Error (or the channel's timeout). On
// timeout, the pending entry is deliberately left installed: a late
// response will still be routed and silently discarded by resolvePending
// finding no waiter channel receiver, rather than being available for a
// future reused id (ids are monotonic and never reused, so this cannot
// mis-correlate).
func (c *Channel) Request(method string, payload []byte) ([]byte, error) {
	id := c.nextID.Add(1) // first call yields 1: ids start at 1, 0 is reserved
	waiter := make(chan *ProtocolMessage, 1)

	c.pendingMu.Lock()
	select {
	case <-c.closed:
		c.pendingMu.Unlock()
		return nil, ErrChannelClosed
	default:
	}
	c.pending[id] = waiter
	c.pendingMu.Unlock()

	if err := c.stream.SendProtocol(NewRequest(id, method, payload)); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(c.requestTimeout())
	defer timer.Stop()

	select {
	case resp := <-waiter:
		if resp.Kind == MessageError {
			return nil, &RemoteError{Method: resp.Method, Payload: resp.Payload}
		}
		return resp.Payload, nil
	case <-timer.C:
		return nil, wrapf(ErrTimeout, "method %q did not respond within %s", method, c.requestTimeout())
	case <-c.closed:
		return nil, ErrChannelClosed
	}
}

// SendEvent sends a one-way Event message (id 0); there is no completion
// and no response.
func (c *Channel) SendEvent(method string, payload []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	return c.stream.SendProtocol(NewEvent(method, payload))
}

// SendResponse sends a Response answering requestID (server-side use).
func (c *Channel) SendResponse(requestID uint64, method string, payload []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	return c.stream.SendProtocol(NewResponse(requestID, method, payload))
}

// SendErrorResponse sends an Error answering requestID (server-side use).
func (c *Channel) SendErrorResponse(requestID uint64, method string, payload []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	return c.stream.SendProtocol(NewError(requestID, method, payload))
}

// Recv pops one message from the event queue, blocking until one is
// available or the channel closes.
func (c *Channel) Recv() (ProtocolMessage, error) {
	select {
	case msg, ok := <-c.events:
		if !ok {
			return ProtocolMessage{}, ErrChannelClosed
		}
		return msg, nil
	case <-c.closed:
		return ProtocolMessage{}, ErrChannelClosed
	}
}

// SendRaw writes data as a raw (tag 0x01) frame: no method name, no id,
// no structure.
func (c *Channel) SendRaw(data []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	return c.stream.SendRaw(data)
}

// RecvRaw pops one payload from the raw queue, blocking until one is
// available or the channel closes.
func (c *Channel) RecvRaw() ([]byte, error) {
	select {
	case data, ok := <-c.raw:
		if !ok {
			return nil, ErrChannelClosed
		}
		return data, nil
	case <-c.closed:
		return nil, ErrChannelClosed
	}
}

// Close aborts the receive goroutine, closes the underlying stream, and
// resolves any still-pending requests with a connection-closed error.
// Idempotent.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.stream.Close()
		<-c.recvDone
		c.failAllPending()
	})
	return err
}

// Name returns the channel's declared name.
func (c *Channel) Name() string { return c.name }
