package unison

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/unisonrpc/unison/internal/wire"
)

// TypedFrame is the result of Stream.RecvTyped: either a decoded
// ProtocolMessage (tag 0x00) or opaque raw bytes (tag 0x01).
type TypedFrame struct {
	Protocol *ProtocolMessage
	Raw      []byte
}

// rawConn is the narrow surface Stream needs from the underlying
// transport. quic.Stream satisfies it directly; tests substitute a
// net.Pipe-backed double so the framing/channel logic can be exercised
// without a live QUIC connection.
type rawConn interface {
	io.Reader
	io.Writer
	io.Closer
}

// streamCanceler is implemented by quic.Stream; Stream type-asserts for
// it so abrupt closes can cancel the read side instead of merely closing
// the write side, without forcing every rawConn implementation to supply
// it.
type streamCanceler interface {
	CancelRead(quic.StreamErrorCode)
}

// Stream wraps one QUIC bidirectional stream: the id and method used to
// open it, plus typed send/recv operations over the length-prefixed
// framing in internal/wire. Owned exclusively by the Channel built on
// top of it; sends are serialized by sendMu, receives are expected to run
// from a single goroutine only (the channel's receive loop).
type Stream struct {
	id     uint64
	method string

	sendMu sync.Mutex
	conn   rawConn

	closeOnce sync.Once
	active    atomic.Bool
}

// NewStream wraps conn (typically a quic.Stream) as a Stream opened with
// the given correlation id and method.
func NewStream(conn rawConn, id uint64, method string) *Stream {
	s := &Stream{id: id, method: method, conn: conn}
	s.active.Store(true)
	return s
}

// ID returns the id used when this stream was opened (the handshake
// frame's request id), not a QUIC-internal stream identifier.
func (s *Stream) ID() uint64 { return s.id }

// Method returns the method declared when this stream was opened
// (__identity or __channel:<name>).
func (s *Stream) Method() string { return s.method }

// SendProtocol encodes msg and writes it as a typed protocol frame
// (tag 0x00).
func (s *Stream) SendProtocol(msg ProtocolMessage) error {
	if !s.active.Load() {
		return ErrStreamClosed
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := wire.WriteTypedFrame(s.conn, wire.TagProtocol, msg.IntoFrame()); err != nil {
		return wrapf(ErrStreamClosed, "send protocol frame: %v", err)
	}
	return nil
}

// SendRaw writes data as a typed raw frame (tag 0x01), no ProtocolMessage
// envelope, no id, no method.
func (s *Stream) SendRaw(data []byte) error {
	if !s.active.Load() {
		return ErrStreamClosed
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := wire.WriteTypedFrame(s.conn, wire.TagRaw, data); err != nil {
		return wrapf(ErrStreamClosed, "send raw frame: %v", err)
	}
	return nil
}

// RecvTyped reads exactly one frame and decodes it into a TypedFrame. Any
// tag other than TagProtocol/TagRaw is a protocol violation.
func (s *Stream) RecvTyped() (TypedFrame, error) {
	tag, payload, err := wire.ReadTypedFrame(s.conn)
	if err != nil {
		return TypedFrame{}, err
	}
	switch tag {
	case wire.TagProtocol:
		msg, err := MessageFromFrame(payload)
		if err != nil {
			return TypedFrame{}, err
		}
		return TypedFrame{Protocol: &msg}, nil
	case wire.TagRaw:
		return TypedFrame{Raw: payload}, nil
	default:
		return TypedFrame{}, wrapf(ErrProtocol, "unknown frame type tag 0x%02x", tag)
	}
}

// Close marks the stream inactive, finishes the send side, and attempts
// to cancel the read side. Idempotent.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.active.Store(false)
		if canceler, ok := s.conn.(streamCanceler); ok {
			canceler.CancelRead(0)
		}
		err = s.conn.Close()
	})
	return err
}

// IsActive reports whether the stream has not yet been closed.
func (s *Stream) IsActive() bool {
	return s.active.Load()
}
