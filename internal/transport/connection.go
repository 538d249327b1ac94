package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/colinmarc/magic-mirror/internal/wire"
)

var nextConnectionID atomic.Uint64

// Connection wraps one accepted quic.Connection: its control stream(s)
// plus the ability to open unidirectional media streams and,
// optionally, send/receive unreliable datagrams (spec §4.1).
//
// A connection has at most one Active attachment per session (spec §3
// Attachment invariant); that bookkeeping belongs to
// internal/attachment, not here — Connection only owns the wire.
type Connection struct {
	ID   uint64
	quic quic.Connection

	enableDatagrams bool

	mu              sync.Mutex
	controlStream   *ControlStream
}

func newConnection(qconn quic.Connection, enableDatagrams bool) *Connection {
	return &Connection{
		ID:              nextConnectionID.Add(1),
		quic:            qconn,
		enableDatagrams: enableDatagrams,
	}
}

// RemoteAddr returns the client's network address.
func (c *Connection) RemoteAddr() net.Addr { return c.quic.RemoteAddr() }

// Context returns a context bound to the QUIC connection's lifetime:
// it is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.quic.Context() }

// AcceptControlStream blocks until the client opens its (single)
// bidirectional control stream, wraps it, and caches it for
// OpenControlStream-less callers that only ever respond.
func (c *Connection) AcceptControlStream(ctx context.Context) (*ControlStream, error) {
	s, err := c.quic.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept control stream: %w", err)
	}
	cs := newControlStream(s)
	c.mu.Lock()
	c.controlStream = cs
	c.mu.Unlock()
	return cs, nil
}

// OpenMediaStream opens a new unidirectional, server-to-client media
// stream for one video or audio channel (spec §4.1: "a video media
// stream is uni-directional, server->client").
func (c *Connection) OpenMediaStream(ctx context.Context) (*MediaStream, error) {
	s, err := c.quic.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: open media stream: %w", err)
	}
	return &MediaStream{stream: s}, nil
}

// SupportsDatagrams reports whether this connection negotiated
// unreliable datagram support.
func (c *Connection) SupportsDatagrams() bool { return c.enableDatagrams }

// SendDatagram sends a FramePacket over an unreliable datagram instead
// of a stream, when enable_datagrams is set (spec §4.1).
func (c *Connection) SendDatagram(payload []byte) error {
	return c.quic.SendDatagram(payload)
}

// ReceiveDatagram blocks for the next inbound datagram (used for
// client-originated low-latency signals, e.g. input events).
func (c *Connection) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.quic.ReceiveDatagram(ctx)
}

// Close tears down the connection with a graceful application error
// code. Any attachment workers must already have been drained by the
// caller (spec §4.1: "every associated attachment worker receives a
// cancellation signal, is drained, and then torn down").
func (c *Connection) Close() error {
	return c.quic.CloseWithError(quic.ApplicationErrorCode(codeGracefulShutdown), "shutdown")
}

// CloseWithError tears down the connection with an internal-error code,
// for fatal per-connection failures.
func (c *Connection) CloseWithError(reason string) error {
	return c.quic.CloseWithError(quic.ApplicationErrorCode(codeInternalError), reason)
}

// ControlStream is one bidirectional request/response stream carrying
// length-prefixed wire.Envelope messages. Writes are serialised with a
// mutex since multiple goroutines (the RPC handler and async
// notification senders, e.g. AttachmentEnded/CursorUpdate) share it.
type ControlStream struct {
	stream quic.Stream
	mu     sync.Mutex
}

func newControlStream(s quic.Stream) *ControlStream {
	return &ControlStream{stream: s}
}

// Read blocks for the next envelope from the peer.
func (cs *ControlStream) Read() (wire.Envelope, error) {
	return wire.ReadEnvelope(cs.stream)
}

// Write sends an envelope, serialised against concurrent writers.
func (cs *ControlStream) Write(env wire.Envelope) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return wire.WriteEnvelope(cs.stream, env)
}

// Close closes the stream's write side after flushing, matching spec
// §4.1's no-partial-write-truncation requirement.
func (cs *ControlStream) Close() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.stream.Close()
}

// MediaStream is a unidirectional, server-to-client stream carrying a
// sequence of wire.FramePacket frames for one video or audio channel.
type MediaStream struct {
	stream quic.SendStream
	mu     sync.Mutex
}

// WritePacket serialises and writes one FramePacket. Writes are
// serialised against concurrent callers (the session's media-fan-out
// goroutine is normally the sole writer, but a draining worker may
// still be flushing a final packet while the fan-out is notified to
// stop).
func (ms *MediaStream) WritePacket(p wire.FramePacket) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := wire.WriteFramePacket(ms.stream, p); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	return nil
}

// Close flushes pending writes and closes the stream cleanly. Spec
// §4.1: "streams with pending writes are flushed before close to avoid
// truncation."
func (ms *MediaStream) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.stream.Close()
}

// CancelWrite aborts the stream immediately without flushing, for
// non-cooperative teardown (e.g. the session itself is gone and there
// is nothing meaningful left to flush).
func (ms *MediaStream) CancelWrite(code quic.StreamErrorCode) {
	ms.stream.CancelWrite(code)
}
