// Package transport implements the QUIC-based connection layer from
// spec §4.1: a single UDP socket per bind address, bidirectional
// control streams for request/response RPCs, unidirectional media
// streams per active channel, and optional unreliable datagrams.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/colinmarc/magic-mirror/internal/logging"
	"github.com/colinmarc/magic-mirror/internal/workerpool"
)

// defaultIdleTimeoutMs is the client-configurable idle timeout's
// default (spec §4.1: "idle timeout (client-configurable, default
// 30s)").
const defaultIdleTimeoutMs = 30 * 1000

// Config configures a listening Endpoint.
type Config struct {
	Bind              string
	TLSConfig         *tls.Config
	MaxConnections    int
	IdleTimeoutMs     int  // 0 uses the 30s default
	EnableDatagrams   bool
	AcceptWorkers     int
	AcceptQueueSize   int
}

// ConnectionHandler processes one accepted Connection until it closes.
// Implementations must return when ctx is cancelled.
type ConnectionHandler interface {
	HandleConnection(ctx context.Context, conn *Connection)
}

// Endpoint owns the single UDP socket / QUIC listener for a bind
// address (spec §4.1: "a single UDP socket per bind address").
type Endpoint struct {
	listener *quic.Listener
	pool     *workerpool.Pool
	cfg      Config
}

var log = logging.L("transport")

// Listen opens the UDP socket and QUIC listener. packetConn is nil in
// the common case (quic-go opens its own socket from cfg.Bind);
// callers with systemd socket activation (spec §6 server.bind_systemd)
// pass an already-bound net.PacketConn instead.
func Listen(cfg Config, packetConn net.PacketConn) (*Endpoint, error) {
	if cfg.TLSConfig == nil {
		return nil, fmt.Errorf("transport: TLSConfig is required")
	}

	idleTimeoutMs := cfg.IdleTimeoutMs
	if idleTimeoutMs <= 0 {
		idleTimeoutMs = defaultIdleTimeoutMs
	}

	quicCfg := &quic.Config{
		MaxIdleTimeout:  time.Duration(idleTimeoutMs) * time.Millisecond,
		EnableDatagrams: cfg.EnableDatagrams,
	}

	var listener *quic.Listener
	var err error
	if packetConn != nil {
		listener, err = quic.Listen(packetConn, cfg.TLSConfig, quicCfg)
	} else {
		listener, err = quic.ListenAddr(cfg.Bind, cfg.TLSConfig, quicCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", cfg.Bind, err)
	}

	workers := cfg.AcceptWorkers
	if workers <= 0 {
		workers = 64
	}
	queueSize := cfg.AcceptQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	log.Info("quic endpoint listening", "bind", cfg.Bind, "datagrams", cfg.EnableDatagrams)

	return &Endpoint{
		listener: listener,
		pool:     workerpool.New(workers, queueSize),
		cfg:      cfg,
	}, nil
}

// Serve accepts connections until ctx is cancelled, dispatching each to
// handler on the endpoint's worker pool. Connections beyond
// MaxConnections are closed immediately with a KindUnavailable-style
// application error (spec §7: "Unavailable ... at max_connections").
func (e *Endpoint) Serve(ctx context.Context, handler ConnectionHandler) error {
	active := make(chan struct{}, maxInt(e.cfg.MaxConnections, 1))

	for {
		qconn, err := e.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("accept failed", logging.KeyError, err)
			continue
		}

		select {
		case active <- struct{}{}:
		default:
			log.Warn("rejecting connection: at max_connections", "remote", qconn.RemoteAddr())
			qconn.CloseWithError(quic.ApplicationErrorCode(codeUnavailable), "server at max_connections")
			continue
		}

		conn := newConnection(qconn, e.cfg.EnableDatagrams)
		submitted := e.pool.Submit(func() {
			defer func() { <-active }()
			handler.HandleConnection(ctx, conn)
		})
		if !submitted {
			<-active
			log.Warn("accept worker pool saturated, dropping connection", "remote", qconn.RemoteAddr())
			qconn.CloseWithError(quic.ApplicationErrorCode(codeUnavailable), "server overloaded")
		}
	}
}

// Close shuts down the listener and drains the worker pool.
func (e *Endpoint) Close(ctx context.Context) error {
	e.pool.StopAccepting()
	e.pool.Drain(ctx)
	return e.listener.Close()
}

// Addr returns the local address the endpoint is bound to.
func (e *Endpoint) Addr() net.Addr { return e.listener.Addr() }

// Application-level close-error codes, used on CloseWithError. These
// are QUIC-connection-level codes distinct from the servererr.Kind
// codes carried inside application messages.
const (
	codeGracefulShutdown = 0
	codeUnavailable      = 1
	codeInternalError    = 2
)

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
