package unison

import (
	"context"
	"crypto/x509"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ChannelHandler is invoked when the server opens a channel toward the
// client (a channel declared direction="server"). It typically wraps
// stream in a Channel and services it in a loop until the stream closes.
type ChannelHandler func(ctx *ConnectionContext, stream *Stream) error

// Client is the client-side connection orchestrator: it
// establishes the QUIC connection, performs the identity handshake,
// opens channels, and tears everything down on Disconnect.
type Client struct {
	logger             zerolog.Logger
	insecureSkipVerify bool
	rootCAs            *x509.CertPool
	quicConfig         *quic.Config

	mu       sync.Mutex
	conn     quic.Connection
	ctx      *ConnectionContext
	channels map[string]*Channel
	handlers map[string]ChannelHandler

	cancel    context.CancelFunc
	group     *errgroup.Group
	connected atomic.Bool

	handshakeID atomic.Uint64
	closeOnce   sync.Once
}

// NewClient returns a Client configured with sane defaults.
func NewClient() *Client {
	return &Client{
		logger:     defaultLogger(),
		quicConfig: defaultQUICConfig,
		channels:   make(map[string]*Channel),
		handlers:   make(map[string]ChannelHandler),
	}
}

// SetLogger overrides the client's logger; passing a disabled logger via
// disabledLogger() silences logging entirely.
func (c *Client) SetLogger(logger zerolog.Logger) *Client {
	c.logger = logger
	return c
}

// EnableInsecureSkipVerify installs a verifier that accepts any server
// certificate. Development only.
func (c *Client) EnableInsecureSkipVerify() *Client {
	c.insecureSkipVerify = true
	return c
}

// WithRootCAs sets the trust root used to verify the server's
// certificate chain.
func (c *Client) WithRootCAs(pool *x509.CertPool) *Client {
	c.rootCAs = pool
	return c
}

// WithQUICConfig overrides the default QUIC transport parameters.
func (c *Client) WithQUICConfig(cfg *quic.Config) *Client {
	c.quicConfig = cfg
	return c
}

// RegisterChannel installs a handler for channels the server opens
// toward this client (direction server_to_client or bidirectional).
func (c *Client) RegisterChannel(name string, handler ChannelHandler) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = handler
	return c
}

// Connect establishes a QUIC connection to url and starts the background
// task that performs the identity handshake on the first server-initiated
// stream; Connect returns without waiting for the identity. Failure to
// receive identity is logged but non-fatal — the client may operate
// without it.
func (c *Client) Connect(ctx context.Context, url string) error {
	addr, err := ResolveAddr(url)
	if err != nil {
		return err
	}

	tlsConfig := clientTLSConfig(c.insecureSkipVerify, c.rootCAs)
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, c.quicConfig)
	if err != nil {
		return wrapf(ErrConnection, "dial %s: %v", addr, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, runCtx := errgroup.WithContext(runCtx)

	c.mu.Lock()
	c.conn = conn
	c.ctx = NewConnectionContext()
	c.cancel = cancel
	c.group = group
	c.mu.Unlock()
	c.connected.Store(true)

	group.Go(func() error {
		return c.acceptServerStreams(runCtx)
	})

	return nil
}

// acceptServerStreams is the background task that accepts every
// server-initiated bidi stream: the first carries identity, any
// subsequent ones are dispatched to a registered ChannelHandler by their
// __channel:<name> handshake method.
func (c *Client) acceptServerStreams(ctx context.Context) error {
	first := true
	for {
		stream, err := c.conn.AcceptStream(ctx)
		if err != nil {
			c.connected.Store(false)
			if first {
				c.logger.Warn().Err(err).Msg("failed to receive identity (non-fatal)")
			}
			return nil
		}

		if first {
			first = false
			if err := c.handleIdentityStream(stream); err != nil {
				c.logger.Warn().Err(err).Msg("failed to receive identity (non-fatal)")
			}
			continue
		}

		go c.handleServerStream(stream)
	}
}

func (c *Client) handleIdentityStream(qstream quic.Stream) error {
	stream := NewStream(qstream, 0, methodIdentity)
	defer stream.Close()

	frame, err := stream.RecvTyped()
	if err != nil {
		return err
	}
	if frame.Protocol == nil {
		return wrapf(ErrProtocol, "expected %s, got a non-protocol frame", methodIdentity)
	}
	if frame.Protocol.Method != methodIdentity {
		return wrapf(ErrProtocol, "expected %s, got method %q", methodIdentity, frame.Protocol.Method)
	}

	identity, err := DecodeValueAs[ServerIdentity](frame.Protocol.Payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	ctx.SetIdentity(identity)
	c.logger.Info().Str("server", identity.Name).Str("version", identity.Version).Msg("received server identity")
	return nil
}

func (c *Client) handleServerStream(qstream quic.Stream) {
	stream := NewStream(qstream, 0, "")
	frame, err := stream.RecvTyped()
	if err != nil || frame.Protocol == nil {
		stream.Close()
		return
	}

	name, ok := channelNameFromHandshake(frame.Protocol.Method)
	if !ok {
		c.logger.Debug().Str("method", frame.Protocol.Method).Msg("dropping non-channel server-initiated stream")
		stream.Close()
		return
	}

	c.mu.Lock()
	handler, ok := c.handlers[name]
	ctx := c.ctx
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Str("channel", name).Msg("no handler registered for server-initiated channel")
		stream.Close()
		return
	}

	stream.id = frame.Protocol.ID
	stream.method = frame.Protocol.Method
	if err := handler(ctx, stream); err != nil {
		c.logger.Debug().Err(err).Str("channel", name).Msg("server-initiated channel handler returned error")
	}
}

func channelNameFromHandshake(method string) (string, bool) {
	if len(method) <= len(channelMethodPrefix) || method[:len(channelMethodPrefix)] != channelMethodPrefix {
		return "", false
	}
	return method[len(channelMethodPrefix):], true
}

// OpenChannel opens a new client-initiated bidi stream, writes the
// __channel:<name> handshake frame, and wraps the stream in a Channel.
func (c *Client) OpenChannel(ctx context.Context, name string) (*Channel, error) {
	c.mu.Lock()
	conn := c.conn
	connCtx := c.ctx
	c.mu.Unlock()
	if conn == nil || !c.connected.Load() {
		return nil, ErrNotConnected
	}

	qstream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, wrapf(ErrConnection, "open channel stream: %v", err)
	}

	handshakeID := c.handshakeID.Add(1)
	method := ChannelOpenMethod(name)
	stream := NewStream(qstream, handshakeID, method)

	if err := stream.SendProtocol(NewRequest(handshakeID, method, nil)); err != nil {
		stream.Close()
		return nil, err
	}

	channel := NewChannel(name, stream, c.logger)

	connCtx.RegisterChannel(ChannelHandle{Name: name, StreamID: handshakeID, Direction: DirectionBidirectional})

	c.mu.Lock()
	c.channels[name] = channel
	c.mu.Unlock()

	return channel, nil
}

// ServerIdentity returns the identity received at connect time, if any.
func (c *Client) ServerIdentity() (ServerIdentity, bool) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		return ServerIdentity{}, false
	}
	return ctx.Identity()
}

// Context returns the connection's shared ConnectionContext.
func (c *Client) Context() *ConnectionContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// IsConnected reports whether the QUIC connection's close reason has not
// yet been set.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Disconnect cascades close to every open channel, aborts the
// background accept task, and closes the QUIC connection with
// application error code 0 and reason "client disconnect". Every
// channel-close failure is collected rather than only the
// first.
func (c *Client) Disconnect() error {
	var result error
	c.closeOnce.Do(func() {
		c.connected.Store(false)

		c.mu.Lock()
		channels := c.channels
		c.channels = make(map[string]*Channel)
		cancel := c.cancel
		conn := c.conn
		group := c.group
		c.mu.Unlock()

		for name, channel := range channels {
			if err := channel.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close channel %q: %w", name, err))
			}
		}

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			_ = conn.CloseWithError(0, "client disconnect")
		}
		if group != nil {
			_ = group.Wait()
		}
	})
	return result
}
