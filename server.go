package unison

import (
	"context"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Handler services one server-side channel for its entire lifetime,
// typically looping on channel.Recv()/Request() until it returns
// ErrChannelClosed.
type Handler func(ctx *ConnectionContext, channel *Channel) error

// channelEntry pairs a registered Handler with the descriptor advertised
// in ServerIdentity and pushed on the control channel when it changes.
type channelEntry struct {
	handler    Handler
	descriptor ChannelDescriptor
}

// Server is the server-side connection orchestrator: it accepts QUIC
// connections, sends each one an identity frame on a dedicated
// server-initiated stream, then loops accepting client-initiated bidi
// streams and dispatching them to registered channel handlers by their
// __channel:<name> handshake.
type Server struct {
	logger     zerolog.Logger
	name       string
	version    string
	namespace  string
	certSource CertificateSource
	quicConfig *quic.Config
	metadata   any

	mu       sync.RWMutex
	handlers map[string]*channelEntry

	connsMu sync.Mutex
	conns   map[*ConnectionContext][]*Channel

	broadcaster *eventBroadcaster
	listener    *quic.Listener
}

// NewServer returns a Server identifying itself with name/version/
// namespace in the identity frame sent to every connecting client. A
// CertificateSource must be supplied via WithCertificateSource before
// Listen; GenerateSelfSigned wrapped in StaticCertificateSource is
// sufficient for development.
func NewServer(name, version, namespace string) *Server {
	s := &Server{
		logger:      defaultLogger(),
		name:        name,
		version:     version,
		namespace:   namespace,
		quicConfig:  defaultQUICConfig,
		handlers:    make(map[string]*channelEntry),
		conns:       make(map[*ConnectionContext][]*Channel),
		broadcaster: newEventBroadcaster(),
	}
	// The control channel is implicit: it exists on every connection so
	// UpdateChannelStatus has somewhere to push to, and needs no
	// application-supplied handler. It just stays open, discarding
	// anything a client sends on it, until the stream closes.
	s.handlers[controlChannelName] = &channelEntry{
		handler: func(_ *ConnectionContext, channel *Channel) error {
			for {
				if _, err := channel.Recv(); err != nil {
					return nil
				}
			}
		},
		descriptor: ChannelDescriptor{
			Name:      controlChannelName,
			Direction: DirectionServerToClient,
			Lifetime:  LifetimePersistent,
			Status:    StatusAvailable,
		},
	}
	return s
}

// SetLogger overrides the server's logger.
func (s *Server) SetLogger(logger zerolog.Logger) *Server {
	s.logger = logger
	return s
}

// WithCertificateSource installs the TLS material Listen serves.
func (s *Server) WithCertificateSource(source CertificateSource) *Server {
	s.certSource = source
	return s
}

// WithQUICConfig overrides the default QUIC transport parameters.
func (s *Server) WithQUICConfig(cfg *quic.Config) *Server {
	s.quicConfig = cfg
	return s
}

// WithMetadata sets the free-form value reported as ServerIdentity.Metadata.
func (s *Server) WithMetadata(metadata any) *Server {
	s.metadata = metadata
	return s
}

// RegisterChannel declares a channel this server exposes: handler
// services every stream opened with __channel:<name>, and a descriptor
// built from name, direction and lifetime (status available) is
// advertised in the identity frame.
func (s *Server) RegisterChannel(name string, direction ChannelDirection, lifetime ChannelLifetime, handler Handler) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = &channelEntry{
		handler: handler,
		descriptor: ChannelDescriptor{
			Name:      name,
			Direction: direction,
			Lifetime:  lifetime,
			Status:    StatusAvailable,
		},
	}
	return s
}

// SubscribeConnectionEvents registers a new listener for
// ConnectionEstablished/ConnectionClosed events. Call Unsubscribe on the
// returned subscription when done.
func (s *Server) SubscribeConnectionEvents() *EventSubscription {
	return s.broadcaster.subscribe()
}

// UpdateChannelStatus changes a registered channel's advertised status
// and pushes a ChannelUpdate(status_changed) event on the control channel
// of every currently open connection that has one.
func (s *Server) UpdateChannelStatus(name string, status ChannelStatus) {
	s.mu.Lock()
	entry, ok := s.handlers[name]
	if ok {
		entry.descriptor.Status = status
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.broadcastControlUpdate(ChannelUpdate{Kind: ChannelStatusChanged, Name: name, Status: status})
}

func (s *Server) identity() ServerIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	descriptors := make([]ChannelDescriptor, 0, len(s.handlers))
	for name, entry := range s.handlers {
		if name == controlChannelName {
			continue // implicit, not an application-declared channel
		}
		descriptors = append(descriptors, entry.descriptor)
	}
	return ServerIdentity{
		Name:      s.name,
		Version:   s.version,
		Namespace: s.namespace,
		Channels:  descriptors,
		Metadata:  s.metadata,
	}
}

// ServerHandle controls a background Listen started by SpawnListen.
type ServerHandle struct {
	server   *Server
	listener *quic.Listener
	group    *errgroup.Group
	cancel   context.CancelFunc
}

// LocalAddr returns the address the listener is bound to.
func (h *ServerHandle) LocalAddr() net.Addr {
	return h.listener.Addr()
}

// Shutdown stops accepting new connections and waits for the accept loop
// to finish.
func (h *ServerHandle) Shutdown() error {
	h.cancel()
	err := h.listener.Close()
	_ = h.group.Wait()
	return err
}

// SpawnListen starts Listen in a background goroutine and returns once
// the listener is bound, for callers that need the chosen address (e.g.
// tests binding to "127.0.0.1:0"-equivalent ":0").
func (s *Server) SpawnListen(ctx context.Context, addr string) (*ServerHandle, error) {
	listener, runCtx, cancel, err := s.bind(ctx, addr)
	if err != nil {
		cancel()
		return nil, err
	}

	group, runCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return s.acceptLoop(runCtx, listener)
	})

	return &ServerHandle{server: s, listener: listener, group: group, cancel: cancel}, nil
}

// Listen binds addr and blocks accepting connections until ctx is
// cancelled or the listener fails.
func (s *Server) Listen(ctx context.Context, addr string) error {
	listener, runCtx, cancel, err := s.bind(ctx, addr)
	defer cancel()
	if err != nil {
		return err
	}
	defer listener.Close()
	return s.acceptLoop(runCtx, listener)
}

func (s *Server) bind(ctx context.Context, addr string) (*quic.Listener, context.Context, context.CancelFunc, error) {
	runCtx, cancel := context.WithCancel(ctx)

	resolved, err := ResolveAddr(addr)
	if err != nil {
		return nil, runCtx, cancel, err
	}

	if s.certSource == nil {
		return nil, runCtx, cancel, wrapf(ErrConnection, "no CertificateSource configured")
	}
	tlsConfig, err := serverTLSConfig(s.certSource)
	if err != nil {
		return nil, runCtx, cancel, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", resolved)
	if err != nil {
		return nil, runCtx, cancel, wrapf(ErrConnection, "resolve udp addr %q: %v", resolved, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, runCtx, cancel, wrapf(ErrConnection, "listen udp %q: %v", resolved, err)
	}

	listener, err := quic.Listen(conn, tlsConfig, s.quicConfig)
	if err != nil {
		conn.Close()
		return nil, runCtx, cancel, wrapf(ErrConnection, "listen quic: %v", err)
	}

	s.listener = listener
	return listener, runCtx, cancel, nil
}

func (s *Server) acceptLoop(ctx context.Context, listener *quic.Listener) error {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return wrapf(ErrConnection, "accept: %v", err)
		}
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection is the per-connection orchestrator: it opens the
// identity stream immediately, publishes ConnectionEstablished, loops
// accepting client-initiated channel streams, and publishes
// ConnectionClosed once the connection ends.
func (s *Server) handleConnection(ctx context.Context, conn quic.Connection) {
	connCtx := NewConnectionContext()
	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Str("conn", connCtx.ID.String()).Logger()

	if err := s.sendIdentity(ctx, conn, connCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to send identity")
	}

	s.broadcaster.publish(ConnectionEvent{
		Kind:       ConnectionEstablished,
		RemoteAddr: conn.RemoteAddr().String(),
		Context:    connCtx,
	})
	defer func() {
		s.closeConnectionChannels(connCtx)
		s.broadcaster.publish(ConnectionEvent{
			Kind:       ConnectionClosed,
			RemoteAddr: conn.RemoteAddr().String(),
		})
	}()

	var wg sync.WaitGroup
	for {
		qstream, err := conn.AcceptStream(ctx)
		if err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleClientStream(connCtx, logger, qstream)
		}()
	}
	wg.Wait()
}

func (s *Server) sendIdentity(ctx context.Context, conn quic.Connection, connCtx *ConnectionContext) error {
	qstream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return wrapf(ErrConnection, "open identity stream: %v", err)
	}
	stream := NewStream(qstream, 0, methodIdentity)
	defer stream.Close()

	payload, err := EncodeValue(s.identity())
	if err != nil {
		return err
	}
	return stream.SendProtocol(NewEvent(methodIdentity, payload))
}

// handleClientStream dispatches one client-initiated stream by its first
// frame, which must be a __channel:<name> handshake Request.
func (s *Server) handleClientStream(connCtx *ConnectionContext, logger zerolog.Logger, qstream quic.Stream) {
	stream := NewStream(qstream, 0, "")
	frame, err := stream.RecvTyped()
	if err != nil || frame.Protocol == nil {
		stream.Close()
		return
	}

	name, ok := channelNameFromHandshake(frame.Protocol.Method)
	if !ok {
		logger.Debug().Str("method", frame.Protocol.Method).Msg("dropping non-channel client stream")
		stream.Close()
		return
	}

	s.mu.RLock()
	entry, ok := s.handlers[name]
	s.mu.RUnlock()
	if !ok {
		logger.Debug().Str("channel", name).Msg("no handler registered for channel")
		stream.Close()
		return
	}

	stream.id = frame.Protocol.ID
	stream.method = frame.Protocol.Method

	connCtx.RegisterChannel(ChannelHandle{Name: name, StreamID: frame.Protocol.ID, Direction: entry.descriptor.Direction})

	channel := NewChannel(name, stream, logger)
	s.trackChannel(connCtx, channel)
	defer s.untrackChannel(connCtx, channel)
	defer connCtx.RemoveChannel(name)

	if err := entry.handler(connCtx, channel); err != nil {
		logger.Debug().Err(err).Str("channel", name).Msg("channel handler returned error")
	}
	channel.Close()
}

func (s *Server) trackChannel(connCtx *ConnectionContext, channel *Channel) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[connCtx] = append(s.conns[connCtx], channel)
}

func (s *Server) untrackChannel(connCtx *ConnectionContext, channel *Channel) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	channels := s.conns[connCtx]
	for i, c := range channels {
		if c == channel {
			s.conns[connCtx] = append(channels[:i], channels[i+1:]...)
			break
		}
	}
}

// closeConnectionChannels closes every channel still open for connCtx
// when its connection ends, aggregating failures rather than stopping at
// the first.
func (s *Server) closeConnectionChannels(connCtx *ConnectionContext) error {
	s.connsMu.Lock()
	channels := s.conns[connCtx]
	delete(s.conns, connCtx)
	s.connsMu.Unlock()

	var result error
	for _, channel := range channels {
		if err := channel.Close(); err != nil && err != ErrChannelClosed {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// broadcastControlUpdate pushes update as an Event on the __control
// channel of every connection that currently has one open.
func (s *Server) broadcastControlUpdate(update ChannelUpdate) {
	payload, err := EncodeValue(update)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode control update")
		return
	}

	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for _, channels := range s.conns {
		for _, channel := range channels {
			if channel.Name() != controlChannelName {
				continue
			}
			if err := channel.SendEvent("channel_update", payload); err != nil {
				s.logger.Debug().Err(err).Msg("failed to push control update")
			}
		}
	}
}
