package unison

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newLoopbackServer starts a Server bound to an ephemeral IPv6 loopback
// port with a throwaway self-signed certificate, for tests that need a
// real QUIC connection end to end.
func newLoopbackServer(t *testing.T) (*Server, *ServerHandle) {
	t.Helper()
	cert, err := GenerateSelfSigned("localhost")
	require.NoError(t, err)

	server := NewServer("test-server", "0.1.0", "unison.test").
		SetLogger(disabledLogger()).
		WithCertificateSource(StaticCertificateSource(cert))

	handle, err := server.SpawnListen(context.Background(), ":0")
	require.NoError(t, err)
	t.Cleanup(func() { handle.Shutdown() })

	return server, handle
}

func dialLoopback(t *testing.T, handle *ServerHandle) *Client {
	t.Helper()
	client := NewClient().SetLogger(disabledLogger()).EnableInsecureSkipVerify()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx, handle.LocalAddr().String()))
	t.Cleanup(func() { client.Disconnect() })
	return client
}

func TestIdentityHandshakeDeliversServerIdentity(t *testing.T) {
	server, handle := newLoopbackServer(t)
	server.RegisterChannel("rpc", DirectionBidirectional, LifetimePersistent, func(connCtx *ConnectionContext, channel *Channel) error {
		return nil
	})

	client := dialLoopback(t, handle)

	require.Eventually(t, func() bool {
		identity, ok := client.ServerIdentity()
		return ok && identity.Name == "test-server"
	}, 2*time.Second, 10*time.Millisecond)

	identity, ok := client.ServerIdentity()
	require.True(t, ok)
	assert.Equal(t, "0.1.0", identity.Version)
	assert.Equal(t, "unison.test", identity.Namespace)
	require.Len(t, identity.Channels, 1)
	assert.Equal(t, "rpc", identity.Channels[0].Name)
}

func TestChannelRequestResponseOverQUIC(t *testing.T) {
	server, handle := newLoopbackServer(t)
	server.RegisterChannel("echo", DirectionBidirectional, LifetimeTransient, func(connCtx *ConnectionContext, channel *Channel) error {
		for {
			msg, err := channel.Recv()
			if err != nil {
				return nil
			}
			if err := channel.SendResponse(msg.ID, msg.Method, msg.Payload); err != nil {
				return err
			}
		}
	})

	client := dialLoopback(t, handle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	channel, err := client.OpenChannel(ctx, "echo")
	require.NoError(t, err)
	defer channel.Close()

	payload, err := EncodeValue(map[string]string{"greeting": "hello"})
	require.NoError(t, err)

	resp, err := channel.Request("greet", payload)
	require.NoError(t, err)
	assert.Equal(t, payload, resp)
}

func TestOpenChannelWithoutHandlerIsClosed(t *testing.T) {
	_, handle := newLoopbackServer(t)
	client := dialLoopback(t, handle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	channel, err := client.OpenChannel(ctx, "nonexistent")
	require.NoError(t, err)
	defer channel.Close()

	_, err = channel.Request("anything", nil)
	require.Error(t, err)
}

func TestServerUpdateChannelStatusPushesControlEvent(t *testing.T) {
	server, handle := newLoopbackServer(t)
	server.RegisterChannel("jobs", DirectionServerToClient, LifetimePersistent, func(connCtx *ConnectionContext, channel *Channel) error {
		return nil
	})

	client := dialLoopback(t, handle)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	control, err := client.OpenChannel(ctx, controlChannelName)
	require.NoError(t, err)
	defer control.Close()

	server.UpdateChannelStatus("jobs", StatusBusy)

	msg, err := control.Recv()
	require.NoError(t, err)
	update, err := DecodeValueAs[ChannelUpdate](msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, ChannelStatusChanged, update.Kind)
	assert.Equal(t, "jobs", update.Name)
	assert.Equal(t, StatusBusy, update.Status)
}

func TestConnectionEventsPublishedOnConnectAndDisconnect(t *testing.T) {
	server, handle := newLoopbackServer(t)
	sub := server.SubscribeConnectionEvents()
	defer sub.Unsubscribe()

	client := dialLoopback(t, handle)

	select {
	case ev := <-sub.C:
		assert.Equal(t, ConnectionEstablished, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("did not observe ConnectionEstablished")
	}

	client.Disconnect()

	select {
	case ev := <-sub.C:
		assert.Equal(t, ConnectionClosed, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("did not observe ConnectionClosed")
	}
}
