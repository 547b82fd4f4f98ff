package unison

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionContextIdentity(t *testing.T) {
	ctx := NewConnectionContext()
	require.NotEqual(t, "", ctx.ID.String())

	_, ok := ctx.Identity()
	assert.False(t, ok)

	ctx.SetIdentity(ServerIdentity{Name: "demo", Version: "1.0.0"})
	identity, ok := ctx.Identity()
	require.True(t, ok)
	assert.Equal(t, "demo", identity.Name)
}

func TestConnectionContextChannelRegistry(t *testing.T) {
	ctx := NewConnectionContext()

	ctx.RegisterChannel(ChannelHandle{Name: "rpc", StreamID: 1, Direction: DirectionBidirectional})
	ctx.RegisterChannel(ChannelHandle{Name: "events", StreamID: 2, Direction: DirectionServerToClient})

	handle, ok := ctx.Channel("rpc")
	require.True(t, ok)
	assert.Equal(t, uint64(1), handle.StreamID)

	names := ctx.ChannelNames()
	assert.ElementsMatch(t, []string{"rpc", "events"}, names)

	removed, ok := ctx.RemoveChannel("rpc")
	require.True(t, ok)
	assert.Equal(t, "rpc", removed.Name)

	_, ok = ctx.Channel("rpc")
	assert.False(t, ok)
}

func TestChannelOpenMethodAndHandshakeParsing(t *testing.T) {
	method := ChannelOpenMethod("telemetry")
	assert.Equal(t, "__channel:telemetry", method)

	name, ok := channelNameFromHandshake(method)
	require.True(t, ok)
	assert.Equal(t, "telemetry", name)

	_, ok = channelNameFromHandshake("__identity")
	assert.False(t, ok)

	_, ok = channelNameFromHandshake("__channel:")
	assert.False(t, ok)
}
