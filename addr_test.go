package unison

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAddrBarePort(t *testing.T) {
	resolved, err := ResolveAddr(":8443")
	require.NoError(t, err)
	assert.Equal(t, "[::1]:8443", resolved)

	resolved, err = ResolveAddr("8443")
	require.NoError(t, err)
	assert.Equal(t, "[::1]:8443", resolved)
}

func TestResolveAddrLocalhost(t *testing.T) {
	resolved, err := ResolveAddr("localhost:9000")
	require.NoError(t, err)
	assert.Equal(t, "[::1]:9000", resolved)
}

func TestResolveAddrIPv4Literal(t *testing.T) {
	resolved, err := ResolveAddr("192.168.1.5:443")
	require.NoError(t, err)
	assert.Equal(t, "[::ffff:192.168.1.5]:443", resolved)
}

func TestResolveAddrIPv6Literal(t *testing.T) {
	resolved, err := ResolveAddr("[2001:db8::1]:443")
	require.NoError(t, err)
	assert.Equal(t, "[2001:db8::1]:443", resolved)
}

func TestResolveAddrRejectsEmpty(t *testing.T) {
	_, err := ResolveAddr("")
	assert.ErrorIs(t, err, ErrConnection)
}

func TestResolveAddrRejectsMalformed(t *testing.T) {
	_, err := ResolveAddr("not a valid addr!!")
	assert.ErrorIs(t, err, ErrConnection)
}
