package unison

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSignedProducesUsableCertificate(t *testing.T) {
	cert, err := GenerateSelfSigned("localhost", "unison.test")
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)
	assert.NotNil(t, cert.PrivateKey)
}

func TestGenerateSelfSignedDefaultsToLocalhost(t *testing.T) {
	cert, err := GenerateSelfSigned()
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)
}

func TestServerTLSConfigUsesStaticCertificateSource(t *testing.T) {
	cert, err := GenerateSelfSigned("localhost")
	require.NoError(t, err)

	cfg, err := serverTLSConfig(StaticCertificateSource(cert))
	require.NoError(t, err)
	assert.Equal(t, []string{alpnProtocol}, cfg.NextProtos)
	assert.Len(t, cfg.Certificates, 1)
}

func TestClientTLSConfigHonorsInsecureSkipVerify(t *testing.T) {
	cfg := clientTLSConfig(true, nil)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, []string{alpnProtocol}, cfg.NextProtos)

	cfg = clientTLSConfig(false, nil)
	assert.False(t, cfg.InsecureSkipVerify)
}
