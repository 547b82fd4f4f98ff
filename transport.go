package unison

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

// alpnProtocol is the ALPN identifier negotiated for this protocol's QUIC
// connections.
const alpnProtocol = "unison"

// Default QUIC transport parameters: 60s idle timeout, 10s
// keepalive, up to 1000 concurrent bidirectional streams per connection.
var defaultQUICConfig = &quic.Config{
	MaxIdleTimeout:                 60 * time.Second,
	KeepAlivePeriod:                10 * time.Second,
	MaxIncomingStreams:             1000,
	MaxIncomingUniStreams:          1000,
	HandshakeIdleTimeout:           10 * time.Second,
	InitialStreamReceiveWindow:     512 * 1024,
	InitialConnectionReceiveWindow: 1 * 1024 * 1024,
}

// CertificateSource is the interface the transport layer consumes for
// TLS material ("Certificate material is supplied by an external
// loader... the core consumes an already-parsed certificate chain and
// private key"). The schema/cert-loader proper is out of scope; this
// repo only defines the consumed shape plus one implementation usable
// for local development and tests.
type CertificateSource interface {
	Chain() ([]tls.Certificate, error)
}

// staticCertificateSource is the trivial CertificateSource wrapping
// pre-parsed certificates, e.g. ones produced by GenerateSelfSigned or
// loaded by an application-specific loader.
type staticCertificateSource struct {
	certs []tls.Certificate
}

// StaticCertificateSource wraps already-parsed certificates as a
// CertificateSource.
func StaticCertificateSource(certs ...tls.Certificate) CertificateSource {
	return staticCertificateSource{certs: certs}
}

func (s staticCertificateSource) Chain() ([]tls.Certificate, error) {
	return s.certs, nil
}

// GenerateSelfSigned produces a self-signed ECDSA certificate for the
// given hosts, valid for one year. Intended for local development and
// integration tests; production deployments must supply their own
// CertificateSource backed by a real CA-issued chain.
func GenerateSelfSigned(hosts ...string) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, wrapf(ErrConnection, "generate self-signed key: %v", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, wrapf(ErrConnection, "generate serial: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"unison-dev"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		DNSNames:     hosts,
	}
	if len(hosts) == 0 {
		template.DNSNames = []string{"localhost"}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, wrapf(ErrConnection, "create self-signed certificate: %v", err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// serverTLSConfig builds the TLS 1.3 config a Server listens with.
func serverTLSConfig(source CertificateSource) (*tls.Config, error) {
	certs, err := source.Chain()
	if err != nil {
		return nil, wrapf(ErrConnection, "load certificate chain: %v", err)
	}
	return &tls.Config{
		Certificates: certs,
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// clientTLSConfig builds the TLS 1.3 config a Client dials with.
// insecureSkipVerify installs a verifier that accepts any server
// certificate — for development only ("The client MAY, for
// development, install a verifier that accepts any server certificate;
// production deployments MUST supply a verifying configuration").
func clientTLSConfig(insecureSkipVerify bool, rootCAs *x509.CertPool) *tls.Config {
	return &tls.Config{
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: insecureSkipVerify,
		RootCAs:            rootCAs,
	}
}
