package netlab

//
// TLS: MITM configuration
//

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"github.com/google/martian/v3/mitm"
)

// TLSMITMConfig contains configuration for TLS MITM operations. You MUST use the
// [NewTLSMITMConfig] factory to create a new instance. A [Network] shares a
// single instance among all its hosts so that every host trusts the
// certificates that the other hosts generate on the fly.
type TLSMITMConfig struct {
	// cert is the fake CA certificate for MITM.
	cert *x509.Certificate

	// config is the MITM config to generate certificates on the fly.
	config *mitm.Config

	// key is the private key that signed the mitmCert.
	key *rsa.PrivateKey
}

// NewTLSMITMConfig creates a new [TLSMITMConfig].
func NewTLSMITMConfig() (*TLSMITMConfig, error) {
	cert, key, err := mitm.NewAuthority("netlab", "udp-practice", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	config, err := mitm.NewConfig(cert, key)
	if err != nil {
		return nil, err
	}
	mitmConfig := &TLSMITMConfig{
		cert:   cert,
		config: config,
		key:    key,
	}
	return mitmConfig, nil
}

// CertPool returns an [x509.CertPool] trusting only the MITM root CA.
func (c *TLSMITMConfig) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(c.cert)
	return pool
}

// CACert returns the MITM root CA certificate.
func (c *TLSMITMConfig) CACert() *x509.Certificate {
	return c.cert
}

// TLSConfig returns a *tls.Config that will generate certificates on-the-fly using
// the SNI extension in the TLS ClientHello, or the remote server's IP as a fallback SNI.
func (c *TLSMITMConfig) TLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: false,
		GetCertificate: func(clientHello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			martianConfig := c.config.TLSForHost(tlsAddrFromClientHello(clientHello))
			return martianConfig.GetCertificate(clientHello)
		},
		NextProtos: []string{"http/1.1"},
	}
}

// tlsAddrFromClientHello extracts the server addr from the ClientHelloInfo struct. This fixes
// cases where a host listens on, say, 10.0.0.2, and the client attempts to
// connect to the https://10.0.0.2/ URL without using any SNI.
func tlsAddrFromClientHello(clientHello *tls.ClientHelloInfo) string {
	if clientHello.ServerName != "" {
		return clientHello.ServerName
	}
	addr := clientHello.Conn.LocalAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
