package netlab

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"testing"
)

// tlsHandshake performs a TLS handshake over a loopback connection
// and returns the client error and the server certificate.
func tlsHandshake(t *testing.T, server *TLSMITMConfig, roots *x509.CertPool, sni string) (*x509.Certificate, error) {
	listener := Must1(net.Listen("tcp", "127.0.0.1:0"))
	defer listener.Close()

	done := make(chan any)
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = tls.Server(conn, server.TLSConfig()).Handshake()
	}()
	defer func() { <-done }()

	conn := Must1(net.Dial("tcp", listener.Addr().String()))
	defer conn.Close()
	tlsClient := tls.Client(conn, &tls.Config{RootCAs: roots, ServerName: sni})
	if err := tlsClient.Handshake(); err != nil {
		return nil, err
	}
	return tlsClient.ConnectionState().PeerCertificates[0], nil
}

func TestTLSMITMConfig(t *testing.T) {
	config := Must1(NewTLSMITMConfig())

	t.Run("the CA certificate is a CA", func(t *testing.T) {
		if !config.CACert().IsCA {
			t.Fatal("expected a CA certificate")
		}
	})

	t.Run("we generate certificates for the SNI", func(t *testing.T) {
		cert, err := tlsHandshake(t, config, config.CertPool(), "h2")
		if err != nil {
			t.Fatal(err)
		}
		if err := cert.VerifyHostname("h2"); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("other networks do not trust our certificates", func(t *testing.T) {
		other := Must1(NewTLSMITMConfig())
		_, err := tlsHandshake(t, config, other.CertPool(), "h2")
		var unknownAuthority x509.UnknownAuthorityError
		if !errors.As(err, &unknownAuthority) {
			t.Fatal("unexpected error", err)
		}
	})
}

func TestTLSAddrFromClientHello(t *testing.T) {
	t.Run("with SNI", func(t *testing.T) {
		got := tlsAddrFromClientHello(&tls.ClientHelloInfo{ServerName: "h2"})
		if got != "h2" {
			t.Fatal("unexpected addr", got)
		}
	})

	t.Run("without SNI", func(t *testing.T) {
		conn := &tlsFakeConn{local: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 443}}
		got := tlsAddrFromClientHello(&tls.ClientHelloInfo{Conn: conn})
		if got != "10.0.0.2" {
			t.Fatal("unexpected addr", got)
		}
	})
}

// tlsFakeConn is a [net.Conn] with a local address.
type tlsFakeConn struct {
	net.Conn
	local net.Addr
}

func (c *tlsFakeConn) LocalAddr() net.Addr {
	return c.local
}
