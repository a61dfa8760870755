package netlab

//
// HTTP client
//

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// HTTPUnderlyingNetwork is the [UnderlyingNetwork] used by HTTP code.
type HTTPUnderlyingNetwork interface {
	UnderlyingNetwork
	IPAddress() string
	Logger() Logger
	ServerTLSConfig() *tls.Config
}

// NewHTTPTransport creates a new [http.Transport] using an [UnderlyingNetwork].
//
// We fill the following fields of the transport:
//
// - DialContext to resolve host names like "h2" and dial using the stack;
//
// - DialTLSContext to also trust the CA of the emulated network;
//
// - ForceAttemptHTTP2 to force enabling the HTTP/2 protocol.
func NewHTTPTransport(stack HTTPUnderlyingNetwork) *http.Transport {
	rd := &resolvingDialer{stack}
	return &http.Transport{
		DialContext:       rd.DialContext,
		DialTLSContext:    rd.DialTLSContext,
		ForceAttemptHTTP2: true,
	}
}

// HTTP3Transport is an [http.RoundTripper] speaking HTTP/3 over the
// given [UnderlyingNetwork]. The zero value is invalid; please, use
// [NewHTTP3Transport] to construct.
type HTTP3Transport struct {
	mu    sync.Mutex
	conns []net.PacketConn
	rt    *http3.RoundTripper
	stack HTTPUnderlyingNetwork
}

var _ http.RoundTripper = &HTTP3Transport{}

// NewHTTP3Transport creates a new [HTTP3Transport]. You MUST call
// [HTTP3Transport.Close] when done to release the UDP sockets.
func NewHTTP3Transport(stack HTTPUnderlyingNetwork) *HTTP3Transport {
	txp := &HTTP3Transport{
		mu:    sync.Mutex{},
		conns: []net.PacketConn{},
		stack: stack,
	}
	txp.rt = &http3.RoundTripper{
		TLSClientConfig: &tls.Config{
			RootCAs: stack.DefaultCertPool(),
		},
		Dial: txp.dial,
	}
	return txp
}

// dial creates a QUIC connection using the underlying network.
func (txp *HTTP3Transport) dial(
	ctx context.Context, addr string, tlsConfig *tls.Config, quicConfig *quic.Config) (quic.EarlyConnection, error) {
	hostname, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	portnum, err := strconv.Atoi(port)
	if err != nil {
		return nil, err
	}
	rd := &resolvingDialer{txp.stack}
	addrs, err := rd.LookupHost(ctx, hostname)
	if err != nil {
		return nil, err
	}
	remoteAddr := &net.UDPAddr{IP: net.ParseIP(addrs[0]), Port: portnum}

	// bind to the stack address so the server can reply to us
	localAddr := &net.UDPAddr{IP: net.ParseIP(txp.stack.IPAddress()), Port: 0}
	pconn, err := txp.stack.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, err
	}
	txp.mu.Lock()
	txp.conns = append(txp.conns, pconn)
	txp.mu.Unlock()

	return quic.DialEarlyContext(ctx, pconn, remoteAddr, hostname, tlsConfig, quicConfig)
}

// RoundTrip implements http.RoundTripper.
func (txp *HTTP3Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	return txp.rt.RoundTrip(req)
}

// Close closes the QUIC connections and the UDP sockets.
func (txp *HTTP3Transport) Close() error {
	errs := []error{txp.rt.Close()}
	txp.mu.Lock()
	for _, pconn := range txp.conns {
		errs = append(errs, pconn.Close())
	}
	txp.conns = nil
	txp.mu.Unlock()
	return errors.Join(errs...)
}
