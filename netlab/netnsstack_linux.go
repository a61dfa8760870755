//go:build linux

package netlab

//
// Host network stack inside a network namespace
//

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
)

// netnsStack is the [hostStack] of the kernel backend. It creates sockets
// from a thread that temporarily enters the host namespace. Once created,
// a socket stays inside the namespace regardless of the thread using it.
type netnsStack struct {
	ip     string
	logger Logger
	mitm   *TLSMITMConfig
	ns     *kernelNamespace
	std    *Stdlib
}

var _ hostStack = &netnsStack{}

// DefaultCertPool implements UnderlyingNetwork.
func (s *netnsStack) DefaultCertPool() *x509.CertPool {
	return s.mitm.CertPool()
}

// DialContext implements UnderlyingNetwork.
func (s *netnsStack) DialContext(ctx context.Context, network, address string) (conn net.Conn, err error) {
	err = s.ns.Do(func() (err error) {
		conn, err = s.std.DialContext(ctx, network, address)
		return
	})
	return
}

// GetaddrinfoLookupANY implements UnderlyingNetwork using
// the DNS server running inside the host.
func (s *netnsStack) GetaddrinfoLookupANY(ctx context.Context, domain string) ([]string, string, error) {
	if net.ParseIP(domain) != nil {
		return []string{domain}, "", nil
	}
	query := DNSNewRequestA(domain)
	resp, err := DNSRoundTrip(ctx, s, s.ip, query)
	if err != nil {
		return nil, "", err
	}
	return DNSParseResponse(query, resp)
}

// GetaddrinfoResolverNetwork implements UnderlyingNetwork.
func (s *netnsStack) GetaddrinfoResolverNetwork() string {
	return "udp"
}

// ListenTCP implements UnderlyingNetwork.
func (s *netnsStack) ListenTCP(network string, addr *net.TCPAddr) (listener net.Listener, err error) {
	err = s.ns.Do(func() (err error) {
		listener, err = s.std.ListenTCP(network, addr)
		return
	})
	return
}

// ListenUDP implements UnderlyingNetwork.
func (s *netnsStack) ListenUDP(network string, addr *net.UDPAddr) (pconn UDPLikeConn, err error) {
	err = s.ns.Do(func() (err error) {
		pconn, err = s.std.ListenUDP(network, addr)
		return
	})
	return
}

// IPAddress implements HTTPUnderlyingNetwork.
func (s *netnsStack) IPAddress() string {
	return s.ip
}

// Logger implements HTTPUnderlyingNetwork.
func (s *netnsStack) Logger() Logger {
	return s.logger
}

// ServerTLSConfig implements HTTPUnderlyingNetwork.
func (s *netnsStack) ServerTLSConfig() *tls.Config {
	return s.mitm.TLSConfig()
}

// Close implements hostStack. The backend owns the namespace,
// so there is nothing to release here.
func (s *netnsStack) Close() error {
	return nil
}
