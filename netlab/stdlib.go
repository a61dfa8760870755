package netlab

//
// The kernel network stack of the current process
//

import (
	"context"
	"crypto/x509"
	"net"
)

// Stdlib is the [UnderlyingNetwork] of the kernel network stack the process
// runs in. Commands like udpserver use it when running inside a host of a
// [BackendKernel] network, while the backend itself uses it from threads
// that entered a host namespace. The zero value is ready to use.
type Stdlib struct {
	// Nameserver is the OPTIONAL IPv4 address of a [DNSServer] resolving
	// host names. When empty, we use the system resolver.
	Nameserver string

	// RootCAs is the OPTIONAL cert pool returned by DefaultCertPool.
	RootCAs *x509.CertPool
}

var _ UnderlyingNetwork = &Stdlib{}

// DefaultCertPool implements UnderlyingNetwork.
func (s *Stdlib) DefaultCertPool() *x509.CertPool {
	if s.RootCAs != nil {
		return s.RootCAs
	}
	if pool, err := x509.SystemCertPool(); err == nil {
		return pool
	}
	return x509.NewCertPool()
}

// DialContext implements UnderlyingNetwork. Unlike [net.Dial], it
// resolves host names using [Stdlib.GetaddrinfoLookupANY].
func (s *Stdlib) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	if net.ParseIP(host) == nil {
		return (&resolvingDialer{s}).DialContext(ctx, network, address)
	}
	return (&net.Dialer{}).DialContext(ctx, network, address)
}

// GetaddrinfoLookupANY implements UnderlyingNetwork.
func (s *Stdlib) GetaddrinfoLookupANY(ctx context.Context, domain string) ([]string, string, error) {
	if net.ParseIP(domain) != nil {
		return []string{domain}, "", nil
	}
	if s.Nameserver == "" {
		addrs, err := net.DefaultResolver.LookupHost(ctx, domain)
		return addrs, "", err
	}
	query := DNSNewRequestA(domain)
	resp, err := DNSRoundTrip(ctx, s, s.Nameserver, query)
	if err != nil {
		return nil, "", err
	}
	return DNSParseResponse(query, resp)
}

// GetaddrinfoResolverNetwork implements UnderlyingNetwork.
func (s *Stdlib) GetaddrinfoResolverNetwork() string {
	if s.Nameserver != "" {
		return "udp"
	}
	return "getaddrinfo"
}

// ListenTCP implements UnderlyingNetwork.
func (s *Stdlib) ListenTCP(network string, addr *net.TCPAddr) (net.Listener, error) {
	return net.ListenTCP(network, addr)
}

// ListenUDP implements UnderlyingNetwork.
func (s *Stdlib) ListenUDP(network string, addr *net.UDPAddr) (UDPLikeConn, error) {
	return net.ListenUDP(network, addr)
}
