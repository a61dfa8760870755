package netlab

//
// Dialing by host name
//

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
)

// ErrDial indicates that we could not connect to any address of a host.
var ErrDial = errors.New("netlab: dial failed")

// resolvingDialer dials host names such as "h2" by resolving them
// through the resolver of the emulated network first.
type resolvingDialer struct {
	stack UnderlyingNetwork
}

// DialContext resolves the host part of address, when it is not an IP
// address, and tries each resulting address in order.
func (rd *resolvingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	hostname, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	addrs := []string{hostname}
	if net.ParseIP(hostname) == nil {
		if addrs, err = rd.LookupHost(ctx, hostname); err != nil {
			return nil, err
		}
	}
	errs := []error{ErrDial}
	for _, ip := range addrs {
		endpoint := net.JoinHostPort(ip, port)
		conn, err := rd.stack.DialContext(ctx, network, endpoint)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", endpoint, err))
			continue
		}
		return conn, nil
	}
	return nil, errors.Join(errs...)
}

// DialTLSContext is like DialContext but also performs a TLS handshake
// trusting the CA of the emulated network.
func (rd *resolvingDialer) DialTLSContext(ctx context.Context, network, address string) (net.Conn, error) {
	hostname, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	conn, err := rd.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	tc := tls.Client(conn, &tls.Config{
		RootCAs:    rd.stack.DefaultCertPool(),
		ServerName: hostname,
	})
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tc, nil
}

// LookupHost returns the addresses of a host.
func (rd *resolvingDialer) LookupHost(ctx context.Context, hostname string) ([]string, error) {
	addrs, _, err := rd.stack.GetaddrinfoLookupANY(ctx, hostname)
	if err != nil {
		return nil, err
	}
	if len(addrs) <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrDNSNoAnswer, hostname)
	}
	return addrs, nil
}
