package netlab

//
// Host network stack in userspace
//

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"syscall"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
)

// UserspaceStackConfig contains the configuration of a [UserspaceStack].
type UserspaceStackConfig struct {
	// Logger is the MANDATORY logger.
	Logger Logger

	// MITM is the MANDATORY TLS configuration shared by the network.
	MITM *TLSMITMConfig

	// MTU is the OPTIONAL MTU (default: 1500). Use at least 1252 bytes
	// when the host speaks HTTP/3.
	MTU uint32

	// Name is the MANDATORY interface name (e.g., h1-eth0).
	Name string

	// Prefix is the MANDATORY IPv4 address and subnet of the host.
	Prefix netip.Prefix

	// Resolver is the MANDATORY IPv4 address of the DNS server.
	Resolver netip.Addr
}

// UserspaceStack is the network stack of a host of the userspace
// backend. It is an [UnderlyingNetwork] for the programs running on
// the host and a [NIC] for the link connecting the host. The zero value
// is invalid; use [NewUserspaceStack] to construct.
type UserspaceStack struct {
	mitm     *TLSMITMConfig
	nic      *gvisorNIC
	resolver netip.Addr
}

var (
	_ HTTPUnderlyingNetwork = &UserspaceStack{}
	_ NIC                   = &UserspaceStack{}
)

// NewUserspaceStack creates a [UserspaceStack].
func NewUserspaceStack(config *UserspaceStackConfig) (*UserspaceStack, error) {
	if !config.Resolver.Is4() {
		return nil, fmt.Errorf("%w: resolver %s", ErrNotIPAddress, config.Resolver)
	}
	mtu := config.MTU
	if mtu <= 0 {
		mtu = 1500
	}
	nic, err := newGVisorNIC(config.Logger, config.Name, config.Prefix, mtu)
	if err != nil {
		return nil, err
	}
	stack := &UserspaceStack{
		mitm:     config.MITM,
		nic:      nic,
		resolver: config.Resolver,
	}
	return stack, nil
}

// Logger implements HTTPUnderlyingNetwork
func (us *UserspaceStack) Logger() Logger {
	return us.nic.logger
}

// ServerTLSConfig implements HTTPUnderlyingNetwork
func (us *UserspaceStack) ServerTLSConfig() *tls.Config {
	return us.mitm.TLSConfig()
}

// DefaultCertPool implements UnderlyingNetwork.
func (us *UserspaceStack) DefaultCertPool() *x509.CertPool {
	return us.mitm.CertPool()
}

// FrameAvailable implements NIC
func (us *UserspaceStack) FrameAvailable() <-chan any {
	return us.nic.FrameAvailable()
}

// ReadFrameNonblocking implements NIC
func (us *UserspaceStack) ReadFrameNonblocking() (*Frame, error) {
	return us.nic.ReadFrameNonblocking()
}

// StackClosed implements NIC
func (us *UserspaceStack) StackClosed() <-chan any {
	return us.nic.StackClosed()
}

// IPAddress implements NIC
func (us *UserspaceStack) IPAddress() string {
	return us.nic.IPAddress()
}

// InterfaceName implements NIC
func (us *UserspaceStack) InterfaceName() string {
	return us.nic.InterfaceName()
}

// WriteFrame implements NIC
func (us *UserspaceStack) WriteFrame(frame *Frame) error {
	return us.nic.WriteFrame(frame)
}

// Close brings the interface down.
func (us *UserspaceStack) Close() error {
	return us.nic.Close()
}

// DialContext implements UnderlyingNetwork. The address MUST contain
// an IPv4 address; use a [resolvingDialer] to dial host names.
func (us *UserspaceStack) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	raddr, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}
	switch network {
	case "tcp":
		conn, err := us.nic.dialTCP(ctx, raddr)
		if err != nil {
			return nil, gvisorMapError(err)
		}
		return &userspaceConn{conn}, nil
	case "udp":
		conn, err := us.nic.dialUDP(raddr)
		if err != nil {
			return nil, gvisorMapError(err)
		}
		return &userspaceConn{conn}, nil
	default:
		return nil, syscall.EPROTOTYPE
	}
}

// GetaddrinfoLookupANY implements UnderlyingNetwork using the DNS server
// of the host, which knows the names of all the hosts.
func (us *UserspaceStack) GetaddrinfoLookupANY(ctx context.Context, domain string) ([]string, string, error) {
	if net.ParseIP(domain) != nil {
		return []string{domain}, "", nil
	}
	query := DNSNewRequestA(domain)
	resp, err := DNSRoundTrip(ctx, us, us.resolver.String(), query)
	if err != nil {
		return nil, "", err
	}
	return DNSParseResponse(query, resp)
}

// GetaddrinfoResolverNetwork implements UnderlyingNetwork
func (us *UserspaceStack) GetaddrinfoResolverNetwork() string {
	return "getaddrinfo"
}

// userspaceAddrPort converts a listening address, where nil means
// any address and any port, to a [netip.AddrPort].
func userspaceAddrPort(ip net.IP, port int) (netip.AddrPort, error) {
	if ip == nil {
		return netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(port)), nil
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, syscall.EADDRNOTAVAIL
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}

// ListenUDP implements UnderlyingNetwork.
func (us *UserspaceStack) ListenUDP(network string, addr *net.UDPAddr) (UDPLikeConn, error) {
	if network != "udp" {
		return nil, syscall.EPROTOTYPE
	}
	if addr == nil {
		addr = &net.UDPAddr{}
	}
	laddr, err := userspaceAddrPort(addr.IP, addr.Port)
	if err != nil {
		return nil, err
	}
	pconn, err := us.nic.listenUDP(laddr)
	if err != nil {
		return nil, gvisorMapError(err)
	}
	return &userspacePacketConn{pconn}, nil
}

// ListenTCP implements UnderlyingNetwork
func (us *UserspaceStack) ListenTCP(network string, addr *net.TCPAddr) (net.Listener, error) {
	if network != "tcp" {
		return nil, syscall.EPROTOTYPE
	}
	if addr == nil {
		addr = &net.TCPAddr{}
	}
	laddr, err := userspaceAddrPort(addr.IP, addr.Port)
	if err != nil {
		return nil, err
	}
	listener, err := us.nic.listenTCP(laddr)
	if err != nil {
		return nil, gvisorMapError(err)
	}
	return &userspaceListener{listener}, nil
}

// gvisorErrors maps the text of gvisor errors, which gonet does not
// expose as values, to the errors the kernel would return.
//
// See https://github.com/google/gvisor/blob/master/pkg/tcpip/errors.go
var gvisorErrors = map[string]error{
	"connection aborted":             syscall.ECONNABORTED,
	"connection reset by peer":       syscall.ECONNRESET,
	"connection was refused":         syscall.ECONNREFUSED,
	"endpoint is closed for receive": net.ErrClosed,
	"endpoint is closed for send":    net.ErrClosed,
	"endpoint is in invalid state":   syscall.EINVAL,
	"host is down":                   syscall.EHOSTDOWN,
	"machine is not on the network":  syscall.ENETDOWN,
	"network is unreachable":         syscall.ENETUNREACH,
	"no route to host":               syscall.EHOSTUNREACH,
	"operation timed out":            syscall.ETIMEDOUT,
	"port is in use":                 syscall.EADDRINUSE,
}

// gvisorMapError maps a gvisor error to the corresponding kernel error
// or returns it unchanged. Timeouts are left alone so that callers can
// still detect them as [net.Error] timeouts.
func gvisorMapError(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return err
	}
	text := err.Error()
	for suffix, mapped := range gvisorErrors {
		if strings.HasSuffix(text, suffix) {
			return mapped
		}
	}
	return err
}

// userspaceConn is a [net.Conn] returning kernel-like errors.
type userspaceConn struct {
	net.Conn
}

// Read implements net.Conn
func (uc *userspaceConn) Read(b []byte) (int, error) {
	count, err := uc.Conn.Read(b)
	return count, gvisorMapError(err)
}

// Write implements net.Conn
func (uc *userspaceConn) Write(b []byte) (int, error) {
	count, err := uc.Conn.Write(b)
	return count, gvisorMapError(err)
}

// userspacePacketConn is an [UDPLikeConn] returning kernel-like errors
// that quic-go treats as a plain [net.PacketConn].
type userspacePacketConn struct {
	*gonet.UDPConn
}

var _ UDPLikeConn = &userspacePacketConn{}

// ReadFrom implements UDPLikeConn
func (upc *userspacePacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	count, addr, err := upc.UDPConn.ReadFrom(p)
	return count, addr, gvisorMapError(err)
}

// WriteTo implements UDPLikeConn
func (upc *userspacePacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	count, err := upc.UDPConn.WriteTo(p, addr)
	return count, gvisorMapError(err)
}

// SetReadBuffer implements UDPLikeConn. The gvisor buffers are fixed.
func (upc *userspacePacketConn) SetReadBuffer(bytes int) error {
	return nil
}

// SyscallConn implements UDPLikeConn
func (upc *userspacePacketConn) SyscallConn() (syscall.RawConn, error) {
	return userspaceRawConn{}, nil
}

// userspaceRawConn is a [syscall.RawConn] without a file descriptor.
type userspaceRawConn struct{}

// Control implements syscall.RawConn
func (userspaceRawConn) Control(f func(fd uintptr)) error {
	return nil
}

// Read implements syscall.RawConn
func (userspaceRawConn) Read(f func(fd uintptr) (done bool)) error {
	return nil
}

// Write implements syscall.RawConn
func (userspaceRawConn) Write(f func(fd uintptr) (done bool)) error {
	return nil
}

// userspaceListener is a [net.Listener] returning kernel-like errors.
type userspaceListener struct {
	*gonet.TCPListener
}

// Accept implements net.Listener
func (ul *userspaceListener) Accept() (net.Conn, error) {
	conn, err := ul.TCPListener.Accept()
	if err != nil {
		return nil, gvisorMapError(err)
	}
	return &userspaceConn{conn}, nil
}
