package netlab

//
// GVisor-based userspace network interface.
//
// Adapted from https://github.com/WireGuard/wireguard-go
//
// SPDX-License-Identifier: MIT
//

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/bufferv2"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// gvisorNICID is the ID of the only NIC of each stack.
const gvisorNICID = 1

// gvisorQueueSize is the number of outgoing packets the stack
// buffers before the link reads them.
const gvisorQueueSize = 1024

// gvisorNIC is an IPv4 TCP/IP stack in userspace with a single network
// interface. Seen from above, it creates TCP and UDP sockets. Seen from
// below, it is a [NIC] reading and writing IPv4 packets. The zero value
// is invalid; use [newGVisorNIC] to instantiate.
type gvisorNIC struct {
	closeOnce sync.Once
	closed    chan any
	endpoint  *channel.Endpoint
	logger    Logger
	name      string
	notify    chan any
	prefix    netip.Prefix
	stack     *stack.Stack
}

var _ NIC = &gvisorNIC{}

// newGVisorNIC creates a stack whose interface has the given name, MTU,
// and address. Like a Mininet host, the stack only routes the subnet of
// its address through the interface.
func newGVisorNIC(logger Logger, name string, prefix netip.Prefix, MTU uint32) (*gvisorNIC, error) {
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("%w: %s", ErrNotIPAddress, prefix)
	}
	gn := &gvisorNIC{
		closed:   make(chan any),
		endpoint: channel.New(gvisorQueueSize, MTU, ""),
		logger:   logger,
		name:     name,
		notify:   make(chan any),
		prefix:   prefix,
		stack: stack.New(stack.Options{
			NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
			TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
			HandleLocal:        true,
		}),
	}
	gn.endpoint.AddNotify(gn)

	if err := gn.stack.CreateNIC(gvisorNICID, gn.endpoint); err != nil {
		return nil, errors.New(err.String())
	}
	addr := tcpip.AddressWithPrefix{
		Address:   tcpip.Address(prefix.Addr().AsSlice()),
		PrefixLen: prefix.Bits(),
	}
	protoAddr := tcpip.ProtocolAddress{Protocol: ipv4.ProtocolNumber, AddressWithPrefix: addr}
	if err := gn.stack.AddProtocolAddress(gvisorNICID, protoAddr, stack.AddressProperties{}); err != nil {
		return nil, errors.New(err.String())
	}
	gn.stack.AddRoute(tcpip.Route{Destination: addr.Subnet(), NIC: gvisorNICID})

	logger.Infof("netlab: ip link set %s mtu %d up", name, MTU)
	logger.Infof("netlab: ip addr add %s dev %s", prefix, name)
	logger.Infof("netlab: ip route add %s dev %s", prefix.Masked(), name)
	return gn, nil
}

// IPAddress implements NIC
func (gn *gvisorNIC) IPAddress() string {
	return gn.prefix.Addr().String()
}

// InterfaceName implements NIC
func (gn *gvisorNIC) InterfaceName() string {
	return gn.name
}

// FrameAvailable implements NIC
func (gn *gvisorNIC) FrameAvailable() <-chan any {
	return gn.notify
}

// StackClosed implements NIC
func (gn *gvisorNIC) StackClosed() <-chan any {
	return gn.closed
}

// WriteNotify implements channel.Notification. GVisor calls it each
// time the stack emits a packet.
func (gn *gvisorNIC) WriteNotify() {
	select {
	case <-gn.closed:
	case gn.notify <- true:
	}
}

// ReadFrameNonblocking implements NIC
func (gn *gvisorNIC) ReadFrameNonblocking() (*Frame, error) {
	select {
	case <-gn.closed:
		return nil, ErrStackClosed
	default:
	}
	pktbuf := gn.endpoint.Read()
	if pktbuf.IsNil() {
		return nil, ErrNoPacket
	}
	view := pktbuf.ToView()
	pktbuf.DecRef()
	buffer := make([]byte, gn.endpoint.MTU())
	count, err := view.Read(buffer)
	if err != nil {
		return nil, err
	}
	return &Frame{Deadline: time.Now(), Payload: buffer[:count]}, nil
}

// WriteFrame implements NIC. We only deliver IPv4 packets.
func (gn *gvisorNIC) WriteFrame(frame *Frame) error {
	select {
	case <-gn.closed:
		return ErrStackClosed
	default:
	}
	packet := frame.Payload
	if len(packet) < 1 {
		return ErrDissectShortPacket
	}
	if packet[0]>>4 != 4 {
		return ErrDissectNetwork
	}
	pkb := stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: bufferv2.MakeWithData(packet)})
	gn.endpoint.InjectInbound(header.IPv4ProtocolNumber, pkb)
	return nil
}

// Close prevents sending and receiving packets.
func (gn *gvisorNIC) Close() error {
	gn.closeOnce.Do(func() {
		close(gn.closed)
		gn.logger.Infof("netlab: ip link set %s down", gn.name)
	})
	return nil
}

// fullAddr converts an IPv4 endpoint to a gvisor address. An
// unspecified address such as 0.0.0.0 binds to any address.
func (gn *gvisorNIC) fullAddr(endpoint netip.AddrPort) tcpip.FullAddress {
	fa := tcpip.FullAddress{NIC: gvisorNICID, Port: endpoint.Port()}
	if !endpoint.Addr().IsUnspecified() {
		fa.Addr = tcpip.Address(endpoint.Addr().AsSlice())
	}
	return fa
}

// dialTCP establishes a new TCP connection.
func (gn *gvisorNIC) dialTCP(ctx context.Context, raddr netip.AddrPort) (*gonet.TCPConn, error) {
	return gonet.DialContextTCP(ctx, gn.stack, gn.fullAddr(raddr), ipv4.ProtocolNumber)
}

// listenTCP creates a new listening TCP socket.
func (gn *gvisorNIC) listenTCP(laddr netip.AddrPort) (*gonet.TCPListener, error) {
	return gonet.ListenTCP(gn.stack, gn.fullAddr(laddr), ipv4.ProtocolNumber)
}

// dialUDP creates a connected UDP socket.
func (gn *gvisorNIC) dialUDP(raddr netip.AddrPort) (*gonet.UDPConn, error) {
	fa := gn.fullAddr(raddr)
	return gonet.DialUDP(gn.stack, nil, &fa, ipv4.ProtocolNumber)
}

// listenUDP creates an unconnected UDP socket.
func (gn *gvisorNIC) listenUDP(laddr netip.AddrPort) (*gonet.UDPConn, error) {
	fa := gn.fullAddr(laddr)
	return gonet.DialUDP(gn.stack, &fa, nil, ipv4.ProtocolNumber)
}
