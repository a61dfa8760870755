package netlab

//
// Hosts, switches, links, and interfaces
//

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
)

// Node is a [Host] or a [Switch] of a [Network].
type Node interface {
	// Name returns the node name (e.g., "h1").
	Name() string

	// Intfs returns the node interfaces in creation order.
	Intfs() []*Intf

	base() *nodeBase
}

// nodeBase contains the fields shared by all nodes.
type nodeBase struct {
	intfs   []*Intf
	name    string
	network *Network
}

// Name implements Node.
func (nb *nodeBase) Name() string {
	return nb.name
}

// Intfs implements Node.
func (nb *nodeBase) Intfs() []*Intf {
	nb.network.mu.Lock()
	defer nb.network.mu.Unlock()
	return append([]*Intf{}, nb.intfs...)
}

func (nb *nodeBase) base() *nodeBase {
	return nb
}

// Host is an emulated host. Once the [Network] has started, a Host
// is an [UnderlyingNetwork] you can use to dial and listen. Before the
// network starts and after it stops, traffic-bearing methods fail
// with [ErrNotStarted].
type Host struct {
	nodeBase

	// closers contains the services to close when stopping.
	closers []io.Closer

	// ip is the host IPv4 address.
	ip string

	// stack is the network stack, available once started.
	stack hostStack
}

var _ HTTPUnderlyingNetwork = &Host{}

// IP returns the host IPv4 address.
func (h *Host) IP() string {
	return h.ip
}

// IPAddress implements HTTPUnderlyingNetwork.
func (h *Host) IPAddress() string {
	return h.ip
}

// String implements fmt.Stringer.
func (h *Host) String() string {
	return h.name
}

// getStack returns the network stack or [ErrNotStarted].
func (h *Host) getStack() (hostStack, error) {
	h.network.mu.Lock()
	defer h.network.mu.Unlock()
	if h.network.state != Started || h.stack == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotStarted, h.name)
	}
	return h.stack, nil
}

// Logger implements HTTPUnderlyingNetwork.
func (h *Host) Logger() Logger {
	return h.network.logger
}

// ServerTLSConfig implements HTTPUnderlyingNetwork. It returns
// nil when the network has not been started.
func (h *Host) ServerTLSConfig() *tls.Config {
	stack, err := h.getStack()
	if err != nil {
		return nil
	}
	return stack.ServerTLSConfig()
}

// DefaultCertPool implements UnderlyingNetwork. Once the network
// has started, the pool trusts the certificates of all the hosts.
func (h *Host) DefaultCertPool() *x509.CertPool {
	stack, err := h.getStack()
	if err != nil {
		return x509.NewCertPool()
	}
	return stack.DefaultCertPool()
}

// DialContext implements UnderlyingNetwork.
func (h *Host) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	stack, err := h.getStack()
	if err != nil {
		return nil, err
	}
	return stack.DialContext(ctx, network, address)
}

// GetaddrinfoLookupANY implements UnderlyingNetwork. The host resolves
// names using the DNS server running on the host itself, which knows
// the names and addresses of all the hosts of the network.
func (h *Host) GetaddrinfoLookupANY(ctx context.Context, domain string) ([]string, string, error) {
	stack, err := h.getStack()
	if err != nil {
		return nil, "", err
	}
	return stack.GetaddrinfoLookupANY(ctx, domain)
}

// GetaddrinfoResolverNetwork implements UnderlyingNetwork.
func (h *Host) GetaddrinfoResolverNetwork() string {
	stack, err := h.getStack()
	if err != nil {
		return "getaddrinfo"
	}
	return stack.GetaddrinfoResolverNetwork()
}

// ListenTCP implements UnderlyingNetwork.
func (h *Host) ListenTCP(network string, addr *net.TCPAddr) (net.Listener, error) {
	stack, err := h.getStack()
	if err != nil {
		return nil, err
	}
	return stack.ListenTCP(network, addr)
}

// ListenUDP implements UnderlyingNetwork.
func (h *Host) ListenUDP(network string, addr *net.UDPAddr) (UDPLikeConn, error) {
	stack, err := h.getStack()
	if err != nil {
		return nil, err
	}
	return stack.ListenUDP(network, addr)
}

// Command runs the given shell command line inside the host, writing its
// output to stdout and stderr, and waits for it to terminate. Only the
// [BackendKernel] can run commands; the other backends fail with
// [ErrExecUnsupported].
func (h *Host) Command(ctx context.Context, cmdline string, stdout, stderr io.Writer) error {
	if _, err := h.getStack(); err != nil {
		return err
	}
	return h.network.driver.exec(ctx, h, cmdline, stdout, stderr)
}

// Track registers a service the [Network] closes when stopping. If the
// network is not running, Track closes the service immediately and
// returns [ErrNotStarted].
func (h *Host) Track(c io.Closer) error {
	h.network.mu.Lock()
	defer h.network.mu.Unlock()
	if h.network.state != Started {
		c.Close()
		return fmt.Errorf("%w: %s", ErrNotStarted, h.name)
	}
	h.closers = append(h.closers, c)
	return nil
}

// Switch is an emulated learning switch forwarding frames
// among the hosts linked to it.
type Switch struct {
	nodeBase
}

// String implements fmt.Stringer.
func (s *Switch) String() string {
	return s.name
}

// Link connects two nodes of a [Network]. The zero value is
// invalid; use [Network.AddLink] to create links.
type Link struct {
	driver  linkDriver
	intf1   *Intf
	intf2   *Intf
	network *Network
	up      bool
}

// Intf1 returns the interface of the first node.
func (l *Link) Intf1() *Intf {
	return l.intf1
}

// Intf2 returns the interface of the second node.
func (l *Link) Intf2() *Intf {
	return l.intf2
}

// String returns a Mininet-like description such as "h1-eth0<->h2-eth0".
func (l *Link) String() string {
	return fmt.Sprintf("%s<->%s", l.intf1.name, l.intf2.name)
}

// Status returns whether the link is administratively up.
func (l *Link) Status() bool {
	l.network.mu.Lock()
	defer l.network.mu.Unlock()
	return l.up
}

// SetStatus brings the link up or down. A link that is down drops all
// the frames in both directions. Before the network starts, the status
// is stored and applied when starting.
func (l *Link) SetStatus(up bool) error {
	l.network.mu.Lock()
	defer l.network.mu.Unlock()
	if l.network.state == Stopped {
		return fmt.Errorf("%w: network stopped", ErrInvalidState)
	}
	if l.driver != nil {
		if err := l.driver.setUp(up); err != nil {
			return err
		}
	}
	l.up = up
	return nil
}

// Intf is a network interface, which belongs to a node and to a
// [Link]. You obtain interfaces from the [Link] returned by
// [Network.AddLink], which is the only way to create them.
type Intf struct {
	config IntfConfig
	link   *Link
	name   string
	node   Node
	side   int
}

// Name returns the interface name (e.g., "h1-eth0").
func (i *Intf) Name() string {
	return i.name
}

// String implements fmt.Stringer.
func (i *Intf) String() string {
	return i.name
}

// Node returns the node owning the interface.
func (i *Intf) Node() Node {
	return i.node
}

// Link returns the link the interface belongs to.
func (i *Intf) Link() *Link {
	return i.link
}

// Peer returns the interface at the other end of the link.
func (i *Intf) Peer() *Intf {
	if i.side == 0 {
		return i.link.intf2
	}
	return i.link.intf1
}

// Config sets the traffic shaping parameters of the frames leaving the
// interface. Before the network starts, the config is validated and
// stored, and applied when starting. Once started, the config is
// applied immediately. Links of kind [PlainLink] fail with
// [ErrShapingUnsupported] unless the config is zero.
func (i *Intf) Config(config *IntfConfig) error {
	if config == nil {
		config = &IntfConfig{}
	}
	if err := config.Validate(); err != nil {
		return err
	}
	n := i.link.network
	if n.linkKind != TCLink && !config.IsZero() {
		return fmt.Errorf("%w: %s: %s", ErrShapingUnsupported, i.name, n.linkKind)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == Stopped {
		return fmt.Errorf("%w: network stopped", ErrInvalidState)
	}
	if drv := i.link.driver; drv != nil {
		if err := drv.configure(i.side, config); err != nil {
			return err
		}
	}
	i.config = *config
	return nil
}

// Params returns the current traffic shaping parameters.
func (i *Intf) Params() IntfConfig {
	n := i.link.network
	n.mu.Lock()
	defer n.mu.Unlock()
	return i.config
}

// Counters returns the traffic counters of the interface.
func (i *Intf) Counters() (IntfCounters, error) {
	n := i.link.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Started || i.link.driver == nil {
		return IntfCounters{}, fmt.Errorf("%w: %s", ErrNotStarted, i.name)
	}
	return i.link.driver.counters(i.side)
}

// hostsOf returns the hosts among the given nodes.
func hostsOf(nodes ...Node) (out []*Host) {
	for _, node := range nodes {
		if h, ok := node.(*Host); ok {
			out = append(out, h)
		}
	}
	return
}
