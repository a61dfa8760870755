package netlab

//
// Emulated network
//

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// LinkKind selects the kind of links a [Network] creates.
type LinkKind int

const (
	// PlainLink is a link without traffic shaping.
	PlainLink = LinkKind(iota)

	// TCLink is a link supporting traffic shaping through [Intf.Config].
	TCLink
)

// String implements fmt.Stringer.
func (k LinkKind) String() string {
	switch k {
	case PlainLink:
		return "PlainLink"
	case TCLink:
		return "TCLink"
	default:
		return fmt.Sprintf("LinkKind(%d)", int(k))
	}
}

// State is the state of a [Network].
type State int

const (
	// Created means we can add nodes and links.
	Created = State(iota)

	// Started means hosts can exchange traffic.
	Started

	// Stopped means the network has released all its resources.
	Stopped
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrDuplicateAddress indicates that an address is already in use.
	ErrDuplicateAddress = errors.New("netlab: duplicate address")

	// ErrDuplicateNode indicates that a node name is already in use.
	ErrDuplicateNode = errors.New("netlab: duplicate node name")

	// ErrExecUnsupported indicates the backend cannot run commands inside hosts.
	ErrExecUnsupported = errors.New("netlab: backend cannot execute commands")

	// ErrInvalidMTU indicates that the MTU is outside [MinMTU, MaxMTU].
	ErrInvalidMTU = errors.New("netlab: invalid MTU")

	// ErrInvalidName indicates that a node name is not valid.
	ErrInvalidName = errors.New("netlab: invalid node name")

	// ErrInvalidState indicates that an operation is not valid in the current state.
	ErrInvalidState = errors.New("netlab: invalid network state")

	// ErrNoSuchNode indicates that a node does not exist.
	ErrNoSuchNode = errors.New("netlab: no such node")

	// ErrNotStarted indicates that the network is not running.
	ErrNotStarted = errors.New("netlab: network not started")

	// ErrShapingUnsupported indicates that the link kind does not support shaping.
	ErrShapingUnsupported = errors.New("netlab: link kind does not support shaping")

	// ErrTooManyLinks indicates that a node cannot have additional links.
	ErrTooManyLinks = errors.New("netlab: too many links")

	// ErrUnsupportedTopology indicates that the backend cannot emulate a topology.
	ErrUnsupportedTopology = errors.New("netlab: unsupported topology")
)

// Network is an emulated network of hosts, switches, and links. The zero
// value is invalid; please, use [NewNetwork] to construct.
//
// A network goes through three states. In the [Created] state you add
// hosts, switches, and links and configure interfaces. [Network.Start]
// creates the emulated resources and enters the [Started] state, where
// hosts can exchange traffic. [Network.Stop] releases the resources and
// enters the [Stopped] state. You MUST call [Network.Stop] when done,
// including when [Network.Start] fails, to release the resources that
// were created before the failure.
type Network struct {
	backend  Backend
	driver   backendDriver
	hosts    []*Host
	ipBase   netip.Prefix
	ipNext   netip.Addr
	linkKind LinkKind
	links    []*Link
	logger   Logger
	mitm     *TLSMITMConfig
	mtu      uint32
	mu       sync.Mutex
	nodes    map[string]Node
	pcapDir  string
	started  bool
	state    State
	stopOnce sync.Once
	switches []*Switch
}

// Option is an option for [NewNetwork].
type Option func(n *Network)

// WithBackend selects the [Backend]. The default is [BackendKernel].
func WithBackend(backend Backend) Option {
	return func(n *Network) {
		n.backend = backend
	}
}

// WithIPBase sets the prefix from which hosts get their addresses
// in creation order. The default is 10.0.0.0/8, so that the first
// host is 10.0.0.1, the second 10.0.0.2, and so on.
func WithIPBase(prefix netip.Prefix) Option {
	return func(n *Network) {
		n.ipBase = prefix.Masked()
	}
}

// WithLinkKind selects the [LinkKind]. The default is [PlainLink].
func WithLinkKind(kind LinkKind) Option {
	return func(n *Network) {
		n.linkKind = kind
	}
}

// WithLogger sets the [Logger]. The default is the [NullLogger].
func WithLogger(logger Logger) Option {
	return func(n *Network) {
		n.logger = logger
	}
}

const (
	// MinMTU is the smallest MTU, i.e., the datagram size every IPv4 host
	// must be able to reassemble.
	MinMTU = 576

	// MaxMTU is the largest MTU.
	MaxMTU = 65535
)

// WithMTU sets the MTU of the interfaces. The default is 1500.
// [Network.Start] fails with [ErrInvalidMTU] when the MTU is
// smaller than [MinMTU] or larger than [MaxMTU].
func WithMTU(mtu uint32) Option {
	return func(n *Network) {
		n.mtu = mtu
	}
}

// WithPCAPDir causes the [BackendUserspace] to capture the traffic of each
// host interface into "<dir>/<interface>.pcap". Other backends ignore it.
func WithPCAPDir(dir string) Option {
	return func(n *Network) {
		n.pcapDir = dir
	}
}

// NewNetwork creates a new, empty [Network] in the [Created] state.
func NewNetwork(options ...Option) *Network {
	n := &Network{
		backend:  BackendKernel,
		ipBase:   netip.MustParsePrefix("10.0.0.0/8"),
		linkKind: PlainLink,
		logger:   &NullLogger{},
		mtu:      1500,
		nodes:    map[string]Node{},
		state:    Created,
	}
	for _, option := range options {
		option(n)
	}
	n.ipNext = n.ipBase.Addr().Next()
	return n
}

// MTU returns the MTU of the interfaces.
func (n *Network) MTU() uint32 {
	return n.mtu
}

// Backend returns the [Backend] emulating the network.
func (n *Network) Backend() Backend {
	return n.backend
}

// LinkKind returns the [LinkKind] of the network links.
func (n *Network) LinkKind() LinkKind {
	return n.linkKind
}

// Logger returns the [Logger] used by the network.
func (n *Network) Logger() Logger {
	return n.logger
}

// State returns the current [State].
func (n *Network) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// nodeNameRe matches valid node names. We limit the length so that
// interface names such as "h1-eth0" fit into IFNAMSIZ.
var nodeNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,8}$`)

// checkNewNode checks whether we can add a node called name. This
// function assumes the caller is holding the mutex.
func (n *Network) checkNewNode(name string) error {
	if n.state != Created {
		return fmt.Errorf("%w: cannot add nodes when %s", ErrInvalidState, n.state)
	}
	if !nodeNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, found := n.nodes[name]; found {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, name)
	}
	return nil
}

// HostOption is an option for [Network.AddHost].
type HostOption func(h *Host) error

// WithHostIP assigns a specific IPv4 address to the host instead of
// the next address of the network prefix.
func WithHostIP(address string) HostOption {
	return func(h *Host) error {
		addr, err := netip.ParseAddr(address)
		if err != nil || !addr.Is4() {
			return fmt.Errorf("%w: %s", ErrNotIPAddress, address)
		}
		h.ip = addr.String()
		return nil
	}
}

// AddHost adds a host called name to the network.
func (n *Network) AddHost(name string, options ...HostOption) (*Host, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkNewNode(name); err != nil {
		return nil, err
	}
	host := &Host{
		nodeBase: nodeBase{
			name:    name,
			network: n,
		},
	}
	for _, option := range options {
		if err := option(host); err != nil {
			return nil, err
		}
	}
	if host.ip == "" {
		if !n.ipBase.Contains(n.ipNext) {
			return nil, fmt.Errorf("%w: %s exhausted", ErrDuplicateAddress, n.ipBase)
		}
		host.ip = n.ipNext.String()
		n.ipNext = n.ipNext.Next()
	}
	for _, other := range n.hosts {
		if other.ip == host.ip {
			return nil, fmt.Errorf("%w: %s used by %s", ErrDuplicateAddress, host.ip, other.name)
		}
	}
	n.nodes[name] = host
	n.hosts = append(n.hosts, host)
	return host, nil
}

// AddSwitch adds a switch called name to the network.
func (n *Network) AddSwitch(name string) (*Switch, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkNewNode(name); err != nil {
		return nil, err
	}
	sw := &Switch{
		nodeBase: nodeBase{
			name:    name,
			network: n,
		},
	}
	n.nodes[name] = sw
	n.switches = append(n.switches, sw)
	return sw, nil
}

// AddLink adds a link between the a and b nodes, which must belong to
// this network. The returned [Link] gives you access to the two new
// interfaces. Hosts number interfaces from zero (e.g., "h1-eth0") and
// switches from one (e.g., "s1-eth1").
func (n *Network) AddLink(a, b Node) (*Link, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Created {
		return nil, fmt.Errorf("%w: cannot add links when %s", ErrInvalidState, n.state)
	}
	for _, node := range []Node{a, b} {
		if node == nil || node.base().network != n || n.nodes[node.Name()] != node {
			return nil, fmt.Errorf("%w: node does not belong to this network", ErrNoSuchNode)
		}
	}
	if a == b {
		return nil, fmt.Errorf("%w: %s linked to itself", ErrUnsupportedTopology, a.Name())
	}
	if n.backend == BackendUserspace {
		if err := n.checkUserspaceLink(a, b); err != nil {
			return nil, err
		}
	}
	link := &Link{
		network: n,
		up:      true,
	}
	link.intf1 = n.newIntf(a, link, 0)
	link.intf2 = n.newIntf(b, link, 1)
	n.links = append(n.links, link)
	return link, nil
}

// checkUserspaceLink checks whether the userspace backend can emulate a
// link between a and b. This function assumes the caller holds the mutex.
func (n *Network) checkUserspaceLink(a, b Node) error {
	for _, h := range hostsOf(a, b) {
		if len(h.intfs) > 0 {
			return fmt.Errorf("%w: %s already has a link (%s backend)", ErrTooManyLinks, h.name, n.backend)
		}
	}
	if len(hostsOf(a, b)) <= 0 {
		return fmt.Errorf("%w: cannot link switches (%s backend)", ErrUnsupportedTopology, n.backend)
	}
	return nil
}

// newIntf creates a new interface of node for the given link.
func (n *Network) newIntf(node Node, link *Link, side int) *Intf {
	nb := node.base()
	index := len(nb.intfs)
	if _, isSwitch := node.(*Switch); isSwitch {
		index++
	}
	intf := &Intf{
		link: link,
		name: fmt.Sprintf("%s-eth%d", nb.name, index),
		node: node,
		side: side,
	}
	nb.intfs = append(nb.intfs, intf)
	return intf
}

// Hosts returns the hosts in creation order.
func (n *Network) Hosts() []*Host {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Host{}, n.hosts...)
}

// Switches returns the switches in creation order.
func (n *Network) Switches() []*Switch {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Switch{}, n.switches...)
}

// Links returns the links in creation order.
func (n *Network) Links() []*Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Link{}, n.links...)
}

// Node returns the node called name or [ErrNoSuchNode].
func (n *Network) Node(name string) (Node, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	node, found := n.nodes[name]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchNode, name)
	}
	return node, nil
}

// Host returns the host called name or [ErrNoSuchNode].
func (n *Network) Host(name string) (*Host, error) {
	node, err := n.Node(name)
	if err != nil {
		return nil, err
	}
	host, ok := node.(*Host)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a host", ErrNoSuchNode, name)
	}
	return host, nil
}

// NodeNames returns the sorted names of all the nodes.
func (n *Network) NodeNames() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var names []string
	for name := range n.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start creates the emulated hosts, switches, and links, applies the
// interface configs, and starts the services of each host: a DNS
// server on port 53/udp resolving the names of all the hosts and a
// UDP echo server on [EchoPort]. You can only start a network once.
//
// On failure, the network stays in the [Created] state and keeps track
// of the partially created resources, which [Network.Stop] releases.
func (n *Network) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Created || n.started {
		return fmt.Errorf("%w: cannot start when %s", ErrInvalidState, n.state)
	}
	if n.mtu < MinMTU || n.mtu > MaxMTU {
		return fmt.Errorf("%w: %d", ErrInvalidMTU, n.mtu)
	}
	n.started = true

	n.logger.Infof("*** Creating network (%s backend, %s)", n.backend, n.linkKind)
	mitm, err := NewTLSMITMConfig()
	if err != nil {
		return err
	}
	n.mitm = mitm
	driver, err := newBackendDriver(n)
	if err != nil {
		return err
	}
	n.driver = driver

	n.logger.Infof("*** Adding hosts: %s", nodeNamesOf(n.hosts))
	for _, host := range n.hosts {
		stack, err := driver.newHost(host)
		if err != nil {
			return fmt.Errorf("%s: %w", host.name, err)
		}
		host.stack = stack
	}

	n.logger.Infof("*** Adding switches: %s", nodeNamesOf(n.switches))
	for _, sw := range n.switches {
		if err := driver.newSwitch(sw); err != nil {
			return fmt.Errorf("%s: %w", sw.name, err)
		}
	}

	n.logger.Info("*** Adding links:")
	for _, link := range n.links {
		if err := n.startLink(link); err != nil {
			return fmt.Errorf("%s: %w", link, err)
		}
	}

	n.logger.Info("*** Starting host services")
	zone := NewHostsZone()
	for _, host := range n.hosts {
		Must0(zone.Add(host.name, host.ip))
	}
	for _, host := range n.hosts {
		if err := n.startServices(host, zone); err != nil {
			return fmt.Errorf("%s: %w", host.name, err)
		}
	}

	n.state = Started
	n.logger.Infof("*** Network started: %d hosts, %d switches, %d links",
		len(n.hosts), len(n.switches), len(n.links))
	return nil
}

// startLink creates the link and applies its status and configs.
func (n *Network) startLink(link *Link) error {
	drv, err := n.driver.newLink(link)
	if err != nil {
		return err
	}
	link.driver = drv
	var description []string
	for _, intf := range []*Intf{link.intf1, link.intf2} {
		if intf.config.IsZero() {
			continue
		}
		if err := drv.configure(intf.side, &intf.config); err != nil {
			return err
		}
		description = append(description, fmt.Sprintf("%s: %s", intf.name, intf.config.String()))
	}
	if !link.up {
		if err := drv.setUp(false); err != nil {
			return err
		}
	}
	n.logger.Infof("(%s, %s) %s", link.intf1.node.Name(), link.intf2.node.Name(), strings.Join(description, " "))
	return nil
}

// startServices starts the DNS and echo servers of a host.
func (n *Network) startServices(host *Host, zone *HostsZone) error {
	dnsServer, err := NewDNSServer(n.logger, host.stack, host.ip, zone)
	if err != nil {
		return err
	}
	host.closers = append(host.closers, dnsServer)
	echoServer, err := NewEchoServer(n.logger, host.stack, host.ip)
	if err != nil {
		return err
	}
	host.closers = append(host.closers, echoServer)
	return nil
}

// Stop stops the host services, the links, the hosts, and the switches
// and enters the [Stopped] state. Only the first call does something
// and returns the errors that occurred while stopping. Stop only releases
// resources that were actually created, so it is safe to call it when
// [Network.Start] failed or was never called.
func (n *Network) Stop() (err error) {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.state = Stopped
		var errs []error
		if n.driver == nil {
			return
		}

		n.logger.Infof("*** Stopping %d hosts services", len(n.hosts))
		for _, host := range n.hosts {
			for idx := len(host.closers) - 1; idx >= 0; idx-- {
				errs = append(errs, host.closers[idx].Close())
			}
			host.closers = nil
		}

		n.logger.Infof("*** Stopping %d links", len(n.links))
		for _, link := range n.links {
			if link.driver != nil {
				errs = append(errs, link.driver.Close())
			}
		}

		n.logger.Infof("*** Stopping %d hosts", len(n.hosts))
		for _, host := range n.hosts {
			if host.stack != nil {
				errs = append(errs, host.stack.Close())
			}
		}

		n.logger.Infof("*** Stopping %d switches", len(n.switches))
		errs = append(errs, n.driver.Close())

		n.logger.Info("*** Done")
		err = errors.Join(errs...)
	})
	return
}

// nodeNamesOf returns the space separated names of the given nodes.
func nodeNamesOf[T Node](nodes []T) string {
	var names []string
	for _, node := range nodes {
		names = append(names, node.Name())
	}
	return strings.Join(names, " ")
}
