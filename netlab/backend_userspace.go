package netlab

//
// Userspace backend
//

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"path/filepath"
)

// userspaceBackend emulates hosts with [UserspaceStack]s, switches with
// [Bridge]s, and links with [LinkForwarder]s.
type userspaceBackend struct {
	bridges map[*Switch]*Bridge
	logger  Logger
	network *Network
	nics    map[*Host]NIC
}

var _ backendDriver = &userspaceBackend{}

func newUserspaceBackend(n *Network) *userspaceBackend {
	return &userspaceBackend{
		bridges: map[*Switch]*Bridge{},
		logger:  n.logger,
		network: n,
		nics:    map[*Host]NIC{},
	}
}

// newHost implements backendDriver.
func (ub *userspaceBackend) newHost(host *Host) (hostStack, error) {
	// name the stack after the host interface, if any
	ifaceName := host.name + "-eth0"
	if len(host.intfs) > 0 {
		ifaceName = host.intfs[0].name
	}

	addr, err := netip.ParseAddr(host.ip)
	if err != nil {
		return nil, err
	}
	// the host resolves names using its own DNS server
	stack, err := NewUserspaceStack(&UserspaceStackConfig{
		Logger:   ub.logger,
		MITM:     ub.network.mitm,
		MTU:      ub.network.mtu,
		Name:     ifaceName,
		Prefix:   netip.PrefixFrom(addr, ub.network.ipBase.Bits()),
		Resolver: addr,
	})
	if err != nil {
		return nil, err
	}
	var nic NIC = stack
	if ub.network.pcapDir != "" {
		filename := filepath.Join(ub.network.pcapDir, ifaceName+".pcap")
		dumper, err := NewPCAPDumper(filename, stack, ub.logger)
		if err != nil {
			stack.Close()
			return nil, err
		}
		nic = dumper
	}
	ub.nics[host] = nic
	return stack, nil
}

// newSwitch implements backendDriver.
func (ub *userspaceBackend) newSwitch(sw *Switch) error {
	ub.bridges[sw] = NewBridge(ub.logger, sw.name)
	return nil
}

// nicFor returns the [NIC] connecting the given interface to its link.
func (ub *userspaceBackend) nicFor(intf *Intf) (NIC, error) {
	switch node := intf.node.(type) {
	case *Host:
		nic, found := ub.nics[node]
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchNode, node.name)
		}
		return nic, nil

	case *Switch:
		bridge, found := ub.bridges[node]
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchNode, node.name)
		}
		port := NewBridgePort(bridge, intf.name)
		for _, host := range hostsOf(intf.Peer().node) {
			bridge.AddFDBEntry(host.ip, port)
		}
		return port, nil

	default:
		return nil, ErrUnsupportedTopology
	}
}

// newLink implements backendDriver.
func (ub *userspaceBackend) newLink(link *Link) (linkDriver, error) {
	left, err := ub.nicFor(link.intf1)
	if err != nil {
		return nil, err
	}
	right, err := ub.nicFor(link.intf2)
	if err != nil {
		left.Close()
		return nil, err
	}
	config := &LinkConfig{
		LeftShaper:  NewLinkShaper(nil),
		RightShaper: NewLinkShaper(nil),
		Shaped:      ub.network.linkKind == TCLink,
	}
	fwd := NewLinkForwarder(ub.logger, left, right, config)
	ub.logger.Infof("netlab: ip link add %s type veth peer name %s", link.intf1.name, link.intf2.name)
	return &userspaceLink{fwd: fwd, logger: ub.logger, names: [2]string{link.intf1.name, link.intf2.name}}, nil
}

// exec implements backendDriver.
func (ub *userspaceBackend) exec(
	ctx context.Context, host *Host, cmdline string, stdout, stderr io.Writer) error {
	return fmt.Errorf("%w: %s backend", ErrExecUnsupported, BackendUserspace)
}

// Close implements backendDriver.
func (ub *userspaceBackend) Close() error {
	var errs []error
	for _, nic := range ub.nics {
		errs = append(errs, nic.Close())
	}
	for _, bridge := range ub.bridges {
		errs = append(errs, bridge.Close())
	}
	return errors.Join(errs...)
}

// userspaceLink is the [linkDriver] of the userspace backend.
type userspaceLink struct {
	fwd    *LinkForwarder
	logger Logger
	names  [2]string
}

// shaper returns the shaper of the frames leaving the given side.
func (ul *userspaceLink) shaper(side int) *LinkShaper {
	if side == 0 {
		return ul.fwd.LeftShaper()
	}
	return ul.fwd.RightShaper()
}

// configure implements linkDriver.
func (ul *userspaceLink) configure(side int, config *IntfConfig) error {
	ul.logger.Infof("netlab: tc qdisc replace dev %s root netem %s", ul.names[side], config.String())
	ul.shaper(side).Configure(config)
	return nil
}

// counters implements linkDriver.
func (ul *userspaceLink) counters(side int) (IntfCounters, error) {
	own, peer := ul.shaper(side), ul.shaper(1-side)
	txPackets, txBytes := own.Sent()
	rxPackets, rxBytes := peer.Delivered()
	counters := IntfCounters{
		TxPackets: txPackets,
		TxBytes:   txBytes,
		RxPackets: rxPackets,
		RxBytes:   rxBytes,
		Dropped:   own.Dropped(),
	}
	return counters, nil
}

// setUp implements linkDriver.
func (ul *userspaceLink) setUp(up bool) error {
	status := "down"
	if up {
		status = "up"
	}
	for _, name := range ul.names {
		ul.logger.Infof("netlab: ip link set %s %s", name, status)
	}
	ul.fwd.LeftShaper().SetUp(up)
	ul.fwd.RightShaper().SetUp(up)
	return nil
}

// Close implements linkDriver.
func (ul *userspaceLink) Close() error {
	return ul.fwd.Close()
}
