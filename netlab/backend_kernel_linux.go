//go:build linux

package netlab

//
// Kernel backend: network namespaces, veth pairs, bridges, and tc-netem
//

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/containernetworking/plugins/pkg/ns"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// kernelNetnsDir is where netns.NewNamed bind mounts namespaces.
const kernelNetnsDir = "/run/netns"

// kernelNamespace is a named network namespace owned by the backend.
type kernelNamespace struct {
	handle netns.NsHandle
	name   string
	netNS  ns.NetNS
	nl     *netlink.Handle
}

// newKernelNamespace creates the named network namespace and brings up its
// loopback interface. The calling thread returns to its original namespace.
func newKernelNamespace(name string) (*kernelNamespace, error) {
	handle, err := kernelNewNamedNS(name)
	if err != nil {
		return nil, fmt.Errorf("ip netns add %s: %w", name, err)
	}
	kns := &kernelNamespace{handle: handle, name: name}
	kns.nl, err = netlink.NewHandleAt(handle)
	if err != nil {
		kns.Close()
		return nil, err
	}
	kns.netNS, err = ns.GetNS(filepath.Join(kernelNetnsDir, name))
	if err != nil {
		kns.Close()
		return nil, err
	}
	lo, err := kns.nl.LinkByName("lo")
	if err != nil {
		kns.Close()
		return nil, err
	}
	if err := kns.nl.LinkSetUp(lo); err != nil {
		kns.Close()
		return nil, err
	}
	return kns, nil
}

// kernelNewNamedNS creates a named namespace without leaving the calling
// thread inside it, because netns.NewNamed switches the current thread.
func kernelNewNamedNS(name string) (netns.NsHandle, error) {
	runtime.LockOSThread()
	origin, err := netns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		return 0, err
	}
	defer origin.Close()
	handle, err := netns.NewNamed(name)
	if errRestore := netns.Set(origin); errRestore != nil {
		// the thread is tainted: keep it locked so the runtime kills it
		return 0, errRestore
	}
	runtime.UnlockOSThread()
	return handle, err
}

// Do runs fx inside the namespace.
func (kns *kernelNamespace) Do(fx func() error) error {
	return kns.netNS.Do(func(ns.NetNS) error {
		return fx()
	})
}

// Close deletes the namespace and all the interfaces inside it.
func (kns *kernelNamespace) Close() error {
	if kns.nl != nil {
		kns.nl.Close()
	}
	if kns.netNS != nil {
		kns.netNS.Close()
	}
	kns.handle.Close()
	return netns.DeleteNamed(kns.name)
}

// kernelBackend is the [BackendKernel] driver.
type kernelBackend struct {
	logger     Logger
	namespaces []*kernelNamespace
	network    *Network
	nodes      map[Node]*kernelNamespace
	prefix     string
}

var _ backendDriver = &kernelBackend{}

// newKernelBackend creates the kernel backend, failing early
// when we do not have the privileges to create namespaces.
func newKernelBackend(n *Network) (backendDriver, error) {
	if unix.Geteuid() != 0 {
		return nil, fmt.Errorf("%w: %s backend requires root: %w", ErrBackendUnavailable, BackendKernel, unix.EPERM)
	}
	kb := &kernelBackend{
		logger:  n.logger,
		network: n,
		nodes:   map[Node]*kernelNamespace{},
		prefix:  fmt.Sprintf("netlab%d-", os.Getpid()),
	}
	return kb, nil
}

// newNamespace creates the namespace of a node.
func (kb *kernelBackend) newNamespace(node Node) (*kernelNamespace, error) {
	name := kb.prefix + node.Name()
	kb.logger.Infof("netlab: ip netns add %s", name)
	kns, err := newKernelNamespace(name)
	if err != nil {
		return nil, err
	}
	kb.namespaces = append(kb.namespaces, kns)
	kb.nodes[node] = kns
	return kns, nil
}

// newHost implements backendDriver.
func (kb *kernelBackend) newHost(host *Host) (hostStack, error) {
	kns, err := kb.newNamespace(host)
	if err != nil {
		return nil, err
	}
	stack := &netnsStack{
		ip:     host.ip,
		logger: kb.logger,
		mitm:   kb.network.mitm,
		ns:     kns,
		std:    &Stdlib{Nameserver: host.ip},
	}
	return stack, nil
}

// newSwitch implements backendDriver.
func (kb *kernelBackend) newSwitch(sw *Switch) error {
	kns, err := kb.newNamespace(sw)
	if err != nil {
		return err
	}
	attrs := netlink.NewLinkAttrs()
	attrs.Name = sw.name
	attrs.MTU = int(kb.network.mtu)
	bridge := &netlink.Bridge{LinkAttrs: attrs}
	kb.logger.Infof("netlab: ip link add %s type bridge", sw.name)
	if err := kns.nl.LinkAdd(bridge); err != nil {
		return fmt.Errorf("ip link add %s type bridge: %w", sw.name, err)
	}
	return kns.nl.LinkSetUp(bridge)
}

// newLink implements backendDriver.
func (kb *kernelBackend) newLink(link *Link) (linkDriver, error) {
	ns1, ns2 := kb.nodes[link.intf1.node], kb.nodes[link.intf2.node]
	if ns1 == nil || ns2 == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchNode, link)
	}

	// create the veth pair with each end directly inside its namespace
	attrs := netlink.NewLinkAttrs()
	attrs.Name = link.intf1.name
	attrs.MTU = int(kb.network.mtu)
	attrs.Namespace = netlink.NsFd(ns1.handle)
	veth := &netlink.Veth{
		LinkAttrs:     attrs,
		PeerName:      link.intf2.name,
		PeerNamespace: netlink.NsFd(ns2.handle),
	}
	kb.logger.Infof("netlab: ip link add %s type veth peer name %s", link.intf1.name, link.intf2.name)
	if err := netlink.LinkAdd(veth); err != nil {
		return nil, fmt.Errorf("ip link add %s: %w", link.intf1.name, err)
	}
	kl := &kernelLink{
		ends: [2]kernelLinkEnd{
			{name: link.intf1.name, ns: ns1},
			{name: link.intf2.name, ns: ns2},
		},
		logger: kb.logger,
	}

	// configure and bring up each end
	for _, intf := range []*Intf{link.intf1, link.intf2} {
		if err := kb.setupIntf(kb.nodes[intf.node], intf); err != nil {
			kl.Close()
			return nil, err
		}
	}
	return kl, nil
}

// setupIntf assigns the host address to the first interface of a host or
// attaches the interface to the bridge of a switch, then brings it up.
func (kb *kernelBackend) setupIntf(kns *kernelNamespace, intf *Intf) error {
	nlink, err := kns.nl.LinkByName(intf.name)
	if err != nil {
		return err
	}
	switch node := intf.node.(type) {
	case *Host:
		if node.intfs[0] == intf {
			addr := &netlink.Addr{IPNet: &net.IPNet{
				IP:   net.ParseIP(node.ip),
				Mask: net.CIDRMask(kb.network.ipBase.Bits(), 32),
			}}
			kb.logger.Infof("netlab: ip addr add %s dev %s", addr.IPNet, intf.name)
			if err := kns.nl.AddrAdd(nlink, addr); err != nil {
				return fmt.Errorf("ip addr add %s dev %s: %w", addr.IPNet, intf.name, err)
			}
		}
	case *Switch:
		bridge, err := kns.nl.LinkByName(node.name)
		if err != nil {
			return err
		}
		kb.logger.Infof("netlab: ip link set %s master %s", intf.name, node.name)
		if err := kns.nl.LinkSetMaster(nlink, bridge); err != nil {
			return err
		}
	}
	return kns.nl.LinkSetUp(nlink)
}

// exec implements backendDriver. The child process inherits the namespace
// of the thread that forks it, so we start it from inside the namespace.
func (kb *kernelBackend) exec(
	ctx context.Context, host *Host, cmdline string, stdout, stderr io.Writer) error {
	kns := kb.nodes[host]
	if kns == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchNode, host.name)
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdline)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := kns.Do(cmd.Start); err != nil {
		return err
	}
	return cmd.Wait()
}

// Close implements backendDriver.
func (kb *kernelBackend) Close() error {
	var errs []error
	for idx := len(kb.namespaces) - 1; idx >= 0; idx-- {
		kns := kb.namespaces[idx]
		kb.logger.Infof("netlab: ip netns del %s", kns.name)
		errs = append(errs, kns.Close())
	}
	kb.namespaces = nil
	return errors.Join(errs...)
}

// kernelLinkEnd is an end of a veth pair.
type kernelLinkEnd struct {
	name  string
	ns    *kernelNamespace
	qdisc string
}

// kernelLink is the [linkDriver] of the kernel backend.
type kernelLink struct {
	ends   [2]kernelLinkEnd
	logger Logger
}

// configure implements linkDriver. Like Mininet's TCLink, we use a root
// htb qdisc with a netem child when limiting the bandwidth and a root
// netem qdisc otherwise.
func (kl *kernelLink) configure(side int, config *IntfConfig) error {
	end := &kl.ends[side]
	nlink, err := end.ns.nl.LinkByName(end.name)
	if err != nil {
		return err
	}
	index := nlink.Attrs().Index

	// remove the previous root qdisc, if any
	if end.qdisc != "" {
		kl.logger.Infof("netlab: tc qdisc del dev %s root", end.name)
		root := &netlink.GenericQdisc{
			QdiscAttrs: netlink.QdiscAttrs{
				LinkIndex: index,
				Handle:    netlink.MakeHandle(1, 0),
				Parent:    netlink.HANDLE_ROOT,
			},
			QdiscType: end.qdisc,
		}
		if err := end.ns.nl.QdiscDel(root); err != nil && !errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("tc qdisc del dev %s root: %w", end.name, err)
		}
		end.qdisc = ""
	}
	if config.IsZero() {
		return nil
	}

	netemParent := uint32(netlink.HANDLE_ROOT)
	netemHandle := netlink.MakeHandle(1, 0)
	if config.Bandwidth > 0 {
		kl.logger.Infof("netlab: tc qdisc add dev %s root handle 1: htb default 1", end.name)
		htb := netlink.NewHtb(netlink.QdiscAttrs{
			LinkIndex: index,
			Handle:    netlink.MakeHandle(1, 0),
			Parent:    netlink.HANDLE_ROOT,
		})
		htb.Defcls = 1
		if err := end.ns.nl.QdiscAdd(htb); err != nil {
			return fmt.Errorf("tc qdisc add dev %s root htb: %w", end.name, err)
		}
		end.qdisc = "htb"

		kl.logger.Infof("netlab: tc class add dev %s parent 1: classid 1:1 htb rate %.2fMbit", end.name, config.Bandwidth)
		class := netlink.NewHtbClass(
			netlink.ClassAttrs{
				LinkIndex: index,
				Handle:    netlink.MakeHandle(1, 1),
				Parent:    netlink.MakeHandle(1, 0),
			},
			netlink.HtbClassAttrs{
				Rate: uint64(config.Bandwidth * 1000 * 1000 / 8),
			},
		)
		if err := end.ns.nl.ClassAdd(class); err != nil {
			return fmt.Errorf("tc class add dev %s: %w", end.name, err)
		}
		netemParent = netlink.MakeHandle(1, 1)
		netemHandle = netlink.MakeHandle(10, 0)
	}

	kl.logger.Infof("netlab: tc qdisc add dev %s netem %s", end.name, config.String())
	netem := netlink.NewNetem(
		netlink.QdiscAttrs{
			LinkIndex: index,
			Handle:    netemHandle,
			Parent:    netemParent,
		},
		netlink.NetemQdiscAttrs{
			Latency: uint32(config.Delay.Microseconds()),
			Jitter:  uint32(config.Jitter.Microseconds()),
			Loss:    float32(config.Loss),
			Limit:   uint32(linkFwdQueueSize(config)),
		},
	)
	if err := end.ns.nl.QdiscAdd(netem); err != nil {
		return fmt.Errorf("tc qdisc add dev %s netem: %w", end.name, err)
	}
	if end.qdisc == "" {
		end.qdisc = "netem"
	}
	return nil
}

// counters implements linkDriver. Frames dropped by netem
// are accounted by the qdisc rather than by the link.
func (kl *kernelLink) counters(side int) (IntfCounters, error) {
	end := &kl.ends[side]
	nlink, err := end.ns.nl.LinkByName(end.name)
	if err != nil {
		return IntfCounters{}, err
	}
	var counters IntfCounters
	if stats := nlink.Attrs().Statistics; stats != nil {
		counters.TxPackets = stats.TxPackets
		counters.TxBytes = stats.TxBytes
		counters.RxPackets = stats.RxPackets
		counters.RxBytes = stats.RxBytes
		counters.Dropped = stats.TxDropped
	}
	qdiscs, err := end.ns.nl.QdiscList(nlink)
	if err != nil {
		return IntfCounters{}, err
	}
	for _, qdisc := range qdiscs {
		stats := qdisc.Attrs().Statistics
		if qdisc.Type() == "netem" && stats != nil && stats.Queue != nil {
			counters.Dropped += uint64(stats.Queue.Drops)
		}
	}
	return counters, nil
}

// setUp implements linkDriver.
func (kl *kernelLink) setUp(up bool) error {
	for _, end := range kl.ends {
		nlink, err := end.ns.nl.LinkByName(end.name)
		if err != nil {
			return err
		}
		if up {
			kl.logger.Infof("netlab: ip link set %s up", end.name)
			err = end.ns.nl.LinkSetUp(nlink)
		} else {
			kl.logger.Infof("netlab: ip link set %s down", end.name)
			err = end.ns.nl.LinkSetDown(nlink)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Close implements linkDriver. Deleting an end of a veth pair also
// deletes its peer.
func (kl *kernelLink) Close() error {
	end := &kl.ends[0]
	nlink, err := end.ns.nl.LinkByName(end.name)
	if err != nil {
		return nil // already gone with its namespace
	}
	kl.logger.Infof("netlab: ip link del %s", end.name)
	return end.ns.nl.LinkDel(nlink)
}
