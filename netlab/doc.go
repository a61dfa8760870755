// Package netlab emulates small networks of hosts, switches, and shaped
// links, and lets you drive them from Go code or from an interactive shell.
//
// The entry point is [Network]. You create one with [NewNetwork], choosing
// the [LinkKind] (use [TCLink] when you need to shape traffic) and the
// backend implementing hosts and links:
//
// - [BackendKernel] creates one Linux network namespace per host, a veth
// pair per link, a Linux bridge per switch, and implements shaping using
// tc-netem(8) qdiscs. It requires the CAP_NET_ADMIN capability;
//
// - [BackendUserspace] creates one gVisor-based TCP/IP stack per host (see
// [UserspaceStack]) and forwards frames between stacks using goroutines that
// emulate packet loss, delay, jitter, and bandwidth. It does not require
// any privilege, which makes it the backend used by tests.
//
// The lifecycle of a [Network] mirrors the one of a real testbed. You first
// populate it using [Network.AddHost], [Network.AddSwitch], and
// [Network.AddLink]. A [Link] gives you access to its two interfaces, which
// you may shape using [Intf.Config]. Shaping applies to the frames leaving
// an interface, therefore configuring only [Link.Intf1] yields an
// asymmetric link. Then you call [Network.Start], use the hosts, and
// finally call [Network.Stop] to release all the emulated resources.
//
// Once started, each [Host] implements [UnderlyingNetwork], so you can dial
// and listen using the emulated network as you would do with the [net]
// package. Each host also runs a DNS resolver that knows the name of every
// host in the network and a UDP echo service used by [Ping].
//
// Because building topologies by hand is error prone, [Topology] describes
// hosts, switches, and links declaratively. See [PairTopology],
// [SingleSwitchTopology], and [LoadTopology].
package netlab
