// Package topology contains helper code to create the network of the commands.
package topology

import (
	"errors"

	"github.com/EstebanGZam/udp-practice/cmd/internal/optional"
	"github.com/EstebanGZam/udp-practice/netlab"
)

// Load returns the topology of a command.
//
// Arguments:
//
// - spec is a built-in topology spec such as "pair" or "single,3";
//
// - custom is the OPTIONAL path of a YAML or DOT topology file, which,
// when present, takes precedence over spec;
//
// - loss is the loss percentage of the built-in topologies.
func Load(spec string, custom optional.Value[string], loss float64) (*netlab.Topology, error) {
	if !custom.Empty() {
		return netlab.LoadTopology(custom.Unwrap())
	}
	return netlab.ParseTopoSpec(spec, loss)
}

// New creates a network using TCLinks and adds the nodes and links of
// the given topology. The caller MUST call Stop on the returned network.
//
// Arguments:
//
// - backend is the backend emulating the network;
//
// - topo is the topology to build;
//
// - pcapDir is the OPTIONAL directory where the userspace backend
// writes a PCAP file for each host interface;
//
// - logger is the logger to use;
//
// - extra contains additional network options (e.g., [netlab.WithMTU]).
func New(
	backend netlab.Backend,
	topo *netlab.Topology,
	pcapDir optional.Value[string],
	logger netlab.Logger,
	extra ...netlab.Option,
) (*netlab.Network, error) {
	options := []netlab.Option{
		netlab.WithBackend(backend),
		netlab.WithLinkKind(netlab.TCLink),
		netlab.WithLogger(logger),
	}
	if !pcapDir.Empty() {
		options = append(options, netlab.WithPCAPDir(pcapDir.Unwrap()))
	}
	network := netlab.NewNetwork(append(options, extra...)...)
	if err := topo.Build(network); err != nil {
		return nil, errors.Join(err, network.Stop())
	}
	return network, nil
}
