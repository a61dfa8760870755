package netlab

//
// Topology descriptions
//

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Topology describes the nodes and links of a [Network]. You can write a
// topology by hand, use one of the built-in topologies, or load it from
// a YAML or DOT file using [LoadTopology].
//
// In YAML, a topology looks like this:
//
//	hosts: [h1, {name: h2, ip: 10.0.0.2}]
//	switches: [s1]
//	links:
//	  - {node1: h1, node2: s1, intf1: {loss: 5}}
//	  - {node1: h2, node2: s1}
type Topology struct {
	// Hosts contains the hosts to create in order.
	Hosts []TopoHost `yaml:"hosts"`

	// Switches contains the names of the switches to create in order.
	Switches []string `yaml:"switches,omitempty"`

	// Links contains the links to create in order.
	Links []TopoLink `yaml:"links,omitempty"`
}

// TopoHost describes a host of a [Topology].
type TopoHost struct {
	// Name is the host name.
	Name string `yaml:"name"`

	// IP is the OPTIONAL host IPv4 address.
	IP string `yaml:"ip,omitempty"`
}

// UnmarshalYAML allows writing a host as its bare name.
func (th *TopoHost) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		th.Name = value.Value
		return nil
	}
	type plain TopoHost
	return value.Decode((*plain)(th))
}

// TopoLink describes a link of a [Topology].
type TopoLink struct {
	// Node1 is the name of the first node.
	Node1 string `yaml:"node1"`

	// Node2 is the name of the second node.
	Node2 string `yaml:"node2"`

	// Intf1 is the config of the frames leaving Node1.
	Intf1 IntfConfig `yaml:"intf1,omitempty"`

	// Intf2 is the config of the frames leaving Node2.
	Intf2 IntfConfig `yaml:"intf2,omitempty"`
}

// PairTopology returns two hosts, h1 and h2, and a link between them
// losing the given percentage of the frames leaving h1-eth0. The frames
// leaving h2-eth0 are not shaped.
func PairTopology(loss float64) *Topology {
	return &Topology{
		Hosts: []TopoHost{{Name: "h1"}, {Name: "h2"}},
		Links: []TopoLink{{
			Node1: "h1",
			Node2: "h2",
			Intf1: IntfConfig{Loss: loss},
		}},
	}
}

// MinimalTopology returns two hosts linked to a single switch s1. Each
// link loses the given percentage of the frames leaving the host.
func MinimalTopology(loss float64) *Topology {
	return SingleSwitchTopology(2, loss)
}

// SingleSwitchTopology returns count hosts, h1 to hN, linked to a single
// switch s1. Each link loses the given percentage of the frames leaving
// the host.
func SingleSwitchTopology(count int, loss float64) *Topology {
	topo := &Topology{Switches: []string{"s1"}}
	for idx := 1; idx <= count; idx++ {
		name := fmt.Sprintf("h%d", idx)
		topo.Hosts = append(topo.Hosts, TopoHost{Name: name})
		topo.Links = append(topo.Links, TopoLink{
			Node1: name,
			Node2: "s1",
			Intf1: IntfConfig{Loss: loss},
		})
	}
	return topo
}

// LinearTopology returns count switches, s1 to sN, connected in a chain,
// with host hI linked to switch sI. Each host link loses the given
// percentage of the frames leaving the host. Only the [BackendKernel]
// supports links between switches.
func LinearTopology(count int, loss float64) *Topology {
	topo := &Topology{}
	for idx := 1; idx <= count; idx++ {
		host, sw := fmt.Sprintf("h%d", idx), fmt.Sprintf("s%d", idx)
		topo.Hosts = append(topo.Hosts, TopoHost{Name: host})
		topo.Switches = append(topo.Switches, sw)
		topo.Links = append(topo.Links, TopoLink{
			Node1: host,
			Node2: sw,
			Intf1: IntfConfig{Loss: loss},
		})
		if idx > 1 {
			topo.Links = append(topo.Links, TopoLink{
				Node1: fmt.Sprintf("s%d", idx-1),
				Node2: sw,
			})
		}
	}
	return topo
}

// ErrInvalidTopology indicates that a topology description is not valid.
var ErrInvalidTopology = errors.New("netlab: invalid topology")

// ParseTopoSpec parses a Mininet-like topology spec such as "pair",
// "minimal", "single,3", or "linear,4" and returns the corresponding
// built-in topology using the given loss percentage.
func ParseTopoSpec(spec string, loss float64) (*Topology, error) {
	name, arg, hasArg := strings.Cut(spec, ",")
	count := 0
	if hasArg {
		value, err := strconv.Atoi(arg)
		if err != nil || value <= 0 {
			return nil, fmt.Errorf("%w: %q: invalid count", ErrInvalidTopology, spec)
		}
		count = value
	}
	switch {
	case name == "pair" && !hasArg:
		return PairTopology(loss), nil
	case name == "minimal" && !hasArg:
		return MinimalTopology(loss), nil
	case name == "single" && hasArg:
		return SingleSwitchTopology(count, loss), nil
	case name == "linear" && hasArg:
		return LinearTopology(count, loss), nil
	default:
		return nil, fmt.Errorf("%w: unknown topology %q", ErrInvalidTopology, spec)
	}
}

// ParseYAMLTopology parses a YAML topology, rejecting unknown fields.
func ParseYAMLTopology(data []byte) (*Topology, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	topo := &Topology{}
	if err := decoder.Decode(topo); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTopology, err.Error())
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return topo, nil
}

// LoadTopology loads a topology from a YAML file (".yaml" or ".yml"
// extension) or from a DOT file (".dot" or ".gv" extension).
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAMLTopology(data)
	case ".dot", ".gv":
		return ParseDOTTopology(data)
	default:
		return nil, fmt.Errorf("%w: %s: unknown file extension", ErrInvalidTopology, path)
	}
}

// Validate checks that names are unique, that links refer to existing
// nodes, and that interface configs are valid.
func (t *Topology) Validate() error {
	names := map[string]bool{}
	for _, name := range t.nodeNames() {
		if name == "" {
			return fmt.Errorf("%w: empty node name", ErrInvalidTopology)
		}
		if names[name] {
			return fmt.Errorf("%w: duplicate node %s", ErrInvalidTopology, name)
		}
		names[name] = true
	}
	for _, link := range t.Links {
		if !names[link.Node1] || !names[link.Node2] {
			return fmt.Errorf("%w: link %s-%s refers to unknown nodes", ErrInvalidTopology, link.Node1, link.Node2)
		}
		for _, config := range []*IntfConfig{&link.Intf1, &link.Intf2} {
			if err := config.Validate(); err != nil {
				return fmt.Errorf("%w: link %s-%s: %w", ErrInvalidTopology, link.Node1, link.Node2, err)
			}
		}
	}
	return nil
}

func (t *Topology) nodeNames() (names []string) {
	for _, host := range t.Hosts {
		names = append(names, host.Name)
	}
	return append(names, t.Switches...)
}

// Build adds the topology hosts, switches, and links to the network in
// order and then configures the interfaces of each link.
func (t *Topology) Build(n *Network) error {
	if err := t.Validate(); err != nil {
		return err
	}
	for _, th := range t.Hosts {
		var options []HostOption
		if th.IP != "" {
			options = append(options, WithHostIP(th.IP))
		}
		if _, err := n.AddHost(th.Name, options...); err != nil {
			return err
		}
	}
	for _, name := range t.Switches {
		if _, err := n.AddSwitch(name); err != nil {
			return err
		}
	}
	for _, tl := range t.Links {
		node1, err := n.Node(tl.Node1)
		if err != nil {
			return err
		}
		node2, err := n.Node(tl.Node2)
		if err != nil {
			return err
		}
		link, err := n.AddLink(node1, node2)
		if err != nil {
			return err
		}
		if !tl.Intf1.IsZero() {
			if err := link.Intf1().Config(&tl.Intf1); err != nil {
				return err
			}
		}
		if !tl.Intf2.IsZero() {
			if err := link.Intf2().Config(&tl.Intf2); err != nil {
				return err
			}
		}
	}
	return nil
}
