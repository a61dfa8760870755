package netlab

//
// DOT topologies
//

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/multi"
)

// ParseDOTTopology parses an undirected DOT graph. Each node is a host
// unless it has the kind=switch attribute or, without a kind attribute,
// its name looks like a switch name (e.g., "s1"). Hosts may have the ip
// attribute. Each edge is a link whose loss, delay, jitter, bw, and
// max_queue_size attributes shape the frames leaving the first node,
// while the same attributes with the "peer_" prefix shape the frames
// leaving the second node. For example:
//
//	graph lossy {
//		h1 -- h2 [loss=5]
//	}
func ParseDOTTopology(data []byte) (*Topology, error) {
	g := newDotGraph()
	if err := dot.UnmarshalMulti(data, g); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTopology, err.Error())
	}
	if g.err != nil {
		return nil, g.err
	}
	topo := &Topology{}
	for _, node := range g.nodes {
		switch kind := node.attrs["kind"]; {
		case kind == "switch", kind == "" && dotSwitchNameRe.MatchString(node.dotID):
			topo.Switches = append(topo.Switches, node.dotID)
		case kind == "host", kind == "":
			topo.Hosts = append(topo.Hosts, TopoHost{Name: node.dotID, IP: node.attrs["ip"]})
		default:
			return nil, fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidTopology, node.dotID, kind)
		}
	}
	for _, line := range g.lines {
		link := TopoLink{
			Node1: line.From().(*dotNode).dotID,
			Node2: line.To().(*dotNode).dotID,
		}
		var err error
		if link.Intf1, err = dotIntfConfig(line.attrs, ""); err != nil {
			return nil, err
		}
		if link.Intf2, err = dotIntfConfig(line.attrs, "peer_"); err != nil {
			return nil, err
		}
		topo.Links = append(topo.Links, link)
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return topo, nil
}

// dotSwitchNameRe matches the Mininet switch names.
var dotSwitchNameRe = regexp.MustCompile(`^s[0-9]+$`)

// dotIntfConfig builds an [IntfConfig] from the edge attributes.
func dotIntfConfig(attrs map[string]string, prefix string) (config IntfConfig, err error) {
	parseFloat := func(key string, dst *float64) {
		if value, found := attrs[prefix+key]; found && err == nil {
			if *dst, err = strconv.ParseFloat(value, 64); err != nil {
				err = fmt.Errorf("%w: %s=%q: %w", ErrInvalidTopology, prefix+key, value, err)
			}
		}
	}
	parseDuration := func(key string, dst *time.Duration) {
		if value, found := attrs[prefix+key]; found && err == nil {
			if *dst, err = time.ParseDuration(value); err != nil {
				err = fmt.Errorf("%w: %s=%q: %w", ErrInvalidTopology, prefix+key, value, err)
			}
		}
	}
	parseFloat("loss", &config.Loss)
	parseFloat("bw", &config.Bandwidth)
	parseDuration("delay", &config.Delay)
	parseDuration("jitter", &config.Jitter)
	if value, found := attrs[prefix+"max_queue_size"]; found && err == nil {
		if config.MaxQueueSize, err = strconv.Atoi(value); err != nil {
			err = fmt.Errorf("%w: %smax_queue_size=%q: %w", ErrInvalidTopology, prefix, value, err)
		}
	}
	return
}

// dotGraph wraps a multi.UndirectedGraph for DOT unmarshaling and
// remembers the order in which nodes and lines appear in the file.
type dotGraph struct {
	*multi.UndirectedGraph
	err   error
	lines []*dotLine
	nodes []*dotNode
}

func newDotGraph() *dotGraph {
	return &dotGraph{UndirectedGraph: multi.NewUndirectedGraph()}
}

// NewNode returns a DOT-aware node.
func (g *dotGraph) NewNode() graph.Node {
	return &dotNode{Node: g.UndirectedGraph.NewNode()}
}

// AddNode adds a node and records its position.
func (g *dotGraph) AddNode(n graph.Node) {
	g.UndirectedGraph.AddNode(n)
	g.nodes = append(g.nodes, n.(*dotNode))
}

// NewLine returns a DOT-aware line.
func (g *dotGraph) NewLine(from, to graph.Node) graph.Line {
	l := g.UndirectedGraph.NewLine(from, to).(multi.Line)
	return &dotLine{Line: l}
}

// SetLine adds a line and records its position, rejecting self loops.
func (g *dotGraph) SetLine(l graph.Line) {
	line := l.(*dotLine)
	if line.From().ID() == line.To().ID() {
		if g.err == nil {
			g.err = fmt.Errorf("%w: %s linked to itself", ErrInvalidTopology, line.From().(*dotNode).dotID)
		}
		return
	}
	g.UndirectedGraph.SetLine(line)
	g.lines = append(g.lines, line)
}

// dotLine is a DOT-aware line.
type dotLine struct {
	multi.Line
	attrs map[string]string
}

// SetAttribute sets a DOT attribute.
func (l *dotLine) SetAttribute(attr encoding.Attribute) error {
	if l.attrs == nil {
		l.attrs = make(map[string]string)
	}
	l.attrs[dotUnquote(attr.Key)] = dotUnquote(attr.Value)
	return nil
}

// dotNode is a DOT-aware node.
type dotNode struct {
	graph.Node
	attrs map[string]string
	dotID string
}

// SetDOTID sets the DOT ID of the node.
func (n *dotNode) SetDOTID(id string) {
	n.dotID = dotUnquote(id)
}

// SetAttribute sets a DOT attribute.
func (n *dotNode) SetAttribute(attr encoding.Attribute) error {
	if n.attrs == nil {
		n.attrs = make(map[string]string)
	}
	n.attrs[dotUnquote(attr.Key)] = dotUnquote(attr.Value)
	return nil
}

// dotUnquote removes the quotes around a DOT quoted string.
func dotUnquote(s string) string {
	if unquoted, err := strconv.Unquote(s); err == nil && strings.HasPrefix(s, `"`) {
		return unquoted
	}
	return s
}
