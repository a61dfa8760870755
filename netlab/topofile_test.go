package netlab_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/EstebanGZam/udp-practice/netlab"
	"github.com/google/go-cmp/cmp"
)

func TestParseTopoSpec(t *testing.T) {
	cases := []struct {
		spec   string
		expect *netlab.Topology
	}{{
		spec:   "pair",
		expect: netlab.PairTopology(5),
	}, {
		spec: "minimal",
		expect: &netlab.Topology{
			Hosts:    []netlab.TopoHost{{Name: "h1"}, {Name: "h2"}},
			Switches: []string{"s1"},
			Links: []netlab.TopoLink{
				{Node1: "h1", Node2: "s1", Intf1: netlab.IntfConfig{Loss: 5}},
				{Node1: "h2", Node2: "s1", Intf1: netlab.IntfConfig{Loss: 5}},
			},
		},
	}, {
		spec: "linear,2",
		expect: &netlab.Topology{
			Hosts:    []netlab.TopoHost{{Name: "h1"}, {Name: "h2"}},
			Switches: []string{"s1", "s2"},
			Links: []netlab.TopoLink{
				{Node1: "h1", Node2: "s1", Intf1: netlab.IntfConfig{Loss: 5}},
				{Node1: "h2", Node2: "s2", Intf1: netlab.IntfConfig{Loss: 5}},
				{Node1: "s1", Node2: "s2"},
			},
		},
	}}
	for _, tc := range cases {
		t.Run(tc.spec, func(t *testing.T) {
			topo, err := netlab.ParseTopoSpec(tc.spec, 5)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.expect, topo); diff != "" {
				t.Fatal(diff)
			}
		})
	}

	t.Run("single,N", func(t *testing.T) {
		topo, err := netlab.ParseTopoSpec("single,4", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(topo.Hosts) != 4 || len(topo.Links) != 4 || len(topo.Switches) != 1 {
			t.Fatal("unexpected topology", topo)
		}
	})

	for _, spec := range []string{"", "pair,2", "single", "single,0", "linear,x", "tree,2"} {
		t.Run("invalid "+spec, func(t *testing.T) {
			if _, err := netlab.ParseTopoSpec(spec, 5); !errors.Is(err, netlab.ErrInvalidTopology) {
				t.Fatal("unexpected error", err)
			}
		})
	}
}

func TestParseYAMLTopology(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		data := []byte(`
hosts: [h1, {name: h2, ip: 10.0.0.22}]
switches: [s1]
links:
  - {node1: h1, node2: s1, intf1: {loss: 5, delay: 10ms}}
  - node1: h2
    node2: s1
    intf2: {bw: 10, jitter: 1ms, max_queue_size: 100}
`)
		topo, err := netlab.ParseYAMLTopology(data)
		if err != nil {
			t.Fatal(err)
		}
		expect := &netlab.Topology{
			Hosts:    []netlab.TopoHost{{Name: "h1"}, {Name: "h2", IP: "10.0.0.22"}},
			Switches: []string{"s1"},
			Links: []netlab.TopoLink{{
				Node1: "h1",
				Node2: "s1",
				Intf1: netlab.IntfConfig{Loss: 5, Delay: 10 * time.Millisecond},
			}, {
				Node1: "h2",
				Node2: "s1",
				Intf2: netlab.IntfConfig{Bandwidth: 10, Jitter: time.Millisecond, MaxQueueSize: 100},
			}},
		}
		if diff := cmp.Diff(expect, topo); diff != "" {
			t.Fatal(diff)
		}
	})

	cases := map[string]string{
		"unknown field":     "hosts: [h1]\nrouters: [r1]\n",
		"duplicate node":    "hosts: [h1, h1]\n",
		"unknown link node": "hosts: [h1]\nlinks: [{node1: h1, node2: h2}]\n",
		"invalid loss":      "hosts: [h1, h2]\nlinks: [{node1: h1, node2: h2, intf1: {loss: 120}}]\n",
		"empty name":        "hosts: [{ip: 10.0.0.1}]\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := netlab.ParseYAMLTopology([]byte(data)); !errors.Is(err, netlab.ErrInvalidTopology) {
				t.Fatal("unexpected error", err)
			}
		})
	}
}

func TestParseDOTTopology(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		data := []byte(`graph lossy {
	h1 [ip="10.0.0.11"]
	s1
	gw [kind=host]
	core [kind=switch]
	h1 -- s1 [loss=5]
	gw -- core [delay="10ms", peer_loss=2.5, peer_max_queue_size=50]
}`)
		topo, err := netlab.ParseDOTTopology(data)
		if err != nil {
			t.Fatal(err)
		}
		expect := &netlab.Topology{
			Hosts:    []netlab.TopoHost{{Name: "h1", IP: "10.0.0.11"}, {Name: "gw"}},
			Switches: []string{"s1", "core"},
			Links: []netlab.TopoLink{{
				Node1: "h1",
				Node2: "s1",
				Intf1: netlab.IntfConfig{Loss: 5},
			}, {
				Node1: "gw",
				Node2: "core",
				Intf1: netlab.IntfConfig{Delay: 10 * time.Millisecond},
				Intf2: netlab.IntfConfig{Loss: 2.5, MaxQueueSize: 50},
			}},
		}
		if diff := cmp.Diff(expect, topo); diff != "" {
			t.Fatal(diff)
		}
	})

	cases := map[string]string{
		"not DOT":       "hosts: [h1]",
		"self link":     "graph g { h1 -- h1 }",
		"unknown kind":  "graph g { r1 [kind=router] }",
		"invalid loss":  "graph g { h1 -- h2 [loss=lots] }",
		"invalid delay": "graph g { h1 -- h2 [delay=10] }",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := netlab.ParseDOTTopology([]byte(data)); !errors.Is(err, netlab.ErrInvalidTopology) {
				t.Fatal("unexpected error", err)
			}
		})
	}
}

func TestLoadTopology(t *testing.T) {
	dir := t.TempDir()
	write := func(name, data string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(data), 0600); err != nil {
			t.Fatal(err)
		}
		return path
	}

	expect := netlab.PairTopology(5)
	for _, path := range []string{
		write("pair.yaml", "hosts: [h1, h2]\nlinks: [{node1: h1, node2: h2, intf1: {loss: 5}}]\n"),
		write("pair.gv", "graph pair { h1 -- h2 [loss=5] }\n"),
	} {
		topo, err := netlab.LoadTopology(path)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(expect, topo); diff != "" {
			t.Fatal(path, diff)
		}
	}

	if _, err := netlab.LoadTopology(write("pair.json", "{}")); !errors.Is(err, netlab.ErrInvalidTopology) {
		t.Fatal("unexpected error", err)
	}
	if _, err := netlab.LoadTopology(filepath.Join(dir, "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("unexpected error", err)
	}
}

func TestTopologyBuild(t *testing.T) {
	t.Run("we configure the interfaces", func(t *testing.T) {
		network := netlab.NewNetwork(netlab.WithLinkKind(netlab.TCLink))
		defer network.Stop()
		topo := netlab.PairTopology(5)
		topo.Hosts[1].IP = "10.0.0.22"
		if err := topo.Build(network); err != nil {
			t.Fatal(err)
		}
		link := network.Links()[0]
		if diff := cmp.Diff(netlab.IntfConfig{Loss: 5}, link.Intf1().Params()); diff != "" {
			t.Fatal(diff)
		}
		if link.Intf1().Name() != "h1-eth0" || link.Intf2().Name() != "h2-eth0" {
			t.Fatal("unexpected link", link)
		}
		if h2 := netlab.Must1(network.Host("h2")); h2.IP() != "10.0.0.22" {
			t.Fatal("unexpected address", h2.IP())
		}
	})

	t.Run("plain links reject lossy topologies", func(t *testing.T) {
		network := netlab.NewNetwork()
		defer network.Stop()
		if err := netlab.PairTopology(5).Build(network); !errors.Is(err, netlab.ErrShapingUnsupported) {
			t.Fatal("unexpected error", err)
		}
	})
}
