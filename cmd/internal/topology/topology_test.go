package topology

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/EstebanGZam/udp-practice/cmd/internal/optional"
	"github.com/EstebanGZam/udp-practice/netlab"
	"github.com/google/go-cmp/cmp"
)

func TestLoad(t *testing.T) {
	t.Run("built-in topology", func(t *testing.T) {
		topo, err := Load("pair", optional.None[string](), 5)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(netlab.PairTopology(5), topo); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("the custom file takes precedence", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "topo.dot")
		data := []byte("graph g {\n\th1 -- h2 [peer_loss=10]\n}\n")
		if err := os.WriteFile(path, data, 0600); err != nil {
			t.Fatal(err)
		}
		topo, err := Load("nonexistent", optional.Some(path), 5)
		if err != nil {
			t.Fatal(err)
		}
		expect := &netlab.Topology{
			Hosts: []netlab.TopoHost{{Name: "h1"}, {Name: "h2"}},
			Links: []netlab.TopoLink{{Node1: "h1", Node2: "h2", Intf2: netlab.IntfConfig{Loss: 10}}},
		}
		if diff := cmp.Diff(expect, topo); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("unknown built-in topology", func(t *testing.T) {
		_, err := Load("torus,3", optional.None[string](), 5)
		if !errors.Is(err, netlab.ErrInvalidTopology) {
			t.Fatal("unexpected error", err)
		}
	})
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		network, err := New(netlab.BackendUserspace, netlab.PairTopology(5), optional.None[string](), &netlab.NullLogger{})
		if err != nil {
			t.Fatal(err)
		}
		defer network.Stop()
		if diff := cmp.Diff([]string{"h1", "h2"}, network.NodeNames()); diff != "" {
			t.Fatal(diff)
		}
		if network.LinkKind() != netlab.TCLink {
			t.Fatal("expected TCLink")
		}
	})

	t.Run("extra options", func(t *testing.T) {
		network, err := New(netlab.BackendUserspace, netlab.PairTopology(5), optional.None[string](),
			&netlab.NullLogger{}, netlab.WithMTU(1400))
		if err != nil {
			t.Fatal(err)
		}
		defer network.Stop()
		if network.MTU() != 1400 {
			t.Fatal("unexpected MTU", network.MTU())
		}
	})

	t.Run("the userspace backend cannot link switches", func(t *testing.T) {
		_, err := New(netlab.BackendUserspace, netlab.LinearTopology(2, 5), optional.None[string](), &netlab.NullLogger{})
		if !errors.Is(err, netlab.ErrUnsupportedTopology) {
			t.Fatal("unexpected error", err)
		}
	})
}
