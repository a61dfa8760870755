//go:build linux

package netlab_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"testing"

	"github.com/EstebanGZam/udp-practice/netlab"
	"github.com/apex/log"
	"github.com/google/go-cmp/cmp"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// kernelNamespacePrefix is the prefix of the namespaces of this process.
var kernelNamespacePrefix = fmt.Sprintf("netlab%d-", os.Getpid())

// kernelNamespaces returns the namespaces of this process in /run/netns.
func kernelNamespaces(t *testing.T) (names []string) {
	entries, err := os.ReadDir("/run/netns")
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), kernelNamespacePrefix) {
			names = append(names, entry.Name())
		}
	}
	return
}

// kernelNetemQdiscs returns the netem qdiscs of an interface of a host.
func kernelNetemQdiscs(t *testing.T, host, intf string) (out []*netlink.Netem) {
	handle, err := netns.GetFromName(kernelNamespacePrefix + host)
	if err != nil {
		t.Fatal(err)
	}
	defer handle.Close()
	nl, err := netlink.NewHandleAt(handle)
	if err != nil {
		t.Fatal(err)
	}
	defer nl.Close()
	nlink, err := nl.LinkByName(intf)
	if err != nil {
		t.Fatal(err)
	}
	qdiscs, err := nl.QdiscList(nlink)
	if err != nil {
		t.Fatal(err)
	}
	for _, qdisc := range qdiscs {
		if netem, ok := qdisc.(*netlink.Netem); ok {
			out = append(out, netem)
		}
	}
	return
}

func TestKernelBackendPairTopology(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	if unix.Geteuid() != 0 {
		t.Skip("the kernel backend requires root")
	}
	network := netlab.NewNetwork(
		netlab.WithBackend(netlab.BackendKernel),
		netlab.WithLinkKind(netlab.TCLink),
		netlab.WithLogger(log.Log),
	)
	stopped := false
	defer func() {
		if !stopped {
			network.Stop()
		}
	}()
	if err := netlab.PairTopology(5).Build(network); err != nil {
		t.Fatal(err)
	}
	if err := network.Start(); err != nil {
		t.Fatal(err)
	}

	t.Run("there is one namespace per host", func(t *testing.T) {
		expect := []string{kernelNamespacePrefix + "h1", kernelNamespacePrefix + "h2"}
		if diff := cmp.Diff(expect, kernelNamespaces(t)); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("only h1-eth0 has a netem qdisc dropping 5%", func(t *testing.T) {
		qdiscs := kernelNetemQdiscs(t, "h1", "h1-eth0")
		if len(qdiscs) != 1 {
			t.Fatal("expected one netem qdisc on h1-eth0, got", len(qdiscs))
		}
		loss := float64(qdiscs[0].Loss) / math.MaxUint32 * 100
		if math.Abs(loss-5) > 0.01 {
			t.Fatal("unexpected loss", loss)
		}
		if qdiscs := kernelNetemQdiscs(t, "h2", "h2-eth0"); len(qdiscs) != 0 {
			t.Fatal("expected no netem qdisc on h2-eth0, got", len(qdiscs))
		}
	})

	t.Run("h1 resolves and reaches h2", func(t *testing.T) {
		h1 := netlab.Must1(network.Host("h1"))
		addrs, _, err := h1.GetaddrinfoLookupANY(context.Background(), "h2")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"10.0.0.2"}, addrs); diff != "" {
			t.Fatal(diff)
		}
		h2 := netlab.Must1(network.Host("h2"))
		if got := ping(t, h2, h1, 3); got != 3 {
			t.Fatal("expected three replies from h2 to h1, got", got)
		}
	})

	stopped = true
	if err := network.Stop(); err != nil {
		t.Fatal(err)
	}
	if names := kernelNamespaces(t); len(names) != 0 {
		t.Fatal("leftover namespaces", names)
	}
}

func TestKernelBackendWithoutPrivileges(t *testing.T) {
	if unix.Geteuid() == 0 {
		t.Skip("the test requires running as an unprivileged user")
	}
	network := netlab.NewNetwork(netlab.WithLinkKind(netlab.TCLink))
	if err := netlab.PairTopology(5).Build(network); err != nil {
		t.Fatal(err)
	}
	if err := network.Start(); !errors.Is(err, netlab.ErrBackendUnavailable) {
		t.Fatal("unexpected error", err)
	}
	if err := network.Stop(); err != nil {
		t.Fatal(err)
	}
	if state := network.State(); state != netlab.Stopped {
		t.Fatal("unexpected state", state)
	}
	if names := kernelNamespaces(t); len(names) != 0 {
		t.Fatal("unexpected namespaces", names)
	}
}
