package udpxfer_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/EstebanGZam/udp-practice/netlab"
	"github.com/EstebanGZam/udp-practice/udpxfer"
	"github.com/google/go-cmp/cmp"
)

// startPair starts a userspace network with h1 and h2 using
// the given configs for h1-eth0 and h2-eth0.
func startPair(t *testing.T, intf1, intf2 netlab.IntfConfig) (*netlab.Host, *netlab.Host) {
	network := netlab.NewNetwork(
		netlab.WithBackend(netlab.BackendUserspace),
		netlab.WithLinkKind(netlab.TCLink),
	)
	t.Cleanup(func() {
		network.Stop()
	})
	topo := &netlab.Topology{
		Hosts: []netlab.TopoHost{{Name: "h1"}, {Name: "h2"}},
		Links: []netlab.TopoLink{{Node1: "h1", Node2: "h2", Intf1: intf1, Intf2: intf2}},
	}
	if err := topo.Build(network); err != nil {
		t.Fatal(err)
	}
	if err := network.Start(); err != nil {
		t.Fatal(err)
	}
	return netlab.Must1(network.Host("h1")), netlab.Must1(network.Host("h2"))
}

// transfer runs a receiver on server and a sender on client.
func transfer(
	t *testing.T, client, server *netlab.Host, config udpxfer.Config, reliable bool,
) (*udpxfer.SendReport, *udpxfer.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ready := make(chan any)
	receiverConfig := config
	receiverConfig.Ready = ready
	type result struct {
		report *udpxfer.Report
		err    error
	}
	results := make(chan result, 1)
	go func() {
		run := udpxfer.RunReceiver
		if reliable {
			run = udpxfer.RunReliableReceiver
		}
		report, err := run(ctx, server, server.IP(), &receiverConfig)
		results <- result{report, err}
	}()
	select {
	case <-ready:
	case res := <-results:
		t.Fatal(res.err)
	}

	senderConfig := config
	senderConfig.LocalAddress = client.IP()
	send := udpxfer.RunSender
	if reliable {
		send = udpxfer.RunReliableSender
	}
	sendReport, err := send(ctx, client, server.IP(), &senderConfig)
	if err != nil {
		t.Fatal(err)
	}
	res := <-results
	if res.err != nil {
		t.Fatal(res.err)
	}
	return sendReport, res.report
}

func TestTransferWithoutLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	h1, h2 := startPair(t, netlab.IntfConfig{}, netlab.IntfConfig{})
	config := udpxfer.Config{
		Count:             20,
		InactivityTimeout: time.Second,
		PacketSize:        64,
		Rate:              200,
	}

	t.Run("unreliable", func(t *testing.T) {
		sendReport, report := transfer(t, h1, h2, config, false)
		if diff := cmp.Diff(&udpxfer.Report{Expected: 20, Received: 20}, report); diff != "" {
			t.Fatal(diff)
		}
		if sendReport.Sent != 20 || !sendReport.Complete() {
			t.Fatal("unexpected send report", sendReport)
		}
	})

	t.Run("reliable", func(t *testing.T) {
		sendReport, report := transfer(t, h1, h2, config, true)
		if diff := cmp.Diff(&udpxfer.Report{Expected: 20, Received: 20}, report); diff != "" {
			t.Fatal(diff)
		}
		if sendReport.Acked != 20 || sendReport.Retransmissions != 0 || !sendReport.Complete() {
			t.Fatal("unexpected send report", sendReport)
		}
	})
}

func TestTransferOverLossyLink(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}

	t.Run("the receiver reports the lost datagrams", func(t *testing.T) {
		h1, h2 := startPair(t, netlab.IntfConfig{Loss: 100}, netlab.IntfConfig{})
		config := udpxfer.Config{
			Count:             5,
			InactivityTimeout: 500 * time.Millisecond,
			PacketSize:        64,
			Rate:              100,
		}
		_, report := transfer(t, h1, h2, config, false)
		expect := &udpxfer.Report{Expected: 5, Lost: []int{1, 2, 3, 4, 5}, Inactive: true}
		if diff := cmp.Diff(expect, report); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("the reliable sender retransmits until acknowledged", func(t *testing.T) {
		h1, h2 := startPair(t, netlab.IntfConfig{Loss: 30}, netlab.IntfConfig{Loss: 10})
		config := udpxfer.Config{
			AckTimeout:         200 * time.Millisecond,
			Count:              20,
			MaxRetransmissions: 20,
			PacketSize:         64,
			Rate:               100,
		}
		sendReport, report := transfer(t, h1, h2, config, true)
		if report.Received != 20 || len(report.Lost) != 0 {
			t.Fatal("unexpected report", report)
		}
		if !sendReport.Complete() || sendReport.Acked != 20 {
			t.Fatal("unexpected send report", sendReport)
		}
		if sendReport.Retransmissions <= 0 {
			t.Fatal("expected retransmissions over a lossy link")
		}
	})

	t.Run("the reliable sender eventually gives up", func(t *testing.T) {
		h1, h2 := startPair(t, netlab.IntfConfig{}, netlab.IntfConfig{Loss: 100})
		config := udpxfer.Config{
			AckTimeout:         100 * time.Millisecond,
			Count:              3,
			InactivityTimeout:  500 * time.Millisecond,
			MaxRetransmissions: 2,
			PacketSize:         64,
			Rate:               100,
		}
		sendReport, report := transfer(t, h1, h2, config, true)
		if report.Received != 3 {
			t.Fatal("unexpected report", report)
		}
		if sendReport.Complete() || sendReport.Acked != 0 {
			t.Fatal("unexpected send report", sendReport)
		}
		if diff := cmp.Diff([]int{1, 2, 3}, sendReport.Unacked); diff != "" {
			t.Fatal(diff)
		}
	})
}

// invalidConfigs are configs that both senders and receivers reject.
var invalidConfigs = []struct {
	name   string
	config *udpxfer.Config
	expect error
}{{
	name:   "negative count",
	config: &udpxfer.Config{Count: -5},
	expect: udpxfer.ErrInvalidCount,
}, {
	name:   "packet too small",
	config: &udpxfer.Config{PacketSize: 3},
	expect: udpxfer.ErrPacketTooSmall,
}, {
	name:   "packet too large",
	config: &udpxfer.Config{PacketSize: udpxfer.MaxPacketSize + 1},
	expect: udpxfer.ErrPacketTooLarge,
}, {
	name:   "negative rate",
	config: &udpxfer.Config{Rate: -1},
	expect: udpxfer.ErrInvalidRate,
}}

func TestSenderValidatesConfig(t *testing.T) {
	stack := &netlab.Stdlib{}
	ctx := context.Background()

	for _, tc := range invalidConfigs {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := udpxfer.RunSender(ctx, stack, "127.0.0.1", tc.config); !errors.Is(err, tc.expect) {
				t.Fatal("unexpected error", err)
			}
			if _, err := udpxfer.RunReliableSender(ctx, stack, "127.0.0.1", tc.config); !errors.Is(err, tc.expect) {
				t.Fatal("unexpected error", err)
			}
		})
	}

	t.Run("invalid server address", func(t *testing.T) {
		_, err := udpxfer.RunSender(ctx, stack, "h2", nil)
		if !errors.Is(err, netlab.ErrNotIPAddress) {
			t.Fatal("unexpected error", err)
		}
	})
}

func TestReceiverValidatesConfig(t *testing.T) {
	stack := &netlab.Stdlib{}
	ctx := context.Background()

	for _, tc := range invalidConfigs {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := udpxfer.RunReceiver(ctx, stack, "127.0.0.1", tc.config); !errors.Is(err, tc.expect) {
				t.Fatal("unexpected error", err)
			}
			if _, err := udpxfer.RunReliableReceiver(ctx, stack, "127.0.0.1", tc.config); !errors.Is(err, tc.expect) {
				t.Fatal("unexpected error", err)
			}
		})
	}
}

func TestConfigCheck(t *testing.T) {
	t.Run("zero values are not replaced by defaults", func(t *testing.T) {
		for _, config := range []*udpxfer.Config{
			{Count: 10, PacketSize: 0, Rate: 10},
			{Count: 10, PacketSize: 64, Rate: 0},
			{Count: 0, PacketSize: 64, Rate: 10},
		} {
			if err := config.Check(); err == nil {
				t.Fatal("expected an error for", config.Count, config.PacketSize, config.Rate)
			}
		}
	})

	t.Run("boundary values are valid", func(t *testing.T) {
		config := &udpxfer.Config{Count: 1, PacketSize: 4, Rate: 1}
		if err := config.Check(); err != nil {
			t.Fatal(err)
		}
		config.PacketSize = udpxfer.MaxPacketSize
		if err := config.Check(); err != nil {
			t.Fatal(err)
		}
	})
}

func TestReportWriteTo(t *testing.T) {
	report := &udpxfer.Report{Expected: 4, Received: 2, Lost: []int{2, 4}}
	var sb strings.Builder
	count, err := report.WriteTo(&sb)
	if err != nil {
		t.Fatal(err)
	}
	expect := strings.Join([]string{
		"Detected lost packet: #2",
		"Detected lost packet: #4",
		"",
		"--- Final Results ---",
		"Expected packets: 4",
		"Received packets: 2",
		"Lost packets: 2",
		"Loss percentage: 50.00%",
		"",
	}, "\n")
	if diff := cmp.Diff(expect, sb.String()); diff != "" {
		t.Fatal(diff)
	}
	if count != int64(len(expect)) {
		t.Fatal("unexpected count", count)
	}
}

func TestSendReportString(t *testing.T) {
	cases := []struct {
		name   string
		report *udpxfer.SendReport
		expect string
	}{{
		name:   "unreliable",
		report: &udpxfer.SendReport{Sent: 100, Elapsed: 10 * time.Second},
		expect: "sent 100 in 10s",
	}, {
		name: "reliable and complete",
		report: &udpxfer.SendReport{
			Sent: 100, Retransmissions: 7, Acked: 100, Elapsed: 12 * time.Second, Reliable: true,
		},
		expect: "sent 100, retransmitted 7, acknowledged 100 in 12s (complete)",
	}, {
		name: "reliable and incomplete",
		report: &udpxfer.SendReport{
			Sent: 100, Retransmissions: 30, Acked: 98, Unacked: []int{7, 9},
			Elapsed: 40 * time.Second, Reliable: true,
		},
		expect: "sent 100, retransmitted 30, acknowledged 98 in 40s (incomplete: 2 unacknowledged)",
	}}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.expect, tc.report.String()); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}
