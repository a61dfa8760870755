package netlab_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/EstebanGZam/udp-practice/netlab"
	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket/pcapgo"
)

// startNetwork builds and starts a userspace network using the given
// topology and stops it when the test is done.
func startNetwork(t *testing.T, topo *netlab.Topology, options ...netlab.Option) *netlab.Network {
	options = append([]netlab.Option{
		netlab.WithBackend(netlab.BackendUserspace),
		netlab.WithLinkKind(netlab.TCLink),
		netlab.WithLogger(log.Log),
	}, options...)
	network := netlab.NewNetwork(options...)
	t.Cleanup(func() {
		if err := network.Stop(); err != nil {
			t.Fatal(err)
		}
	})
	if err := topo.Build(network); err != nil {
		t.Fatal(err)
	}
	if err := network.Start(); err != nil {
		t.Fatal(err)
	}
	return network
}

// sendDatagrams sends count datagrams from src to the given port of dst
// and returns how many of them dst received.
func sendDatagrams(t *testing.T, src, dst *netlab.Host, port, count int) int {
	pconn, err := dst.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(dst.IP()), Port: port})
	if err != nil {
		t.Fatal(err)
	}
	defer pconn.Close()

	received := make(chan int, 1)
	go func() {
		var total int
		buffer := make([]byte, 2048)
		for {
			pconn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
			if _, _, err := pconn.ReadFrom(buffer); err != nil {
				received <- total
				return
			}
			total++
		}
	}()

	endpoint := net.JoinHostPort(dst.IP(), strconv.Itoa(port))
	conn, err := src.DialContext(context.Background(), "udp", endpoint)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	for idx := 0; idx < count; idx++ {
		if _, err := conn.Write(make([]byte, 64)); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}
	return <-received
}

// ping returns the number of replies to count echo requests.
func ping(t *testing.T, src, dst *netlab.Host, count int) int {
	config := &netlab.PingConfig{Count: count, Interval: 10 * time.Millisecond, Timeout: 300 * time.Millisecond}
	stats, err := netlab.Ping(context.Background(), src, dst.IP(), config, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	return stats.Received
}

// TestAsymmetricLoss ensures the loss of an interface only affects the
// frames leaving that interface.
func TestAsymmetricLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	network := startNetwork(t, netlab.PairTopology(100))
	h1, h2 := netlab.Must1(network.Host("h1")), netlab.Must1(network.Host("h2"))

	if got := sendDatagrams(t, h1, h2, 9000, 10); got != 0 {
		t.Fatal("expected h1->h2 to drop everything, got", got)
	}
	if got := sendDatagrams(t, h2, h1, 9000, 10); got != 10 {
		t.Fatal("expected h2->h1 to deliver everything, got", got)
	}

	counters1 := netlab.Must1(network.Links()[0].Intf1().Counters())
	if counters1.Dropped < 10 {
		t.Fatal("expected h1-eth0 to count the dropped frames", counters1)
	}
	counters2 := netlab.Must1(network.Links()[0].Intf2().Counters())
	if counters2.Dropped != 0 || counters2.TxPackets < 10 {
		t.Fatal("unexpected h2-eth0 counters", counters2)
	}
}

// TestFivePercentLoss ensures the default pair topology drops about
// five percent of the frames leaving h1.
func TestFivePercentLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	network := startNetwork(t, netlab.PairTopology(5))
	h1, h2 := netlab.Must1(network.Host("h1")), netlab.Must1(network.Host("h2"))

	const count = 1000
	lost := count - sendDatagrams(t, h1, h2, 9000, count)
	// five percent of 1000 is 50 with a standard deviation of about 7
	if lost < 15 || lost > 100 {
		t.Fatal("unexpected number of lost datagrams", lost)
	}
	if got := sendDatagrams(t, h2, h1, 9001, 200); got != 200 {
		t.Fatal("expected h2->h1 to be lossless, got", got)
	}
}

// TestSwitchedHostsUseDNS ensures that hosts linked to a switch
// can resolve each other's names and exchange traffic.
func TestSwitchedHostsUseDNS(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	network := startNetwork(t, netlab.SingleSwitchTopology(3, 0))
	h1, h3 := netlab.Must1(network.Host("h1")), netlab.Must1(network.Host("h3"))

	addrs, _, err := h1.GetaddrinfoLookupANY(context.Background(), "h3")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"10.0.0.3"}, addrs); diff != "" {
		t.Fatal(diff)
	}
	if got := ping(t, h1, h3, 3); got != 3 {
		t.Fatal("expected three replies, got", got)
	}
	if _, _, err := h1.GetaddrinfoLookupANY(context.Background(), "h9"); err == nil {
		t.Fatal("expected an error for a nonexistent host")
	}
}

// TestHTTPBetweenHosts ensures that hosts can speak HTTP and HTTPS.
func TestHTTPBetweenHosts(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	network := startNetwork(t, netlab.PairTopology(0))
	h1, h2 := netlab.Must1(network.Host("h1")), netlab.Must1(network.Host("h2"))

	srv := netlab.Must1(netlab.NewHTTPServer(h2, netlab.NewHTTPHelloHandler("h2")))
	if err := h2.Track(srv); err != nil {
		t.Fatal(err)
	}

	client := &http.Client{Transport: netlab.NewHTTPTransport(h1)}
	defer client.CloseIdleConnections()
	for _, URL := range []string{"http://h2/", "https://h2/"} {
		resp, err := client.Get(URL)
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff("hello from h2 over HTTP/1.1\n", string(data)); diff != "" {
			t.Fatal(URL, diff)
		}
	}
}

// TestLinkStatusAndLiveConfig ensures we can change a running link.
func TestLinkStatusAndLiveConfig(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	network := startNetwork(t, netlab.PairTopology(0))
	h1, h2 := netlab.Must1(network.Host("h1")), netlab.Must1(network.Host("h2"))
	link := network.Links()[0]

	if got := ping(t, h1, h2, 2); got != 2 {
		t.Fatal("expected two replies, got", got)
	}

	netlab.Must0(link.SetStatus(false))
	if got := ping(t, h1, h2, 2); got != 0 {
		t.Fatal("expected no replies with the link down, got", got)
	}
	netlab.Must0(link.SetStatus(true))
	if got := ping(t, h1, h2, 2); got != 2 {
		t.Fatal("expected two replies with the link up, got", got)
	}

	netlab.Must0(link.Intf2().Config(&netlab.IntfConfig{Loss: 100}))
	if got := ping(t, h1, h2, 2); got != 0 {
		t.Fatal("expected no replies with 100% loss, got", got)
	}
	netlab.Must0(link.Intf2().Config(&netlab.IntfConfig{Delay: 100 * time.Millisecond}))
	stats := netlab.Must1(netlab.Ping(context.Background(), h1, h2.IP(), &netlab.PingConfig{}, io.Discard))
	if len(stats.RTTs) != 1 || stats.RTTs[0] < 100*time.Millisecond {
		t.Fatal("expected one reply delayed by at least 100ms", stats.RTTs)
	}
}

// TestPCAPCapture ensures the userspace backend captures the traffic.
func TestPCAPCapture(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	dir := t.TempDir()
	network := netlab.NewNetwork(
		netlab.WithBackend(netlab.BackendUserspace),
		netlab.WithPCAPDir(dir),
	)
	if err := netlab.PairTopology(0).Build(network); err != nil {
		t.Fatal(err)
	}
	if err := network.Start(); err != nil {
		network.Stop()
		t.Fatal(err)
	}
	h1, h2 := netlab.Must1(network.Host("h1")), netlab.Must1(network.Host("h2"))
	ping(t, h1, h2, 2)
	if err := network.Stop(); err != nil {
		t.Fatal(err)
	}

	filep, err := os.Open(filepath.Join(dir, "h1-eth0.pcap"))
	if err != nil {
		t.Fatal(err)
	}
	defer filep.Close()
	reader, err := pcapgo.NewReader(filep)
	if err != nil {
		t.Fatal(err)
	}
	var packets int
	for {
		_, _, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		packets++
	}
	if packets < 4 {
		t.Fatal("expected at least two requests and two replies, got", packets)
	}
}

// TestUserspaceCommandUnsupported ensures the userspace backend
// refuses to run commands inside hosts.
func TestUserspaceCommandUnsupported(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	network := startNetwork(t, netlab.PairTopology(0))
	h1 := netlab.Must1(network.Host("h1"))
	err := h1.Command(context.Background(), "true", io.Discard, io.Discard)
	if !errors.Is(err, netlab.ErrExecUnsupported) {
		t.Fatal("unexpected error", err)
	}
}

// TestStopLogsNoWarnings ensures that stopping the host services
// is not reported as a failure.
func TestStopLogsNoWarnings(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	handler := memory.New()
	logger := &log.Logger{Handler: handler, Level: log.DebugLevel}
	network := netlab.NewNetwork(
		netlab.WithBackend(netlab.BackendUserspace),
		netlab.WithLinkKind(netlab.TCLink),
		netlab.WithLogger(logger),
	)
	if err := netlab.PairTopology(5).Build(network); err != nil {
		t.Fatal(err)
	}
	if err := network.Start(); err != nil {
		network.Stop()
		t.Fatal(err)
	}
	h1, h2 := netlab.Must1(network.Host("h1")), netlab.Must1(network.Host("h2"))
	ping(t, h2, h1, 1)
	if err := network.Stop(); err != nil {
		t.Fatal(err)
	}
	var stopped int
	for _, entry := range handler.Entries {
		if entry.Level >= log.WarnLevel {
			t.Error("unexpected warning:", entry.Message)
		}
		if strings.HasPrefix(entry.Message, "netlab: echo server") ||
			strings.HasPrefix(entry.Message, "netlab: dns server") {
			stopped++
		}
	}
	if stopped == 0 {
		t.Fatal("expected the services to log at debug level")
	}
}
