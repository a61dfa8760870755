// Command calibrate measures what a shaped h1-h2 link actually delivers.
//
// It creates the h1 and h2 hosts, shapes the frames leaving h1-eth0 using
// the given flags, and then measures the TCP download speed from h2 to h1
// and the UDP loss from h1 to h2. Use it to check that the emulated link
// behaves like the configured one.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/EstebanGZam/udp-practice/cmd/internal/optional"
	"github.com/EstebanGZam/udp-practice/cmd/internal/topology"
	"github.com/EstebanGZam/udp-practice/netlab"
	"github.com/EstebanGZam/udp-practice/udpxfer"
	"github.com/apex/log"
)

var (
	backendFlag  = flag.String("backend", "userspace", "network backend: kernel or userspace")
	bwFlag       = flag.Float64("bw", 0, "bandwidth of h1-eth0 in Mbit/s")
	countFlag    = flag.Int("count", 1000, "number of UDP datagrams to send")
	delayFlag    = flag.Duration("delay", 0, "delay of the frames leaving h1-eth0")
	durationFlag = flag.Duration("duration", 5*time.Second, "duration of the TCP measurement")
	lossFlag     = flag.Float64("loss", 5, "loss percentage of the frames leaving h1-eth0")
	pcapFlag     = flag.String("pcap", "", "directory where to capture traffic (userspace backend)")
)

func main() {
	flag.Parse()
	log.SetLevel(log.DebugLevel)
	if err := run(context.Background(), os.Stdout); err != nil {
		log.WithError(err).Fatal("calibrate")
	}
}

// run creates the network, runs the measurements, and stops the network.
func run(ctx context.Context, out io.Writer) error {
	backend, err := netlab.ParseBackend(*backendFlag)
	if err != nil {
		return err
	}
	topo := netlab.PairTopology(*lossFlag)
	topo.Links[0].Intf1.Bandwidth = *bwFlag
	topo.Links[0].Intf1.Delay = *delayFlag
	if err := topo.Validate(); err != nil {
		return err
	}
	network, err := topology.New(backend, topo, optional.FromFlag(*pcapFlag), log.Log)
	if err != nil {
		return err
	}
	defer network.Stop()
	if err := network.Start(); err != nil {
		return err
	}
	h1 := netlab.Must1(network.Host("h1"))
	h2 := netlab.Must1(network.Host("h2"))
	params := topo.Links[0].Intf1
	fmt.Fprintf(out, "h1-eth0: %s\n", params.String())

	if err := measureTCP(ctx, out, h1, h2); err != nil {
		return err
	}
	return measureUDP(ctx, out, h1, h2)
}

// measureTCP downloads from server to client using NDT0.
func measureTCP(ctx context.Context, out io.Writer, client, server *netlab.Host) error {
	ctx, cancel := context.WithTimeout(ctx, *durationFlag)
	defer cancel()

	ready, errch := make(chan any), make(chan error, 1)
	go netlab.RunNDT0Server(ctx, server, net.ParseIP(server.IP()), 54321, log.Log, ready, errch)
	select {
	case <-ready:
	case err := <-errch:
		return err
	}

	samples := make(chan *netlab.NDT0PerformanceSample)
	go func() {
		for sample := range samples {
			log.Debugf("calibrate: %s: avg %.2f Mbit/s, cur %.2f Mbit/s",
				sample.Elapsed.Round(time.Millisecond), sample.AvgSpeed, sample.CurSpeed)
		}
	}()
	endpoint := net.JoinHostPort(server.IP(), "54321")
	sample, err := netlab.RunNDT0Client(ctx, client, endpoint, log.Log, samples)
	close(samples)
	cancel()
	if srvErr := <-errch; srvErr != nil {
		log.Debugf("calibrate: NDT0 server: %s", srvErr.Error())
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "tcp %s -> %s: %.2f Mbit/s\n", server.Name(), client.Name(), sample.AvgSpeed)
	return nil
}

// measureUDP sends datagrams from client to server and counts the losses.
func measureUDP(ctx context.Context, out io.Writer, client, server *netlab.Host) error {
	config := udpxfer.Config{
		Count:             *countFlag,
		InactivityTimeout: time.Second,
		PacketSize:        64,
		Rate:              500,
	}
	ready := make(chan any)
	receiverConfig := config
	receiverConfig.Ready = ready
	type result struct {
		report *udpxfer.Report
		err    error
	}
	results := make(chan result, 1)
	go func() {
		report, err := udpxfer.RunReceiver(ctx, server, server.IP(), &receiverConfig)
		results <- result{report, err}
	}()
	select {
	case <-ready:
	case res := <-results:
		return res.err
	}

	senderConfig := config
	senderConfig.LocalAddress = client.IP()
	if _, err := udpxfer.RunSender(ctx, client, server.IP(), &senderConfig); err != nil {
		return err
	}
	res := <-results
	if res.err != nil {
		return res.err
	}
	fmt.Fprintf(out, "udp %s -> %s: %d/%d received, %.2f%% loss\n", client.Name(), server.Name(),
		res.report.Received, res.report.Expected, res.report.LossPercent())
	return nil
}
