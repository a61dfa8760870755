// Command udpserver receives the datagrams of udpclient on port 5000 and
// reports which datagrams were lost. Run it inside a host, for example
// with "h2 udpserver -reliable &" in the udptopo session.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/EstebanGZam/udp-practice/netlab"
	"github.com/EstebanGZam/udp-practice/udpxfer"
	"github.com/apex/log"
)

func main() {
	// parse command line flags
	address := flag.String("address", "0.0.0.0", "IP address where to listen")
	count := flag.Int("count", udpxfer.DefaultCount, "number of datagrams to expect")
	reliable := flag.Bool("reliable", false, "acknowledge each datagram from port 5001")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config := &udpxfer.Config{
		Count:  *count,
		Logger: log.Log,
		Output: os.Stdout,
	}
	run := udpxfer.RunReceiver
	if *reliable {
		run = udpxfer.RunReliableReceiver
	}
	report, err := run(ctx, &netlab.Stdlib{}, *address, config)
	if err != nil {
		log.WithError(err).Fatal("udpxfer.RunReceiver")
	}
	report.WriteTo(os.Stdout)
}
