// Command udpclient sends numbered datagrams to the udpserver listening
// at the given IP address, using the given datagram size in bytes and rate
// in datagrams per second. For example:
//
//	udpclient -reliable 10.0.0.2 1024 10
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/EstebanGZam/udp-practice/netlab"
	"github.com/EstebanGZam/udp-practice/udpxfer"
	"github.com/apex/log"
)

func main() {
	// parse command line flags
	count := flag.Int("count", udpxfer.DefaultCount, "number of datagrams to send")
	reliable := flag.Bool("reliable", false, "wait for ACKs and retransmit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: udpclient [flags] IP SIZE RATE\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 3 {
		flag.Usage()
		os.Exit(2)
	}
	config, err := newConfig(*count, flag.Arg(1), flag.Arg(2))
	if err != nil {
		log.WithError(err).Fatal("invalid arguments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	send := udpxfer.RunSender
	if *reliable {
		send = udpxfer.RunReliableSender
	}
	report, err := send(ctx, &netlab.Stdlib{}, flag.Arg(0), config)
	if err != nil {
		log.WithError(err).Fatal("udpxfer.RunSender")
	}
	log.Infof("udpclient: %s", report)
	if !report.Complete() {
		os.Exit(1)
	}
}

// newConfig builds the sender config from the SIZE and RATE arguments,
// which must be valid as given: zero does not mean default here.
func newConfig(count int, sizeArg, rateArg string) (*udpxfer.Config, error) {
	size, err := strconv.Atoi(sizeArg)
	if err != nil {
		return nil, fmt.Errorf("invalid SIZE %q: %w", sizeArg, err)
	}
	rate, err := strconv.Atoi(rateArg)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE %q: %w", rateArg, err)
	}
	config := &udpxfer.Config{
		Count:      count,
		Logger:     log.Log,
		Output:     os.Stdout,
		PacketSize: size,
		Rate:       rate,
	}
	if err := config.Check(); err != nil {
		return nil, err
	}
	return config, nil
}
