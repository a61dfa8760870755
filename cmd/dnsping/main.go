// Command dnsping measures the RTT using DNS round trips over the
// lossy h1-h2 link, so you can see how losses affect queries.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/EstebanGZam/udp-practice/cmd/internal/optional"
	"github.com/EstebanGZam/udp-practice/cmd/internal/topology"
	"github.com/EstebanGZam/udp-practice/netlab"
	"github.com/apex/log"
)

var (
	countFlag    = flag.Int("count", 10, "number of queries to send")
	intervalFlag = flag.Duration("interval", time.Second, "interval between queries")
	lossFlag     = flag.Float64("loss", 5, "loss percentage of the frames leaving h1-eth0")
	timeoutFlag  = flag.Duration("timeout", time.Second, "time to wait for each response")
)

func main() {
	flag.Parse()

	network := netlab.Must1(topology.New(
		netlab.BackendUserspace,
		netlab.PairTopology(*lossFlag),
		optional.None[string](),
		log.Log,
	))
	defer network.Stop()
	netlab.Must0(network.Start())

	h1 := netlab.Must1(network.Host("h1"))
	h2 := netlab.Must1(network.Host("h2"))

	// send DNS pings from h1 to the DNS server of h2 and measure RTT
	for idx := 0; idx < *countFlag; idx++ {
		if idx > 0 {
			time.Sleep(*intervalFlag)
		}
		fmt.Printf("> A? h2 @%s\n", h2.IP())
		query := netlab.DNSNewRequestA("h2")
		ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
		t0 := time.Now()
		response, err := netlab.DNSRoundTrip(ctx, h1, h2.IP(), query)
		delta := time.Since(t0)
		cancel()
		if err != nil {
			fmt.Printf("< [rtt=%s] %s\n", delta, err.Error())
			continue
		}
		fmt.Printf("< [rtt=%s] Rcode=%d Answers=%d\n", delta, response.Rcode, len(response.Answer))
	}
}
