// Command httpping measures the RTT using HTTP round trips over the
// lossy h1-h2 link, so you can see how losses affect TCP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/EstebanGZam/udp-practice/cmd/internal/optional"
	"github.com/EstebanGZam/udp-practice/cmd/internal/topology"
	"github.com/EstebanGZam/udp-practice/netlab"
	"github.com/apex/log"
)

var (
	countFlag    = flag.Int("count", 10, "number of requests to send")
	http3Flag    = flag.Bool("http3", false, "use HTTP/3 instead of HTTP/1.1")
	intervalFlag = flag.Duration("interval", time.Second, "interval between requests")
	lossFlag     = flag.Float64("loss", 5, "loss percentage of the frames leaving h1-eth0")
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
	srv := netlab.Must1(netlab.NewHTTPServer(h2, netlab.NewHTTPHelloHandler(h2.Name())))
	netlab.Must0(h2.Track(srv))

	// create the HTTP transport to use.
	URL := "http://h2/"
	var txp http.RoundTripper
	if *http3Flag {
		URL = "https://h2/"
		h3txp := netlab.NewHTTP3Transport(h1)
		defer h3txp.Close()
		txp = h3txp
	} else {
		h1txp := netlab.NewHTTPTransport(h1)
		defer h1txp.CloseIdleConnections()
		txp = h1txp
	}

	// send HTTP pings and measure RTT
	ctx := context.Background()
	for idx := 0; idx < *countFlag; idx++ {
		if idx > 0 {
			time.Sleep(*intervalFlag)
		}
		fmt.Printf("> GET %s\n", URL)
		req := netlab.Must1(http.NewRequestWithContext(ctx, "GET", URL, nil))
		t0 := time.Now()
		resp, err := txp.RoundTrip(req)
		delta := time.Since(t0)
		if err != nil {
			fmt.Printf("< [rtt=%s] %s\n", delta, err.Error())
			continue
		}
		resp.Body.Close()
		fmt.Printf("< [rtt=%s] %d %s\n", delta, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
}
