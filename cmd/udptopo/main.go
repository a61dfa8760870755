// Command udptopo creates the h1 and h2 hosts, links them with a link
// dropping 5% of the frames leaving h1, starts the network, and runs an
// interactive session until you exit. It then stops the network.
//
// By default, udptopo uses Linux network namespaces and requires root. Use
// the -backend userspace flag to emulate the network inside this process.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/EstebanGZam/udp-practice/cli"
	"github.com/EstebanGZam/udp-practice/cmd/internal/optional"
	"github.com/EstebanGZam/udp-practice/cmd/internal/topology"
	"github.com/EstebanGZam/udp-practice/netlab"
	"github.com/apex/log"
)

var (
	backendFlag = flag.String("backend", "kernel", "network backend: kernel or userspace")
	customFlag  = flag.String("custom", "", "YAML or DOT topology file overriding -topo")
	lossFlag    = flag.Float64("loss", 5, "loss percentage of the frames leaving h1-eth0")
	mtuFlag     = flag.Uint("mtu", 1500, "MTU of the interfaces")
	pcapFlag    = flag.String("pcap", "", "directory where to capture traffic (userspace backend)")
	topoFlag    = flag.String("topo", "pair", "topology: pair, minimal, single,N, or linear,N")
	verboseFlag = flag.Bool("v", false, "enable debug logging")
)

// networkCreated is called with the network once it exists.
var networkCreated = func(network *netlab.Network) {}

func main() {
	flag.Parse()
	if *verboseFlag {
		log.SetLevel(log.DebugLevel)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Before the session starts, any signal cancels the setup, which then
	// stops the network. Once the session runs, SIGINT interrupts the
	// current command like in a shell, while SIGTERM and SIGHUP end it.
	var sess atomic.Pointer[cli.Session]
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigch)
	go func() {
		for sig := range sigch {
			if current := sess.Load(); sig == syscall.SIGINT && current != nil {
				current.Interrupt()
				continue
			}
			log.Infof("*** Received %s", sig)
			cancel()
		}
	}()

	err := run(ctx, os.Stdin, os.Stdout, sess.Store)
	if err != nil {
		log.WithError(err).Fatal("udptopo")
	}
}

// run creates the network, runs the session reading from in and
// writing to out, and stops the network on every return path. It
// passes the session to started once the network is running. When ctx
// is done, run stops the network and returns nil.
func run(ctx context.Context, in io.Reader, out io.Writer, started func(*cli.Session)) error {
	backend, err := netlab.ParseBackend(*backendFlag)
	if err != nil {
		return err
	}
	topo, err := topology.Load(*topoFlag, optional.FromFlag(*customFlag), *lossFlag)
	if err != nil {
		return err
	}
	network, err := topology.New(backend, topo, optional.FromFlag(*pcapFlag), log.Log,
		netlab.WithMTU(uint32(*mtuFlag)))
	if err != nil {
		return err
	}
	defer func() {
		log.Info("*** Stopping network")
		if err := network.Stop(); err != nil {
			log.WithError(err).Warn("*** Stopping network")
		}
	}()
	networkCreated(network)
	if err := network.Start(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		log.Info("*** Interrupted during setup")
		return nil
	}

	sess := cli.NewSession(network, out)
	defer sess.Close()
	started(sess)
	defer started(nil)

	log.Info("*** Starting CLI:")
	if err := sess.Run(ctx, in); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
