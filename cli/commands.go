package cli

//
// Network commands
//

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/EstebanGZam/udp-practice/netlab"
	"github.com/EstebanGZam/udp-practice/udpxfer"
	"github.com/spf13/cobra"
)

// ErrNoSuchLink indicates that two nodes are not linked.
var ErrNoSuchLink = errors.New("cli: no such link")

// ErrNoSuchIntf indicates that an interface does not exist.
var ErrNoSuchIntf = errors.New("cli: no such interface")

// newRootCommand creates the command tree for a single line. We
// create a new tree for each line so that flags start from defaults.
func (s *Session) newRootCommand(exit *bool) *cobra.Command {
	root := &cobra.Command{
		Use:           "netlab",
		Short:         "Control the emulated network",
		Long:          "Control the emulated network. Use \"HOST CMD ...\" to run CMD on a host.",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(s.out)
	root.SetErr(s.out)

	quit := func(cmd *cobra.Command, args []string) {
		*exit = true
	}
	root.AddCommand(
		s.newNodesCommand(),
		s.newNetCommand(),
		s.newLinksCommand(),
		s.newIntfsCommand(),
		s.newDumpCommand(),
		s.newStatsCommand(),
		s.newTCCommand(),
		s.newLinkCommand(),
		s.newPingAllCommand(),
		s.newPingPairCommand(),
		s.newIperfCommand(),
		s.newUDPTestCommand(),
		s.newShCommand(),
		&cobra.Command{Use: "exit", Short: "Exit the session", Args: cobra.NoArgs, Run: quit},
		&cobra.Command{Use: "quit", Short: "Exit the session", Args: cobra.NoArgs, Run: quit},
	)
	return root
}

func (s *Session) newNodesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List the nodes",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(s.out, "available nodes are: \n%s\n", strings.Join(s.network.NodeNames(), " "))
		},
	}
}

func (s *Session) newNetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "net",
		Short: "List the connections of each node",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, node := range s.nodes() {
				fmt.Fprint(s.out, node.Name())
				for _, intf := range node.Intfs() {
					fmt.Fprintf(s.out, " %s:%s", intf, intf.Peer())
				}
				fmt.Fprintln(s.out)
			}
		},
	}
}

func (s *Session) newLinksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "links",
		Short: "List the links and their status",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, link := range s.network.Links() {
				status := "OK OK"
				if !link.Status() {
					status = "DOWN DOWN"
				}
				fmt.Fprintf(s.out, "%s (%s)\n", link, status)
			}
		},
	}
}

func (s *Session) newIntfsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "intfs",
		Short: "List the interfaces of each node",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, node := range s.nodes() {
				var names []string
				for _, intf := range node.Intfs() {
					names = append(names, intf.Name())
				}
				fmt.Fprintf(s.out, "%s: %s\n", node.Name(), strings.Join(names, ","))
			}
		},
	}
}

func (s *Session) newDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Dump the nodes and their addresses",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, host := range s.network.Hosts() {
				var intfs []string
				for _, intf := range host.Intfs() {
					intfs = append(intfs, fmt.Sprintf("%s:%s", intf, host.IP()))
				}
				fmt.Fprintf(s.out, "<Host %s: %s>\n", host.Name(), strings.Join(intfs, ","))
			}
			for _, sw := range s.network.Switches() {
				var intfs []string
				for _, intf := range sw.Intfs() {
					intfs = append(intfs, fmt.Sprintf("%s:None", intf))
				}
				fmt.Fprintf(s.out, "<Switch %s: %s>\n", sw.Name(), strings.Join(intfs, ","))
			}
		},
	}
}

func (s *Session) newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the traffic counters and the shaping of each interface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(s.out, "%-12s %10s %12s %10s %12s %8s  %s\n",
				"intf", "tx_pkts", "tx_bytes", "rx_pkts", "rx_bytes", "dropped", "config")
			for _, intf := range s.intfs() {
				counters, err := intf.Counters()
				if err != nil {
					return err
				}
				config := intf.Params()
				fmt.Fprintf(s.out, "%-12s %10d %12d %10d %12d %8d  %s\n", intf,
					counters.TxPackets, counters.TxBytes, counters.RxPackets, counters.RxBytes,
					counters.Dropped, config.String())
			}
			return nil
		},
	}
}

func (s *Session) newTCCommand() *cobra.Command {
	var config netlab.IntfConfig
	cmd := &cobra.Command{
		Use:   "tc INTF",
		Short: "Show or change the shaping of the frames leaving an interface",
		Example: "  tc h1-eth0 --loss 10\n" +
			"  tc h2-eth0 --delay 20ms --jitter 5ms --bw 10",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			intf, err := s.intf(args[0])
			if err != nil {
				return err
			}
			current := intf.Params()
			if cmd.Flags().NFlag() <= 0 {
				fmt.Fprintf(s.out, "%s: %s\n", intf, current.String())
				return nil
			}
			// only override what the user asked to change
			flags := cmd.Flags()
			if flags.Changed("loss") {
				current.Loss = config.Loss
			}
			if flags.Changed("delay") {
				current.Delay = config.Delay
			}
			if flags.Changed("jitter") {
				current.Jitter = config.Jitter
			}
			if flags.Changed("bw") {
				current.Bandwidth = config.Bandwidth
			}
			if flags.Changed("max-queue-size") {
				current.MaxQueueSize = config.MaxQueueSize
			}
			if err := intf.Config(&current); err != nil {
				return err
			}
			fmt.Fprintf(s.out, "%s: %s\n", intf, current.String())
			return nil
		},
	}
	cmd.Flags().Float64Var(&config.Loss, "loss", 0, "packet loss percentage")
	cmd.Flags().DurationVar(&config.Delay, "delay", 0, "one-way delay")
	cmd.Flags().DurationVar(&config.Jitter, "jitter", 0, "delay variation")
	cmd.Flags().Float64Var(&config.Bandwidth, "bw", 0, "rate limit in Mbit/s")
	cmd.Flags().IntVar(&config.MaxQueueSize, "max-queue-size", 0, "maximum queue length in frames")
	return cmd
}

func (s *Session) newLinkCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "link NODE1 NODE2 up|down",
		Short:     "Bring the links between two nodes up or down",
		Args:      cobra.ExactArgs(3),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var up bool
			switch args[2] {
			case "up":
				up = true
			case "down":
			default:
				return fmt.Errorf("invalid link status %q: expected up or down", args[2])
			}
			links, err := s.linksBetween(args[0], args[1])
			if err != nil {
				return err
			}
			for _, link := range links {
				if err := link.SetStatus(up); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (s *Session) newPingAllCommand() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "pingall",
		Short: "Ping between all the hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.pingHosts(cmd.Context(), s.network.Hosts(), count)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "c", 1, "number of echo requests per pair")
	return cmd
}

func (s *Session) newPingPairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pingpair",
		Short: "Ping between the first two hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hosts := s.network.Hosts()
			if len(hosts) < 2 {
				return fmt.Errorf("%w: need at least two hosts", netlab.ErrNoSuchNode)
			}
			return s.pingHosts(cmd.Context(), hosts[:2], 1)
		},
	}
}

// pingHosts pings each host from each other host and prints
// the results like Mininet's pingall does.
func (s *Session) pingHosts(ctx context.Context, hosts []*netlab.Host, count int) error {
	fmt.Fprintln(s.out, "*** Ping: testing ping reachability")
	var sent, received int
	for _, src := range hosts {
		fmt.Fprintf(s.out, "%s -> ", src.Name())
		for _, dst := range hosts {
			if src == dst {
				continue
			}
			config := &netlab.PingConfig{Count: count, Interval: 100 * time.Millisecond}
			stats, err := netlab.Ping(ctx, src, dst.IP(), config, io.Discard)
			if err != nil && stats == nil {
				return err
			}
			sent += stats.Transmitted
			received += stats.Received
			if stats.Received > 0 {
				fmt.Fprintf(s.out, "%s ", dst.Name())
			} else {
				fmt.Fprint(s.out, "X ")
			}
			if err != nil {
				fmt.Fprintln(s.out)
				return err
			}
		}
		fmt.Fprintln(s.out)
	}
	dropped := 0.0
	if sent > 0 {
		dropped = float64(sent-received) * 100 / float64(sent)
	}
	fmt.Fprintf(s.out, "*** Results: %.0f%% dropped (%d/%d received)\n", dropped, received, sent)
	return nil
}

// iperfPort is the port where the iperf command runs the NDT0 server.
const iperfPort = 5201

func (s *Session) newIperfCommand() *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "iperf [CLIENT SERVER]",
		Short: "Measure the TCP download speed between two hosts",
		Long: "Measure the TCP download speed between two hosts. The client downloads\n" +
			"from the server. By default, the first host is the client and the last\n" +
			"host is the server.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("accepts 0 or 2 arg(s), received %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, server, err := s.hostPair(args)
			if err != nil {
				return err
			}
			return s.iperf(cmd.Context(), client, server, duration)
		},
	}
	cmd.Flags().DurationVarP(&duration, "time", "t", 5*time.Second, "test duration")
	return cmd
}

// iperf runs NDT0 between client and server.
func (s *Session) iperf(ctx context.Context, client, server *netlab.Host, duration time.Duration) error {
	fmt.Fprintf(s.out, "*** Iperf: testing TCP bandwidth between %s and %s\n", client.Name(), server.Name())
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	logger := s.network.Logger()
	ready := make(chan any)
	serverErr := make(chan error, 1)
	go netlab.RunNDT0Server(ctx, server, net.ParseIP(server.IP()), iperfPort, logger, ready, serverErr)
	select {
	case <-ready:
	case err := <-serverErr:
		return err
	}

	endpoint := net.JoinHostPort(server.IP(), fmt.Sprint(iperfPort))
	sample, err := netlab.RunNDT0Client(ctx, client, endpoint, logger, nil)
	cancel()
	if srvErr := <-serverErr; srvErr != nil {
		logger.Debugf("netlab: iperf server: %s", srvErr.Error())
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "*** Results: %.2f Mbit/s (%d bytes in %s)\n",
		sample.AvgSpeed, sample.Total, sample.Elapsed.Round(time.Millisecond))
	return nil
}

func (s *Session) newUDPTestCommand() *cobra.Command {
	var (
		config   udpxfer.Config
		reliable bool
		verbose  bool
	)
	cmd := &cobra.Command{
		Use:   "udptest CLIENT SERVER",
		Short: "Measure the UDP packet loss from CLIENT to SERVER",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Check(); err != nil {
				return err
			}
			client, server, err := s.hostPair(args)
			if err != nil {
				return err
			}
			if verbose {
				config.Output = s.out
			}
			config.Logger = s.network.Logger()
			return s.udptest(cmd.Context(), client, server, &config, reliable)
		},
	}
	cmd.Flags().IntVarP(&config.PacketSize, "size", "s", udpxfer.DefaultPacketSize, "datagram size in bytes")
	cmd.Flags().IntVarP(&config.Rate, "rate", "r", udpxfer.DefaultRate, "datagrams per second")
	cmd.Flags().IntVarP(&config.Count, "count", "n", udpxfer.DefaultCount, "number of datagrams")
	cmd.Flags().BoolVar(&reliable, "reliable", false, "acknowledge and retransmit datagrams")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print each datagram")
	return cmd
}

// udptest runs a udpxfer receiver on server and a sender on client.
func (s *Session) udptest(
	ctx context.Context, client, server *netlab.Host, config *udpxfer.Config, reliable bool) error {
	fmt.Fprintf(s.out, "*** UDP test: %s -> %s, %d datagrams of %d bytes at %d/s\n",
		client.Name(), server.Name(), config.Count, config.PacketSize, config.Rate)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	receiverConfig := *config
	ready := make(chan any)
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
		return res.err
	}

	senderConfig := *config
	senderConfig.LocalAddress = client.IP()
	send := udpxfer.RunSender
	if reliable {
		send = udpxfer.RunReliableSender
	}
	sendReport, err := send(ctx, client, server.IP(), &senderConfig)
	if err != nil {
		return err
	}
	res := <-results
	if res.err != nil {
		return res.err
	}
	res.report.WriteTo(s.out)
	fmt.Fprintf(s.out, "*** Sender: %s\n", sendReport)
	return nil
}

func (s *Session) newShCommand() *cobra.Command {
	return &cobra.Command{
		Use:                "sh CMD...",
		Short:              "Run a command in the root namespace",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			child := exec.CommandContext(cmd.Context(), "/bin/sh", "-c", strings.Join(args, " "))
			child.Stdout = s.out
			child.Stderr = s.out
			return child.Run()
		},
	}
}

// nodes returns the hosts followed by the switches.
func (s *Session) nodes() (out []netlab.Node) {
	for _, host := range s.network.Hosts() {
		out = append(out, host)
	}
	for _, sw := range s.network.Switches() {
		out = append(out, sw)
	}
	return
}

// intfs returns all the interfaces in link order.
func (s *Session) intfs() (out []*netlab.Intf) {
	for _, link := range s.network.Links() {
		out = append(out, link.Intf1(), link.Intf2())
	}
	return
}

// intf returns the interface called name.
func (s *Session) intf(name string) (*netlab.Intf, error) {
	for _, intf := range s.intfs() {
		if intf.Name() == name {
			return intf, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSuchIntf, name)
}

// linksBetween returns the links between the two named nodes.
func (s *Session) linksBetween(name1, name2 string) (out []*netlab.Link, err error) {
	for _, name := range []string{name1, name2} {
		if _, err := s.network.Node(name); err != nil {
			return nil, err
		}
	}
	for _, link := range s.network.Links() {
		n1, n2 := link.Intf1().Node().Name(), link.Intf2().Node().Name()
		if (n1 == name1 && n2 == name2) || (n1 == name2 && n2 == name1) {
			out = append(out, link)
		}
	}
	if len(out) <= 0 {
		return nil, fmt.Errorf("%w: %s-%s", ErrNoSuchLink, name1, name2)
	}
	return out, nil
}

// hostPair returns the hosts named by args or, when args
// is empty, the first and the last host.
func (s *Session) hostPair(args []string) (*netlab.Host, *netlab.Host, error) {
	if len(args) <= 0 {
		hosts := s.network.Hosts()
		if len(hosts) < 2 {
			return nil, nil, fmt.Errorf("%w: need at least two hosts", netlab.ErrNoSuchNode)
		}
		return hosts[0], hosts[len(hosts)-1], nil
	}
	first, err := s.network.Host(args[0])
	if err != nil {
		return nil, nil, err
	}
	second, err := s.network.Host(args[1])
	if err != nil {
		return nil, nil, err
	}
	return first, second, nil
}
