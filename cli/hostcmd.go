package cli

//
// Host commands
//

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/EstebanGZam/udp-practice/netlab"
	"github.com/EstebanGZam/udp-practice/udpxfer"
	"github.com/spf13/cobra"
)

// ErrMissingCommand indicates that a host name is not followed by a command.
var ErrMissingCommand = errors.New("cli: missing host command")

// runHostCommand runs the command in args on the given host. The built-in
// commands run on the host network stack and work with any backend. The
// other commands run inside the host using the shell.
func (s *Session) runHostCommand(ctx context.Context, host *netlab.Host, args []string) error {
	if len(args) <= 0 {
		return fmt.Errorf("%w: usage: %s CMD ...", ErrMissingCommand, host.Name())
	}
	root := s.newHostCommand(host)
	if sub, _, err := root.Find(args); err != nil || sub == root {
		cmdline := strings.Join(s.substituteHostNames(args), " ")
		return host.Command(ctx, cmdline, s.out, s.out)
	}
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// newHostCommand creates the command tree of the built-in host commands.
func (s *Session) newHostCommand(host *netlab.Host) *cobra.Command {
	root := &cobra.Command{
		Use:           host.Name(),
		Short:         "Run commands on " + host.Name(),
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(s.out)
	root.SetErr(s.out)
	root.AddCommand(
		s.newHostPingCommand(host),
		s.newHostDigCommand(host),
		s.newHostCurlCommand(host),
		s.newHostHTTPDCommand(host),
		s.newHostUDPRecvCommand(host),
		s.newHostUDPSendCommand(host),
	)
	return root
}

// resolve maps a host name to its IP address and returns
// any other destination unchanged.
func (s *Session) resolve(destination string) string {
	if dest, err := s.network.Host(destination); err == nil {
		return dest.IP()
	}
	return destination
}

func (s *Session) newHostPingCommand(host *netlab.Host) *cobra.Command {
	var config netlab.PingConfig
	cmd := &cobra.Command{
		Use:   "ping DEST",
		Short: "Ping the echo service of another host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := netlab.Ping(cmd.Context(), host, s.resolve(args[0]), &config, s.out)
			if err != nil {
				return err
			}
			if stats.Received <= 0 {
				return netlab.ErrPingNoReplies
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&config.Count, "count", "c", 3, "number of echo requests")
	cmd.Flags().DurationVarP(&config.Interval, "interval", "i", time.Second, "interval between echo requests")
	cmd.Flags().IntVarP(&config.Size, "size", "s", 56, "payload size in bytes")
	cmd.Flags().DurationVarP(&config.Timeout, "timeout", "W", time.Second, "time to wait for each reply")
	return cmd
}

func (s *Session) newHostDigCommand(host *netlab.Host) *cobra.Command {
	var reverse bool
	cmd := &cobra.Command{
		Use:   "dig [@SERVER] [-x] NAME",
		Short: "Resolve a name using the DNS server of a host",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, name := host.IP(), args[0]
			if len(args) == 2 {
				if !strings.HasPrefix(args[0], "@") {
					return fmt.Errorf("invalid server %q: expected @SERVER", args[0])
				}
				server, name = s.resolve(strings.TrimPrefix(args[0], "@")), args[1]
			}
			query := netlab.DNSNewRequestA(name)
			if reverse {
				var err error
				if query, err = netlab.DNSNewRequestPTR(s.resolve(name)); err != nil {
					return err
				}
			}
			t0 := time.Now()
			response, err := netlab.DNSRoundTrip(cmd.Context(), host, server, query)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "%s\n", response.String())
			fmt.Fprintf(s.out, ";; Query time: %d msec\n;; SERVER: %s#53(%s)\n",
				time.Since(t0).Milliseconds(), server, server)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&reverse, "reverse", "x", false, "query the name of an IP address")
	return cmd
}

func (s *Session) newHostCurlCommand(host *netlab.Host) *cobra.Command {
	var http3 bool
	cmd := &cobra.Command{
		Use:   "curl URL",
		Short: "Fetch a URL using HTTP, HTTPS, or HTTP/3",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var txp http.RoundTripper = netlab.NewHTTPTransport(host)
			if http3 {
				h3 := netlab.NewHTTP3Transport(host)
				defer h3.Close()
				txp = h3
			}
			client := &http.Client{Transport: txp}
			defer client.CloseIdleConnections()
			req, err := http.NewRequestWithContext(cmd.Context(), "GET", args[0], nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if _, err := io.Copy(s.out, resp.Body); err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("%s: %s", args[0], resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&http3, "http3", false, "use HTTP/3 (requires an https URL)")
	return cmd
}

func (s *Session) newHostHTTPDCommand(host *netlab.Host) *cobra.Command {
	return &cobra.Command{
		Use:   "httpd",
		Short: "Serve HTTP on port 80 and HTTPS and HTTP/3 on port 443",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := netlab.NewHTTPServer(host, netlab.NewHTTPHelloHandler(host.Name()))
			if err != nil {
				return err
			}
			if err := host.Track(srv); err != nil {
				return err
			}
			fmt.Fprintf(s.out, "%s: serving http://%s/ and https://%s/\n", host.Name(), host.IP(), host.IP())
			return nil
		},
	}
}

func (s *Session) newHostUDPRecvCommand(host *netlab.Host) *cobra.Command {
	var (
		config   udpxfer.Config
		reliable bool
	)
	cmd := &cobra.Command{
		Use:   "udprecv",
		Short: "Receive the datagrams of udpsend and report the losses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config.Logger = s.network.Logger()
			config.Output = s.out
			run := udpxfer.RunReceiver
			if reliable {
				run = udpxfer.RunReliableReceiver
			}
			report, err := run(cmd.Context(), host, host.IP(), &config)
			if err != nil {
				return err
			}
			_, err = report.WriteTo(s.out)
			return err
		},
	}
	cmd.Flags().IntVarP(&config.Count, "count", "n", udpxfer.DefaultCount, "number of datagrams")
	cmd.Flags().BoolVar(&reliable, "reliable", false, "acknowledge datagrams")
	return cmd
}

func (s *Session) newHostUDPSendCommand(host *netlab.Host) *cobra.Command {
	var (
		config   udpxfer.Config
		reliable bool
	)
	cmd := &cobra.Command{
		Use:   "udpsend DEST SIZE RATE",
		Short: "Send numbered datagrams to the udprecv of another host",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := fmt.Sscan(args[1], &config.PacketSize); err != nil {
				return fmt.Errorf("invalid size %q: %w", args[1], err)
			}
			if _, err := fmt.Sscan(args[2], &config.Rate); err != nil {
				return fmt.Errorf("invalid rate %q: %w", args[2], err)
			}
			if err := config.Check(); err != nil {
				return err
			}
			config.LocalAddress = host.IP()
			config.Logger = s.network.Logger()
			config.Output = s.out
			send := udpxfer.RunSender
			if reliable {
				send = udpxfer.RunReliableSender
			}
			report, err := send(cmd.Context(), host, s.resolve(args[0]), &config)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "%s\n", report)
			return nil
		},
	}
	cmd.Flags().IntVarP(&config.Count, "count", "n", udpxfer.DefaultCount, "number of datagrams")
	cmd.Flags().BoolVar(&reliable, "reliable", false, "wait for ACKs and retransmit")
	return cmd
}
