// Package cli implements an interactive session for controlling
// a running [netlab.Network], modeled after the Mininet CLI.
//
// Each input line is either a network command (e.g., "pingall") or a
// host command (e.g., "h1 ping h2"). Type "help" for the list of the
// network commands. A trailing "&" runs a host command in the background.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/EstebanGZam/udp-practice/netlab"
)

// Prompt is the prompt printed before reading each line.
const Prompt = "netlab> "

// Session is an interactive session. The zero value is invalid;
// please, use [NewSession] to construct.
type Session struct {
	// cancel interrupts the foreground command.
	cancel context.CancelFunc

	// closeOnce allows Close to have once semantics.
	closeOnce sync.Once

	// jobs tracks the background jobs.
	jobs sync.WaitGroup

	// jobsCancel cancels the background jobs.
	jobsCancel context.CancelFunc

	// jobsCtx is the context of the background jobs.
	jobsCtx context.Context

	// jobID is the last background job ID.
	jobID int

	// mu protects cancel and jobID.
	mu sync.Mutex

	// network is the network we control.
	network *netlab.Network

	// out is where we write, safe for concurrent use.
	out io.Writer
}

// NewSession creates a [Session] controlling the given network and
// writing to out. You MUST call [Session.Close] when done.
func NewSession(network *netlab.Network, out io.Writer) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		jobsCancel: cancel,
		jobsCtx:    ctx,
		network:    network,
		out:        &lockedWriter{w: out},
	}
}

// Run creates a [Session], runs it until the user exits, the input
// ends, or the context is done, and then closes the session.
func Run(ctx context.Context, network *netlab.Network, in io.Reader, out io.Writer) error {
	sess := NewSession(network, out)
	defer sess.Close()
	return sess.Run(ctx, in)
}

// Run reads and executes commands from in until "exit" or "quit", the
// end of the input, or the context being done. Errors of the individual
// commands are printed and do not end the session. It returns the
// context error when the context is done and nil otherwise.
func (s *Session) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readerr := make(chan error, 1)
	done := make(chan any)
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		readerr <- scanner.Err()
	}()

	for {
		fmt.Fprint(s.out, Prompt)
		select {
		case <-ctx.Done():
			fmt.Fprintln(s.out)
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(s.out)
				select {
				case err := <-readerr:
					return err
				default:
					return nil
				}
			}
			if s.Execute(ctx, line) {
				return nil
			}
		}
	}
}

// Execute executes a single command line and returns whether
// the user asked to end the session.
func (s *Session) Execute(ctx context.Context, line string) (exit bool) {
	args := strings.Fields(line)
	if len(args) <= 0 || strings.HasPrefix(args[0], "#") {
		return false
	}

	background := false
	if last := args[len(args)-1]; last == "&" {
		background, args = true, args[:len(args)-1]
	} else if strings.HasSuffix(last, "&") {
		background, args[len(args)-1] = true, strings.TrimSuffix(last, "&")
	}
	if len(args) <= 0 {
		return false
	}

	host, _ := s.network.Host(args[0])
	switch {
	case host != nil && background:
		s.startJob(host, args[1:])
		return false

	case host != nil:
		ctx = s.foreground(ctx)
		defer s.Interrupt()
		s.reportError(s.runHostCommand(ctx, host, args[1:]))
		return false

	case background:
		s.reportError(errors.New("only host commands can run in the background"))
		return false

	default:
		ctx = s.foreground(ctx)
		defer s.Interrupt()
		root := s.newRootCommand(&exit)
		root.SetArgs(args)
		s.reportError(root.ExecuteContext(ctx))
		return exit
	}
}

// foreground returns a context for the foreground command
// that [Session.Interrupt] cancels.
func (s *Session) foreground(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return ctx
}

// Interrupt interrupts the foreground command, if any, as
// typing Ctrl-C does in a shell. The session keeps running.
func (s *Session) Interrupt() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// startJob runs a host command in the background.
func (s *Session) startJob(host *netlab.Host, args []string) {
	s.mu.Lock()
	s.jobID++
	id := s.jobID
	s.mu.Unlock()

	fmt.Fprintf(s.out, "[%d] %s %s\n", id, host.Name(), strings.Join(args, " "))
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		err := s.runHostCommand(s.jobsCtx, host, args)
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(s.out, "[%d] *** Error: %s\n", id, err.Error())
			return
		}
		fmt.Fprintf(s.out, "[%d] Done\n", id)
	}()
}

// reportError prints the error of a command.
func (s *Session) reportError(err error) {
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(s.out, "Interrupt")
	default:
		fmt.Fprintf(s.out, "*** Error: %s\n", err.Error())
	}
}

// Close cancels the background jobs and waits for them to terminate.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.Interrupt()
		s.jobsCancel()
		s.jobs.Wait()
	})
	return nil
}

// substituteHostNames replaces the words naming a host with its IP
// address, so that "h1 ping -c1 h2" works with the system ping.
func (s *Session) substituteHostNames(args []string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if host, err := s.network.Host(arg); err == nil {
			arg = host.IP()
		}
		out = append(out, arg)
	}
	return out
}

// lockedWriter serializes the writes of concurrent commands.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(data []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(data)
}
