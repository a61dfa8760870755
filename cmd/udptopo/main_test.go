package main

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EstebanGZam/udp-practice/cli"
	"github.com/EstebanGZam/udp-practice/netlab"
)

// flagsMu serializes the tests changing the flags.
var flagsMu sync.Mutex

// withFlags sets the flags for the duration of the test.
func withFlags(t *testing.T, backend, topo string) {
	flagsMu.Lock()
	oldBackend, oldTopo, oldMTU := *backendFlag, *topoFlag, *mtuFlag
	*backendFlag, *topoFlag = backend, topo
	t.Cleanup(func() {
		*backendFlag, *topoFlag, *mtuFlag = oldBackend, oldTopo, oldMTU
		networkCreated = func(network *netlab.Network) {}
		flagsMu.Unlock()
	})
}

// captureNetwork returns a channel receiving the network run creates.
func captureNetwork() <-chan *netlab.Network {
	ch := make(chan *netlab.Network, 1)
	networkCreated = func(network *netlab.Network) {
		ch <- network
	}
	return ch
}

func ignoreSession(*cli.Session) {}

func TestRunUserspace(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	withFlags(t, "userspace", "pair")
	networks := captureNetwork()
	var out strings.Builder
	if err := run(context.Background(), strings.NewReader("net\nexit\n"), &out, ignoreSession); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "h1 h1-eth0:h2-eth0") {
		t.Fatal("unexpected output", out.String())
	}
	if state := (<-networks).State(); state != netlab.Stopped {
		t.Fatal("expected the network to be stopped, got", state)
	}
}

func TestRunInterrupted(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}

	t.Run("while the session waits for input", func(t *testing.T) {
		withFlags(t, "userspace", "pair")
		networks := captureNetwork()
		reader, writer := io.Pipe()
		defer writer.Close()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sessions := make(chan *cli.Session, 1)
		done := make(chan error, 1)
		go func() {
			done <- run(ctx, reader, io.Discard, func(sess *cli.Session) {
				if sess != nil {
					sessions <- sess
				}
			})
		}()
		<-sessions
		cancel()

		select {
		case err := <-done:
			if err != nil {
				t.Fatal(err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("run did not return")
		}
		if state := (<-networks).State(); state != netlab.Stopped {
			t.Fatal("expected the network to be stopped, got", state)
		}
	})

	t.Run("during setup", func(t *testing.T) {
		withFlags(t, "userspace", "pair")
		networks := captureNetwork()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		started := false
		err := run(ctx, strings.NewReader("net\n"), io.Discard, func(sess *cli.Session) {
			started = started || sess != nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if started {
			t.Fatal("the session should not have started")
		}
		if state := (<-networks).State(); state != netlab.Stopped {
			t.Fatal("expected the network to be stopped, got", state)
		}
	})
}

func TestRunWithInvalidFlags(t *testing.T) {
	t.Run("backend", func(t *testing.T) {
		withFlags(t, "docker", "pair")
		err := run(context.Background(), strings.NewReader(""), &strings.Builder{}, ignoreSession)
		if !errors.Is(err, netlab.ErrUnknownBackend) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("topology", func(t *testing.T) {
		withFlags(t, "userspace", "ring")
		err := run(context.Background(), strings.NewReader(""), &strings.Builder{}, ignoreSession)
		if !errors.Is(err, netlab.ErrInvalidTopology) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("mtu", func(t *testing.T) {
		withFlags(t, "userspace", "pair")
		*mtuFlag = 100
		networks := captureNetwork()
		err := run(context.Background(), strings.NewReader(""), &strings.Builder{}, ignoreSession)
		if !errors.Is(err, netlab.ErrInvalidMTU) {
			t.Fatal("unexpected error", err)
		}
		if state := (<-networks).State(); state != netlab.Stopped {
			t.Fatal("expected the network to be stopped, got", state)
		}
	})
}
