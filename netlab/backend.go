package netlab

//
// Emulation backends
//

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Backend selects how a [Network] emulates hosts and links.
type Backend int

const (
	// BackendKernel emulates each host and switch using a Linux network
	// namespace, each link using a veth pair, each switch using a Linux
	// bridge, and shapes traffic using tc-netem(8). It requires root.
	BackendKernel = Backend(iota)

	// BackendUserspace emulates each host using a gVisor TCP/IP stack and
	// each link using a [LinkForwarder]. It does not require privileges
	// but each host can have at most one link.
	BackendUserspace
)

// String implements fmt.Stringer.
func (b Backend) String() string {
	switch b {
	case BackendKernel:
		return "kernel"
	case BackendUserspace:
		return "userspace"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// ErrUnknownBackend indicates that a backend name is not valid.
var ErrUnknownBackend = errors.New("netlab: unknown backend")

// ErrBackendUnavailable indicates that a backend cannot run on this system.
var ErrBackendUnavailable = errors.New("netlab: backend not available")

// ParseBackend maps "kernel" and "userspace" to the corresponding [Backend].
func ParseBackend(name string) (Backend, error) {
	switch name {
	case "kernel":
		return BackendKernel, nil
	case "userspace":
		return BackendUserspace, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
}

// hostStack is the network stack of a started [Host].
type hostStack interface {
	HTTPUnderlyingNetwork
	Close() error
}

// linkDriver shapes and measures a started [Link]. The side argument is
// zero for the link's first interface and one for the second interface.
type linkDriver interface {
	configure(side int, config *IntfConfig) error
	counters(side int) (IntfCounters, error)
	setUp(up bool) error
	Close() error
}

// backendDriver creates the emulated resources when a [Network] starts.
type backendDriver interface {
	// newHost creates the network stack of a host.
	newHost(host *Host) (hostStack, error)

	// newSwitch creates a switch.
	newSwitch(sw *Switch) error

	// newLink creates a link. All the link's nodes have already been created.
	newLink(link *Link) (linkDriver, error)

	// exec runs a shell command line inside the given host.
	exec(ctx context.Context, host *Host, cmdline string, stdout, stderr io.Writer) error

	// Close releases the resources owned by the backend.
	Close() error
}

// newBackendDriver creates the [backendDriver] for a [Network].
func newBackendDriver(n *Network) (backendDriver, error) {
	switch n.backend {
	case BackendKernel:
		return newKernelBackend(n)
	case BackendUserspace:
		return newUserspaceBackend(n), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, n.backend)
	}
}
