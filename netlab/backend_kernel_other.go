//go:build !linux

package netlab

import (
	"fmt"
	"runtime"
)

// newKernelBackend fails because network namespaces are a Linux feature.
func newKernelBackend(n *Network) (backendDriver, error) {
	return nil, fmt.Errorf("%w: %s backend on %s", ErrBackendUnavailable, BackendKernel, runtime.GOOS)
}
