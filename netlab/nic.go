package netlab

//
// NIC implementations for testing link forwarding
//

import (
	"fmt"
	"sync"
)

// MockableNIC is a mockable [NIC] implementation.
type MockableNIC struct {
	MockFrameAvailable       func() <-chan any
	MockReadFrameNonblocking func() (*Frame, error)
	MockStackClosed          func() <-chan any
	MockClose                func() error
	MockIPAddress            func() string
	MockInterfaceName        func() string
	MockWriteFrame           func(frame *Frame) error
}

var _ NIC = &MockableNIC{}

// FrameAvailable implements NIC
func (n *MockableNIC) FrameAvailable() <-chan any {
	return n.MockFrameAvailable()
}

// ReadFrameNonblocking implements NIC
func (n *MockableNIC) ReadFrameNonblocking() (*Frame, error) {
	return n.MockReadFrameNonblocking()
}

// StackClosed implements NIC
func (n *MockableNIC) StackClosed() <-chan any {
	return n.MockStackClosed()
}

// Close implements NIC
func (n *MockableNIC) Close() error {
	return n.MockClose()
}

// IPAddress implements NIC
func (n *MockableNIC) IPAddress() string {
	return n.MockIPAddress()
}

// InterfaceName implements NIC
func (n *MockableNIC) InterfaceName() string {
	return n.MockInterfaceName()
}

// WriteFrame implements NIC
func (n *MockableNIC) WriteFrame(frame *Frame) error {
	return n.MockWriteFrame(frame)
}

// StaticReadableNIC is a [ReadableNIC] that emits a static list of
// frames. The zero value is invalid; use [NewStaticReadableNIC].
type StaticReadableNIC struct {
	available chan any
	closeOnce sync.Once
	closed    chan any
	frames    []*Frame
	mu        sync.Mutex
	name      string
}

var _ ReadableNIC = &StaticReadableNIC{}

// NewStaticReadableNIC creates a [StaticReadableNIC] named after name
// that will emit the given frames in order.
func NewStaticReadableNIC(name string, frames ...*Frame) *StaticReadableNIC {
	available := make(chan any, len(frames))
	for range frames {
		available <- true
	}
	return &StaticReadableNIC{
		available: available,
		closeOnce: sync.Once{},
		closed:    make(chan any),
		frames:    frames,
		mu:        sync.Mutex{},
		name:      name,
	}
}

// CloseNetworkStack makes StackClosed readable.
func (n *StaticReadableNIC) CloseNetworkStack() {
	n.closeOnce.Do(func() {
		close(n.closed)
	})
}

// FrameAvailable implements ReadableNIC
func (n *StaticReadableNIC) FrameAvailable() <-chan any {
	return n.available
}

// ReadFrameNonblocking implements ReadableNIC
func (n *StaticReadableNIC) ReadFrameNonblocking() (*Frame, error) {
	select {
	case <-n.closed:
		return nil, ErrStackClosed
	default:
	}
	defer n.mu.Unlock()
	n.mu.Lock()
	if len(n.frames) <= 0 {
		return nil, ErrNoPacket
	}
	frame := n.frames[0]
	n.frames = n.frames[1:]
	return frame, nil
}

// StackClosed implements ReadableNIC
func (n *StaticReadableNIC) StackClosed() <-chan any {
	return n.closed
}

// InterfaceName implements ReadableNIC
func (n *StaticReadableNIC) InterfaceName() string {
	return n.name
}

// StaticWriteableNIC is a [WriteableNIC] that collects the frames
// written into it. The zero value is invalid; use [NewStaticWriteableNIC].
type StaticWriteableNIC struct {
	frames chan *Frame
	name   string
}

var _ WriteableNIC = &StaticWriteableNIC{}

// NewStaticWriteableNIC creates a [StaticWriteableNIC] named after name.
func NewStaticWriteableNIC(name string) *StaticWriteableNIC {
	const manyFrames = 4096
	return &StaticWriteableNIC{
		frames: make(chan *Frame, manyFrames),
		name:   name,
	}
}

// Frames returns the channel where written frames are posted.
func (n *StaticWriteableNIC) Frames() <-chan *Frame {
	return n.frames
}

// InterfaceName implements WriteableNIC
func (n *StaticWriteableNIC) InterfaceName() string {
	return n.name
}

// WriteFrame implements WriteableNIC
func (n *StaticWriteableNIC) WriteFrame(frame *Frame) error {
	select {
	case n.frames <- frame:
		return nil
	default:
		return fmt.Errorf("%w: %s: queue full", ErrPacketDropped, n.name)
	}
}
