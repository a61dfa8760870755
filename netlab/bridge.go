package netlab

//
// Userspace bridge
//

import (
	"errors"
	"fmt"
	"sync"
)

// BridgePort is a port of a [Bridge]. The zero value is invalid, use
// the [NewBridgePort] constructor to instantiate.
type BridgePort struct {
	// bridge is the bridge owning the port.
	bridge *Bridge

	// closeOnce provides once semantics for the Close method
	closeOnce sync.Once

	// closed is closed when we close this port
	closed chan any

	// ifaceName is the interface name
	ifaceName string

	// logger is the logger to use
	logger Logger

	// outgoingMu protects outgoingQueue
	outgoingMu sync.Mutex

	// outgoingNotify is posted each time a new packet is queued
	outgoingNotify chan any

	// outgoingQueue is the outgoing queue
	outgoingQueue [][]byte
}

// NewBridgePort creates a new [BridgePort] named ifaceName and attaches
// it to the given [Bridge].
func NewBridgePort(bridge *Bridge, ifaceName string) *BridgePort {
	const maxNotifications = 1024
	port := &BridgePort{
		bridge:         bridge,
		closeOnce:      sync.Once{},
		closed:         make(chan any),
		ifaceName:      ifaceName,
		logger:         bridge.logger,
		outgoingMu:     sync.Mutex{},
		outgoingNotify: make(chan any, maxNotifications),
		outgoingQueue:  [][]byte{},
	}
	bridge.attach(port)
	return port
}

var _ NIC = &BridgePort{}

// writeOutgoingPacket is the function a [Bridge] calls
// to write an outgoing packet of this port.
func (bp *BridgePort) writeOutgoingPacket(packet []byte) error {
	// honour the port-closed flag
	select {
	case <-bp.closed:
		return ErrStackClosed
	default:
	}

	// enqueue and notify
	bp.outgoingMu.Lock()
	defer bp.outgoingMu.Unlock()
	select {
	case bp.outgoingNotify <- true:
		bp.outgoingQueue = append(bp.outgoingQueue, packet)
		return nil
	default:
		return ErrPacketDropped
	}
}

// FrameAvailable implements NIC
func (bp *BridgePort) FrameAvailable() <-chan any {
	return bp.outgoingNotify
}

// ReadFrameNonblocking implements NIC
func (bp *BridgePort) ReadFrameNonblocking() (*Frame, error) {
	// honour the port-closed flag
	select {
	case <-bp.closed:
		return nil, ErrStackClosed
	default:
		// fallthrough
	}

	// check whether we can read from the queue
	defer bp.outgoingMu.Unlock()
	bp.outgoingMu.Lock()
	if len(bp.outgoingQueue) <= 0 {
		return nil, ErrNoPacket
	}

	// dequeue packet
	packet := bp.outgoingQueue[0]
	bp.outgoingQueue = bp.outgoingQueue[1:]

	// wrap packet with a frame
	frame := NewFrame(packet)
	return frame, nil
}

// StackClosed implements NIC
func (bp *BridgePort) StackClosed() <-chan any {
	return bp.closed
}

// Close implements NIC
func (bp *BridgePort) Close() error {
	bp.closeOnce.Do(func() {
		bp.logger.Debugf("netlab: ip link set %s nomaster", bp.ifaceName)
		close(bp.closed)
		bp.bridge.detach(bp)
	})
	return nil
}

// IPAddress implements NIC
func (bp *BridgePort) IPAddress() string {
	return "0.0.0.0"
}

// InterfaceName implements NIC
func (bp *BridgePort) InterfaceName() string {
	return bp.ifaceName
}

// ErrPacketDropped indicates that a packet was dropped.
var ErrPacketDropped = errors.New("netlab: packet was dropped")

// WriteFrame implements NIC
func (bp *BridgePort) WriteFrame(frame *Frame) error {
	return bp.bridge.forward(bp, frame.Payload)
}

// Bridge forwards IP packets between [BridgePort]s like a learning
// switch, using IP addresses in place of MAC addresses. It learns the
// source address of each incoming packet, forwards packets to the port
// where the destination was learned, and floods packets with unknown
// destination to all the other ports. The zero value of this structure
// is invalid; construct using [NewBridge].
type Bridge struct {
	// fdb is the forwarding database.
	fdb map[string]*BridgePort

	// logger is the Logger we're using.
	logger Logger

	// mu provides mutual exclusion.
	mu sync.Mutex

	// name is the bridge name.
	name string

	// ports contains the attached ports.
	ports []*BridgePort
}

// NewBridge creates a new [Bridge] instance.
func NewBridge(logger Logger, name string) *Bridge {
	logger.Infof("netlab: ip link add %s type bridge", name)
	return &Bridge{
		fdb:    map[string]*BridgePort{},
		logger: logger,
		mu:     sync.Mutex{},
		name:   name,
		ports:  []*BridgePort{},
	}
}

// AddFDBEntry adds a static entry to the forwarding database.
func (b *Bridge) AddFDBEntry(destIP string, port *BridgePort) {
	b.logger.Debugf("netlab: bridge fdb add %s dev %s master %s", destIP, port.ifaceName, b.name)
	b.mu.Lock()
	b.fdb[destIP] = port
	b.mu.Unlock()
}

// attach attaches a port to the bridge.
func (b *Bridge) attach(port *BridgePort) {
	b.logger.Infof("netlab: ip link set %s master %s", port.ifaceName, b.name)
	b.mu.Lock()
	b.ports = append(b.ports, port)
	b.mu.Unlock()
}

// detach removes a port and its forwarding entries from the bridge.
func (b *Bridge) detach(port *BridgePort) {
	defer b.mu.Unlock()
	b.mu.Lock()
	for addr, p := range b.fdb {
		if p == port {
			delete(b.fdb, addr)
		}
	}
	var ports []*BridgePort
	for _, p := range b.ports {
		if p != port {
			ports = append(ports, p)
		}
	}
	b.ports = ports
}

// forward forwards a raw packet received on the ingress port.
func (b *Bridge) forward(ingress *BridgePort, rawInput []byte) error {
	// parse the packet
	packet, err := DissectPacket(rawInput)
	if err != nil {
		b.logger.Warnf("netlab: %s: %s", b.name, err.Error())
		return err
	}

	// learn the source and lookup the destination
	srcAddr := packet.SourceIPAddress()
	destAddr := packet.DestinationIPAddress()
	b.mu.Lock()
	if _, found := b.fdb[srcAddr]; !found {
		b.fdb[srcAddr] = ingress
	}
	destPort := b.fdb[destAddr]
	ports := append([]*BridgePort{}, b.ports...)
	b.mu.Unlock()

	// a bridge never sends a packet back to the ingress port
	if destPort == ingress {
		return nil
	}
	if destPort != nil {
		return destPort.writeOutgoingPacket(rawInput)
	}

	// flood the packet to all the other ports
	b.logger.Debugf("netlab: %s: flooding %s", b.name, packet)
	var errs []error
	for _, port := range ports {
		if port == ingress {
			continue
		}
		if err := port.writeOutgoingPacket(rawInput); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", port.ifaceName, err))
		}
	}
	return errors.Join(errs...)
}

// Close detaches all the ports from the bridge.
func (b *Bridge) Close() error {
	b.mu.Lock()
	ports := append([]*BridgePort{}, b.ports...)
	b.mu.Unlock()
	for _, port := range ports {
		port.Close()
	}
	b.logger.Infof("netlab: ip link del %s", b.name)
	return nil
}
