package netlab

//
// PCAP dumper
//

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const (
	// pcapQueueSize is the number of packets waiting to be written
	// after which we stop capturing new packets.
	pcapQueueSize = 4096

	// pcapSnapLen is the snapshot length, as in tcpdump -s 0.
	pcapSnapLen = 262144
)

// PCAPDumper is a [NIC] that also writes the frames it sends and
// receives into a PCAP file, like running tcpdump on the interface.
// The zero value is invalid; use [NewPCAPDumper] to instantiate.
type PCAPDumper struct {
	cancel    context.CancelFunc
	closeOnce sync.Once
	dropped   int64
	filep     *os.File
	joined    chan any
	logger    Logger
	mu        sync.Mutex
	nic       NIC
	packets   chan *pcapPacket
	written   int64
}

var _ NIC = &PCAPDumper{}

// pcapPacket is a packet waiting to be written.
type pcapPacket struct {
	data []byte
	t    time.Time
}

// NewPCAPDumper creates the given PCAP file and returns a [NIC] wrapping
// nic that captures every frame into the file. A background goroutine
// writes the file; [PCAPDumper.Close] flushes it and closes the file.
func NewPCAPDumper(filename string, nic NIC, logger Logger) (*PCAPDumper, error) {
	filep, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := pcapgo.NewWriter(filep)
	if err := w.WriteFileHeader(pcapSnapLen, layers.LinkTypeIPv4); err != nil {
		filep.Close()
		return nil, err
	}
	logger.Infof("netlab: tcpdump -i %s -w %s", nic.InterfaceName(), filename)
	ctx, cancel := context.WithCancel(context.Background())
	pd := &PCAPDumper{
		cancel:  cancel,
		filep:   filep,
		joined:  make(chan any),
		logger:  logger,
		nic:     nic,
		packets: make(chan *pcapPacket, pcapQueueSize),
	}
	go pd.loop(ctx, w)
	return pd, nil
}

// FrameAvailable implements NIC
func (pd *PCAPDumper) FrameAvailable() <-chan any {
	return pd.nic.FrameAvailable()
}

// StackClosed implements NIC
func (pd *PCAPDumper) StackClosed() <-chan any {
	return pd.nic.StackClosed()
}

// IPAddress implements NIC
func (pd *PCAPDumper) IPAddress() string {
	return pd.nic.IPAddress()
}

// InterfaceName implements NIC
func (pd *PCAPDumper) InterfaceName() string {
	return pd.nic.InterfaceName()
}

// ReadFrameNonblocking implements NIC
func (pd *PCAPDumper) ReadFrameNonblocking() (*Frame, error) {
	frame, err := pd.nic.ReadFrameNonblocking()
	if err != nil {
		return nil, err
	}
	pd.capture(frame.Payload)
	return frame, nil
}

// WriteFrame implements NIC
func (pd *PCAPDumper) WriteFrame(frame *Frame) error {
	pd.capture(frame.Payload)
	return pd.nic.WriteFrame(frame)
}

// capture queues a copy of the packet for the background writer or
// counts it as dropped when the writer is too slow.
func (pd *PCAPDumper) capture(packet []byte) {
	pinfo := &pcapPacket{
		data: append([]byte{}, packet...),
		t:    time.Now(),
	}
	select {
	case pd.packets <- pinfo:
	default:
		pd.mu.Lock()
		pd.dropped++
		pd.mu.Unlock()
	}
}

// loop writes the queued packets until the context is done and then
// writes the packets still in the queue.
func (pd *PCAPDumper) loop(ctx context.Context, w *pcapgo.Writer) {
	defer close(pd.joined)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case pinfo := <-pd.packets:
					pd.write(w, pinfo)
				default:
					return
				}
			}
		case pinfo := <-pd.packets:
			pd.write(w, pinfo)
		}
	}
}

// write writes a packet into the PCAP file.
func (pd *PCAPDumper) write(w *pcapgo.Writer, pinfo *pcapPacket) {
	ci := gopacket.CaptureInfo{
		Timestamp:     pinfo.t,
		CaptureLength: len(pinfo.data),
		Length:        len(pinfo.data),
	}
	if err := w.WritePacket(ci, pinfo.data); err != nil {
		pd.logger.Warnf("netlab: PCAPDumper: %s", err.Error())
		return
	}
	pd.mu.Lock()
	pd.written++
	pd.mu.Unlock()
}

// Close closes the wrapped NIC, writes the pending packets, and closes
// the PCAP file.
func (pd *PCAPDumper) Close() error {
	var err error
	pd.closeOnce.Do(func() {
		pd.nic.Close()
		pd.cancel()
		<-pd.joined
		err = pd.filep.Close()
		pd.mu.Lock()
		pd.logger.Infof("netlab: %s: %d packets captured, %d dropped by the capture",
			pd.nic.InterfaceName(), pd.written, pd.dropped)
		pd.mu.Unlock()
	})
	return err
}
