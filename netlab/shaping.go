package netlab

//
// Traffic shaping parameters
//

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// IntfConfig contains the traffic shaping parameters of an interface. Like
// tc-netem(8), shaping applies to the frames leaving the interface. The zero
// value means "no shaping".
type IntfConfig struct {
	// Bandwidth is the OPTIONAL egress rate in Mbit/s. Zero means
	// the rate is not limited.
	Bandwidth float64 `yaml:"bw,omitempty"`

	// Delay is the OPTIONAL one-way delay added to each frame.
	Delay time.Duration `yaml:"delay,omitempty"`

	// Jitter is the OPTIONAL delay variation. Each frame is delayed by
	// Delay plus a uniformly distributed value in [-Jitter, +Jitter].
	Jitter time.Duration `yaml:"jitter,omitempty"`

	// Loss is the OPTIONAL packet loss percentage in [0, 100].
	Loss float64 `yaml:"loss,omitempty"`

	// MaxQueueSize is the OPTIONAL maximum number of frames waiting
	// to be transmitted. Zero means using the default queue.
	MaxQueueSize int `yaml:"max_queue_size,omitempty"`
}

// ErrInvalidIntfConfig indicates that an [IntfConfig] contains invalid values.
var ErrInvalidIntfConfig = errors.New("netlab: invalid interface config")

// Validate returns an error if the config contains invalid values.
func (c *IntfConfig) Validate() error {
	switch {
	case c.Loss < 0 || c.Loss > 100:
		return fmt.Errorf("%w: loss %v%% out of [0, 100]", ErrInvalidIntfConfig, c.Loss)
	case c.Bandwidth < 0:
		return fmt.Errorf("%w: negative bandwidth %v", ErrInvalidIntfConfig, c.Bandwidth)
	case c.Delay < 0:
		return fmt.Errorf("%w: negative delay %s", ErrInvalidIntfConfig, c.Delay)
	case c.Jitter < 0:
		return fmt.Errorf("%w: negative jitter %s", ErrInvalidIntfConfig, c.Jitter)
	case c.MaxQueueSize < 0:
		return fmt.Errorf("%w: negative max queue size %d", ErrInvalidIntfConfig, c.MaxQueueSize)
	default:
		return nil
	}
}

// IsZero returns whether the config does not shape traffic.
func (c *IntfConfig) IsZero() bool {
	return *c == IntfConfig{}
}

// PLR returns the packet loss rate as a probability in [0, 1].
func (c *IntfConfig) PLR() float64 {
	return c.Loss / 100
}

// String returns a Mininet-like description such as "5.00% loss".
func (c *IntfConfig) String() string {
	var parts []string
	if c.Bandwidth > 0 {
		parts = append(parts, fmt.Sprintf("%.2fMbit", c.Bandwidth))
	}
	if c.Delay > 0 {
		parts = append(parts, fmt.Sprintf("%s delay", c.Delay))
	}
	if c.Jitter > 0 {
		parts = append(parts, fmt.Sprintf("%s jitter", c.Jitter))
	}
	if c.Loss > 0 {
		parts = append(parts, fmt.Sprintf("%.2f%% loss", c.Loss))
	}
	if c.MaxQueueSize > 0 {
		parts = append(parts, fmt.Sprintf("%d max queue size", c.MaxQueueSize))
	}
	if len(parts) <= 0 {
		return "no shaping"
	}
	return strings.Join(parts, " ")
}

// IntfCounters contains the traffic counters of an interface.
type IntfCounters struct {
	// TxPackets is the number of frames the interface sent.
	TxPackets uint64

	// TxBytes is the number of bytes the interface sent.
	TxBytes uint64

	// RxPackets is the number of frames the interface received.
	RxPackets uint64

	// RxBytes is the number of bytes the interface received.
	RxBytes uint64

	// Dropped is the number of outgoing frames dropped by shaping.
	Dropped uint64
}

// LinkShaper holds the live shaping state of one link direction. The
// link forwarding goroutine reads it for each frame, so calling
// [LinkShaper.Configure] or [LinkShaper.SetUp] takes effect immediately.
// The zero value is invalid; use [NewLinkShaper].
type LinkShaper struct {
	config         atomic.Pointer[IntfConfig]
	delivered      atomic.Uint64
	deliveredBytes atomic.Uint64
	dropped        atomic.Uint64
	down           atomic.Bool
	sent           atomic.Uint64
	sentBytes      atomic.Uint64
}

// NewLinkShaper creates a new [LinkShaper] using the given config, which
// may be nil to indicate no shaping.
func NewLinkShaper(config *IntfConfig) *LinkShaper {
	ls := &LinkShaper{}
	ls.Configure(config)
	return ls
}

// Configure replaces the shaping config.
func (ls *LinkShaper) Configure(config *IntfConfig) {
	if config == nil {
		config = &IntfConfig{}
	}
	copied := *config
	ls.config.Store(&copied)
}

// Params returns a copy of the current shaping config.
func (ls *LinkShaper) Params() IntfConfig {
	return *ls.config.Load()
}

// SetUp sets the administrative status of the link direction. A
// direction that is down drops every frame.
func (ls *LinkShaper) SetUp(up bool) {
	ls.down.Store(!up)
}

// IsUp returns whether the link direction is administratively up.
func (ls *LinkShaper) IsUp() bool {
	return !ls.down.Load()
}

func (ls *LinkShaper) onSend(frame *Frame) {
	ls.sent.Add(1)
	ls.sentBytes.Add(uint64(len(frame.Payload)))
}

func (ls *LinkShaper) onDrop() {
	ls.dropped.Add(1)
}

func (ls *LinkShaper) onDeliver(frame *Frame) {
	ls.delivered.Add(1)
	ls.deliveredBytes.Add(uint64(len(frame.Payload)))
}

// Sent returns the number of frames and bytes entering this direction.
func (ls *LinkShaper) Sent() (packets, bytes uint64) {
	return ls.sent.Load(), ls.sentBytes.Load()
}

// Delivered returns the number of frames and bytes this direction delivered.
func (ls *LinkShaper) Delivered() (packets, bytes uint64) {
	return ls.delivered.Load(), ls.deliveredBytes.Load()
}

// Dropped returns the number of frames this direction dropped.
func (ls *LinkShaper) Dropped() uint64 {
	return ls.dropped.Load()
}
