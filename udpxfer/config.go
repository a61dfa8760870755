// Package udpxfer measures the packet loss of a path by transferring
// numbered UDP datagrams from a sender to a receiver.
//
// Each datagram starts with its 4-byte big-endian sequence number, from
// 1 to [Config].Count, followed by zero padding up to the configured
// packet size. The receiver counts the distinct sequence numbers it sees
// and stops when it has all of them or after some inactivity.
//
// In reliable mode, the receiver acknowledges each sequence number by
// sending it back from its ACK port to the source of the datagram, and
// the sender retransmits the unacknowledged datagrams whenever it does
// not receive any ACK for a while.
package udpxfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/EstebanGZam/udp-practice/netlab"
)

const (
	// DefaultCount is the default number of datagrams to transfer.
	DefaultCount = 100

	// DefaultPort is the default port where the receiver listens.
	DefaultPort = 5000

	// DefaultAckPort is the default port from which the receiver sends ACKs.
	DefaultAckPort = 5001

	// DefaultAckTimeout is the default time the sender waits for ACKs.
	DefaultAckTimeout = time.Second

	// DefaultInactivityTimeout is the default time after which the
	// receiver stops when it does not receive datagrams.
	DefaultInactivityTimeout = 3 * time.Second

	// DefaultMaxRetransmissions scales the time the sender spends
	// retransmitting before giving up.
	DefaultMaxRetransmissions = 3

	// DefaultPacketSize is the default datagram size.
	DefaultPacketSize = 1024

	// DefaultRate is the default number of datagrams per second.
	DefaultRate = 10

	// MaxPacketSize is the largest UDP payload an IPv4 datagram carries.
	MaxPacketSize = 65507

	// seqSize is the size of the sequence number.
	seqSize = 4
)

var (
	// ErrPacketTooSmall indicates that the packet size cannot hold the sequence number.
	ErrPacketTooSmall = errors.New("udpxfer: packet size must be at least 4 bytes")

	// ErrPacketTooLarge indicates that the packet size exceeds [MaxPacketSize].
	ErrPacketTooLarge = errors.New("udpxfer: packet size exceeds the maximum UDP payload")

	// ErrInvalidRate indicates that the rate is not positive.
	ErrInvalidRate = errors.New("udpxfer: rate must be a positive number")

	// ErrInvalidCount indicates that the number of datagrams is not positive.
	ErrInvalidCount = errors.New("udpxfer: count must be a positive number")
)

// Config configures senders and receivers. The zero value is valid
// and uses the default value of each field.
type Config struct {
	// AckPort is the receiver ACK port (default: [DefaultAckPort]).
	AckPort int

	// AckTimeout is the sender ACK timeout (default: [DefaultAckTimeout]).
	AckTimeout time.Duration

	// Count is the number of datagrams (default: [DefaultCount]).
	Count int

	// InactivityTimeout is the receiver inactivity
	// timeout (default: [DefaultInactivityTimeout]).
	InactivityTimeout time.Duration

	// LocalAddress is the OPTIONAL IP address to which the sender
	// binds its socket (default: "0.0.0.0"). Userspace hosts need it.
	LocalAddress string

	// Logger is the OPTIONAL logger (default: [netlab.NullLogger]).
	Logger netlab.Logger

	// MaxRetransmissions is the retransmission
	// factor (default: [DefaultMaxRetransmissions]).
	MaxRetransmissions int

	// Output is the OPTIONAL writer for the per-datagram
	// progress lines (default: [io.Discard]).
	Output io.Writer

	// PacketSize is the datagram size (default: [DefaultPacketSize]).
	PacketSize int

	// Port is the receiver data port (default: [DefaultPort]).
	Port int

	// Rate is the number of datagrams per second (default: [DefaultRate]).
	Rate int

	// Ready is the OPTIONAL channel the receiver closes once it is
	// listening, so a sender running in the same process can start.
	Ready chan<- any
}

// withDefaults returns a copy of the config where we have
// replaced zero values with the defaults.
func (c *Config) withDefaults() *Config {
	out := &Config{}
	if c != nil {
		*out = *c
	}
	setDefault(&out.AckPort, DefaultAckPort)
	setDefault(&out.AckTimeout, DefaultAckTimeout)
	setDefault(&out.Count, DefaultCount)
	setDefault(&out.InactivityTimeout, DefaultInactivityTimeout)
	setDefault(&out.LocalAddress, "0.0.0.0")
	setDefault(&out.MaxRetransmissions, DefaultMaxRetransmissions)
	setDefault(&out.PacketSize, DefaultPacketSize)
	setDefault(&out.Port, DefaultPort)
	setDefault(&out.Rate, DefaultRate)
	if out.Logger == nil {
		out.Logger = &netlab.NullLogger{}
	}
	if out.Output == nil {
		out.Output = io.Discard
	}
	return out
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Check checks Count, PacketSize, and Rate as they are, without
// replacing zero values with defaults. Commands taking these values from
// the user call it before running, so that, e.g., a zero rate is an error
// rather than a request for [DefaultRate]. The Run functions call it
// after applying the defaults.
func (c *Config) Check() error {
	if c.Count <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCount, c.Count)
	}
	if c.PacketSize < seqSize {
		return fmt.Errorf("%w: %d", ErrPacketTooSmall, c.PacketSize)
	}
	if c.PacketSize > MaxPacketSize {
		return fmt.Errorf("%w: %d", ErrPacketTooLarge, c.PacketSize)
	}
	if c.Rate <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRate, c.Rate)
	}
	return nil
}

// interval returns the pacing interval.
func (c *Config) interval() time.Duration {
	return time.Second / time.Duration(c.Rate)
}

// sleep sleeps for the given duration unless the context is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeWhenDone closes c when ctx is done. Call the returned
// function to stop watching the context.
func closeWhenDone(ctx context.Context, c io.Closer) func() {
	done := make(chan any)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}
