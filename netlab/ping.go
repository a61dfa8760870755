package netlab

//
// Ping over the UDP echo service
//

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/montanaflynn/stats"
)

// PingConfig configures [Ping]. The zero value is valid and sends a
// single echo request like Mininet's pingall does.
type PingConfig struct {
	// Count is the number of echo requests to send (default: 1).
	Count int

	// Interval is the interval between echo requests (default: 1s).
	Interval time.Duration

	// Size is the request payload size in bytes (default: 56, minimum: 4).
	Size int

	// Timeout is the time to wait for each reply (default: 1s).
	Timeout time.Duration
}

func (c *PingConfig) count() int {
	if c.Count > 0 {
		return c.Count
	}
	return 1
}

func (c *PingConfig) interval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	return time.Second
}

func (c *PingConfig) size() int {
	switch {
	case c.Size <= 0:
		return 56
	case c.Size < 4:
		return 4
	default:
		return c.Size
	}
}

func (c *PingConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return time.Second
}

// PingStats contains the results of [Ping].
type PingStats struct {
	// Destination is the pinged IP address.
	Destination string

	// Transmitted is the number of echo requests sent.
	Transmitted int

	// Received is the number of replies received.
	Received int

	// RTTs contains the round trip time of each reply.
	RTTs []time.Duration
}

// LossPercent returns the percentage of echo requests without reply.
func (ps *PingStats) LossPercent() float64 {
	if ps.Transmitted <= 0 {
		return 0
	}
	return 100 * float64(ps.Transmitted-ps.Received) / float64(ps.Transmitted)
}

// ErrPingNoReplies indicates that we did not receive any reply.
var ErrPingNoReplies = errors.New("netlab: ping: no replies")

// RTTSummary returns the minimum, average, maximum, and mean deviation
// of the round trip times, like ping(8) does.
func (ps *PingStats) RTTSummary() (min, avg, max, mdev time.Duration, err error) {
	if len(ps.RTTs) <= 0 {
		return 0, 0, 0, 0, ErrPingNoReplies
	}
	var data stats.Float64Data
	for _, rtt := range ps.RTTs {
		data = append(data, float64(rtt))
	}
	fmin := Must1(data.Min())
	fmax := Must1(data.Max())
	fmean := Must1(data.Mean())
	fdev := Must1(data.StandardDeviationPopulation())
	return time.Duration(fmin), time.Duration(fmean), time.Duration(fmax), time.Duration(fdev), nil
}

// Ping sends UDP echo requests to the echo service of the destination and waits
// for the replies, writing ping(8)-like output to w.
func Ping(
	ctx context.Context,
	stack UnderlyingNetwork,
	destination string,
	config *PingConfig,
	w io.Writer,
) (*PingStats, error) {
	endpoint := net.JoinHostPort(destination, strconv.Itoa(EchoPort))
	conn, err := stack.DialContext(ctx, "udp", endpoint)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// interrupt blocking reads when the context is done
	done := make(chan any)
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	size := config.size()
	fmt.Fprintf(w, "PING %s (%s) %d(%d) bytes of data.\n", destination, destination, size, size+28)

	ps := &PingStats{Destination: destination}
	t0 := time.Now()
	for seq := 1; seq <= config.count() && ctx.Err() == nil; seq++ {
		if seq > 1 {
			select {
			case <-time.After(config.interval()):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}
		rtt, err := pingOnce(conn, uint32(seq), size, config.timeout())
		ps.Transmitted++
		if err != nil {
			continue
		}
		ps.Received++
		ps.RTTs = append(ps.RTTs, rtt)
		fmt.Fprintf(w, "%d bytes from %s: udp_seq=%d time=%.3f ms\n", size, destination, seq, pingMillis(rtt))
	}

	fmt.Fprintf(w, "\n--- %s ping statistics ---\n", destination)
	fmt.Fprintf(w, "%d packets transmitted, %d received, %.0f%% packet loss, time %dms\n",
		ps.Transmitted, ps.Received, ps.LossPercent(), time.Since(t0).Milliseconds())
	if min, avg, max, mdev, err := ps.RTTSummary(); err == nil {
		fmt.Fprintf(w, "rtt min/avg/max/mdev = %.3f/%.3f/%.3f/%.3f ms\n",
			pingMillis(min), pingMillis(avg), pingMillis(max), pingMillis(mdev))
	}
	return ps, ctx.Err()
}

// pingOnce sends an echo request and waits for the matching reply.
func pingOnce(conn net.Conn, seq uint32, size int, timeout time.Duration) (time.Duration, error) {
	request := make([]byte, size)
	binary.BigEndian.PutUint32(request, seq)
	t0 := time.Now()
	if _, err := conn.Write(request); err != nil {
		return 0, err
	}
	if err := conn.SetReadDeadline(t0.Add(timeout)); err != nil {
		return 0, err
	}
	buffer := make([]byte, size+1)
	for {
		count, err := conn.Read(buffer)
		if err != nil {
			return 0, err
		}
		// ignore late replies to previous requests
		if count >= 4 && binary.BigEndian.Uint32(buffer) == seq {
			return time.Since(t0), nil
		}
	}
}

func pingMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
