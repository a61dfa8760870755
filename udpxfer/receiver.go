package udpxfer

//
// Receiver
//

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/EstebanGZam/udp-practice/netlab"
)

// Report is the result of a receiver.
type Report struct {
	// Expected is the number of datagrams we expected.
	Expected int

	// Received is the number of distinct datagrams we received.
	Received int

	// Lost contains the sequence numbers we did not receive.
	Lost []int

	// Duplicates is the number of datagrams we received more than once.
	Duplicates int

	// Inactive is true when we stopped because of inactivity.
	Inactive bool
}

// LossPercent returns the percentage of lost datagrams.
func (r *Report) LossPercent() float64 {
	if r.Expected <= 0 {
		return 0
	}
	return float64(len(r.Lost)) * 100 / float64(r.Expected)
}

// WriteTo writes the final results to w.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	for _, seq := range r.Lost {
		fmt.Fprintf(cw, "Detected lost packet: #%d\n", seq)
	}
	fmt.Fprintf(cw, "\n--- Final Results ---\n")
	fmt.Fprintf(cw, "Expected packets: %d\n", r.Expected)
	fmt.Fprintf(cw, "Received packets: %d\n", r.Received)
	fmt.Fprintf(cw, "Lost packets: %d\n", len(r.Lost))
	fmt.Fprintf(cw, "Loss percentage: %.2f%%\n", r.LossPercent())
	return cw.n, cw.err
}

type countingWriter struct {
	err error
	n   int64
	w   io.Writer
}

func (cw *countingWriter) Write(data []byte) (int, error) {
	if cw.err != nil {
		return 0, cw.err
	}
	count, err := cw.w.Write(data)
	cw.n += int64(count)
	cw.err = err
	return count, err
}

// RunReceiver receives the datagrams of [RunSender] on the data port
// of ipAddress until it has received all of them, the inactivity
// timeout expires, or the context is done.
func RunReceiver(
	ctx context.Context, stack netlab.UnderlyingNetwork, ipAddress string, config *Config) (*Report, error) {
	return runReceiver(ctx, stack, ipAddress, config.withDefaults(), false)
}

// RunReliableReceiver is like [RunReceiver] but also acknowledges each
// datagram from the ACK port. Once it has all the datagrams, it keeps
// acknowledging retransmissions until the sender is quiet for twice
// the ACK timeout, so the sender can learn about lost ACKs.
func RunReliableReceiver(
	ctx context.Context, stack netlab.UnderlyingNetwork, ipAddress string, config *Config) (*Report, error) {
	return runReceiver(ctx, stack, ipAddress, config.withDefaults(), true)
}

func runReceiver(
	ctx context.Context, stack netlab.UnderlyingNetwork, ipAddress string, config *Config, reliable bool,
) (*Report, error) {
	if err := config.Check(); err != nil {
		return nil, err
	}
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return nil, fmt.Errorf("%w: %s", netlab.ErrNotIPAddress, ipAddress)
	}
	dataConn, err := stack.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: config.Port})
	if err != nil {
		return nil, err
	}
	defer dataConn.Close()
	defer closeWhenDone(ctx, dataConn)()

	var ackConn net.PacketConn
	if reliable {
		conn, err := stack.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: config.AckPort})
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		ackConn = conn
	}

	out := config.Output
	fmt.Fprintf(out, "UDP receiver listening on %s\n", dataConn.LocalAddr())
	if reliable {
		fmt.Fprintf(out, "ACK socket on %s\n", ackConn.LocalAddr())
	}
	fmt.Fprintf(out, "Will stop after %s of inactivity\n\n", config.InactivityTimeout)
	if config.Ready != nil {
		close(config.Ready)
	}

	received := make([]bool, config.Count+1)
	report := &Report{Expected: config.Count}
	buffer := make([]byte, 65535)
	deadline := time.Now().Add(config.InactivityTimeout)
	announced := false
	for {
		if err := dataConn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		count, addr, err := dataConn.ReadFrom(buffer)
		if isTimeout(err) {
			if report.Received < report.Expected {
				fmt.Fprintf(out, "\nNo packets received for %s. Stopping...\n", config.InactivityTimeout)
				report.Inactive = true
			}
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return nil, err
		}
		if count < seqSize {
			config.Logger.Warnf("udpxfer: short datagram from %s", addr)
			continue
		}

		seq := int(binary.BigEndian.Uint32(buffer))
		fmt.Fprintf(out, "Received packet #%d\n", seq)
		if seq < 1 || seq > config.Count {
			config.Logger.Warnf("udpxfer: out of range packet #%d from %s", seq, addr)
			continue
		}
		if received[seq] {
			report.Duplicates++
		} else {
			received[seq] = true
			report.Received++
		}

		// acknowledge duplicates as well since the previous ACK may be lost
		if reliable {
			sendACK(ackConn, addr, seq, config)
		}

		if report.Received < report.Expected {
			deadline = time.Now().Add(config.InactivityTimeout)
			continue
		}
		if !announced {
			fmt.Fprintf(out, "\nAll expected packets received!\n")
			announced = true
		}
		if !reliable {
			break
		}
		deadline = time.Now().Add(2 * config.AckTimeout)
	}

	for seq := 1; seq <= config.Count; seq++ {
		if !received[seq] {
			report.Lost = append(report.Lost, seq)
		}
	}
	return report, nil
}

// isTimeout returns whether err is a read deadline error.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
}

// sendACK acknowledges the given sequence number.
func sendACK(conn net.PacketConn, addr net.Addr, seq int, config *Config) {
	ack := make([]byte, seqSize)
	binary.BigEndian.PutUint32(ack, uint32(seq))
	if _, err := conn.WriteTo(ack, addr); err != nil {
		config.Logger.Warnf("udpxfer: cannot send ACK for packet #%d: %s", seq, err.Error())
		return
	}
	fmt.Fprintf(config.Output, "Sent ACK for packet #%d\n", seq)
}
