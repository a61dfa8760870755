package udpxfer

//
// Sender
//

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/EstebanGZam/udp-practice/netlab"
)

// SendReport is the result of a sender.
type SendReport struct {
	// Sent is the number of datagrams sent in the first pass.
	Sent int

	// Retransmissions is the number of retransmitted datagrams.
	Retransmissions int

	// Acked is the number of distinct acknowledged datagrams.
	Acked int

	// Unacked contains the sequence numbers never acknowledged.
	Unacked []int

	// Elapsed is the time spent sending.
	Elapsed time.Duration

	// Reliable is true when the sender waited for ACKs.
	Reliable bool
}

// Complete returns whether all the datagrams have been acknowledged,
// which is always true for an unreliable sender.
func (sr *SendReport) Complete() bool {
	return len(sr.Unacked) <= 0
}

// sender contains the state shared by both sender kinds.
type sender struct {
	config *Config
	conn   netlab.UDPLikeConn
	dest   *net.UDPAddr
}

// newSender creates the sender socket. We use an unconnected socket
// because the ACKs come from a different port than the data port.
func newSender(stack netlab.UnderlyingNetwork, serverAddress string, config *Config) (*sender, error) {
	if err := config.Check(); err != nil {
		return nil, err
	}
	destIP := net.ParseIP(serverAddress)
	if destIP == nil {
		return nil, fmt.Errorf("%w: %s", netlab.ErrNotIPAddress, serverAddress)
	}
	localIP := net.ParseIP(config.LocalAddress)
	if localIP == nil {
		return nil, fmt.Errorf("%w: %s", netlab.ErrNotIPAddress, config.LocalAddress)
	}
	conn, err := stack.ListenUDP("udp", &net.UDPAddr{IP: localIP, Port: 0})
	if err != nil {
		return nil, err
	}
	s := &sender{
		config: config,
		conn:   conn,
		dest:   &net.UDPAddr{IP: destIP, Port: config.Port},
	}
	return s, nil
}

// banner prints the transfer parameters.
func (s *sender) banner() {
	out := s.config.Output
	fmt.Fprintf(out, "\nSending %d packets to %s...\n", s.config.Count, s.dest.IP)
	fmt.Fprintf(out, "Packet size: %d bytes\n", s.config.PacketSize)
	fmt.Fprintf(out, "Send rate: %d packets/second\n\n", s.config.Rate)
}

// send sends the datagram with the given sequence number.
func (s *sender) send(seq int) error {
	packet := make([]byte, s.config.PacketSize)
	binary.BigEndian.PutUint32(packet, uint32(seq))
	if _, err := s.conn.WriteTo(packet, s.dest); err != nil {
		return err
	}
	fmt.Fprintf(s.config.Output, "Sent packet #%d (size: %d bytes)\n", seq, s.config.PacketSize)
	return nil
}

// RunSender sends [Config].Count datagrams to the data port of
// serverAddress at [Config].Rate datagrams per second.
func RunSender(
	ctx context.Context, stack netlab.UnderlyingNetwork, serverAddress string, config *Config) (*SendReport, error) {
	config = config.withDefaults()
	s, err := newSender(stack, serverAddress, config)
	if err != nil {
		return nil, err
	}
	defer s.conn.Close()
	s.banner()

	t0 := time.Now()
	report := &SendReport{}
	for seq := 1; seq <= config.Count; seq++ {
		if err := s.send(seq); err != nil {
			return nil, err
		}
		report.Sent++
		if err := sleep(ctx, config.interval()); err != nil {
			return nil, err
		}
	}
	report.Elapsed = time.Since(t0)
	fmt.Fprintf(config.Output, "\nAll packets sent!\n")
	return report, nil
}

// RunReliableSender is like [RunSender] but then waits for ACKs. Each time
// it does not receive any ACK for [Config].AckTimeout, it retransmits the
// unacknowledged datagrams at twice the rate. It gives up after spending
// Count * interval * MaxRetransmissions, and at least MaxRetransmissions
// ACK timeouts, waiting for ACKs.
func RunReliableSender(
	ctx context.Context, stack netlab.UnderlyingNetwork, serverAddress string, config *Config) (*SendReport, error) {
	config = config.withDefaults()
	s, err := newSender(stack, serverAddress, config)
	if err != nil {
		return nil, err
	}
	defer s.conn.Close()
	defer closeWhenDone(ctx, s.conn)()
	s.banner()

	// receive ACKs in the background while sending
	acks := make(chan int, config.Count)
	go s.readACKs(acks)

	t0 := time.Now()
	report := &SendReport{Reliable: true}
	unacked := map[int]bool{}
	for seq := 1; seq <= config.Count; seq++ {
		if err := s.send(seq); err != nil {
			return nil, err
		}
		report.Sent++
		unacked[seq] = true
		if err := sleep(ctx, config.interval()); err != nil {
			return nil, err
		}
	}

	// wait for ACKs and retransmit on timeout
	giveUp := time.Duration(config.Count) * config.interval() * time.Duration(config.MaxRetransmissions)
	if minimum := config.AckTimeout * time.Duration(config.MaxRetransmissions); giveUp < minimum {
		giveUp = minimum
	}
	deadline := time.NewTimer(giveUp)
	defer deadline.Stop()
	ackTimer := time.NewTimer(config.AckTimeout)
	defer ackTimer.Stop()

	s.markACKs(acks, unacked, report)
	for len(unacked) > 0 {
		select {
		case seq, ok := <-acks:
			if !ok {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, net.ErrClosed
			}
			s.markACK(seq, unacked, report)
			resetTimer(ackTimer, config.AckTimeout)

		case <-ackTimer.C:
			for _, seq := range sortedKeys(unacked) {
				fmt.Fprintf(config.Output, "Retransmitting packet #%d\n", seq)
				if err := s.send(seq); err != nil {
					return nil, err
				}
				report.Retransmissions++
				if err := sleep(ctx, config.interval()/2); err != nil {
					return nil, err
				}
			}
			s.markACKs(acks, unacked, report)
			ackTimer.Reset(config.AckTimeout)

		case <-deadline.C:
			fmt.Fprintf(config.Output, "Transmission failed after multiple retries.\n")
			report.Unacked = sortedKeys(unacked)
			report.Elapsed = time.Since(t0)
			return report, nil

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	report.Elapsed = time.Since(t0)
	fmt.Fprintf(config.Output, "\nAll packets transmitted and acknowledged!\n")
	return report, nil
}

// readACKs posts the acknowledged sequence numbers until the socket is closed.
func (s *sender) readACKs(acks chan<- int) {
	defer close(acks)
	buffer := make([]byte, 1500)
	for {
		count, addr, err := s.conn.ReadFrom(buffer)
		if err != nil {
			return
		}
		if count < seqSize {
			s.config.Logger.Warnf("udpxfer: short ACK from %s", addr)
			continue
		}
		select {
		case acks <- int(binary.BigEndian.Uint32(buffer)):
		default:
			// the channel is full only with duplicate ACKs
		}
	}
}

// markACKs drains the ACKs received so far.
func (s *sender) markACKs(acks <-chan int, unacked map[int]bool, report *SendReport) {
	for {
		select {
		case seq, ok := <-acks:
			if !ok {
				return
			}
			s.markACK(seq, unacked, report)
		default:
			return
		}
	}
}

// markACK records a single ACK.
func (s *sender) markACK(seq int, unacked map[int]bool, report *SendReport) {
	if !unacked[seq] {
		return
	}
	delete(unacked, seq)
	report.Acked++
	fmt.Fprintf(s.config.Output, "Received ACK for packet #%d\n", seq)
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

func sortedKeys(m map[int]bool) []int {
	keys := make([]int, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	return keys
}

// String returns a one-line summary.
func (sr *SendReport) String() string {
	if !sr.Reliable {
		return fmt.Sprintf("sent %d in %s", sr.Sent, sr.Elapsed.Round(time.Millisecond))
	}
	status := "complete"
	if !sr.Complete() {
		status = "incomplete: " + strconv.Itoa(len(sr.Unacked)) + " unacknowledged"
	}
	return fmt.Sprintf("sent %d, retransmitted %d, acknowledged %d in %s (%s)",
		sr.Sent, sr.Retransmissions, sr.Acked, sr.Elapsed.Round(time.Millisecond), status)
}
