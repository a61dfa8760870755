package netlab

//
// Link frame forwarding: full implementation
//

import (
	"errors"
	"fmt"
	"time"
)

// linkFwdDefaultQueueSize is the queue size we use when the [IntfConfig]
// does not specify one, which is also the default limit of tc-netem(8).
const linkFwdDefaultQueueSize = 1000

// linkFwdTick is the interval at which the forwarder checks for I/O.
const linkFwdTick = 120 * time.Microsecond

// LinkFwdFull is a full implementation of link forwarding that deals with
// bandwidth, delays, jitter, packet losses, and queue limits. It reads the
// [IntfConfig] from the [LinkShaper] for each frame, therefore configuration
// changes apply to the frames sent after the change.
//
// The kind of half-duplex link modeled by this function will look much
// more like a tc-netem(8) qdisc than an ethernet cable. For example, this
// link reorders packets when the configured jitter is larger than the
// interval between two packets.
func LinkFwdFull(cfg *LinkFwdConfig) {

	//
	// 🚨 This algorithm is a bit complex. Be careful to check
	// you still preserve packet level properties after you have
	// modified it. In particular, we care about:
	//
	// - packet pacing at the TX so that the configured bandwidth
	// is an upper bound for the delivery rate;
	//
	// - drop-tail TX queue discipline;
	//
	// - losses decided when the frame leaves the TX queue, so
	// dropped frames still consume bandwidth;
	//
	// - out-of-order delivery at the RX such that jitter actually
	// scatters packets like netem does.
	//

	// informative logging
	linkName := fmt.Sprintf(
		"linkFwdFull %s->%s",
		cfg.Reader.InterfaceName(),
		cfg.Writer.InterfaceName(),
	)
	cfg.Logger.Debugf("netlab: %s up", linkName)
	defer cfg.Logger.Debugf("netlab: %s down", linkName)

	// synchronize with stop
	defer cfg.Wg.Done()

	// outgoing contains outgoing frames
	var outgoing []*Frame

	// inflight contains the frames currently in flight
	var inflight []*Frame

	// txFree is the time when the transmitter finishes sending the
	// frames currently queued in outgoing
	var txFree time.Time

	// ticker to schedule I/O
	ticker := time.NewTicker(linkFwdTick)
	defer ticker.Stop()

	// random number generator for jitter and PLR
	rng := cfg.newLinkFwdRNG()

	for {
		select {
		case <-cfg.Reader.StackClosed():
			return

		// Whenever there is an IP packet, we enqueue it into a virtual
		// interface, account for the serialization delay, and enforce
		// the queue limit to avoid the most severe bufferbloat.
		case <-cfg.Reader.FrameAvailable():
			frame, err := cfg.Reader.ReadFrameNonblocking()
			if errors.Is(err, ErrStackClosed) {
				return
			}
			if err != nil {
				cfg.Logger.Warnf("netlab: ReadFrameNonblocking: %s", err.Error())
				continue
			}
			cfg.Shaper.onSend(frame)
			params := cfg.Shaper.Params()

			// drop incoming packet if the link is down or the queue is full
			if !cfg.Shaper.IsUp() || len(outgoing) >= linkFwdQueueSize(&params) {
				cfg.Shaper.onDrop()
				continue
			}

			// avoid potential data races
			frame = frame.ShallowCopy()

			// create frame TX deadline accounting for time to send all the
			// previously queued frames in the outgoing buffer
			now := time.Now()
			if txFree.Before(now) {
				txFree = now
			}
			txFree = txFree.Add(linkFwdSerializationDelay(&params, len(frame.Payload)))
			frame.Deadline = txFree

			// add to queue and wait for the TX to wakeup
			outgoing = append(outgoing, frame)

		// Ticker to emulate (slotted) sending and receiving over the channel
		case <-ticker.C:
			// wake up the transmitter first
			for len(outgoing) > 0 {
				// if the front frame is still pending, wait for the next tick
				frame := outgoing[0]
				if d := time.Until(frame.Deadline); d > 0 {
					break
				}

				// dequeue the first frame in the buffer
				outgoing = outgoing[1:]
				params := cfg.Shaper.Params()

				// check whether we need to drop this frame (we will drop it
				// at the RX so we simulate it being dropped in flight)
				if rng.Float64() < params.PLR() {
					frame.Flags |= FrameFlagDrop
				}

				// create frame RX deadline
				delay := params.Delay
				if params.Jitter > 0 {
					delay += time.Duration(rng.Int63n(2*int64(params.Jitter)+1)) - params.Jitter
				}
				if delay < 0 {
					delay = 0
				}
				frame.Deadline = time.Now().Add(delay)

				// congratulations, the frame is now in flight 🚀
				inflight = append(inflight, frame)
			}

			// now wake up the receiver
			if len(inflight) > 0 {
				// avoid head of line blocking that may be caused by adding jitter
				linkFwdSortFrameSliceInPlace(inflight)

				for len(inflight) > 0 {
					// if the front frame is still pending, wait for the next tick
					frame := inflight[0]
					if d := time.Until(frame.Deadline); d > 0 {
						break
					}

					// the frame is no longer in flight
					inflight = inflight[1:]

					// don't leak the deadline to the destination NIC
					frame.Deadline = time.Time{}

					// deliver or drop the frame
					linkFwdDeliveryOrDrop(cfg.Shaper, cfg.Writer, frame)
				}
			}
		}
	}
}

var _ = LinkFwdFunc(LinkFwdFull)

// linkFwdQueueSize returns the maximum number of queued frames.
func linkFwdQueueSize(params *IntfConfig) int {
	if params.MaxQueueSize > 0 {
		return params.MaxQueueSize
	}
	return linkFwdDefaultQueueSize
}

// linkFwdSerializationDelay returns the time required to put a frame of the
// given size on the wire. It returns zero when bandwidth is not limited.
func linkFwdSerializationDelay(params *IntfConfig, size int) time.Duration {
	if params.Bandwidth <= 0 {
		return 0
	}
	// bits divided by Mbit/s gives microseconds
	micros := float64(size*8) / params.Bandwidth
	return time.Duration(micros * float64(time.Microsecond))
}
