package netlab

//
// Link frame forwarding: core implementation
//

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// LinkFwdConfig contains config for frame forwarding algorithms. Make sure
// you initialize all the fields marked as MANDATORY.
type LinkFwdConfig struct {
	// Logger is the MANDATORY logger.
	Logger Logger

	// Reader is the MANDATORY [NIC] from which to read frames.
	Reader ReadableNIC

	// Shaper is the MANDATORY live shaping state of this direction.
	Shaper *LinkShaper

	// Writer is the MANDATORY [NIC] where to write frames.
	Writer WriteableNIC

	// Wg is MANDATORY the wait group that the frame forwarding goroutine
	// will notify when it is shutting down.
	Wg *sync.WaitGroup
}

// LinkFwdFunc is type type of a link forwarding function.
type LinkFwdFunc func(cfg *LinkFwdConfig)

// newLinkFwdRNG creates the random number generator used for losses and jitter.
func (cfg *LinkFwdConfig) newLinkFwdRNG() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// linkFwdSortFrameSliceInPlace sorts frames by deadline.
func linkFwdSortFrameSliceInPlace(frames []*Frame) {
	sort.SliceStable(frames, func(i, j int) bool {
		return frames[i].Deadline.Before(frames[j].Deadline)
	})
}

// linkFwdDeliveryOrDrop delivers or drops a frame depending
// on the configured frame flags.
func linkFwdDeliveryOrDrop(shaper *LinkShaper, writer WriteableNIC, frame *Frame) {
	if frame.Flags&FrameFlagDrop != 0 {
		shaper.onDrop()
		return
	}
	if err := writer.WriteFrame(frame); err != nil {
		shaper.onDrop()
		return
	}
	shaper.onDeliver(frame)
}
