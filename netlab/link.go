package netlab

//
// Userspace link modeling
//

import (
	"sync"
)

// LinkConfig contains config for creating a [LinkForwarder].
type LinkConfig struct {
	// LeftShaper is the OPTIONAL shaper for the left->right direction.
	LeftShaper *LinkShaper

	// RightShaper is the OPTIONAL shaper for the right->left direction.
	RightShaper *LinkShaper

	// Shaped indicates whether to honour the shapers' [IntfConfig]. When
	// false, we use the fast forwarding algorithm, which only honours
	// the link administrative status.
	Shaped bool
}

// LinkForwarder forwards frames between a "left" and a "right" NIC. The zero
// value is invalid; please, use [NewLinkForwarder] to create a new instance.
//
// Each direction has its own [LinkShaper], so the two directions may have
// different losses, delays, and bandwidth. Once you created a forwarder, it
// will immediately start to forward traffic until you call
// [LinkForwarder.Close] to shut it down.
type LinkForwarder struct {
	// closeOnce allows Close to have a "once" semantics.
	closeOnce sync.Once

	// left is the left network stack.
	left NIC

	// leftShaper shapes the left->right direction.
	leftShaper *LinkShaper

	// right is the right network stack.
	right NIC

	// rightShaper shapes the right->left direction.
	rightShaper *LinkShaper

	// wg allows us to wait for the background goroutines
	wg *sync.WaitGroup
}

// NewLinkForwarder creates a new [LinkForwarder] instance and spawns goroutines
// for forwarding traffic between the left and the right [NIC]. You MUST call
// [LinkForwarder.Close] to stop these goroutines when you are done.
//
// The returned [LinkForwarder] TAKES OWNERSHIP of the left and right NICs and
// ensures that their Close method is called when you call [LinkForwarder.Close].
func NewLinkForwarder(logger Logger, left, right NIC, config *LinkConfig) *LinkForwarder {
	leftShaper := config.LeftShaper
	if leftShaper == nil {
		leftShaper = NewLinkShaper(nil)
	}
	rightShaper := config.RightShaper
	if rightShaper == nil {
		rightShaper = NewLinkShaper(nil)
	}

	// select the forwarding algorithm
	fwd := LinkFwdFast
	if config.Shaped {
		fwd = LinkFwdFull
	}

	// create wait group to synchronize with [LinkForwarder.Close]
	wg := &sync.WaitGroup{}

	// forward traffic from left to right
	wg.Add(1)
	go fwd(&LinkFwdConfig{
		Logger: logger,
		Reader: left,
		Shaper: leftShaper,
		Writer: right,
		Wg:     wg,
	})

	// forward traffic from right to left
	wg.Add(1)
	go fwd(&LinkFwdConfig{
		Logger: logger,
		Reader: right,
		Shaper: rightShaper,
		Writer: left,
		Wg:     wg,
	})

	return &LinkForwarder{
		closeOnce:   sync.Once{},
		left:        left,
		leftShaper:  leftShaper,
		right:       right,
		rightShaper: rightShaper,
		wg:          wg,
	}
}

// LeftShaper returns the shaper of the left->right direction.
func (lf *LinkForwarder) LeftShaper() *LinkShaper {
	return lf.leftShaper
}

// RightShaper returns the shaper of the right->left direction.
func (lf *LinkForwarder) RightShaper() *LinkShaper {
	return lf.rightShaper
}

// Close closes the [LinkForwarder] and the two NICs.
func (lf *LinkForwarder) Close() error {
	lf.closeOnce.Do(func() {
		lf.left.Close()
		lf.right.Close()
		lf.wg.Wait()
	})
	return nil
}
