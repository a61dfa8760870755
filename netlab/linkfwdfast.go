package netlab

import "errors"

//
// Link frame forwarding: fast algorithm
//

// LinkFwdFast forwards frames as soon as they are available. [NewLinkForwarder]
// uses it for the [PlainLink] kind, whose interfaces cannot be shaped, so
// the only shaping state it honours is the link status: while the link is
// down, every frame is dropped.
func LinkFwdFast(cfg *LinkFwdConfig) {
	defer cfg.Wg.Done()
	src, dst := cfg.Reader.InterfaceName(), cfg.Writer.InterfaceName()
	cfg.Logger.Debugf("netlab: fast forwarding %s -> %s", src, dst)
	defer cfg.Logger.Debugf("netlab: fast forwarding %s -> %s done", src, dst)

	for {
		select {
		case <-cfg.Reader.FrameAvailable():
		case <-cfg.Reader.StackClosed():
			return
		}
		frame, err := cfg.Reader.ReadFrameNonblocking()
		if errors.Is(err, ErrStackClosed) {
			return
		}
		if err != nil {
			cfg.Logger.Debugf("netlab: fast forwarding %s -> %s: %s", src, dst, err.Error())
			continue
		}
		cfg.Shaper.onSend(frame)
		if !cfg.Shaper.IsUp() {
			frame.Flags |= FrameFlagDrop
		}
		linkFwdDeliveryOrDrop(cfg.Shaper, cfg.Writer, frame)
	}
}

var _ = LinkFwdFunc(LinkFwdFast)
