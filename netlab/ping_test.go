package netlab_test

import (
	"errors"
	"testing"
	"time"

	"github.com/EstebanGZam/udp-practice/netlab"
)

func TestPingStats(t *testing.T) {
	t.Run("without replies", func(t *testing.T) {
		ps := &netlab.PingStats{Transmitted: 4}
		if ps.LossPercent() != 100 {
			t.Fatal("unexpected loss", ps.LossPercent())
		}
		if _, _, _, _, err := ps.RTTSummary(); !errors.Is(err, netlab.ErrPingNoReplies) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("with replies", func(t *testing.T) {
		ps := &netlab.PingStats{
			Transmitted: 4,
			Received:    3,
			RTTs:        []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond},
		}
		if ps.LossPercent() != 25 {
			t.Fatal("unexpected loss", ps.LossPercent())
		}
		min, avg, max, mdev, err := ps.RTTSummary()
		if err != nil {
			t.Fatal(err)
		}
		if min != 10*time.Millisecond || avg != 20*time.Millisecond || max != 30*time.Millisecond {
			t.Fatal("unexpected summary", min, avg, max)
		}
		// the population standard deviation of 10, 20, 30 is ~8.165
		if mdev < 8*time.Millisecond || mdev > 9*time.Millisecond {
			t.Fatal("unexpected mdev", mdev)
		}
	})

	t.Run("nothing transmitted", func(t *testing.T) {
		if loss := (&netlab.PingStats{}).LossPercent(); loss != 0 {
			t.Fatal("unexpected loss", loss)
		}
	})
}
