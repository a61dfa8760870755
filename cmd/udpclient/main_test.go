package main

import (
	"errors"
	"testing"

	"github.com/EstebanGZam/udp-practice/udpxfer"
)

func TestNewConfig(t *testing.T) {
	t.Run("valid arguments", func(t *testing.T) {
		config, err := newConfig(20, "64", "100")
		if err != nil {
			t.Fatal(err)
		}
		if config.Count != 20 || config.PacketSize != 64 || config.Rate != 100 {
			t.Fatal("unexpected config", config.Count, config.PacketSize, config.Rate)
		}
	})

	for _, tc := range []struct {
		name   string
		count  int
		size   string
		rate   string
		expect error
	}{
		{"zero size", 100, "0", "10", udpxfer.ErrPacketTooSmall},
		{"zero rate", 100, "64", "0", udpxfer.ErrInvalidRate},
		{"negative count", -5, "64", "10", udpxfer.ErrInvalidCount},
		{"size too large", 100, "65508", "10", udpxfer.ErrPacketTooLarge},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := newConfig(tc.count, tc.size, tc.rate); !errors.Is(err, tc.expect) {
				t.Fatal("unexpected error", err)
			}
		})
	}

	t.Run("not a number", func(t *testing.T) {
		if _, err := newConfig(100, "big", "10"); err == nil {
			t.Fatal("expected an error")
		}
	})
}
