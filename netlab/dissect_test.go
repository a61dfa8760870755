package netlab

import (
	"errors"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// serializeUDP returns an IPv4 packet carrying the given UDP payload.
func serializeUDP(t *testing.T, payload []byte) []byte {
	ipv4 := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	udp := &layers.UDP{SrcPort: 54321, DstPort: 9876}
	if err := udp.SetNetworkLayerForChecksum(ipv4); err != nil {
		t.Fatal(err)
	}
	buffer := gopacket.NewSerializeBuffer()
	options := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buffer, options, ipv4, udp, gopacket.Payload(payload)); err != nil {
		t.Fatal(err)
	}
	return buffer.Bytes()
}

func TestDissectPacket(t *testing.T) {
	t.Run("UDP over IPv4", func(t *testing.T) {
		packet, err := DissectPacket(serializeUDP(t, []byte("abcd")))
		if err != nil {
			t.Fatal(err)
		}
		if !packet.IsUDP() || packet.IsTCP() {
			t.Fatal("expected a UDP packet")
		}
		if got := packet.String(); got != "IP 10.0.0.1.54321 > 10.0.0.2.9876: udp 32" {
			t.Fatal("unexpected summary", got)
		}
	})

	t.Run("empty packet", func(t *testing.T) {
		if _, err := DissectPacket(nil); !errors.Is(err, ErrDissectShortPacket) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("truncated header", func(t *testing.T) {
		if _, err := DissectPacket(serializeUDP(t, nil)[:10]); !errors.Is(err, ErrDissectShortPacket) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("unknown IP version", func(t *testing.T) {
		if _, err := DissectPacket([]byte{0x10, 0x00}); !errors.Is(err, ErrDissectNetwork) {
			t.Fatal("unexpected error", err)
		}
	})
}
