package netlab

//
// Protocol dissector
//

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// DissectedPacket is a dissected IPv4 packet. The zero-value is invalid;
// you MUST use the [DissectPacket] factory to create a new instance.
type DissectedPacket struct {
	// IPv4 is the network layer.
	IPv4 layers.IPv4

	// TCP is the TCP layer, valid when IsTCP returns true.
	TCP layers.TCP

	// UDP is the UDP layer, valid when IsUDP returns true.
	UDP layers.UDP

	// payload is the transport payload.
	payload gopacket.Payload

	// decoded contains the decoded layer types.
	decoded []gopacket.LayerType

	// size is the size of the raw packet.
	size int
}

// ErrDissectShortPacket indicates the packet is too short.
var ErrDissectShortPacket = errors.New("netlab: dissect: packet too short")

// ErrDissectNetwork indicates that we do not support the packet's network protocol.
var ErrDissectNetwork = errors.New("netlab: dissect: unsupported network protocol")

// DissectPacket parses the IPv4 header and, when present, the TCP or UDP
// header of a raw packet. Packets carrying other transport protocols, such
// as ICMP, are valid and only have the IPv4 layer.
func DissectPacket(rawPacket []byte) (*DissectedPacket, error) {
	if len(rawPacket) < 1 {
		return nil, ErrDissectShortPacket
	}
	if rawPacket[0]>>4 != 4 {
		return nil, ErrDissectNetwork
	}
	dp := &DissectedPacket{size: len(rawPacket)}
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &dp.IPv4, &dp.TCP, &dp.UDP, &dp.payload)
	parser.IgnoreUnsupported = true
	if err := parser.DecodeLayers(rawPacket, &dp.decoded); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDissectShortPacket, err.Error())
	}
	if !dp.has(layers.LayerTypeIPv4) {
		return nil, ErrDissectNetwork
	}
	return dp, nil
}

// has returns whether we decoded the given layer.
func (dp *DissectedPacket) has(layerType gopacket.LayerType) bool {
	for _, decoded := range dp.decoded {
		if decoded == layerType {
			return true
		}
	}
	return false
}

// IsTCP returns whether the packet carries TCP.
func (dp *DissectedPacket) IsTCP() bool {
	return dp.has(layers.LayerTypeTCP)
}

// IsUDP returns whether the packet carries UDP.
func (dp *DissectedPacket) IsUDP() bool {
	return dp.has(layers.LayerTypeUDP)
}

// DestinationIPAddress returns the packet's destination IP address.
func (dp *DissectedPacket) DestinationIPAddress() string {
	return dp.IPv4.DstIP.String()
}

// SourceIPAddress returns the packet's source IP address.
func (dp *DissectedPacket) SourceIPAddress() string {
	return dp.IPv4.SrcIP.String()
}

// TransportProtocol returns the packet's transport protocol.
func (dp *DissectedPacket) TransportProtocol() layers.IPProtocol {
	return dp.IPv4.Protocol
}

// String returns a tcpdump-like one-line summary of the packet.
func (dp *DissectedPacket) String() string {
	switch {
	case dp.IsTCP():
		return fmt.Sprintf("IP %s.%d > %s.%d: tcp %d", dp.SourceIPAddress(), dp.TCP.SrcPort,
			dp.DestinationIPAddress(), dp.TCP.DstPort, dp.size)
	case dp.IsUDP():
		return fmt.Sprintf("IP %s.%d > %s.%d: udp %d", dp.SourceIPAddress(), dp.UDP.SrcPort,
			dp.DestinationIPAddress(), dp.UDP.DstPort, dp.size)
	default:
		return fmt.Sprintf("IP %s > %s: %s %d", dp.SourceIPAddress(),
			dp.DestinationIPAddress(), dp.TransportProtocol(), dp.size)
	}
}
