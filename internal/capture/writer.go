// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"io"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"grimm.is/vakthund/internal/errors"
	"grimm.is/vakthund/internal/packet"
	"grimm.is/vakthund/internal/protocol"
)

const snapLen = 65535

var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Writer emits tuples as Ethernet frames in a pcap stream. CoAP ports go
// out as UDP, everything else as TCP.
type Writer struct {
	w   *pcapgo.Writer
	buf gopacket.SerializeBuffer
}

// NewWriter writes the pcap file header to w.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to write pcap header")
	}
	return &Writer{w: pw, buf: gopacket.NewSerializeBuffer()}, nil
}

// Write appends one frame.
func (w *Writer) Write(raw packet.Raw) error {
	src, dst := raw.Source.Addr(), raw.Destination.Addr()
	if src.Is4() != dst.Is4() {
		return errors.Errorf(errors.KindValidation, "mixed address families %s -> %s", raw.Source, raw.Destination)
	}

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC}
	var network gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer
	transport := layers.IPProtocolTCP
	if isUDP(raw.Destination.Port()) {
		transport = layers.IPProtocolUDP
	}
	if src.Is4() {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: transport, SrcIP: src.AsSlice(), DstIP: dst.AsSlice()}
		network, ipLayer = ip, ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: transport, SrcIP: src.AsSlice(), DstIP: dst.AsSlice()}
		network, ipLayer = ip, ip
	}

	var l4 gopacket.SerializableLayer
	if transport == layers.IPProtocolUDP {
		udp := &layers.UDP{SrcPort: layers.UDPPort(raw.Source.Port()), DstPort: layers.UDPPort(raw.Destination.Port())}
		if err := udp.SetNetworkLayerForChecksum(network); err != nil {
			return errors.Wrap(err, errors.KindInternal, "udp checksum")
		}
		l4 = udp
	} else {
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(raw.Source.Port()),
			DstPort: layers.TCPPort(raw.Destination.Port()),
			PSH:     true,
			ACK:     true,
			Window:  64240,
		}
		if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
			return errors.Wrap(err, errors.KindInternal, "tcp checksum")
		}
		l4 = tcp
	}

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(w.buf, opts, eth, ipLayer, l4, gopacket.Payload(raw.Data)); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to serialize frame")
	}
	frame := w.buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: raw.Timestamp, CaptureLength: len(frame), Length: len(frame)}
	if err := w.w.WritePacket(ci, frame); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to write frame")
	}
	return nil
}

func isUDP(port uint16) bool {
	return port == protocol.PortCoAP || port == protocol.PortCoAPS
}
