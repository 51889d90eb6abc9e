// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package capture reads recorded traffic into the tuples the ingest path
// expects, and writes simulated traffic back out as pcap.
package capture

import (
	"bufio"
	"context"
	"io"
	"net/netip"
	"os"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"grimm.is/vakthund/internal/errors"
	"grimm.is/vakthund/internal/logging"
	"grimm.is/vakthund/internal/packet"
)

// Source yields raw tuples until io.EOF.
type Source interface {
	Next(ctx context.Context) (packet.Raw, error)
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Stats counts frames read from a file.
type Stats struct {
	Frames    uint64 `json:"frames"`
	Delivered uint64 `json:"delivered"`
	// Skipped frames carried no IP transport payload.
	Skipped uint64 `json:"skipped"`
}

// FileSource reads a pcap or pcapng file. Frames without an IPv4/IPv6
// TCP or UDP payload are skipped.
type FileSource struct {
	f      *os.File
	r      packetReader
	link   layers.LinkType
	logger *logging.Logger
	stats  Stats
}

// Section header block type; plain pcap starts with its own magic.
var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// OpenFile detects the file format from its magic number.
func OpenFile(path string, logger *logging.Logger) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "failed to open capture %s", path)
	}
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, errors.KindValidation, "capture %s is too short", path)
	}

	var r packetReader
	if string(magic) == string(pcapngMagic) {
		r, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		r, err = pcapgo.NewReader(br)
	}
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, errors.KindValidation, "capture %s is not pcap or pcapng", path)
	}

	s := &FileSource{f: f, r: r, link: r.LinkType(), logger: logger.WithComponent("capture")}
	s.logger.Info("Capture opened", "path", path, "link_type", s.link)
	return s, nil
}

// Next returns the next frame with a transport payload, or io.EOF.
func (s *FileSource) Next(ctx context.Context) (packet.Raw, error) {
	for {
		if err := ctx.Err(); err != nil {
			return packet.Raw{}, err
		}
		data, ci, err := s.r.ReadPacketData()
		if err == io.EOF {
			return packet.Raw{}, io.EOF
		}
		if err != nil {
			return packet.Raw{}, errors.Wrap(err, errors.KindDecode, "failed to read capture frame")
		}
		s.stats.Frames++

		raw, ok := Decode(data, s.link)
		if !ok {
			s.stats.Skipped++
			continue
		}
		raw.Timestamp = ci.Timestamp
		s.stats.Delivered++
		return raw, nil
	}
}

// Stats returns read counters. Not safe for use concurrently with Next.
func (s *FileSource) Stats() Stats { return s.stats }

func (s *FileSource) Close() error {
	return s.f.Close()
}

// Decode extracts endpoints and the transport payload from one frame.
// The payload aliases data.
func Decode(data []byte, link layers.LinkType) (packet.Raw, bool) {
	p := gopacket.NewPacket(data, link, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	var src, dst netip.Addr
	switch ip := p.NetworkLayer().(type) {
	case *layers.IPv4:
		src, _ = netip.AddrFromSlice(ip.SrcIP)
		dst, _ = netip.AddrFromSlice(ip.DstIP)
	case *layers.IPv6:
		src, _ = netip.AddrFromSlice(ip.SrcIP)
		dst, _ = netip.AddrFromSlice(ip.DstIP)
	default:
		return packet.Raw{}, false
	}
	src, dst = src.Unmap(), dst.Unmap()

	var sport, dport uint16
	var payload []byte
	switch l4 := p.TransportLayer().(type) {
	case *layers.TCP:
		sport, dport, payload = uint16(l4.SrcPort), uint16(l4.DstPort), l4.Payload
	case *layers.UDP:
		sport, dport, payload = uint16(l4.SrcPort), uint16(l4.DstPort), l4.Payload
	default:
		return packet.Raw{}, false
	}
	if len(payload) == 0 {
		return packet.Raw{}, false
	}
	return packet.Raw{
		Source:      netip.AddrPortFrom(src, sport),
		Destination: netip.AddrPortFrom(dst, dport),
		Data:        payload,
	}, true
}
