// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protocol

import (
	"encoding/binary"
	"fmt"
)

const coapPayloadMarker = 0xFF

// CoAP method codes.
const (
	CoAPGet    byte = 0x01
	CoAPPost   byte = 0x02
	CoAPPut    byte = 0x03
	CoAPDelete byte = 0x04
)

// CoAPPacket is a decoded CoAP message. Slices alias the input.
type CoAPPacket struct {
	Version     uint8
	Type        uint8
	TokenLength uint8
	Code        byte
	MessageID   uint16
	Token       []byte
	Options     []byte
	Payload     []byte
}

// RuleID names the request method, or the response class for other codes.
func (p CoAPPacket) RuleID() string {
	switch p.Code {
	case CoAPGet:
		return "COAP_GET"
	case CoAPPost:
		return "COAP_POST"
	case CoAPPut:
		return "COAP_PUT"
	case CoAPDelete:
		return "COAP_DELETE"
	}
	return fmt.Sprintf("COAP_%d.%02d", p.Code>>5, p.Code&0x1F)
}

// ParseCoAP decodes a CoAP v1 header, token, options and payload.
func ParseCoAP(data []byte) (CoAPPacket, error) {
	if len(data) < 4 {
		return CoAPPacket{}, ErrInsufficientData
	}
	h := data[0]
	pkt := CoAPPacket{
		Version:     h >> 6,
		Type:        (h >> 4) & 0x03,
		TokenLength: h & 0x0F,
		Code:        data[1],
		MessageID:   binary.BigEndian.Uint16(data[2:4]),
	}
	if pkt.Version != 1 {
		return CoAPPacket{}, ErrInvalidVersion
	}
	if pkt.TokenLength > 8 {
		return CoAPPacket{}, ErrInvalidToken
	}

	off := 4 + int(pkt.TokenLength)
	if off > len(data) {
		return CoAPPacket{}, ErrInsufficientData
	}
	pkt.Token = data[4:off]

	rest := data[off:]
	for i, b := range rest {
		if b == coapPayloadMarker {
			pkt.Options = rest[:i]
			pkt.Payload = rest[i+1:]
			return pkt, nil
		}
	}
	pkt.Options = rest
	return pkt, nil
}
