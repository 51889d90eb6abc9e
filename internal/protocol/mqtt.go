// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protocol

import (
	"encoding/hex"
)

// MQTT control packet types (high nibble of the fixed header).
const (
	MQTTConnect   byte = 0x10
	MQTTPublish   byte = 0x30
	MQTTSubscribe byte = 0x82
	MQTTPingReq   byte = 0xC0
)

// mqttTopicLen is the fixed topic prefix carried by CONNECT frames.
const mqttTopicLen = 4

// MQTTPacket is a decoded MQTT frame. Slices alias the input.
type MQTTPacket struct {
	Header byte
	// Topic is set only for CONNECT frames.
	Topic   []byte
	Payload []byte
}

// IsConnect reports whether the frame opens a session.
func (p MQTTPacket) IsConnect() bool {
	return p.Header == MQTTConnect
}

// RuleID is MQTT_<hex topic> for CONNECT frames, MQTT_GENERIC otherwise.
func (p MQTTPacket) RuleID() string {
	if p.Header == MQTTConnect && len(p.Topic) == mqttTopicLen {
		return "MQTT_" + hex.EncodeToString(p.Topic)
	}
	return "MQTT_GENERIC"
}

// ParseMQTT decodes the fixed header and remaining length of an MQTT frame.
func ParseMQTT(data []byte) (MQTTPacket, error) {
	if len(data) < 2 {
		return MQTTPacket{}, ErrInsufficientData
	}
	header := data[0]

	remaining, n, err := decodeRemainingLength(data[1:])
	if err != nil {
		return MQTTPacket{}, err
	}
	start := 1 + n
	end := start + remaining
	if len(data) < end {
		return MQTTPacket{}, ErrPacketIncomplete
	}

	if header == MQTTConnect {
		if remaining < mqttTopicLen {
			return MQTTPacket{}, ErrInsufficientData
		}
		return MQTTPacket{
			Header:  header,
			Topic:   data[start : start+mqttTopicLen],
			Payload: data[start+mqttTopicLen : end],
		}, nil
	}
	return MQTTPacket{Header: header, Payload: data[start:end]}, nil
}

// decodeRemainingLength reads the 1-4 byte variable length field.
func decodeRemainingLength(b []byte) (value, n int, err error) {
	multiplier := 1
	for i, c := range b {
		if i == 4 {
			return 0, 0, ErrRemainingLengthMalformed
		}
		value += int(c&0x7F) * multiplier
		if c&0x80 == 0 {
			return value, i + 1, nil
		}
		multiplier *= 128
	}
	return 0, 0, ErrRemainingLengthMalformed
}

// EncodeRemainingLength appends the variable length encoding of n to dst.
func EncodeRemainingLength(dst []byte, n int) []byte {
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if n == 0 {
			return dst
		}
	}
}
