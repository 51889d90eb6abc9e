// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package protocol holds the zero-copy decoders for the IoT protocols vakthund
// inspects: MQTT, CoAP and Modbus/TCP. Decoded messages reference the input
// slice; they are valid only as long as the caller's buffer is.
package protocol

import (
	"grimm.is/vakthund/internal/errors"
)

// Protocol is the decoded protocol tag carried on an event.
type Protocol uint8

const (
	Unknown Protocol = iota
	MQTT
	CoAP
	Modbus
)

func (p Protocol) String() string {
	switch p {
	case MQTT:
		return "mqtt"
	case CoAP:
		return "coap"
	case Modbus:
		return "modbus"
	default:
		return "unknown"
	}
}

// Well-known ports used for classification.
const (
	PortMQTT   = 1883
	PortMQTTS  = 8883
	PortCoAP   = 5683
	PortCoAPS  = 5684
	PortModbus = 502
)

// Decode errors. All are KindDecode so callers can treat them uniformly.
var (
	ErrInsufficientData         = errors.New(errors.KindDecode, "insufficient data")
	ErrRemainingLengthMalformed = errors.New(errors.KindDecode, "remaining length malformed")
	ErrPacketIncomplete         = errors.New(errors.KindDecode, "packet incomplete")
	ErrInvalidVersion           = errors.New(errors.KindDecode, "invalid version")
	ErrInvalidToken             = errors.New(errors.KindDecode, "invalid token length")
	ErrInvalidProtocolID        = errors.New(errors.KindDecode, "invalid protocol id")
)

// Message is the protocol-independent view of a decoded payload.
type Message struct {
	Protocol Protocol
	// RuleID names the message shape, e.g. "MQTT_74657374" or "COAP_GET".
	RuleID string
	// Connect is set for messages that open a session.
	Connect bool
	// Body is the application payload, a sub-slice of the input.
	Body []byte
}

// Classify tags a payload by destination port.
func Classify(dstPort uint16) Protocol {
	switch dstPort {
	case PortMQTT, PortMQTTS:
		return MQTT
	case PortCoAP, PortCoAPS:
		return CoAP
	case PortModbus:
		return Modbus
	default:
		return Unknown
	}
}

// Decode runs the decoder for p. Unknown payloads are passed through as an
// opaque Message; they are never a decode failure.
func Decode(p Protocol, data []byte) (Message, error) {
	switch p {
	case MQTT:
		pkt, err := ParseMQTT(data)
		if err != nil {
			return Message{Protocol: MQTT}, errors.Wrap(err, errors.KindDecode, "mqtt")
		}
		return Message{Protocol: MQTT, RuleID: pkt.RuleID(), Connect: pkt.IsConnect(), Body: pkt.Payload}, nil
	case CoAP:
		pkt, err := ParseCoAP(data)
		if err != nil {
			return Message{Protocol: CoAP}, errors.Wrap(err, errors.KindDecode, "coap")
		}
		return Message{Protocol: CoAP, RuleID: pkt.RuleID(), Body: pkt.Payload}, nil
	case Modbus:
		pkt, err := ParseModbus(data)
		if err != nil {
			return Message{Protocol: Modbus}, errors.Wrap(err, errors.KindDecode, "modbus")
		}
		return Message{Protocol: Modbus, RuleID: pkt.RuleID(), Body: pkt.Data}, nil
	default:
		return Message{Protocol: Unknown, RuleID: "RAW", Body: data}, nil
	}
}
