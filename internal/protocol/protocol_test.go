// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vakthund/internal/errors"
)

func TestParseMQTTConnect(t *testing.T) {
	frame := append([]byte{0x10, 0x07}, "testabc"...)

	pkt, err := ParseMQTT(frame)
	require.NoError(t, err)
	assert.Equal(t, MQTTConnect, pkt.Header)
	assert.Equal(t, []byte("test"), pkt.Topic)
	assert.Equal(t, []byte("abc"), pkt.Payload)
	assert.Equal(t, "MQTT_74657374", pkt.RuleID())
	assert.True(t, pkt.IsConnect())
}

func TestParseMQTTGeneric(t *testing.T) {
	pkt, err := ParseMQTT(append([]byte{0x20, 0x03}, "xyz"...))
	require.NoError(t, err)
	assert.Empty(t, pkt.Topic)
	assert.Equal(t, []byte("xyz"), pkt.Payload)
	assert.Equal(t, "MQTT_GENERIC", pkt.RuleID())
}

func TestParseMQTTErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"single byte", []byte{0x10}, ErrInsufficientData},
		{"incomplete", []byte{0x10, 0x07, 'a'}, ErrPacketIncomplete},
		{"unterminated length", []byte{0x10, 0xFF, 0xFF, 0xFF, 0xFF}, ErrRemainingLengthMalformed},
		{"five byte length", []byte{0x30, 0x80, 0x80, 0x80, 0x80, 0x01}, ErrRemainingLengthMalformed},
		{"connect without topic", []byte{0x10, 0x02, 'a', 'b'}, ErrInsufficientData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMQTT(tt.frame)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRemainingLengthRoundTrip(t *testing.T) {
	for _, n := range []int{0, 127, 128, 16383, 16384, 2097151, 268435455} {
		enc := EncodeRemainingLength(nil, n)
		got, used, err := decodeRemainingLength(enc)
		require.NoError(t, err)
		assert.Equal(t, n, got)
		assert.Equal(t, len(enc), used)
	}
}

func TestParseCoAP(t *testing.T) {
	pkt, err := ParseCoAP([]byte{0x40, 0x02, 0x12, 0x34, 0xFF, 'H', 'e', 'l', 'l', 'o'})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), pkt.Version)
	assert.Equal(t, uint16(0x1234), pkt.MessageID)
	assert.Equal(t, []byte("Hello"), pkt.Payload)
	assert.Empty(t, pkt.Options)
	assert.Equal(t, "COAP_POST", pkt.RuleID())

	pkt, err = ParseCoAP([]byte{0x42, 0x01, 0x00, 0x01, 0xAA, 0xBB, 0xB4, 't', 'e', 'm', 'p'})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, pkt.Token)
	assert.Equal(t, []byte{0xB4, 't', 'e', 'm', 'p'}, pkt.Options)
	assert.Empty(t, pkt.Payload)
}

func TestParseCoAPErrors(t *testing.T) {
	_, err := ParseCoAP([]byte{0x40, 0x01})
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = ParseCoAP([]byte{0x80, 0x01, 0x00, 0x01})
	assert.ErrorIs(t, err, ErrInvalidVersion)

	_, err = ParseCoAP([]byte{0x44, 0x01, 0x00, 0x01, 0xAA})
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = ParseCoAP([]byte{0x4F, 0x01, 0x00, 0x01})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseModbus(t *testing.T) {
	frame := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01}

	pkt, err := ParseModbus(frame)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), pkt.TransactionID)
	assert.Equal(t, uint8(1), pkt.UnitID)
	assert.Equal(t, ModbusReadHoldingRegisters, pkt.FunctionCode)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01}, pkt.Data)
	assert.Equal(t, "MODBUS_FC03", pkt.RuleID())

	bad := append([]byte(nil), frame...)
	bad[3] = 0x01
	_, err = ParseModbus(bad)
	assert.ErrorIs(t, err, ErrInvalidProtocolID)

	long := append([]byte(nil), frame...)
	long[5] = 0x07
	_, err = ParseModbus(long)
	assert.ErrorIs(t, err, ErrInsufficientData)

	// Bytes past the MBAP length belong to the next ADU in the segment.
	pkt, err = ParseModbus(append(append([]byte(nil), frame...), 0x00, 0x02, 0x00, 0x00))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01}, pkt.Data)

	_, err = ParseModbus(frame[:7])
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestDecode(t *testing.T) {
	assert.Equal(t, MQTT, Classify(1883))
	assert.Equal(t, CoAP, Classify(5683))
	assert.Equal(t, Modbus, Classify(502))
	assert.Equal(t, Unknown, Classify(80))

	msg, err := Decode(MQTT, append([]byte{0x10, 0x04}, "home"...))
	require.NoError(t, err)
	assert.True(t, msg.Connect)

	_, err = Decode(MQTT, []byte{0x10, 0x08, 'x'})
	require.Error(t, err)
	assert.Equal(t, errors.KindDecode, errors.GetKind(err))
	assert.ErrorIs(t, err, ErrPacketIncomplete)

	msg, err = Decode(Unknown, []byte{0xDE, 0xAD})
	require.NoError(t, err)
	assert.Equal(t, "RAW", msg.RuleID)
}
