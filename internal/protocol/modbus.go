// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protocol

import (
	"encoding/binary"
	"fmt"
)

const mbapHeaderLen = 8

// Modbus function codes the generator and signatures refer to.
const (
	ModbusReadCoils            byte = 0x01
	ModbusReadHoldingRegisters byte = 0x03
	ModbusWriteSingleRegister  byte = 0x06
	ModbusWriteMultiple        byte = 0x10
)

// ModbusPacket is a decoded Modbus/TCP ADU. Data aliases the input.
type ModbusPacket struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	UnitID        uint8
	FunctionCode  byte
	Data          []byte
}

func (p ModbusPacket) RuleID() string {
	return fmt.Sprintf("MODBUS_FC%02X", p.FunctionCode)
}

// ParseModbus decodes the MBAP header and PDU of a Modbus/TCP frame.
func ParseModbus(data []byte) (ModbusPacket, error) {
	if len(data) < mbapHeaderLen {
		return ModbusPacket{}, ErrInsufficientData
	}
	pkt := ModbusPacket{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}
	if pkt.ProtocolID != 0 {
		return ModbusPacket{}, ErrInvalidProtocolID
	}
	// Length counts the unit id, function code and data.
	end := 6 + int(pkt.Length)
	if pkt.Length < 2 || len(data) < end {
		return ModbusPacket{}, ErrInsufficientData
	}
	pkt.Data = data[mbapHeaderLen:end]
	return pkt, nil
}
