// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package simulator

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"time"

	"grimm.is/vakthund/internal/packet"
	"grimm.is/vakthund/internal/protocol"
)

// Gateway is where every simulated device sends its traffic.
var Gateway = netip.MustParseAddr("10.0.0.1")

// KnownBad lists the payload fragments the generator embeds in malicious
// messages. A signature set built from these hits every one of them.
var KnownBad = []string{
	"/bin/busybox MIRAI",
	"wget http://",
	"cmd=factory_reset",
	"\x00\x00\x00\x00\xde\xad\xbe\xef",
}

// GeneratorConfig shapes the synthetic traffic.
type GeneratorConfig struct {
	// Devices is the number of simulated hosts, numbered from 10.0.0.10.
	Devices int
	// Step is the minimum virtual time between events. Latency is a fixed
	// network delay added to every step and Jitter a random one drawn from
	// the seeded source.
	Step    time.Duration
	Latency time.Duration
	Jitter  time.Duration
	// MaliciousRate is the fraction of messages carrying KnownBad content.
	MaliciousRate float64
	// LossRate is the fraction of frames lost on the way to the sensor.
	LossRate float64
	// FaultRate is the fraction of frames corrupted in transit. A corrupted
	// frame keeps only its first byte or two.
	FaultRate float64
}

// DefaultGeneratorConfig is 16 devices, one event every 10-15ms, 2% bad.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Devices:       16,
		Step:          10 * time.Millisecond,
		Jitter:        5 * time.Millisecond,
		MaliciousRate: 0.02,
	}
}

func (c GeneratorConfig) withDefaults() GeneratorConfig {
	d := DefaultGeneratorConfig()
	if c.Devices <= 0 {
		c.Devices = d.Devices
	}
	if c.Step <= 0 {
		c.Step = d.Step
	}
	if c.Latency < 0 {
		c.Latency = 0
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	c.MaliciousRate = clampRate(c.MaliciousRate)
	c.LossRate = clampRate(c.LossRate)
	c.FaultRate = clampRate(c.FaultRate)
	return c
}

func clampRate(r float64) float64 {
	return min(max(r, 0), 1)
}

// Frame is one generated message before ingestion. Raw.Timestamp is left
// for the caller to stamp from its clock after advancing it by Step.
type Frame struct {
	Raw      packet.Raw
	Step     time.Duration
	Kind     string
	Injected bool
	Bad      bool
	// Lost frames never reach the sensor.
	Lost bool
	// Faulted frames arrive truncated.
	Faulted bool
}

// Generator produces a reproducible message sequence from a seed. The
// same seed yields the same frames; the injection target only changes the
// payload of that one frame.
type Generator struct {
	cfg       GeneratorConfig
	rng       *rand.Rand
	bugTarget uint64
	devices   []netip.Addr
}

// NewGenerator seeds a PCG source. bugTarget 0 disables injection.
func NewGenerator(seed, bugTarget uint64, cfg GeneratorConfig) *Generator {
	cfg = cfg.withDefaults()
	devices := make([]netip.Addr, cfg.Devices)
	for i := range devices {
		devices[i] = netip.AddrFrom4([4]byte{10, 0, 0, byte(10 + i%240)})
	}
	return &Generator{
		cfg:       cfg,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		bugTarget: bugTarget,
		devices:   devices,
	}
}

type messageKind int

const (
	kindMQTTConnect messageKind = iota
	kindMQTTPublish
	kindCoAPGet
	kindCoAPPost
	kindModbusRead
	kindOpaque
)

var kindNames = [...]string{"mqtt_connect", "mqtt_publish", "coap_get", "coap_post", "modbus_read", "opaque"}

// Cumulative weights out of 100.
var kindWeights = [...]int{10, 45, 65, 75, 95, 100}

var mqttTopics = [...]string{"home", "temp", "door", "lamp", "hvac", "cam0"}

// Next generates the frame for event id. Ids must be requested in order.
func (g *Generator) Next(id uint64) Frame {
	// Draw order is fixed so every frame consumes the same values whether
	// or not it is the injection target.
	dev := g.devices[g.rng.IntN(len(g.devices))]
	srcPort := uint16(49152 + g.rng.IntN(16384))
	roll := g.rng.IntN(100)
	bad := g.rng.Float64() < g.cfg.MaliciousRate
	badIdx := g.rng.IntN(len(KnownBad))
	step := g.cfg.Step + g.cfg.Latency
	if g.cfg.Jitter > 0 {
		step += time.Duration(g.rng.Int64N(int64(g.cfg.Jitter)))
	}
	lost := g.rng.Float64() < g.cfg.LossRate
	faulted := g.rng.Float64() < g.cfg.FaultRate
	keep := 1 + g.rng.IntN(2)

	kind := kindOpaque
	for k, w := range kindWeights {
		if roll < w {
			kind = messageKind(k)
			break
		}
	}

	var data []byte
	var port uint16
	content := ""
	if bad {
		content = KnownBad[badIdx]
	}
	switch kind {
	case kindMQTTConnect:
		port = protocol.PortMQTT
		data = g.mqttConnect(dev, content)
	case kindMQTTPublish:
		port = protocol.PortMQTT
		data = g.mqttPublish(dev, content)
	case kindCoAPGet:
		port = protocol.PortCoAP
		data = g.coap(protocol.CoAPGet, content)
	case kindCoAPPost:
		port = protocol.PortCoAP
		data = g.coap(protocol.CoAPPost, content)
	case kindModbusRead:
		port = protocol.PortModbus
		data = g.modbusRead(content)
	default:
		port = 8080
		data = []byte(fmt.Sprintf("GET /status?dev=%s HTTP/1.1\r\nHost: gw\r\n\r\n%s", dev, content))
	}

	f := Frame{
		Raw: packet.Raw{
			Source:      netip.AddrPortFrom(dev, srcPort),
			Destination: netip.AddrPortFrom(Gateway, port),
			Data:        data,
		},
		Step: step,
		Kind: kindNames[kind],
		Bad:  bad,
		Lost: lost,
	}
	if faulted {
		f.Raw.Data = f.Raw.Data[:min(keep, len(f.Raw.Data))]
		f.Faulted = true
		f.Bad = false
	}
	if id == g.bugTarget {
		f.Raw.Destination = netip.AddrPortFrom(Gateway, protocol.PortMQTT)
		f.Raw.Data = malformedConnect()
		f.Kind = "mqtt_connect"
		f.Injected = true
		f.Faulted = false
		f.Bad = false
		f.Lost = false
	}
	return f
}

// malformedConnect declares a 4 byte topic that never follows.
func malformedConnect() []byte {
	return []byte{protocol.MQTTConnect, 0x04}
}

func (g *Generator) mqttConnect(dev netip.Addr, content string) []byte {
	topic := mqttTopics[g.rng.IntN(len(mqttTopics))]
	body := topic + "dev-" + dev.String() + content
	out := protocol.EncodeRemainingLength([]byte{protocol.MQTTConnect}, len(body))
	return append(out, body...)
}

func (g *Generator) mqttPublish(dev netip.Addr, content string) []byte {
	topic := mqttTopics[g.rng.IntN(len(mqttTopics))]
	reading := 15 + g.rng.Float64()*15
	body := fmt.Sprintf("sensors/%s/%s {\"v\":%.2f}%s", dev, topic, reading, content)
	out := protocol.EncodeRemainingLength([]byte{protocol.MQTTPublish}, len(body))
	return append(out, body...)
}

func (g *Generator) coap(code byte, content string) []byte {
	var hdr [6]byte
	hdr[0] = 1<<6 | 2 // version 1, confirmable, 2 byte token
	hdr[1] = code
	binary.BigEndian.PutUint16(hdr[2:4], uint16(g.rng.IntN(1<<16)))
	hdr[4] = byte(g.rng.IntN(256))
	hdr[5] = byte(g.rng.IntN(256))

	path := mqttTopics[g.rng.IntN(len(mqttTopics))]
	out := append(hdr[:], byte(11<<4|len(path))) // Uri-Path
	out = append(out, path...)
	if code == protocol.CoAPPost {
		out = append(out, 0xFF)
		out = append(out, fmt.Sprintf("{\"v\":%d}%s", g.rng.IntN(1000), content)...)
	} else if content != "" {
		out = append(out, 0xFF)
		out = append(out, content...)
	}
	return out
}

func (g *Generator) modbusRead(content string) []byte {
	pdu := make([]byte, 4, 4+len(content))
	binary.BigEndian.PutUint16(pdu[0:2], uint16(g.rng.IntN(100)))
	binary.BigEndian.PutUint16(pdu[2:4], uint16(1+g.rng.IntN(16)))
	pdu = append(pdu, content...)

	out := make([]byte, 8, 8+len(pdu))
	binary.BigEndian.PutUint16(out[0:2], uint16(g.rng.IntN(1<<16)))
	binary.BigEndian.PutUint16(out[4:6], uint16(2+len(pdu)))
	out[6] = 1
	out[7] = protocol.ModbusReadHoldingRegisters
	return append(out, pdu...)
}
