// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package packet models the events flowing through vakthund: a pooled,
// reference-counted payload plus the metadata assigned at ingestion.
package packet

import (
	"net/netip"
	"sync/atomic"
	"time"

	"grimm.is/vakthund/internal/protocol"
)

// Event is the unit of work on the bus. Everything except the payload is
// immutable once the event is published.
type Event struct {
	ID          uint64
	Timestamp   time.Time
	Source      netip.AddrPort
	Destination netip.AddrPort
	Protocol    protocol.Protocol

	buf *Buffer
}

// Payload is a borrowed view into the pool. Do not keep it past Release.
func (e *Event) Payload() []byte {
	if e.buf == nil {
		return nil
	}
	return e.buf.Bytes()
}

// Retain adds a reference for another consumer.
func (e *Event) Retain() {
	if e.buf != nil {
		e.buf.Retain()
	}
}

// Release drops one reference; the slot is reclaimed after the last.
func (e *Event) Release() {
	if e.buf != nil {
		e.buf.Release()
	}
}

// Raw returns the event as a tuple. Data borrows the payload.
func (e *Event) Raw() Raw {
	return Raw{Timestamp: e.Timestamp, Source: e.Source, Destination: e.Destination, Data: e.Payload()}
}

// Raw is what a capture source or the simulator hands to the Ingestor.
type Raw struct {
	Timestamp   time.Time
	Source      netip.AddrPort
	Destination netip.AddrPort
	Data        []byte
}

// Ingestor turns raw tuples into pool-backed events with sequential ids.
// Ids start at 1 and are never reused by one Ingestor.
type Ingestor struct {
	pool *Pool
	next atomic.Uint64
}

// NewIngestor returns an Ingestor drawing from pool.
func NewIngestor(pool *Pool) *Ingestor {
	return &Ingestor{pool: pool}
}

// Ingest copies raw.Data into the pool and assigns the next id. The id is
// consumed only when the copy succeeds.
func (in *Ingestor) Ingest(raw Raw) (*Event, error) {
	buf, err := in.pool.Copy(raw.Data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:          in.next.Add(1),
		Timestamp:   raw.Timestamp,
		Source:      raw.Source,
		Destination: raw.Destination,
		Protocol:    protocol.Classify(raw.Destination.Port()),
		buf:         buf,
	}, nil
}

// LastID is the most recently assigned id.
func (in *Ingestor) LastID() uint64 {
	return in.next.Load()
}
