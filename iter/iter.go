// Package iter implements the map iteration / streaming protocol from
// spec.md §4.8 (C9): userspace-facing binary encodings of the
// throughput and flow tables with fixed, self-describing layouts that
// mirror the in-kernel struct offsets.
package iter

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/lqos-project/xdp-shaper/canon"
	"github.com/lqos-project/xdp-shaper/flowbee"
	"github.com/lqos-project/xdp-shaper/throughput"
)

var byteOrder = binary.LittleEndian

// ThroughputRecord is one decoded element of the throughput stream: a
// canonical address plus its per-CPU counters.
type ThroughputRecord struct {
	Addr    canon.Addr
	PerCPU  []throughput.Counter
}

// EncodeThroughputStream writes spec.md §4.8's throughput wire format:
// a u32 CPU count (repeated once for 8-byte alignment), then one
// (canonical_address, counter × NCPU) element per host.
func EncodeThroughputStream(w io.Writer, table *throughput.Table) error {
	ncpu := uint32(table.NumCPU())
	if err := binary.Write(w, byteOrder, ncpu); err != nil {
		return fmt.Errorf("iter: write cpu-count preamble: %w", err)
	}
	if err := binary.Write(w, byteOrder, ncpu); err != nil { // repeated for 8-byte alignment
		return fmt.Errorf("iter: write cpu-count preamble (alignment): %w", err)
	}

	var encErr error
	table.Each(func(addr canon.Addr, perCPU []throughput.Counter) {
		if encErr != nil {
			return
		}
		if _, err := w.Write(addr[:]); err != nil {
			encErr = fmt.Errorf("iter: write address: %w", err)
			return
		}
		for i := range perCPU {
			if err := encodeCounter(w, &perCPU[i]); err != nil {
				encErr = fmt.Errorf("iter: write counter: %w", err)
				return
			}
		}
	})
	return encErr
}

func encodeCounter(w io.Writer, c *throughput.Counter) error {
	fields := []interface{}{
		c.Bytes, c.Packets,
		c.TCPBytes, c.UDPBytes, c.ICMPBytes, c.OtherBytes,
		c.TCPPackets, c.UDPPackets, c.ICMPPackets, c.OtherPkts,
		c.TCHandle, c.CircuitID, c.DeviceID, c.LastSeen,
	}
	for _, f := range fields {
		if err := binary.Write(w, byteOrder, f); err != nil {
			return err
		}
	}
	return nil
}

func decodeCounter(r io.Reader) (throughput.Counter, error) {
	var c throughput.Counter
	fields := []interface{}{
		&c.Bytes, &c.Packets,
		&c.TCPBytes, &c.UDPBytes, &c.ICMPBytes, &c.OtherBytes,
		&c.TCPPackets, &c.UDPPackets, &c.ICMPPackets, &c.OtherPkts,
		&c.TCHandle, &c.CircuitID, &c.DeviceID, &c.LastSeen,
	}
	for _, f := range fields {
		if err := binary.Read(r, byteOrder, f); err != nil {
			return throughput.Counter{}, err
		}
	}
	return c, nil
}

// DecodeThroughputStream is the inverse of EncodeThroughputStream.
func DecodeThroughputStream(r io.Reader) (ncpu int, records []ThroughputRecord, err error) {
	var n1, n2 uint32
	if err := binary.Read(r, byteOrder, &n1); err != nil {
		return 0, nil, fmt.Errorf("iter: read cpu-count preamble: %w", err)
	}
	if err := binary.Read(r, byteOrder, &n2); err != nil {
		return 0, nil, fmt.Errorf("iter: read cpu-count preamble (alignment): %w", err)
	}
	if n1 != n2 {
		return 0, nil, fmt.Errorf("iter: cpu-count preamble mismatch: %d != %d", n1, n2)
	}
	ncpu = int(n1)

	for {
		var addr canon.Addr
		_, err := io.ReadFull(r, addr[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, nil, fmt.Errorf("iter: read address: %w", err)
		}
		perCPU := make([]throughput.Counter, ncpu)
		for i := 0; i < ncpu; i++ {
			c, err := decodeCounter(r)
			if err != nil {
				return 0, nil, fmt.Errorf("iter: read counter: %w", err)
			}
			perCPU[i] = c
		}
		records = append(records, ThroughputRecord{Addr: addr, PerCPU: perCPU})
	}
	return ncpu, records, nil
}

// FlowRecord is one decoded element of the flow stream.
type FlowRecord struct {
	Key               flowbee.FlowKey
	StartTime         int64
	LastSeen          int64
	Bytes             [2]uint64
	Packets           [2]uint64
	RateBps           [2]uint64 // bit-cast from float64, preserves exact round trip
	Retransmits       [2]uint16
	LastSequence      [2]uint32
	TSval             [2]uint32
	TSecr             [2]uint32
	LastRTTSampleTime [2]int64
	EndStatus         flowbee.EndStatus
	TOS               uint8
	IPFlags           uint8
	TCHandle          uint32
	CPU               uint32
	CircuitID         uint64
	DeviceID          uint64
	MappingEpoch      uint32
}

// EncodeFlowStream writes spec.md §4.8's flow wire format: no
// preamble, one (flow_key, flow_entry) element per tracked flow.
func EncodeFlowStream(w io.Writer, tracker *flowbee.Tracker) error {
	var encErr error
	tracker.Each(func(key flowbee.FlowKey, e *flowbee.Entry) {
		if encErr != nil {
			return
		}
		rec := toFlowRecord(key, e)
		if err := encodeFlowRecord(w, rec); err != nil {
			encErr = fmt.Errorf("iter: write flow record: %w", err)
		}
	})
	return encErr
}

func toFlowRecord(key flowbee.FlowKey, e *flowbee.Entry) FlowRecord {
	return FlowRecord{
		Key:               key,
		StartTime:         e.StartTime,
		LastSeen:          e.LastSeen,
		Bytes:             e.Bytes,
		Packets:           e.Packets,
		RateBps:           [2]uint64{math64bits(e.RateBps[0]), math64bits(e.RateBps[1])},
		Retransmits:       e.Retransmits,
		LastSequence:      e.LastSequence,
		TSval:             e.TSval,
		TSecr:             e.TSecr,
		LastRTTSampleTime: e.LastRTTSampleTime,
		EndStatus:         e.EndStatus,
		TOS:               e.TOS,
		IPFlags:           e.IPFlags,
		TCHandle:          e.TCHandle,
		CPU:               e.CPU,
		CircuitID:         e.CircuitID,
		DeviceID:          e.DeviceID,
		MappingEpoch:      e.MappingEpoch,
	}
}

func encodeFlowRecord(w io.Writer, rec FlowRecord) error {
	if err := writeFlowKey(w, rec.Key); err != nil {
		return err
	}
	fields := []interface{}{
		rec.StartTime, rec.LastSeen,
		rec.Bytes, rec.Packets, rec.RateBps,
		rec.Retransmits, rec.LastSequence,
		rec.TSval, rec.TSecr, rec.LastRTTSampleTime,
		rec.EndStatus, rec.TOS, rec.IPFlags,
		rec.TCHandle, rec.CPU, rec.CircuitID, rec.DeviceID, rec.MappingEpoch,
	}
	for _, f := range fields {
		if err := binary.Write(w, byteOrder, f); err != nil {
			return err
		}
	}
	return nil
}

func writeFlowKey(w io.Writer, k flowbee.FlowKey) error {
	if _, err := w.Write(k.SrcAddr[:]); err != nil {
		return err
	}
	if _, err := w.Write(k.DstAddr[:]); err != nil {
		return err
	}
	fields := []interface{}{k.SrcPort, k.DstPort, k.Protocol}
	for _, f := range fields {
		if err := binary.Write(w, byteOrder, f); err != nil {
			return err
		}
	}
	return nil
}

func readFlowKey(r io.Reader) (flowbee.FlowKey, error) {
	var k flowbee.FlowKey
	if _, err := io.ReadFull(r, k.SrcAddr[:]); err != nil {
		return k, err
	}
	if _, err := io.ReadFull(r, k.DstAddr[:]); err != nil {
		return k, err
	}
	fields := []interface{}{&k.SrcPort, &k.DstPort, &k.Protocol}
	for _, f := range fields {
		if err := binary.Read(r, byteOrder, f); err != nil {
			return k, err
		}
	}
	return k, nil
}

// DecodeFlowStream is the inverse of EncodeFlowStream.
func DecodeFlowStream(r io.Reader) ([]FlowRecord, error) {
	var records []FlowRecord
	for {
		key, err := readFlowKey(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iter: read flow key: %w", err)
		}
		rec := FlowRecord{Key: key}
		fields := []interface{}{
			&rec.StartTime, &rec.LastSeen,
			&rec.Bytes, &rec.Packets, &rec.RateBps,
			&rec.Retransmits, &rec.LastSequence,
			&rec.TSval, &rec.TSecr, &rec.LastRTTSampleTime,
			&rec.EndStatus, &rec.TOS, &rec.IPFlags,
			&rec.TCHandle, &rec.CPU, &rec.CircuitID, &rec.DeviceID, &rec.MappingEpoch,
		}
		for _, f := range fields {
			if err := binary.Read(r, byteOrder, f); err != nil {
				return nil, fmt.Errorf("iter: read flow record: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// math64bits bit-casts RateBps so the wire value round-trips exactly,
// rather than going through a decimal reformat.
func math64bits(f float64) uint64 { return math.Float64bits(f) }
