// Telemetry record wire format (little-endian, no padding):
// [0] protocol_version uint8, [1] node_id uint8, [2:6] temperature float32,
// [6:10] humidity float32, [10:14] counter uint32 (14 bytes total).
//
// Nodes flashed with the first firmware generation insert a reserved uint16
// after node_id (16 bytes total). Decode accepts both layouts.
package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	ProtocolVersion  = 1
	RecordSize       = 14
	LegacyRecordSize = 16
)

var (
	ErrShortRecord        = errors.New("telemetry: short record")
	ErrUnsupportedVersion = errors.New("telemetry: unsupported protocol version")
)

// Record is one telemetry sample as carried on the link.
type Record struct {
	ProtocolVersion uint8
	NodeID          uint8
	Temperature     float32 // corrected, Celsius
	Humidity        float32 // corrected and clamped, percent
	Counter         uint32
}

// Encode writes r into dst and returns the number of bytes written.
func (r *Record) Encode(dst []byte) (int, error) {
	if len(dst) < RecordSize {
		return 0, fmt.Errorf("encode: buffer too small: %d < %d", len(dst), RecordSize)
	}
	r.put((*[RecordSize]byte)(dst))
	return RecordSize, nil
}

func (r *Record) put(dst *[RecordSize]byte) {
	dst[0] = r.ProtocolVersion
	dst[1] = r.NodeID
	binary.LittleEndian.PutUint32(dst[2:6], math.Float32bits(r.Temperature))
	binary.LittleEndian.PutUint32(dst[6:10], math.Float32bits(r.Humidity))
	binary.LittleEndian.PutUint32(dst[10:14], r.Counter)
}

// AppendBinary appends the encoded record to b.
func (r Record) AppendBinary(b []byte) ([]byte, error) {
	var buf [RecordSize]byte
	r.put(&buf)
	return append(b, buf[:]...), nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r Record) MarshalBinary() ([]byte, error) {
	return r.AppendBinary(make([]byte, 0, RecordSize))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
// Trailing bytes beyond a known layout are rejected.
func (r *Record) UnmarshalBinary(data []byte) error {
	var off int
	switch len(data) {
	case RecordSize:
		off = 2
	case LegacyRecordSize:
		off = 4
	default:
		if len(data) < RecordSize {
			return fmt.Errorf("%w: %d bytes", ErrShortRecord, len(data))
		}
		return fmt.Errorf("telemetry: unexpected record length %d", len(data))
	}
	if data[0] != ProtocolVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[0])
	}

	r.ProtocolVersion = data[0]
	r.NodeID = data[1]
	r.Temperature = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
	r.Humidity = math.Float32frombits(binary.LittleEndian.Uint32(data[off+4 : off+8]))
	r.Counter = binary.LittleEndian.Uint32(data[off+8 : off+12])
	return nil
}

// Decode parses a record received from the link.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := r.UnmarshalBinary(data); err != nil {
		return Record{}, err
	}
	return r, nil
}
