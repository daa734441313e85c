package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	recordMagic   uint32 = 0x504C5331 // "PLS1"
	recordVersion byte   = 1
	crcSize              = 4
	headerSize           = 4 + 1 + 2 + 4 // magic + version + kindLen + dataLen
)

var (
	errPartial = errors.New("journal: partial record")
	// ErrCorrupt signals on-disk data corruption.
	ErrCorrupt = errors.New("journal: corrupt record")
)

// Record is one journaled event: a kind tag plus its JSON payload.
type Record struct {
	Kind string
	Data json.RawMessage
}

// Decode unmarshals the record payload into v.
func (r Record) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("journal: record %q has no payload", r.Kind)
	}
	return json.Unmarshal(r.Data, v)
}

// encodeRecord frames kind and data for the segment file. The CRC
// covers everything after the magic so torn or bit-rotted tails are
// detectable on reopen.
func encodeRecord(kind string, data []byte) ([]byte, error) {
	if kind == "" {
		return nil, fmt.Errorf("journal: record kind required")
	}
	if len(kind) > 0xffff {
		return nil, fmt.Errorf("journal: record kind exceeds 64K")
	}

	kindLen := len(kind)
	dataLen := len(data)
	total := headerSize + kindLen + dataLen + crcSize

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], recordMagic)
	buf[4] = recordVersion
	binary.BigEndian.PutUint16(buf[5:7], uint16(kindLen))
	binary.BigEndian.PutUint32(buf[7:11], uint32(dataLen))

	copy(buf[headerSize:headerSize+kindLen], kind)
	copy(buf[headerSize+kindLen:headerSize+kindLen+dataLen], data)

	checksum := crc32.NewIEEE()
	checksum.Write(buf[4 : total-crcSize])
	binary.BigEndian.PutUint32(buf[total-crcSize:], checksum.Sum32())
	return buf, nil
}

// decodeRecord reads one framed record. It returns io.EOF at a clean
// segment end, errPartial when the tail is torn, and ErrCorrupt when
// the frame fails its checks.
func decodeRecord(r io.Reader) (Record, int64, error) {
	header := make([]byte, headerSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Record{}, 0, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || (errors.Is(err, io.EOF) && n > 0) {
			return Record{}, int64(n), errPartial
		}
		return Record{}, int64(n), err
	}
	if binary.BigEndian.Uint32(header[0:4]) != recordMagic {
		return Record{}, int64(n), ErrCorrupt
	}
	if header[4] != recordVersion {
		return Record{}, int64(n), ErrCorrupt
	}

	kindLen := int(binary.BigEndian.Uint16(header[5:7]))
	dataLen := int(binary.BigEndian.Uint32(header[7:11]))

	payload := make([]byte, kindLen+dataLen+crcSize)
	read, err := io.ReadFull(r, payload)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, int64(n + read), errPartial
		}
		return Record{}, int64(n + read), err
	}

	checksum := crc32.NewIEEE()
	checksum.Write(header[4:])
	checksum.Write(payload[:kindLen+dataLen])
	expected := binary.BigEndian.Uint32(payload[kindLen+dataLen:])
	if checksum.Sum32() != expected {
		return Record{}, int64(n + read), ErrCorrupt
	}

	var rec Record
	rec.Kind = string(payload[:kindLen])
	if dataLen > 0 {
		rec.Data = make([]byte, dataLen)
		copy(rec.Data, payload[kindLen:kindLen+dataLen])
	}
	return rec, int64(n + read), nil
}
