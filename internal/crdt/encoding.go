package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrMalformedUpdate indicates that an update or state vector payload could not be decoded.
	ErrMalformedUpdate = errors.New("crdt: malformed update")
)

const (
	errFormatTruncated   = "%w: truncated at offset %d"
	errFormatOversized   = "%w: length %d exceeds remaining %d bytes"
	errFormatInvalidUTF8 = "%w: invalid utf-8 at offset %d"
	errFormatTrailing    = "%w: %d trailing bytes"
)

type encoder struct {
	buffer []byte
}

func (enc *encoder) writeUvarint(value uint64) {
	enc.buffer = binary.AppendUvarint(enc.buffer, value)
}

func (enc *encoder) writeByte(value byte) {
	enc.buffer = append(enc.buffer, value)
}

func (enc *encoder) writeString(value string) {
	enc.writeUvarint(uint64(len(value)))
	enc.buffer = append(enc.buffer, value...)
}

func (enc *encoder) bytes() []byte {
	return enc.buffer
}

type decoder struct {
	buffer []byte
	offset int
}

func newDecoder(payload []byte) *decoder {
	return &decoder{buffer: payload}
}

func (dec *decoder) remaining() int {
	return len(dec.buffer) - dec.offset
}

func (dec *decoder) readUvarint() (uint64, error) {
	value, size := binary.Uvarint(dec.buffer[dec.offset:])
	if size <= 0 {
		return 0, fmt.Errorf(errFormatTruncated, ErrMalformedUpdate, dec.offset)
	}
	dec.offset += size
	return value, nil
}

func (dec *decoder) readByte() (byte, error) {
	if dec.remaining() < 1 {
		return 0, fmt.Errorf(errFormatTruncated, ErrMalformedUpdate, dec.offset)
	}
	value := dec.buffer[dec.offset]
	dec.offset++
	return value, nil
}

func (dec *decoder) readString() (string, error) {
	length, err := dec.readUvarint()
	if err != nil {
		return "", err
	}
	if length > uint64(dec.remaining()) {
		return "", fmt.Errorf(errFormatOversized, ErrMalformedUpdate, length, dec.remaining())
	}
	start := dec.offset
	value := dec.buffer[start : start+int(length)]
	if !utf8.Valid(value) {
		return "", fmt.Errorf(errFormatInvalidUTF8, ErrMalformedUpdate, start)
	}
	dec.offset += int(length)
	return string(value), nil
}

// readCount reads an element count and rejects counts that cannot fit in the remaining payload,
// assuming every element occupies at least one byte.
func (dec *decoder) readCount() (int, error) {
	count, err := dec.readUvarint()
	if err != nil {
		return 0, err
	}
	if count > uint64(dec.remaining()) {
		return 0, fmt.Errorf(errFormatOversized, ErrMalformedUpdate, count, dec.remaining())
	}
	return int(count), nil
}

func (dec *decoder) finish() error {
	if dec.remaining() != 0 {
		return fmt.Errorf(errFormatTrailing, ErrMalformedUpdate, dec.remaining())
	}
	return nil
}
