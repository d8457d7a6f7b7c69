// Copyright (c) 2015 Monetas.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package codec implements the wire-format variable length integer and
// fixed-width integer encoding used throughout bmcore's object codec. It
// has no knowledge of pubkeys, messages, or any other higher level type;
// it only knows how to move bytes.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxVarIntPayload is the maximum number of bytes a variable length
// integer can consume on the wire.
const MaxVarIntPayload = 9

// ErrTruncated is returned when fewer bytes remain in the stream than the
// var-int's length prefix demands.
var ErrTruncated = errors.New("codec: truncated var_int")

// ErrOverflow is returned when a decoded value exceeds the caller's
// validation range for the field being read.
var ErrOverflow = errors.New("codec: value out of range")

// ReadVarInt reads a variable length integer from r and returns it along
// with the number of bytes consumed.
func ReadVarInt(r io.Reader) (uint64, int, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[0:1]); err != nil {
		return 0, 0, wrapTruncated(err)
	}

	discriminant := b[0]
	switch discriminant {
	case 0xff:
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, 0, wrapTruncated(err)
		}
		return binary.BigEndian.Uint64(b[:]), 9, nil

	case 0xfe:
		if _, err := io.ReadFull(r, b[0:4]); err != nil {
			return 0, 0, wrapTruncated(err)
		}
		return uint64(binary.BigEndian.Uint32(b[0:4])), 5, nil

	case 0xfd:
		if _, err := io.ReadFull(r, b[0:2]); err != nil {
			return 0, 0, wrapTruncated(err)
		}
		return uint64(binary.BigEndian.Uint16(b[0:2])), 3, nil

	default:
		return uint64(discriminant), 1, nil
	}
}

// DecodeVarInt decodes a variable length integer from the head of buf and
// returns the value and the number of bytes consumed. Unlike ReadVarInt it
// never reads past the end of buf, returning ErrTruncated instead.
func DecodeVarInt(buf []byte) (uint64, int, error) {
	if len(buf) == 0 {
		return 0, 0, ErrTruncated
	}

	discriminant := buf[0]
	var need int
	switch discriminant {
	case 0xff:
		need = 9
	case 0xfe:
		need = 5
	case 0xfd:
		need = 3
	default:
		return uint64(discriminant), 1, nil
	}

	if len(buf) < need {
		return 0, 0, ErrTruncated
	}

	switch discriminant {
	case 0xff:
		return binary.BigEndian.Uint64(buf[1:9]), 9, nil
	case 0xfe:
		return uint64(binary.BigEndian.Uint32(buf[1:5])), 5, nil
	default: // 0xfd
		return uint64(binary.BigEndian.Uint16(buf[1:3])), 3, nil
	}
}

// WriteVarInt serializes val to w using the minimum number of bytes the
// wire format allows.
func WriteVarInt(w io.Writer, val uint64) error {
	if val < 0xfd {
		_, err := w.Write([]byte{uint8(val)})
		return err
	}

	if val <= math.MaxUint16 {
		var buf [3]byte
		buf[0] = 0xfd
		binary.BigEndian.PutUint16(buf[1:], uint16(val))
		_, err := w.Write(buf[:])
		return err
	}

	if val <= math.MaxUint32 {
		var buf [5]byte
		buf[0] = 0xfe
		binary.BigEndian.PutUint32(buf[1:], uint32(val))
		_, err := w.Write(buf[:])
		return err
	}

	var buf [9]byte
	buf[0] = 0xff
	binary.BigEndian.PutUint64(buf[1:], val)
	_, err := w.Write(buf[:])
	return err
}

// EncodeVarInt returns val encoded as a variable length integer.
func EncodeVarInt(val uint64) []byte {
	switch {
	case val < 0xfd:
		return []byte{uint8(val)}
	case val <= math.MaxUint16:
		buf := make([]byte, 3)
		buf[0] = 0xfd
		binary.BigEndian.PutUint16(buf[1:], uint16(val))
		return buf
	case val <= math.MaxUint32:
		buf := make([]byte, 5)
		buf[0] = 0xfe
		binary.BigEndian.PutUint32(buf[1:], uint32(val))
		return buf
	default:
		buf := make([]byte, 9)
		buf[0] = 0xff
		binary.BigEndian.PutUint64(buf[1:], val)
		return buf
	}
}

// VarIntSerializeSize returns the number of bytes it would take to
// serialize val as a variable length integer.
func VarIntSerializeSize(val uint64) int {
	switch {
	case val < 0xfd:
		return 1
	case val <= math.MaxUint16:
		return 3
	case val <= math.MaxUint32:
		return 5
	default:
		return 9
	}
}

// ValidateRange returns ErrOverflow if val falls outside [min, max],
// wrapping the field name into the error for context.
func ValidateRange(field string, val, min, max uint64) error {
	if val < min || val > max {
		return fmt.Errorf("codec: %s value %d out of range [%d,%d]: %w",
			field, val, min, max, ErrOverflow)
	}
	return nil
}

func wrapTruncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrTruncated
	}
	return err
}

// PutUint64 writes v to b in big-endian order. b must be at least 8 bytes.
func PutUint64(b []byte, v uint64) {
	binary.BigEndian.PutUint64(b, v)
}

// Uint64 reads a big-endian uint64 from the first 8 bytes of b.
func Uint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// PutUint32 writes v to b in big-endian order. b must be at least 4 bytes.
func PutUint32(b []byte, v uint32) {
	binary.BigEndian.PutUint32(b, v)
}

// Uint32 reads a big-endian uint32 from the first 4 bytes of b.
func Uint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}
