// Package addr implements Bitmessage-style address algebra: encoding and
// decoding of "BM-" address strings, and derivation of the address tag and
// private encryption key used to resolve and decrypt version 4+ pubkeys.
package addr

import (
	"errors"

	"github.com/bitseal-go/bmcore/codec"
	"github.com/bitseal-go/bmcore/hash"

	"github.com/btcsuite/btcutil/base58"
)

// RipeSize is the length in bytes of a ripe-hash.
const RipeSize = 20

// checksumSize is the number of leading bytes of the double-SHA-512 digest
// of the address payload used as its checksum.
const checksumSize = 4

// ErrInvalidAddress is returned by Decode when the address string is not
// valid base58, carries a bad checksum, or decodes to an out-of-range
// version/stream/ripe length.
var ErrInvalidAddress = errors.New("addr: invalid address")

// MinVersion and MaxVersion bound the address versions this package
// accepts when decoding.
const (
	MinVersion = 1
	MaxVersion = 4
)

// MinStream and MaxStream bound the stream numbers this package accepts
// when decoding. Streams beyond 1 are reserved for future network
// partitioning that never materialized.
const (
	MinStream = 1
	MaxStream = 1
)

const addressPrefix = "BM-"

// Encode builds the "BM-" address string for an identity with the given
// address version, stream number, and 20-byte ripe-hash.
func Encode(version, stream uint64, ripe [RipeSize]byte) string {
	payload := append(codec.EncodeVarInt(version), codec.EncodeVarInt(stream)...)
	payload = append(payload, stripLeadingZeros(version, ripe[:])...)

	checksum := hash.DoubleSha512(payload)[:checksumSize]
	payload = append(payload, checksum...)

	return addressPrefix + base58.Encode(payload)
}

// Decode parses a "BM-" address string, returning its address version,
// stream number, and 20-byte ripe-hash. It verifies the checksum and the
// version/stream bounds.
func Decode(address string) (version, stream uint64, ripe [RipeSize]byte, err error) {
	if len(address) <= len(addressPrefix) || address[:len(addressPrefix)] != addressPrefix {
		return 0, 0, ripe, ErrInvalidAddress
	}

	decoded := base58.Decode(address[len(addressPrefix):])
	if len(decoded) <= checksumSize {
		return 0, 0, ripe, ErrInvalidAddress
	}

	payload, checksum := decoded[:len(decoded)-checksumSize], decoded[len(decoded)-checksumSize:]
	want := hash.DoubleSha512(payload)[:checksumSize]
	if !bytesEqual(checksum, want) {
		return 0, 0, ripe, ErrInvalidAddress
	}

	version, n, err := codec.DecodeVarInt(payload)
	if err != nil || version < MinVersion || version > MaxVersion {
		return 0, 0, ripe, ErrInvalidAddress
	}
	payload = payload[n:]

	stream, n, err = codec.DecodeVarInt(payload)
	if err != nil || stream < MinStream || stream > MaxStream {
		return 0, 0, ripe, ErrInvalidAddress
	}
	payload = payload[n:]

	if len(payload) > RipeSize {
		return 0, 0, ripe, ErrInvalidAddress
	}
	copy(ripe[RipeSize-len(payload):], payload)

	return version, stream, ripe, nil
}

// stripLeadingZeros trims the leading zero bytes an address string omits
// from the ripe-hash before base58-encoding it: addresses of version 2 and
// above drop up to two leading zero bytes (one if only one is present),
// version 1 addresses carry the ripe-hash in full.
func stripLeadingZeros(version uint64, ripe []byte) []byte {
	if version < 2 {
		return ripe
	}
	switch {
	case len(ripe) >= 2 && ripe[0] == 0 && ripe[1] == 0:
		return ripe[2:]
	case len(ripe) >= 1 && ripe[0] == 0:
		return ripe[1:]
	default:
		return ripe
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Tag derives the 32-byte lookup tag used to request a version 4+ pubkey
// from the network without revealing the ripe-hash: the second half of
// SHA-512(SHA-512(version_varint || stream_varint || ripe)).
func Tag(version, stream uint64, ripe [RipeSize]byte) [32]byte {
	var out [32]byte
	digest := doubleHashAddressData(version, stream, ripe)
	copy(out[:], digest[32:])
	return out
}

// EncryptionKey derives the 32-byte private key used to decrypt a version
// 4+ pubkey's encrypted payload: the first half of
// SHA-512(SHA-512(version_varint || stream_varint || ripe)).
func EncryptionKey(version, stream uint64, ripe [RipeSize]byte) [32]byte {
	var out [32]byte
	digest := doubleHashAddressData(version, stream, ripe)
	copy(out[:], digest[:32])
	return out
}

func doubleHashAddressData(version, stream uint64, ripe [RipeSize]byte) []byte {
	data := append(codec.EncodeVarInt(version), codec.EncodeVarInt(stream)...)
	data = append(data, ripe[:]...)
	return hash.DoubleSha512(data)
}
