// Copyright (c) 2015 Monetas.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wireobj implements the object codec for pubkey and msg objects:
// the two object payload types bmcore's engine constructs, disseminates,
// and parses. Unlike wire's message types, which always carry an 8-byte
// time field, wireobj replicates the reference client's 4-vs-8-byte time
// heuristic (see ParseObjectHeader) since objects received from the
// network were produced by clients that disagree on field width.
package wireobj

import (
	"errors"

	"github.com/bitseal-go/bmcore/codec"

	"github.com/btcsuite/btclog"
)

// ObjectType identifies the kind of object a payload carries.
type ObjectType uint32

// Object type values, matching the reference Bitmessage protocol v3 wire
// format.
const (
	ObjectTypeGetPubKey ObjectType = 0
	ObjectTypePubKey    ObjectType = 1
	ObjectTypeMsg       ObjectType = 2
	ObjectTypeBroadcast ObjectType = 3
)

// Address version bounds objects are validated against.
const (
	MinAddressVersion = 1
	MaxAddressVersion = 4
)

// EncryptedPubkeyVersion is the first address version whose pubkey object
// carries its payload as an opaque encrypted envelope instead of plain
// fields.
const EncryptedPubkeyVersion = 4

// ExtendedPubkeyVersion is the first address version whose pubkey object
// carries explicit nonceTrialsPerByte/extraBytes/signature fields.
const ExtendedPubkeyVersion = 3

// DefaultNonceTrialsPerByte and DefaultExtraBytes are the proof-of-work
// parameters assumed for pubkeys of address version below
// ExtendedPubkeyVersion, which do not carry these fields on the wire.
// They disagree with the version-3-and-up network defaults of 1000/1000;
// that disagreement is inherent to the version 1/2 address format and is
// not a bug.
const (
	DefaultNonceTrialsPerByte = 320
	DefaultExtraBytes         = 14000
)

// KeySize is the length of a signing or encryption key with its leading
// 0x04 byte stripped, as carried on the wire.
const KeySize = 64

var (
	// ErrMalformed is returned when a payload is truncated, carries an
	// out-of-range field, or otherwise cannot be parsed as the object type
	// requested.
	ErrMalformed = errors.New("wireobj: malformed object payload")

	// ErrWrongObjectType is returned when ParseObjectHeader's object type
	// field does not match the type the caller asked to parse.
	ErrWrongObjectType = errors.New("wireobj: object type mismatch")
)

// log is the WIRE subsystem logger. It defaults to disabled; callers wire
// in a real logger via UseLogger.
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by the wireobj package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// ObjectHeader is the common prefix of every object payload: the
// proof-of-work nonce, the expiration time, the object type, address
// version and stream number. The object-type-specific body follows it.
type ObjectHeader struct {
	Nonce          uint64
	ExpiresTime    int64
	ObjectType     ObjectType
	AddressVersion uint64
	StreamNumber   uint64

	// HeaderLen is the number of bytes ParseObjectHeader consumed from the
	// front of the payload it was given.
	HeaderLen int
}

// StrictEightByteTime forces ParseObjectHeader to always decode an 8-byte
// time field, skipping the 4-vs-8-byte heuristic entirely. It exists for
// object sources that are known to always use the wider field.
var StrictEightByteTime = false

// ParseObjectHeader parses the common object header from the front of
// payload. It replicates the reference client's heuristic for
// distinguishing a 4-byte time field from an 8-byte one: it first reads 4
// bytes as a big-endian uint32; if that value is zero, it assumes the
// field is actually 8 bytes wide and re-reads it as such. This is
// ambiguous whenever the true 4-byte time value is itself zero (meaning
// "1970-01-01", which no real object uses) or when an 8-byte time's upper
// 4 bytes are zero (true for any time before the year 2106), so the
// heuristic is logged whenever it is exercised — there is no way to tell
// after the fact whether it guessed right.
func ParseObjectHeader(payload []byte) (ObjectHeader, error) {
	var hdr ObjectHeader

	if len(payload) < 8+4+4 {
		return hdr, ErrMalformed
	}

	hdr.Nonce = codec.Uint64(payload[0:8])
	pos := 8

	if StrictEightByteTime {
		if len(payload) < pos+8 {
			return hdr, ErrMalformed
		}
		hdr.ExpiresTime = int64(codec.Uint64(payload[pos : pos+8]))
		pos += 8
	} else {
		first4 := codec.Uint32(payload[pos : pos+4])
		if first4 == 0 {
			if len(payload) < pos+8 {
				return hdr, ErrMalformed
			}
			log.Warnf("object header time field decoded as 8 bytes " +
				"because the first 4 bytes were zero; this is " +
				"ambiguous and cannot be verified after the fact")
			hdr.ExpiresTime = int64(codec.Uint64(payload[pos : pos+8]))
			pos += 8
		} else {
			hdr.ExpiresTime = int64(first4)
			pos += 4
		}
	}

	if len(payload) < pos+4 {
		return hdr, ErrMalformed
	}
	hdr.ObjectType = ObjectType(codec.Uint32(payload[pos : pos+4]))
	pos += 4

	version, n, err := codec.DecodeVarInt(payload[pos:])
	if err != nil {
		return hdr, ErrMalformed
	}
	if err := codec.ValidateRange("address version", version, MinAddressVersion, MaxAddressVersion); err != nil {
		return hdr, ErrMalformed
	}
	hdr.AddressVersion = version
	pos += n

	stream, n, err := codec.DecodeVarInt(payload[pos:])
	if err != nil {
		return hdr, ErrMalformed
	}
	hdr.StreamNumber = stream
	pos += n

	hdr.HeaderLen = pos
	return hdr, nil
}

// PutObjectHeader appends the common object header to dst, always using
// an 8-byte time field: every object bmcore constructs uses the wider,
// unambiguous field and leaves the heuristic in ParseObjectHeader only
// for interoperating with objects produced elsewhere.
func PutObjectHeader(dst []byte, nonce uint64, expiresTime int64, objectType ObjectType, addressVersion, streamNumber uint64) []byte {
	var buf [8]byte
	codec.PutUint64(buf[:], nonce)
	dst = append(dst, buf[:]...)

	codec.PutUint64(buf[:], uint64(expiresTime))
	dst = append(dst, buf[:]...)

	var tbuf [4]byte
	codec.PutUint32(tbuf[:], uint32(objectType))
	dst = append(dst, tbuf[:]...)

	dst = append(dst, codec.EncodeVarInt(addressVersion)...)
	dst = append(dst, codec.EncodeVarInt(streamNumber)...)
	return dst
}

// Pubkey is the parsed body of a pubkey object, covering every address
// version bmcore supports. For version 4 and above, SigningKey,
// EncryptionKey, NonceTrialsPerByte, ExtraBytes, and Signature are left
// zero-valued and Tag/Encrypted are populated instead: the rest of the
// body is only recoverable by decrypting Encrypted with the Crypto
// Envelope, which is outside this package's concern.
type Pubkey struct {
	ObjectHeader

	Behavior           uint32
	SigningKey         [KeySize]byte
	EncryptionKey      [KeySize]byte
	NonceTrialsPerByte uint64
	ExtraBytes         uint64
	Signature          []byte

	Tag       [32]byte
	Encrypted []byte
}

// ParsePubkey parses a complete pubkey object payload, including its
// header.
func ParsePubkey(payload []byte) (Pubkey, error) {
	var pk Pubkey

	hdr, err := ParseObjectHeader(payload)
	if err != nil {
		return pk, err
	}
	if hdr.ObjectType != ObjectTypePubKey {
		return pk, ErrWrongObjectType
	}
	pk.ObjectHeader = hdr
	body := payload[hdr.HeaderLen:]

	if hdr.AddressVersion >= EncryptedPubkeyVersion {
		if len(body) < 32 {
			return pk, ErrMalformed
		}
		copy(pk.Tag[:], body[:32])
		pk.Encrypted = append([]byte(nil), body[32:]...)
		return pk, nil
	}

	pk.NonceTrialsPerByte = DefaultNonceTrialsPerByte
	pk.ExtraBytes = DefaultExtraBytes

	if len(body) < 4+KeySize+KeySize {
		return pk, ErrMalformed
	}
	pk.Behavior = codec.Uint32(body[:4])
	pos := 4
	copy(pk.SigningKey[:], body[pos:pos+KeySize])
	pos += KeySize
	copy(pk.EncryptionKey[:], body[pos:pos+KeySize])
	pos += KeySize

	if hdr.AddressVersion < ExtendedPubkeyVersion {
		return pk, nil
	}

	ntpb, n, err := codec.DecodeVarInt(body[pos:])
	if err != nil {
		return pk, ErrMalformed
	}
	pk.NonceTrialsPerByte = ntpb
	pos += n

	eb, n, err := codec.DecodeVarInt(body[pos:])
	if err != nil {
		return pk, ErrMalformed
	}
	pk.ExtraBytes = eb
	pos += n

	sigLen, n, err := codec.DecodeVarInt(body[pos:])
	if err != nil {
		return pk, ErrMalformed
	}
	pos += n
	if uint64(len(body)-pos) < sigLen {
		return pk, ErrMalformed
	}
	pk.Signature = append([]byte(nil), body[pos:pos+int(sigLen)]...)

	return pk, nil
}

// MarshalPubkey serializes pk into a complete object payload, including
// its header. For address version 4 and above, pk.Tag and pk.Encrypted
// must already be populated by the Crypto Envelope.
func MarshalPubkey(pk Pubkey) ([]byte, error) {
	out := PutObjectHeader(nil, pk.Nonce, pk.ExpiresTime, ObjectTypePubKey, pk.AddressVersion, pk.StreamNumber)

	if pk.AddressVersion >= EncryptedPubkeyVersion {
		out = append(out, pk.Tag[:]...)
		out = append(out, pk.Encrypted...)
		return out, nil
	}

	var buf [4]byte
	codec.PutUint32(buf[:], pk.Behavior)
	out = append(out, buf[:]...)
	out = append(out, pk.SigningKey[:]...)
	out = append(out, pk.EncryptionKey[:]...)

	if pk.AddressVersion < ExtendedPubkeyVersion {
		return out, nil
	}

	out = append(out, codec.EncodeVarInt(pk.NonceTrialsPerByte)...)
	out = append(out, codec.EncodeVarInt(pk.ExtraBytes)...)
	out = append(out, codec.EncodeVarInt(uint64(len(pk.Signature)))...)
	out = append(out, pk.Signature...)
	return out, nil
}

// PlainBody returns the plain (pre-encryption) field layout of a pubkey
// body — behavior, signing key, encryption key and, implicitly, the
// nonceTrialsPerByte/extraBytes/signature fields a version 3+ body
// carries — by marshaling a synthetic version-3 Pubkey and stripping its
// object header. Passing a nil signature yields the exact bytes a
// version 3+ signature is computed over; passing the real signature
// yields the complete signed body. This is used both to build a pubkey
// body for one of our own addresses and, in reverse, to recover one
// decrypted from a version 4+ envelope.
func PlainBody(behavior uint32, signingKey, encryptionKey [KeySize]byte, nonceTrialsPerByte, extraBytes uint64, signature []byte) []byte {
	synthetic := Pubkey{
		ObjectHeader: ObjectHeader{
			ObjectType:     ObjectTypePubKey,
			AddressVersion: ExtendedPubkeyVersion,
			StreamNumber:   1,
		},
		Behavior:           behavior,
		SigningKey:         signingKey,
		EncryptionKey:      encryptionKey,
		NonceTrialsPerByte: nonceTrialsPerByte,
		ExtraBytes:         extraBytes,
		Signature:          signature,
	}
	full, _ := MarshalPubkey(synthetic)
	hdr, _ := ParseObjectHeader(full)
	return full[hdr.HeaderLen:]
}

// Msg is the parsed body of a msg object. Its payload is always an
// opaque Crypto Envelope ciphertext; decrypting it yields the sender's
// address version, destination ripe-hash, encoding, message bytes, ack
// payload, and signature, none of which this package inspects.
type Msg struct {
	ObjectHeader
	Encrypted []byte
}

// ParseMsg parses a complete msg object payload, including its header.
func ParseMsg(payload []byte) (Msg, error) {
	var m Msg

	hdr, err := ParseObjectHeader(payload)
	if err != nil {
		return m, err
	}
	if hdr.ObjectType != ObjectTypeMsg {
		return m, ErrWrongObjectType
	}
	m.ObjectHeader = hdr
	m.Encrypted = append([]byte(nil), payload[hdr.HeaderLen:]...)
	return m, nil
}

// MarshalMsg serializes m into a complete object payload, including its
// header.
func MarshalMsg(m Msg) []byte {
	out := PutObjectHeader(nil, m.Nonce, m.ExpiresTime, ObjectTypeMsg, m.AddressVersion, m.StreamNumber)
	return append(out, m.Encrypted...)
}
