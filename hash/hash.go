// Package hash is a thin adapter over the external SHA-512 and RIPEMD-160
// primitives the rest of bmcore builds on. It does not implement any
// cryptographic primitive itself; it only composes the stdlib and
// golang.org/x/crypto implementations into the two operations the wire
// format and address algebra need.
package hash

import (
	"crypto/sha512"

	"golang.org/x/crypto/ripemd160"
)

// Sha512 returns the SHA-512 digest of b.
func Sha512(b []byte) []byte {
	sum := sha512.Sum512(b)
	out := make([]byte, len(sum))
	copy(out, sum[:])
	return out
}

// DoubleSha512 returns SHA-512(SHA-512(b)).
func DoubleSha512(b []byte) []byte {
	return Sha512(Sha512(b))
}

// Ripemd160 returns the RIPEMD-160 digest of b.
func Ripemd160(b []byte) []byte {
	h := ripemd160.New()
	h.Write(b)
	return h.Sum(nil)
}

// RipeFromSigningAndEncryptionKeys computes the 20-byte ripe-hash used by
// the address algebra: RIPEMD160(SHA512(signingKey || encryptionKey)).
func RipeFromSigningAndEncryptionKeys(signingKey, encryptionKey []byte) []byte {
	combined := make([]byte, 0, len(signingKey)+len(encryptionKey))
	combined = append(combined, signingKey...)
	combined = append(combined, encryptionKey...)
	return Ripemd160(Sha512(combined))
}
