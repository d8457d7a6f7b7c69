// Copyright (c) 2015 Monetas.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package bmec implements the Crypto Envelope: the ECIES-style hybrid
// encryption scheme used to protect version 4+ pubkey bodies and every
// msg object's payload. An ephemeral EC keypair and ECDH against the
// recipient's public key derive an AES-256-CBC key and an HMAC-SHA-256
// key from a single SHA-512 digest; the envelope carries the ephemeral
// public key, the ciphertext, and the MAC so a holder of the recipient's
// private key — and only they — can recover the plaintext.
package bmec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"io"
	"math/big"

	"github.com/btcsuite/btcd/btcec"
)

// ErrDecryptFailed is returned by Decrypt when the MAC does not verify or
// the padding it protects is invalid: either the wrong private key was
// used, or the ciphertext was corrupted or tampered with. The two causes
// are indistinguishable by design — a verifier must never be able to
// learn which one occurred.
var ErrDecryptFailed = errors.New("bmec: decryption failed")

// ErrMalformed is returned by Decrypt when the envelope is too short, or
// carries a curve or coordinate length it does not recognize.
var ErrMalformed = errors.New("bmec: malformed envelope")

const (
	curveIdentifier = 714 // secp256k1, as numbered by OpenSSL
	coordSize       = 32
	pubKeyFieldSize = 4 + coordSize + 2 + coordSize // curve+xlen+X+ylen+Y
)

// Encrypt encrypts plaintext for pubkey using an ephemeral EC keypair and
// AES-256-CBC, returning the full envelope: IV, ephemeral public key,
// ciphertext, and HMAC-SHA-256 tag, in that order.
func Encrypt(pubkey *btcec.PublicKey, plaintext []byte) ([]byte, error) {
	ephemeral, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, err
	}

	keyE, keyM := deriveKeys(sharedSecret(ephemeral, pubkey))

	padded := addPKCSPadding(plaintext)
	out := make([]byte, aes.BlockSize+pubKeyFieldSize+len(padded)+sha256.Size)

	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	putEphemeralPubKey(out[aes.BlockSize:aes.BlockSize+pubKeyFieldSize], ephemeral.PubKey())

	block, err := aes.NewCipher(keyE)
	if err != nil {
		return nil, err
	}
	cipherStart := aes.BlockSize + pubKeyFieldSize
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out[cipherStart:len(out)-sha256.Size], padded)

	hm := hmac.New(sha256.New, keyM)
	hm.Write(out[:len(out)-sha256.Size])
	copy(out[len(out)-sha256.Size:], hm.Sum(nil))

	return out, nil
}

// Decrypt decrypts an envelope produced by Encrypt using the recipient's
// private key. It verifies the MAC before attempting to decrypt, so a
// corrupted or mis-keyed envelope is rejected without ever running AES
// over attacker-controlled bytes under the real key.
func Decrypt(priv *btcec.PrivateKey, envelope []byte) ([]byte, error) {
	minLen := aes.BlockSize + pubKeyFieldSize + aes.BlockSize + sha256.Size
	if len(envelope) < minLen {
		return nil, ErrMalformed
	}

	iv := envelope[:aes.BlockSize]

	pubkey, err := readEphemeralPubKey(envelope[aes.BlockSize : aes.BlockSize+pubKeyFieldSize])
	if err != nil {
		return nil, err
	}

	cipherStart := aes.BlockSize + pubKeyFieldSize
	if (len(envelope)-cipherStart-sha256.Size)%aes.BlockSize != 0 {
		return nil, ErrMalformed
	}

	messageMAC := envelope[len(envelope)-sha256.Size:]

	keyE, keyM := deriveKeys(sharedSecret(priv, pubkey))

	hm := hmac.New(sha256.New, keyM)
	hm.Write(envelope[:len(envelope)-sha256.Size])
	if !hmac.Equal(messageMAC, hm.Sum(nil)) {
		return nil, ErrDecryptFailed
	}

	block, err := aes.NewCipher(keyE)
	if err != nil {
		return nil, err
	}
	mode := cipher.NewCBCDecrypter(block, iv)
	plaintext := make([]byte, len(envelope)-cipherStart-sha256.Size)
	mode.CryptBlocks(plaintext, envelope[cipherStart:len(envelope)-sha256.Size])

	return removePKCSPadding(plaintext)
}

// sharedSecret computes the x-coordinate of priv.D * pub, the ECDH shared
// secret that feeds deriveKeys. btcec's 2016-era API carries no ECDH
// helper of its own, so this multiplies the recipient's curve point by
// the local scalar directly, the same operation the reference
// implementation's now-missing key-exchange helper performed.
func sharedSecret(priv *btcec.PrivateKey, pub *btcec.PublicKey) []byte {
	x, _ := pub.Curve.ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	return x.Bytes()
}

func deriveKeys(ecdhKey []byte) (keyE, keyM []byte) {
	derived := sha512.Sum512(ecdhKey)
	return derived[:32], derived[32:]
}

func putEphemeralPubKey(dst []byte, pub *btcec.PublicKey) {
	binary.BigEndian.PutUint16(dst[0:2], curveIdentifier)
	binary.BigEndian.PutUint16(dst[2:4], coordSize)
	putFixedWidth(dst[4:4+coordSize], pub.X)
	binary.BigEndian.PutUint16(dst[4+coordSize:4+coordSize+2], coordSize)
	putFixedWidth(dst[4+coordSize+2:4+coordSize+2+coordSize], pub.Y)
}

func readEphemeralPubKey(src []byte) (*btcec.PublicKey, error) {
	if binary.BigEndian.Uint16(src[0:2]) != curveIdentifier {
		return nil, ErrMalformed
	}
	if binary.BigEndian.Uint16(src[2:4]) != coordSize {
		return nil, ErrMalformed
	}
	x := new(big.Int).SetBytes(src[4 : 4+coordSize])
	if binary.BigEndian.Uint16(src[4+coordSize:4+coordSize+2]) != coordSize {
		return nil, ErrMalformed
	}
	y := new(big.Int).SetBytes(src[4+coordSize+2 : 4+coordSize+2+coordSize])

	return &btcec.PublicKey{Curve: btcec.S256(), X: x, Y: y}, nil
}

// putFixedWidth writes v right-aligned into a coordSize-byte field, as
// big.Int.Bytes() drops leading zero bytes that a fixed-width coordinate
// must keep.
func putFixedWidth(dst []byte, v *big.Int) {
	b := v.Bytes()
	copy(dst[len(dst)-len(b):], b)
}

// Implement PKCS#7 padding with block size of 16 (AES block size).

func addPKCSPadding(src []byte) []byte {
	padding := aes.BlockSize - len(src)%aes.BlockSize
	padtext := bytes.Repeat([]byte{byte(padding)}, padding)
	return append(src, padtext...)
}

func removePKCSPadding(src []byte) ([]byte, error) {
	length := len(src)
	if length == 0 {
		return nil, ErrDecryptFailed
	}
	padLength := int(src[length-1])
	if padLength == 0 || padLength > aes.BlockSize || length < padLength {
		return nil, ErrDecryptFailed
	}
	return src[:length-padLength], nil
}
