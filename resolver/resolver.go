// Copyright (c) 2015 Monetas.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package resolver implements the Pubkey Resolver: given an address
// string, return the Pubkey it names, consulting the local store before
// falling back to the gateway, and restoring the local store's
// one-pubkey-per-ripe-hash invariant along the way.
package resolver

import (
	"context"
	"errors"
	"sort"

	"github.com/bitseal-go/bmcore/addr"
	"github.com/bitseal-go/bmcore/bmec"
	"github.com/bitseal-go/bmcore/gateway"
	"github.com/bitseal-go/bmcore/hash"
	"github.com/bitseal-go/bmcore/store"
	"github.com/bitseal-go/bmcore/wireobj"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btclog"
)

// log is the RSLV subsystem logger. It defaults to disabled; callers wire
// in a real logger via UseLogger.
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by the resolver package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// Errors returned by Resolve.
var (
	// ErrNotFound is returned when neither the local store nor the
	// gateway has the requested pubkey.
	ErrNotFound = errors.New("resolver: pubkey not found")

	// ErrInvalidPubkey is returned when a pubkey was retrieved from the
	// gateway but failed validation: its encrypted body could not be
	// decrypted or parsed, its signing and encryption keys don't hash to
	// the ripe the address commits to, or its signature does not verify.
	ErrInvalidPubkey = errors.New("resolver: pubkey failed validation")
)

// Gateway is the subset of the gateway HTTP client the resolver depends
// on: looking up a not-yet-cached pubkey either by its version 4+ lookup
// tag or, for older addresses, by the ripe-hash of the keys it commits
// to.
type Gateway interface {
	FetchPubkeyByTag(ctx context.Context, tag [32]byte) ([]byte, error)
	FetchPubkeyByRipe(ctx context.Context, ripe [20]byte) ([]byte, error)
}

// Resolver resolves addresses to Pubkeys.
type Resolver struct {
	store   store.Store
	gateway Gateway
}

// New returns a Resolver backed by s for caching and gw for fetching
// pubkeys the local store does not yet have.
func New(s store.Store, gw Gateway) *Resolver {
	return &Resolver{store: s, gateway: gw}
}

// Resolve returns the Pubkey for addressString, following §4.6: (1) look
// for a local cache hit by ripe-hash, restoring uniqueness if more than
// one is found; (2) otherwise request it from the gateway, by tag for
// version 4+ addresses and by ripe-hash below that; (3) validate the
// result against the ripe-hash the address commits to; (4) persist it
// and return.
func (r *Resolver) Resolve(ctx context.Context, addressString string) (*store.Pubkey, error) {
	version, stream, ripe, err := addr.Decode(addressString)
	if err != nil {
		return nil, err
	}

	cached, err := DeduplicateCache(r.store, ripe)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	log.Infof("pubkey for %s not cached, requesting from gateway", addressString)

	var raw []byte
	if version >= wireobj.EncryptedPubkeyVersion {
		raw, err = r.gateway.FetchPubkeyByTag(ctx, addr.Tag(version, stream, ripe))
	} else {
		raw, err = r.gateway.FetchPubkeyByRipe(ctx, ripe)
	}
	if err == gateway.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}

	pk, err := parseAndValidate(raw, addressString, version, stream, ripe)
	if err != nil {
		return nil, err
	}

	id, err := r.store.InsertPubkey(pk)
	if err != nil {
		return nil, err
	}
	pk.ID = id
	return pk, nil
}

// parseAndValidate parses a raw pubkey object payload, decrypting it
// first if it is an encrypted (version 4+) body, and checks that the
// signing and encryption keys it carries actually hash to ripe.
func parseAndValidate(raw []byte, addressString string, version, stream uint64, ripe [20]byte) (*store.Pubkey, error) {
	wpk, err := wireobj.ParsePubkey(raw)
	if err != nil {
		return nil, err
	}

	signingKey, encryptionKey := wpk.SigningKey, wpk.EncryptionKey

	if version >= wireobj.EncryptedPubkeyVersion {
		decrypted, err := decryptPubkeyBody(wpk.Encrypted, addressString, version, stream, ripe)
		if err != nil {
			return nil, ErrInvalidPubkey
		}
		inner, err := parsePlainPubkeyBody(decrypted)
		if err != nil {
			return nil, ErrInvalidPubkey
		}
		wpk.Behavior = inner.Behavior
		signingKey = inner.SigningKey
		encryptionKey = inner.EncryptionKey
		wpk.NonceTrialsPerByte = inner.NonceTrialsPerByte
		wpk.ExtraBytes = inner.ExtraBytes
		wpk.Signature = inner.Signature
	}

	gotRipe := hash.RipeFromSigningAndEncryptionKeys(signingKey[:], encryptionKey[:])
	if !bytesEqual(gotRipe, ripe[:]) {
		return nil, ErrInvalidPubkey
	}

	if version >= wireobj.ExtendedPubkeyVersion {
		if !verifySignature(signingKey, wpk.Behavior, encryptionKey, wpk.NonceTrialsPerByte, wpk.ExtraBytes, wpk.Signature) {
			return nil, ErrInvalidPubkey
		}
	}

	return &store.Pubkey{
		Ripe:                ripe,
		AddressVersion:      version,
		StreamNumber:        stream,
		Behavior:            wpk.Behavior,
		PublicSigningKey:    signingKey,
		PublicEncryptionKey: encryptionKey,
		NonceTrialsPerByte:  wpk.NonceTrialsPerByte,
		ExtraBytes:          wpk.ExtraBytes,
		Signature:           wpk.Signature,
		Time:                wpk.ExpiresTime,
		ExpiresTime:         wpk.ExpiresTime,
	}, nil
}

// decryptPubkeyBody decrypts an encrypted (version 4+) pubkey body using
// the private decryption key derived from the address itself: the same
// key the address's owner used to encrypt it, since the envelope's
// purpose is to gate pubkey visibility to holders of the address string,
// not to a third party.
func decryptPubkeyBody(encrypted []byte, addressString string, version, stream uint64, ripe [20]byte) ([]byte, error) {
	encryptionKey := addr.EncryptionKey(version, stream, ripe)
	priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), encryptionKey[:])
	return bmec.Decrypt(priv, encrypted)
}

// parsePlainPubkeyBody parses the plain (non-version-4+) field layout out
// of decrypted pubkey body bytes, by re-wrapping it in a version-3 object
// header wireobj.ParsePubkey already knows how to read.
func parsePlainPubkeyBody(body []byte) (wireobj.Pubkey, error) {
	synthetic := wireobj.PutObjectHeader(nil, 0, 1, wireobj.ObjectTypePubKey, wireobj.ExtendedPubkeyVersion, 1)
	synthetic = append(synthetic, body...)
	return wireobj.ParsePubkey(synthetic)
}

// verifySignature reports whether signature is a valid signing-key
// signature over the plain pubkey body it covers, using the same
// sha512-truncated-to-32-bytes digest the body is signed with.
func verifySignature(signingKey [wireobj.KeySize]byte, behavior uint32, encryptionKey [wireobj.KeySize]byte, ntpb, eb uint64, signature []byte) bool {
	pub, err := btcec.ParsePubKey(append([]byte{0x04}, signingKey[:]...), btcec.S256())
	if err != nil {
		return false
	}
	sig, err := btcec.ParseSignature(signature, btcec.S256())
	if err != nil {
		return false
	}
	unsigned := wireobj.PlainBody(behavior, signingKey, encryptionKey, ntpb, eb, nil)
	digest := hash.Sha512(unsigned)[:32]
	return sig.Verify(digest, pub)
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

// DeduplicateCache restores the local store's one-pubkey-per-ripe-hash
// invariant: if more than one cached Pubkey shares ripe, the one with the
// lowest ID (the oldest insertion) is kept and the rest are deleted. It
// returns the kept Pubkey, or nil if none were cached. This is the
// uniqueness-restoration step §4.6 describes; the periodic driver's
// broader duplicate-pubkey garbage collection (which additionally tears
// down stale dissemination Payloads and QueueRecords, and keeps the
// latest-expiring Pubkey rather than the oldest) is a related but
// distinct pass over the same ripe-hash dimension.
func DeduplicateCache(s store.Store, ripe [20]byte) (*store.Pubkey, error) {
	matches, err := s.ListPubkeysByRipe(ripe)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	kept := matches[0]

	if len(matches) > 1 {
		log.Infof("found %d duplicate cached pubkeys for one ripe-hash, "+
			"keeping the oldest and deleting the rest", len(matches))
		for _, dup := range matches[1:] {
			if err := s.DeletePubkey(dup.ID); err != nil {
				return nil, err
			}
		}
	}

	return kept, nil
}
