package hash_test

import (
	"encoding/hex"
	"testing"

	"github.com/bitseal-go/bmcore/hash"
)

func TestDoubleSha512(t *testing.T) {
	got := hash.DoubleSha512([]byte("test"))
	if len(got) != 64 {
		t.Fatalf("DoubleSha512 returned %d bytes, want 64", len(got))
	}

	once := hash.Sha512([]byte("test"))
	twice := hash.Sha512(once)
	if hex.EncodeToString(got) != hex.EncodeToString(twice) {
		t.Fatal("DoubleSha512 is not Sha512(Sha512(x))")
	}
}

func TestRipemd160Length(t *testing.T) {
	got := hash.Ripemd160([]byte("test"))
	if len(got) != 20 {
		t.Fatalf("Ripemd160 returned %d bytes, want 20", len(got))
	}
}

func TestRipeFromSigningAndEncryptionKeys(t *testing.T) {
	sk := make([]byte, 64)
	ek := make([]byte, 64)
	ripe := hash.RipeFromSigningAndEncryptionKeys(sk, ek)
	if len(ripe) != 20 {
		t.Fatalf("ripe length = %d, want 20", len(ripe))
	}
}
