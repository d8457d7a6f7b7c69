// Copyright (c) 2015 Monetas.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bmec_test

import (
	"bytes"
	"testing"

	"github.com/bitseal-go/bmcore/bmec"

	"github.com/btcsuite/btcd/btcec"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}

	plaintext := []byte("a pubkey or message payload to protect")

	envelope, err := bmec.Encrypt(priv.PubKey(), plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := bmec.Decrypt(priv, envelope)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Decrypt() = %q, want %q", got, plaintext)
	}
}

func TestEncryptProducesDistinctEnvelopes(t *testing.T) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}

	plaintext := []byte("same plaintext twice")

	first, err := bmec.Encrypt(priv.PubKey(), plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	second, err := bmec.Encrypt(priv.PubKey(), plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Fatal("two encryptions of the same plaintext produced identical envelopes; ephemeral key/IV reuse")
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	priv1, _ := btcec.NewPrivateKey(btcec.S256())
	priv2, _ := btcec.NewPrivateKey(btcec.S256())

	envelope, err := bmec.Encrypt(priv1.PubKey(), []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := bmec.Decrypt(priv2, envelope); err != bmec.ErrDecryptFailed {
		t.Fatalf("got %v, want ErrDecryptFailed", err)
	}
}

func TestDecryptTamperedMACFails(t *testing.T) {
	priv, _ := btcec.NewPrivateKey(btcec.S256())

	envelope, err := bmec.Encrypt(priv.PubKey(), []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	envelope[len(envelope)-1] ^= 0xff

	if _, err := bmec.Decrypt(priv, envelope); err != bmec.ErrDecryptFailed {
		t.Fatalf("got %v, want ErrDecryptFailed", err)
	}
}

func TestDecryptTooShortFails(t *testing.T) {
	if _, err := bmec.Decrypt(nil, []byte{1, 2, 3}); err != bmec.ErrMalformed {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}

func TestEncryptDecryptEmptyPlaintext(t *testing.T) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}

	envelope, err := bmec.Encrypt(priv.PubKey(), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := bmec.Decrypt(priv, envelope)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Decrypt(Encrypt(nil)) = %q, want empty", got)
	}
}
