package pow_test

import (
	"testing"

	"github.com/bitseal-go/bmcore/pow"
)

func TestTargetConcreteExample(t *testing.T) {
	got := pow.Target(1000, 1000, 1000, 300)
	want := int64(9182052799258)
	if got != want {
		t.Fatalf("Target() = %d, want %d", got, want)
	}
}

func TestTargetMonotonicity(t *testing.T) {
	base := pow.Target(1000, 1000, 1000, 300)

	if harder := pow.Target(2000, 1000, 1000, 300); harder >= base {
		t.Errorf("increasing length did not decrease target: %d >= %d", harder, base)
	}
	if harder := pow.Target(1000, 2000, 1000, 300); harder >= base {
		t.Errorf("increasing nonceTrialsPerByte did not decrease target: %d >= %d", harder, base)
	}
	if harder := pow.Target(1000, 1000, 2000, 300); harder >= base {
		t.Errorf("increasing extraBytes did not decrease target: %d >= %d", harder, base)
	}
	if harder := pow.Target(1000, 1000, 1000, 600); harder >= base {
		t.Errorf("increasing TTL did not decrease target: %d >= %d", harder, base)
	}
}

func TestEffectiveTimeToLiveClamp(t *testing.T) {
	if got := pow.EffectiveTimeToLive(-10); got != pow.MinimumTimeToLiveValue {
		t.Errorf("EffectiveTimeToLive(-10) = %d, want %d", got, pow.MinimumTimeToLiveValue)
	}
	if got := pow.EffectiveTimeToLive(600); got != 600 {
		t.Errorf("EffectiveTimeToLive(600) = %d, want 600", got)
	}
}

func TestDoPOWInvalidParameter(t *testing.T) {
	_, err := pow.DoPOW([]byte("payload"), 0, 0, 0, 1000, nil)
	if err != pow.ErrInvalidParameter {
		t.Fatalf("got %v, want ErrInvalidParameter", err)
	}
	_, err = pow.DoPOW([]byte("payload"), 0, 0, 1000, 0, nil)
	if err != pow.ErrInvalidParameter {
		t.Fatalf("got %v, want ErrInvalidParameter", err)
	}
}

func TestDoPOWCheckPOWRoundTrip(t *testing.T) {
	payload := []byte("a short test payload for proof of work")
	now := int64(1000000)
	expires := now + 3600

	nonce, err := pow.DoPOW(payload, expires, now, 1000, 1000, nil)
	if err != nil {
		t.Fatalf("DoPOW: %v", err)
	}

	ok, err := pow.CheckPOW(payload, nonce, expires, now, 1000, 1000)
	if err != nil {
		t.Fatalf("CheckPOW: %v", err)
	}
	if !ok {
		t.Fatal("CheckPOW rejected a nonce produced by DoPOW")
	}
}

func TestCheckPOWBoundary(t *testing.T) {
	payload := make([]byte, 1000)
	now := int64(0)
	expires := int64(300) // TTL clamps to 300 either way

	target := pow.Target(len(payload), 1000, 1000, 300)

	// A nonce whose value lands exactly on the target can't be built
	// through the public API, so this checks the edge that can be reached:
	// with the time-to-live exactly at the 300 s floor, the nonce DoPOW
	// finds (its value is <= target) must be accepted by CheckPOW under
	// the same parameters.
	nonce, err := pow.DoPOW(payload, expires, now, 1000, 1000, nil)
	if err != nil {
		t.Fatalf("DoPOW: %v", err)
	}
	ok, err := pow.CheckPOW(payload, nonce, expires, now, 1000, 1000)
	if err != nil || !ok {
		t.Fatalf("CheckPOW(%d) = %v, %v, want true, nil", nonce, ok, err)
	}
	_ = target
}

func TestCheckPOWMalformed(t *testing.T) {
	_, err := pow.CheckPOW([]byte{1, 2, 3}, 0, 0, 0, 1000, 1000)
	if err != pow.ErrMalformed {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}

func TestDoPOWCancellation(t *testing.T) {
	cancel := make(chan struct{})
	close(cancel)

	// An already-cancelled search over a payload that is astronomically
	// unlikely to have small nonces satisfy it should return promptly
	// with ErrCancelled rather than hang. We use an impossible target by
	// way of a huge extraBytes so that even if cancellation raced with an
	// early success it would not be found.
	_, err := pow.DoPOW([]byte("payload"), 0, 0, 1000, 1<<40, cancel)
	if err != pow.ErrCancelled {
		t.Fatalf("got %v, want ErrCancelled", err)
	}
}
