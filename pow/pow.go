// Copyright (c) 2015 Monetas.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package pow computes and verifies the proof-of-work nonce that gates
// admission of an object to the network. The target formula and search
// are bit-compatible with the reference Bitmessage protocol v3 network.
package pow

import (
	"encoding/binary"
	"errors"
	"math/big"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/bitseal-go/bmcore/hash"

	"github.com/btcsuite/btclog"
)

// MinimumTimeToLiveValue is the floor applied to the 'time to live' value
// used in the target calculation: objects expiring sooner than this are
// treated as if they had this much time left, so that cheaply-expiring
// objects can't also demand vanishingly little proof of work.
const MinimumTimeToLiveValue = 300

// ErrInvalidParameter is returned by DoPOW when nonceTrialsPerByte or
// extraBytes is zero, which would make the target calculation divide by
// zero.
var ErrInvalidParameter = errors.New("pow: nonceTrialsPerByte and extraBytes must be non-zero")

// ErrMalformed is returned by CheckPOW when the payload is too short to
// contain a valid proof-of-work hash input.
var ErrMalformed = errors.New("pow: payload too short to check")

// ErrCancelled is returned by DoPOW when the supplied cancel channel is
// closed before a satisfying nonce is found.
var ErrCancelled = errors.New("pow: cancelled")

// log is the subsystem logger for this package. It defaults to disabled;
// callers wire in a real logger via UseLogger, mirroring the rest of the
// ambient logging stack.
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by the pow package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// Target returns the 64-bit proof-of-work target for a payload of the
// given length, interpreted as a signed int64 for comparison purposes, as
// the reference ecosystem stores it. The arithmetic is done with
// arbitrary-precision integers to avoid the overflow that a naive 64-bit
// computation would suffer, exactly mirroring the BigInteger-based
// reference calculation.
func Target(length int, nonceTrialsPerByte, extraBytes, timeToLive uint64) int64 {
	if timeToLive < MinimumTimeToLiveValue {
		timeToLive = MinimumTimeToLiveValue
	}

	lengthPlusExtra := big.NewInt(int64(length) + int64(extraBytes))

	timeValue := new(big.Int).Mul(lengthPlusExtra, big.NewInt(int64(timeToLive)))
	timeValue.Rsh(timeValue, 16) // divide by 2^16

	divisor := new(big.Int).Add(lengthPlusExtra, timeValue)
	divisor.Mul(divisor, big.NewInt(int64(nonceTrialsPerByte)))

	two64 := new(big.Int).Lsh(big.NewInt(1), 64)
	target := new(big.Int).Div(two64, divisor)

	// The division guarantees target < 2^64; interpreting its low 64 bits
	// as an unsigned value and converting to int64 reproduces the
	// reference ecosystem's signed-comparison quirk.
	return int64(target.Uint64())
}

// EffectiveTimeToLive clamps a candidate time-to-live (in seconds) to the
// minimum the network honours.
func EffectiveTimeToLive(ttl int64) uint64 {
	if ttl < MinimumTimeToLiveValue {
		return MinimumTimeToLiveValue
	}
	return uint64(ttl)
}

// candidateValue computes the signed 64-bit value associated with a
// candidate nonce over a payload whose SHA-512 digest is initialHash:
// the first 8 bytes, big-endian, of SHA-512(SHA-512(nonce_be ‖
// initialHash)).
func candidateValue(nonce uint64, initialHash []byte) int64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)

	toHash := make([]byte, 0, 8+len(initialHash))
	toHash = append(toHash, buf[:]...)
	toHash = append(toHash, initialHash...)

	digest := hash.DoubleSha512(toHash)
	return int64(binary.BigEndian.Uint64(digest[:8]))
}

// DoPOW computes a nonce for payload such that CheckPOW(payload, nonce,
// expirationTime, nonceTrialsPerByte, extraBytes) succeeds. The search
// fans out across GOMAXPROCS goroutines, each scanning a disjoint residue
// class of nonce space; all goroutines stop cooperatively as soon as one
// finds a satisfying nonce, or earlier if cancel is closed.
func DoPOW(payload []byte, expirationTime, now int64, nonceTrialsPerByte, extraBytes uint64, cancel <-chan struct{}) (uint64, error) {
	if nonceTrialsPerByte == 0 || extraBytes == 0 {
		return 0, ErrInvalidParameter
	}

	timeToLive := EffectiveTimeToLive(expirationTime - now)
	target := Target(len(payload), nonceTrialsPerByte, extraBytes, timeToLive)

	log.Debugf("Doing POW for a %d byte payload: nonceTrialsPerByte=%d "+
		"extraBytes=%d timeToLive=%ds target=%d",
		len(payload), nonceTrialsPerByte, extraBytes, timeToLive, target)

	initialHash := hash.Sha512(payload)

	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}

	var found atomic.Value // uint64, the winning nonce
	var done int32
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(start uint64, stride uint64) {
			defer wg.Done()
			for n := start; ; n += stride {
				if atomic.LoadInt32(&done) != 0 {
					return
				}

				// Check the cancel channel roughly once per batch rather
				// than on every iteration; the done flag above is checked
				// every time.
				if n%4096 == start%4096 {
					select {
					case <-cancel:
						atomic.StoreInt32(&done, 1)
						return
					default:
					}
				}

				v := candidateValue(n, initialHash)
				if v >= 0 && v <= target {
					if atomic.CompareAndSwapInt32(&done, 0, 1) {
						found.Store(n)
					}
					return
				}
			}
		}(uint64(w), uint64(workers))
	}

	wg.Wait()

	nonce, ok := found.Load().(uint64)
	if !ok {
		return 0, ErrCancelled
	}
	return nonce, nil
}

// CheckPOW reports whether nonce is a valid proof-of-work solution for
// payload given the expiration time and difficulty parameters.
func CheckPOW(payload []byte, nonce uint64, expirationTime, now int64, nonceTrialsPerByte, extraBytes uint64) (bool, error) {
	if len(payload) < 8 {
		return false, ErrMalformed
	}

	timeToLive := EffectiveTimeToLive(expirationTime - now)
	target := Target(len(payload), nonceTrialsPerByte, extraBytes, timeToLive)

	initialHash := hash.Sha512(payload)
	v := candidateValue(nonce, initialHash)

	return v >= 0 && v <= target, nil
}
