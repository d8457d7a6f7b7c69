// Copyright (c) 2015 Monetas.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package queue implements the retry-queue bookkeeping the orchestrator
// relies on but that doesn't belong to any one task kind: TTL constants,
// the deduplication algorithm that keeps at most two live records per
// outgoing message, and the expiry and attempt-count guards the engine
// checks before acting on a record.
package queue

import (
	"sort"

	"github.com/bitseal-go/bmcore/store"

	"github.com/btcsuite/btclog"
)

// log is the QUEUE subsystem logger. It defaults to disabled; callers
// wire in a real logger via UseLogger.
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by the queue package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// TTL and attempt-count constants from spec.md §4.7.
const (
	// FirstAttemptTTL is the trigger-time offset used for a queue
	// record's first attempt at its task.
	FirstAttemptTTL = 3600

	// SubsequentAttemptsTTL is the trigger-time offset used for every
	// attempt after the first.
	SubsequentAttemptsTTL = 86400

	// MinimumTimeToLive is the remaining-lifetime floor a Payload must
	// clear before it is disseminated; below it, the Payload is
	// discarded and the flow rewound to its regeneration step.
	MinimumTimeToLive = 120

	// MaximumAttempts is the attempt count beyond which a queue record
	// is deleted and its Message marked failed.
	MaximumAttempts = 500
)

// TTLForAttempt returns the trigger-time offset appropriate for a record
// on its (attempts+1)th attempt: FirstAttemptTTL when attempts is 0 (this
// is the first attempt), SubsequentAttemptsTTL otherwise.
func TTLForAttempt(attempts int) int64 {
	if attempts == 0 {
		return FirstAttemptTTL
	}
	return SubsequentAttemptsTTL
}

// ExceedsMaxAttempts reports whether a record has made more attempts than
// MaximumAttempts allows.
func ExceedsMaxAttempts(attempts int) bool {
	return attempts > MaximumAttempts
}

// BelowMinimumTimeToLive reports whether a Payload expiring at
// expiresTime has less than MinimumTimeToLive seconds left as of now.
func BelowMinimumTimeToLive(expiresTime, now int64) bool {
	return expiresTime-now < MinimumTimeToLive
}

// Deduplicate enforces "at most two live records per outgoing message"
// for q against every other record sharing its (task, object0) pair: if
// more than one other record matches, all but the earliest-triggering are
// deleted; if the surviving match still triggers earlier than q, q's
// trigger-time is pushed forward by the TTL appropriate to that match's
// generation and q is persisted. It reports whether q's trigger-time was
// adjusted.
func Deduplicate(s store.Store, q *store.QueueRecord) (bool, error) {
	candidates, err := s.ListQueueRecordsByTaskAndObject0(q.Task, q.Object0)
	if err != nil {
		return false, err
	}

	var matches []*store.QueueRecord
	for _, c := range candidates {
		if c.ID != q.ID {
			matches = append(matches, c)
		}
	}

	if len(matches) > 1 {
		matches, err = keepEarliestAndDeleteRest(s, matches)
		if err != nil {
			return false, err
		}
	}

	for _, match := range matches {
		if match.TriggerTime < q.TriggerTime {
			q.TriggerTime = match.TriggerTime + TTLForAttempt(match.Attempts)
			log.Infof("pushing queue record %d's trigger time forward to "+
				"%d because record %d for the same object triggers earlier",
				q.ID, q.TriggerTime, match.ID)
			if err := s.UpdateQueueRecord(q); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// keepEarliestAndDeleteRest deletes every record in matches except the
// one with the earliest trigger-time, returning a slice containing only
// the survivor.
func keepEarliestAndDeleteRest(s store.Store, matches []*store.QueueRecord) ([]*store.QueueRecord, error) {
	sorted := append([]*store.QueueRecord(nil), matches...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TriggerTime < sorted[j].TriggerTime })

	survivor := sorted[0]
	for _, dup := range sorted[1:] {
		log.Infof("deleting duplicate queue record %d, keeping %d with "+
			"the earlier trigger time", dup.ID, survivor.ID)
		if err := s.DeleteQueueRecord(dup.ID); err != nil {
			return nil, err
		}
	}
	return []*store.QueueRecord{survivor}, nil
}
