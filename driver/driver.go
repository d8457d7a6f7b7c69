// Copyright (c) 2015 Monetas.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package driver implements the Periodic Driver: the wall-clock-triggered
// entry point an external scheduler calls on every tick. It drains due
// queue records through the orchestrator, polls the gateway for inbound
// objects and hands them to the orchestrator, triggers database cleaning
// on a fixed interval, and re-disseminates a local identity's pubkey once
// it has gone stale.
package driver

import (
	"context"
	"sort"
	"time"

	"github.com/bitseal-go/bmcore/engine"
	"github.com/bitseal-go/bmcore/store"

	"github.com/DanielKrawisz/maxrate"
	"github.com/btcsuite/btclog"
	"github.com/ishbir/eventemitter"
)

// Event names emitted on a Driver's EventEmitter. The root RPC server
// subscribes to these to push notifications to connected UI clients,
// mirroring the teacher's rpcServer.evtMgr/NotifyObject wiring.
const (
	// EventMessageStatusChanged fires with the *store.Message whenever a
	// Dispatch call changes its Status field.
	EventMessageStatusChanged = "message-status-changed"

	// EventPubkeyDisseminated fires with the *store.Address whenever a
	// disseminate-pubkey record for it completes successfully.
	EventPubkeyDisseminated = "pubkey-disseminated"
)

// log is the DRVR subsystem logger. It defaults to disabled; callers wire
// in a real logger via UseLogger.
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by the driver package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// Engine is the subset of the orchestrator the driver depends on.
type Engine interface {
	Dispatch(ctx context.Context, q *store.QueueRecord) error
	ProcessInboundObject(ctx context.Context, raw []byte, toAddress *store.Address) error
}

// Gateway is the subset of the gateway client the driver depends on.
type Gateway interface {
	FetchInboundMessages(ctx context.Context, address string, since int64) ([][]byte, error)
}

// KeyProvider gates ticks on a data-at-rest key being available, for a
// store that encrypts itself at rest. A Driver built with a nil
// KeyProvider never gates on this and always proceeds.
type KeyProvider interface {
	Unlocked() bool
}

// Config carries the periodic driver's tunable parameters, all sourced
// from the daemon's configuration file.
type Config struct {
	// MinimumTimeBehindNetwork is the minimum number of seconds that
	// must have passed since the last check-for-messages poll before
	// another one is attempted.
	MinimumTimeBehindNetwork int64

	// TimeBetweenDatabaseCleaning is the minimum number of seconds that
	// must have passed since the last database-cleaning run before
	// another one is triggered.
	TimeBetweenDatabaseCleaning int64

	// KeyProvider optionally gates ticks on a data-at-rest key being
	// unlocked. May be left nil.
	KeyProvider KeyProvider
}

// DefaultConfig returns the Configuration table's defaults for the two
// numeric fields, with no KeyProvider.
func DefaultConfig() Config {
	return Config{
		MinimumTimeBehindNetwork:    30,
		TimeBetweenDatabaseCleaning: 3600,
	}
}

// Driver is the periodic driver. It holds the cross-tick bookkeeping
// (last poll time, last cleaning time) that has no natural home in
// store, since it tracks this process's own progress rather than any
// persisted entity's state.
type Driver struct {
	store   store.Store
	engine  Engine
	gateway Gateway
	cfg     Config

	pollLimiter *maxrate.MaxRate
	events      *eventemitter.EventEmitter

	lastMessagePoll   int64
	lastDatabaseClean int64
}

// CleaningFunc runs the external database-cleaning routine. The driver
// itself owns only the timing of when to call it, not what it does.
type CleaningFunc func(ctx context.Context) error

// New returns a Driver backed by s, e, and gw. pollBytesPerSecond caps how
// fast the check-for-messages poll loop consumes inbound object bytes,
// mirroring the rate-limited reads the teacher's peer connections apply
// to their own sockets.
func New(s store.Store, e Engine, gw Gateway, cfg Config, pollBytesPerSecond float64) *Driver {
	return &Driver{
		store:       s,
		engine:      e,
		gateway:     gw,
		cfg:         cfg,
		pollLimiter: maxrate.New(pollBytesPerSecond, 1),
		events:      eventemitter.New(),
	}
}

// Events returns the Driver's event emitter, on which callers such as the
// root RPC server may register listeners for EventMessageStatusChanged
// and EventPubkeyDisseminated.
func (d *Driver) Events() *eventemitter.EventEmitter {
	return d.events
}

// CleaningDue reports whether at least TimeBetweenDatabaseCleaning seconds
// have passed since the last database-cleaning run. Before any run the
// last-run time is zero, so the first call with a current Unix time
// reports true.
func (d *Driver) CleaningDue(now int64) bool {
	return now-d.lastDatabaseClean >= d.cfg.TimeBetweenDatabaseCleaning
}

// Tick runs one pass of periodic processing, per §4.8: (1) abort if a
// data-at-rest key is required and unavailable; (2) drain due queue
// records; (3) poll for inbound messages if enough time has passed; (4)
// trigger database cleaning if enough time has passed, via clean; (5)
// garbage-collect duplicate pubkeys and re-disseminate any that have gone
// stale.
func (d *Driver) Tick(ctx context.Context, clean CleaningFunc) error {
	if d.cfg.KeyProvider != nil && !d.cfg.KeyProvider.Unlocked() {
		log.Infof("data-at-rest key unavailable, skipping this tick")
		return nil
	}

	if err := d.drainDueQueueRecords(ctx); err != nil {
		return err
	}

	now := time.Now().Unix()

	if now-d.lastMessagePoll >= d.cfg.MinimumTimeBehindNetwork {
		d.checkForMessages(ctx)
		d.lastMessagePoll = now
	}

	if d.CleaningDue(now) {
		if clean != nil {
			if err := clean(ctx); err != nil {
				log.Warnf("database cleaning routine failed: %v", err)
			}
		}
		d.lastDatabaseClean = now
	}

	if err := d.checkPubkeyReDissemination(now); err != nil {
		return err
	}

	return nil
}

// drainDueQueueRecords advances every queue record whose trigger time has
// arrived, in trigger-time order, through the orchestrator. A single
// record's error is logged and does not abort the rest of the batch,
// matching §7's policy that store and network errors are fatal to the
// individual attempt but not to the process.
func (d *Driver) drainDueQueueRecords(ctx context.Context) error {
	due, err := d.store.ListDueQueueRecords(time.Now().Unix())
	if err != nil {
		return err
	}
	sort.Slice(due, func(i, j int) bool { return due[i].TriggerTime < due[j].TriggerTime })

	log.Infof("draining %d due queue record(s)", len(due))
	for _, q := range due {
		before := d.beforeDispatchState(q)
		if err := d.engine.Dispatch(ctx, q); err != nil {
			log.Warnf("dispatch of record %d (task %s) failed: %v", q.ID, q.Task, err)
		}
		d.emitDispatchEvents(q, before)
	}
	return nil
}

// dispatchState snapshots whatever a record's task kind needs compared
// before and after a Dispatch call to decide what, if anything, changed
// in a way worth notifying subscribers about.
type dispatchState struct {
	messageStatus    store.MessageStatus
	messageFound     bool
	payloadAddressID int64
	payloadFound     bool
}

func (d *Driver) beforeDispatchState(q *store.QueueRecord) dispatchState {
	var s dispatchState
	switch q.Task {
	case store.TaskSendMessage, store.TaskProcessOutgoingMessage, store.TaskDisseminateMessage:
		if msg, err := d.store.FetchMessage(q.Object0); err == nil {
			s.messageFound = true
			s.messageStatus = msg.Status
		}
	case store.TaskDisseminatePubkey:
		if payload, err := d.store.FetchPayload(q.Object0); err == nil {
			s.payloadFound = true
			s.payloadAddressID = payload.RelatedAddressID
		}
	}
	return s
}

// emitDispatchEvents compares before against q's post-Dispatch state and
// emits EventMessageStatusChanged or EventPubkeyDisseminated if the
// comparison indicates one occurred. Both are best-effort UI signals, not
// load-bearing state transitions, so a lookup failure here is silently
// ignored: no event is emitted and nothing is logged.
func (d *Driver) emitDispatchEvents(q *store.QueueRecord, before dispatchState) {
	switch q.Task {
	case store.TaskSendMessage, store.TaskProcessOutgoingMessage, store.TaskDisseminateMessage:
		msg, err := d.store.FetchMessage(q.Object0)
		if err != nil {
			return
		}
		if !before.messageFound || msg.Status != before.messageStatus {
			d.events.Emit(EventMessageStatusChanged, msg)
		}
	case store.TaskDisseminatePubkey:
		if !before.payloadFound {
			return
		}
		// The queue record is only ever deleted without deleting its
		// Payload on the successful gateway.PostObject path; the
		// expired-Payload rewind path deletes both together.
		if _, err := d.store.FetchQueueRecord(q.ID); err != store.ErrNotFound {
			return
		}
		if _, err := d.store.FetchPayload(q.Object0); err != nil {
			return
		}
		address, err := d.store.FetchAddress(before.payloadAddressID)
		if err != nil {
			return
		}
		d.events.Emit(EventPubkeyDisseminated, address)
	}
}

// checkForMessages polls the gateway for every local identity in turn,
// repeatedly until a poll returns nothing new, handing each inbound
// object to the orchestrator. We do not create queue records for this
// task: it is a default action carried out on every tick regardless.
func (d *Driver) checkForMessages(ctx context.Context) {
	addresses, err := d.store.ListAddresses()
	if err != nil {
		log.Warnf("listing addresses for check-for-messages failed: %v", err)
		return
	}

	for _, a := range addresses {
		if !a.Enabled {
			continue
		}
		d.pollAddressUntilCaughtUp(ctx, a)
	}
}

func (d *Driver) pollAddressUntilCaughtUp(ctx context.Context, a *store.Address) {
	since := d.lastMessagePoll
	for {
		objects, err := d.gateway.FetchInboundMessages(ctx, a.AddressString, since)
		if err != nil {
			log.Warnf("fetching inbound messages for %s failed: %v", a.AddressString, err)
			return
		}
		if len(objects) == 0 {
			return
		}

		d.pollLimiter.Transfer(float64(totalBytes(objects)))

		for _, raw := range objects {
			if err := d.engine.ProcessInboundObject(ctx, raw, a); err != nil {
				log.Warnf("processing inbound object for %s failed: %v", a.AddressString, err)
			}
		}
	}
}

func totalBytes(objects [][]byte) int {
	n := 0
	for _, o := range objects {
		n += len(o)
	}
	return n
}

// checkPubkeyReDissemination garbage-collects duplicate cached pubkeys
// for our own addresses and, for any address whose pubkey was last
// disseminated at least engine.PubkeyTTL seconds ago, enqueues a fresh
// create-identity task. create-identity always builds a new Payload and
// immediately chains a disseminate-pubkey record onto it, so regenerating
// from there — rather than trying to target a now-possibly-deleted
// Payload directly — is what actually gets a fresh pubkey back out onto
// the network.
func (d *Driver) checkPubkeyReDissemination(now int64) error {
	addresses, err := d.store.ListAddresses()
	if err != nil {
		return err
	}
	if len(addresses) == 0 {
		return nil
	}

	if err := d.deleteDuplicatePubkeys(addresses); err != nil {
		return err
	}

	for _, a := range addresses {
		if !a.Enabled {
			continue
		}
		if now-a.LastPubkeyDissemination < engine.PubkeyTTL {
			continue
		}

		existing, err := d.store.ListQueueRecordsByTaskAndObject0(store.TaskCreateIdentity, a.ID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}

		log.Infof("address %s's pubkey was last disseminated %s ago, re-disseminating",
			a.AddressString, time.Duration(now-a.LastPubkeyDissemination)*time.Second)
		if _, err := d.store.InsertQueueRecord(&store.QueueRecord{
			Task:        store.TaskCreateIdentity,
			Object0:     a.ID,
			TriggerTime: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// deleteDuplicatePubkeys finds, for each local address, any cached
// pubkeys sharing its ripe-hash beyond the one with the latest expiration
// time, and deletes them along with every Payload (and any
// disseminate-pubkey QueueRecord referencing one) tied to that address —
// forcing a clean create-identity cycle rather than leaving stale
// dissemination artifacts behind. This keeps the latest-expiring pubkey,
// unlike the resolver cache's DeduplicateCache, which keeps the
// oldest-inserted one; the two apply different tie-break rules for
// different reasons and are not unified.
func (d *Driver) deleteDuplicatePubkeys(addresses []*store.Address) error {
	for _, a := range addresses {
		matches, err := d.store.ListPubkeysByRipe(a.Ripe)
		if err != nil {
			return err
		}
		if len(matches) <= 1 {
			continue
		}

		var latest *store.Pubkey
		for _, p := range matches {
			if latest == nil || p.ExpiresTime > latest.ExpiresTime {
				latest = p
			}
		}

		log.Infof("found %d duplicate pubkey(s) for address %s, keeping the one expiring latest",
			len(matches)-1, a.AddressString)

		for _, p := range matches {
			if p.ID == latest.ID {
				continue
			}
			if err := d.store.DeletePubkey(p.ID); err != nil {
				return err
			}
		}

		if err := d.deletePubkeyDisseminationArtifacts(a.ID); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) deletePubkeyDisseminationArtifacts(addressID int64) error {
	payloads, err := d.store.ListPayloadsByRelatedAddressID(addressID)
	if err != nil {
		return err
	}
	for _, payload := range payloads {
		records, err := d.store.ListQueueRecordsByTaskAndObject0(store.TaskDisseminatePubkey, payload.ID)
		if err != nil {
			return err
		}
		for _, q := range records {
			if err := d.store.DeleteQueueRecord(q.ID); err != nil {
				return err
			}
		}
		if err := d.store.DeletePayload(payload.ID); err != nil {
			return err
		}
	}
	return nil
}
