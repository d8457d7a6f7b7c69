// Copyright (c) 2015 Monetas.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package engine implements the orchestrator: the state machine that
// drives a QueueRecord through whichever of the five task kinds it names
// until the underlying Address, Pubkey, Payload, or Message reaches a
// terminal state. The periodic driver decides when a record is due;
// engine decides what happens to it.
package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/bitseal-go/bmcore/addr"
	"github.com/bitseal-go/bmcore/bmec"
	"github.com/bitseal-go/bmcore/codec"
	"github.com/bitseal-go/bmcore/hash"
	"github.com/bitseal-go/bmcore/pow"
	"github.com/bitseal-go/bmcore/queue"
	"github.com/bitseal-go/bmcore/resolver"
	"github.com/bitseal-go/bmcore/store"
	"github.com/bitseal-go/bmcore/wireobj"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btclog"
)

// log is the ENGN subsystem logger. It defaults to disabled; callers wire
// in a real logger via UseLogger.
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by the engine package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// PubkeyTTL and MessageTTL are the lifetimes given to objects this
// package constructs. PubkeyTTL matches the periodic driver's 28-day
// re-dissemination interval, since there is no reason for a pubkey to
// outlive the point at which it gets refreshed anyway. MessageTTL is
// shorter: an undelivered message isn't worth carrying once its
// recipient has had ample time to fetch it.
const (
	PubkeyTTL  = 28 * 24 * 3600
	MessageTTL = 2 * 24 * 3600
)

// errMalformedPlaintext is returned by decodeMessagePlaintext when a
// decrypted msg body is too short or carries a length field that runs
// past the end of the buffer.
var errMalformedPlaintext = errors.New("engine: malformed message plaintext")

// TaskOutcome classifies how a task handler's attempt went, so Dispatch
// can decide what happens to the record without the handler reaching
// into queue bookkeeping itself.
type TaskOutcome int

const (
	// OutcomeDone means the task completed; the record is deleted, with
	// any follow-on record already inserted by the handler.
	OutcomeDone TaskOutcome = iota

	// OutcomeRetry means the attempt failed in a way that's expected to
	// resolve itself; the record's attempt count is bumped and its
	// trigger-time pushed forward by the TTL its new attempt count
	// implies.
	OutcomeRetry

	// OutcomeDropped means the object the record refers to no longer
	// exists; the record is deleted without further action.
	OutcomeDropped

	// OutcomeFailed means the task cannot succeed; the record is
	// deleted and, for task kinds whose object0 is a Message, that
	// Message is marked failed.
	OutcomeFailed
)

// Config carries the orchestrator's tunable parameters, all sourced from
// the daemon's configuration file.
type Config struct {
	// DoPOW gates whether the engine actually searches for a
	// proof-of-work nonce before disseminating an object, or emits it
	// with a zero nonce. Disabling it is only useful against a gateway
	// that doesn't enforce proof-of-work itself.
	DoPOW bool

	// NetworkNonceTrialsPerByte and NetworkExtraBytes are the
	// difficulty parameters used for objects whose required difficulty
	// isn't dictated by a specific identity's own settings — currently
	// only outgoing messages, which the receiving network validates
	// against the network-wide default rather than the recipient's
	// personal pubkey settings.
	NetworkNonceTrialsPerByte uint64
	NetworkExtraBytes         uint64
}

// Resolver is the subset of the pubkey resolver the engine depends on.
type Resolver interface {
	Resolve(ctx context.Context, addressString string) (*store.Pubkey, error)
}

// Gateway is the subset of the gateway client the engine depends on.
type Gateway interface {
	PostObject(ctx context.Context, object []byte) error
}

// Engine is the orchestrator. It holds no state of its own beyond its
// dependencies; every fact it acts on lives in store.
type Engine struct {
	store    store.Store
	resolver Resolver
	gateway  Gateway
	cfg      Config
}

// New returns an Engine backed by s for persistence, r for resolving
// recipient pubkeys, and gw for submitting finished objects.
func New(s store.Store, r Resolver, gw Gateway, cfg Config) *Engine {
	return &Engine{store: s, resolver: r, gateway: gw, cfg: cfg}
}

// Dispatch drives q one step further. It is the only entry point the
// periodic driver calls for a due record; everything else in this
// package is reached only from here or from inbound-object processing.
func (e *Engine) Dispatch(ctx context.Context, q *store.QueueRecord) error {
	if queue.ExceedsMaxAttempts(q.Attempts) {
		log.Warnf("record %d for task %s exceeded %d attempts, giving up",
			q.ID, q.Task, queue.MaximumAttempts)
		return e.giveUp(q)
	}

	adjusted, err := queue.Deduplicate(e.store, q)
	if err != nil {
		return err
	}
	if adjusted {
		return nil
	}

	var outcome TaskOutcome
	switch q.Task {
	case store.TaskCreateIdentity:
		outcome, err = e.createIdentity(ctx, q)
	case store.TaskDisseminatePubkey:
		outcome, err = e.disseminatePubkey(ctx, q)
	case store.TaskSendMessage:
		outcome, err = e.sendMessage(ctx, q)
	case store.TaskProcessOutgoingMessage:
		outcome, err = e.processOutgoingMessage(ctx, q)
	case store.TaskDisseminateMessage:
		outcome, err = e.disseminateMessage(ctx, q)
	default:
		return fmt.Errorf("engine: unknown task kind %q", q.Task)
	}

	if err != nil {
		log.Warnf("task %s (record %d) failed: %v", q.Task, q.ID, err)
		outcome = OutcomeRetry
	}

	switch outcome {
	case OutcomeDone, OutcomeDropped:
		return e.store.DeleteQueueRecord(q.ID)
	case OutcomeFailed:
		return e.giveUp(q)
	case OutcomeRetry:
		q.Attempts++
		q.TriggerTime = time.Now().Unix() + queue.TTLForAttempt(q.Attempts)
		return e.store.UpdateQueueRecord(q)
	default:
		return fmt.Errorf("engine: handler for %s returned unknown outcome %d", q.Task, outcome)
	}
}

// giveUp deletes q and, for the task kinds whose object0 names a
// Message, marks that Message failed.
func (e *Engine) giveUp(q *store.QueueRecord) error {
	switch q.Task {
	case store.TaskSendMessage, store.TaskProcessOutgoingMessage, store.TaskDisseminateMessage:
		msg, err := e.store.FetchMessage(q.Object0)
		if err != nil && err != store.ErrNotFound {
			return err
		}
		if err == nil {
			msg.Status = store.StatusFailed
			if err := e.store.UpdateMessage(msg); err != nil {
				return err
			}
			log.Warnf("message %d marked failed after exceeding %d attempts",
				msg.ID, queue.MaximumAttempts)
		}
	}
	return e.store.DeleteQueueRecord(q.ID)
}

// createIdentity builds and proof-of-works a pubkey object for an
// Address, stores it as a Payload, and emits a disseminate-pubkey
// record. object0 is the Address.
func (e *Engine) createIdentity(ctx context.Context, q *store.QueueRecord) (TaskOutcome, error) {
	address, err := e.store.FetchAddress(q.Object0)
	if err == store.ErrNotFound {
		return OutcomeDropped, nil
	}
	if err != nil {
		return OutcomeRetry, err
	}

	data, err := e.buildOwnPubkeyObject(address)
	if err != nil {
		return OutcomeRetry, err
	}

	payload := &store.Payload{
		RelatedAddressID: address.ID,
		BelongsToMe:      true,
		POWDone:          e.cfg.DoPOW,
		ObjectType:       uint32(wireobj.ObjectTypePubKey),
		Data:             data,
	}
	payloadID, err := e.store.InsertPayload(payload)
	if err != nil {
		return OutcomeRetry, err
	}

	now := time.Now().Unix()
	next := &store.QueueRecord{Task: store.TaskDisseminatePubkey, Object0: payloadID, TriggerTime: now}
	if _, err := e.store.InsertQueueRecord(next); err != nil {
		return OutcomeRetry, err
	}

	address.LastPubkeyDissemination = now
	if err := e.store.UpdateAddress(address); err != nil {
		return OutcomeRetry, err
	}

	return OutcomeDone, nil
}

// buildOwnPubkeyObject constructs and proof-of-works the pubkey object
// for one of our own addresses, deriving its public keys from the
// address's stored private keys and, for address version 3 and above,
// signing the body with the signing key.
func (e *Engine) buildOwnPubkeyObject(address *store.Address) ([]byte, error) {
	signingPriv, signingPub := btcec.PrivKeyFromBytes(btcec.S256(), address.PrivateSigningKey[:])
	_, encryptionPub := btcec.PrivKeyFromBytes(btcec.S256(), address.PrivateEncryptionKey[:])

	var signingKey, encryptionKey [wireobj.KeySize]byte
	copy(signingKey[:], signingPub.SerializeUncompressed()[1:])
	copy(encryptionKey[:], encryptionPub.SerializeUncompressed()[1:])

	const behavior uint32 = 0

	var signature []byte
	if address.AddressVersion >= wireobj.ExtendedPubkeyVersion {
		unsigned := wireobj.PlainBody(behavior, signingKey, encryptionKey, address.NonceTrialsPerByte, address.ExtraBytes, nil)
		sig, err := signingPriv.Sign(hash.Sha512(unsigned)[:32])
		if err != nil {
			return nil, err
		}
		signature = sig.Serialize()
	}

	pk := wireobj.Pubkey{
		ObjectHeader: wireobj.ObjectHeader{
			ExpiresTime:    time.Now().Unix() + PubkeyTTL,
			ObjectType:     wireobj.ObjectTypePubKey,
			AddressVersion: address.AddressVersion,
			StreamNumber:   address.StreamNumber,
		},
	}

	if address.AddressVersion >= wireobj.EncryptedPubkeyVersion {
		inner := wireobj.PlainBody(behavior, signingKey, encryptionKey, address.NonceTrialsPerByte, address.ExtraBytes, signature)
		envelopeKey := addr.EncryptionKey(address.AddressVersion, address.StreamNumber, address.Ripe)
		_, envelopePub := btcec.PrivKeyFromBytes(btcec.S256(), envelopeKey[:])
		encrypted, err := bmec.Encrypt(envelopePub, inner)
		if err != nil {
			return nil, err
		}
		pk.Tag = addr.Tag(address.AddressVersion, address.StreamNumber, address.Ripe)
		pk.Encrypted = encrypted
	} else {
		pk.Behavior = behavior
		pk.SigningKey = signingKey
		pk.EncryptionKey = encryptionKey
		pk.NonceTrialsPerByte = address.NonceTrialsPerByte
		pk.ExtraBytes = address.ExtraBytes
		pk.Signature = signature
	}

	return e.powAndMarshal(pk.ExpiresTime, address.NonceTrialsPerByte, address.ExtraBytes, func(nonce uint64) ([]byte, error) {
		pk.Nonce = nonce
		return wireobj.MarshalPubkey(pk)
	})
}

// powAndMarshal runs proof-of-work for an object produced by marshal — a
// function that serializes the object given a candidate nonce — and
// returns the bytes with a satisfying nonce installed. marshal is called
// with nonce 0 to obtain the bytes proof-of-work is computed over (every
// object's nonce is its first 8 bytes, which pow.DoPOW's target
// calculation excludes), then again with the winning nonce.
func (e *Engine) powAndMarshal(expiresTime int64, ntpb, eb uint64, marshal func(nonce uint64) ([]byte, error)) ([]byte, error) {
	withoutNonce, err := marshal(0)
	if err != nil {
		return nil, err
	}
	if len(withoutNonce) < 8 {
		return nil, errors.New("engine: marshaled object shorter than its own nonce field")
	}

	if !e.cfg.DoPOW {
		log.Warnf("DoPOW disabled, emitting an object with a zero proof-of-work nonce")
		return withoutNonce, nil
	}

	nonce, err := pow.DoPOW(withoutNonce[8:], expiresTime, time.Now().Unix(), ntpb, eb, nil)
	if err != nil {
		return nil, err
	}
	return marshal(nonce)
}

// disseminatePubkey posts a previously built pubkey Payload to the
// gateway. object0 is the Payload.
func (e *Engine) disseminatePubkey(ctx context.Context, q *store.QueueRecord) (TaskOutcome, error) {
	payload, err := e.store.FetchPayload(q.Object0)
	if err == store.ErrNotFound {
		return OutcomeDropped, nil
	}
	if err != nil {
		return OutcomeRetry, err
	}

	hdr, err := wireobj.ParseObjectHeader(payload.Data)
	if err != nil {
		return OutcomeFailed, err
	}

	if queue.BelowMinimumTimeToLive(hdr.ExpiresTime, time.Now().Unix()) {
		log.Infof("pubkey payload %d has expired, rewinding to create-identity", payload.ID)
		if err := e.store.DeletePayload(payload.ID); err != nil {
			return OutcomeRetry, err
		}
		regen := &store.QueueRecord{Task: store.TaskCreateIdentity, Object0: payload.RelatedAddressID, TriggerTime: time.Now().Unix()}
		if _, err := e.store.InsertQueueRecord(regen); err != nil {
			return OutcomeRetry, err
		}
		return OutcomeDone, nil
	}

	if err := e.gateway.PostObject(ctx, payload.Data); err != nil {
		return OutcomeRetry, err
	}
	return OutcomeDone, nil
}

// sendMessage resolves the recipient's pubkey and, once known, emits a
// process-outgoing-message record. object0 is the Message.
func (e *Engine) sendMessage(ctx context.Context, q *store.QueueRecord) (TaskOutcome, error) {
	msg, err := e.store.FetchMessage(q.Object0)
	if err == store.ErrNotFound {
		return OutcomeDropped, nil
	}
	if err != nil {
		return OutcomeRetry, err
	}

	pubkey, err := e.resolver.Resolve(ctx, msg.ToAddress)
	if err == resolver.ErrNotFound {
		log.Infof("pubkey for %s not yet available, backing off", msg.ToAddress)
		return OutcomeRetry, nil
	}
	if err != nil {
		return OutcomeRetry, err
	}

	msg.Status = store.StatusDoingPOW
	if err := e.store.UpdateMessage(msg); err != nil {
		return OutcomeRetry, err
	}

	next := &store.QueueRecord{
		Task:        store.TaskProcessOutgoingMessage,
		Object0:     msg.ID,
		Object1:     pubkey.ID,
		TriggerTime: time.Now().Unix(),
	}
	if _, err := e.store.InsertQueueRecord(next); err != nil {
		return OutcomeRetry, err
	}
	return OutcomeDone, nil
}

// processOutgoingMessage encrypts and proof-of-works a Message against
// its recipient's Pubkey, stores the result as a Payload, and emits a
// disseminate-message record. object0 is the Message, object1 the
// Pubkey.
func (e *Engine) processOutgoingMessage(ctx context.Context, q *store.QueueRecord) (TaskOutcome, error) {
	msg, err := e.store.FetchMessage(q.Object0)
	if err == store.ErrNotFound {
		return OutcomeDropped, nil
	}
	if err != nil {
		return OutcomeRetry, err
	}

	pubkey, err := e.store.FetchPubkey(q.Object1)
	if err == store.ErrNotFound {
		// The cached pubkey we resolved at send-message time is gone;
		// fall back to resolving it again rather than failing outright.
		pubkey, err = e.resolver.Resolve(ctx, msg.ToAddress)
		if err == resolver.ErrNotFound {
			return OutcomeRetry, nil
		}
	}
	if err != nil {
		return OutcomeRetry, err
	}

	from, err := e.store.FetchAddress(msg.FromAddressID)
	if err != nil {
		return OutcomeRetry, err
	}

	data, err := e.encryptMessage(from, pubkey, msg)
	if err != nil {
		return OutcomeRetry, err
	}

	payload := &store.Payload{
		RelatedAddressID: from.ID,
		BelongsToMe:      true,
		POWDone:          e.cfg.DoPOW,
		ObjectType:       uint32(wireobj.ObjectTypeMsg),
		Data:             data,
	}
	payloadID, err := e.store.InsertPayload(payload)
	if err != nil {
		return OutcomeRetry, err
	}

	if err := e.store.UpdateMessage(msg); err != nil {
		return OutcomeRetry, err
	}

	next := &store.QueueRecord{
		Task:        store.TaskDisseminateMessage,
		Object0:     msg.ID,
		Object1:     payloadID,
		Object2:     pubkey.ID,
		TriggerTime: time.Now().Unix(),
	}
	if _, err := e.store.InsertQueueRecord(next); err != nil {
		return OutcomeRetry, err
	}
	return OutcomeDone, nil
}

// encryptMessage builds a msg object's ciphertext body and proof-of-works
// it against the network's default difficulty, generating msg's ack data
// if it doesn't already have any. It mutates msg in place (AckData,
// AckExpected, Status) but does not persist it; the caller is
// responsible for that.
func (e *Engine) encryptMessage(from *store.Address, pubkey *store.Pubkey, msg *store.Message) ([]byte, error) {
	if len(msg.AckData) == 0 {
		ack := make([]byte, 32)
		if _, err := rand.Read(ack); err != nil {
			return nil, err
		}
		msg.AckData = ack
		msg.AckExpected = true
	}

	plaintext := encodeMessagePlaintext(pubkey.Ripe, msg.Subject, msg.Body, msg.AckData)

	recipientPub, err := publicKeyFromBytes(pubkey.PublicEncryptionKey)
	if err != nil {
		return nil, err
	}
	encrypted, err := bmec.Encrypt(recipientPub, plaintext)
	if err != nil {
		return nil, err
	}

	msg.Status = store.StatusSent

	expiresTime := time.Now().Unix() + MessageTTL
	m := wireobj.Msg{
		ObjectHeader: wireobj.ObjectHeader{
			ExpiresTime:    expiresTime,
			ObjectType:     wireobj.ObjectTypeMsg,
			AddressVersion: from.AddressVersion,
			StreamNumber:   from.StreamNumber,
		},
		Encrypted: encrypted,
	}

	return e.powAndMarshal(expiresTime, e.cfg.NetworkNonceTrialsPerByte, e.cfg.NetworkExtraBytes, func(nonce uint64) ([]byte, error) {
		m.Nonce = nonce
		return wireobj.MarshalMsg(m), nil
	})
}

// encodeMessagePlaintext lays out the fields a msg object's ciphertext
// carries once decrypted: the destination ripe-hash (so a recipient with
// several identities can tell which one a message was sent to), the
// subject and body, each length-prefixed, and the raw ack data trailing
// unprefixed to the end of the buffer.
func encodeMessagePlaintext(destRipe [20]byte, subject, body, ackData []byte) []byte {
	out := append([]byte{}, destRipe[:]...)
	out = append(out, codec.EncodeVarInt(uint64(len(subject)))...)
	out = append(out, subject...)
	out = append(out, codec.EncodeVarInt(uint64(len(body)))...)
	out = append(out, body...)
	out = append(out, ackData...)
	return out
}

// decodeMessagePlaintext is encodeMessagePlaintext's inverse.
func decodeMessagePlaintext(plaintext []byte) (destRipe [20]byte, subject, body, ackData []byte, err error) {
	if len(plaintext) < 20 {
		return destRipe, nil, nil, nil, errMalformedPlaintext
	}
	copy(destRipe[:], plaintext[:20])
	pos := 20

	subjectLen, n, err := codec.DecodeVarInt(plaintext[pos:])
	if err != nil {
		return destRipe, nil, nil, nil, err
	}
	pos += n
	if uint64(len(plaintext)-pos) < subjectLen {
		return destRipe, nil, nil, nil, errMalformedPlaintext
	}
	subject = append([]byte(nil), plaintext[pos:pos+int(subjectLen)]...)
	pos += int(subjectLen)

	bodyLen, n, err := codec.DecodeVarInt(plaintext[pos:])
	if err != nil {
		return destRipe, nil, nil, nil, err
	}
	pos += n
	if uint64(len(plaintext)-pos) < bodyLen {
		return destRipe, nil, nil, nil, errMalformedPlaintext
	}
	body = append([]byte(nil), plaintext[pos:pos+int(bodyLen)]...)
	pos += int(bodyLen)

	ackData = append([]byte(nil), plaintext[pos:]...)
	return destRipe, subject, body, ackData, nil
}

func publicKeyFromBytes(key [wireobj.KeySize]byte) (*btcec.PublicKey, error) {
	uncompressed := append([]byte{0x04}, key[:]...)
	return btcec.ParsePubKey(uncompressed, btcec.S256())
}

// disseminateMessage posts a previously built msg Payload to the
// gateway. object0 is the Message, object1 the Payload, object2 the
// Pubkey it was encrypted against.
func (e *Engine) disseminateMessage(ctx context.Context, q *store.QueueRecord) (TaskOutcome, error) {
	payload, err := e.store.FetchPayload(q.Object1)
	if err == store.ErrNotFound {
		return OutcomeDropped, nil
	}
	if err != nil {
		return OutcomeRetry, err
	}

	hdr, err := wireobj.ParseObjectHeader(payload.Data)
	if err != nil {
		return OutcomeFailed, err
	}

	if queue.BelowMinimumTimeToLive(hdr.ExpiresTime, time.Now().Unix()) {
		log.Infof("message payload %d has expired, rewinding to process-outgoing-message", payload.ID)
		if err := e.store.DeletePayload(payload.ID); err != nil {
			return OutcomeRetry, err
		}
		regen := &store.QueueRecord{
			Task:        store.TaskProcessOutgoingMessage,
			Object0:     q.Object0,
			Object1:     q.Object2,
			TriggerTime: time.Now().Unix(),
		}
		if _, err := e.store.InsertQueueRecord(regen); err != nil {
			return OutcomeRetry, err
		}
		return OutcomeDone, nil
	}

	if err := e.gateway.PostObject(ctx, payload.Data); err != nil {
		return OutcomeRetry, err
	}
	return OutcomeDone, nil
}

// HandleAck looks for a Message awaiting the given raw ack bytes; if one
// is found, every pending send-message record for it is deleted and its
// status set to acknowledged. It reports whether a match was found.
func (e *Engine) HandleAck(ackData []byte) (bool, error) {
	if len(ackData) == 0 {
		return false, nil
	}

	msg, err := e.store.FetchMessageByAckData(ackData)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	records, err := e.store.ListQueueRecordsByTaskAndObject0(store.TaskSendMessage, msg.ID)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if err := e.store.DeleteQueueRecord(r.ID); err != nil {
			return false, err
		}
	}

	msg.Status = store.StatusAcknowledged
	msg.Acknowledged = true
	if err := e.store.UpdateMessage(msg); err != nil {
		return false, err
	}

	log.Infof("message %d acknowledged, deleted %d pending send-message record(s)", msg.ID, len(records))
	return true, nil
}

// ProcessInboundObject handles one object blob fetched from the gateway
// on behalf of toAddress. Acks are bare 32-byte blobs with no object
// header, so raw is matched against a pending Message's ack data before
// any header parsing is attempted; everything else that isn't a msg
// object addressed to us is ignored. A successfully decoded incoming
// message is stored and, if it carries ack data of its own, that data is
// rebroadcast so its sender recognizes delivery.
func (e *Engine) ProcessInboundObject(ctx context.Context, raw []byte, toAddress *store.Address) error {
	if acked, err := e.HandleAck(raw); err != nil {
		return err
	} else if acked {
		return nil
	}

	hdr, err := wireobj.ParseObjectHeader(raw)
	if err != nil {
		log.Warnf("dropping malformed inbound object: %v", err)
		return nil
	}
	if hdr.ObjectType != wireobj.ObjectTypeMsg {
		return nil
	}

	m, err := wireobj.ParseMsg(raw)
	if err != nil {
		log.Warnf("dropping malformed inbound msg object: %v", err)
		return nil
	}

	priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), toAddress.PrivateEncryptionKey[:])
	plaintext, err := bmec.Decrypt(priv, m.Encrypted)
	if err != nil {
		// Not an error: plenty of network traffic is addressed to
		// other identities and simply won't decrypt under ours.
		return nil
	}

	destRipe, subject, body2, ackData, err := decodeMessagePlaintext(plaintext)
	if err != nil {
		log.Warnf("dropping inbound message with malformed plaintext: %v", err)
		return nil
	}
	if destRipe != toAddress.Ripe {
		log.Warnf("dropping inbound message whose destination ripe does not match %s", toAddress.AddressString)
		return nil
	}

	msg := &store.Message{
		ToAddressID: toAddress.ID,
		ToAddress:   toAddress.AddressString,
		Subject:     subject,
		Body:        body2,
		Status:      store.StatusReceived,
		AckData:     ackData,
		Time:        time.Now().Unix(),
	}
	if _, err := e.store.InsertMessage(msg); err != nil {
		return err
	}

	if len(ackData) > 0 {
		if err := e.gateway.PostObject(ctx, ackData); err != nil {
			log.Warnf("failed to send ack for message %d: %v", msg.ID, err)
		}
	}
	return nil
}

// NewOutgoingMessage records a freshly composed outgoing message and
// schedules its send. It enqueues two send-message records up front — an
// immediate attempt and a pre-emptive fallback at currentTime +
// FirstAttemptTTL — rather than waiting for the first attempt to fail
// before scheduling a second.
func (e *Engine) NewOutgoingMessage(from, to *store.Address, subject, body []byte) (*store.Message, error) {
	now := time.Now().Unix()
	msg := &store.Message{
		FromAddressID: from.ID,
		ToAddressID:   to.ID,
		FromAddress:   from.AddressString,
		ToAddress:     to.AddressString,
		Subject:       subject,
		Body:          body,
		Status:        store.StatusQueued,
		Time:          now,
	}
	id, err := e.store.InsertMessage(msg)
	if err != nil {
		return nil, err
	}
	msg.ID = id

	immediate := &store.QueueRecord{Task: store.TaskSendMessage, Object0: msg.ID, TriggerTime: now}
	if _, err := e.store.InsertQueueRecord(immediate); err != nil {
		return nil, err
	}
	fallback := &store.QueueRecord{Task: store.TaskSendMessage, Object0: msg.ID, TriggerTime: now + queue.FirstAttemptTTL}
	if _, err := e.store.InsertQueueRecord(fallback); err != nil {
		return nil, err
	}

	return msg, nil
}

// RequestIdentity stores a freshly generated local Address — its keys
// already populated by the caller — and schedules its pubkey's creation.
func (e *Engine) RequestIdentity(address *store.Address) (*store.Address, error) {
	id, err := e.store.InsertAddress(address)
	if err != nil {
		return nil, err
	}
	address.ID = id

	q := &store.QueueRecord{Task: store.TaskCreateIdentity, Object0: address.ID, TriggerTime: time.Now().Unix()}
	if _, err := e.store.InsertQueueRecord(q); err != nil {
		return nil, err
	}
	return address, nil
}
