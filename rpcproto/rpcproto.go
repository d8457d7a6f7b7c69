// Copyright (c) 2015 Monetas.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package rpcproto defines the argument and reply types exchanged over
// the JSON-RPC connection between a client and the daemon: the two
// intents a client can issue (create a local identity, send a message)
// plus the two push notifications the daemon emits as a dispatched
// QueueRecord changes a Message's or a Pubkey's state. The wire
// encoding for all of these is whatever encoding/json does with the
// struct tags below, carried over cenkalti/rpc2's JSON-RPC codec the
// same way the root RPC server carries every other method's arguments.
package rpcproto

// RPCAuthArgs authenticates a connection before any other method will
// be accepted.
type RPCAuthArgs struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RPCCreateIdentityArgs requests a freshly generated local identity.
// Label is a caller-chosen display name; it is never transmitted over
// the Bitmessage network.
type RPCCreateIdentityArgs struct {
	Label              string `json:"label"`
	StreamNumber       uint64 `json:"streamNumber"`
	NonceTrialsPerByte uint64 `json:"nonceTrialsPerByte"`
	ExtraBytes         uint64 `json:"extraBytes"`
}

// RPCCreateIdentityReply reports the address assigned to a newly
// requested identity. Its pubkey is disseminated in the background;
// callers that need to know when that finishes should subscribe to
// EventPubkeyDisseminated rather than poll.
type RPCCreateIdentityReply struct {
	Address string `json:"address"`
}

// RPCGetIdentityArgs looks up a local identity by its address.
type RPCGetIdentityArgs struct {
	Address string `json:"address"`
}

// RPCGetIdentityReply describes a local identity's public parameters.
// The private keys never leave the daemon.
type RPCGetIdentityReply struct {
	Address            string `json:"address"`
	Label              string `json:"label"`
	StreamNumber       uint64 `json:"streamNumber"`
	NonceTrialsPerByte uint64 `json:"nonceTrialsPerByte"`
	ExtraBytes         uint64 `json:"extraBytes"`
	Enabled            bool   `json:"enabled"`
}

// RPCSendMessageArgs requests that a message be composed, encrypted,
// and queued for sending. FromAddress must name a local identity;
// ToAddress may be any valid Bitmessage address.
type RPCSendMessageArgs struct {
	FromAddress string `json:"fromAddress"`
	ToAddress   string `json:"toAddress"`
	Subject     []byte `json:"subject"`
	Body        []byte `json:"body"`
}

// RPCSendMessageReply reports the id assigned to a newly queued
// message. Callers that need delivery status should subscribe to
// EventMessageStatusChanged rather than poll FetchMessage in a loop.
type RPCSendMessageReply struct {
	MessageID int64 `json:"messageId"`
}

// Server-side RPC method names.
const (
	MethodAuthenticate    = "Authenticate"
	MethodCreateIdentity  = "CreateIdentity"
	MethodGetIdentity     = "GetIdentity"
	MethodSendMessage     = "SendMessage"
	MethodSubscribeEvents = "SubscribeEvents"
)

// RPCMessageStatusChanged is pushed to subscribed clients, via the
// client-side ReceiveMessageStatusChanged method, whenever a dispatched
// QueueRecord leaves a Message in a different status than it found it
// in — the one the driver's EventMessageStatusChanged event carries.
type RPCMessageStatusChanged struct {
	MessageID int64  `json:"messageId"`
	Status    string `json:"status"`
}

// RPCPubkeyDisseminated is pushed to subscribed clients, via the
// client-side ReceivePubkeyDisseminated method, whenever a local
// identity's pubkey finishes its trip through disseminate-pubkey —
// the one the driver's EventPubkeyDisseminated event carries.
type RPCPubkeyDisseminated struct {
	AddressID int64  `json:"addressId"`
	Address   string `json:"address"`
}

// Client-side RPC method names, called by the daemon on a subscribed
// client's connection.
const (
	ClientMethodMessageStatusChanged = "ReceiveMessageStatusChanged"
	ClientMethodPubkeyDisseminated   = "ReceivePubkeyDisseminated"
)
