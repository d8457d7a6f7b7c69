// Copyright (c) 2015 Monetas.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"crypto/subtle"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
	"github.com/cenkalti/rpc2"

	"github.com/bitseal-go/bmcore/addr"
	"github.com/bitseal-go/bmcore/driver"
	"github.com/bitseal-go/bmcore/hash"
	"github.com/bitseal-go/bmcore/rpcproto"
	"github.com/bitseal-go/bmcore/store"
)

// addressVersion and minLeadingRipeZeros are the defaults applied to
// identities this daemon generates for itself. Version 4 is the only
// address version the resolver's tag-based lookup path (§4.6) serves.
const (
	addressVersion      = 4
	minLeadingRipeZeros = 1
)

// handleAuth authenticates a client using the supplied username and
// password. The comparison is time-constant. On success it marks the
// client authenticated and, if the credentials matched the admin pair
// rather than the limited pair, grants admin rights.
func (s *rpcServer) handleAuth(client *rpc2.Client, in *rpcproto.RPCAuthArgs, success *bool) error {
	login := in.Username + ":" + in.Password
	authsha := sha256.Sum256([]byte(login))
	c := client.State

	if subtle.ConstantTimeCompare(authsha[:], s.limitauthsha[:]) == 1 {
		c.Set(rpcStateIsAuthenticated, true)
		c.Set(rpcStateIsAdmin, false)
		*success = true
		return nil
	}
	if subtle.ConstantTimeCompare(authsha[:], s.authsha[:]) == 1 {
		c.Set(rpcStateIsAuthenticated, true)
		c.Set(rpcStateIsAdmin, true)
		*success = true
		return nil
	}

	*success = false
	state := rpcConstructState(client)
	rpcsLog.Warnf("RPC authentication failure from %s", state.remoteAddr)
	return nil
}

// handleCreateIdentity generates a fresh local identity — a signing
// keypair, an encryption keypair, and the ripe-hash/address string they
// commit to — and hands it to the engine, which schedules its pubkey's
// construction and dissemination.
func (s *rpcServer) handleCreateIdentity(client *rpc2.Client, in *rpcproto.RPCCreateIdentityArgs, out *rpcproto.RPCCreateIdentityReply) error {
	if err := s.restrictAuth(client); err != nil {
		return err
	}

	streamNumber := in.StreamNumber
	if streamNumber == 0 {
		streamNumber = 1
	}
	ntpb := in.NonceTrialsPerByte
	if ntpb == 0 {
		ntpb = s.cfg.NetworkNonceTrialsPerByte
	}
	eb := in.ExtraBytes
	if eb == 0 {
		eb = s.cfg.NetworkExtraBytes
	}

	signingPriv, encryptionPriv, ripe, err := generateIdentityKeys()
	if err != nil {
		return fmt.Errorf("failed to generate identity: %v", err)
	}

	address := &store.Address{
		Label:                in.Label,
		AddressString:        addr.Encode(addressVersion, streamNumber, ripe),
		AddressVersion:       addressVersion,
		StreamNumber:         streamNumber,
		Ripe:                 ripe,
		Tag:                  addr.Tag(addressVersion, streamNumber, ripe),
		PrivateSigningKey:    signingPriv,
		PrivateEncryptionKey: encryptionPriv,
		NonceTrialsPerByte:   ntpb,
		ExtraBytes:           eb,
		Enabled:              true,
	}

	if _, err := s.engine.RequestIdentity(address); err != nil {
		return fmt.Errorf("failed to store identity: %v", err)
	}

	out.Address = address.AddressString
	return nil
}

// generateIdentityKeys draws signing and encryption keypairs, retrying
// with fresh keys until their ripe-hash has the required number of
// leading zero bytes, the same trial-and-error address generation the
// rest of the network uses to keep addresses short.
func generateIdentityKeys() (signingPriv, encryptionPriv [32]byte, ripe [20]byte, err error) {
	for {
		sPriv, err := btcec.NewPrivateKey(btcec.S256())
		if err != nil {
			return signingPriv, encryptionPriv, ripe, err
		}
		ePriv, err := btcec.NewPrivateKey(btcec.S256())
		if err != nil {
			return signingPriv, encryptionPriv, ripe, err
		}

		sPub := sPriv.PubKey().SerializeUncompressed()[1:]
		ePub := ePriv.PubKey().SerializeUncompressed()[1:]
		r := hash.RipeFromSigningAndEncryptionKeys(sPub, ePub)

		leadingZeros := 0
		for _, b := range r {
			if b != 0 {
				break
			}
			leadingZeros++
		}
		if leadingZeros < minLeadingRipeZeros {
			continue
		}

		copy(signingPriv[:], sPriv.Serialize())
		copy(encryptionPriv[:], ePriv.Serialize())
		copy(ripe[:], r)
		return signingPriv, encryptionPriv, ripe, nil
	}
}

// handleGetIdentity returns a local identity's public parameters.
func (s *rpcServer) handleGetIdentity(client *rpc2.Client, in *rpcproto.RPCGetIdentityArgs, out *rpcproto.RPCGetIdentityReply) error {
	if err := s.restrictAuth(client); err != nil {
		return err
	}

	a, err := s.store.FetchAddressByString(in.Address)
	if err != nil {
		return fmt.Errorf("identity not found: %v", err)
	}

	out.Address = a.AddressString
	out.Label = a.Label
	out.StreamNumber = a.StreamNumber
	out.NonceTrialsPerByte = a.NonceTrialsPerByte
	out.ExtraBytes = a.ExtraBytes
	out.Enabled = a.Enabled
	return nil
}

// handleSendMessage composes, encrypts, and queues an outgoing message.
func (s *rpcServer) handleSendMessage(client *rpc2.Client, in *rpcproto.RPCSendMessageArgs, out *rpcproto.RPCSendMessageReply) error {
	if err := s.restrictAuth(client); err != nil {
		return err
	}

	from, err := s.store.FetchAddressByString(in.FromAddress)
	if err != nil {
		return fmt.Errorf("from address not found: %v", err)
	}
	toAddr, err := addressFromString(in.ToAddress)
	if err != nil {
		return err
	}

	msg, err := s.engine.NewOutgoingMessage(from, toAddr, in.Subject, in.Body)
	if err != nil {
		return fmt.Errorf("failed to queue message: %v", err)
	}

	out.MessageID = msg.ID
	return nil
}

// addressFromString builds the minimal *store.Address NewOutgoingMessage
// needs to know where to send to: just the decoded address fields, not a
// local identity record.
func addressFromString(addressString string) (*store.Address, error) {
	version, stream, ripe, err := addr.Decode(addressString)
	if err != nil {
		return nil, fmt.Errorf("invalid to address: %v", err)
	}
	return &store.Address{
		AddressString:  addressString,
		AddressVersion: version,
		StreamNumber:   stream,
		Ripe:           ripe,
		Tag:            addr.Tag(version, stream, ripe),
	}, nil
}

// handleSubscribeEvents subscribes the client to the driver's push
// notifications: EventMessageStatusChanged and EventPubkeyDisseminated.
func (s *rpcServer) handleSubscribeEvents(client *rpc2.Client, _ *struct{}, _ *struct{}) error {
	if err := s.restrictAuth(client); err != nil {
		return err
	}
	state := rpcConstructState(client)

	s.events.On(driver.EventMessageStatusChanged, func(msg *store.Message) {
		s.pushToClient(client, rpcproto.ClientMethodMessageStatusChanged, &rpcproto.RPCMessageStatusChanged{
			MessageID: msg.ID,
			Status:    messageStatusString(msg.Status),
		})
	}, state.eventsID)

	s.events.On(driver.EventPubkeyDisseminated, func(a *store.Address) {
		s.pushToClient(client, rpcproto.ClientMethodPubkeyDisseminated, &rpcproto.RPCPubkeyDisseminated{
			AddressID: a.ID,
			Address:   a.AddressString,
		})
	}, state.eventsID)

	return nil
}

// pushToClient calls a client-side receive method with a push
// notification's payload. If the call fails the connection is closed,
// the same behavior the teacher's sendObj applied to its own
// subscription pushes.
func (s *rpcServer) pushToClient(client *rpc2.Client, clientMethod string, args interface{}) {
	if err := client.Call(clientMethod, args, nil); err != nil {
		state := rpcConstructState(client)
		rpcsLog.Infof("failed to call %s on client %s: %v", clientMethod, state.remoteAddr, err)
		client.Close()
	}
}

// messageStatusString renders a store.MessageStatus the way the RPC wire
// format carries it: a stable, lowercase name rather than its integer
// value, so rpcproto stays decoupled from the store package's iota order.
func messageStatusString(status store.MessageStatus) string {
	switch status {
	case store.StatusQueued:
		return "queued"
	case store.StatusPubkeyRequested:
		return "pubkey-requested"
	case store.StatusDoingPOW:
		return "doing-pow"
	case store.StatusSent:
		return "sent"
	case store.StatusAcknowledged:
		return "acknowledged"
	case store.StatusReceived:
		return "received"
	case store.StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}
