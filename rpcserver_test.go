// Copyright (c) 2015 Monetas.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/rpc2"
	"github.com/cenkalti/rpc2/jsonrpc"
	"github.com/ishbir/eventemitter"

	"github.com/bitseal-go/bmcore/driver"
	"github.com/bitseal-go/bmcore/engine"
	"github.com/bitseal-go/bmcore/rpcproto"
	"github.com/bitseal-go/bmcore/store"
)

const (
	rpcTestAdminUser = "admin"
	rpcTestAdminPass = "admin"
	rpcTestLimitUser = "limit"
	rpcTestLimitPass = "limit"
)

// nopGateway implements engine.Gateway by doing nothing; every handler the
// tests exercise only enqueues or reads store records, it never actually
// dispatches an object over the network.
type nopGateway struct{}

func (nopGateway) PostObject(ctx context.Context, object []byte) error { return nil }

func newTestRPCServer(t *testing.T) (*rpcServer, store.Store) {
	t.Helper()

	s := store.NewMemStore()
	eng := engine.New(s, nil, nopGateway{}, engine.Config{})

	cfg := &config{
		RPCUser:       rpcTestAdminUser,
		RPCPass:       rpcTestAdminPass,
		RPCLimitUser:  rpcTestLimitUser,
		RPCLimitPass:  rpcTestLimitPass,
		RPCMaxClients: 10,
		DisableTLS:    true,
		RPCListeners:  []string{"127.0.0.1:0"},
	}

	rpc, err := newRPCServer(cfg, eng, s, eventemitter.New())
	if err != nil {
		t.Fatalf("newRPCServer: %v", err)
	}

	return rpc, s
}

func dialTestClient(t *testing.T, addr string) *rpc2.Client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client := rpc2.NewClientWithCodec(jsonrpc.NewJSONCodec(conn))
	go client.Run()
	return client
}

func TestRPCAuthRequiredBeforeOtherMethods(t *testing.T) {
	rpc, _ := newTestRPCServer(t)
	rpc.Start()
	defer rpc.Stop()

	client := dialTestClient(t, rpc.listeners[0].Addr().String())
	defer client.Close()

	var out rpcproto.RPCCreateIdentityReply
	err := client.Call(rpcproto.MethodCreateIdentity, &rpcproto.RPCCreateIdentityArgs{}, &out)
	if err == nil || err.Error() != errAccessDenied.Error() {
		t.Errorf("expected access denied before auth, got %v", err)
	}
}

func TestRPCAuthenticateAcceptsAdminAndLimitedCredentials(t *testing.T) {
	rpc, _ := newTestRPCServer(t)
	rpc.Start()
	defer rpc.Stop()

	cases := []struct {
		user, pass string
		success    bool
	}{
		{"", "", false},
		{"bogus", "bogus", false},
		{rpcTestLimitUser, rpcTestLimitPass, true},
		{rpcTestAdminUser, rpcTestAdminPass, true},
	}

	for _, c := range cases {
		client := dialTestClient(t, rpc.listeners[0].Addr().String())
		var success bool
		err := client.Call(rpcproto.MethodAuthenticate, &rpcproto.RPCAuthArgs{Username: c.user, Password: c.pass}, &success)
		if err != nil {
			t.Errorf("authenticate(%q): %v", c.user, err)
		}
		if success != c.success {
			t.Errorf("authenticate(%q) = %v, want %v", c.user, success, c.success)
		}
		client.Close()
	}
}

func TestRPCCreateIdentityThenGetIdentity(t *testing.T) {
	rpc, _ := newTestRPCServer(t)
	rpc.Start()
	defer rpc.Stop()

	client := dialTestClient(t, rpc.listeners[0].Addr().String())
	defer client.Close()

	var authed bool
	if err := client.Call(rpcproto.MethodAuthenticate, &rpcproto.RPCAuthArgs{Username: rpcTestAdminUser, Password: rpcTestAdminPass}, &authed); err != nil || !authed {
		t.Fatalf("authenticate failed: %v", err)
	}

	var created rpcproto.RPCCreateIdentityReply
	if err := client.Call(rpcproto.MethodCreateIdentity, &rpcproto.RPCCreateIdentityArgs{Label: "test identity"}, &created); err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if created.Address == "" {
		t.Fatal("create identity returned an empty address")
	}

	var got rpcproto.RPCGetIdentityReply
	if err := client.Call(rpcproto.MethodGetIdentity, &rpcproto.RPCGetIdentityArgs{Address: created.Address}, &got); err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if got.Address != created.Address || got.Label != "test identity" {
		t.Errorf("get identity returned %+v, want address=%s label=test identity", got, created.Address)
	}
}

func TestRPCGetIdentityUnknownAddress(t *testing.T) {
	rpc, _ := newTestRPCServer(t)
	rpc.Start()
	defer rpc.Stop()

	client := dialTestClient(t, rpc.listeners[0].Addr().String())
	defer client.Close()

	var authed bool
	if err := client.Call(rpcproto.MethodAuthenticate, &rpcproto.RPCAuthArgs{Username: rpcTestLimitUser, Password: rpcTestLimitPass}, &authed); err != nil || !authed {
		t.Fatalf("authenticate failed: %v", err)
	}

	var got rpcproto.RPCGetIdentityReply
	err := client.Call(rpcproto.MethodGetIdentity, &rpcproto.RPCGetIdentityArgs{Address: "BM-not-a-real-address"}, &got)
	if err == nil {
		t.Error("expected an error for an unknown identity, got nil")
	}
}

func TestRPCSubscribeEventsReceivesMessageStatusChanged(t *testing.T) {
	rpc, s := newTestRPCServer(t)
	rpc.Start()
	defer rpc.Stop()

	client := dialTestClient(t, rpc.listeners[0].Addr().String())
	defer client.Close()

	var authed bool
	if err := client.Call(rpcproto.MethodAuthenticate, &rpcproto.RPCAuthArgs{Username: rpcTestAdminUser, Password: rpcTestAdminPass}, &authed); err != nil || !authed {
		t.Fatalf("authenticate failed: %v", err)
	}

	received := make(chan *rpcproto.RPCMessageStatusChanged, 1)
	client.Handle(rpcproto.ClientMethodMessageStatusChanged, func(_ *rpc2.Client, args *rpcproto.RPCMessageStatusChanged, _ *struct{}) error {
		received <- args
		return nil
	})

	if err := client.Call(rpcproto.MethodSubscribeEvents, &struct{}{}, &struct{}{}); err != nil {
		t.Fatalf("subscribe events: %v", err)
	}

	msg := &store.Message{Status: store.StatusSent}
	id, err := s.InsertMessage(msg)
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}
	msg.ID = id

	rpc.events.Emit(driver.EventMessageStatusChanged, msg)

	select {
	case got := <-received:
		if got.MessageID != msg.ID || got.Status != "sent" {
			t.Errorf("push = %+v, want messageID=%d status=sent", got, msg.ID)
		}
	case <-time.After(2 * time.Second):
		t.Error("did not receive message-status-changed push in time")
	}
}

func TestRPCClientDisconnectRemovesEventListeners(t *testing.T) {
	rpc, _ := newTestRPCServer(t)
	rpc.Start()
	defer rpc.Stop()

	client := dialTestClient(t, rpc.listeners[0].Addr().String())

	var authed bool
	if err := client.Call(rpcproto.MethodAuthenticate, &rpcproto.RPCAuthArgs{Username: rpcTestAdminUser, Password: rpcTestAdminPass}, &authed); err != nil || !authed {
		t.Fatalf("authenticate failed: %v", err)
	}
	if err := client.Call(rpcproto.MethodSubscribeEvents, &struct{}{}, &struct{}{}); err != nil {
		t.Fatalf("subscribe events: %v", err)
	}

	client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		rpc.mutex.RLock()
		n := len(rpc.clients)
		rpc.mutex.RUnlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client was never removed from rpc.clients after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A dangling listener would leak a goroutine emit target; there is no
	// direct listener-count accessor on eventemitter.EventEmitter, so this
	// asserts the observable half of teardown that onClientDisconnect
	// performs alongside the RemoveListener calls.
	if atomic.LoadInt32(&rpc.shutdown) != 0 {
		t.Fatal("server shut down unexpectedly during disconnect test")
	}
}
