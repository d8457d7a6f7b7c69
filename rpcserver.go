// Originally derived from: btcsuite/btcd/rpcserver.go
// Copyright (c) 2013-2015 The btcsuite developers.

// Copyright (c) 2015 Monetas.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
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
	// rpcAuthTimeoutSeconds is the number of seconds a connection to the
	// RPC server is allowed to stay open without authenticating before
	// it is closed.
	rpcAuthTimeoutSeconds = 5
)

// Various states contained in client.State.
const (
	rpcStateRemoteAddr      = "remoteAddr"      // string
	rpcStateIsAuthenticated = "isAuthenticated" // bool
	rpcStateIsAdmin         = "isAdmin"         // bool
	rpcStateEventsID        = "eventsID"        // int
)

// errAccessDenied is the error sent to the client when it tries to call an
// RPC method without having authenticated.
var errAccessDenied = errors.New("access denied")

// rpcClientState holds the bits of a connected client's rpc2.Client.State
// that handlers need, snapshotted so they don't need to know the state
// keys.
type rpcClientState struct {
	remoteAddr      string
	isAuthenticated bool
	isAdmin         bool
	eventsID        int
}

// rpcConstructState constructs an rpcClientState for a given client.
func rpcConstructState(client *rpc2.Client) *rpcClientState {
	state := new(rpcClientState)

	r, _ := client.State.Get(rpcStateRemoteAddr)
	state.remoteAddr, _ = r.(string)

	ev, _ := client.State.Get(rpcStateEventsID)
	state.eventsID, _ = ev.(int)

	isAuth, _ := client.State.Get(rpcStateIsAuthenticated)
	state.isAuthenticated, _ = isAuth.(bool)

	isAdmin, _ := client.State.Get(rpcStateIsAdmin)
	state.isAdmin, _ = isAdmin.(bool)

	return state
}

// rpcServer holds the items the control-RPC surface needs: the engine to
// dispatch UI intents into, the store to read identities back out of, and
// the driver's event emitter to forward push notifications from.
type rpcServer struct {
	engine       *engine.Engine
	store        store.Store
	events       *eventemitter.EventEmitter
	rpcSrv       *rpc2.Server
	listeners    []net.Listener
	limitauthsha [sha256.Size]byte
	authsha      [sha256.Size]byte
	mutex        sync.RWMutex
	clients      map[*rpc2.Client]*rpcClientState
	started      int32
	shutdown     int32
	wg           sync.WaitGroup
	quit         chan struct{}

	cfg *config
}

// addHandlers registers every RPC method and connection-lifecycle hook on
// the underlying RPC server.
func (s *rpcServer) addHandlers() {
	s.rpcSrv.OnConnect(s.onClientConnect)
	s.rpcSrv.OnDisconnect(s.onClientDisconnect)

	s.rpcSrv.Handle(rpcproto.MethodAuthenticate, s.handleAuth)
	s.rpcSrv.Handle(rpcproto.MethodCreateIdentity, s.handleCreateIdentity)
	s.rpcSrv.Handle(rpcproto.MethodGetIdentity, s.handleGetIdentity)
	s.rpcSrv.Handle(rpcproto.MethodSendMessage, s.handleSendMessage)
	s.rpcSrv.Handle(rpcproto.MethodSubscribeEvents, s.handleSubscribeEvents)
}

// onClientConnect is run for each client that connects to the RPC server.
func (s *rpcServer) onClientConnect(client *rpc2.Client) {
	s.mutex.Lock()
	s.clients[client] = rpcConstructState(client)
	s.mutex.Unlock()

	go func() {
		<-time.NewTimer(time.Second * rpcAuthTimeoutSeconds).C
		if isAuth, _ := client.State.Get(rpcStateIsAuthenticated); !isAuth.(bool) {
			client.Close()
		}
	}()

	state := rpcConstructState(client)
	rpcsLog.Infof("client %s connected", state.remoteAddr)
}

// onClientDisconnect is run for each client that disconnects from the RPC
// server, tearing down its event subscriptions.
func (s *rpcServer) onClientDisconnect(client *rpc2.Client) {
	s.mutex.Lock()
	state, ok := s.clients[client]
	delete(s.clients, client)
	s.mutex.Unlock()

	if !ok {
		return
	}

	s.events.RemoveListener(driver.EventMessageStatusChanged, state.eventsID)
	s.events.RemoveListener(driver.EventPubkeyDisseminated, state.eventsID)

	rpcsLog.Infof("client %s disconnected", state.remoteAddr)
}

// restrictAuth restricts access of the client, returning an error if the
// client is not already authenticated.
func (s *rpcServer) restrictAuth(client *rpc2.Client) error {
	state := rpcConstructState(client)
	if !state.isAuthenticated {
		return errAccessDenied
	}
	return nil
}

// newRPCServer returns a new, listening rpcServer.
func newRPCServer(cfg *config, eng *engine.Engine, s store.Store, events *eventemitter.EventEmitter) (*rpcServer, error) {
	rpc := &rpcServer{
		engine:  eng,
		store:   s,
		events:  events,
		rpcSrv:  rpc2.NewServer(),
		quit:    make(chan struct{}),
		clients: make(map[*rpc2.Client]*rpcClientState),
		cfg:     cfg,
	}

	if cfg.RPCUser != "" && cfg.RPCPass != "" {
		login := cfg.RPCUser + ":" + cfg.RPCPass
		rpc.authsha = sha256.Sum256([]byte(login))
	}
	if cfg.RPCLimitUser != "" && cfg.RPCLimitPass != "" {
		login := cfg.RPCLimitUser + ":" + cfg.RPCLimitPass
		rpc.limitauthsha = sha256.Sum256([]byte(login))
	}

	listenFunc := net.Listen
	if !cfg.DisableTLS {
		if !fileExists(cfg.RPCKey) && !fileExists(cfg.RPCCert) {
			if err := genCertPair(cfg.RPCCert, cfg.RPCKey); err != nil {
				return nil, err
			}
		}
		keypair, err := tls.LoadX509KeyPair(cfg.RPCCert, cfg.RPCKey)
		if err != nil {
			return nil, err
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{keypair},
			MinVersion:   tls.VersionTLS12,
		}
		listenFunc = func(network, laddr string) (net.Listener, error) {
			return tls.Listen(network, laddr, tlsConfig)
		}
	}

	listeners := make([]net.Listener, 0, len(cfg.RPCListeners))
	for _, addr := range cfg.RPCListeners {
		listener, err := listenFunc("tcp", addr)
		if err != nil {
			rpcsLog.Warnf("can't listen on %s: %v", addr, err)
			continue
		}
		listeners = append(listeners, listener)
	}
	if len(listeners) == 0 {
		return nil, errors.New("RPC: no valid listen address")
	}
	rpc.listeners = listeners
	rpc.addHandlers()

	return rpc, nil
}

// Start begins serving RPC connections on every configured listener.
func (s *rpcServer) Start() {
	if atomic.AddInt32(&s.started, 1) != 1 {
		return
	}
	rpcsLog.Tracef("starting RPC server")

	for _, listener := range s.listeners {
		s.wg.Add(1)
		go func(listener net.Listener) {
			defer s.wg.Done()
			rpcsLog.Infof("RPC server listening on %s", listener.Addr())
			for {
				conn, err := listener.Accept()
				if err != nil {
					select {
					case <-s.quit:
						return
					default:
						rpcsLog.Warnf("accept error: %v", err)
						continue
					}
				}
				go s.serveConn(conn)
			}
		}(listener)
	}
}

// serveConn runs one client connection's RPC loop to completion, seeding
// its per-connection state the way the websocket-based teacher server
// seeded state for each upgraded connection.
func (s *rpcServer) serveConn(conn net.Conn) {
	state := rpc2.NewState()
	state.Set(rpcStateRemoteAddr, conn.RemoteAddr().String())
	state.Set(rpcStateEventsID, rand.Int())
	state.Set(rpcStateIsAdmin, false)
	state.Set(rpcStateIsAuthenticated, false)

	s.rpcSrv.ServeCodecWithState(jsonrpc.NewJSONCodec(conn), state)
}

// Stop closes every listener and waits for the accept loops to exit.
func (s *rpcServer) Stop() error {
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		rpcsLog.Infof("RPC server is already in the process of shutting down")
		return nil
	}
	rpcsLog.Warnf("RPC server shutting down")

	close(s.quit)
	for _, listener := range s.listeners {
		if err := listener.Close(); err != nil {
			rpcsLog.Errorf("problem shutting down rpc: %v", err)
			return err
		}
	}

	s.events.RemoveListeners(driver.EventMessageStatusChanged)
	s.events.RemoveListeners(driver.EventPubkeyDisseminated)

	s.wg.Wait()
	rpcsLog.Infof("RPC server shutdown complete")
	return nil
}

func init() {
	rand.Seed(time.Now().UnixNano())
}
