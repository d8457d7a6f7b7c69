// Originally derived from: btcsuite/btcd/btcd.go
// Copyright (c) 2013-2015 Conformal Systems LLC.

// Copyright (c) 2015 Monetas.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/bitseal-go/bmcore/driver"
	"github.com/bitseal-go/bmcore/engine"
	"github.com/bitseal-go/bmcore/gateway"
	"github.com/bitseal-go/bmcore/resolver"
	"github.com/bitseal-go/bmcore/store"
	"github.com/bitseal-go/bmcore/store/bolt"
)

const (
	appMajor uint = 0
	appMinor uint = 1
	appPatch uint = 0
)

// version returns the application version as a properly formed string per
// the semantic versioning 2.0.0 spec (http://semver.org/).
func version() string {
	return fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
}

// tickInterval is how often the main loop calls driver.Tick. It is well
// under MinimumTimeBehindNetwork/TimeBetweenDatabaseCleaning so the driver
// itself decides when those gated steps actually run.
const tickInterval = 5 * time.Second

// bmcoreMain is the real main function. It is necessary to work around the
// fact that deferred functions do not run when os.Exit() is called.
func bmcoreMain() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	var s store.Store
	if cfg.MemStore {
		s = store.NewMemStore()
	} else {
		s, err = bolt.Open(cfg.BoltDBFile)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
	}
	defer s.Close()

	gw, err := gateway.NewClient(cfg.GatewayURL, gateway.DefaultTimeout, cfg.gatewayProxy)
	if err != nil {
		return fmt.Errorf("failed to build gateway client: %v", err)
	}

	rslv := resolver.New(s, gw)
	eng := engine.New(s, rslv, gw, engine.Config{
		DoPOW:                     cfg.DoPOW,
		NetworkNonceTrialsPerByte: cfg.NetworkNonceTrialsPerByte,
		NetworkExtraBytes:         cfg.NetworkExtraBytes,
	})

	drv := driver.New(s, eng, gw, driver.Config{
		MinimumTimeBehindNetwork:   cfg.MinimumTimeBehindNetwork,
		TimeBetweenDatabaseCleaning: cfg.TimeBetweenDatabaseCleaning,
	}, defaultPollBytesPerSecond)

	var rpc *rpcServer
	if !cfg.DisableRPC {
		rpc, err = newRPCServer(cfg, eng, s, drv.Events())
		if err != nil {
			return fmt.Errorf("failed to start RPC server: %v", err)
		}
		rpc.Start()
		defer rpc.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	rpcsLog.Infof("bmcore %s starting up", version())

	for {
		select {
		case <-interrupt:
			rpcsLog.Infof("received interrupt, shutting down")
			return nil
		case <-ticker.C:
			if err := drv.Tick(ctx, nil); err != nil {
				rpcsLog.Errorf("driver tick failed: %v", err)
			}
		}
	}
}

// defaultPollBytesPerSecond bounds the check-for-messages poll loop's
// inbound throughput, mirroring the teacher peer connection's default
// download rate limit.
const defaultPollBytesPerSecond = 1 << 20

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	if err := bmcoreMain(); err != nil {
		fmt.Printf("err %v\n", err)
		os.Exit(1)
	}
}
