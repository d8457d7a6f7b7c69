// Originally derived from: btcsuite/btcd/config.go
// Copyright (c) 2013-2015 The btcsuite developers

// Copyright (c) 2015 Monetas.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/bitseal-go/bmcore/gateway"
)

const (
	defaultConfigFilename = "bmcore.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "bmcore.log"
	defaultMaxRPCClients  = 25
	defaultRPCPort        = "8442"

	// defaultGatewayURL is the base URL of the gateway relay this daemon
	// talks to for everything network-facing: fetching pubkeys, posting
	// finished objects, and polling for inbound messages.
	defaultGatewayURL = "http://127.0.0.1:8080"

	// The following mirror spec.md's Configuration table. DoPOW,
	// NetworkNonceTrialsPerByte, and NetworkExtraBytes feed engine.Config;
	// MinimumTimeBehindNetwork and TimeBetweenDatabaseCleaning feed
	// driver.Config. FirstAttemptTTL, SubsequentAttemptsTTL,
	// MinimumTimeToLive, and MaximumAttempts are fixed protocol constants
	// in the queue package (queue.FirstAttemptTTL and friends) rather than
	// runtime-tunable flags, since varying them per-daemon would desync
	// retry timing from what the orchestrator's own tests assume.
	defaultDoPOW                     = true
	defaultNetworkNonceTrialsPerByte = 1000
	defaultNetworkExtraBytes         = 1000
	defaultMinimumTimeBehindNetwork  = 30
	defaultTimeBetweenDatabaseCleaning = 3600
)

var (
	bmcoreHomeDir      = btcutil.AppDataDir("bmcore", false)
	defaultConfigFile  = filepath.Join(bmcoreHomeDir, defaultConfigFilename)
	defaultDataDir     = filepath.Join(bmcoreHomeDir, defaultDataDirname)
	defaultLogDir      = filepath.Join(bmcoreHomeDir, defaultLogDirname)
	defaultRPCKeyFile  = filepath.Join(bmcoreHomeDir, "rpc.key")
	defaultRPCCertFile = filepath.Join(bmcoreHomeDir, "rpc.cert")
)

// config defines the configuration options for bmcore.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	BoltDBFile string `long:"db" description:"Path to the BoltDB file used for persistent storage"`
	MemStore   bool   `long:"memstore" description:"Use a memory-only store instead of BoltDB -- all data is lost on exit"`

	GatewayURL        string `long:"gatewayurl" description:"Base URL of the gateway relay to use for network access"`
	GatewayProxy      string `long:"gatewayproxy" description:"Connect to the gateway via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	GatewayProxyUser  string `long:"gatewayproxyuser" description:"Username for the gateway proxy server"`
	GatewayProxyPass  string `long:"gatewayproxypass" default-mask:"-" description:"Password for the gateway proxy server"`
	TorIsolation      bool   `long:"torisolation" description:"Enable Tor stream isolation by randomizing user credentials for each gateway connection."`

	RPCUser       string   `short:"u" long:"rpcuser" description:"Username for RPC connections"`
	RPCPass       string   `short:"P" long:"rpcpass" default-mask:"-" description:"Password for RPC connections"`
	RPCLimitUser  string   `long:"rpclimituser" description:"Username for limited RPC connections"`
	RPCLimitPass  string   `long:"rpclimitpass" default-mask:"-" description:"Password for limited RPC connections"`
	RPCListeners  []string `long:"rpclisten" description:"Add an interface/port to listen for RPC connections (default port: 8442)"`
	RPCMaxClients int      `long:"rpcmaxclients" description:"Max number of RPC clients"`
	RPCCert       string   `long:"rpccert" description:"File containing the certificate file"`
	RPCKey        string   `long:"rpckey" description:"File containing the certificate key"`
	DisableRPC    bool     `long:"norpc" description:"Disable built-in RPC server -- NOTE: The RPC server is disabled by default if no rpcuser/rpcpass or rpclimituser/rpclimitpass is specified"`
	DisableTLS    bool     `long:"notls" description:"Disable TLS for the RPC server -- NOTE: This is only allowed if the RPC server is bound to localhost"`

	DoPOW                       bool   `long:"dopow" description:"Search for a valid proof-of-work nonce before disseminating objects"`
	NetworkNonceTrialsPerByte   uint64 `long:"noncetrialsperbyte" description:"Proof-of-work difficulty, nonce trials per byte"`
	NetworkExtraBytes           uint64 `long:"extrabytes" description:"Proof-of-work difficulty, extra bytes added to the payload length"`
	MinimumTimeBehindNetwork    int64  `long:"minpollinterval" description:"Minimum number of seconds between check-for-messages polls"`
	TimeBetweenDatabaseCleaning int64  `long:"cleaninterval" description:"Minimum number of seconds between database cleaning passes"`

	gatewayProxy *gateway.ProxyConfig
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(bmcoreHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems
// for logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and
// set the levels accordingly. An appropriate error is returned if anything
// is invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		if !validLogLevel(debugLevel) {
			return fmt.Errorf("the specified debug level [%v] is invalid", debugLevel)
		}
		setLogLevels(debugLevel)
		return nil
	}

	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			return fmt.Errorf("the specified debug level contains an invalid subsystem/level pair [%v]", logLevelPair)
		}

		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		if _, exists := subsystemLoggers[subsysID]; !exists {
			return fmt.Errorf("the specified subsystem [%v] is invalid -- supported subsystems %v", subsysID, supportedSubsystems())
		}
		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is invalid", logLevel)
		}
		setLogLevel(subsysID, logLevel)
	}
	return nil
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *config, options flags.Options) *flags.Parser {
	return flags.NewParser(cfg, options)
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, []string, error) {
	cfg := config{
		ConfigFile:                  defaultConfigFile,
		DebugLevel:                  defaultLogLevel,
		DataDir:                     defaultDataDir,
		LogDir:                      defaultLogDir,
		RPCMaxClients:               defaultMaxRPCClients,
		RPCKey:                      defaultRPCKeyFile,
		RPCCert:                     defaultRPCCertFile,
		GatewayURL:                  defaultGatewayURL,
		DoPOW:                       defaultDoPOW,
		NetworkNonceTrialsPerByte:   defaultNetworkNonceTrialsPerByte,
		NetworkExtraBytes:           defaultNetworkExtraBytes,
		MinimumTimeBehindNetwork:    defaultMinimumTimeBehindNetwork,
		TimeBetweenDatabaseCleaning: defaultTimeBetweenDatabaseCleaning,
	}

	preCfg := cfg
	preParser := newConfigParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
	}

	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	var configFileError error
	parser := newConfigParser(&cfg, flags.Default)
	if preCfg.ConfigFile != defaultConfigFile {
		err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			if _, ok := err.(*os.PathError); !ok {
				fmt.Fprintf(os.Stderr, "Error parsing config file: %v\n", err)
				fmt.Fprintln(os.Stderr, usageMessage)
				return nil, nil, err
			}
			configFileError = err
		}
	}

	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	if err := os.MkdirAll(bmcoreHomeDir, 0700); err != nil {
		if e, ok := err.(*os.PathError); ok && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				err = fmt.Errorf("is symlink %s -> %s mounted?", e.Path, link)
			}
		}
		err := fmt.Errorf("loadConfig: failed to create home directory: %v", err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	initSeelogLogger(filepath.Join(cfg.LogDir, defaultLogFilename))
	setLogLevels(defaultLogLevel)

	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("loadConfig: %v", err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	if cfg.BoltDBFile == "" {
		cfg.BoltDBFile = filepath.Join(cfg.DataDir, "bmcore.db")
	}

	// Check to make sure limited and admin users don't have the same
	// username or password.
	if cfg.RPCUser == cfg.RPCLimitUser && cfg.RPCUser != "" {
		err := fmt.Errorf("loadConfig: --rpcuser and --rpclimituser must not specify the same username")
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}
	if cfg.RPCPass == cfg.RPCLimitPass && cfg.RPCPass != "" {
		err := fmt.Errorf("loadConfig: --rpcpass and --rpclimitpass must not specify the same password")
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// The RPC server is disabled if no username or password is provided.
	if (cfg.RPCUser == "" || cfg.RPCPass == "") &&
		(cfg.RPCLimitUser == "" || cfg.RPCLimitPass == "") {
		cfg.DisableRPC = true
	}

	if !cfg.DisableRPC && len(cfg.RPCListeners) == 0 {
		cfg.RPCListeners = []string{net.JoinHostPort("localhost", defaultRPCPort)}
	}

	// Only allow TLS to be disabled if the RPC server is bound to
	// localhost addresses.
	if !cfg.DisableRPC && cfg.DisableTLS {
		allowedTLSListeners := map[string]struct{}{
			"localhost": {},
			"127.0.0.1": {},
			"::1":       {},
		}
		for _, addr := range cfg.RPCListeners {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				err := fmt.Errorf("loadConfig: RPC listen interface '%s' is invalid: %v", addr, err)
				fmt.Fprintln(os.Stderr, err)
				fmt.Fprintln(os.Stderr, usageMessage)
				return nil, nil, err
			}
			if _, ok := allowedTLSListeners[host]; !ok {
				err := fmt.Errorf("loadConfig: the --notls option may not be used when binding RPC to non localhost addresses: %s", addr)
				fmt.Fprintln(os.Stderr, err)
				fmt.Fprintln(os.Stderr, usageMessage)
				return nil, nil, err
			}
		}
	}

	if cfg.GatewayProxy != "" {
		if _, _, err := net.SplitHostPort(cfg.GatewayProxy); err != nil {
			err := fmt.Errorf("loadConfig: gateway proxy address '%s' is invalid: %v", cfg.GatewayProxy, err)
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
		if cfg.TorIsolation && (cfg.GatewayProxyUser != "" || cfg.GatewayProxyPass != "") {
			rpcsLog.Warn("Tor isolation set -- overriding specified gateway proxy user credentials")
		}
		cfg.gatewayProxy = &gateway.ProxyConfig{
			Addr:         cfg.GatewayProxy,
			Username:     cfg.GatewayProxyUser,
			Password:     cfg.GatewayProxyPass,
			TorIsolation: cfg.TorIsolation,
		}
	} else if cfg.TorIsolation {
		err := fmt.Errorf("loadConfig: tor stream isolation requires --gatewayproxy to be set")
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	if configFileError != nil {
		rpcsLog.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}

// genCertPair generates a key/cert pair to the paths provided, for use by
// the RPC server's TLS listener.
func genCertPair(certFile, keyFile string) error {
	rpcsLog.Infof("Generating TLS certificates...")

	org := "bmcore autogenerated cert"
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := btcutil.NewTLSCertPair(org, validUntil, nil)
	if err != nil {
		return err
	}

	if err = os.WriteFile(certFile, cert, 0666); err != nil {
		return err
	}
	if err = os.WriteFile(keyFile, key, 0600); err != nil {
		os.Remove(certFile)
		return err
	}

	rpcsLog.Infof("Done generating TLS certificates")
	return nil
}
