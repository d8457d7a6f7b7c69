// Originally derived from: btcsuite/btcd/log.go
// Copyright (c) 2013-2015 The btcsuite developers

// Copyright (c) 2015 Monetas.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btclog"
	"github.com/btcsuite/seelog"

	"github.com/bitseal-go/bmcore/driver"
	"github.com/bitseal-go/bmcore/engine"
	"github.com/bitseal-go/bmcore/gateway"
	"github.com/bitseal-go/bmcore/pow"
	"github.com/bitseal-go/bmcore/queue"
	"github.com/bitseal-go/bmcore/resolver"
	"github.com/bitseal-go/bmcore/wireobj"
)

// Loggers per subsystem. Note that backendLog is a seelog logger that all of
// the subsystem loggers route their messages to. When adding new
// subsystems, add a reference here, to the subsystemLoggers map, and the
// useLogger function.
var (
	backendLog = seelog.Disabled
	powLog     = btclog.Disabled
	wireLog    = btclog.Disabled
	addrLog    = btclog.Disabled
	envlLog    = btclog.Disabled
	rslvLog    = btclog.Disabled
	queueLog   = btclog.Disabled
	engnLog    = btclog.Disabled
	drvrLog    = btclog.Disabled
	storLog    = btclog.Disabled
	gwayLog    = btclog.Disabled
	rpcsLog    = btclog.Disabled
)

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"POW":   powLog,
	"WIRE":  wireLog,
	"ADDR":  addrLog,
	"ENVL":  envlLog,
	"RSLV":  rslvLog,
	"QUEUE": queueLog,
	"ENGN":  engnLog,
	"DRVR":  drvrLog,
	"STOR":  storLog,
	"GWAY":  gwayLog,
	"RPCS":  rpcsLog,
}

// logClosure is used to provide a closure over expensive logging operations
// so they don't have to be performed when the logging level doesn't warrant
// it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with
// the logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}

// useLogger updates the logger references for subsystemID to logger.
// Invalid subsystems are ignored.
func useLogger(subsystemID string, logger btclog.Logger) {
	if _, ok := subsystemLoggers[subsystemID]; !ok {
		return
	}
	subsystemLoggers[subsystemID] = logger

	switch subsystemID {
	case "POW":
		powLog = logger
		pow.UseLogger(logger)
	case "WIRE":
		wireLog = logger
		wireobj.UseLogger(logger)
	case "ADDR":
		addrLog = logger
	case "ENVL":
		envlLog = logger
	case "RSLV":
		rslvLog = logger
		resolver.UseLogger(logger)
	case "QUEUE":
		queueLog = logger
		queue.UseLogger(logger)
	case "ENGN":
		engnLog = logger
		engine.UseLogger(logger)
	case "DRVR":
		drvrLog = logger
		driver.UseLogger(logger)
	case "STOR":
		storLog = logger
	case "GWAY":
		gwayLog = logger
		gateway.UseLogger(logger)
	case "RPCS":
		rpcsLog = logger
	}
}

// initSeelogLogger initializes a new seelog logger that is used as the
// backend for all logging subsystems.
func initSeelogLogger(logFile string) {
	config := `
	<seelog type="adaptive" mininterval="2000000" maxinterval="100000000"
		critmsgcount="500" minlevel="trace">
		<outputs formatid="all">
			<console />
			<rollingfile type="size" filename="%s" maxsize="10485760" maxrolls="3" />
		</outputs>
		<formats>
			<format id="all" format="%%Time %%Date [%%LEV] %%Msg%%n" />
		</formats>
	</seelog>`
	config = fmt.Sprintf(config, logFile)

	logger, err := seelog.LoggerFromConfigAsString(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v", err)
		os.Exit(1)
	}

	backendLog = logger
}

// setLogLevel sets the logging level for the provided subsystem. Invalid
// subsystems are ignored. Uninitialized subsystems are dynamically created
// as needed.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	level, ok := btclog.LogLevelFromString(logLevel)
	if !ok {
		level = btclog.InfoLvl
	}

	if logger == btclog.Disabled {
		logger = btclog.NewSubsystemLogger(backendLog, subsystemID+": ")
		useLogger(subsystemID, logger)
	}
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level. It also dynamically creates the subsystem loggers as needed, so it
// can be used to initialize the logging system.
func setLogLevels(logLevel string) {
	for subsysID := range subsystemLoggers {
		setLogLevel(subsysID, logLevel)
	}
}

// sanitizeString strips any characters which are even remotely dangerous,
// such as html control characters, from the passed string. It also limits
// it to the passed maximum size, which can be 0 for unlimited. When the
// string is limited, it will also add "..." to the string to indicate it
// was truncated.
func sanitizeString(str string, maxLength uint) string {
	const safeChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXY" +
		"Z01234567890 .,;_/:?@"

	str = strings.Map(func(r rune) rune {
		if strings.IndexRune(safeChars, r) >= 0 {
			return r
		}
		return -1
	}, str)

	if maxLength > 0 && uint(len(str)) > maxLength {
		str = str[:maxLength] + "..."
	}
	return str
}
