// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrsyncd/internal/admission"
	"github.com/decred/dcrsyncd/internal/blockcache"
	"github.com/decred/dcrsyncd/internal/chainselect"
	"github.com/decred/dcrsyncd/internal/orphanpool"
	"github.com/decred/dcrsyncd/internal/peerstate"
	"github.com/decred/dcrsyncd/internal/scriptcheck"
	"github.com/decred/dcrsyncd/internal/version"
	"github.com/decred/dcrsyncd/sampleconfig"
	"github.com/decred/slog"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "dcrsyncd.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "dcrsyncd.log"

	// defaultScriptThreads selects one script verification worker per
	// available processor core.
	defaultScriptThreads = -1

	defaultSigCacheMaxSize = 100000
)

var (
	defaultHomeDir    = dcrutil.AppDataDir("dcrsyncd", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config defines the configuration options for dcrsyncd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	// General application behavior.
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	HomeDir     string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output"`

	// Network settings.
	TestNet bool `long:"testnet" description:"Use the test network"`
	SimNet  bool `long:"simnet" description:"Use the simulation test network"`
	RegNet  bool `long:"regnet" description:"Use the regression test network"`

	// Logging and debug settings.
	DebugLevel    string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	NoFileLogging bool   `long:"nofilelogging" description:"Disable file logging"`
	Prometheus    string `long:"prometheus" description:"Enable the HTTP server that serves prometheus metrics and profiling endpoints on the given address (e.g. 127.0.0.1:9500)"`

	// Verification settings.
	ScriptThreads   int  `long:"scriptthreads" description:"Number of script verification workers (-1 selects the number of processor cores, 0 verifies synchronously)"`
	SigCacheMaxSize uint `long:"sigcachemaxsize" description:"The maximum number of entries in the signature verification cache"`

	// Admission settings.
	MaxOrphanTxs            int           `long:"maxorphantx" description:"Max number of orphan transactions to keep in memory"`
	MaxOrphanTxSize         int           `long:"maxorphantxsize" description:"Max serialized size of orphan transactions to keep in memory"`
	MaxCachedBlocks         int           `long:"maxcachedblocks" description:"Max number of blocks waiting for their ancestors to keep in memory"`
	MaxBlockAge             time.Duration `long:"maxblockage" description:"Max amount of time a block waits for its ancestors before it is discarded"`
	MaxRevalidationAttempts int           `long:"maxrevalidationattempts" description:"Max number of attempts to connect a cached block before it is discarded"`
	RevalidationWait        time.Duration `long:"revalidationwait" description:"Fixed minimum time between attempts to connect a cached block (0 adapts the time to the cache occupancy)"`
	MaxForkSwitches         int           `long:"maxforkswitches" description:"Max number of failed attempts to switch to the same fork before further attempts are refused"`
	ForkSwitchCooldown      time.Duration `long:"forkswitchcooldown" description:"Amount of time after which failed attempts to switch to a fork are forgotten"`
	BlockStallTimeout       time.Duration `long:"blockstalltimeout" description:"Base amount of time a peer is given to deliver a requested block before it is considered stalled"`

	// Import settings.
	ImportFile string `long:"importfile" description:"Import blocks from a file of serialized blocks and exit once they are processed"`

	// params is the network parameters of the selected network.
	params *chaincfg.Params
}

// errSuppressUsage signifies that an error that happened during the initial
// configuration phase should suppress the usage output since it was not caused
// by the user.
type errSuppressUsage string

// Error implements the error interface.
func (e errSuppressUsage) Error() string {
	return string(e)
}

// cleanAndExpandPath expands environment variables and leading ~ in the passed
// path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Nothing to do when no path is given.
	if path == "" {
		return path
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser to
	// otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	_, ok := slog.LevelFromString(logLevel)
	return ok
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimiters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// validateListenAddr ensures the provided address is of the form "host:port"
// with a port in the valid range.  A lone port number is treated as a port on
// the IPv4 loopback address.
func validateListenAddr(addr string) (string, error) {
	if _, err := strconv.Atoi(addr); err == nil {
		addr = net.JoinHostPort("127.0.0.1", addr)
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	if port, _ := strconv.Atoi(portStr); port < 1 || port > 65535 {
		return "", fmt.Errorf("address %q: port must be between 1 and "+
			"65535", addr)
	}
	return addr, nil
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

// createDefaultConfigFile creates a config file at the provided path with the
// commented example configuration.
func createDefaultConfigFile(destPath string) error {
	// Create the destination directory if it does not exist.
	err := os.MkdirAll(filepath.Dir(destPath), 0700)
	if err != nil {
		return err
	}

	dest, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC,
		0600)
	if err != nil {
		return err
	}
	defer dest.Close()

	_, err = dest.WriteString(sampleconfig.Dcrsyncd())
	return err
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *config, options flags.Options) *flags.Parser {
	return flags.NewParser(cfg, options)
}

// defaultConfig returns a config populated with the default values.
func defaultConfig() config {
	return config{
		HomeDir:                 defaultHomeDir,
		ConfigFile:              defaultConfigFile,
		DataDir:                 defaultDataDir,
		LogDir:                  defaultLogDir,
		DebugLevel:              defaultLogLevel,
		ScriptThreads:           defaultScriptThreads,
		SigCacheMaxSize:         defaultSigCacheMaxSize,
		MaxOrphanTxs:            orphanpool.DefaultMaxOrphanTransactions,
		MaxOrphanTxSize:         orphanpool.DefaultMaxOrphanTxSize,
		MaxCachedBlocks:         blockcache.DefaultMaxCachedBlocks,
		MaxBlockAge:             blockcache.DefaultMaxBlockAge,
		MaxRevalidationAttempts: blockcache.DefaultMaxRevalidationAttempts,
		MaxForkSwitches:         chainselect.MaxFailedForkSwitches,
		ForkSwitchCooldown:      chainselect.ForkSwitchTrackerExpiration,
		BlockStallTimeout:       peerstate.DefaultBlockStallTimeout,
	}
}

// loadConfig initializes and parses the config using a config file and the
// provided command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in dcrsyncd functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig(appName string, args []string) (*config, []string, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := newConfigParser(&preCfg, flags.HelpFlag)
	_, err := preParser.ParseArgs(args)
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			version.String(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Update the home directory for dcrsyncd if specified.  Since the home
	// directory is updated, other variables need to be updated to reflect
	// the new changes.
	if preCfg.HomeDir != "" {
		cfg.HomeDir, _ = filepath.Abs(cleanAndExpandPath(preCfg.HomeDir))

		if preCfg.ConfigFile == defaultConfigFile {
			cfg.ConfigFile = filepath.Join(cfg.HomeDir, defaultConfigFilename)
		} else {
			cfg.ConfigFile = cleanAndExpandPath(preCfg.ConfigFile)
		}
		if preCfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(cfg.HomeDir, defaultDataDirname)
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		}
	}

	// Create a default config file when one does not exist and the user did
	// not specify an override.  The test networks are excluded since they
	// are typically run with throwaway configurations.
	isDefaultConfigFile := cfg.ConfigFile == defaultConfigFile ||
		cfg.ConfigFile == filepath.Join(cfg.HomeDir, defaultConfigFilename)
	if isDefaultConfigFile && !(preCfg.SimNet || preCfg.RegNet) &&
		!fileExists(cfg.ConfigFile) {

		err := createDefaultConfigFile(cfg.ConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating a default config file: "+
				"%v\n", err)
		}
	}

	// Load additional config from file.  A missing default config file is
	// not an error.
	parser := newConfigParser(&cfg, flags.Default)
	if fileExists(cfg.ConfigFile) {
		err := flags.NewIniParser(parser).ParseFile(cfg.ConfigFile)
		if err != nil {
			err := fmt.Errorf("error parsing config file: %w", err)
			return nil, nil, err
		}
	} else if !isDefaultConfigFile {
		err := fmt.Errorf("config file %q does not exist", cfg.ConfigFile)
		return nil, nil, err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.ParseArgs(args)
	if err != nil {
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	numNets := 0
	cfg.params = chaincfg.MainNetParams()
	if cfg.TestNet {
		numNets++
		cfg.params = chaincfg.TestNet3Params()
	}
	if cfg.SimNet {
		numNets++
		cfg.params = chaincfg.SimNetParams()
	}
	if cfg.RegNet {
		numNets++
		cfg.params = chaincfg.RegNetParams()
	}
	if numNets > 1 {
		str := "%s: the testnet, regnet, and simnet params can't be used " +
			"together -- choose one of the three"
		return nil, nil, fmt.Errorf(str, appName)
	}

	// Append the network type to the data and log directories so they are
	// "namespaced" per network.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DataDir = filepath.Join(cfg.DataDir, cfg.params.Name)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.params.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	if !cfg.NoFileLogging {
		logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
		if err := initLogRotator(logFile); err != nil {
			return nil, nil, errSuppressUsage(err.Error())
		}
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", appName, err)
	}

	// Validate the numeric limits.
	if cfg.ScriptThreads > scriptcheck.MaxScriptCheckThreads {
		str := "%s: the scriptthreads option may not be more than %d -- " +
			"parsed [%d]"
		return nil, nil, fmt.Errorf(str, appName,
			scriptcheck.MaxScriptCheckThreads, cfg.ScriptThreads)
	}
	nonNegative := []struct {
		name  string
		value int64
	}{
		{"maxorphantx", int64(cfg.MaxOrphanTxs)},
		{"maxorphantxsize", int64(cfg.MaxOrphanTxSize)},
		{"maxcachedblocks", int64(cfg.MaxCachedBlocks)},
		{"maxblockage", int64(cfg.MaxBlockAge)},
		{"maxrevalidationattempts", int64(cfg.MaxRevalidationAttempts)},
		{"revalidationwait", int64(cfg.RevalidationWait)},
		{"maxforkswitches", int64(cfg.MaxForkSwitches)},
		{"forkswitchcooldown", int64(cfg.ForkSwitchCooldown)},
		{"blockstalltimeout", int64(cfg.BlockStallTimeout)},
	}
	for _, opt := range nonNegative {
		if opt.value < 0 {
			str := "%s: the %s option may not be less than 0 -- parsed [%d]"
			return nil, nil, fmt.Errorf(str, appName, opt.name, opt.value)
		}
	}

	if cfg.Prometheus != "" {
		addr, err := validateListenAddr(cfg.Prometheus)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: invalid prometheus listen "+
				"address: %w", appName, err)
		}
		cfg.Prometheus = addr
	}

	if cfg.ImportFile != "" {
		cfg.ImportFile = cleanAndExpandPath(cfg.ImportFile)
		if !fileExists(cfg.ImportFile) {
			str := "%s: the import file %q does not exist"
			return nil, nil, fmt.Errorf(str, appName, cfg.ImportFile)
		}
	}

	return &cfg, remainingArgs, nil
}

// waitPolicy returns the policy that determines the time between attempts to
// connect cached blocks.
func (cfg *config) waitPolicy() blockcache.WaitPolicy {
	if cfg.RevalidationWait > 0 {
		return blockcache.FixedWaitPolicy(cfg.RevalidationWait)
	}
	return blockcache.NewPIWaitPolicy()
}

// admissionConfig returns the limits of the admission manager that are set by
// the configuration.  The remaining fields are filled in by the server.
func (cfg *config) admissionConfig() admission.Config {
	return admission.Config{
		MaxOrphanTxs:            cfg.MaxOrphanTxs,
		MaxOrphanTxSize:         cfg.MaxOrphanTxSize,
		MaxCachedBlocks:         cfg.MaxCachedBlocks,
		MaxBlockAge:             cfg.MaxBlockAge,
		MaxRevalidationAttempts: cfg.MaxRevalidationAttempts,
		WaitPolicy:              cfg.waitPolicy(),
		MaxForkSwitches:         cfg.MaxForkSwitches,
		ForkSwitchCooldown:      cfg.ForkSwitchCooldown,
		BlockStallTimeout:       cfg.BlockStallTimeout,
	}
}
