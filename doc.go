// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
dcrsyncd is a Decred block and transaction admission daemon written in Go.

It validates and connects blocks to a local chain, follows the best chain
across reorganizations, caches blocks that arrive before their ancestors, and
admits transactions to a memory pool while tracking orphan transactions and
peer misbehavior.

The default options are sane for most users.  The long form of all of the
options below (except -C) can be specified in a configuration file that is
automatically parsed when dcrsyncd starts up.  By default, the configuration
file is located at ~/.dcrsyncd/dcrsyncd.conf on POSIX-style operating systems
and %LOCALAPPDATA%\dcrsyncd\dcrsyncd.conf on Windows.  The -C (--configfile)
flag can be used to override this location.

Usage:

	dcrsyncd [OPTIONS]

Application Options:

	-V, --version                   Display version information and exit
	-A, --appdata=                  Path to application home directory
	-C, --configfile=               Path to configuration file
	-b, --datadir=                  Directory to store data
	    --logdir=                   Directory to log output
	    --testnet                   Use the test network
	    --simnet                    Use the simulation test network
	    --regnet                    Use the regression test network
	-d, --debuglevel=               Logging level for all subsystems {trace,
	                                debug, info, warn, error, critical} -- You
	                                may also specify
	                                <subsystem>=<level>,<subsystem2>=<level>,...
	                                to set the log level for individual
	                                subsystems -- Use show to list available
	                                subsystems (info)
	    --nofilelogging             Disable file logging
	    --prometheus=               Enable the HTTP server that serves
	                                prometheus metrics and profiling endpoints
	                                on the given address (e.g. 127.0.0.1:9500)
	    --scriptthreads=            Number of script verification workers (-1
	                                selects the number of processor cores, 0
	                                verifies synchronously) (default: -1)
	    --sigcachemaxsize=          The maximum number of entries in the
	                                signature verification cache (default:
	                                100000)
	    --maxorphantx=              Max number of orphan transactions to keep
	                                in memory (default: 100)
	    --maxorphantxsize=          Max serialized size of orphan transactions
	                                to keep in memory (default: 100000)
	    --maxcachedblocks=          Max number of blocks waiting for their
	                                ancestors to keep in memory (default: 256)
	    --maxblockage=              Max amount of time a block waits for its
	                                ancestors before it is discarded
	                                (default: 30m)
	    --maxrevalidationattempts=  Max number of attempts to connect a cached
	                                block before it is discarded (default: 10)
	    --revalidationwait=         Fixed minimum time between attempts to
	                                connect a cached block (0 adapts the time
	                                to the cache occupancy)
	    --maxforkswitches=          Max number of failed attempts to switch to
	                                the same fork before further attempts are
	                                refused (default: 3)
	    --forkswitchcooldown=       Amount of time after which failed attempts
	                                to switch to a fork are forgotten
	                                (default: 5m)
	    --blockstalltimeout=        Base amount of time a peer is given to
	                                deliver a requested block before it is
	                                considered stalled (default: 5s)
	    --importfile=               Import blocks from a file of serialized
	                                blocks and exit once they are processed

Help Options:

	-h, --help           Show this help message

Import File Format:

The import file is a sequence of records, each consisting of the 4-byte
little-endian network magic, the 4-byte little-endian length of the serialized
block, and the serialized block itself.
*/
package main
