//go:build linux
// +build linux

// Command daosfs mounts DAOS pools and containers as a filesystem. By
// default the process moves itself to the background and only returns
// control once the mount is live.
package main

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/pflag"

	"github.com/rogue-developer/daosfs/daosfsd"
	"github.com/rogue-developer/daosfs/internal/cmdutil"
	"github.com/rogue-developer/daosfs/internal/fault"
)

var version = "devel"

func main() {
	var (
		o  = daosfsd.DefaultOptions
		ll cmdutil.LogLevel

		disableCaching bool
		disableWbCache bool
		showVersion    bool
	)

	fs := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	fs.Var(&ll, "log-level", "Level to display logs at")

	fs.StringVarP(&o.Mountpoint, "mountpoint", "m", o.Mountpoint, "Directory to mount at (required)")
	fs.StringVar(&o.Pool, "pool", o.Pool, "Pool UUID or label to open")
	fs.StringVar(&o.Cont, "container", o.Cont, "Container UUID or label to open")
	fs.StringVar(&o.AttrPath, "path", o.AttrPath, "Path whose attributes name the pool and container")
	fs.StringVar(&o.SysName, "sys-name", o.SysName, "DAOS system name context for the connection")

	fs.BoolVarP(&o.SingleThread, "singlethread", "S", o.SingleThread, "Run single threaded")
	fs.IntVarP(&o.ThreadCount, "thread-count", "t", o.ThreadCount, "Number of threads to use (0 derives from the CPU set)")
	fs.BoolVarP(&o.Foreground, "foreground", "f", o.Foreground, "Run in the foreground")

	fs.BoolVar(&disableCaching, "disable-caching", false, "Disable all caching")
	fs.BoolVar(&disableWbCache, "disable-wb-cache", false, "Use write-through rather than write-back cache")

	fs.StringVar(&o.AgentSocket, "agent-socket", o.AgentSocket, "Unix socket of the storage agent")
	fs.StringVar(&o.InfoAddr, "info-addr", o.InfoAddr, "Listen address for metrics and pprof (empty disables)")

	fs.BoolVarP(&showVersion, "version", "v", false, "Show version and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %s\n", err.Error())
		os.Exit(daosfsd.ExitCode(fault.Configf("bad flags")))
	}

	if showVersion {
		fmt.Printf("daosfs version %s\n", version)
		os.Exit(0)
	}

	stdout := log.NewSyncWriter(os.Stdout)
	l := log.NewLogfmtLogger(stdout)
	l = level.NewFilter(l, ll.FilterOption())
	l = log.With(l, "ts", log.DefaultTimestamp, "caller", log.DefaultCaller)

	if o.Mountpoint == "" {
		fmt.Fprintln(os.Stderr, "--mountpoint is required")
		fs.Usage()
		os.Exit(daosfsd.ExitCode(fault.Configf("no mountpoint")))
	}

	if disableCaching {
		o.Caching = false
		o.WritebackCache = false
	}
	if disableWbCache {
		o.WritebackCache = false
	}

	// Launchers start one process per rank; backgrounding under them
	// orphans the mount before the job can use it.
	if _, underLauncher := os.LookupEnv("PMIX_RANK"); underLauncher && !o.Foreground {
		level.Warn(l).Log("msg", "running under a job launcher, staying in the foreground")
		o.Foreground = true
	}

	err := daosfsd.Run(l, o)
	if err != nil {
		level.Error(l).Log("msg", "daosfs failed", "err", err)
	}
	os.Exit(daosfsd.ExitCode(err))
}
