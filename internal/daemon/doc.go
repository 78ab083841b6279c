/*
Package daemon is the connectivity observer of fieldsync.

# Overview

The sync engine never polls. The daemon does: it probes the server's
/health endpoint and, each time the server goes from unreachable to
reachable, it pushes pending rows, then receipt attachments, then activity
pings.

Two more loops run alongside the probe:

  - the ping loop records a location sample every PingInterval and pushes
    pings while online
  - the attachment watcher runs the relay once new files in the attachment
    directory have settled for DebounceInterval

# Usage

	d, err := daemon.New(engine, relay, daemon.HealthProbe{Client: rc, Sessions: guard}, st, daemon.Config{
	    ProbeInterval: 15 * time.Second,
	    AttachmentDir: cfg.Attachments.Dir,
	    Locate:        daemon.FixedLocator(24.86, 67.01),
	    Logger:        logger,
	})
	if err != nil {
	    return err
	}
	return d.Start(ctx) // blocks until ctx is cancelled

# Concurrency

Every loop stops when the context passed to Start is cancelled. Engine
calls that overlap a run started elsewhere come back with InProgress set
and are skipped.
*/
package daemon
