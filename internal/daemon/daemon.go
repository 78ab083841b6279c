package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldrep/fieldsync/internal/attachment"
	"github.com/fieldrep/fieldsync/internal/syncer"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Syncer is the part of the sync engine the daemon drives.
type Syncer interface {
	Run(ctx context.Context) syncer.Result
	PushActivity(ctx context.Context) syncer.Result
}

// Relay uploads pending attachments.
type Relay interface {
	Run(ctx context.Context) (attachment.Report, error)
}

// Prober reports whether the server is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// PingRecorder stores activity pings.
type PingRecorder interface {
	AppendPing(ctx context.Context, lat, lon float64, at time.Time) (int64, error)
}

// Locator returns the device's current position.
type Locator func(ctx context.Context) (lat, lon float64, err error)

// Config holds configuration for the daemon.
type Config struct {
	Logger zerolog.Logger

	// ProbeInterval is how often connectivity is checked (default: 15s)
	ProbeInterval time.Duration

	// PingInterval is how often an activity ping is recorded (default: 5m).
	// The ping loop is disabled when Locate is nil.
	PingInterval time.Duration

	// DebounceInterval is how long a new attachment file must be quiet
	// before the relay runs (default: 500ms)
	DebounceInterval time.Duration

	// AttachmentDir is watched for new receipt files. Empty disables watching.
	AttachmentDir string

	Locate Locator

	// OnStatusChange, if set, is called after every connectivity transition.
	OnStatusChange func(Status)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:    15 * time.Second,
		PingInterval:     5 * time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           zerolog.Nop(),
	}
}

// Status is a snapshot of the daemon's view of connectivity.
type Status struct {
	Online     bool
	LastProbe  time.Time
	LastChange time.Time
	Reconnects int
}

// Daemon watches connectivity and pushes local work whenever the server
// becomes reachable. The sync engine itself never polls.
type Daemon struct {
	sync   Syncer
	relay  Relay
	probe  Prober
	pings  PingRecorder
	config Config

	mu       sync.Mutex
	status   Status
	needSync bool // last catch-up did not finish; retried on the next online probe

	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex
}

// New creates a Daemon. relay and pings may be nil.
func New(s Syncer, relay Relay, probe Prober, pings PingRecorder, config Config) (*Daemon, error) {
	if s == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if probe == nil {
		return nil, fmt.Errorf("prober cannot be nil")
	}

	def := DefaultConfig()
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = def.ProbeInterval
	}
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}

	return &Daemon{
		sync:        s,
		relay:       relay,
		probe:       probe,
		pings:       pings,
		config:      config,
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Start runs the probe loop, the ping loop and the attachment watcher.
// It blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Info().
		Dur("probe_interval", d.config.ProbeInterval).
		Str("attachments", d.config.AttachmentDir).
		Msg("starting daemon")

	var fw *FileWatcher
	if d.config.AttachmentDir != "" && d.relay != nil {
		var err error
		fw, err = NewFileWatcher()
		if err != nil {
			return err
		}
		if err := fw.Start(d.config.AttachmentDir); err != nil {
			_ = fw.watcher.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.probeLoop(gctx)
		return nil
	})
	if d.config.Locate != nil && d.pings != nil {
		g.Go(func() error {
			d.pingLoop(gctx)
			return nil
		})
	}
	if fw != nil {
		g.Go(func() error {
			d.watchLoop(gctx, fw)
			return fw.Stop()
		})
	}

	err := g.Wait()
	d.config.Logger.Info().Msg("daemon stopped")
	return err
}

// Status returns the current connectivity snapshot.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Daemon) online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status.Online
}

func (d *Daemon) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(d.config.ProbeInterval)
	defer ticker.Stop()

	d.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce checks connectivity and, on an offline to online transition,
// pushes pending rows, then attachments, then activity. A catch-up that was
// turned away because a run was in progress, or that failed with a
// retryable error, is repeated on every later online probe until it
// completes.
func (d *Daemon) ProbeOnce(ctx context.Context) {
	err := d.probe.Probe(ctx)
	if ctx.Err() != nil {
		return
	}
	up := err == nil

	d.mu.Lock()
	was := d.status.Online
	now := time.Now()
	d.status.LastProbe = now
	if up != was {
		d.status.Online = up
		d.status.LastChange = now
		if up {
			d.status.Reconnects++
		}
	}
	st := d.status
	retry := up && was && d.needSync
	d.mu.Unlock()

	if up != was && d.config.OnStatusChange != nil {
		d.config.OnStatusChange(st)
	}

	switch {
	case up && !was:
		d.config.Logger.Info().Msg("server reachable")
		d.catchUp(ctx)
	case retry:
		d.config.Logger.Debug().Msg("retrying catch-up")
		d.catchUp(ctx)
	case !up && was:
		d.config.Logger.Warn().Err(err).Msg("server unreachable")
	}
}

func (d *Daemon) catchUp(ctx context.Context) {
	res := d.sync.Run(ctx)

	pending := res.InProgress || (!res.Success && !res.SessionExpired && syncer.IsRetryable(res.Err))
	d.mu.Lock()
	d.needSync = pending
	d.mu.Unlock()

	switch {
	case res.InProgress:
		d.config.Logger.Debug().Msg("sync busy, will retry")
	case pending:
		d.config.Logger.Warn().Err(res.Err).Msg("sync failed, will retry")
	}

	if res.SessionExpired {
		d.config.Logger.Warn().Msg("session expired, waiting for login")
		return
	}
	d.runRelay(ctx)

	if act := d.sync.PushActivity(ctx); !act.Success && !act.InProgress {
		d.config.Logger.Debug().Err(act.Err).Msg("activity push failed")
	}
}

func (d *Daemon) runRelay(ctx context.Context) {
	if d.relay == nil {
		return
	}
	rep, err := d.relay.Run(ctx)
	switch {
	case errors.Is(err, attachment.ErrInProgress):
		d.config.Logger.Debug().Msg("attachment relay busy")
	case err != nil:
		d.config.Logger.Warn().Err(err).Msg("attachment relay failed")
	case rep.Uploaded > 0 || rep.Failed > 0:
		d.config.Logger.Info().Int("uploaded", rep.Uploaded).Int("failed", rep.Failed).Msg("attachments relayed")
	}
}

// pingLoop records a location sample every PingInterval and pushes them
// while online. It stops as soon as ctx is cancelled.
func (d *Daemon) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(d.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.recordPing(ctx)
		}
	}
}

func (d *Daemon) recordPing(ctx context.Context) {
	lat, lon, err := d.config.Locate(ctx)
	if err != nil {
		d.config.Logger.Debug().Err(err).Msg("no position for ping")
		return
	}
	if _, err := d.pings.AppendPing(ctx, lat, lon, time.Now()); err != nil {
		d.config.Logger.Warn().Err(err).Msg("failed to record ping")
		return
	}
	if d.online() {
		if res := d.sync.PushActivity(ctx); !res.Success && !res.InProgress {
			d.config.Logger.Debug().Err(res.Err).Msg("activity push failed")
		}
	}
}

// watchLoop queues attachment file events and runs the relay once they
// settle.
func (d *Daemon) watchLoop(ctx context.Context, fw *FileWatcher) {
	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fw.Events():
			if !ok {
				return
			}
			d.config.Logger.Debug().Str("op", ev.Op.String()).Str("path", ev.Path).Msg("attachment file event")
			d.queueChange(ev.Path)

		case err, ok := <-fw.Errors():
			if !ok {
				return
			}
			d.config.Logger.Warn().Err(err).Msg("watcher error")

		case <-ticker.C:
			if d.takeSettled(time.Now()) > 0 && d.online() {
				d.runRelay(ctx)
			}
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[path] = time.Now()
}

// takeSettled removes and counts the queued paths quiet for at least
// DebounceInterval.
func (d *Daemon) takeSettled(now time.Time) int {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	n := 0
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		delete(d.changeQueue, path)
		n++
	}
	return n
}
