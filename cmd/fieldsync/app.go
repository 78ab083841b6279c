package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fieldrep/fieldsync/internal/attachment"
	"github.com/fieldrep/fieldsync/internal/config"
	"github.com/fieldrep/fieldsync/internal/logging"
	"github.com/fieldrep/fieldsync/internal/prefs"
	"github.com/fieldrep/fieldsync/internal/remote"
	"github.com/fieldrep/fieldsync/internal/session"
	"github.com/fieldrep/fieldsync/internal/store"
	"github.com/fieldrep/fieldsync/internal/syncer"
	"github.com/fieldrep/fieldsync/internal/tenant"
	"github.com/fieldrep/fieldsync/internal/ui"
	"github.com/rs/zerolog"
)

var errNotLoggedIn = errors.New("not logged in, run 'fieldsync login' first")

// app is the wired object graph shared by the commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	prefs  *prefs.Store
	mgr    *tenant.Manager
	store  *store.Store
	remote *remote.Client
	guard  *session.Guard
	engine *syncer.Engine
	relay  *attachment.Relay
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath, dataDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logCfg := logging.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Console:    cfg.Log.Console,
	}
	if verbose {
		logCfg.Level = "debug"
		logCfg.Console = true
	}
	logger := logging.New(logCfg)

	p, err := prefs.Open(cfg.PrefsFile)
	if err != nil {
		return nil, err
	}
	mgr, err := tenant.NewManager(tenant.Config{
		DataDir: cfg.DataDir,
		Logger:  logger.With().Str("component", "tenant").Logger(),
	}, p)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, prefs: p, mgr: mgr}
	a.store = store.New(mgr, store.Config{Logger: logger.With().Str("component", "store").Logger()})
	a.remote = remote.New(remote.Config{
		Timeout: cfg.Sync.Timeout,
		Logger:  logger.With().Str("component", "remote").Logger(),
	})
	a.guard = session.NewGuard(mgr, p, a.store, a.remote, session.Config{
		Logger:       logger.With().Str("component", "session").Logger(),
		ConfigSecret: cfg.Session.ConfigSecret,
		OnReauth: func(context.Context) {
			fmt.Fprintf(os.Stderr, "%s Session ended. Run 'fieldsync login' to continue.\n", ui.RenderWarn("⚠"))
		},
	})
	a.engine = syncer.NewEngine(a.store, a.guard, a.remote, syncer.Config{
		Logger: logger.With().Str("component", "syncer").Logger(),
	})
	a.relay = attachment.NewRelay(a.store, a.guard, a.remote, attachment.Config{
		Logger:   logger.With().Str("component", "attachments").Logger(),
		MaxWidth: cfg.Attachments.MaxWidth,
	})
	return a, nil
}

// resume reopens the recorded tenant database.
func (a *app) resume(ctx context.Context) error {
	if _, err := a.mgr.Resume(ctx); err != nil {
		if errors.Is(err, tenant.ErrNoTenant) {
			return errNotLoggedIn
		}
		return err
	}
	return nil
}

func (a *app) close() {
	if current == a {
		current = nil
	}
	if err := a.mgr.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close tenant database")
	}
}

// current is the app built by the running command, closed by exit.
var current *app

// osExit is replaced in tests.
var osExit = os.Exit

// exit closes the open tenant database, then ends the process. Deferred
// calls do not run on os.Exit.
func exit(code int) {
	if current != nil {
		current.close()
	}
	osExit(code)
}

// mustApp builds the app and, when needTenant is set, reopens the tenant
// database. A failed schema migration stops the program with instructions.
func mustApp(ctx context.Context, needTenant bool) *app {
	a, err := newApp()
	if err != nil {
		fatalf("%v", err)
	}
	current = a
	if !needTenant {
		return a
	}
	if err := a.resume(ctx); err != nil {
		exitOnOpenError(err)
	}
	return a
}

func exitOnOpenError(err error) {
	var me *tenant.MigrationError
	if errors.As(err, &me) || errors.Is(err, tenant.ErrSchemaMigration) {
		fmt.Fprintf(os.Stderr, "\n%s The local database could not be upgraded.\n\n", ui.RenderFail("✗"))
		fmt.Fprintf(os.Stderr, "   %v\n\n", err)
		fmt.Fprintf(os.Stderr, "   Unsynced visits, orders and receipts are still in the file.\n")
		fmt.Fprintf(os.Stderr, "   Install the latest fieldsync release and try again.\n\n")
		exit(2)
		return
	}
	fatalf("%v", err)
}
