package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldrep/fieldsync/internal/remote"
	"github.com/fieldrep/fieldsync/internal/session"
	"github.com/fieldrep/fieldsync/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// MsgInProgress is the message of a call rejected because a run is active.
const MsgInProgress = "sync already in progress"

// Config holds Engine configuration.
type Config struct {
	Logger zerolog.Logger

	// PingBatch caps the pings sent per PushActivity call (default: 500).
	PingBatch int
}

// Engine runs sync, pull and activity push against the active session.
type Engine struct {
	store  *store.Store
	guard  Guard
	remote *remote.Client
	logger zerolog.Logger

	pingBatch int

	running atomic.Bool

	obsMu     sync.Mutex
	observers []Observer
}

// NewEngine creates an Engine.
func NewEngine(st *store.Store, guard Guard, rc *remote.Client, cfg Config) *Engine {
	batch := cfg.PingBatch
	if batch <= 0 {
		batch = 500
	}
	return &Engine{
		store:     st,
		guard:     guard,
		remote:    rc,
		logger:    cfg.Logger,
		pingBatch: batch,
	}
}

// AddObserver registers o for every completed run.
func (e *Engine) AddObserver(o Observer) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, o)
}

// Running reports whether a run is in flight.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Run pushes every pending row in one batch.
func (e *Engine) Run(ctx context.Context) Result {
	return e.exclusive(ctx, "sync", e.push)
}

// Pull fetches customers, catalog and ledger accounts and stores them.
func (e *Engine) Pull(ctx context.Context) Result {
	return e.exclusive(ctx, "pull", e.pull)
}

// PushActivity sends pending location pings.
func (e *Engine) PushActivity(ctx context.Context) Result {
	return e.exclusive(ctx, "activity", e.pushActivity)
}

// exclusive runs fn unless another run is active, recovers panics and
// notifies observers.
func (e *Engine) exclusive(ctx context.Context, op string, fn func(context.Context) Result) (res Result) {
	if !e.running.CompareAndSwap(false, true) {
		return Result{Op: op, InProgress: true, Message: MsgInProgress}
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("op", op).Interface("panic", r).Msg("run panicked")
			err := fmt.Errorf("%w: %v", ErrPanic, r)
			res = Result{Message: err.Error(), Err: err}
		}
		res.Op = op
		res.StartedAt = start
		res.Duration = time.Since(start)
		e.running.Store(false)

		ev := e.logger.Info()
		if !res.Success {
			ev = e.logger.Warn().Err(res.Err)
		}
		ev.Str("op", op).
			Bool("success", res.Success).
			Int("synced", res.SyncedCount).
			Dur("elapsed", res.Duration).
			Msg(res.Message)

		e.notify(res)
	}()

	return fn(ctx)
}

func (e *Engine) notify(res Result) {
	e.obsMu.Lock()
	observers := append([]Observer(nil), e.observers...)
	e.obsMu.Unlock()

	for _, o := range observers {
		go func(o Observer) {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Warn().Interface("panic", r).Msg("sync observer panicked")
				}
			}()
			o.SyncFinished(res)
		}(o)
	}
}

// activeSession validates the active session and checks that the open database
// belongs to it. On an expired session it logs out.
func (e *Engine) activeSession(ctx context.Context) (*session.Session, *Result) {
	sess, err := e.guard.Validate(ctx)
	if err != nil {
		if errors.Is(err, session.ErrExpired) {
			r := e.sessionLost(ctx, err)
			return nil, &r
		}
		r := failed("session check failed", err)
		return nil, &r
	}

	key, err := e.store.TenantKey()
	if err != nil {
		r := failed("no tenant database open", err)
		return nil, &r
	}
	if key != sess.TenantKey {
		r := failed("tenant database does not match session", ErrTenantMismatch)
		return nil, &r
	}
	return sess, nil
}

// sessionLost performs a non-destructive logout.
func (e *Engine) sessionLost(ctx context.Context, cause error) Result {
	if err := e.guard.Logout(context.WithoutCancel(ctx), false); err != nil {
		e.logger.Error().Err(err).Msg("logout after session loss failed")
	}
	return Result{
		Message:        "session expired, please log in again",
		SessionExpired: true,
		Err:            cause,
	}
}

// remoteFailure turns a remote error into a Result, logging out when the
// server says the session is gone.
func (e *Engine) remoteFailure(ctx context.Context, what string, err error) Result {
	if remote.IsSessionInvalid(err) {
		return e.sessionLost(ctx, err)
	}
	var re *remote.RejectionError
	if errors.As(err, &re) && re.Message != "" {
		return Result{Message: re.Message, Err: err}
	}
	return failed(what, err)
}

func failed(what string, err error) Result {
	return Result{Message: fmt.Sprintf("%s: %v", what, err), Err: err}
}

func (e *Engine) push(ctx context.Context) Result {
	sess, bad := e.activeSession(ctx)
	if bad != nil {
		return *bad
	}

	pending, err := e.store.CollectPending(ctx)
	if err != nil {
		return failed("failed to collect pending rows", err)
	}
	if pending.Total() == 0 {
		return Result{Success: true, Message: "nothing to sync"}
	}

	e.logger.Debug().
		Int("customers", len(pending.Customers)).
		Int("bookings", len(pending.Bookings)).
		Int("lines", len(pending.Lines)).
		Int("receipts", len(pending.Receipts)).
		Msg("pushing batch")

	resp, err := e.remote.For(sess.Endpoint).Sync(ctx, buildRequest(sess, pending))
	if err != nil {
		return e.remoteFailure(ctx, "sync failed", err)
	}

	// Acknowledged: the bookkeeping below must finish even if the caller
	// has gone away.
	ackCtx := context.WithoutCancel(ctx)

	marked, err := e.store.MarkSynced(ackCtx, pending)
	if err != nil {
		return failed("batch accepted but not recorded, it will be resent", err)
	}

	merged, err := e.store.MergeServerCustomers(ackCtx, pending.TenantKey, ServerCustomers(resp.ServerCustomers))
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to merge server customers")
	}

	return Result{
		Success:     true,
		Message:     fmt.Sprintf("synced %d of %d rows", marked, pending.Total()),
		SyncedCount: marked,
		Merged:      merged,
	}
}

func (e *Engine) pull(ctx context.Context) Result {
	sess, bad := e.activeSession(ctx)
	if bad != nil {
		return *bad
	}
	rc := e.remote.For(sess.Endpoint)

	var (
		customers []remote.CustomerRecord
		items     []remote.CatalogRecord
		accounts  []remote.LedgerAccountRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		customers, err = rc.Customers(gctx, sess.ID)
		return err
	})
	g.Go(func() error {
		var err error
		items, err = rc.Catalog(gctx, sess.ID)
		return err
	})
	g.Go(func() error {
		var err error
		accounts, err = rc.LedgerAccounts(gctx, sess.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		return e.remoteFailure(ctx, "pull failed", err)
	}

	nc, err := e.store.UpsertCustomers(ctx, CustomersFromRecords(customers))
	if err != nil {
		return failed("failed to store customers", err)
	}
	ni, err := e.store.UpsertCatalogItems(ctx, CatalogFromRecords(items))
	if err != nil {
		return failed("failed to store catalog", err)
	}
	na, err := e.store.UpsertLedgerAccounts(ctx, LedgerFromRecords(accounts))
	if err != nil {
		return failed("failed to store ledger accounts", err)
	}

	return Result{
		Success: true,
		Message: fmt.Sprintf("pulled %d customers, %d catalog items, %d accounts", nc, ni, na),
		Pulled:  nc + ni + na,
	}
}

func (e *Engine) pushActivity(ctx context.Context) Result {
	sess, bad := e.activeSession(ctx)
	if bad != nil {
		return *bad
	}

	pings, err := e.store.UnsyncedPings(ctx, e.pingBatch)
	if err != nil {
		return failed("failed to read pings", err)
	}
	if len(pings) == 0 {
		return Result{Success: true, Message: "no activity to push"}
	}

	req := remote.ActivityRequest{SessionID: sess.ID, Pings: make([]remote.PingPayload, 0, len(pings))}
	ids := make([]int64, 0, len(pings))
	for _, p := range pings {
		req.Pings = append(req.Pings, remote.PingPayload{
			ID:         p.ID,
			Latitude:   p.Latitude,
			Longitude:  p.Longitude,
			RecordedAt: p.RecordedAt,
		})
		ids = append(ids, p.ID)
	}

	if err := e.remote.For(sess.Endpoint).PushActivity(ctx, req); err != nil {
		return e.remoteFailure(ctx, "activity push failed", err)
	}

	n, err := e.store.MarkPingsSynced(context.WithoutCancel(ctx), sess.TenantKey, ids)
	if err != nil {
		return failed("activity accepted but not recorded", err)
	}
	return Result{Success: true, Message: fmt.Sprintf("pushed %d pings", n), SyncedCount: n}
}
