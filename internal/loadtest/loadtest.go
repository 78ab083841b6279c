// Package loadtest drives a tenant database with concurrent field work while
// sync runs fire in parallel, against an in-process dev server.
//
// It checks the delivery guarantee under contention: once the writers stop
// and the queue is drained, every receipt created locally must be on the
// server and nothing may be left pending.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldrep/fieldsync/internal/devserver"
	"github.com/fieldrep/fieldsync/internal/importer"
	"github.com/fieldrep/fieldsync/internal/prefs"
	"github.com/fieldrep/fieldsync/internal/remote"
	"github.com/fieldrep/fieldsync/internal/session"
	"github.com/fieldrep/fieldsync/internal/store"
	"github.com/fieldrep/fieldsync/internal/syncer"
	"github.com/fieldrep/fieldsync/internal/tenant"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Config defines the parameters of a run.
type Config struct {
	// Customers is the number of seeded customers (default: 200)
	Customers int

	// Writers is the number of concurrent goroutines recording field work (default: 8)
	Writers int

	// Duration is how long the writers run (default: 5s)
	Duration time.Duration

	// SyncInterval is the pause between sync attempts of each syncer (default: 50ms)
	SyncInterval time.Duration

	// Syncers is the number of goroutines calling Run concurrently (default: 2).
	// More than one exercises the in-progress rejection.
	Syncers int

	Logger zerolog.Logger
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Customers:    200,
		Writers:      8,
		Duration:     5 * time.Second,
		SyncInterval: 50 * time.Millisecond,
		Syncers:      2,
		Logger:       zerolog.Nop(),
	}
}

// LatencyStats captures timings of one kind of operation.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Report is the outcome of a run.
type Report struct {
	Writes LatencyStats
	Syncs  LatencyStats

	Visits   int
	Receipts int

	// Rejected counts sync calls refused because another run was active.
	Rejected int

	// WriteErrors counts failed local writes.
	WriteErrors int

	// DrainRuns is the number of sync runs needed to empty the queue
	// after the writers stopped.
	DrainRuns int

	// Pending is what was still queued after draining (want 0).
	Pending int

	// Lost lists receipt ids created locally but absent from the server.
	Lost []string
}

// OK reports whether every row was delivered.
func (r *Report) OK() bool {
	return r.Pending == 0 && len(r.Lost) == 0
}

const maxDrainRuns = 20

// Run seeds a dev server and a fresh tenant database under dir, then records
// visits and receipts from cfg.Writers goroutines while cfg.Syncers goroutines
// push them.
func Run(ctx context.Context, dir string, cfg Config) (*Report, error) {
	def := DefaultConfig()
	if cfg.Customers <= 0 {
		cfg.Customers = def.Customers
	}
	if cfg.Writers <= 0 {
		cfg.Writers = def.Writers
	}
	if cfg.Duration <= 0 {
		cfg.Duration = def.Duration
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.Syncers <= 0 {
		cfg.Syncers = def.Syncers
	}

	srv := devserver.New(devserver.Config{Logger: cfg.Logger, Seed: generateSeed(cfg.Customers)})
	endpoint, stop, err := serve(srv.Handler())
	if err != nil {
		return nil, err
	}
	defer stop()

	env, err := newClient(ctx, dir, endpoint, cfg.Logger)
	if err != nil {
		return nil, err
	}
	defer env.close()

	return env.run(ctx, srv, cfg)
}

type client struct {
	mgr    *tenant.Manager
	store  *store.Store
	engine *syncer.Engine
}

func newClient(ctx context.Context, dir, endpoint string, logger zerolog.Logger) (*client, error) {
	p, err := prefs.Open(filepath.Join(dir, "prefs.toml"))
	if err != nil {
		return nil, err
	}
	mgr, err := tenant.NewManager(tenant.Config{DataDir: dir, Logger: logger}, p)
	if err != nil {
		return nil, err
	}
	rc := remote.New(remote.Config{Timeout: 10 * time.Second, Logger: logger})
	st := store.New(mgr, store.Config{Logger: logger})
	guard := session.NewGuard(mgr, p, st, rc, session.Config{Logger: logger})
	c := &client{
		mgr:    mgr,
		store:  st,
		engine: syncer.NewEngine(st, guard, rc, syncer.Config{Logger: logger}),
	}

	if _, err := guard.Login(ctx, session.Credential{Endpoint: endpoint, Code: devserver.DemoCode}); err != nil {
		c.close()
		return nil, fmt.Errorf("failed to log in: %w", err)
	}
	if res := c.engine.Pull(ctx); !res.Success {
		c.close()
		return nil, fmt.Errorf("failed to pull reference data: %s", res.Message)
	}
	return c, nil
}

func (c *client) close() {
	_ = c.mgr.Close()
}

func (c *client) run(ctx context.Context, srv *devserver.Server, cfg Config) (*Report, error) {
	var (
		mu         sync.Mutex
		writes     []time.Duration
		syncs      []time.Duration
		receiptIDs []string
		visits     int
		writeErrs  int
	)
	var rejected atomic.Int64

	writeCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	g, gctx := errgroup.WithContext(writeCtx)
	for i := 0; i < cfg.Writers; i++ {
		rng := rand.New(rand.NewSource(int64(42 + i)))
		g.Go(func() error {
			for gctx.Err() == nil {
				id := int64(1 + rng.Intn(cfg.Customers))
				start := time.Now()
				var rid string
				var err error
				if rng.Intn(2) == 0 {
					err = c.store.MarkVisited(ctx, id, start)
				} else {
					var r *store.PaymentReceipt
					r, err = c.store.CreateReceipt(ctx, store.NewReceipt{
						CustomerID: id,
						AccountID:  "cash",
						Amount:     decimal.NewFromInt(int64(1 + rng.Intn(500))),
					})
					if err == nil {
						rid = r.ID
					}
				}
				elapsed := time.Since(start)

				mu.Lock()
				writes = append(writes, elapsed)
				switch {
				case err != nil:
					writeErrs++
				case rid != "":
					receiptIDs = append(receiptIDs, rid)
				default:
					visits++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	for i := 0; i < cfg.Syncers; i++ {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.SyncInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
				}
				start := time.Now()
				res := c.engine.Run(ctx)
				if res.InProgress {
					rejected.Add(1)
					continue
				}
				if res.SessionExpired || syncer.IsFatal(res.Err) {
					return fmt.Errorf("sync aborted: %s", res.Message)
				}
				mu.Lock()
				syncs = append(syncs, time.Since(start))
				mu.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	rep := &Report{
		Writes:      computeLatencyStats(writes),
		Visits:      visits,
		Receipts:    len(receiptIDs),
		Rejected:    int(rejected.Load()),
		WriteErrors: writeErrs,
	}

	// Drain what the last in-flight batches did not cover.
	for {
		st, err := c.store.Stats(ctx)
		if err != nil {
			return nil, err
		}
		rep.Pending = st.Pending()
		if rep.Pending == 0 || rep.DrainRuns >= maxDrainRuns {
			break
		}
		start := time.Now()
		res := c.engine.Run(ctx)
		syncs = append(syncs, time.Since(start))
		rep.DrainRuns++
		if !res.Success && !syncer.IsRetryable(res.Err) {
			return nil, fmt.Errorf("drain failed: %s", res.Message)
		}
	}
	rep.Syncs = computeLatencyStats(syncs)

	for _, id := range receiptIDs {
		if _, ok := srv.Receipt(id); !ok {
			rep.Lost = append(rep.Lost, id)
		}
	}

	cfg.Logger.Info().
		Int("visits", rep.Visits).
		Int("receipts", rep.Receipts).
		Int("rejected", rep.Rejected).
		Int("drain_runs", rep.DrainRuns).
		Int("lost", len(rep.Lost)).
		Msg("load test finished")
	return rep, nil
}

// generateSeed creates customers 1..n and a cash account.
func generateSeed(n int) *importer.Seed {
	seed := &importer.Seed{
		Accounts: []remote.LedgerAccountRecord{{ID: "cash", Name: "Cash", AccountType: "cash"}},
	}
	for i := 1; i <= n; i++ {
		seed.Customers = append(seed.Customers, remote.CustomerRecord{
			EntityID:    int64(i),
			Name:        fmt.Sprintf("Customer %04d", i),
			VisitStatus: store.VisitStatusUnvisited,
		})
	}
	return seed
}

// serve runs h on a free loopback port.
func serve(h http.Handler) (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("failed to listen: %w", err)
	}
	hs := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = hs.Serve(ln) }()
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}
	return "http://" + ln.Addr().String(), stop, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(durations),
	}
}
