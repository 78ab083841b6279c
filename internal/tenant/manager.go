// Package tenant owns the lifecycle of the per-tenant SQLite database.
//
// Every (tenant id, server endpoint) pair gets its own database file named
// after the tenant key. The Manager holds at most one open handle; opening a
// different tenant closes the previous handle first.
//
// The database runs in embedded mode with WAL and a single connection, which
// makes the handle the single writer for the process. All access goes through
// Do/DoTenant so that Open, Close and Destroy can never swap the handle out
// from under an in-flight read or write.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fieldrep/fieldsync/internal/prefs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog"
)

// Handle is an open tenant database.
type Handle struct {
	DB       *sql.DB
	Key      string
	TenantID string
	Endpoint string
	Path     string
}

// Config holds Manager configuration.
type Config struct {
	// DataDir is where tenant database files are created.
	DataDir string

	// Logger for lifecycle events (default: disabled).
	Logger zerolog.Logger
}

// Manager maps the active tenant to its open database handle.
type Manager struct {
	dataDir string
	prefs   *prefs.Store
	logger  zerolog.Logger

	mu      sync.RWMutex
	current *Handle
}

// NewManager creates a Manager. prefs may be nil in tests that do not need
// cold-start rediscovery.
func NewManager(cfg Config, p *prefs.Store) (*Manager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data dir cannot be empty")
	}
	return &Manager{
		dataDir: cfg.DataDir,
		prefs:   p,
		logger:  cfg.Logger,
	}, nil
}

// Open returns the handle for the tenant, opening and migrating its database
// if needed. Opening the tenant that is already open and healthy returns the
// same handle. Any other open handle is closed first.
//
// Open must not be called from inside Do or DoTenant.
func (m *Manager) Open(ctx context.Context, tenantID, endpoint string) (*Handle, error) {
	tenantID = strings.TrimSpace(tenantID)
	endpoint = NormalizeEndpoint(endpoint)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id cannot be empty")
	}
	if endpoint == "" {
		return nil, fmt.Errorf("server endpoint cannot be empty")
	}
	key := Key(tenantID, endpoint)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.Key == key {
		err := m.current.DB.PingContext(ctx)
		if err == nil {
			return m.current, nil
		}
		m.logger.Warn().Err(err).Str("tenant_key", key).Msg("open handle unhealthy, reopening")
	}

	if m.current != nil {
		if err := m.closeLocked(); err != nil {
			m.logger.Warn().Err(err).Msg("failed to close previous tenant database")
		}
	}

	path := filepath.Join(m.dataDir, FileName(key))
	db, err := openSQLite(ctx, path)
	if err != nil {
		return nil, err
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	h := &Handle{
		DB:       db,
		Key:      key,
		TenantID: tenantID,
		Endpoint: endpoint,
		Path:     path,
	}

	if m.prefs != nil {
		err := m.prefs.Update(func(v *prefs.Values) error {
			if v.TenantKey != key {
				v.ClearSession()
				v.TenantEntityID = ""
			}
			v.TenantID = tenantID
			v.ServerEndpoint = endpoint
			v.TenantKey = key
			return nil
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to record active tenant: %w", err)
		}
	}

	m.current = h
	m.logger.Info().Str("tenant_key", key).Str("path", path).Msg("tenant database opened")
	return h, nil
}

// Resume reopens the tenant recorded in prefs, for use after a process
// restart. Returns ErrNoTenant when nothing was recorded.
func (m *Manager) Resume(ctx context.Context) (*Handle, error) {
	if m.prefs == nil {
		return nil, ErrNoTenant
	}
	v, err := m.prefs.Load()
	if err != nil {
		return nil, err
	}
	if !v.HasTenant() {
		return nil, ErrNoTenant
	}
	return m.Open(ctx, v.TenantID, v.ServerEndpoint)
}

// Current returns the open handle or ErrNotOpen.
//
// The handle may be closed by a concurrent Open/Close after Current returns;
// use Do for anything that must not race with a tenant switch.
func (m *Manager) Current() (*Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return nil, ErrNotOpen
	}
	return m.current, nil
}

// Do runs fn with the open handle. Open/Close/Destroy wait until fn returns.
func (m *Manager) Do(ctx context.Context, fn func(h *Handle) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(m.current)
}

// DoTenant is Do restricted to the tenant with the given key.
func (m *Manager) DoTenant(ctx context.Context, key string, fn func(h *Handle) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return ErrNotOpen
	}
	if m.current.Key != key {
		return fmt.Errorf("%w: expected %s, open %s", ErrTenantChanged, key, m.current.Key)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(m.current)
}

// Close closes the open handle, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closeLocked()
}

// Destroy removes the tenant's database file. If that tenant is open, its
// handle is closed first. Destroying a tenant whose file is already gone is
// not an error.
func (m *Manager) Destroy(tenantID, endpoint string) error {
	key := Key(tenantID, endpoint)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.Key == key {
		if err := m.closeLocked(); err != nil {
			m.logger.Warn().Err(err).Msg("failed to close tenant database before destroy")
		}
	}

	path := filepath.Join(m.dataDir, FileName(key))
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}

	if m.prefs != nil {
		err := m.prefs.Update(func(v *prefs.Values) error {
			if v.TenantKey == key {
				v.ClearTenant()
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to clear tenant prefs: %w", err)
		}
	}

	m.logger.Info().Str("tenant_key", key).Msg("tenant database destroyed")
	return nil
}

// closeLocked checkpoints and closes the current handle. Caller holds mu.
func (m *Manager) closeLocked() error {
	if m.current == nil {
		return nil
	}
	h := m.current
	m.current = nil

	if _, err := h.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		m.logger.Warn().Err(err).Str("tenant_key", h.Key).Msg("failed to checkpoint WAL")
	}
	if err := h.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	m.logger.Info().Str("tenant_key", h.Key).Msg("tenant database closed")
	return nil
}

// openSQLite opens path with WAL, a busy timeout and foreign keys enabled.
// The pool is pinned to one connection: the database has a single writer.
func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(wal)")
	dsn := (&url.URL{Scheme: "file", OmitHost: true, Path: path, RawQuery: q.Encode()}).String()

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return conn, nil
}
