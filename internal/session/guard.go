// Package session enforces session validity for the sync layer.
//
// A logout always keeps the business rows in the tenant database: it drops
// the session id, the logged-in flag and the session token, then hands
// control to the re-authentication hook. Only an explicit destructive logout
// removes the database file.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldrep/fieldsync/internal/prefs"
	"github.com/fieldrep/fieldsync/internal/remote"
	"github.com/fieldrep/fieldsync/internal/store"
	"github.com/fieldrep/fieldsync/internal/tenant"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

var (
	// ErrExpired means there is no usable session: the rep must log in.
	ErrExpired = errors.New("session expired")

	// ErrInvalidCredential is returned for an unreadable login payload.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrConfigSignature is returned when the signed configuration blob
	// fails verification.
	ErrConfigSignature = errors.New("invalid configuration signature")
)

// Session is the active login.
type Session struct {
	ID             string
	TenantID       string
	TenantKey      string
	TenantEntityID string
	Endpoint       string
	DisplayName    string
}

// IssuedAt returns the time encoded in the session id.
func (s *Session) IssuedAt() time.Time {
	id, err := ulid.Parse(s.ID)
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(id.Time())
}

// Config holds Guard configuration.
type Config struct {
	Logger zerolog.Logger

	// ConfigSecret verifies the signed configuration blob returned at login.
	ConfigSecret string

	// OnReauth is called at the end of every logout.
	OnReauth func(ctx context.Context)
}

// Guard validates, establishes and tears down sessions.
type Guard struct {
	mgr    *tenant.Manager
	prefs  *prefs.Store
	store  *store.Store
	remote *remote.Client
	cfg    Config
}

// NewGuard creates a Guard.
func NewGuard(mgr *tenant.Manager, p *prefs.Store, st *store.Store, rc *remote.Client, cfg Config) *Guard {
	return &Guard{
		mgr:    mgr,
		prefs:  p,
		store:  st,
		remote: rc,
		cfg:    cfg,
	}
}

// Validate returns the active session, or ErrExpired when there is none.
func (g *Guard) Validate(ctx context.Context) (*Session, error) {
	v, err := g.prefs.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load prefs: %w", err)
	}
	if !v.LoggedIn || v.SessionID == "" || !v.HasTenant() {
		return nil, ErrExpired
	}

	// Another process may have logged in to a different tenant since this
	// one opened its database.
	if h, err := g.mgr.Current(); err == nil && h.Key != v.TenantKey {
		g.cfg.Logger.Info().
			Str("from", h.Key).
			Str("to", v.TenantKey).
			Msg("following tenant switch")
		if _, err := g.mgr.Open(ctx, v.TenantID, v.ServerEndpoint); err != nil {
			return nil, fmt.Errorf("failed to open tenant %s: %w", v.TenantID, err)
		}
	}

	return &Session{
		ID:             v.SessionID,
		TenantID:       v.TenantID,
		TenantKey:      v.TenantKey,
		TenantEntityID: v.TenantEntityID,
		Endpoint:       v.ServerEndpoint,
		DisplayName:    v.DisplayName,
	}, nil
}

// Logout ends the session. Customer, order and receipt rows are kept unless
// destructive is set, in which case the tenant database is removed. The
// re-authentication hook runs even when a step fails.
func (g *Guard) Logout(ctx context.Context, destructive bool) error {
	defer g.reauth(ctx)

	var before prefs.Values
	err := g.prefs.Update(func(v *prefs.Values) error {
		before = *v
		v.ClearSession()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	if err := g.store.ClearSessionToken(ctx); err != nil && !errors.Is(err, tenant.ErrNotOpen) {
		g.cfg.Logger.Warn().Err(err).Msg("failed to clear session token")
	}

	if destructive && before.HasTenant() {
		if err := g.mgr.Destroy(before.TenantID, before.ServerEndpoint); err != nil {
			return fmt.Errorf("failed to remove tenant database: %w", err)
		}
	}

	g.cfg.Logger.Info().
		Str("tenant_key", before.TenantKey).
		Bool("destructive", destructive).
		Msg("logged out")
	return nil
}

func (g *Guard) reauth(ctx context.Context) {
	if g.cfg.OnReauth != nil {
		g.cfg.OnReauth(ctx)
	}
}

// Login exchanges a credential for a session: it checks the credential with
// the server, opens the tenant database, mints and announces a session id,
// and records everything locally.
func (g *Guard) Login(ctx context.Context, cred Credential) (*Session, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	rc := g.remote.For(cred.Endpoint)

	profile, err := rc.CheckConnection(ctx, cred.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to check connection: %w", err)
	}
	if profile.EntityID == "" {
		return nil, fmt.Errorf("%w: server returned no entity id", ErrInvalidCredential)
	}

	company := ConfigClaims{
		CompanyName: profile.CompanyName,
		TaxID:       profile.TaxID,
		Address:     profile.Address,
		Logo:        profile.Logo,
	}
	if profile.ConfigToken != "" {
		claims, err := ParseConfig(profile.ConfigToken, g.cfg.ConfigSecret)
		if err != nil {
			return nil, err
		}
		company = *claims
	}

	tenantID := cred.User
	if tenantID == "" {
		tenantID = profile.EntityID
	}

	h, err := g.mgr.Open(ctx, tenantID, cred.Endpoint)
	if err != nil {
		return nil, err
	}

	id := ulid.Make()
	sess := &Session{
		ID:             id.String(),
		TenantID:       h.TenantID,
		TenantKey:      h.Key,
		TenantEntityID: profile.EntityID,
		Endpoint:       h.Endpoint,
		DisplayName:    profile.DisplayName,
	}

	err = rc.AnnounceSession(ctx, remote.SessionRequest{
		TenantEntityID: sess.TenantEntityID,
		SessionID:      sess.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register session: %w", err)
	}

	err = g.store.SaveSessionConfig(ctx, &store.SessionConfig{
		TenantID:        sess.TenantID,
		TenantEntityID:  sess.TenantEntityID,
		ServerEndpoint:  sess.Endpoint,
		SessionToken:    sess.ID,
		SessionIssuedAt: ulid.Time(id.Time()),
		DisplayName:     sess.DisplayName,
		CompanyName:     company.CompanyName,
		CompanyLogo:     company.Logo,
		TaxID:           company.TaxID,
		Address:         company.Address,
	})
	if err != nil {
		return nil, err
	}

	err = g.prefs.Update(func(v *prefs.Values) error {
		v.TenantEntityID = sess.TenantEntityID
		v.SessionID = sess.ID
		v.LoggedIn = true
		v.DisplayName = sess.DisplayName
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record session: %w", err)
	}

	g.cfg.Logger.Info().
		Str("tenant_key", sess.TenantKey).
		Str("session_id", sess.ID).
		Msg("logged in")
	return sess, nil
}
