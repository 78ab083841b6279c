package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldrep/fieldsync/internal/prefs"
	"github.com/fieldrep/fieldsync/internal/remote"
	"github.com/fieldrep/fieldsync/internal/store"
	"github.com/fieldrep/fieldsync/internal/tenant"
	"github.com/rs/zerolog"
)

const testSecret = "s3cret"

type fixture struct {
	guard    *Guard
	mgr      *tenant.Manager
	prefs    *prefs.Store
	store    *store.Store
	srv      *httptest.Server
	reauths  int
	sessions []remote.SessionRequest
}

// newFixture wires a Guard to a fake server. configToken, if set, is
// returned by check-connection.
func newFixture(t *testing.T, configToken string) *fixture {
	t.Helper()
	f := &fixture{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/check-connection", func(w http.ResponseWriter, r *http.Request) {
		var req remote.CheckConnectionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Credential != "good-code" {
			_ = json.NewEncoder(w).Encode(remote.StatusResponse{Error: "unknown code"})
			return
		}
		_ = json.NewEncoder(w).Encode(remote.CheckConnectionResponse{
			StatusResponse: remote.StatusResponse{Success: true},
			EntityID:       "900",
			DisplayName:    "Asha",
			CompanyName:    "Plain Co",
			ConfigToken:    configToken,
		})
	})
	mux.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		var req remote.SessionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.sessions = append(f.sessions, req)
		_ = json.NewEncoder(w).Encode(remote.StatusResponse{Success: true})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	dir := t.TempDir()
	p, err := prefs.Open(filepath.Join(dir, "prefs.toml"))
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := tenant.NewManager(tenant.Config{DataDir: dir, Logger: zerolog.Nop()}, p)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mgr.Close() })

	f.mgr = mgr
	f.prefs = p
	f.store = store.New(mgr, store.Config{Logger: zerolog.Nop()})
	f.guard = NewGuard(mgr, p, f.store, remote.New(remote.Config{}), Config{
		Logger:       zerolog.Nop(),
		ConfigSecret: testSecret,
		OnReauth:     func(context.Context) { f.reauths++ },
	})
	return f
}

func (f *fixture) login(t *testing.T) *Session {
	t.Helper()
	sess, err := f.guard.Login(context.Background(), Credential{Endpoint: f.srv.URL, Code: "good-code"})
	if err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	return sess
}

func TestParseCredential(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"valid", `{"endpoint":"https://erp.example.com","code":"abc"}`, false},
		{"with user", `{"endpoint":"http://10.0.0.2:8787","code":"abc","user":"rep-7"}`, false},
		{"missing code", `{"endpoint":"https://erp.example.com"}`, true},
		{"bad scheme", `{"endpoint":"ftp://erp.example.com","code":"abc"}`, true},
		{"not json", `hello`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCredential([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCredential() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidCredential) {
				t.Errorf("error %v is not ErrInvalidCredential", err)
			}
		})
	}
}

func TestValidate_NoSession(t *testing.T) {
	f := newFixture(t, "")
	if _, err := f.guard.Validate(context.Background()); !errors.Is(err, ErrExpired) {
		t.Errorf("Validate() error = %v, want ErrExpired", err)
	}
}

func TestLogin_EstablishesSession(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	sess := f.login(t)
	if sess.TenantID != "900" || sess.TenantEntityID != "900" {
		t.Errorf("session = %+v", sess)
	}
	if time.Since(sess.IssuedAt()) > time.Minute {
		t.Errorf("IssuedAt() = %v, want about now", sess.IssuedAt())
	}
	if len(f.sessions) != 1 || f.sessions[0].SessionID != sess.ID {
		t.Errorf("session not announced: %+v", f.sessions)
	}

	got, err := f.guard.Validate(ctx)
	if err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	if got.ID != sess.ID || got.TenantKey != sess.TenantKey {
		t.Errorf("Validate() = %+v, want %+v", got, sess)
	}

	cfg, err := f.store.GetSessionConfig(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SessionToken != sess.ID || cfg.CompanyName != "Plain Co" {
		t.Errorf("session config = %+v", cfg)
	}
}

func TestLogin_RejectedCode(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.guard.Login(context.Background(), Credential{Endpoint: f.srv.URL, Code: "bad"})
	if !errors.Is(err, remote.ErrRejected) {
		t.Fatalf("Login() error = %v, want ErrRejected", err)
	}
	if _, err := f.mgr.Current(); !errors.Is(err, tenant.ErrNotOpen) {
		t.Error("rejected login opened a tenant database")
	}
}

func TestLogin_SignedConfig(t *testing.T) {
	signed, err := SignConfig(ConfigClaims{CompanyName: "Signed Co", TaxID: "NTN-9"}, testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("valid signature", func(t *testing.T) {
		f := newFixture(t, signed)
		f.login(t)
		cfg, err := f.store.GetSessionConfig(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if cfg.CompanyName != "Signed Co" || cfg.TaxID != "NTN-9" {
			t.Errorf("signed config not applied: %+v", cfg)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		forged, err := SignConfig(ConfigClaims{CompanyName: "Forged"}, "other", time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		f := newFixture(t, forged)
		_, err = f.guard.Login(context.Background(), Credential{Endpoint: f.srv.URL, Code: "good-code"})
		if !errors.Is(err, ErrConfigSignature) {
			t.Errorf("Login() error = %v, want ErrConfigSignature", err)
		}
	})
}

func TestLogout_KeepsBusinessData(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	f.login(t)

	if _, err := f.store.UpsertCustomers(ctx, []store.Customer{{EntityID: 42, Name: "Shop"}}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkVisited(ctx, 42, time.Time{}); err != nil {
		t.Fatal(err)
	}

	if err := f.guard.Logout(ctx, false); err != nil {
		t.Fatalf("Logout() failed: %v", err)
	}
	if f.reauths != 1 {
		t.Errorf("reauth hook called %d times, want 1", f.reauths)
	}
	if _, err := f.guard.Validate(ctx); !errors.Is(err, ErrExpired) {
		t.Errorf("Validate() after logout error = %v, want ErrExpired", err)
	}

	v, _ := f.prefs.Load()
	if v.LoggedIn || v.SessionID != "" {
		t.Errorf("session survived logout: %+v", v)
	}
	if !v.HasTenant() {
		t.Error("non-destructive logout forgot the tenant")
	}

	// Reopen the same tenant as a fresh login would.
	if _, err := f.mgr.Open(ctx, v.TenantID, v.ServerEndpoint); err != nil {
		t.Fatal(err)
	}
	c, err := f.store.GetCustomer(ctx, 42)
	if err != nil {
		t.Fatalf("customer lost by logout: %v", err)
	}
	if c.Synced {
		t.Error("pending customer flipped by logout")
	}
	cfg, err := f.store.GetSessionConfig(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SessionToken != "" {
		t.Errorf("session token survived logout: %q", cfg.SessionToken)
	}
}

func TestLogout_DestructiveRemovesDatabase(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	f.login(t)

	h, err := f.mgr.Current()
	if err != nil {
		t.Fatal(err)
	}
	path := h.Path

	if err := f.guard.Logout(ctx, true); err != nil {
		t.Fatalf("Logout(destructive) failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("database file still present: %v", err)
	}
	if f.reauths != 1 {
		t.Errorf("reauth hook called %d times, want 1", f.reauths)
	}
}

func TestLogout_WithoutOpenDatabase(t *testing.T) {
	f := newFixture(t, "")
	if err := f.guard.Logout(context.Background(), false); err != nil {
		t.Errorf("Logout() with nothing open failed: %v", err)
	}
	if f.reauths != 1 {
		t.Errorf("reauth hook called %d times, want 1", f.reauths)
	}
}

func TestValidate_FollowsLoginFromOtherProcess(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	first, err := f.guard.Login(ctx, Credential{Endpoint: f.srv.URL, Code: "good-code", User: "rep-a"})
	if err != nil {
		t.Fatalf("Login() failed: %v", err)
	}

	// A second process sharing the data directory logs in as another rep.
	p2, err := prefs.Open(f.prefs.Path())
	if err != nil {
		t.Fatal(err)
	}
	mgr2, err := tenant.NewManager(tenant.Config{DataDir: filepath.Dir(f.prefs.Path()), Logger: zerolog.Nop()}, p2)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mgr2.Close() })
	g2 := NewGuard(mgr2, p2, store.New(mgr2, store.Config{Logger: zerolog.Nop()}), remote.New(remote.Config{}), Config{
		Logger:       zerolog.Nop(),
		ConfigSecret: testSecret,
	})
	second, err := g2.Login(ctx, Credential{Endpoint: f.srv.URL, Code: "good-code", User: "rep-b"})
	if err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if second.TenantKey == first.TenantKey {
		t.Fatal("expected different tenant keys")
	}

	got, err := f.guard.Validate(ctx)
	if err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	if got.ID != second.ID || got.TenantKey != second.TenantKey {
		t.Errorf("Validate() = %s/%s, want %s/%s", got.ID, got.TenantKey, second.ID, second.TenantKey)
	}
	h, err := f.mgr.Current()
	if err != nil {
		t.Fatal(err)
	}
	if h.Key != second.TenantKey {
		t.Errorf("open tenant = %s, want %s", h.Key, second.TenantKey)
	}
}
