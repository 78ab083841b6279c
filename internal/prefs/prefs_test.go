package prefs

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "prefs.toml"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	v, err := s.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if v != (Values{}) {
		t.Errorf("Load() = %+v, want zero values", v)
	}
	if v.HasTenant() {
		t.Error("HasTenant() = true for empty values")
	}
}

func TestUpdate_PersistsAcrossStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "prefs.toml")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	err = s1.Update(func(v *Values) error {
		v.TenantID = "rep-7"
		v.ServerEndpoint = "https://erp.example.com"
		v.TenantKey = "abc"
		v.SessionID = "sess-1"
		v.LoggedIn = true
		return nil
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	// A fresh store simulates a process restart.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	v, err := s2.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if v.TenantID != "rep-7" || v.SessionID != "sess-1" || !v.LoggedIn {
		t.Errorf("Load() = %+v, want persisted values", v)
	}
	if !v.HasTenant() {
		t.Error("HasTenant() = false after persisting tenant")
	}
}

func TestUpdate_ErrorLeavesValuesUntouched(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "prefs.toml"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Update(func(v *Values) error { v.SessionID = "keep"; return nil }); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	boom := errors.New("boom")
	err = s.Update(func(v *Values) error {
		v.SessionID = "lost"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want %v", err, boom)
	}

	v, _ := s.Load()
	if v.SessionID != "keep" {
		t.Errorf("SessionID = %q, want %q", v.SessionID, "keep")
	}
}

func TestClearSession_KeepsTenant(t *testing.T) {
	v := Values{
		TenantID:       "rep-7",
		ServerEndpoint: "https://erp.example.com",
		TenantKey:      "abc",
		SessionID:      "sess-1",
		LoggedIn:       true,
		DisplayName:    "Ana",
	}
	v.ClearSession()

	if v.SessionID != "" || v.LoggedIn || v.DisplayName != "" {
		t.Errorf("session fields not cleared: %+v", v)
	}
	if !v.HasTenant() {
		t.Error("ClearSession() dropped tenant identity")
	}

	v.ClearTenant()
	if v != (Values{}) {
		t.Errorf("ClearTenant() left %+v", v)
	}
}

func TestLoad_SeesWritesFromOtherStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.toml")

	// a is the long-running daemon, b a later login in another process.
	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	b, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	login := func(s *Store, tenant, session string) {
		t.Helper()
		err := s.Update(func(v *Values) error {
			v.TenantID = tenant
			v.ServerEndpoint = "https://erp.example.com"
			v.TenantKey = "key-" + tenant
			v.SessionID = session
			v.LoggedIn = true
			return nil
		})
		if err != nil {
			t.Fatalf("Update() failed: %v", err)
		}
	}

	login(a, "k1", "S1")
	if v, _ := a.Load(); v.SessionID != "S1" {
		t.Fatalf("SessionID = %q, want S1", v.SessionID)
	}
	login(b, "k2", "S2")

	v, err := a.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if v.SessionID != "S2" || v.TenantID != "k2" {
		t.Errorf("Load() = session %q tenant %q, want S2/k2", v.SessionID, v.TenantID)
	}

	if err := a.Update(func(v *Values) error { v.ClearSession(); return nil }); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	fresh, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	v, _ = fresh.Load()
	if v.TenantID != "k2" || v.TenantKey != "key-k2" {
		t.Errorf("tenant = %q/%q after logout, want k2/key-k2", v.TenantID, v.TenantKey)
	}
	if v.SessionID != "" || v.LoggedIn {
		t.Errorf("session not cleared: %+v", v)
	}
}
