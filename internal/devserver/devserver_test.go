package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldrep/fieldsync/internal/attachment"
	"github.com/fieldrep/fieldsync/internal/importer"
	"github.com/fieldrep/fieldsync/internal/prefs"
	"github.com/fieldrep/fieldsync/internal/remote"
	"github.com/fieldrep/fieldsync/internal/session"
	"github.com/fieldrep/fieldsync/internal/store"
	"github.com/fieldrep/fieldsync/internal/syncer"
	"github.com/fieldrep/fieldsync/internal/tenant"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSeed() *importer.Seed {
	return &importer.Seed{
		Customers: []remote.CustomerRecord{
			{EntityID: 42, Name: "Corner Shop", Phone: "555-0100", VisitStatus: store.VisitStatusUnvisited},
			{EntityID: 43, Name: "Market Stall", VisitStatus: store.VisitStatusUnvisited},
		},
		Catalog: []remote.CatalogRecord{
			{ID: "tea", Name: "Tea 500g", Price: decimal.RequireFromString("12.50"), Stock: 40},
		},
		Accounts: []remote.LedgerAccountRecord{
			{ID: "cash", Name: "Cash", AccountType: "cash"},
		},
	}
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	if cfg.Seed == nil {
		cfg.Seed = testSeed()
	}
	s := New(cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

// device is one installation of the client: its own data dir, prefs and
// tenant database.
type device struct {
	prefs  *prefs.Store
	store  *store.Store
	guard  *session.Guard
	engine *syncer.Engine
	relay  *attachment.Relay
}

func newDevice(t *testing.T, secret string) *device {
	t.Helper()
	dir := t.TempDir()
	p, err := prefs.Open(filepath.Join(dir, "prefs.toml"))
	require.NoError(t, err)
	mgr, err := tenant.NewManager(tenant.Config{DataDir: dir, Logger: zerolog.Nop()}, p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	rc := remote.New(remote.Config{Timeout: 5 * time.Second})
	st := store.New(mgr, store.Config{Logger: zerolog.Nop()})
	g := session.NewGuard(mgr, p, st, rc, session.Config{Logger: zerolog.Nop(), ConfigSecret: secret})
	return &device{
		prefs:  p,
		store:  st,
		guard:  g,
		engine: syncer.NewEngine(st, g, rc, syncer.Config{Logger: zerolog.Nop()}),
		relay:  attachment.NewRelay(st, g, rc, attachment.Config{Logger: zerolog.Nop()}),
	}
}

func (d *device) login(t *testing.T, endpoint string) *session.Session {
	t.Helper()
	sess, err := d.guard.Login(context.Background(), session.Credential{Endpoint: endpoint, Code: DemoCode})
	require.NoError(t, err)
	return sess
}

func TestEndToEnd(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	ctx := context.Background()

	d := newDevice(t, "")
	sess := d.login(t, ts.URL)
	assert.Equal(t, "1001", sess.TenantEntityID)
	assert.Equal(t, sess.ID, srv.ActiveSession("1001"))

	pulled := d.engine.Pull(ctx)
	require.True(t, pulled.Success, pulled.Message)
	assert.Equal(t, 4, pulled.Pulled)

	// Visit, take an order and collect a payment with a photo.
	require.NoError(t, d.store.MarkVisited(ctx, 42, time.Time{}))
	_, lines, err := d.store.CreateBooking(ctx, store.NewBooking{
		CustomerID: 42,
		Lines:      []store.NewBookingLine{{ItemID: "tea", Quantity: 2}},
	})
	require.NoError(t, err)
	require.Len(t, lines, 1)

	photo := filepath.Join(t.TempDir(), "receipt.pdf")
	require.NoError(t, os.WriteFile(photo, []byte("%PDF-1.4 receipt"), 0o600))
	receipt, err := d.store.CreateReceipt(ctx, store.NewReceipt{
		CustomerID:     42,
		AccountID:      "cash",
		Amount:         decimal.NewFromInt(25),
		AttachmentPath: photo,
	})
	require.NoError(t, err)

	res := d.engine.Run(ctx)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 4, res.SyncedCount)
	assert.Equal(t, 1, res.Merged)

	c, ok := srv.Customer(42)
	require.True(t, ok)
	assert.Equal(t, store.VisitStatusVisited, c.VisitStatus)
	r, ok := srv.Receipt(receipt.ID)
	require.True(t, ok)
	assert.True(t, r.Amount.Equal(decimal.NewFromInt(25)))
	assert.True(t, r.HasAttachment)

	batches, receipts, bookings, _ := srv.Counts()
	assert.Equal(t, 1, batches)
	assert.Equal(t, 1, receipts)
	assert.Equal(t, 1, bookings)

	rep, err := d.relay.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Uploaded)
	att, ok := srv.Attachment(receipt.ID)
	require.True(t, ok)
	assert.Equal(t, "receipt.pdf", att.Filename)
	assert.EqualValues(t, len("%PDF-1.4 receipt"), att.Size)

	_, err = d.store.AppendPing(ctx, 12.97, 77.59, time.Now())
	require.NoError(t, err)
	act := d.engine.PushActivity(ctx)
	require.True(t, act.Success, act.Message)
	_, _, _, pings := srv.Counts()
	assert.Equal(t, 1, pings)
}

func TestEndToEnd_SecondLoginInvalidatesFirst(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	ctx := context.Background()

	first := newDevice(t, "")
	first.login(t, ts.URL)
	require.True(t, first.engine.Pull(ctx).Success)
	require.NoError(t, first.store.MarkVisited(ctx, 43, time.Time{}))

	second := newDevice(t, "")
	second.login(t, ts.URL)

	res := first.engine.Run(ctx)
	assert.False(t, res.Success)
	assert.True(t, res.SessionExpired)

	v, err := first.prefs.Load()
	require.NoError(t, err)
	assert.False(t, v.LoggedIn)

	c, err := first.store.GetCustomer(ctx, 43)
	require.NoError(t, err)
	assert.False(t, c.Synced, "rows stay pending after a forced logout")

	assert.True(t, second.engine.Pull(ctx).Success)
}

func TestEndToEnd_RejectedBatchIsAtomic(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	ctx := context.Background()

	d := newDevice(t, "")
	d.login(t, ts.URL)
	require.True(t, d.engine.Pull(ctx).Success)

	// Customer 99 exists locally only, so the server refuses the batch.
	_, err := d.store.UpsertCustomers(ctx, []store.Customer{{EntityID: 99, Name: "Unknown"}})
	require.NoError(t, err)
	require.NoError(t, d.store.MarkVisited(ctx, 42, time.Time{}))
	require.NoError(t, d.store.MarkVisited(ctx, 99, time.Time{}))

	res := d.engine.Run(ctx)
	assert.False(t, res.Success)
	assert.False(t, res.SessionExpired)

	c, ok := srv.Customer(42)
	require.True(t, ok)
	assert.Equal(t, store.VisitStatusUnvisited, c.VisitStatus, "nothing from a refused batch is applied")

	local, err := d.store.GetCustomer(ctx, 42)
	require.NoError(t, err)
	assert.False(t, local.Synced)
}

func TestCheckConnection_SignedConfig(t *testing.T) {
	_, ts := newTestServer(t, Config{ConfigSecret: "s3cret"})

	d := newDevice(t, "s3cret")
	d.login(t, ts.URL)
	cfg, err := d.store.GetSessionConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Demo Trading", cfg.CompanyName)

	wrong := newDevice(t, "other")
	_, err = wrong.guard.Login(context.Background(), session.Credential{Endpoint: ts.URL, Code: DemoCode})
	assert.ErrorIs(t, err, session.ErrConfigSignature)
}

func postJSON(t *testing.T, url, sessionID string, body any) (*http.Response, remote.StatusResponse) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(remote.SessionHeader, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var status remote.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	return resp, status
}

func TestHandlers(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp, status := postJSON(t, ts.URL+"/api/check-connection", "", remote.CheckConnectionRequest{Credential: "nope"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, CodeInvalidCredential, status.ErrorCode)

	resp, status = postJSON(t, ts.URL+"/api/sync", "", remote.SyncRequest{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, remote.CodeSessionMismatch, status.ErrorCode)

	resp, _ = postJSON(t, ts.URL+"/api/session", "", remote.SessionRequest{TenantEntityID: "1001", SessionID: "s1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, status = postJSON(t, ts.URL+"/api/sync", "s1", remote.SyncRequest{
		OrderBookingLines: []remote.LinePayload{{ID: "l1", BookingID: "missing"}},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, status.Success)
	assert.Equal(t, CodeUnknownBooking, status.ErrorCode)

	resp, status = postJSON(t, ts.URL+"/api/sync", "s1", remote.SyncRequest{TenantEntityID: "2002"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.False(t, status.Success)
}

func TestUploadAttachment_UnknownReceipt(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	postJSON(t, ts.URL+"/api/session", "", remote.SessionRequest{TenantEntityID: "1001", SessionID: "s1"})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("receipt_id", "r-404"))
	fw, err := mw.CreateFormFile("file", "x.pdf")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("pdf"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/attachments", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(remote.SessionHeader, "s1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var status remote.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, CodeUnknownReceipt, status.ErrorCode)
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	rc := remote.New(remote.Config{BaseURL: ts.URL, Timeout: time.Second})
	assert.NoError(t, rc.Health(context.Background()))
}
