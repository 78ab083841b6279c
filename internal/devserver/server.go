// Package devserver is an in-memory implementation of the field-sales
// server API, for local development and end-to-end tests.
//
// It keeps one active session per tenant: announcing a new session
// invalidates the previous one, and calls carrying it are answered with
// 401 and error_code SESSION_MISMATCH. Sync batches are validated as a
// whole and applied all-or-nothing.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fieldrep/fieldsync/internal/importer"
	"github.com/fieldrep/fieldsync/internal/remote"
	"github.com/fieldrep/fieldsync/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Config holds Server configuration.
type Config struct {
	Logger zerolog.Logger

	// Accounts maps credential codes to logins. Defaults to DemoAccounts.
	Accounts map[string]Account

	// Seed is the reference data served by the pull endpoints.
	Seed *importer.Seed

	// ConfigSecret, when set, makes check-connection return the company
	// configuration as a signed token.
	ConfigSecret string

	// Clock overrides time.Now (tests).
	Clock func() time.Time
}

// DemoCode is the credential code of the default account.
const DemoCode = "demo"

// DemoAccounts returns the default login.
func DemoAccounts() map[string]Account {
	return map[string]Account{
		DemoCode: {
			EntityID:    "1001",
			DisplayName: "Demo Rep",
			CompanyName: "Demo Trading",
			TaxID:       "TX-1001",
			Address:     "1 Market Road",
		},
	}
}

// Server serves the API over gin.
type Server struct {
	cfg    Config
	state  *state
	engine *gin.Engine
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if len(cfg.Accounts) == 0 {
		cfg.Accounts = DemoAccounts()
	}

	st := newState()
	for code, a := range cfg.Accounts {
		st.accounts[code] = a
	}
	if cfg.Seed != nil {
		for _, c := range cfg.Seed.Customers {
			st.customers[c.EntityID] = c
		}
		st.catalog = append(st.catalog, cfg.Seed.Catalog...)
		for _, a := range cfg.Seed.Accounts {
			st.ledger[a.ID] = a
		}
	}

	s := &Server{cfg: cfg, state: st}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(recovery(s.cfg.Logger), requestLogger(s.cfg.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, remote.StatusResponse{Success: true})
	})

	api := r.Group("/api")
	api.POST("/check-connection", s.checkConnection)
	api.POST("/session", s.announceSession)

	authed := api.Group("")
	authed.Use(s.requireSession())
	authed.POST("/sync", s.sync)
	authed.GET("/customers", s.customers)
	authed.GET("/catalog", s.catalog)
	authed.GET("/ledger-accounts", s.ledgerAccounts)
	authed.POST("/attachments", s.uploadAttachment)
	authed.POST("/activity", s.activity)

	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.cfg.Logger.Info().Str("addr", addr).Msg("dev server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("dev server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("dev server shutdown error: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Customer returns the server's copy of a customer.
func (s *Server) Customer(id int64) (remote.CustomerRecord, bool) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	c, ok := s.state.customers[id]
	return c, ok
}

// Receipt returns a received receipt.
func (s *Server) Receipt(id string) (remote.ReceiptPayload, bool) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	r, ok := s.state.receipts[id]
	return r, ok
}

// Attachment returns the upload recorded for a receipt.
func (s *Server) Attachment(receiptID string) (Attachment, bool) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	a, ok := s.state.attachments[receiptID]
	return a, ok
}

// Counts reports how many batches, receipts, bookings and pings arrived.
func (s *Server) Counts() (batches, receipts, bookings, pings int) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.batches, len(s.state.receipts), len(s.state.bookings), len(s.state.pings)
}

// ActiveSession returns the valid session id of a tenant.
func (s *Server) ActiveSession(entityID string) string {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.active[entityID]
}

// signConfig signs the company configuration of a.
func (s *Server) signConfig(a Account) (string, error) {
	return session.SignConfig(session.ConfigClaims{
		CompanyName: a.CompanyName,
		TaxID:       a.TaxID,
		Address:     a.Address,
		Logo:        a.Logo,
	}, s.cfg.ConfigSecret, 24*time.Hour)
}
