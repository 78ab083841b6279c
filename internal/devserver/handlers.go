package devserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fieldrep/fieldsync/internal/remote"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const tenantKey = "tenant_entity_id"

func fail(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, remote.StatusResponse{Error: msg, ErrorCode: code})
}

// failErr answers a rejection with 200 and success=false, anything else
// with 500.
func failErr(c *gin.Context, err error) {
	var rej *rejection
	if errors.As(err, &rej) {
		fail(c, http.StatusOK, rej.code, rej.msg)
		return
	}
	fail(c, http.StatusInternalServerError, "", err.Error())
}

func (s *Server) checkConnection(c *gin.Context) {
	var req remote.CheckConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, CodeBadRequest, "invalid request")
		return
	}

	a, ok := s.state.account(strings.TrimSpace(req.Credential))
	if !ok {
		fail(c, http.StatusForbidden, CodeInvalidCredential, "unknown credential")
		return
	}

	resp := remote.CheckConnectionResponse{
		StatusResponse: remote.StatusResponse{Success: true},
		EntityID:       a.EntityID,
		DisplayName:    a.DisplayName,
		CompanyName:    a.CompanyName,
		TaxID:          a.TaxID,
		Address:        a.Address,
		Logo:           a.Logo,
	}
	if s.cfg.ConfigSecret != "" {
		token, err := s.signConfig(a)
		if err != nil {
			fail(c, http.StatusInternalServerError, "", "failed to sign configuration")
			return
		}
		resp.ConfigToken = token
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) announceSession(c *gin.Context) {
	var req remote.SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" || req.TenantEntityID == "" {
		fail(c, http.StatusBadRequest, CodeBadRequest, "tenant_entity_id and session_id are required")
		return
	}
	s.state.announce(req.TenantEntityID, req.SessionID)
	s.cfg.Logger.Info().
		Str("tenant", req.TenantEntityID).
		Str("session", req.SessionID).
		Msg("session announced")
	c.JSON(http.StatusOK, remote.StatusResponse{Success: true})
}

func (s *Server) sync(c *gin.Context) {
	var req remote.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, CodeBadRequest, "invalid sync batch")
		return
	}
	if req.TenantEntityID != "" && req.TenantEntityID != c.GetString(tenantKey) {
		fail(c, http.StatusForbidden, CodeBadRequest, "batch tenant does not match session")
		return
	}

	merged, err := s.state.applySync(&req, s.cfg.Clock().UTC())
	if err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("sync batch rejected")
		failErr(c, err)
		return
	}

	s.cfg.Logger.Info().
		Int("customers", len(req.Customers)).
		Int("bookings", len(req.OrderBookings)).
		Int("lines", len(req.OrderBookingLines)).
		Int("receipts", len(req.Receipts)).
		Msg("sync batch applied")
	c.JSON(http.StatusOK, remote.SyncResponse{
		StatusResponse:  remote.StatusResponse{Success: true},
		ServerCustomers: merged,
	})
}

func (s *Server) customers(c *gin.Context) {
	c.JSON(http.StatusOK, remote.CustomersResponse{
		StatusResponse: remote.StatusResponse{Success: true},
		Customers:      s.state.customerList(),
	})
}

func (s *Server) catalog(c *gin.Context) {
	c.JSON(http.StatusOK, remote.CatalogResponse{
		StatusResponse: remote.StatusResponse{Success: true},
		Items:          s.state.catalogList(),
	})
}

func (s *Server) ledgerAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, remote.LedgerAccountsResponse{
		StatusResponse: remote.StatusResponse{Success: true},
		Accounts:       s.state.ledgerList(),
	})
}

func (s *Server) uploadAttachment(c *gin.Context) {
	receiptID := c.PostForm("receipt_id")
	file, err := c.FormFile("file")
	if err != nil || receiptID == "" {
		fail(c, http.StatusBadRequest, CodeBadRequest, "receipt_id and file are required")
		return
	}

	if err := s.state.attach(receiptID, Attachment{Filename: file.Filename, Size: file.Size}); err != nil {
		fail(c, http.StatusNotFound, CodeUnknownReceipt, err.Error())
		return
	}
	c.JSON(http.StatusOK, remote.StatusResponse{Success: true})
}

func (s *Server) activity(c *gin.Context) {
	var req remote.ActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, CodeBadRequest, "invalid activity batch")
		return
	}
	s.state.addPings(req.Pings)
	c.JSON(http.StatusOK, remote.StatusResponse{Success: true})
}

// requireSession rejects calls whose X-Session-ID is not the tenant's
// active session.
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(remote.SessionHeader)
		tenant, ok := s.state.tenantOf(id)
		if id == "" || !ok {
			fail(c, http.StatusUnauthorized, remote.CodeSessionMismatch, "session mismatch")
			return
		}
		c.Set(tenantKey, tenant)
		c.Next()
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func recovery(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error().
					Interface("error", err).
					Str("path", c.Request.URL.Path).
					Msg("panic recovered")
				fail(c, http.StatusInternalServerError, "", "internal server error")
			}
		}()
		c.Next()
	}
}
