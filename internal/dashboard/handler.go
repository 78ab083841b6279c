package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fieldrep/fieldsync/internal/daemon"
	"github.com/fieldrep/fieldsync/internal/store"
	"github.com/fieldrep/fieldsync/internal/syncer"
	"github.com/rs/zerolog"
)

// SyncResultData is the payload of a sync_result message.
type SyncResultData struct {
	Op          string        `json:"op"`
	Success     bool          `json:"success"`
	Message     string        `json:"message"`
	SyncedCount int           `json:"synced_count"`
	Merged      int           `json:"merged,omitempty"`
	Pulled      int           `json:"pulled,omitempty"`
	Retryable   bool          `json:"retryable,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// StatsData is the payload of a stats message.
type StatsData struct {
	Pending            int `json:"pending"`
	Customers          int `json:"customers"`
	Bookings           int `json:"bookings"`
	BookingLines       int `json:"booking_lines"`
	Receipts           int `json:"receipts"`
	PendingAttachments int `json:"pending_attachments"`
	Pings              int `json:"pings"`
}

// ConnectivityData is the payload of a connectivity message.
type ConnectivityData struct {
	Online     bool      `json:"online"`
	Since      time.Time `json:"since"`
	Reconnects int       `json:"reconnects"`
}

// StatsSource reports pending-row counts.
type StatsSource interface {
	Stats(ctx context.Context) (store.Stats, error)
}

// Handler turns engine and daemon events into dashboard messages.
type Handler struct {
	server *Server
	stats  StatsSource
	logger zerolog.Logger
}

var _ syncer.Observer = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server.
// stats may be nil.
func NewHandler(server *Server, stats StatsSource, logger zerolog.Logger) *Handler {
	return &Handler{server: server, stats: stats, logger: logger}
}

// SyncFinished implements syncer.Observer.
func (h *Handler) SyncFinished(res syncer.Result) {
	if res.InProgress {
		return
	}

	if res.SessionExpired {
		h.send(MessageTypeSessionExpired, map[string]string{"message": res.Message})
	}

	h.send(MessageTypeSyncResult, SyncResultData{
		Op:          res.Op,
		Success:     res.Success,
		Message:     res.Message,
		SyncedCount: res.SyncedCount,
		Merged:      res.Merged,
		Pulled:      res.Pulled,
		Retryable:   syncer.IsRetryable(res.Err),
		Duration:    res.Duration,
	})

	h.RefreshStats(context.Background())
}

// OnConnectivity broadcasts a connectivity change.
func (h *Handler) OnConnectivity(st daemon.Status) {
	h.send(MessageTypeConnectivity, ConnectivityData{
		Online:     st.Online,
		Since:      st.LastChange,
		Reconnects: st.Reconnects,
	})
}

// RefreshStats reads pending counts and broadcasts them.
func (h *Handler) RefreshStats(ctx context.Context) {
	if h.stats == nil {
		return
	}
	st, err := h.stats.Stats(ctx)
	if err != nil {
		h.logger.Debug().Err(err).Msg("failed to read stats")
		return
	}
	h.send(MessageTypeStats, StatsData{
		Pending:            st.Pending(),
		Customers:          st.Customers,
		Bookings:           st.Bookings,
		BookingLines:       st.BookingLines,
		Receipts:           st.Receipts,
		PendingAttachments: st.PendingAttachments,
		Pings:              st.Pings,
	})
}

func (h *Handler) send(typ MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn().Err(err).Str("type", string(typ)).Msg("failed to marshal dashboard data")
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}
