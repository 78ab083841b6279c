package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Visit statuses of a customer.
const (
	VisitStatusVisited   = "Visited"
	VisitStatusUnvisited = "Unvisited"
)

// Location freshness of a customer's last known position.
const (
	LocationFresh = "Fresh"
	LocationStale = "Stale"
)

// SessionConfig is the singleton row describing the logged-in account.
type SessionConfig struct {
	TenantID        string
	TenantEntityID  string
	ServerEndpoint  string
	SessionToken    string
	SessionIssuedAt time.Time
	DisplayName     string
	CompanyName     string
	CompanyLogo     string
	TaxID           string
	Address         string
	UpdatedAt       time.Time
}

// Customer is a shop or client visited by the field rep.
type Customer struct {
	EntityID       int64 `validate:"gt=0"`
	Name           string
	Phone          string
	AssignedRep    string
	LastVisitAt    *time.Time
	VisitStatus    string `validate:"omitempty,oneof=Visited Unvisited"`
	Latitude       *float64
	Longitude      *float64
	LocationStatus string `validate:"omitempty,oneof=Fresh Stale"`
	Synced         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CatalogItem is a sellable product mirrored from the server.
type CatalogItem struct {
	ID        string `validate:"required"`
	Name      string
	Price     decimal.Decimal
	ItemType  string
	ImageRef  string
	Stock     int64
	UpdatedAt time.Time
}

// LedgerAccount is a bank or cash account receipts can be booked against.
type LedgerAccount struct {
	ID          string `validate:"required"`
	Name        string
	AccountType string
	UpdatedAt   time.Time
}

// OrderBooking is the header of an order taken at a customer.
type OrderBooking struct {
	ID          string
	CustomerID  int64
	BookedAt    time.Time
	Note        string
	TotalAmount decimal.Decimal
	Synced      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderBookingLine is one catalog item on a booking.
type OrderBookingLine struct {
	ID        string
	BookingID string
	ItemID    string
	Quantity  int64
	UnitPrice decimal.Decimal
	Amount    decimal.Decimal
	Synced    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentReceipt is money collected from a customer. The record and its
// attachment are pushed independently and carry separate flags.
type PaymentReceipt struct {
	ID               string
	CustomerID       int64
	AccountID        string
	Amount           decimal.Decimal
	Note             string
	AttachmentPath   string
	Synced           bool
	AttachmentSynced bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ActivityPing is an append-only location sample.
type ActivityPing struct {
	ID         int64
	Latitude   float64
	Longitude  float64
	RecordedAt time.Time
	Synced     bool
}

// NewBookingLine describes a line to add to a booking. A nil UnitPrice takes
// the catalog price.
type NewBookingLine struct {
	ItemID    string `validate:"required"`
	Quantity  int64  `validate:"gt=0"`
	UnitPrice *decimal.Decimal
}

// NewBooking describes an order finalized by the rep.
type NewBooking struct {
	CustomerID int64            `validate:"gt=0"`
	Note       string           `validate:"max=1000"`
	Lines      []NewBookingLine `validate:"min=1,dive"`
}

// NewReceipt describes a payment collected by the rep.
type NewReceipt struct {
	CustomerID     int64  `validate:"gt=0"`
	AccountID      string `validate:"required"`
	Amount         decimal.Decimal
	Note           string `validate:"max=1000"`
	AttachmentPath string
}

// ServerCustomer is an authoritative customer record pushed back by the
// server. Nil fields were not included and must not overwrite local data.
type ServerCustomer struct {
	EntityID       int64
	Name           *string
	Phone          *string
	AssignedRep    *string
	VisitStatus    *string
	LastVisitAt    *time.Time
	Latitude       *float64
	Longitude      *float64
	LocationStatus *string
}

// Stats counts pending rows per entity.
type Stats struct {
	Customers          int
	Bookings           int
	BookingLines       int
	Receipts           int
	PendingAttachments int
	Pings              int
	CatalogItems       int
	LedgerAccounts     int
}

// Pending returns the number of rows waiting for the next sync batch.
func (s Stats) Pending() int {
	return s.Customers + s.Bookings + s.BookingLines + s.Receipts
}
