package remote

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatusResponse is the envelope every endpoint answers with.
type StatusResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Status returns the envelope; embedding types inherit it.
func (s StatusResponse) Status() StatusResponse { return s }

type CheckConnectionRequest struct {
	Credential string `json:"credential"`
}

type CheckConnectionResponse struct {
	StatusResponse
	EntityID    string `json:"entity_id"`
	DisplayName string `json:"display_name"`
	CompanyName string `json:"company_name"`
	TaxID       string `json:"tax_id"`
	Address     string `json:"address"`
	Logo        string `json:"logo"`

	// ConfigToken is an optional signed copy of the company configuration.
	ConfigToken string `json:"config_token,omitempty"`
}

type SessionRequest struct {
	TenantEntityID string `json:"tenant_entity_id"`
	SessionID      string `json:"session_id"`
}

// SyncRequest is one push batch. Entities appear in push order.
type SyncRequest struct {
	SessionID         string            `json:"session_id"`
	TenantEntityID    string            `json:"tenant_entity_id"`
	Customers         []CustomerPayload `json:"customers"`
	OrderBookings     []BookingPayload  `json:"order_booking"`
	OrderBookingLines []LinePayload     `json:"order_booking_line"`
	Receipts          []ReceiptPayload  `json:"receipts"`
}

type CustomerPayload struct {
	EntityID       int64      `json:"entity_id"`
	VisitStatus    string     `json:"visited"`
	LastVisitAt    *time.Time `json:"last_visit_at,omitempty"`
	Latitude       *float64   `json:"latitude,omitempty"`
	Longitude      *float64   `json:"longitude,omitempty"`
	LocationStatus string     `json:"location_status,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type BookingPayload struct {
	ID          string          `json:"id"`
	CustomerID  int64           `json:"customer_id"`
	BookedAt    time.Time       `json:"booked_at"`
	Note        string          `json:"note,omitempty"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

type LinePayload struct {
	ID        string          `json:"id"`
	BookingID string          `json:"booking_id"`
	ItemID    string          `json:"item_id"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Amount    decimal.Decimal `json:"amount"`
}

type ReceiptPayload struct {
	ID            string          `json:"id"`
	CustomerID    int64           `json:"customer_id"`
	AccountID     string          `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Note          string          `json:"note,omitempty"`
	HasAttachment bool            `json:"has_attachment"`
	CreatedAt     time.Time       `json:"created_at"`
}

type SyncResponse struct {
	StatusResponse
	ServerCustomers []ServerCustomer `json:"server_customers,omitempty"`
}

// ServerCustomer is an authoritative customer record. Absent fields are nil.
type ServerCustomer struct {
	EntityID       int64      `json:"entity_id"`
	Name           *string    `json:"name,omitempty"`
	Phone          *string    `json:"phone,omitempty"`
	AssignedRep    *string    `json:"assigned_rep,omitempty"`
	VisitStatus    *string    `json:"visited,omitempty"`
	LastVisitAt    *time.Time `json:"last_visit_at,omitempty"`
	Latitude       *float64   `json:"latitude,omitempty"`
	Longitude      *float64   `json:"longitude,omitempty"`
	LocationStatus *string    `json:"location_status,omitempty"`
}

type CustomerRecord struct {
	EntityID       int64      `json:"entity_id"`
	Name           string     `json:"name"`
	Phone          string     `json:"phone"`
	AssignedRep    string     `json:"assigned_rep"`
	VisitStatus    string     `json:"visited"`
	LastVisitAt    *time.Time `json:"last_visit_at,omitempty"`
	Latitude       *float64   `json:"latitude,omitempty"`
	Longitude      *float64   `json:"longitude,omitempty"`
	LocationStatus string     `json:"location_status,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type CustomersResponse struct {
	StatusResponse
	Customers []CustomerRecord `json:"customers"`
}

type CatalogRecord struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	ItemType  string          `json:"type"`
	ImageRef  string          `json:"image,omitempty"`
	Stock     int64           `json:"stock"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type CatalogResponse struct {
	StatusResponse
	Items []CatalogRecord `json:"items"`
}

type LedgerAccountRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AccountType string `json:"type"`
}

type LedgerAccountsResponse struct {
	StatusResponse
	Accounts []LedgerAccountRecord `json:"accounts"`
}

type PingPayload struct {
	ID         int64     `json:"id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	RecordedAt time.Time `json:"recorded_at"`
}

type ActivityRequest struct {
	SessionID string        `json:"session_id"`
	Pings     []PingPayload `json:"pings"`
}
