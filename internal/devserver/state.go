package devserver

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fieldrep/fieldsync/internal/remote"
)

// Error codes returned in error_code besides remote.CodeSessionMismatch.
const (
	CodeInvalidCredential = "INVALID_CREDENTIAL"
	CodeUnknownCustomer   = "UNKNOWN_CUSTOMER"
	CodeUnknownAccount    = "UNKNOWN_ACCOUNT"
	CodeUnknownBooking    = "UNKNOWN_BOOKING"
	CodeUnknownReceipt    = "UNKNOWN_RECEIPT"
	CodeBadRequest        = "BAD_REQUEST"
)

// Account is a rep login known to the server, keyed by credential code.
type Account struct {
	EntityID    string
	DisplayName string
	CompanyName string
	TaxID       string
	Address     string
	Logo        string
}

// Attachment records an uploaded receipt file.
type Attachment struct {
	Filename string
	Size     int64
}

// rejection is a business refusal of a request.
type rejection struct {
	code string
	msg  string
}

func (r *rejection) Error() string { return r.msg }

func reject(code, format string, args ...any) *rejection {
	return &rejection{code: code, msg: fmt.Sprintf(format, args...)}
}

// state is the server's in-memory data. All access goes through its mutex.
type state struct {
	mu sync.Mutex

	accounts map[string]Account // code -> account

	active   map[string]string // tenant entity id -> session id
	sessions map[string]string // session id -> tenant entity id

	customers   map[int64]remote.CustomerRecord
	catalog     []remote.CatalogRecord
	ledger      map[string]remote.LedgerAccountRecord
	bookings    map[string]remote.BookingPayload
	lines       map[string]remote.LinePayload
	receipts    map[string]remote.ReceiptPayload
	attachments map[string]Attachment
	pings       map[int64]remote.PingPayload

	batches int
}

func newState() *state {
	return &state{
		accounts:    make(map[string]Account),
		active:      make(map[string]string),
		sessions:    make(map[string]string),
		customers:   make(map[int64]remote.CustomerRecord),
		ledger:      make(map[string]remote.LedgerAccountRecord),
		bookings:    make(map[string]remote.BookingPayload),
		lines:       make(map[string]remote.LinePayload),
		receipts:    make(map[string]remote.ReceiptPayload),
		attachments: make(map[string]Attachment),
		pings:       make(map[int64]remote.PingPayload),
	}
}

func (s *state) account(code string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[code]
	return a, ok
}

// announce makes sessionID the only valid session of the tenant.
func (s *state) announce(entityID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.active[entityID]; ok {
		delete(s.sessions, old)
	}
	s.active[entityID] = sessionID
	s.sessions[sessionID] = entityID
}

func (s *state) tenantOf(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sessions[sessionID]
	return id, ok
}

// applySync validates the whole batch first and applies it only if every
// row is acceptable. Resent rows overwrite their earlier copy.
func (s *state) applySync(req *remote.SyncRequest, now time.Time) ([]remote.ServerCustomer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range req.Customers {
		if _, ok := s.customers[c.EntityID]; !ok {
			return nil, reject(CodeUnknownCustomer, "customer %d does not exist", c.EntityID)
		}
	}
	batchBookings := make(map[string]bool, len(req.OrderBookings))
	for _, b := range req.OrderBookings {
		if _, ok := s.customers[b.CustomerID]; !ok {
			return nil, reject(CodeUnknownCustomer, "booking %s: customer %d does not exist", b.ID, b.CustomerID)
		}
		batchBookings[b.ID] = true
	}
	for _, l := range req.OrderBookingLines {
		if _, ok := s.bookings[l.BookingID]; !ok && !batchBookings[l.BookingID] {
			return nil, reject(CodeUnknownBooking, "line %s: booking %s does not exist", l.ID, l.BookingID)
		}
	}
	for _, r := range req.Receipts {
		if _, ok := s.customers[r.CustomerID]; !ok {
			return nil, reject(CodeUnknownCustomer, "receipt %s: customer %d does not exist", r.ID, r.CustomerID)
		}
		if _, ok := s.ledger[r.AccountID]; !ok {
			return nil, reject(CodeUnknownAccount, "receipt %s: ledger account %s does not exist", r.ID, r.AccountID)
		}
	}

	out := make([]remote.ServerCustomer, 0, len(req.Customers))
	for _, c := range req.Customers {
		rec := s.customers[c.EntityID]
		rec.VisitStatus = c.VisitStatus
		rec.LastVisitAt = c.LastVisitAt
		if c.Latitude != nil && c.Longitude != nil {
			rec.Latitude, rec.Longitude = c.Latitude, c.Longitude
		}
		if c.LocationStatus != "" {
			rec.LocationStatus = c.LocationStatus
		}
		rec.UpdatedAt = now
		s.customers[c.EntityID] = rec
		out = append(out, serverCustomer(rec))
	}
	for _, b := range req.OrderBookings {
		s.bookings[b.ID] = b
	}
	for _, l := range req.OrderBookingLines {
		s.lines[l.ID] = l
	}
	for _, r := range req.Receipts {
		s.receipts[r.ID] = r
	}
	s.batches++
	return out, nil
}

func serverCustomer(rec remote.CustomerRecord) remote.ServerCustomer {
	name, phone, rep := rec.Name, rec.Phone, rec.AssignedRep
	status, loc := rec.VisitStatus, rec.LocationStatus
	sc := remote.ServerCustomer{
		EntityID:    rec.EntityID,
		Name:        &name,
		Phone:       &phone,
		AssignedRep: &rep,
		VisitStatus: &status,
		LastVisitAt: rec.LastVisitAt,
		Latitude:    rec.Latitude,
		Longitude:   rec.Longitude,
	}
	if loc != "" {
		sc.LocationStatus = &loc
	}
	return sc
}

func (s *state) customerList() []remote.CustomerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.CustomerRecord, 0, len(s.customers))
	for _, c := range s.customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

func (s *state) catalogList() []remote.CatalogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.CatalogRecord(nil), s.catalog...)
}

func (s *state) ledgerList() []remote.LedgerAccountRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.LedgerAccountRecord, 0, len(s.ledger))
	for _, a := range s.ledger {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) attach(receiptID string, a Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.receipts[receiptID]; !ok {
		return reject(CodeUnknownReceipt, "receipt %s does not exist", receiptID)
	}
	s.attachments[receiptID] = a
	return nil
}

func (s *state) addPings(pings []remote.PingPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pings {
		s.pings[p.ID] = p
	}
}
