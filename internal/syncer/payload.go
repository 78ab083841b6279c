package syncer

import (
	"github.com/fieldrep/fieldsync/internal/remote"
	"github.com/fieldrep/fieldsync/internal/session"
	"github.com/fieldrep/fieldsync/internal/store"
)

// buildRequest projects pending rows onto the wire. Local bookkeeping
// (synced flags, attachment paths) never leaves the device.
func buildRequest(sess *session.Session, p *store.Pending) *remote.SyncRequest {
	req := &remote.SyncRequest{
		SessionID:         sess.ID,
		TenantEntityID:    sess.TenantEntityID,
		Customers:         make([]remote.CustomerPayload, 0, len(p.Customers)),
		OrderBookings:     make([]remote.BookingPayload, 0, len(p.Bookings)),
		OrderBookingLines: make([]remote.LinePayload, 0, len(p.Lines)),
		Receipts:          make([]remote.ReceiptPayload, 0, len(p.Receipts)),
	}

	for _, c := range p.Customers {
		req.Customers = append(req.Customers, remote.CustomerPayload{
			EntityID:       c.EntityID,
			VisitStatus:    c.VisitStatus,
			LastVisitAt:    c.LastVisitAt,
			Latitude:       c.Latitude,
			Longitude:      c.Longitude,
			LocationStatus: c.LocationStatus,
			UpdatedAt:      c.UpdatedAt,
		})
	}
	for _, b := range p.Bookings {
		req.OrderBookings = append(req.OrderBookings, remote.BookingPayload{
			ID:          b.ID,
			CustomerID:  b.CustomerID,
			BookedAt:    b.BookedAt,
			Note:        b.Note,
			TotalAmount: b.TotalAmount,
		})
	}
	for _, l := range p.Lines {
		req.OrderBookingLines = append(req.OrderBookingLines, remote.LinePayload{
			ID:        l.ID,
			BookingID: l.BookingID,
			ItemID:    l.ItemID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			Amount:    l.Amount,
		})
	}
	for _, r := range p.Receipts {
		req.Receipts = append(req.Receipts, remote.ReceiptPayload{
			ID:            r.ID,
			CustomerID:    r.CustomerID,
			AccountID:     r.AccountID,
			Amount:        r.Amount,
			Note:          r.Note,
			HasAttachment: r.AttachmentPath != "",
			CreatedAt:     r.CreatedAt,
		})
	}
	return req
}

// ServerCustomers converts authoritative server records for a merge.
func ServerCustomers(in []remote.ServerCustomer) []store.ServerCustomer {
	out := make([]store.ServerCustomer, 0, len(in))
	for _, c := range in {
		out = append(out, store.ServerCustomer{
			EntityID:       c.EntityID,
			Name:           c.Name,
			Phone:          c.Phone,
			AssignedRep:    c.AssignedRep,
			VisitStatus:    c.VisitStatus,
			LastVisitAt:    c.LastVisitAt,
			Latitude:       c.Latitude,
			Longitude:      c.Longitude,
			LocationStatus: c.LocationStatus,
		})
	}
	return out
}

// CustomersFromRecords converts pulled or imported customer records.
func CustomersFromRecords(in []remote.CustomerRecord) []store.Customer {
	out := make([]store.Customer, 0, len(in))
	for _, c := range in {
		out = append(out, store.Customer{
			EntityID:       c.EntityID,
			Name:           c.Name,
			Phone:          c.Phone,
			AssignedRep:    c.AssignedRep,
			LastVisitAt:    c.LastVisitAt,
			VisitStatus:    c.VisitStatus,
			Latitude:       c.Latitude,
			Longitude:      c.Longitude,
			LocationStatus: c.LocationStatus,
			UpdatedAt:      c.UpdatedAt,
		})
	}
	return out
}

// CatalogFromRecords converts pulled or imported catalog records.
func CatalogFromRecords(in []remote.CatalogRecord) []store.CatalogItem {
	out := make([]store.CatalogItem, 0, len(in))
	for _, it := range in {
		out = append(out, store.CatalogItem{
			ID:        it.ID,
			Name:      it.Name,
			Price:     it.Price,
			ItemType:  it.ItemType,
			ImageRef:  it.ImageRef,
			Stock:     it.Stock,
			UpdatedAt: it.UpdatedAt,
		})
	}
	return out
}

// LedgerFromRecords converts pulled or imported ledger accounts.
func LedgerFromRecords(in []remote.LedgerAccountRecord) []store.LedgerAccount {
	out := make([]store.LedgerAccount, 0, len(in))
	for _, a := range in {
		out = append(out, store.LedgerAccount{
			ID:          a.ID,
			Name:        a.Name,
			AccountType: a.AccountType,
		})
	}
	return out
}
