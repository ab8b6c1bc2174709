package donation

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a donation transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Type classifies a ledger movement. Only donations originate here; the other
// types exist so imported records keep their meaning.
type Type string

const (
	TypeDonation     Type = "donation"
	TypeDistribution Type = "distribution"
	TypeRefund       Type = "refund"
	TypeFee          Type = "fee"
)

// Metadata is the donor-supplied context of a donation.
type Metadata struct {
	DonorName   string `json:"donor_name,omitempty"`
	DonorEmail  string `json:"donor_email,omitempty"`
	Message     string `json:"message,omitempty"`
	IsAnonymous bool   `json:"is_anonymous,omitempty"`
	Source      string `json:"source,omitempty"`
}

// TimelineEntry records one status change.
type TimelineEntry struct {
	Status      Status    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
	TxHash      string    `json:"tx_hash,omitempty"`
}

// Transaction is the off-chain record of a donation. The ledger is the
// authority for TxHash and the block fields; this record caches them.
type Transaction struct {
	ID              string          `json:"id"`
	CampaignID      string          `json:"campaign_id"`
	DonorID         string          `json:"donor_id,omitempty"`
	DonorWallet     string          `json:"donor_wallet"`
	Type            Type            `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          Status          `json:"status"`
	TxHash          string          `json:"tx_hash"`
	ValidUntilBlock uint32          `json:"valid_until_block,omitempty"`
	BlockNumber     *uint64         `json:"block_number,omitempty"`
	BlockHash       string          `json:"block_hash,omitempty"`
	BlockTime       *time.Time      `json:"block_time,omitempty"`
	GasUsed         string          `json:"gas_used,omitempty"`
	Metadata        Metadata        `json:"metadata"`
	Compensated     bool            `json:"compensated"`
	Timeline        []TimelineEntry `json:"timeline"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Filter narrows a campaign's transaction listing.
type Filter struct {
	Status Status
	Page   int
	Limit  int
}

// Page is one page of transactions.
type Page struct {
	Transactions []Transaction `json:"transactions"`
	CurrentPage  int           `json:"current_page"`
	TotalPages   int           `json:"total_pages"`
	Total        int           `json:"total"`
}

// Pagination defaults.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize fills pagination defaults and clamps the page size.
func (f Filter) Normalize() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	return f
}

// Offset returns the row offset of the filter's page.
func (f Filter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal move:
// pending -> confirmed -> completed, and pending -> failed|cancelled.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusConfirmed || to == StatusFailed || to == StatusCancelled
	case StatusConfirmed:
		return to == StatusCompleted
	}
	return false
}

// Reverses reports whether entering status to undoes the optimistic campaign
// totals applied at submission.
func Reverses(to Status) bool {
	return to == StatusFailed || to == StatusCancelled
}
