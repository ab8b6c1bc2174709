package campaign

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a campaign.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusSuspended Status = "suspended"
)

// Category classifies what a campaign funds.
type Category string

const (
	CategoryEducation   Category = "education"
	CategoryHealth      Category = "health"
	CategoryDisaster    Category = "disaster"
	CategoryEnvironment Category = "environment"
	CategoryPoverty     Category = "poverty"
	CategoryOther       Category = "other"
)

// Urgency ranks campaigns for display.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Limits applied when a campaign is created.
const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 2000
	DefaultCurrency      = "GAS"
)

// MinTarget is the smallest fundraising target accepted.
var MinTarget = decimal.NewFromInt(1000)

// Campaign is a fundraising campaign backed by one on-chain donation contract.
// Raised and Donors only move through the store's atomic counter updates, and
// ContractAddress is assigned once on activation.
type Campaign struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Category           Category        `json:"category"`
	Urgency            Urgency         `json:"urgency"`
	Tags               []string        `json:"tags,omitempty"`
	Target             decimal.Decimal `json:"target"`
	Raised             decimal.Decimal `json:"raised"`
	Currency           string          `json:"currency"`
	Donors             int64           `json:"donors"`
	Status             Status          `json:"status"`
	OrganizationID     string          `json:"organization_id"`
	CreatedBy          string          `json:"created_by"`
	BeneficiaryWallet  string          `json:"beneficiary_wallet"`
	OrganizationWallet string          `json:"organization_wallet"`
	ContractAddress    string          `json:"contract_address,omitempty"`
	StartDate          time.Time       `json:"start_date"`
	EndDate            time.Time       `json:"end_date"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Filter narrows a campaign listing. Zero values mean "any".
type Filter struct {
	Status   Status
	Category Category
	Urgency  Urgency
	Search   string
	Page     int
	Limit    int
}

// Page is one page of a campaign listing.
type Page struct {
	Campaigns   []Campaign `json:"campaigns"`
	CurrentPage int        `json:"current_page"`
	TotalPages  int        `json:"total_pages"`
	Total       int        `json:"total_campaigns"`
}

// Pagination defaults.
const (
	DefaultPageSize = 12
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

// TotalPages computes the page count for total rows at the given page size.
func TotalPages(total, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusCompleted, StatusCancelled, StatusSuspended:
		return true
	}
	return false
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryEducation, CategoryHealth, CategoryDisaster, CategoryEnvironment, CategoryPoverty, CategoryOther:
		return true
	}
	return false
}

// Valid reports whether u is a known urgency.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh:
		return true
	}
	return false
}

// CanTransition reports whether an operator may move a campaign from one
// status to another. Activation (draft -> active) is excluded: it only happens
// through contract deployment.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusDraft:
		return to == StatusCancelled
	case StatusActive:
		return to == StatusSuspended || to == StatusCompleted || to == StatusCancelled
	case StatusSuspended:
		return to == StatusActive || to == StatusCancelled
	}
	return false
}

// DaysLeft returns the whole days remaining until the end date, rounded up.
// Negative once the campaign has ended.
func DaysLeft(c Campaign, now time.Time) int {
	return int(math.Ceil(c.EndDate.Sub(now).Hours() / 24))
}

// ProgressPercentage returns Raised as a percentage of Target.
func ProgressPercentage(c Campaign) decimal.Decimal {
	if c.Target.Sign() <= 0 {
		return decimal.Zero
	}
	return c.Raised.Div(c.Target).Mul(decimal.NewFromInt(100))
}
