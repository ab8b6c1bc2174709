package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/donation_ledger/internal/app/domain/campaign"
	"github.com/R3E-Network/donation_ledger/internal/app/domain/donation"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set precondition no longer
	// holds or a unique value is already taken.
	ErrConflict = errors.New("conflict")
)

// CampaignStore persists campaigns.
type CampaignStore interface {
	CreateCampaign(ctx context.Context, c campaign.Campaign) (campaign.Campaign, error)
	GetCampaign(ctx context.Context, id string) (campaign.Campaign, error)
	ListCampaigns(ctx context.Context, filter campaign.Filter) (campaign.Page, error)
	// UpdateCampaignStatus moves the campaign from -> to, failing with
	// ErrConflict when it is no longer in from.
	UpdateCampaignStatus(ctx context.Context, id string, from, to campaign.Status) (campaign.Campaign, error)
	// ActivateCampaign records the contract address and flips a draft campaign
	// to active. It fails with ErrConflict unless the campaign is a draft
	// without an address.
	ActivateCampaign(ctx context.Context, id, contractAddress string) (campaign.Campaign, error)
}

// Transition describes one status change of a transaction.
type Transition struct {
	ID    string
	From  donation.Status
	To    donation.Status
	Entry donation.TimelineEntry

	// Ledger fields, written when set.
	BlockNumber *uint64
	BlockHash   string
	BlockTime   *time.Time
	GasUsed     string

	// Compensate reverses the campaign totals added at submission, unless a
	// previous transition already did.
	Compensate bool
}

// TransactionStore persists donation transactions and their timelines.
type TransactionStore interface {
	// CreateDonation stores a pending transaction with its first timeline entry
	// and adds its amount and one donor to the campaign, all or nothing. The
	// campaign status is not checked here: callers check it before the transfer
	// is broadcast, and a broadcast transfer is recorded even if the campaign
	// was suspended in the meantime.
	CreateDonation(ctx context.Context, tx donation.Transaction) (donation.Transaction, error)
	GetTransaction(ctx context.Context, id string) (donation.Transaction, error)
	GetTransactionByHash(ctx context.Context, txHash string) (donation.Transaction, error)
	ListTransactions(ctx context.Context, campaignID string, filter donation.Filter) (donation.Page, error)
	// ListPendingTransactions returns pending transactions created before
	// olderThan, oldest first.
	ListPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]donation.Transaction, error)
	// TransitionTransaction applies t atomically, failing with ErrConflict when
	// the transaction is no longer in t.From.
	TransitionTransaction(ctx context.Context, t Transition) (donation.Transaction, error)
}

// Pinger is implemented by stores that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
