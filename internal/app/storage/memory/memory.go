package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/donation_ledger/internal/app/domain/campaign"
	"github.com/R3E-Network/donation_ledger/internal/app/domain/donation"
	"github.com/R3E-Network/donation_ledger/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
// Every multi-record operation runs under one write lock, which gives it the
// same all-or-nothing behaviour as the SQL store's transactions.
type Store struct {
	mu           sync.RWMutex
	campaigns    map[string]campaign.Campaign
	contracts    map[string]string
	transactions map[string]donation.Transaction
	byHash       map[string]string
}

var _ storage.CampaignStore = (*Store)(nil)
var _ storage.TransactionStore = (*Store)(nil)
var _ storage.Pinger = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		campaigns:    make(map[string]campaign.Campaign),
		contracts:    make(map[string]string),
		transactions: make(map[string]donation.Transaction),
		byHash:       make(map[string]string),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// CampaignStore implementation ------------------------------------------------

func (s *Store) CreateCampaign(_ context.Context, c campaign.Campaign) (campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	} else if _, exists := s.campaigns[c.ID]; exists {
		return campaign.Campaign{}, fmt.Errorf("campaign %s already exists: %w", c.ID, storage.ErrConflict)
	}

	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Tags = append([]string(nil), c.Tags...)

	s.campaigns[c.ID] = c
	if c.ContractAddress != "" {
		s.contracts[c.ContractAddress] = c.ID
	}
	return cloneCampaign(c), nil
}

func (s *Store) GetCampaign(_ context.Context, id string) (campaign.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.campaigns[id]
	if !ok {
		return campaign.Campaign{}, fmt.Errorf("campaign %s: %w", id, storage.ErrNotFound)
	}
	return cloneCampaign(c), nil
}

func (s *Store) ListCampaigns(_ context.Context, filter campaign.Filter) (campaign.Page, error) {
	filter = filter.Normalize()
	search := strings.ToLower(strings.TrimSpace(filter.Search))

	s.mu.RLock()
	matched := make([]campaign.Campaign, 0)
	for _, c := range s.campaigns {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Category != "" && c.Category != filter.Category {
			continue
		}
		if filter.Urgency != "" && c.Urgency != filter.Urgency {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(c.Title), search) &&
			!strings.Contains(strings.ToLower(c.Description), search) {
			continue
		}
		matched = append(matched, cloneCampaign(c))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	return campaign.Page{
		Campaigns:   paginate(matched, filter.Offset(), filter.Limit),
		CurrentPage: filter.Page,
		TotalPages:  campaign.TotalPages(len(matched), filter.Limit),
		Total:       len(matched),
	}, nil
}

func (s *Store) UpdateCampaignStatus(_ context.Context, id string, from, to campaign.Status) (campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return campaign.Campaign{}, fmt.Errorf("campaign %s: %w", id, storage.ErrNotFound)
	}
	if c.Status != from {
		return campaign.Campaign{}, fmt.Errorf("campaign %s is %s, not %s: %w", id, c.Status, from, storage.ErrConflict)
	}

	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	s.campaigns[id] = c
	return cloneCampaign(c), nil
}

func (s *Store) ActivateCampaign(_ context.Context, id, contractAddress string) (campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return campaign.Campaign{}, fmt.Errorf("campaign %s: %w", id, storage.ErrNotFound)
	}
	if c.Status != campaign.StatusDraft || c.ContractAddress != "" {
		return campaign.Campaign{}, fmt.Errorf("campaign %s is not an undeployed draft: %w", id, storage.ErrConflict)
	}
	if owner, taken := s.contracts[contractAddress]; taken {
		return campaign.Campaign{}, fmt.Errorf("contract %s already belongs to campaign %s: %w", contractAddress, owner, storage.ErrConflict)
	}

	c.ContractAddress = contractAddress
	c.Status = campaign.StatusActive
	c.UpdatedAt = time.Now().UTC()
	s.campaigns[id] = c
	s.contracts[contractAddress] = id
	return cloneCampaign(c), nil
}

// TransactionStore implementation ---------------------------------------------

func (s *Store) CreateDonation(_ context.Context, tx donation.Transaction) (donation.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[tx.CampaignID]
	if !ok {
		return donation.Transaction{}, fmt.Errorf("campaign %s: %w", tx.CampaignID, storage.ErrNotFound)
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	} else if _, exists := s.transactions[tx.ID]; exists {
		return donation.Transaction{}, fmt.Errorf("transaction %s already exists: %w", tx.ID, storage.ErrConflict)
	}
	if tx.TxHash != "" {
		if _, exists := s.byHash[tx.TxHash]; exists {
			return donation.Transaction{}, fmt.Errorf("tx hash %s already recorded: %w", tx.TxHash, storage.ErrConflict)
		}
	}

	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	tx.Timeline = append([]donation.TimelineEntry(nil), tx.Timeline...)

	c.Raised = c.Raised.Add(tx.Amount)
	c.Donors++
	c.UpdatedAt = now

	s.transactions[tx.ID] = tx
	if tx.TxHash != "" {
		s.byHash[tx.TxHash] = tx.ID
	}
	s.campaigns[c.ID] = c
	return cloneTransaction(tx), nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (donation.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return donation.Transaction{}, fmt.Errorf("transaction %s: %w", id, storage.ErrNotFound)
	}
	return cloneTransaction(tx), nil
}

func (s *Store) GetTransactionByHash(_ context.Context, txHash string) (donation.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[txHash]
	if !ok {
		return donation.Transaction{}, fmt.Errorf("transaction with hash %s: %w", txHash, storage.ErrNotFound)
	}
	return cloneTransaction(s.transactions[id]), nil
}

func (s *Store) ListTransactions(_ context.Context, campaignID string, filter donation.Filter) (donation.Page, error) {
	filter = filter.Normalize()

	s.mu.RLock()
	matched := make([]donation.Transaction, 0)
	for _, tx := range s.transactions {
		if tx.CampaignID != campaignID {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneTransaction(tx))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	return donation.Page{
		Transactions: paginate(matched, filter.Offset(), filter.Limit),
		CurrentPage:  filter.Page,
		TotalPages:   campaign.TotalPages(len(matched), filter.Limit),
		Total:        len(matched),
	}, nil
}

func (s *Store) ListPendingTransactions(_ context.Context, olderThan time.Time, limit int) ([]donation.Transaction, error) {
	s.mu.RLock()
	result := make([]donation.Transaction, 0)
	for _, tx := range s.transactions {
		if tx.Status == donation.StatusPending && tx.CreatedAt.Before(olderThan) {
			result = append(result, cloneTransaction(tx))
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) TransitionTransaction(_ context.Context, t storage.Transition) (donation.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[t.ID]
	if !ok {
		return donation.Transaction{}, fmt.Errorf("transaction %s: %w", t.ID, storage.ErrNotFound)
	}
	if tx.Status != t.From {
		return donation.Transaction{}, fmt.Errorf("transaction %s is %s, not %s: %w", t.ID, tx.Status, t.From, storage.ErrConflict)
	}

	now := time.Now().UTC()
	if t.Compensate && !tx.Compensated {
		c, ok := s.campaigns[tx.CampaignID]
		if !ok {
			return donation.Transaction{}, fmt.Errorf("campaign %s: %w", tx.CampaignID, storage.ErrNotFound)
		}
		c.Raised = decimal.Max(c.Raised.Sub(tx.Amount), decimal.Zero)
		if c.Donors > 0 {
			c.Donors--
		}
		c.UpdatedAt = now
		s.campaigns[c.ID] = c
		tx.Compensated = true
	}

	tx.Status = t.To
	if t.BlockNumber != nil {
		n := *t.BlockNumber
		tx.BlockNumber = &n
	}
	if t.BlockHash != "" {
		tx.BlockHash = t.BlockHash
	}
	if t.BlockTime != nil {
		bt := *t.BlockTime
		tx.BlockTime = &bt
	}
	if t.GasUsed != "" {
		tx.GasUsed = t.GasUsed
	}
	tx.Timeline = append(append([]donation.TimelineEntry(nil), tx.Timeline...), t.Entry)
	tx.UpdatedAt = now

	s.transactions[tx.ID] = tx
	return cloneTransaction(tx), nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func cloneCampaign(c campaign.Campaign) campaign.Campaign {
	c.Tags = append([]string(nil), c.Tags...)
	return c
}

func cloneTransaction(tx donation.Transaction) donation.Transaction {
	tx.Timeline = append([]donation.TimelineEntry(nil), tx.Timeline...)
	if tx.BlockNumber != nil {
		n := *tx.BlockNumber
		tx.BlockNumber = &n
	}
	if tx.BlockTime != nil {
		bt := *tx.BlockTime
		tx.BlockTime = &bt
	}
	return tx
}
