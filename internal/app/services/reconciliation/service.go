// Package reconciliation keeps campaign and donation records consistent with
// the ledger: it deploys campaign contracts, submits donations, and moves
// transactions through their lifecycle as ledger outcomes become known.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/donation_ledger/internal/app/domain/campaign"
	"github.com/R3E-Network/donation_ledger/internal/app/domain/donation"
	"github.com/R3E-Network/donation_ledger/internal/app/domain/ledger"
	"github.com/R3E-Network/donation_ledger/internal/app/events"
	"github.com/R3E-Network/donation_ledger/internal/app/metrics"
	"github.com/R3E-Network/donation_ledger/internal/app/storage"
	apperrors "github.com/R3E-Network/donation_ledger/internal/errors"
	"github.com/R3E-Network/donation_ledger/pkg/logger"
)

// Ledger is the on-chain side of reconciliation.
type Ledger interface {
	DeployContract(ctx context.Context, p ledger.DeployParams) (string, error)
	SubmitValueTransfer(ctx context.Context, contract string, amount decimal.Decimal, from string) (ledger.Submission, error)
	// GetReceipt returns nil when the transaction is not known to the ledger.
	GetReceipt(ctx context.Context, txHash string) (*ledger.Receipt, error)
	GetBlockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error)
	BlockHeight(ctx context.Context) (uint64, error)
	Balance(ctx context.Context, contract string) (decimal.Decimal, error)
	ValidateAddress(addr string) error
}

// DonationRequest is a donor's request to give to a campaign.
type DonationRequest struct {
	CampaignID  string
	Amount      decimal.Decimal
	DonorWallet string
	DonorID     string
	Metadata    donation.Metadata
}

// Service orchestrates the record store and the ledger. It never holds a lock
// across a ledger or store call; consistency comes from the store's
// compare-and-set operations.
type Service struct {
	campaigns storage.CampaignStore
	txs       storage.TransactionStore
	ledger    Ledger
	events    events.Publisher
	now       func() time.Time
	log       *logger.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithPublisher publishes every state change.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithClock overrides the time source used for timeline entries.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs the reconciliation service around an injected ledger client.
func New(campaigns storage.CampaignStore, txs storage.TransactionStore, l Ledger, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("reconciliation")
	}
	s := &Service{
		campaigns: campaigns,
		txs:       txs,
		ledger:    l,
		events:    events.Nop{},
		now:       time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var errConcurrentTransition = errors.New("transaction changed concurrently")

// ActivateCampaign deploys the campaign's donation contract and, on success,
// records its address and activates the campaign in one compare-and-set. A
// failed deployment leaves the campaign a draft and is never retried here.
func (s *Service) ActivateCampaign(ctx context.Context, campaignID string) (campaign.Campaign, error) {
	c, err := s.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return campaign.Campaign{}, storeError("campaign", campaignID, err)
	}
	if c.Status != campaign.StatusDraft || c.ContractAddress != "" {
		return campaign.Campaign{}, apperrors.Validation("campaign %s is %s and cannot be activated", campaignID, c.Status)
	}
	if c.BeneficiaryWallet == "" {
		return campaign.Campaign{}, apperrors.Validation("campaign %s has no beneficiary wallet", campaignID)
	}
	organization := c.OrganizationWallet
	if organization == "" {
		organization = c.BeneficiaryWallet
	}

	start := time.Now()
	address, err := s.ledger.DeployContract(ctx, ledger.DeployParams{
		Target:              c.Target,
		BeneficiaryAddress:  c.BeneficiaryWallet,
		OrganizationAddress: organization,
	})
	metrics.RecordLedgerCall("deploy", time.Since(start), err == nil)
	if err != nil {
		metrics.RecordDeployment(false)
		s.log.WithError(err).WithField("campaign_id", campaignID).Warn("contract deployment failed")
		return campaign.Campaign{}, asServiceError(err, func(e error) *apperrors.ServiceError {
			return apperrors.Deployment("deploy", e, false)
		})
	}

	activated, err := s.campaigns.ActivateCampaign(ctx, campaignID, address)
	if err != nil {
		metrics.RecordDeployment(false)
		s.log.WithError(err).WithFields(map[string]interface{}{
			"campaign_id":      campaignID,
			"contract_address": address,
		}).Error("contract deployed but campaign not activated; contract is orphaned")
		rerr := apperrors.Reconciliation(fmt.Sprintf("contract %s deployed but campaign %s could not be activated", address, campaignID), err).
			WithDetails("contract_address", address)
		rerr.Retryable = false
		return campaign.Campaign{}, rerr
	}

	metrics.RecordDeployment(true)
	s.log.WithFields(map[string]interface{}{
		"campaign_id":      campaignID,
		"contract_address": address,
	}).Info("campaign activated")
	s.publish(ctx, events.New(events.TypeCampaignActivated, campaignID, "", string(activated.Status), activated))
	return activated, nil
}

// SubmitDonation transfers the donation on the ledger and records it as
// pending, adding it to the campaign totals optimistically. Nothing is stored
// when the ledger refuses the transfer. When the broadcast outcome is unknown
// the record is still created so a later verification can settle it.
func (s *Service) SubmitDonation(ctx context.Context, req DonationRequest) (donation.Transaction, error) {
	req.DonorWallet = strings.TrimSpace(req.DonorWallet)
	if req.Amount.Sign() <= 0 {
		return donation.Transaction{}, apperrors.Validation("amount must be positive")
	}
	if req.DonorWallet == "" {
		return donation.Transaction{}, apperrors.Validation("donor wallet is required")
	}
	if err := s.ledger.ValidateAddress(req.DonorWallet); err != nil {
		return donation.Transaction{}, apperrors.Validation("donor wallet: %v", err)
	}

	c, err := s.campaigns.GetCampaign(ctx, req.CampaignID)
	if err != nil {
		return donation.Transaction{}, storeError("campaign", req.CampaignID, err)
	}
	if c.Status != campaign.StatusActive {
		return donation.Transaction{}, apperrors.Validation("campaign %s is %s and does not accept donations", c.ID, c.Status)
	}
	if c.ContractAddress == "" {
		return donation.Transaction{}, apperrors.Validation("campaign %s has no contract", c.ID)
	}

	start := time.Now()
	sub, err := s.ledger.SubmitValueTransfer(ctx, c.ContractAddress, req.Amount, req.DonorWallet)
	metrics.RecordLedgerCall("transfer", time.Since(start), err == nil)
	uncertain := err != nil && errors.Is(err, apperrors.ErrBroadcastUncertain) && sub.TxHash != ""
	if err != nil && !uncertain {
		metrics.RecordDonation("rejected", c.Currency, 0)
		s.log.WithError(err).WithField("campaign_id", c.ID).Warn("donation transfer rejected")
		return donation.Transaction{}, asServiceError(err, func(e error) *apperrors.ServiceError {
			return apperrors.Submission("transfer", e, false)
		})
	}

	description := "Donation submitted to the ledger"
	outcome := "accepted"
	if uncertain {
		description = "Donation broadcast; awaiting ledger confirmation of acceptance"
		outcome = "pending_unknown"
		s.log.WithError(err).WithFields(map[string]interface{}{
			"campaign_id": c.ID,
			"tx_hash":     sub.TxHash,
		}).Warn("broadcast outcome unknown; recording as pending")
	}

	now := s.now().UTC()
	created, err := s.txs.CreateDonation(ctx, donation.Transaction{
		CampaignID:      c.ID,
		DonorID:         req.DonorID,
		DonorWallet:     req.DonorWallet,
		Type:            donation.TypeDonation,
		Amount:          req.Amount,
		Currency:        c.Currency,
		Status:          donation.StatusPending,
		TxHash:          sub.TxHash,
		ValidUntilBlock: sub.ValidUntilBlock,
		Metadata:        req.Metadata,
		Timeline: []donation.TimelineEntry{{
			Status:      donation.StatusPending,
			Timestamp:   now,
			Description: description,
			TxHash:      sub.TxHash,
		}},
	})
	if err != nil {
		// The transfer is on its way; asking the donor to resubmit would
		// double-spend, so this is reported as an inconsistency instead.
		s.log.WithError(err).WithFields(map[string]interface{}{
			"campaign_id": c.ID,
			"tx_hash":     sub.TxHash,
			"amount":      req.Amount.String(),
		}).Error("donation transferred but not recorded")
		rerr := apperrors.Reconciliation(fmt.Sprintf("donation %s transferred but could not be recorded", sub.TxHash), err).
			WithDetails("tx_hash", sub.TxHash)
		rerr.Retryable = false
		return donation.Transaction{}, rerr
	}

	metrics.RecordDonation(outcome, created.Currency, created.Amount.InexactFloat64())
	metrics.RecordTransition("", string(donation.StatusPending))
	s.log.WithFields(map[string]interface{}{
		"campaign_id":    created.CampaignID,
		"transaction_id": created.ID,
		"tx_hash":        created.TxHash,
	}).Info("donation recorded as pending")
	s.publish(ctx, events.New(events.TypeTransactionCreated, created.CampaignID, created.ID, string(created.Status), created))
	return created, nil
}

// VerifyTransaction settles a pending transaction against its ledger receipt.
// A transaction that is not pending is returned unchanged, so callers may poll.
// An unmined transaction stays pending unless its validity window has closed,
// in which case it can never be mined and is failed.
func (s *Service) VerifyTransaction(ctx context.Context, transactionID string) (donation.Transaction, error) {
	tx, err := s.txs.GetTransaction(ctx, transactionID)
	if err != nil {
		return donation.Transaction{}, storeError("transaction", transactionID, err)
	}
	if tx.Status != donation.StatusPending || tx.TxHash == "" {
		metrics.RecordVerification("unchanged")
		return tx, nil
	}

	receipt, err := s.receipt(ctx, tx.TxHash)
	if err != nil {
		metrics.RecordVerification("error")
		return donation.Transaction{}, apperrors.Unavailable("receipt", err)
	}

	if receipt == nil {
		expired, err := s.expired(ctx, tx)
		if err != nil {
			metrics.RecordVerification("error")
			return donation.Transaction{}, apperrors.Unavailable("receipt", err)
		}
		if expired == nil {
			metrics.RecordVerification("pending")
			return tx, nil
		}
		receipt = expired
	}

	updated, result, err := s.settle(ctx, tx, receipt)

	if errors.Is(err, errConcurrentTransition) {
		// Another verifier or an operator settled it first.
		metrics.RecordVerification("unchanged")
		current, gerr := s.txs.GetTransaction(ctx, transactionID)
		if gerr != nil {
			return donation.Transaction{}, storeError("transaction", transactionID, gerr)
		}
		return current, nil
	}
	if err != nil {
		metrics.RecordVerification("error")
		return donation.Transaction{}, err
	}
	metrics.RecordVerification(result)
	return updated, nil
}

// CompleteTransaction marks a confirmed donation as distributed.
func (s *Service) CompleteTransaction(ctx context.Context, transactionID, description string) (donation.Transaction, error) {
	tx, err := s.txs.GetTransaction(ctx, transactionID)
	if err != nil {
		return donation.Transaction{}, storeError("transaction", transactionID, err)
	}
	if description = strings.TrimSpace(description); description == "" {
		description = "Funds distributed to the beneficiary"
	}
	updated, err := s.transition(ctx, tx, donation.StatusCompleted, description, nil)
	if errors.Is(err, errConcurrentTransition) {
		return donation.Transaction{}, apperrors.Validation("transaction %s changed status concurrently", transactionID)
	}
	return updated, err
}

// CancelTransaction cancels a pending donation and reverses its contribution
// to the campaign totals. A broadcast transfer cannot be withdrawn, so the
// ledger is read first: a mined transfer is settled from its receipt and the
// cancel is refused, as is a cancel while the transfer can still be mined.
func (s *Service) CancelTransaction(ctx context.Context, transactionID, reason string) (donation.Transaction, error) {
	tx, err := s.txs.GetTransaction(ctx, transactionID)
	if err != nil {
		return donation.Transaction{}, storeError("transaction", transactionID, err)
	}
	if !donation.CanTransition(tx.Status, donation.StatusCancelled) {
		return donation.Transaction{}, apperrors.Validation("transaction %s cannot move from %s to %s", tx.ID, tx.Status, donation.StatusCancelled)
	}

	if tx.TxHash != "" {
		receipt, err := s.receipt(ctx, tx.TxHash)
		if err != nil {
			return donation.Transaction{}, apperrors.Unavailable("receipt", err)
		}
		if receipt == nil {
			if receipt, err = s.cancellable(ctx, tx); err != nil {
				return donation.Transaction{}, err
			}
		}
		if receipt != nil {
			settled, _, err := s.settle(ctx, tx, receipt)
			if err != nil && !errors.Is(err, errConcurrentTransition) {
				return donation.Transaction{}, err
			}
			verr := apperrors.Validation("transaction %s was already mined and cannot be cancelled", tx.ID)
			if err == nil {
				verr = verr.WithDetails("status", settled.Status)
			}
			return donation.Transaction{}, verr
		}
	}

	description := "Donation cancelled"
	if reason = strings.TrimSpace(reason); reason != "" {
		description += ": " + reason
	}
	updated, err := s.transition(ctx, tx, donation.StatusCancelled, description, nil)
	if errors.Is(err, errConcurrentTransition) {
		return donation.Transaction{}, apperrors.Validation("transaction %s changed status concurrently", transactionID)
	}
	return updated, err
}

// GetTransaction returns one transaction.
func (s *Service) GetTransaction(ctx context.Context, transactionID string) (donation.Transaction, error) {
	tx, err := s.txs.GetTransaction(ctx, transactionID)
	if err != nil {
		return donation.Transaction{}, storeError("transaction", transactionID, err)
	}
	return tx, nil
}

// GetTransactionByHash returns the transaction recorded for a ledger hash.
// The 0x prefix is optional.
func (s *Service) GetTransactionByHash(ctx context.Context, txHash string) (donation.Transaction, error) {
	hash := strings.ToLower(strings.TrimSpace(txHash))
	if hash == "" {
		return donation.Transaction{}, apperrors.Validation("transaction hash is required")
	}
	if !strings.HasPrefix(hash, "0x") {
		hash = "0x" + hash
	}
	tx, err := s.txs.GetTransactionByHash(ctx, hash)
	if err != nil {
		return donation.Transaction{}, storeError("transaction", hash, err)
	}
	return tx, nil
}

// GetTimeline returns the transaction's status history, oldest first.
func (s *Service) GetTimeline(ctx context.Context, transactionID string) ([]donation.TimelineEntry, error) {
	tx, err := s.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return tx.Timeline, nil
}

// ListTransactions returns a page of a campaign's transactions.
func (s *Service) ListTransactions(ctx context.Context, campaignID string, filter donation.Filter) (donation.Page, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return donation.Page{}, apperrors.Validation("unknown status %q", filter.Status)
	}
	if _, err := s.campaigns.GetCampaign(ctx, campaignID); err != nil {
		return donation.Page{}, storeError("campaign", campaignID, err)
	}
	page, err := s.txs.ListTransactions(ctx, campaignID, filter.Normalize())
	if err != nil {
		return donation.Page{}, storeError("transaction", campaignID, err)
	}
	return page, nil
}

// ContractBalance reads the campaign contract's balance from the ledger.
func (s *Service) ContractBalance(ctx context.Context, campaignID string) (decimal.Decimal, error) {
	c, err := s.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return decimal.Zero, storeError("campaign", campaignID, err)
	}
	if c.ContractAddress == "" {
		return decimal.Zero, apperrors.Validation("campaign %s has no contract", campaignID)
	}
	start := time.Now()
	balance, err := s.ledger.Balance(ctx, c.ContractAddress)
	metrics.RecordLedgerCall("balance", time.Since(start), err == nil)
	if err != nil {
		return decimal.Zero, apperrors.Unavailable("balance", err)
	}
	return balance, nil
}

func (s *Service) receipt(ctx context.Context, txHash string) (*ledger.Receipt, error) {
	start := time.Now()
	r, err := s.ledger.GetReceipt(ctx, txHash)
	metrics.RecordLedgerCall("receipt", time.Since(start), err == nil)
	return r, err
}

// cancellable refuses a cancel while the unmined transfer can still land.
// Once the validity window has closed the receipt is read again, because the
// transfer may have landed in the last valid block; that receipt is returned
// for settlement, nil means the cancel may proceed.
func (s *Service) cancellable(ctx context.Context, tx donation.Transaction) (*ledger.Receipt, error) {
	if tx.ValidUntilBlock == 0 {
		return nil, nil
	}
	height, err := s.ledger.BlockHeight(ctx)
	if err != nil {
		return nil, apperrors.Unavailable("block height", err)
	}
	if height < uint64(tx.ValidUntilBlock) {
		return nil, apperrors.Validation("transaction %s can still be mined until block %d", tx.ID, tx.ValidUntilBlock).
			WithDetails("valid_until_block", tx.ValidUntilBlock).
			WithDetails("height", height)
	}
	r, err := s.receipt(ctx, tx.TxHash)
	if err != nil {
		return nil, apperrors.Unavailable("receipt", err)
	}
	return r, nil
}

// settle moves a pending transaction to the outcome its receipt reports. An
// unmined receipt is one synthesised by expired.
func (s *Service) settle(ctx context.Context, tx donation.Transaction, receipt *ledger.Receipt) (donation.Transaction, string, error) {
	switch {
	case receipt.Mined && receipt.Success:
		updated, err := s.confirm(ctx, tx, receipt)
		return updated, "confirmed", err
	case receipt.Mined:
		desc := "Ledger execution failed"
		if receipt.Exception != "" {
			desc += ": " + receipt.Exception
		}
		updated, err := s.fail(ctx, tx, desc, receipt)
		return updated, "failed", err
	default:
		updated, err := s.fail(ctx, tx, receipt.Exception, nil)
		return updated, "expired", err
	}
}

// expired decides whether an unmined transaction has outlived its validity
// window. The receipt is read again after the height check because the
// transaction may have landed in the last valid block in between. It returns
// the receipt to settle with, or nil when the transaction may still be mined.
func (s *Service) expired(ctx context.Context, tx donation.Transaction) (*ledger.Receipt, error) {
	if tx.ValidUntilBlock == 0 {
		return nil, nil
	}
	height, err := s.ledger.BlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	if height < uint64(tx.ValidUntilBlock) {
		return nil, nil
	}
	r, err := s.receipt(ctx, tx.TxHash)
	if err != nil {
		return nil, err
	}
	if r != nil {
		return r, nil
	}
	return &ledger.Receipt{
		Mined:     false,
		Exception: fmt.Sprintf("Not included before block %d; the transfer can no longer be mined", tx.ValidUntilBlock),
	}, nil
}

func (s *Service) confirm(ctx context.Context, tx donation.Transaction, r *ledger.Receipt) (donation.Transaction, error) {
	block := r.BlockNumber
	description := fmt.Sprintf("Confirmed in block %d", block)
	return s.transition(ctx, tx, donation.StatusConfirmed, description, func(t *storage.Transition) {
		t.BlockNumber = &block
		t.BlockHash = r.BlockHash
		t.GasUsed = r.GasUsed
		if at, err := s.ledger.GetBlockTimestamp(ctx, block); err == nil {
			at = at.UTC()
			t.BlockTime = &at
		} else {
			s.log.WithError(err).WithField("block", block).Warn("block timestamp unavailable")
		}
	})
}

func (s *Service) fail(ctx context.Context, tx donation.Transaction, description string, r *ledger.Receipt) (donation.Transaction, error) {
	updated, err := s.transition(ctx, tx, donation.StatusFailed, description, func(t *storage.Transition) {
		if r == nil {
			return
		}
		block := r.BlockNumber
		t.BlockNumber = &block
		t.BlockHash = r.BlockHash
		t.GasUsed = r.GasUsed
	})
	return updated, err
}

// transition applies one legal status change. Entering failed or cancelled
// reverses the campaign totals in the same store operation; the store makes
// that reversal at most once per transaction.
func (s *Service) transition(ctx context.Context, tx donation.Transaction, to donation.Status, description string, fill func(*storage.Transition)) (donation.Transaction, error) {
	if !donation.CanTransition(tx.Status, to) {
		return donation.Transaction{}, apperrors.Validation("transaction %s cannot move from %s to %s", tx.ID, tx.Status, to)
	}

	t := storage.Transition{
		ID:   tx.ID,
		From: tx.Status,
		To:   to,
		Entry: donation.TimelineEntry{
			Status:      to,
			Timestamp:   s.now().UTC(),
			Description: description,
			TxHash:      tx.TxHash,
		},
		Compensate: donation.Reverses(to),
	}
	if fill != nil {
		fill(&t)
	}

	updated, err := s.txs.TransitionTransaction(ctx, t)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return donation.Transaction{}, errConcurrentTransition
		}
		fields := map[string]interface{}{
			"transaction_id": tx.ID,
			"campaign_id":    tx.CampaignID,
			"from":           tx.Status,
			"to":             to,
		}
		if t.Compensate {
			metrics.RecordCompensation(false)
			fields["amount"] = tx.Amount.String()
			s.log.WithError(err).WithFields(fields).Error("compensation failed; campaign totals still include this donation")
			return donation.Transaction{}, apperrors.Reconciliation(
				fmt.Sprintf("transaction %s could not be moved to %s and its campaign totals were not reversed", tx.ID, to), err)
		}
		s.log.WithError(err).WithFields(fields).Error("transaction transition failed")
		return donation.Transaction{}, apperrors.Reconciliation(fmt.Sprintf("transaction %s could not be moved to %s", tx.ID, to), err)
	}

	if t.Compensate {
		metrics.RecordCompensation(true)
	}
	metrics.RecordTransition(string(tx.Status), string(to))
	s.log.WithFields(map[string]interface{}{
		"transaction_id": tx.ID,
		"campaign_id":    tx.CampaignID,
		"tx_hash":        tx.TxHash,
	}).Infof("transaction %s -> %s", tx.Status, to)
	s.publish(ctx, events.New(events.TypeTransactionUpdated, updated.CampaignID, updated.ID, string(updated.Status), updated))
	return updated, nil
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.WithError(err).WithField("event", ev.Type).Warn("publish event failed")
	}
}

func storeError(resource, id string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.NotFound(resource, id)
	case errors.Is(err, storage.ErrConflict):
		return apperrors.Validation("%s %s: %v", resource, id, err)
	default:
		return apperrors.Internal("record store unavailable", err)
	}
}

// asServiceError keeps classified ledger errors intact and classifies the rest
// with wrap.
func asServiceError(err error, wrap func(error) *apperrors.ServiceError) error {
	if apperrors.GetServiceError(err) != nil {
		return err
	}
	return wrap(err)
}
