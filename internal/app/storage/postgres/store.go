package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/donation_ledger/internal/app/domain/campaign"
	"github.com/R3E-Network/donation_ledger/internal/app/domain/donation"
	"github.com/R3E-Network/donation_ledger/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.CampaignStore = (*Store)(nil)
var _ storage.TransactionStore = (*Store)(nil)
var _ storage.Pinger = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqUniqueViolation:
			return fmt.Errorf("%s: %s: %w", what, pqErr.Constraint, storage.ErrConflict)
		case pqForeignKeyViolation:
			return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- CampaignStore ----------------------------------------------------------

const campaignColumns = `id, title, description, category, urgency, tags, target, raised, currency,
	donors, status, organization_id, created_by, beneficiary_wallet, organization_wallet,
	contract_address, start_date, end_date, created_at, updated_at`

type campaignRow struct {
	ID                 string          `db:"id"`
	Title              string          `db:"title"`
	Description        string          `db:"description"`
	Category           string          `db:"category"`
	Urgency            string          `db:"urgency"`
	Tags               pq.StringArray  `db:"tags"`
	Target             decimal.Decimal `db:"target"`
	Raised             decimal.Decimal `db:"raised"`
	Currency           string          `db:"currency"`
	Donors             int64           `db:"donors"`
	Status             string          `db:"status"`
	OrganizationID     string          `db:"organization_id"`
	CreatedBy          string          `db:"created_by"`
	BeneficiaryWallet  string          `db:"beneficiary_wallet"`
	OrganizationWallet string          `db:"organization_wallet"`
	ContractAddress    sql.NullString  `db:"contract_address"`
	StartDate          time.Time       `db:"start_date"`
	EndDate            time.Time       `db:"end_date"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

func (r campaignRow) toDomain() campaign.Campaign {
	return campaign.Campaign{
		ID:                 r.ID,
		Title:              r.Title,
		Description:        r.Description,
		Category:           campaign.Category(r.Category),
		Urgency:            campaign.Urgency(r.Urgency),
		Tags:               []string(r.Tags),
		Target:             r.Target,
		Raised:             r.Raised,
		Currency:           r.Currency,
		Donors:             r.Donors,
		Status:             campaign.Status(r.Status),
		OrganizationID:     r.OrganizationID,
		CreatedBy:          r.CreatedBy,
		BeneficiaryWallet:  r.BeneficiaryWallet,
		OrganizationWallet: r.OrganizationWallet,
		ContractAddress:    r.ContractAddress.String,
		StartDate:          r.StartDate,
		EndDate:            r.EndDate,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func (s *Store) CreateCampaign(ctx context.Context, c campaign.Campaign) (campaign.Campaign, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, c.ID, c.Title, c.Description, string(c.Category), string(c.Urgency), pq.StringArray(c.Tags),
		c.Target, c.Raised, c.Currency, c.Donors, string(c.Status), c.OrganizationID, c.CreatedBy,
		c.BeneficiaryWallet, c.OrganizationWallet, nullString(c.ContractAddress), c.StartDate, c.EndDate,
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return campaign.Campaign{}, mapError(err, "insert campaign "+c.ID)
	}
	return c, nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	var row campaignRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id); err != nil {
		return campaign.Campaign{}, mapError(err, "campaign "+id)
	}
	return row.toDomain(), nil
}

func (s *Store) ListCampaigns(ctx context.Context, filter campaign.Filter) (campaign.Page, error) {
	filter = filter.Normalize()

	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(args))))
	}
	if filter.Status != "" {
		add("status = ?", string(filter.Status))
	}
	if filter.Category != "" {
		add("category = ?", string(filter.Category))
	}
	if filter.Urgency != "" {
		add("urgency = ?", string(filter.Urgency))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		add("(title ILIKE ? OR description ILIKE ?)", "%"+search+"%")
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM campaigns`+where, args...); err != nil {
		return campaign.Page{}, mapError(err, "count campaigns")
	}

	query := fmt.Sprintf(`SELECT %s FROM campaigns%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		campaignColumns, where, len(args)+1, len(args)+2)
	var rows []campaignRow
	if err := s.db.SelectContext(ctx, &rows, query, append(args, filter.Limit, filter.Offset())...); err != nil {
		return campaign.Page{}, mapError(err, "list campaigns")
	}

	page := campaign.Page{
		Campaigns:   make([]campaign.Campaign, 0, len(rows)),
		CurrentPage: filter.Page,
		TotalPages:  campaign.TotalPages(total, filter.Limit),
		Total:       total,
	}
	for _, r := range rows {
		page.Campaigns = append(page.Campaigns, r.toDomain())
	}
	return page, nil
}

func (s *Store) UpdateCampaignStatus(ctx context.Context, id string, from, to campaign.Status) (campaign.Campaign, error) {
	var row campaignRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE campaigns SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+campaignColumns,
		id, string(from), string(to), time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, s.casFailure(ctx, id, fmt.Sprintf("campaign %s is not %s", id, from))
	}
	if err != nil {
		return campaign.Campaign{}, mapError(err, "update campaign "+id)
	}
	return row.toDomain(), nil
}

func (s *Store) ActivateCampaign(ctx context.Context, id, contractAddress string) (campaign.Campaign, error) {
	var row campaignRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE campaigns SET contract_address = $2, status = 'active', updated_at = $3
		WHERE id = $1 AND status = 'draft' AND contract_address IS NULL
		RETURNING `+campaignColumns,
		id, contractAddress, time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, s.casFailure(ctx, id, fmt.Sprintf("campaign %s is not an undeployed draft", id))
	}
	if err != nil {
		return campaign.Campaign{}, mapError(err, "activate campaign "+id)
	}
	return row.toDomain(), nil
}

// casFailure distinguishes a missing campaign from a failed precondition.
func (s *Store) casFailure(ctx context.Context, id, msg string) error {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM campaigns WHERE id = $1)`, id); err != nil {
		return mapError(err, "campaign "+id)
	}
	if !exists {
		return fmt.Errorf("campaign %s: %w", id, storage.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, storage.ErrConflict)
}

// --- TransactionStore -------------------------------------------------------

const transactionColumns = `id, campaign_id, donor_id, donor_wallet, type, amount, currency, status,
	tx_hash, valid_until_block, block_number, block_hash, block_time, gas_used, metadata,
	compensated, created_at, updated_at`

type transactionRow struct {
	ID              string          `db:"id"`
	CampaignID      string          `db:"campaign_id"`
	DonorID         string          `db:"donor_id"`
	DonorWallet     string          `db:"donor_wallet"`
	Type            string          `db:"type"`
	Amount          decimal.Decimal `db:"amount"`
	Currency        string          `db:"currency"`
	Status          string          `db:"status"`
	TxHash          sql.NullString  `db:"tx_hash"`
	ValidUntilBlock int64           `db:"valid_until_block"`
	BlockNumber     sql.NullInt64   `db:"block_number"`
	BlockHash       string          `db:"block_hash"`
	BlockTime       sql.NullTime    `db:"block_time"`
	GasUsed         string          `db:"gas_used"`
	Metadata        []byte          `db:"metadata"`
	Compensated     bool            `db:"compensated"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

func (r transactionRow) toDomain() (donation.Transaction, error) {
	tx := donation.Transaction{
		ID:              r.ID,
		CampaignID:      r.CampaignID,
		DonorID:         r.DonorID,
		DonorWallet:     r.DonorWallet,
		Type:            donation.Type(r.Type),
		Amount:          r.Amount,
		Currency:        r.Currency,
		Status:          donation.Status(r.Status),
		TxHash:          r.TxHash.String,
		ValidUntilBlock: uint32(r.ValidUntilBlock),
		BlockHash:       r.BlockHash,
		GasUsed:         r.GasUsed,
		Compensated:     r.Compensated,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.BlockNumber.Valid {
		n := uint64(r.BlockNumber.Int64)
		tx.BlockNumber = &n
	}
	if r.BlockTime.Valid {
		bt := r.BlockTime.Time
		tx.BlockTime = &bt
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &tx.Metadata); err != nil {
			return donation.Transaction{}, fmt.Errorf("decode metadata of transaction %s: %w", r.ID, err)
		}
	}
	return tx, nil
}

type timelineRow struct {
	TransactionID string    `db:"transaction_id"`
	Status        string    `db:"status"`
	Description   string    `db:"description"`
	TxHash        string    `db:"tx_hash"`
	OccurredAt    time.Time `db:"occurred_at"`
}

func (r timelineRow) toDomain() donation.TimelineEntry {
	return donation.TimelineEntry{
		Status:      donation.Status(r.Status),
		Timestamp:   r.OccurredAt,
		Description: r.Description,
		TxHash:      r.TxHash,
	}
}

func insertTimeline(ctx context.Context, tx *sqlx.Tx, transactionID string, e donation.TimelineEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transaction_timeline (transaction_id, status, description, tx_hash, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, transactionID, string(e.Status), e.Description, e.TxHash, e.Timestamp)
	return err
}

func (s *Store) CreateDonation(ctx context.Context, t donation.Transaction) (donation.Transaction, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	metadataJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return donation.Transaction{}, err
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET raised = raised + $2, donors = donors + 1, updated_at = $3
			WHERE id = $1
		`, t.CampaignID, t.Amount, now)
		if err != nil {
			return mapError(err, "update campaign totals")
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return fmt.Errorf("campaign %s: %w", t.CampaignID, storage.ErrNotFound)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO donation_transactions (`+transactionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL, '', NULL, '', $11, FALSE, $12, $13)
		`, t.ID, t.CampaignID, t.DonorID, t.DonorWallet, string(t.Type), t.Amount, t.Currency,
			string(t.Status), nullString(t.TxHash), int64(t.ValidUntilBlock), metadataJSON, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return mapError(err, "insert transaction "+t.ID)
		}

		for _, e := range t.Timeline {
			if err := insertTimeline(ctx, tx, t.ID, e); err != nil {
				return mapError(err, "insert timeline")
			}
		}
		return nil
	})
	if err != nil {
		return donation.Transaction{}, err
	}
	return t, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (donation.Transaction, error) {
	return s.getTransaction(ctx, `SELECT `+transactionColumns+` FROM donation_transactions WHERE id = $1`, id)
}

func (s *Store) GetTransactionByHash(ctx context.Context, txHash string) (donation.Transaction, error) {
	return s.getTransaction(ctx, `SELECT `+transactionColumns+` FROM donation_transactions WHERE tx_hash = $1`, txHash)
}

func (s *Store) getTransaction(ctx context.Context, query, key string) (donation.Transaction, error) {
	var row transactionRow
	if err := s.db.GetContext(ctx, &row, query, key); err != nil {
		return donation.Transaction{}, mapError(err, "transaction "+key)
	}
	txs, err := s.withTimelines(ctx, []transactionRow{row})
	if err != nil {
		return donation.Transaction{}, err
	}
	return txs[0], nil
}

// withTimelines converts rows and attaches their timelines in insertion order.
func (s *Store) withTimelines(ctx context.Context, rows []transactionRow) ([]donation.Transaction, error) {
	result := make([]donation.Transaction, 0, len(rows))
	if len(rows) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	var entries []timelineRow
	if err := s.db.SelectContext(ctx, &entries, `
		SELECT transaction_id, status, description, tx_hash, occurred_at
		FROM transaction_timeline
		WHERE transaction_id = ANY($1)
		ORDER BY seq
	`, pq.Array(ids)); err != nil {
		return nil, mapError(err, "load timelines")
	}

	byTx := make(map[string][]donation.TimelineEntry, len(rows))
	for _, e := range entries {
		byTx[e.TransactionID] = append(byTx[e.TransactionID], e.toDomain())
	}
	for _, r := range rows {
		tx, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		tx.Timeline = byTx[r.ID]
		if tx.Timeline == nil {
			tx.Timeline = []donation.TimelineEntry{}
		}
		result = append(result, tx)
	}
	return result, nil
}

func (s *Store) ListTransactions(ctx context.Context, campaignID string, filter donation.Filter) (donation.Page, error) {
	filter = filter.Normalize()

	where := ` WHERE campaign_id = $1`
	args := []interface{}{campaignID}
	if filter.Status != "" {
		where += ` AND status = $2`
		args = append(args, string(filter.Status))
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM donation_transactions`+where, args...); err != nil {
		return donation.Page{}, mapError(err, "count transactions")
	}

	query := fmt.Sprintf(`SELECT %s FROM donation_transactions%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		transactionColumns, where, len(args)+1, len(args)+2)
	var rows []transactionRow
	if err := s.db.SelectContext(ctx, &rows, query, append(args, filter.Limit, filter.Offset())...); err != nil {
		return donation.Page{}, mapError(err, "list transactions")
	}
	txs, err := s.withTimelines(ctx, rows)
	if err != nil {
		return donation.Page{}, err
	}

	return donation.Page{
		Transactions: txs,
		CurrentPage:  filter.Page,
		TotalPages:   campaign.TotalPages(total, filter.Limit),
		Total:        total,
	}, nil
}

func (s *Store) ListPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]donation.Transaction, error) {
	if limit <= 0 {
		limit = donation.MaxPageSize
	}
	var rows []transactionRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+transactionColumns+`
		FROM donation_transactions
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, olderThan, limit); err != nil {
		return nil, mapError(err, "list pending transactions")
	}
	return s.withTimelines(ctx, rows)
}

func (s *Store) TransitionTransaction(ctx context.Context, t storage.Transition) (donation.Transaction, error) {
	now := time.Now().UTC()

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var current struct {
			Status      string          `db:"status"`
			CampaignID  string          `db:"campaign_id"`
			Amount      decimal.Decimal `db:"amount"`
			Compensated bool            `db:"compensated"`
		}
		if err := tx.GetContext(ctx, &current, `
			SELECT status, campaign_id, amount, compensated
			FROM donation_transactions WHERE id = $1
			FOR UPDATE
		`, t.ID); err != nil {
			return mapError(err, "transaction "+t.ID)
		}
		if donation.Status(current.Status) != t.From {
			return fmt.Errorf("transaction %s is %s, not %s: %w", t.ID, current.Status, t.From, storage.ErrConflict)
		}

		compensate := t.Compensate && !current.Compensated
		if compensate {
			if _, err := tx.ExecContext(ctx, `
				UPDATE campaigns
				SET raised = GREATEST(raised - $2, 0), donors = GREATEST(donors - 1, 0), updated_at = $3
				WHERE id = $1
			`, current.CampaignID, current.Amount, now); err != nil {
				return mapError(err, "compensate campaign "+current.CampaignID)
			}
		}

		var blockNumber interface{}
		if t.BlockNumber != nil {
			blockNumber = int64(*t.BlockNumber)
		}
		var blockTime interface{}
		if t.BlockTime != nil {
			blockTime = *t.BlockTime
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE donation_transactions
			SET status = $2,
				block_number = COALESCE($3, block_number),
				block_hash = COALESCE(NULLIF($4, ''), block_hash),
				block_time = COALESCE($5, block_time),
				gas_used = COALESCE(NULLIF($6, ''), gas_used),
				compensated = compensated OR $7,
				updated_at = $8
			WHERE id = $1
		`, t.ID, string(t.To), blockNumber, t.BlockHash, blockTime, t.GasUsed, compensate, now); err != nil {
			return mapError(err, "update transaction "+t.ID)
		}

		if err := insertTimeline(ctx, tx, t.ID, t.Entry); err != nil {
			return mapError(err, "insert timeline")
		}
		return nil
	})
	if err != nil {
		return donation.Transaction{}, err
	}
	return s.GetTransaction(ctx, t.ID)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
