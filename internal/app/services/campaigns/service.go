package campaigns

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/donation_ledger/internal/app/domain/campaign"
	"github.com/R3E-Network/donation_ledger/internal/app/events"
	"github.com/R3E-Network/donation_ledger/internal/app/storage"
	apperrors "github.com/R3E-Network/donation_ledger/internal/errors"
	"github.com/R3E-Network/donation_ledger/pkg/logger"
)

// AddressValidator checks ledger addresses supplied by clients.
type AddressValidator interface {
	ValidateAddress(addr string) error
}

// Service manages campaign records outside of contract activation.
type Service struct {
	store     storage.CampaignStore
	addresses AddressValidator
	events    events.Publisher
	now       func() time.Time
	log       *logger.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithAddressValidator rejects campaigns whose wallets are not ledger addresses.
func WithAddressValidator(v AddressValidator) Option {
	return func(s *Service) { s.addresses = v }
}

// WithPublisher publishes campaign state changes.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs a campaign service.
func New(store storage.CampaignStore, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("campaigns")
	}
	s := &Service{
		store:  store,
		events: events.Nop{},
		now:    time.Now,
		log:    log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// View is a campaign with its derived display fields.
type View struct {
	campaign.Campaign
	DaysLeft           int             `json:"days_left"`
	ProgressPercentage decimal.Decimal `json:"progress_percentage"`
}

// ListView is one page of campaign views.
type ListView struct {
	Campaigns   []View `json:"campaigns"`
	CurrentPage int    `json:"current_page"`
	TotalPages  int    `json:"total_pages"`
	Total       int    `json:"total_campaigns"`
}

// Create validates and stores a new draft campaign. Funding totals, status
// and the contract address are always reset: they are owned by the ledger
// flow, not by the caller.
func (s *Service) Create(ctx context.Context, c campaign.Campaign) (campaign.Campaign, error) {
	c.Title = strings.TrimSpace(c.Title)
	c.Description = strings.TrimSpace(c.Description)
	c.BeneficiaryWallet = strings.TrimSpace(c.BeneficiaryWallet)
	c.OrganizationWallet = strings.TrimSpace(c.OrganizationWallet)
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	c.Tags = normalizeTags(c.Tags)

	if c.Category == "" {
		c.Category = campaign.CategoryOther
	}
	if c.Urgency == "" {
		c.Urgency = campaign.UrgencyMedium
	}
	if c.Currency == "" {
		c.Currency = campaign.DefaultCurrency
	}
	if c.StartDate.IsZero() {
		c.StartDate = s.now().UTC()
	}
	if err := s.validate(c); err != nil {
		return campaign.Campaign{}, err
	}

	c.ID = ""
	c.Status = campaign.StatusDraft
	c.Raised = decimal.Zero
	c.Donors = 0
	c.ContractAddress = ""

	created, err := s.store.CreateCampaign(ctx, c)
	if err != nil {
		return campaign.Campaign{}, translate("campaign", c.ID, err)
	}
	s.log.WithField("campaign_id", created.ID).Info("campaign created")
	s.publish(ctx, events.New(events.TypeCampaignCreated, created.ID, "", string(created.Status), created))
	return created, nil
}

// Get returns one campaign.
func (s *Service) Get(ctx context.Context, id string) (campaign.Campaign, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return campaign.Campaign{}, translate("campaign", id, err)
	}
	return c, nil
}

// List returns a filtered page of campaigns. An empty status filter lists
// active campaigns, which is what donors browse.
func (s *Service) List(ctx context.Context, filter campaign.Filter) (campaign.Page, error) {
	if filter.Status == "" {
		filter.Status = campaign.StatusActive
	}
	if !filter.Status.Valid() {
		return campaign.Page{}, apperrors.Validation("unknown status %q", filter.Status)
	}
	if filter.Category != "" && !filter.Category.Valid() {
		return campaign.Page{}, apperrors.Validation("unknown category %q", filter.Category)
	}
	if filter.Urgency != "" && !filter.Urgency.Valid() {
		return campaign.Page{}, apperrors.Validation("unknown urgency %q", filter.Urgency)
	}
	filter.Search = strings.TrimSpace(filter.Search)
	return s.store.ListCampaigns(ctx, filter.Normalize())
}

// SetStatus moves a campaign between operator-controlled states.
func (s *Service) SetStatus(ctx context.Context, id string, to campaign.Status) (campaign.Campaign, error) {
	if !to.Valid() {
		return campaign.Campaign{}, apperrors.Validation("unknown status %q", to)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return campaign.Campaign{}, err
	}
	if to == campaign.StatusActive && current.Status == campaign.StatusDraft {
		return campaign.Campaign{}, apperrors.Validation("campaign %s must be activated by deploying its contract", id)
	}
	if !campaign.CanTransition(current.Status, to) {
		return campaign.Campaign{}, apperrors.Validation("campaign %s cannot move from %s to %s", id, current.Status, to)
	}

	updated, err := s.store.UpdateCampaignStatus(ctx, id, current.Status, to)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return campaign.Campaign{}, apperrors.Validation("campaign %s changed status concurrently", id)
		}
		return campaign.Campaign{}, translate("campaign", id, err)
	}
	s.log.WithField("campaign_id", id).Infof("campaign status %s -> %s", current.Status, to)
	s.publish(ctx, events.New(events.TypeCampaignStatusChanged, id, "", string(to), nil))
	return updated, nil
}

// View attaches the derived display fields.
func (s *Service) View(c campaign.Campaign) View {
	return View{
		Campaign:           c,
		DaysLeft:           campaign.DaysLeft(c, s.now()),
		ProgressPercentage: campaign.ProgressPercentage(c).Round(2),
	}
}

// ViewPage attaches the derived display fields to every campaign in page.
func (s *Service) ViewPage(page campaign.Page) ListView {
	views := make([]View, 0, len(page.Campaigns))
	for _, c := range page.Campaigns {
		views = append(views, s.View(c))
	}
	return ListView{
		Campaigns:   views,
		CurrentPage: page.CurrentPage,
		TotalPages:  page.TotalPages,
		Total:       page.Total,
	}
}

func (s *Service) validate(c campaign.Campaign) error {
	switch {
	case c.Title == "":
		return apperrors.Validation("title is required")
	case utf8.RuneCountInString(c.Title) > campaign.MaxTitleLength:
		return apperrors.Validation("title exceeds %d characters", campaign.MaxTitleLength)
	case c.Description == "":
		return apperrors.Validation("description is required")
	case utf8.RuneCountInString(c.Description) > campaign.MaxDescriptionLength:
		return apperrors.Validation("description exceeds %d characters", campaign.MaxDescriptionLength)
	case !c.Category.Valid():
		return apperrors.Validation("unknown category %q", c.Category)
	case !c.Urgency.Valid():
		return apperrors.Validation("unknown urgency %q", c.Urgency)
	case c.Target.LessThan(campaign.MinTarget):
		return apperrors.Validation("target must be at least %s", campaign.MinTarget)
	case c.EndDate.IsZero():
		return apperrors.Validation("end date is required")
	case !c.EndDate.After(c.StartDate):
		return apperrors.Validation("end date must be after start date")
	case c.BeneficiaryWallet == "":
		return apperrors.Validation("beneficiary wallet is required")
	}

	if s.addresses != nil {
		if err := s.addresses.ValidateAddress(c.BeneficiaryWallet); err != nil {
			return apperrors.Validation("beneficiary wallet: %v", err)
		}
		if c.OrganizationWallet != "" {
			if err := s.addresses.ValidateAddress(c.OrganizationWallet); err != nil {
				return apperrors.Validation("organization wallet: %v", err)
			}
		}
	}
	return nil
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.WithError(err).WithField("event", ev.Type).Warn("publish event failed")
	}
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func translate(resource, id string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.NotFound(resource, id)
	case errors.Is(err, storage.ErrConflict):
		return apperrors.Validation("%s %s: %v", resource, id, err)
	default:
		return apperrors.Internal("record store unavailable", err)
	}
}
