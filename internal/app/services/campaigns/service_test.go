package campaigns

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/donation_ledger/internal/app/domain/campaign"
	"github.com/R3E-Network/donation_ledger/internal/app/events"
	"github.com/R3E-Network/donation_ledger/internal/app/storage/memory"
	apperrors "github.com/R3E-Network/donation_ledger/internal/errors"
	"github.com/R3E-Network/donation_ledger/pkg/logger"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type addressCheck struct{}

func (addressCheck) ValidateAddress(addr string) error {
	if !strings.HasPrefix(addr, "N") {
		return errors.New("not a neo address")
	}
	return nil
}

func newService(t *testing.T, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow }), WithAddressValidator(addressCheck{})}, opts...)
	return New(store, logger.Discard(), opts...), store
}

func draft() campaign.Campaign {
	return campaign.Campaign{
		Title:             "  School roof ",
		Description:       "Replace the roof before the rains",
		Category:          campaign.CategoryEducation,
		Target:            decimal.NewFromInt(100000),
		BeneficiaryWallet: "NbeneficiaryWallet",
		EndDate:           fixedNow.Add(30 * 24 * time.Hour),
		Tags:              []string{"Roof", "roof ", ""},
		Raised:            decimal.NewFromInt(999),
		Status:            campaign.StatusActive,
		ContractAddress:   "0xsmuggled",
	}
}

func TestCreateNormalisesDraft(t *testing.T) {
	svc, _ := newService(t)
	c, err := svc.Create(context.Background(), draft())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Status != campaign.StatusDraft || !c.Raised.IsZero() || c.ContractAddress != "" {
		t.Fatalf("caller-owned fields leaked: %+v", c)
	}
	if c.Title != "School roof" || c.Urgency != campaign.UrgencyMedium || c.Currency != "GAS" {
		t.Fatalf("defaults not applied: %+v", c)
	}
	if len(c.Tags) != 1 || c.Tags[0] != "roof" {
		t.Fatalf("tags not normalised: %v", c.Tags)
	}
	if !c.StartDate.Equal(fixedNow) {
		t.Fatalf("start date should default to now, got %s", c.StartDate)
	}
}

func TestCreateValidation(t *testing.T) {
	cases := map[string]func(*campaign.Campaign){
		"missing title":    func(c *campaign.Campaign) { c.Title = " " },
		"long title":       func(c *campaign.Campaign) { c.Title = strings.Repeat("x", campaign.MaxTitleLength+1) },
		"missing desc":     func(c *campaign.Campaign) { c.Description = "" },
		"bad category":     func(c *campaign.Campaign) { c.Category = "sports" },
		"low target":       func(c *campaign.Campaign) { c.Target = decimal.NewFromInt(999) },
		"end before start": func(c *campaign.Campaign) { c.EndDate = fixedNow.Add(-time.Hour) },
		"missing end":      func(c *campaign.Campaign) { c.EndDate = time.Time{} },
		"no beneficiary":   func(c *campaign.Campaign) { c.BeneficiaryWallet = "" },
		"bad beneficiary":  func(c *campaign.Campaign) { c.BeneficiaryWallet = "0xdeadbeef" },
		"bad org wallet":   func(c *campaign.Campaign) { c.OrganizationWallet = "nope" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			svc, store := newService(t)
			c := draft()
			mutate(&c)
			if _, err := svc.Create(context.Background(), c); !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			page, _ := store.ListCampaigns(context.Background(), campaign.Filter{})
			if page.Total != 0 {
				t.Fatalf("rejected campaign was stored")
			}
		})
	}
}

func TestGetUnknownCampaign(t *testing.T) {
	svc, _ := newService(t)
	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListDefaultsToActive(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	c, _ := svc.Create(ctx, draft())
	if _, err := svc.Create(ctx, draft()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ActivateCampaign(ctx, c.ID, "0xcontract"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	page, err := svc.List(ctx, campaign.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 || page.Campaigns[0].ID != c.ID {
		t.Fatalf("expected only the active campaign, got %+v", page)
	}

	if _, err := svc.List(ctx, campaign.Filter{Urgency: "urgent"}); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error for bad urgency, got %v", err)
	}
}

func TestSetStatus(t *testing.T) {
	hub := events.NewHub(4)
	feed, cancel := hub.Subscribe("")
	defer cancel()
	svc, store := newService(t, WithPublisher(hub))
	ctx := context.Background()

	c, _ := svc.Create(ctx, draft())
	<-feed

	if _, err := svc.SetStatus(ctx, c.ID, campaign.StatusActive); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("draft must not be activated through SetStatus, got %v", err)
	}
	if _, err := store.ActivateCampaign(ctx, c.ID, "0xcontract"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	suspended, err := svc.SetStatus(ctx, c.ID, campaign.StatusSuspended)
	if err != nil || suspended.Status != campaign.StatusSuspended {
		t.Fatalf("suspend: %v %+v", err, suspended)
	}
	ev := <-feed
	if ev.Type != events.TypeCampaignStatusChanged || ev.Status != "suspended" {
		t.Fatalf("unexpected event %+v", ev)
	}

	if _, err := svc.SetStatus(ctx, c.ID, campaign.StatusCompleted); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("suspended -> completed should be rejected, got %v", err)
	}
	if _, err := svc.SetStatus(ctx, c.ID, "archived"); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("unknown status should be rejected, got %v", err)
	}
	if _, err := svc.SetStatus(ctx, "missing", campaign.StatusCancelled); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestViewDerivedFields(t *testing.T) {
	svc, _ := newService(t)
	c := campaign.Campaign{
		Target:  decimal.NewFromInt(100000),
		Raised:  decimal.NewFromInt(33333),
		EndDate: fixedNow.Add(36 * time.Hour),
	}
	v := svc.View(c)
	if v.DaysLeft != 2 {
		t.Fatalf("days left = %d", v.DaysLeft)
	}
	if !v.ProgressPercentage.Equal(decimal.RequireFromString("33.33")) {
		t.Fatalf("progress = %s", v.ProgressPercentage)
	}

	list := svc.ViewPage(campaign.Page{Campaigns: []campaign.Campaign{c}, CurrentPage: 1, TotalPages: 1, Total: 1})
	if len(list.Campaigns) != 1 || list.Total != 1 {
		t.Fatalf("unexpected list view %+v", list)
	}
}
