package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/donation_ledger/internal/app/domain/campaign"
	"github.com/R3E-Network/donation_ledger/internal/errors"
	"github.com/R3E-Network/donation_ledger/internal/httputil"
	"github.com/R3E-Network/donation_ledger/internal/middleware"
)

type createCampaignRequest struct {
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Category           string          `json:"category"`
	Urgency            string          `json:"urgency"`
	Tags               []string        `json:"tags"`
	Target             decimal.Decimal `json:"target"`
	Currency           string          `json:"currency"`
	BeneficiaryWallet  string          `json:"beneficiary_wallet"`
	OrganizationWallet string          `json:"organization_wallet"`
	StartDate          *time.Time      `json:"start_date"`
	EndDate            time.Time       `json:"end_date"`
}

func (h *handler) createCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := httputil.ReadJSON(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	c := campaign.Campaign{
		Title:              req.Title,
		Description:        req.Description,
		Category:           campaign.Category(strings.ToLower(strings.TrimSpace(req.Category))),
		Urgency:            campaign.Urgency(strings.ToLower(strings.TrimSpace(req.Urgency))),
		Tags:               req.Tags,
		Target:             req.Target,
		Currency:           req.Currency,
		BeneficiaryWallet:  req.BeneficiaryWallet,
		OrganizationWallet: req.OrganizationWallet,
		EndDate:            req.EndDate,
		CreatedBy:          middleware.GetUserID(r.Context()),
	}
	if req.StartDate != nil {
		c.StartDate = *req.StartDate
	}
	if claims := middleware.GetClaims(r.Context()); claims != nil {
		c.OrganizationID = claims.OrganizationID
	}

	created, err := h.campaigns.Create(r.Context(), c)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusCreated, h.campaigns.View(created), "Campaign created")
}

func (h *handler) listCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, limit, err := pagination(q.Get("page"), q.Get("limit"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	result, err := h.campaigns.List(r.Context(), campaign.Filter{
		Status:   campaign.Status(strings.ToLower(q.Get("status"))),
		Category: campaign.Category(strings.ToLower(q.Get("category"))),
		Urgency:  campaign.Urgency(strings.ToLower(q.Get("urgency"))),
		Search:   q.Get("search"),
		Page:     page,
		Limit:    limit,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, h.campaigns.ViewPage(result), "")
}

func (h *handler) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, h.campaigns.View(c), "")
}

func (h *handler) activateCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.authorizeCampaign(r, id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	c, err := h.recon.ActivateCampaign(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, h.campaigns.View(c), "Campaign activated")
}

func (h *handler) setCampaignStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := httputil.ReadJSON(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	to := campaign.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	if to == "" {
		httputil.WriteError(w, errors.Validation("status is required"))
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.authorizeCampaign(r, id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	c, err := h.campaigns.SetStatus(r.Context(), id, to)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, h.campaigns.View(c), "Campaign status updated")
}

func (h *handler) campaignBalance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	balance, err := h.recon.ContractBalance(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, map[string]any{
		"campaign_id": id,
		"balance":     balance,
	}, "")
}

// pagination parses optional page and limit query values. Defaults and
// clamping are applied by the domain filters.
func pagination(pageRaw, limitRaw string) (int, int, error) {
	var page, limit int
	var err error
	if pageRaw != "" {
		if page, err = strconv.Atoi(pageRaw); err != nil || page < 1 {
			return 0, 0, errors.Validation("page must be a positive integer")
		}
	}
	if limitRaw != "" {
		if limit, err = strconv.Atoi(limitRaw); err != nil || limit < 1 {
			return 0, 0, errors.Validation("limit must be a positive integer")
		}
	}
	return page, limit, nil
}
