package httpapi

import (
	"net/http"
	"strings"

	"github.com/R3E-Network/donation_ledger/internal/app/domain/campaign"
	"github.com/R3E-Network/donation_ledger/internal/errors"
	"github.com/R3E-Network/donation_ledger/internal/middleware"
)

func callerClaims(r *http.Request) (*middleware.Claims, error) {
	claims := middleware.GetClaims(r.Context())
	if claims == nil {
		return nil, errors.Unauthorized("")
	}
	return claims, nil
}

// ownsCampaign reports whether the caller created c or belongs to its
// organisation.
func ownsCampaign(claims *middleware.Claims, c campaign.Campaign) bool {
	if c.CreatedBy != "" && c.CreatedBy == claims.UserID {
		return true
	}
	return c.OrganizationID != "" && c.OrganizationID == claims.OrganizationID
}

// authorizeCampaign lets operators and the campaign's owners manage it.
func (h *handler) authorizeCampaign(r *http.Request, campaignID string) error {
	claims, err := callerClaims(r)
	if err != nil {
		return err
	}
	if claims.IsOperator() {
		return nil
	}
	c, err := h.campaigns.Get(r.Context(), campaignID)
	if err != nil {
		return err
	}
	if !ownsCampaign(claims, c) {
		return errors.Forbidden("campaign is managed by another organisation")
	}
	return nil
}

// authorizeCancel lets operators and the donor cancel a donation.
func (h *handler) authorizeCancel(r *http.Request, transactionID string) error {
	claims, err := callerClaims(r)
	if err != nil {
		return err
	}
	if claims.IsOperator() {
		return nil
	}
	tx, err := h.recon.GetTransaction(r.Context(), transactionID)
	if err != nil {
		return err
	}
	if tx.DonorID == "" || tx.DonorID != claims.UserID {
		return errors.Forbidden("only the donor or an operator may cancel this donation")
	}
	return nil
}

// authorizeComplete lets operators and the campaign's owners record a payout.
func (h *handler) authorizeComplete(r *http.Request, transactionID string) error {
	claims, err := callerClaims(r)
	if err != nil {
		return err
	}
	if claims.IsOperator() {
		return nil
	}
	tx, err := h.recon.GetTransaction(r.Context(), transactionID)
	if err != nil {
		return err
	}
	return h.authorizeCampaign(r, tx.CampaignID)
}

// donorWallet resolves the wallet a donation is attributed to. Donors may only
// name the wallet bound to their token; operators may record for any wallet.
func donorWallet(claims *middleware.Claims, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if claims.IsOperator() {
		if requested == "" {
			requested = claims.NeoAddress
		}
		return requested, nil
	}
	bound := strings.TrimSpace(claims.NeoAddress)
	if bound == "" {
		return "", errors.Forbidden("token carries no neo_address to donate from")
	}
	if requested != "" && requested != bound {
		return "", errors.Forbidden("donor_wallet must be the wallet bound to your token")
	}
	return bound, nil
}
