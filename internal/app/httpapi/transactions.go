package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/donation_ledger/internal/app/domain/donation"
	"github.com/R3E-Network/donation_ledger/internal/app/services/reconciliation"
	"github.com/R3E-Network/donation_ledger/internal/httputil"
)

type donationRequest struct {
	Amount      decimal.Decimal   `json:"amount"`
	DonorWallet string            `json:"donor_wallet"`
	Metadata    donation.Metadata `json:"metadata"`
}

func (h *handler) submitDonation(w http.ResponseWriter, r *http.Request) {
	var req donationRequest
	if err := httputil.ReadJSON(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	claims, err := callerClaims(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	wallet, err := donorWallet(claims, req.DonorWallet)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Metadata.Source == "" {
		req.Metadata.Source = "api"
	}

	tx, err := h.recon.SubmitDonation(r.Context(), reconciliation.DonationRequest{
		CampaignID:  mux.Vars(r)["id"],
		Amount:      req.Amount,
		DonorWallet: wallet,
		DonorID:     claims.UserID,
		Metadata:    req.Metadata,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusCreated, tx, "Donation submitted")
}

func (h *handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, limit, err := pagination(q.Get("page"), q.Get("limit"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	result, err := h.recon.ListTransactions(r.Context(), mux.Vars(r)["id"], donation.Filter{
		Status: donation.Status(strings.ToLower(q.Get("status"))),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, result, "")
}

func (h *handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.recon.GetTransaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, tx, "")
}

func (h *handler) transactionByHash(w http.ResponseWriter, r *http.Request) {
	tx, err := h.recon.GetTransactionByHash(r.Context(), mux.Vars(r)["hash"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, tx, "")
}

func (h *handler) transactionTimeline(w http.ResponseWriter, r *http.Request) {
	timeline, err := h.recon.GetTimeline(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, timeline, "")
}

func (h *handler) verifyTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.recon.VerifyTransaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, tx, "Transaction verified")
}

func (h *handler) cancelTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := readOptionalJSON(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.authorizeCancel(r, id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	tx, err := h.recon.CancelTransaction(r.Context(), id, strings.TrimSpace(req.Reason))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, tx, "Transaction cancelled")
}

func (h *handler) completeTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
	}
	if err := readOptionalJSON(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.authorizeComplete(r, id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	tx, err := h.recon.CompleteTransaction(r.Context(), id, strings.TrimSpace(req.Description))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, tx, "Transaction completed")
}

// readOptionalJSON decodes the body when one was sent.
func readOptionalJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return nil
	}
	return httputil.ReadJSON(w, r, v)
}
