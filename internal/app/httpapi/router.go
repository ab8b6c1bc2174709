// Package httpapi exposes the campaign and donation services over REST and
// streams lifecycle events over a WebSocket.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/donation_ledger/internal/app/events"
	"github.com/R3E-Network/donation_ledger/internal/app/metrics"
	"github.com/R3E-Network/donation_ledger/internal/app/services/campaigns"
	"github.com/R3E-Network/donation_ledger/internal/app/services/reconciliation"
	"github.com/R3E-Network/donation_ledger/internal/app/storage"
	"github.com/R3E-Network/donation_ledger/internal/middleware"
	"github.com/R3E-Network/donation_ledger/pkg/logger"
)

// HeightReader reports the ledger's current block height.
type HeightReader interface {
	BlockHeight(ctx context.Context) (uint64, error)
}

// Subscriber hands out event subscriptions for the stream endpoint.
type Subscriber interface {
	Subscribe(campaignID string) (<-chan events.Event, func())
}

// Dependencies are the collaborators the router needs.
type Dependencies struct {
	Campaigns      *campaigns.Service
	Reconciliation *reconciliation.Service
	Events         Subscriber
	Store          storage.Pinger
	Ledger         HeightReader
	Auth           *middleware.AuthMiddleware
	RateLimiter    *middleware.RateLimiter
	CORS           *middleware.CORSMiddleware
	Logger         *logger.Logger
}

type handler struct {
	campaigns *campaigns.Service
	recon     *reconciliation.Service
	events    Subscriber
	store     storage.Pinger
	ledger    HeightReader
	cors      *middleware.CORSMiddleware
	log       *logger.Logger
}

// NewHandler returns the full HTTP surface with tracing, CORS and metrics applied.
func NewHandler(deps Dependencies) http.Handler {
	log := deps.Logger
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	cors := deps.CORS
	if cors == nil {
		cors = middleware.NewCORSMiddleware(nil)
	}
	h := &handler{
		campaigns: deps.Campaigns,
		recon:     deps.Reconciliation,
		events:    deps.Events,
		store:     deps.Store,
		ledger:    deps.Ledger,
		cors:      cors,
		log:       log,
	}

	authed := func(fn http.HandlerFunc) http.Handler {
		if deps.Auth == nil {
			return fn
		}
		return deps.Auth.Handler(fn)
	}
	limited := func(next http.Handler) http.Handler {
		if deps.RateLimiter == nil {
			return next
		}
		return deps.RateLimiter.Handler(next)
	}

	r := mux.NewRouter()
	r.Use(metrics.InstrumentHandler)

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/campaigns", h.listCampaigns).Methods(http.MethodGet)
	api.Handle("/campaigns", authed(h.createCampaign)).Methods(http.MethodPost)
	api.HandleFunc("/campaigns/{id}", h.getCampaign).Methods(http.MethodGet)
	api.Handle("/campaigns/{id}/activate", authed(h.activateCampaign)).Methods(http.MethodPost)
	api.Handle("/campaigns/{id}/status", authed(h.setCampaignStatus)).Methods(http.MethodPost)
	api.HandleFunc("/campaigns/{id}/balance", h.campaignBalance).Methods(http.MethodGet)
	api.Handle("/campaigns/{id}/donations", authed(limited(http.HandlerFunc(h.submitDonation)).ServeHTTP)).Methods(http.MethodPost)
	api.HandleFunc("/campaigns/{id}/transactions", h.listTransactions).Methods(http.MethodGet)

	api.HandleFunc("/transactions/by-hash/{hash}", h.transactionByHash).Methods(http.MethodGet)
	api.HandleFunc("/transactions/{id}", h.getTransaction).Methods(http.MethodGet)
	api.HandleFunc("/transactions/{id}/timeline", h.transactionTimeline).Methods(http.MethodGet)
	api.HandleFunc("/transactions/{id}/verify", h.verifyTransaction).Methods(http.MethodPost)
	api.Handle("/transactions/{id}/cancel", authed(h.cancelTransaction)).Methods(http.MethodPost)
	api.Handle("/transactions/{id}/complete", authed(h.completeTransaction)).Methods(http.MethodPost)

	api.HandleFunc("/stream", h.stream).Methods(http.MethodGet)

	// CORS wraps the router so preflight requests never reach method matching.
	return middleware.NewTracingMiddleware(log).Handler(cors.Handler(r))
}
