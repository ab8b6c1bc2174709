package app

import (
	"context"
	"fmt"

	"github.com/R3E-Network/donation_ledger/internal/app/events"
	"github.com/R3E-Network/donation_ledger/internal/app/services/campaigns"
	"github.com/R3E-Network/donation_ledger/internal/app/services/reconciliation"
	"github.com/R3E-Network/donation_ledger/internal/app/storage"
	"github.com/R3E-Network/donation_ledger/internal/app/storage/memory"
	"github.com/R3E-Network/donation_ledger/internal/app/system"
	"github.com/R3E-Network/donation_ledger/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to one
// shared in-memory implementation.
type Stores struct {
	Campaigns    storage.CampaignStore
	Transactions storage.TransactionStore
}

// Options tune the optional parts of the application.
type Options struct {
	// Publisher replaces the local hub as the event sink, e.g. a RedisBus that
	// delivers to the hub itself. It is registered as a service when it is one.
	Publisher events.Publisher
	// Hub receives events for local subscribers. Created when nil.
	Hub *events.Hub
	// Sweeper is registered when non-nil.
	Sweeper *reconciliation.SweeperConfig
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Campaigns      *campaigns.Service
	Reconciliation *reconciliation.Service
	Events         *events.Hub
	Sweeper        *reconciliation.Sweeper
}

// New builds a fully initialised application around the given ledger.
func New(stores Stores, ledger reconciliation.Ledger, log *logger.Logger, opts Options) (*Application, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if log == nil {
		log = logger.NewDefault("app")
	}

	if stores.Campaigns == nil || stores.Transactions == nil {
		mem := memory.New()
		if stores.Campaigns == nil {
			stores.Campaigns = mem
		}
		if stores.Transactions == nil {
			stores.Transactions = mem
		}
	}

	hub := opts.Hub
	if hub == nil {
		hub = events.NewHub(events.DefaultBuffer)
	}
	var publisher events.Publisher = hub
	if opts.Publisher != nil {
		publisher = opts.Publisher
	}

	manager := system.NewManager()
	if svc, ok := publisher.(system.Service); ok {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	campaignService := campaigns.New(stores.Campaigns, log.Component("campaigns"),
		campaigns.WithAddressValidator(ledger),
		campaigns.WithPublisher(publisher),
	)
	reconService := reconciliation.New(stores.Campaigns, stores.Transactions, ledger, log.Component("reconciliation"),
		reconciliation.WithPublisher(publisher),
	)

	application := &Application{
		manager:        manager,
		log:            log,
		Campaigns:      campaignService,
		Reconciliation: reconService,
		Events:         hub,
	}

	if opts.Sweeper != nil {
		application.Sweeper = reconciliation.NewSweeper(reconService, *opts.Sweeper, log.Component("pending-sweeper"))
		if err := manager.Register(application.Sweeper); err != nil {
			return nil, fmt.Errorf("register %s: %w", application.Sweeper.Name(), err)
		}
	}

	return application, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	a.log.WithField("services", a.manager.Names()).Info("starting services")
	return a.manager.Start(ctx)
}

// Stop stops all services and closes local event subscriptions.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	a.Events.Close()
	return err
}
