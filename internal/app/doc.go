// Package app composes the donation ledger: record stores, the ledger
// adapter, the campaign and reconciliation services, event fan-out and the
// pending sweeper.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/             # Campaign, donation and ledger value types
//	├── storage/            # Store interfaces plus memory/ and postgres/
//	├── services/
//	│   ├── campaigns/      # Campaign records outside activation
//	│   └── reconciliation/ # Ledger-backed lifecycle and the pending sweeper
//	├── events/             # In-process hub and Redis fan-out
//	├── httpapi/            # REST handlers and the event stream
//	├── metrics/            # Prometheus collectors
//	├── runtime/            # Process wiring from configuration
//	└── system/             # Service lifecycle manager
//
// # Dependency Direction
//
//	cmd/donationd/
//	      │
//	      ▼
//	internal/app/runtime ──► internal/app (composition)
//	      │                        │
//	      │                        ├──► services/ ──► storage/, domain/
//	      │                        └──► events/
//	      │
//	      ├──► internal/chain (Neo N3 ledger adapter)
//	      └──► internal/platform/migrations
//
// The services never hold a lock across a ledger or store call. Every state
// change goes through a compare-and-set in the store, so concurrent requests
// and the sweeper can race safely.
package app
