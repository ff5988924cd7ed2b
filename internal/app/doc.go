// Package app composes the marketplace services into a running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── book/           # Listings
//	│   ├── order/          # Orders, status table and audit events
//	│   ├── payment/        # Ledger, banking details and payouts
//	│   ├── courier/        # Addresses, quotes and shipments
//	│   └── notification/   # In-app notifications
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # Store interfaces (BookStore, OrderStore, ...)
//	│   ├── memory/         # In-memory implementation for tests and dev
//	│   └── postgres/       # PostgreSQL implementation
//	├── services/           # Business logic, one package per concern
//	├── httpapi/            # HTTP handlers and routing
//	├── runtime/            # Config driven bootstrap and HTTP server
//	├── system/             # Lifecycle manager for background services
//	└── metrics/            # Prometheus collectors
//
// # Responsibilities
//
// The app package only wires: it picks default stores, hands every service
// its collaborators and registers background workers (the commit sweeper)
// with the lifecycle manager. Business rules live in services/, request
// handling in httpapi/.
//
// # Dependency Direction
//
//	cmd/bookmarket/
//	      │
//	      ▼
//	internal/app/runtime ──► internal/app/httpapi
//	      │                        │
//	      ▼                        ▼
//	internal/app (composition) ◄───┘
//	      │
//	      ├──► internal/app/services/...
//	      ├──► internal/app/storage/...
//	      └──► internal/integrations/... (via interfaces)
package app
