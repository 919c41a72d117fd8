// Package app provides the Application Composition Layer for the ledger.
//
// # Architecture Role
//
// The app package composes the ledger services with their stores and locks
// and manages their lifecycle. It is NOT a business logic layer; ledger
// rules live in internal/app/services/.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── auth/               # Caller capabilities (user, admin, system)
//	├── domain/             # Domain models (pure data structures)
//	│   ├── account/        # Accounts and ledger totals
//	│   ├── ledger/         # Transactions and their status
//	│   └── reversal/       # Reversal requests and decisions
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # AccountStore, TransactionLog, ReversalStore
//	│   ├── memory/         # In-memory implementation
//	│   └── postgres/       # PostgreSQL implementation
//	├── locks/              # Per-record locks, local or Redis-backed
//	├── services/
//	│   ├── ledger/         # Coordinator and reconciler
//	│   └── reversals/      # Reversal request workflow
//	├── httpapi/            # HTTP API handlers and routing
//	├── runtime/            # Process wiring from configuration
//	├── system/             # Service lifecycle manager
//	└── metrics/            # Prometheus metrics
//
// # Dependency Direction
//
//	cmd/sitcoind/
//	      │
//	      ▼
//	internal/app/runtime ──► internal/app/httpapi
//	      │                        │
//	      ▼                        ▼
//	internal/app (composition) ◄───┘
//	      │
//	      ├──► services/ledger ──► storage, locks
//	      └──► services/reversals ──► services/ledger (as Reverser)
//
// # Lock Ordering
//
// Every operation that touches more than one record takes its locks in a
// fixed order: the reversal request first, then account locks sorted by id.
package app
