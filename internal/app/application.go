package app

import (
	"context"
	"fmt"

	"github.com/R3E-Network/sitcoin/internal/app/locks"
	ledgersvc "github.com/R3E-Network/sitcoin/internal/app/services/ledger"
	"github.com/R3E-Network/sitcoin/internal/app/services/reversals"
	"github.com/R3E-Network/sitcoin/internal/app/storage"
	"github.com/R3E-Network/sitcoin/internal/app/storage/memory"
	"github.com/R3E-Network/sitcoin/internal/app/system"
	"github.com/R3E-Network/sitcoin/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Accounts     storage.AccountStore
	Transactions storage.TransactionLog
	Reversals    storage.ReversalStore
}

// Options tunes the engine. Zero values select defaults.
type Options struct {
	Ledger            ledgersvc.Config
	Locker            locks.Locker
	ReconcileSchedule string
	// DisableReconciler keeps the scheduled reconciler out of the lifecycle.
	DisableReconciler bool
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Ledger     *ledgersvc.Coordinator
	Reversals  *reversals.Workflow
	Reconciler *ledgersvc.Reconciler
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Accounts == nil {
		stores.Accounts = mem
	}
	if stores.Transactions == nil {
		stores.Transactions = mem
	}
	if stores.Reversals == nil {
		stores.Reversals = mem
	}
	if opts.Locker == nil {
		opts.Locker = locks.NewLocal()
	}

	manager := system.NewManager()

	coordinator := ledgersvc.New(stores.Accounts, stores.Transactions, opts.Locker, opts.Ledger, log.Named("ledger"))
	workflow := reversals.New(stores.Reversals, stores.Transactions, coordinator, opts.Locker,
		opts.Ledger.LockTimeout, log.Named("reversals"))
	reconciler := ledgersvc.NewReconciler(coordinator, opts.ReconcileSchedule, log.Named("reconciler"))

	services := []system.Service{
		system.NoopService{ServiceName: "ledger"},
		system.NoopService{ServiceName: "reversals"},
	}
	if opts.DisableReconciler {
		log.Warn("ledger reconciler disabled")
	} else {
		services = append(services, reconciler)
	}
	for _, svc := range services {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:    manager,
		log:        log,
		Ledger:     coordinator,
		Reversals:  workflow,
		Reconciler: reconciler,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Services lists the registered lifecycle services in start order.
func (a *Application) Services() []string {
	return a.manager.Services()
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
