package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/sitcoin/internal/app/domain/account"
	"github.com/R3E-Network/sitcoin/internal/app/metrics"
	"github.com/R3E-Network/sitcoin/internal/app/system"
	"github.com/R3E-Network/sitcoin/pkg/logger"
)

// DefaultSchedule runs reconciliation once a minute.
const DefaultSchedule = "@every 1m"

// Drift is one account's balance against the balance its history implies.
type Drift struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Expected  int64  `json:"expected"`
}

// Delta is the unexplained difference; zero means the account is consistent.
func (d Drift) Delta() int64 { return d.Balance - d.Expected }

// Report is the outcome of one reconciliation pass.
type Report struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Totals     account.Totals `json:"totals"`
	Conserved  bool           `json:"conserved"`
	Replayed   int            `json:"replayed"`
	Unlogged   []Movement     `json:"unlogged"`
	Drift      []Drift        `json:"drift"`
	Errors     []string       `json:"errors,omitempty"`
}

// Clean reports whether the ledger was fully consistent.
func (r Report) Clean() bool {
	return r.Conserved && len(r.Drift) == 0 && len(r.Unlogged) == 0 && len(r.Errors) == 0
}

// Reconciler periodically replays unlogged movements and checks that every
// balance is explained by issuance plus completed transactions.
type Reconciler struct {
	coord    *Coordinator
	schedule string
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	last    *Report
}

var _ system.Service = (*Reconciler)(nil)

// NewReconciler creates a reconciler. An empty schedule selects
// DefaultSchedule.
func NewReconciler(coord *Coordinator, schedule string, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewDefault("ledger-reconciler")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Reconciler{coord: coord, schedule: schedule, log: log}
}

func (r *Reconciler) Name() string { return "ledger-reconciler" }

func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	runCtx := context.WithoutCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.schedule, func() {
		if _, err := r.Run(runCtx); err != nil {
			r.log.WithError(err).Warn("reconciliation pass failed")
		}
	}); err != nil {
		return err
	}
	c.Start()
	r.cron = c
	r.running = true

	r.log.WithField("schedule", r.schedule).Info("ledger reconciler started")
	return nil
}

func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	c := r.cron
	r.running = false
	r.cron = nil
	r.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Run performs one reconciliation pass and publishes its report.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	report := Report{StartedAt: time.Now().UTC()}

	replayed, err := r.coord.ReplayUnlogged(ctx)
	report.Replayed = replayed
	if err != nil {
		return report, err
	}

	totals, err := r.coord.Totals(ctx)
	if err != nil {
		return report, err
	}
	report.Totals = totals
	report.Conserved = totals.Conserved()

	accts, err := r.coord.Accounts(ctx)
	if err != nil {
		return report, err
	}
	for _, acct := range accts {
		drift, err := r.coord.AccountDrift(ctx, acct.ID)
		if err != nil {
			report.Errors = append(report.Errors, acct.ID+": "+err.Error())
			continue
		}
		if drift.Delta() != 0 {
			report.Drift = append(report.Drift, drift)
		}
	}
	report.Unlogged = r.coord.Unlogged()
	report.FinishedAt = time.Now().UTC()

	metrics.RecordReconciliation(report.Clean(), len(report.Drift), len(report.Unlogged))
	r.publish(report)

	entry := r.log.WithContext(ctx).WithFields(logrus.Fields{
		"accounts": totals.Accounts,
		"balance":  totals.Balance,
		"issued":   totals.Issued,
		"replayed": replayed,
		"unlogged": len(report.Unlogged),
		"drifting": len(report.Drift),
	})
	if report.Clean() {
		entry.Debug("ledger reconciled")
	} else {
		for _, d := range report.Drift {
			r.log.WithFields(logrus.Fields{
				"account_id": d.AccountID,
				"balance":    d.Balance,
				"expected":   d.Expected,
			}).Error("account balance drifts from its transaction history")
		}
		entry.Error("ledger reconciliation found inconsistencies")
	}
	return report, nil
}

// Last returns the most recent report, if any pass has completed.
func (r *Reconciler) Last() (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Report{}, false
	}
	return *r.last, true
}

func (r *Reconciler) publish(report Report) {
	r.mu.Lock()
	r.last = &report
	r.mu.Unlock()
}
