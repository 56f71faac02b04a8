package cdncert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// PassReport summarises one scheduler pass. Results keep the task order.
type PassReport struct {
	RunID    string
	Started  time.Time
	Duration time.Duration
	Results  []DomainResult
}

// Count returns the number of domains with outcome o.
func (r PassReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Scheduler runs the renewal chain for every configured domain.
type Scheduler struct {
	renewer *Renewer
	workers int
	metrics *Metrics
	logger  *slog.Logger
}

func NewScheduler(cfg *Config, renewer *Renewer, logger *slog.Logger) *Scheduler {
	if cfg == nil || renewer == nil || logger == nil {
		panic("NewScheduler: received nil config, renewer, or logger")
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		renewer: renewer,
		workers: workers,
		metrics: renewer.metrics,
		logger:  logger.With("component", "scheduler"),
	}
}

// RunOnce processes every task once. Each domain fails on its own: an
// error is logged and recorded in the report, and the pass continues.
// With more than one worker, domains run concurrently; a domain's chain is
// always run by a single goroutine.
func (s *Scheduler) RunOnce(ctx context.Context, tasks []DomainTask) PassReport {
	report := PassReport{
		RunID:   uuid.NewString(),
		Started: time.Now(),
		Results: make([]DomainResult, len(tasks)),
	}
	log := s.logger.With("run_id", report.RunID)
	log.Info("Starting certificate renewal pass", "domains", len(tasks), "workers", s.workers)

	accounts := newAccountCache(s.renewer.accounts)
	owners := make(map[string]string, 3*len(tasks))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, task := range tasks {
		// Tasks sharing a vault certificate or challenge record would
		// overwrite each other; only the first one runs.
		if object, owner := claim(owners, task); object != "" {
			report.Results[i] = DomainResult{
				Domain:  task.DomainName,
				Outcome: OutcomeFailed,
				Err:     stageErr(task.DomainName, StageExpiry, fmt.Errorf("%s already claimed by %s in this pass", object, owner)),
			}
			continue
		}

		g.Go(func() error {
			report.Results[i] = s.renewDomain(ctx, task, accounts)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range report.Results {
		s.metrics.observeOutcome(res.Domain, res.Outcome)
		if res.Err == nil {
			continue
		}
		var se *StageError
		stage := Stage("")
		if errors.As(res.Err, &se) {
			stage = se.Stage
		}
		log.Error("Certificate renewal failed", "domain", res.Domain, "stage", stage, "error", res.Err)
	}

	report.Duration = time.Since(report.Started)
	s.metrics.observePass(report.Duration)
	log.Info("Certificate renewal pass finished",
		"renewed", report.Count(OutcomeRenewed),
		"skipped", report.Count(OutcomeSkipped),
		"failed", report.Count(OutcomeFailed),
		"duration", report.Duration,
	)
	return report
}

func (s *Scheduler) renewDomain(ctx context.Context, task DomainTask, accounts *accountCache) (res DomainResult) {
	defer func() {
		if p := recover(); p != nil {
			res = DomainResult{
				Domain:  task.DomainName,
				Outcome: OutcomeFailed,
				Err:     fmt.Errorf("%s: panic during renewal: %v", task.DomainName, p),
			}
		}
	}()
	return s.renewer.Renew(ctx, task, accounts)
}

// Run executes a pass immediately and then every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, tasks []DomainTask, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: invalid interval %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx, tasks)
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
