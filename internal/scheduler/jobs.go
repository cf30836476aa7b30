package scheduler

import (
	"context"
	"time"

	"github.com/quantumlayerhq/ql-cgov/pkg/config"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
)

// Job names.
const (
	JobExceptionSweep     = "exception-sweep"
	JobMaturityEvaluation = "maturity-evaluation"
)

// Sweeper expires lapsed exceptions.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Evaluator assesses trust maturity over a trailing window.
type Evaluator interface {
	EvaluateCurrent(ctx context.Context, window time.Duration) (*models.TrustMaturityProgress, error)
}

// RegisterGovernanceJobs schedules the exception sweep and the maturity
// evaluation at their configured intervals.
func RegisterGovernanceJobs(s *Scheduler, cfg config.GovernanceConfig, sweeper Sweeper, evaluator Evaluator) error {
	if err := s.Every(JobExceptionSweep, cfg.ExpirySweepInterval, func(ctx context.Context) error {
		n, err := sweeper.Sweep(ctx)
		if n > 0 {
			s.log.InfoContext(ctx, "expired exceptions", "count", n)
		}
		return err
	}); err != nil {
		return err
	}

	return s.Every(JobMaturityEvaluation, cfg.MaturityEvalInterval, func(ctx context.Context) error {
		p, err := evaluator.EvaluateCurrent(ctx, cfg.MaturityWindow)
		if err != nil {
			return err
		}
		s.log.InfoContext(ctx, "maturity evaluated", "current_level", p.CurrentLevel, "ready", p.ReadyToProgress)
		return nil
	})
}
