package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	memberdomain "github.com/smallbiznis/gatekeeper/internal/member/domain"
	obsmetrics "github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	"github.com/smallbiznis/gatekeeper/internal/observability/tracing"
	onboardingdomain "github.com/smallbiznis/gatekeeper/internal/onboarding/domain"
	"github.com/smallbiznis/gatekeeper/internal/providers/discord"
	"github.com/smallbiznis/gatekeeper/internal/ratelimit"
	"github.com/smallbiznis/gatekeeper/internal/scheduler/guard"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const jobSweep = "sweep"

var (
	ErrInvalidConfig   = errors.New("scheduler: invalid config")
	ErrSweepInProgress = errors.New("scheduler: sweep already in progress")
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Executor   onboardingdomain.Executor
	Provider   discord.Provider
	Onboarding config.OnboardingConfig
	Messages   *config.MessagesHolder
	GenID      *snowflake.Node
	Clock      clock.Clock
	Locker     *ratelimit.Locker `optional:"true"`
	Config     Config            `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	executor   onboardingdomain.Executor
	provider   discord.Provider
	onboarding config.OnboardingConfig
	messages   *config.MessagesHolder
	locker     leaseLocker
	tracer     trace.Tracer
	running    atomic.Bool
}

// Summary counts what one sweep did. Onboarded and Reprompted are the
// figures reported to administrators.
type Summary struct {
	Scanned      int
	Onboarded    int
	Reprompted   int
	PromptedNoDM int
	Inconsistent int
	Failed       int
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Executor == nil || p.Provider == nil || p.Messages == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		executor:   p.Executor,
		provider:   p.Provider,
		onboarding: p.Onboarding,
		messages:   p.Messages,
		tracer:     otel.Tracer("gatekeeper/scheduler"),
	}
	if p.Locker != nil {
		s.locker = p.Locker
	}
	return s, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(zap.String("job", name))
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline stops the sweep between members; the next tick picks up
	// where this one left off.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce performs one sweep. It returns ErrSweepInProgress when a sweep is
// already running in this process and skips silently when another replica
// holds the lease.
func (s *Scheduler) RunOnce(parent context.Context) error {
	schedMetrics := obsmetrics.Scheduler()
	if !s.running.CompareAndSwap(false, true) {
		schedMetrics.IncBatchDeferred(jobSweep, obsmetrics.SchedulerBatchDeferredReasonInProgress)
		return ErrSweepInProgress
	}
	defer s.running.Store(false)

	release, ok := s.acquireLease(parent)
	if !ok {
		schedMetrics.IncBatchDeferred(jobSweep, obsmetrics.SchedulerBatchDeferredReasonLeaseHeld)
		s.log.Info("scheduler.sweep.skipped", zap.String("reason", obsmetrics.SchedulerBatchDeferredReasonLeaseHeld))
		return nil
	}
	defer release()

	return s.runJob(parent, jobSweep, s.cfg.JobTimeout, func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	})
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep visits every member once and repairs what the event path missed.
// Cancellation is honoured between members; a member already being handled
// finishes on a detached context. Per-member failures are joined into the
// returned error and never stop the sweep.
func (s *Scheduler) Sweep(ctx context.Context) (Summary, error) {
	ctx, run, owner := s.ensureJobRun(ctx, jobSweep)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	ctx, span := s.tracer.Start(ctx, "scheduler.sweep", trace.WithAttributes(
		tracing.SafeAttributes(attribute.String("job", jobSweep))...,
	))
	defer span.End()

	var (
		summary Summary
		jobErr  error
	)
	policy := s.onboarding.Policy()

	for member, err := range s.provider.Members(ctx, s.onboarding.GuildID) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			jobErr = errors.Join(jobErr, ctxErr)
			break
		}
		if err != nil {
			jobErr = errors.Join(jobErr, fmt.Errorf("list members: %w", err))
			s.logMemberError(ctx, run, "scheduler.sweep.list_failed", 0, err)
			break
		}

		summary.Scanned++
		run.AddProcessed(1)
		if err := s.reconcile(context.WithoutCancel(ctx), member, policy, &summary); err != nil {
			summary.Failed++
			jobErr = errors.Join(jobErr, fmt.Errorf("member %s: %w", member.ID, err))
			s.logMemberError(ctx, run, "scheduler.member.process.failed", member.ID, err)
		}
	}

	obsmetrics.Scheduler().AddBatchProcessed(jobSweep, "members", summary.Scanned)
	if jobErr != nil {
		if safeErr := tracing.SafeError(jobErr); safeErr != nil {
			span.RecordError(safeErr)
		}
		span.SetStatus(codes.Error, "sweep incomplete")
	}

	s.report(ctx, summary)
	return summary, jobErr
}

func (s *Scheduler) reconcile(ctx context.Context, member memberdomain.Member, policy memberdomain.Policy, summary *Summary) error {
	schedMetrics := obsmetrics.Scheduler()
	res := memberdomain.Resolve(member, policy)
	if res.Inconsistent {
		summary.Inconsistent++
		schedMetrics.IncSweepAction(obsmetrics.SweepActionInconsistent)
		s.logInconsistent(ctx, member.ID)
		return nil
	}

	switch res.State {
	case memberdomain.StateNeedsOnboarding:
		result, err := s.executor.FullOnboard(ctx, member.ID)
		if err != nil {
			return err
		}
		if result.WelcomeSent {
			summary.Onboarded++
			schedMetrics.IncSweepAction(obsmetrics.SweepActionOnboarded)
		}

	case memberdomain.StateInOnboarding:
		if !member.HasDMChannel() {
			sent, err := s.resendPrompt(ctx, member.ID)
			if err != nil {
				return err
			}
			if sent {
				summary.PromptedNoDM++
				schedMetrics.IncSweepAction(obsmetrics.SweepActionPromptNoDM)
			}
			return nil
		}

		latest, err := guard.LatestInteraction(s.provider.RecentMessages(ctx, member.DMChannelID, s.onboarding.HistoryWindow))
		if err != nil {
			return err
		}
		if err := guard.EnsurePromptExpired(latest, s.clock.Now()); err != nil {
			return nil
		}
		sent, err := s.resendPrompt(ctx, member.ID)
		if err != nil {
			return err
		}
		if sent {
			summary.Reprompted++
			schedMetrics.IncSweepAction(obsmetrics.SweepActionReprompted)
		}
	}
	return nil
}

func (s *Scheduler) resendPrompt(ctx context.Context, memberID snowflake.ID) (bool, error) {
	result, err := s.executor.ResendPrompt(ctx, memberID)
	if errors.Is(err, onboardingdomain.ErrNotEntered) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return result.PromptSent, nil
}

func (s *Scheduler) report(ctx context.Context, summary Summary) {
	if summary.Onboarded == 0 && summary.Reprompted == 0 {
		return
	}
	log := s.logger(ctx)
	log.Info("scheduler.sweep.report", reportFields(summary)...)
	if s.onboarding.ReportChannelID == 0 {
		return
	}

	text, err := s.messages.Get().RenderReport(config.ReportData{
		Onboarded:  summary.Onboarded,
		Reprompted: summary.Reprompted,
	})
	if err != nil {
		log.Warn("scheduler.sweep.report_failed", zap.Error(err))
		return
	}
	msg := memberdomain.OutgoingMessage{Content: text}
	if err := s.provider.SendChannelMessage(context.WithoutCancel(ctx), s.onboarding.ReportChannelID, msg); err != nil {
		log.Warn("scheduler.sweep.report_failed", zap.Error(err))
	}
}

// reportFields carries each count only when it is non-zero.
func reportFields(summary Summary) []zap.Field {
	var fields []zap.Field
	if summary.Onboarded > 0 {
		fields = append(fields, zap.Int("onboarded", summary.Onboarded))
	}
	if summary.Reprompted > 0 {
		fields = append(fields, zap.Int("reprompted", summary.Reprompted))
	}
	return fields
}
