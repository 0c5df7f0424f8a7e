package ingress

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	memberdomain "github.com/smallbiznis/gatekeeper/internal/member/domain"
	obscontext "github.com/smallbiznis/gatekeeper/internal/observability/context"
	obslogger "github.com/smallbiznis/gatekeeper/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	"github.com/smallbiznis/gatekeeper/internal/observability/tracing"
	onboardingdomain "github.com/smallbiznis/gatekeeper/internal/onboarding/domain"
	"github.com/smallbiznis/gatekeeper/internal/providers/discord"
	"github.com/smallbiznis/gatekeeper/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultQueueSize = 256

type Config struct {
	QueueSize int
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Executor   onboardingdomain.Executor
	Onboarding config.OnboardingConfig
	Messages   *config.MessagesHolder
	Clock      clock.Clock
	Config     Config `optional:"true"`
}

// Dispatcher owns the event queue and its single worker. Events are handled
// strictly in arrival order.
type Dispatcher struct {
	log      *zap.Logger
	executor onboardingdomain.Executor
	cfg      config.OnboardingConfig
	messages *config.MessagesHolder
	clock    clock.Clock
	tracer   trace.Tracer
	queue    chan envelope
}

func NewDispatcher(p Params) *Dispatcher {
	size := p.Config.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Dispatcher{
		log:      p.Log.Named("ingress"),
		executor: p.Executor,
		cfg:      p.Onboarding,
		messages: p.Messages,
		clock:    p.Clock,
		tracer:   otel.Tracer("gatekeeper/ingress"),
		queue:    make(chan envelope, size),
	}
}

// Submit enqueues ev without blocking. When the queue is full the event is
// dropped; the next sweep repairs whatever it would have done.
func (d *Dispatcher) Submit(ev Event) bool {
	env := envelope{
		id:         correlation.NewEventID(),
		receivedAt: d.clock.Now(),
		event:      ev,
	}
	select {
	case d.queue <- env:
		return true
	default:
		obsmetrics.Scheduler().IncIngressDropped(string(ev.Type()))
		d.log.Warn("ingress.event.dropped",
			zap.String("event_id", env.id),
			zap.String("event_type", string(ev.Type())),
		)
		return false
	}
}

// Run drains the queue until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-d.queue:
			d.handle(ctx, env)
		}
	}
}

func (d *Dispatcher) handle(parent context.Context, env envelope) {
	eventType := string(env.event.Type())
	ctx := obscontext.WithEventID(context.WithoutCancel(parent), env.id)
	ctx = obscontext.WithActor(ctx, obscontext.ActorSystem, "ingress")
	ctx, span := d.tracer.Start(ctx, "ingress."+eventType, trace.WithAttributes(
		tracing.SafeAttributes(attribute.String("event_type", eventType))...,
	))
	correlation.AnnotateSpan(span, env.id)
	defer span.End()

	log := obslogger.WithContext(ctx, d.log).With(zap.String("event_type", eventType))
	outcome := obsmetrics.IngressOutcomeFailed
	defer func() {
		if r := recover(); r != nil {
			outcome = obsmetrics.IngressOutcomeFailed
			span.SetStatus(codes.Error, "panic")
			log.Error("ingress.event.panic", zap.Any("panic", r), zap.Stack("stack"))
		}
		obsmetrics.Scheduler().IncIngressEvent(eventType, outcome)
	}()

	var err error
	outcome, err = d.dispatch(ctx, env)
	if err != nil {
		if safeErr := tracing.SafeError(err); safeErr != nil {
			span.RecordError(safeErr)
		}
		span.SetStatus(codes.Error, "event failed")
		log.Error("ingress.event.failed",
			zap.String("error_type", obsmetrics.ClassifySchedulerJobReason(err)),
			zap.Error(err),
		)
		return
	}
	log.Debug("ingress.event.done", zap.String("outcome", outcome))
}

func (d *Dispatcher) dispatch(ctx context.Context, env envelope) (string, error) {
	switch ev := env.event.(type) {
	case MemberUpdate:
		return d.onMemberUpdate(ctx, ev)
	case ComponentClick:
		return d.onClick(ctx, env, ev)
	case Command:
		return d.onCommand(ctx, ev)
	default:
		return obsmetrics.IngressOutcomeIgnored, nil
	}
}

// onMemberUpdate onboards a member the moment the entry screen is accepted.
// Without a cached previous snapshot the transition cannot be seen; the sweep
// catches such members.
func (d *Dispatcher) onMemberUpdate(ctx context.Context, ev MemberUpdate) (string, error) {
	if ev.GuildID != d.cfg.GuildID || ev.Before == nil {
		return obsmetrics.IngressOutcomeIgnored, nil
	}
	if !ev.Before.PendingEntry || ev.After.PendingEntry {
		return obsmetrics.IngressOutcomeIgnored, nil
	}

	ctx = obscontext.WithMemberID(ctx, ev.After.ID.String())
	if _, err := d.executor.FullOnboard(ctx, ev.After.ID); err != nil {
		return obsmetrics.IngressOutcomeFailed, err
	}
	return obsmetrics.IngressOutcomeHandled, nil
}

func (d *Dispatcher) onClick(ctx context.Context, env envelope, ev ComponentClick) (string, error) {
	if ev.GuildID != 0 && ev.GuildID != d.cfg.GuildID {
		return obsmetrics.IngressOutcomeIgnored, nil
	}
	ctx = obscontext.WithActor(ctx, obscontext.ActorMember, ev.UserID.String())
	ctx = obscontext.WithMemberID(ctx, ev.UserID.String())
	msgs := d.messages.Get()

	switch ev.CustomID {
	case discord.CustomIDStart:
		_, err := d.executor.Enter(ctx, ev.UserID)
		return d.finish(ctx, ev.Reply, err, msgs.ReplyEnter)

	case discord.CustomIDSelect:
		if d.expired(ev, env) {
			_, err := d.executor.ResendPrompt(ctx, ev.UserID)
			return d.finish(ctx, ev.Reply, err, msgs.ReplyExpired)
		}
		_, err := d.executor.Complete(ctx, ev.UserID, ev.Values)
		return d.finish(ctx, ev.Reply, err, msgs.ReplySaved)

	default:
		return obsmetrics.IngressOutcomeIgnored, nil
	}
}

// expired reports whether the prompt behind a selection stopped accepting
// input before the click arrived.
func (d *Dispatcher) expired(ev ComponentClick, env envelope) bool {
	if ev.IssuedAt.IsZero() {
		return false
	}
	prompt := memberdomain.Interaction{ExpiresAt: ev.IssuedAt.Add(d.cfg.InteractionTTL)}
	return prompt.Expired(env.receivedAt)
}

func (d *Dispatcher) onCommand(ctx context.Context, ev Command) (string, error) {
	if ev.GuildID != 0 && ev.GuildID != d.cfg.GuildID {
		return obsmetrics.IngressOutcomeIgnored, nil
	}
	ctx = obscontext.WithActor(ctx, obscontext.ActorMember, ev.UserID.String())

	switch ev.Name {
	case CommandUpdateBaseRoles:
		return d.send(ctx, ev.Reply, d.executor.Prompt(ev.Mode() == ModeSilent))
	case CommandPing:
		obslogger.WithContext(ctx, d.log).Info("ingress.ping", zap.Int64("latency_ms", ev.Latency.Milliseconds()))
		return d.send(ctx, ev.Reply, memberdomain.OutgoingMessage{
			Content:   fmt.Sprintf("Bot is available `%dms`", ev.Latency.Milliseconds()),
			Ephemeral: true,
		})
	default:
		return obsmetrics.IngressOutcomeIgnored, nil
	}
}

// finish answers a click. Refusals caused by the member are answered and
// counted as ignored; transport failures are answered and returned.
func (d *Dispatcher) finish(ctx context.Context, reply Replier, err error, success string) (string, error) {
	msgs := d.messages.Get()
	text, outcome := success, obsmetrics.IngressOutcomeHandled

	switch {
	case err == nil:
	case errors.Is(err, onboardingdomain.ErrNotEntered):
		text, outcome, err = msgs.ReplyNotEntered, obsmetrics.IngressOutcomeIgnored, nil
	case errors.Is(err, onboardingdomain.ErrInvalidSelection):
		text, outcome, err = msgs.ReplyFailed, obsmetrics.IngressOutcomeIgnored, nil
	default:
		text, outcome = msgs.ReplyFailed, obsmetrics.IngressOutcomeFailed
	}

	if _, replyErr := d.send(ctx, reply, memberdomain.OutgoingMessage{Content: text, Ephemeral: true}); replyErr != nil && err == nil {
		return obsmetrics.IngressOutcomeFailed, replyErr
	}
	return outcome, err
}

func (d *Dispatcher) send(ctx context.Context, reply Replier, msg memberdomain.OutgoingMessage) (string, error) {
	if reply == nil {
		return obsmetrics.IngressOutcomeHandled, nil
	}
	if err := reply(ctx, msg); err != nil {
		return obsmetrics.IngressOutcomeFailed, fmt.Errorf("reply: %w", err)
	}
	return obsmetrics.IngressOutcomeHandled, nil
}
