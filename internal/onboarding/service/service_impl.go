package service

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gatekeeper/internal/config"
	memberdomain "github.com/smallbiznis/gatekeeper/internal/member/domain"
	obscontext "github.com/smallbiznis/gatekeeper/internal/observability/context"
	"github.com/smallbiznis/gatekeeper/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	"github.com/smallbiznis/gatekeeper/internal/observability/tracing"
	"github.com/smallbiznis/gatekeeper/internal/onboarding/domain"
	"github.com/smallbiznis/gatekeeper/internal/providers/discord"
	"github.com/smallbiznis/gatekeeper/internal/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Provider discord.Provider
	Config   config.OnboardingConfig
	Messages *config.MessagesHolder

	Limiter    *ratelimit.DMLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics  `optional:"true"`
}

type dmLimiter interface {
	AllowDMs(ctx context.Context, n int) (bool, error)
}

type Service struct {
	log      *zap.Logger
	provider discord.Provider
	cfg      config.OnboardingConfig
	messages *config.MessagesHolder
	limiter  dmLimiter
	metrics  *obsmetrics.Metrics
	tracer   trace.Tracer
}

func New(p Params) domain.Executor {
	return newService(p)
}

func newService(p Params) *Service {
	s := &Service{
		log:      p.Log.Named("onboarding.service"),
		provider: p.Provider,
		cfg:      p.Config,
		messages: p.Messages,
		metrics:  p.ObsMetrics,
		tracer:   otel.Tracer("gatekeeper/onboarding"),
	}
	if p.Limiter != nil {
		s.limiter = p.Limiter
	}
	return s
}

var _ domain.Executor = (*Service)(nil)

func (s *Service) FullOnboard(ctx context.Context, userID snowflake.ID) (result domain.Result, err error) {
	ctx, span := s.startSpan(ctx, "onboarding.full_onboard", userID)
	defer func() { endSpan(span, result, err) }()

	member, result, err := s.load(ctx, userID)
	if err != nil {
		return result, err
	}

	switch result.Resolution.State {
	case memberdomain.StateNeedsOnboarding:
		err = s.onboard(ctx, member, &result)
	case memberdomain.StateInOnboarding:
		err = s.sendPrompt(ctx, member, &result)
	}
	return result, err
}

func (s *Service) ResendPrompt(ctx context.Context, userID snowflake.ID) (result domain.Result, err error) {
	ctx, span := s.startSpan(ctx, "onboarding.resend_prompt", userID)
	defer func() { endSpan(span, result, err) }()

	member, result, err := s.load(ctx, userID)
	if err != nil {
		return result, err
	}
	if result.Resolution.State == memberdomain.StateNotYetEntered {
		return result, domain.ErrNotEntered
	}
	err = s.sendPrompt(ctx, member, &result)
	return result, err
}

func (s *Service) Enter(ctx context.Context, userID snowflake.ID) (result domain.Result, err error) {
	ctx, span := s.startSpan(ctx, "onboarding.enter", userID)
	defer func() { endSpan(span, result, err) }()

	member, result, err := s.load(ctx, userID)
	if err != nil {
		return result, err
	}

	switch result.Resolution.State {
	case memberdomain.StateNotYetEntered:
		err = domain.ErrNotEntered
	case memberdomain.StateNeedsOnboarding:
		err = s.onboard(ctx, member, &result)
	default:
		err = s.sendPrompt(ctx, member, &result)
	}
	return result, err
}

// Complete grants the selected roles before dropping the onboarding role so
// the member never looks role-less in between.
func (s *Service) Complete(ctx context.Context, userID snowflake.ID, roleIDs []snowflake.ID) (result domain.Result, err error) {
	ctx, span := s.startSpan(ctx, "onboarding.complete", userID)
	defer func() { endSpan(span, result, err) }()

	selected, err := s.validateSelection(roleIDs)
	if err != nil {
		return domain.Result{MemberID: userID}, err
	}

	member, result, err := s.load(ctx, userID)
	if err != nil {
		return result, err
	}
	if result.Resolution.State == memberdomain.StateNotYetEntered {
		return result, domain.ErrNotEntered
	}

	for _, roleID := range selected {
		if member.Roles.Has(roleID) {
			continue
		}
		if err := s.addRole(ctx, member.ID, roleID); err != nil {
			return result, err
		}
		result.RolesGranted = append(result.RolesGranted, roleID)
	}

	for _, opt := range s.cfg.SelectableRoles {
		if !member.Roles.Has(opt.RoleID) || slices.Contains(selected, opt.RoleID) {
			continue
		}
		if err := s.removeRole(ctx, member.ID, opt.RoleID); err != nil {
			return result, err
		}
		result.RolesRemoved = append(result.RolesRemoved, opt.RoleID)
	}

	if member.Roles.Has(s.cfg.OnboardingRoleID) {
		if err := s.removeRole(ctx, member.ID, s.cfg.OnboardingRoleID); err != nil {
			return result, err
		}
		result.OnboardingRoleRemoved = true
	}

	s.logger(ctx, member.ID).Info("onboarding.completed",
		zap.Int("granted", len(result.RolesGranted)),
		zap.Int("removed", len(result.RolesRemoved)),
	)
	return result, nil
}

func (s *Service) Prompt(ephemeral bool) memberdomain.OutgoingMessage {
	msgs := s.messages.Get()
	return memberdomain.OutgoingMessage{
		Content: msgs.Prompt,
		Widget: &memberdomain.Widget{
			Kind:        memberdomain.WidgetRolePrompt,
			Placeholder: msgs.PromptPlaceholder,
			Options:     slices.Clone(s.cfg.SelectableRoles),
		},
		Ephemeral: ephemeral,
	}
}

// onboard runs welcome, prompt and role grant in that order. The first
// failure stops the sequence; the member keeps resolving to NeedsOnboarding
// until the role is granted, so the next sweep retries from the start.
// Both direct messages are admitted by the throttle together, so a welcome
// is never sent without its prompt.
func (s *Service) onboard(ctx context.Context, member memberdomain.Member, result *domain.Result) error {
	welcome, err := s.welcomeMessage(ctx, member)
	if err != nil {
		return err
	}
	if err := s.admitDMs(ctx, member.ID, 2, obsmetrics.ActionWelcome); err != nil {
		return err
	}
	channelID, err := s.sendDM(ctx, member.ID, welcome, obsmetrics.ActionWelcome)
	if err != nil {
		return err
	}
	result.WelcomeSent = true
	result.DMChannelID = channelID
	s.logger(ctx, member.ID).Info("onboarding.welcome.sent")

	if err := s.deliverPrompt(ctx, member, result); err != nil {
		return err
	}

	if member.Roles.Has(s.cfg.OnboardingRoleID) {
		return nil
	}
	if err := s.addRole(ctx, member.ID, s.cfg.OnboardingRoleID); err != nil {
		return err
	}
	result.OnboardingRoleGranted = true
	s.logger(ctx, member.ID).Info("onboarding.role.granted")
	return nil
}

func (s *Service) sendPrompt(ctx context.Context, member memberdomain.Member, result *domain.Result) error {
	if err := s.admitDMs(ctx, member.ID, 1, obsmetrics.ActionPrompt); err != nil {
		return err
	}
	return s.deliverPrompt(ctx, member, result)
}

func (s *Service) deliverPrompt(ctx context.Context, member memberdomain.Member, result *domain.Result) error {
	channelID, err := s.sendDM(ctx, member.ID, s.Prompt(false), obsmetrics.ActionPrompt)
	if err != nil {
		return err
	}
	result.PromptSent = true
	result.DMChannelID = channelID
	s.logger(ctx, member.ID).Info("onboarding.prompt.sent", zap.String("state", result.Resolution.State.String()))
	return nil
}

func (s *Service) welcomeMessage(ctx context.Context, member memberdomain.Member) (memberdomain.OutgoingMessage, error) {
	community, err := s.provider.Community(ctx, s.cfg.GuildID)
	if err != nil {
		return memberdomain.OutgoingMessage{}, err
	}
	text, err := s.messages.Get().RenderWelcome(config.WelcomeData{
		DisplayName:   member.DisplayName,
		CommunityName: community.Name,
	})
	if err != nil {
		return memberdomain.OutgoingMessage{}, err
	}
	return memberdomain.OutgoingMessage{Content: text}, nil
}

func (s *Service) load(ctx context.Context, userID snowflake.ID) (memberdomain.Member, domain.Result, error) {
	result := domain.Result{MemberID: userID}
	member, err := s.provider.Member(ctx, s.cfg.GuildID, userID)
	if err != nil {
		return memberdomain.Member{}, result, err
	}

	result.Resolution = memberdomain.Resolve(member, s.cfg.Policy())
	s.metrics.RecordResolution(ctx, result.Resolution.State.String(), result.Resolution.Inconsistent)
	if result.Resolution.Inconsistent {
		s.logger(ctx, userID).Warn("member.state.inconsistent",
			zap.String("reason", "onboarding role held together with other roles"),
		)
	}
	return member, result, nil
}

func (s *Service) validateSelection(roleIDs []snowflake.ID) ([]snowflake.ID, error) {
	if len(roleIDs) == 0 {
		return nil, domain.ErrInvalidSelection
	}
	selected := make([]snowflake.ID, 0, len(roleIDs))
	for _, id := range roleIDs {
		if !s.cfg.Selectable(id) {
			return nil, domain.ErrInvalidSelection
		}
		if !slices.Contains(selected, id) {
			selected = append(selected, id)
		}
	}
	return selected, nil
}

// admitDMs asks the throttle for n direct messages. An unreachable throttle
// admits them.
func (s *Service) admitDMs(ctx context.Context, userID snowflake.ID, n int, action string) error {
	if s.limiter == nil {
		return nil
	}
	allowed, err := s.limiter.AllowDMs(ctx, n)
	switch {
	case err != nil:
		s.logger(ctx, userID).Warn("onboarding.dm.throttle_unavailable", zap.Error(err))
		return nil
	case !allowed:
		s.metrics.RecordDMThrottled(ctx, "denied")
		err := &discord.TransportError{Op: "send_dm", Status: http.StatusTooManyRequests, Err: discord.ErrThrottled}
		s.metrics.RecordAction(ctx, action, err)
		return err
	default:
		return nil
	}
}

func (s *Service) sendDM(ctx context.Context, userID snowflake.ID, msg memberdomain.OutgoingMessage, action string) (snowflake.ID, error) {
	channelID, err := s.provider.SendDirectMessage(ctx, userID, msg)
	s.metrics.RecordAction(ctx, action, err)
	return channelID, err
}

func (s *Service) addRole(ctx context.Context, userID, roleID snowflake.ID) error {
	err := s.provider.AddRole(ctx, s.cfg.GuildID, userID, roleID)
	s.metrics.RecordAction(ctx, obsmetrics.ActionRoleGrant, err)
	return err
}

func (s *Service) removeRole(ctx context.Context, userID, roleID snowflake.ID) error {
	err := s.provider.RemoveRole(ctx, s.cfg.GuildID, userID, roleID)
	s.metrics.RecordAction(ctx, obsmetrics.ActionRoleRemove, err)
	return err
}

func (s *Service) logger(ctx context.Context, userID snowflake.ID) *zap.Logger {
	return logger.WithContext(obscontext.WithMemberID(ctx, userID.String()), s.log)
}

func (s *Service) startSpan(ctx context.Context, name string, userID snowflake.ID) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		tracing.SafeAttributes(attribute.String("member_id", userID.String()))...,
	))
}

func endSpan(span trace.Span, result domain.Result, err error) {
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("state", result.Resolution.State.String()),
	)...)
	if err != nil && !errors.Is(err, domain.ErrNotEntered) {
		if safeErr := tracing.SafeError(err); safeErr != nil {
			span.RecordError(safeErr)
		}
		span.SetStatus(codes.Error, "onboarding failed")
	}
	span.End()
}
