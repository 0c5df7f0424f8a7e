package service

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	memberdomain "github.com/smallbiznis/gatekeeper/internal/member/domain"
	"github.com/smallbiznis/gatekeeper/internal/onboarding/domain"
	"github.com/smallbiznis/gatekeeper/internal/providers/discord"
	"github.com/smallbiznis/gatekeeper/internal/providers/discord/discordtest"
	"github.com/smallbiznis/gatekeeper/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	guildID          snowflake.ID = 1000
	onboardingRoleID snowflake.ID = 2000
	roleStudent      snowflake.ID = 3001
	roleGuest        snowflake.ID = 3002
	memberID         snowflake.ID = 42
)

var (
	cutoff = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now    = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

func testConfig() config.OnboardingConfig {
	return config.OnboardingConfig{
		GuildID:          guildID,
		BaseRoleID:       guildID,
		OnboardingRoleID: onboardingRoleID,
		SelectableRoles: []memberdomain.RoleOption{
			{RoleID: roleStudent, Label: "Student"},
			{RoleID: roleGuest, Label: "Gast"},
		},
		EntryChannelID:       9000,
		SweepIntervalMinutes: 10,
		NotBefore:            cutoff,
		HistoryWindow:        20,
		InteractionTTL:       15 * time.Minute,
	}
}

func newTestService(t *testing.T, provider discord.Provider, limiter *ratelimit.DMLimiter) *Service {
	t.Helper()
	return newService(Params{
		Log:      zap.NewNop(),
		Provider: provider,
		Config:   testConfig(),
		Messages: config.NewStaticMessages(config.DefaultMessages()),
		Limiter:  limiter,
	})
}

func newCommunity(t *testing.T) *discordtest.Community {
	t.Helper()
	return discordtest.New(guildID, "Test Guild", clock.NewFakeClock(now), 15*time.Minute)
}

func newcomer(roles ...snowflake.ID) memberdomain.Member {
	return memberdomain.Member{
		ID:          memberID,
		DisplayName: "Ada",
		Roles:       memberdomain.NewRoleSet(roles...),
		JoinedAt:    cutoff.Add(24 * time.Hour),
	}
}

func TestFullOnboardNewMember(t *testing.T) {
	community := newCommunity(t)
	community.AddMember(newcomer())
	svc := newTestService(t, community, nil)

	result, err := svc.FullOnboard(context.Background(), memberID)
	require.NoError(t, err)

	assert.Equal(t, memberdomain.StateNeedsOnboarding, result.Resolution.State)
	assert.True(t, result.WelcomeSent)
	assert.True(t, result.PromptSent)
	assert.True(t, result.OnboardingRoleGranted)
	assert.NotZero(t, result.DMChannelID)

	dms := community.DirectMessages(memberID)
	require.Len(t, dms, 2)
	assert.True(t, strings.HasPrefix(dms[0].Message.Content, "Hey Ada, willkommen auf dem _Test Guild_ Discord!"))
	assert.Nil(t, dms[0].Message.Widget)
	require.NotNil(t, dms[1].Message.Widget)
	assert.Equal(t, memberdomain.WidgetRolePrompt, dms[1].Message.Widget.Kind)
	assert.Len(t, dms[1].Message.Widget.Options, 2)

	member, ok := community.Snapshot(memberID)
	require.True(t, ok)
	assert.Equal(t, memberdomain.NewRoleSet(guildID, onboardingRoleID), member.Roles)
	assert.Equal(t, memberdomain.StateInOnboarding, memberdomain.Resolve(member, testConfig().Policy()).State)
}

func TestFullOnboardTwiceIsIdempotent(t *testing.T) {
	community := newCommunity(t)
	community.AddMember(newcomer())
	svc := newTestService(t, community, nil)
	ctx := context.Background()

	_, err := svc.FullOnboard(ctx, memberID)
	require.NoError(t, err)
	second, err := svc.FullOnboard(ctx, memberID)
	require.NoError(t, err)

	assert.Equal(t, memberdomain.StateInOnboarding, second.Resolution.State)
	assert.False(t, second.WelcomeSent)
	assert.True(t, second.PromptSent)
	assert.False(t, second.OnboardingRoleGranted)

	welcomes, prompts := 0, 0
	for _, dm := range community.DirectMessages(memberID) {
		if dm.Message.Widget == nil {
			welcomes++
		} else {
			prompts++
		}
	}
	assert.Equal(t, 1, welcomes)
	assert.LessOrEqual(t, prompts, 2)
	assert.Equal(t, 1, community.Calls(discordtest.OpAddRole))
}

func TestFullOnboardLeavesOtherStatesAlone(t *testing.T) {
	cases := []struct {
		name   string
		member memberdomain.Member
		state  memberdomain.State
	}{
		{
			name: "pending",
			member: func() memberdomain.Member {
				m := newcomer()
				m.PendingEntry = true
				return m
			}(),
			state: memberdomain.StateNotYetEntered,
		},
		{
			name:   "verified",
			member: newcomer(roleStudent),
			state:  memberdomain.StateVerified,
		},
		{
			name: "legacy",
			member: func() memberdomain.Member {
				m := newcomer()
				m.JoinedAt = cutoff
				return m
			}(),
			state: memberdomain.StateVerified,
		},
		{
			name:   "inconsistent",
			member: newcomer(onboardingRoleID, roleGuest),
			state:  memberdomain.StateVerified,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			community := newCommunity(t)
			community.AddMember(tc.member)
			svc := newTestService(t, community, nil)

			result, err := svc.FullOnboard(context.Background(), memberID)
			require.NoError(t, err)
			assert.Equal(t, tc.state, result.Resolution.State)
			assert.False(t, result.Acted())
			assert.Empty(t, community.DirectMessages(memberID))
			assert.Zero(t, community.Calls(discordtest.OpAddRole))
		})
	}
}

func TestFullOnboardAbortsOnTransportError(t *testing.T) {
	community := newCommunity(t)
	community.AddMember(newcomer())
	community.FailNext(discordtest.OpSendDM, 1)
	svc := newTestService(t, community, nil)
	ctx := context.Background()

	result, err := svc.FullOnboard(ctx, memberID)
	var te *discord.TransportError
	require.ErrorAs(t, err, &te)
	assert.False(t, result.WelcomeSent)
	assert.Zero(t, community.Calls(discordtest.OpAddRole))

	member, _ := community.Snapshot(memberID)
	assert.Equal(t, memberdomain.StateNeedsOnboarding, memberdomain.Resolve(member, testConfig().Policy()).State)

	result, err = svc.FullOnboard(ctx, memberID)
	require.NoError(t, err)
	assert.True(t, result.WelcomeSent)
	assert.True(t, result.OnboardingRoleGranted)
}

func TestFullOnboardMissingMember(t *testing.T) {
	svc := newTestService(t, newCommunity(t), nil)

	_, err := svc.FullOnboard(context.Background(), memberID)
	require.Error(t, err)
	assert.True(t, discord.IsNotFound(err))
}

type providerMock struct {
	mock.Mock
}

func (m *providerMock) Community(ctx context.Context, id snowflake.ID) (memberdomain.Community, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(memberdomain.Community), args.Error(1)
}

func (m *providerMock) Members(ctx context.Context, id snowflake.ID) iter.Seq2[memberdomain.Member, error] {
	args := m.Called(ctx, id)
	return args.Get(0).(iter.Seq2[memberdomain.Member, error])
}

func (m *providerMock) Member(ctx context.Context, gid, uid snowflake.ID) (memberdomain.Member, error) {
	args := m.Called(ctx, gid, uid)
	return args.Get(0).(memberdomain.Member), args.Error(1)
}

func (m *providerMock) AddRole(ctx context.Context, gid, uid, rid snowflake.ID) error {
	return m.Called(ctx, gid, uid, rid).Error(0)
}

func (m *providerMock) RemoveRole(ctx context.Context, gid, uid, rid snowflake.ID) error {
	return m.Called(ctx, gid, uid, rid).Error(0)
}

func (m *providerMock) SendDirectMessage(ctx context.Context, uid snowflake.ID, msg memberdomain.OutgoingMessage) (snowflake.ID, error) {
	args := m.Called(ctx, uid, msg)
	return args.Get(0).(snowflake.ID), args.Error(1)
}

func (m *providerMock) SendChannelMessage(ctx context.Context, cid snowflake.ID, msg memberdomain.OutgoingMessage) error {
	return m.Called(ctx, cid, msg).Error(0)
}

func (m *providerMock) PurgeChannel(ctx context.Context, cid snowflake.ID) error {
	return m.Called(ctx, cid).Error(0)
}

func (m *providerMock) RecentMessages(ctx context.Context, cid snowflake.ID, limit int) iter.Seq2[memberdomain.Message, error] {
	args := m.Called(ctx, cid, limit)
	return args.Get(0).(iter.Seq2[memberdomain.Message, error])
}

func TestFullOnboardPromptFailureSkipsRoleGrant(t *testing.T) {
	provider := &providerMock{}
	ctx := context.Background()
	sendErr := &discord.TransportError{Op: "send_dm", Err: errors.New("connection reset")}

	provider.On("Member", mock.Anything, guildID, memberID).Return(newcomer(guildID), nil)
	provider.On("Community", mock.Anything, guildID).Return(memberdomain.Community{ID: guildID, Name: "Test Guild"}, nil)
	provider.On("SendDirectMessage", mock.Anything, memberID, mock.MatchedBy(func(msg memberdomain.OutgoingMessage) bool {
		return msg.Widget == nil
	})).Return(snowflake.ID(77), nil).Once()
	provider.On("SendDirectMessage", mock.Anything, memberID, mock.MatchedBy(func(msg memberdomain.OutgoingMessage) bool {
		return msg.Widget != nil
	})).Return(snowflake.ID(0), sendErr).Once()

	svc := newTestService(t, provider, nil)
	result, err := svc.FullOnboard(ctx, memberID)

	require.ErrorIs(t, err, sendErr)
	assert.True(t, result.WelcomeSent)
	assert.False(t, result.PromptSent)
	assert.False(t, result.OnboardingRoleGranted)
	provider.AssertExpectations(t)
	provider.AssertNotCalled(t, "AddRole", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestResendPrompt(t *testing.T) {
	community := newCommunity(t)
	community.AddMember(newcomer(onboardingRoleID))
	svc := newTestService(t, community, nil)

	result, err := svc.ResendPrompt(context.Background(), memberID)
	require.NoError(t, err)
	assert.True(t, result.PromptSent)
	assert.False(t, result.WelcomeSent)

	dms := community.DirectMessages(memberID)
	require.Len(t, dms, 1)
	require.NotNil(t, dms[0].Message.Widget)
}

func TestResendPromptRefusesNotEntered(t *testing.T) {
	community := newCommunity(t)
	m := newcomer()
	m.PendingEntry = true
	community.AddMember(m)
	svc := newTestService(t, community, nil)

	_, err := svc.ResendPrompt(context.Background(), memberID)
	assert.ErrorIs(t, err, domain.ErrNotEntered)
	assert.Empty(t, community.DirectMessages(memberID))
}

func TestCompleteMovesMemberToVerified(t *testing.T) {
	community := newCommunity(t)
	community.AddMember(newcomer(onboardingRoleID))
	svc := newTestService(t, community, nil)

	result, err := svc.Complete(context.Background(), memberID, []snowflake.ID{roleStudent, roleStudent})
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{roleStudent}, result.RolesGranted)
	assert.Empty(t, result.RolesRemoved)
	assert.True(t, result.OnboardingRoleRemoved)

	member, _ := community.Snapshot(memberID)
	assert.Equal(t, memberdomain.NewRoleSet(guildID, roleStudent), member.Roles)

	res := memberdomain.Resolve(member, testConfig().Policy())
	assert.Equal(t, memberdomain.StateVerified, res.State)
	assert.False(t, res.Inconsistent)
}

func TestCompleteReplacesPreviousSelection(t *testing.T) {
	community := newCommunity(t)
	community.AddMember(newcomer(roleStudent))
	svc := newTestService(t, community, nil)

	result, err := svc.Complete(context.Background(), memberID, []snowflake.ID{roleGuest})
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{roleGuest}, result.RolesGranted)
	assert.Equal(t, []snowflake.ID{roleStudent}, result.RolesRemoved)
	assert.False(t, result.OnboardingRoleRemoved)

	member, _ := community.Snapshot(memberID)
	assert.Equal(t, memberdomain.NewRoleSet(guildID, roleGuest), member.Roles)
}

func TestCompleteRejectsInvalidSelection(t *testing.T) {
	community := newCommunity(t)
	community.AddMember(newcomer(onboardingRoleID))
	svc := newTestService(t, community, nil)
	ctx := context.Background()

	for _, selection := range [][]snowflake.ID{nil, {onboardingRoleID}, {roleStudent, 12345}} {
		_, err := svc.Complete(ctx, memberID, selection)
		assert.ErrorIs(t, err, domain.ErrInvalidSelection)
	}
	assert.Zero(t, community.Calls(discordtest.OpAddRole))
	assert.Zero(t, community.Calls(discordtest.OpGetMember))
}

func TestCompleteRefusesPendingMember(t *testing.T) {
	community := newCommunity(t)
	m := newcomer()
	m.PendingEntry = true
	community.AddMember(m)
	svc := newTestService(t, community, nil)

	_, err := svc.Complete(context.Background(), memberID, []snowflake.ID{roleGuest})
	assert.ErrorIs(t, err, domain.ErrNotEntered)
}

func TestEnter(t *testing.T) {
	t.Run("needs_onboarding", func(t *testing.T) {
		community := newCommunity(t)
		community.AddMember(newcomer())
		svc := newTestService(t, community, nil)

		result, err := svc.Enter(context.Background(), memberID)
		require.NoError(t, err)
		assert.True(t, result.WelcomeSent)
		assert.True(t, result.OnboardingRoleGranted)
	})

	t.Run("in_onboarding", func(t *testing.T) {
		community := newCommunity(t)
		community.AddMember(newcomer(onboardingRoleID))
		svc := newTestService(t, community, nil)

		result, err := svc.Enter(context.Background(), memberID)
		require.NoError(t, err)
		assert.False(t, result.WelcomeSent)
		assert.True(t, result.PromptSent)
	})

	t.Run("legacy_member_can_pick_roles", func(t *testing.T) {
		community := newCommunity(t)
		m := newcomer()
		m.JoinedAt = cutoff.Add(-time.Hour)
		community.AddMember(m)
		svc := newTestService(t, community, nil)

		result, err := svc.Enter(context.Background(), memberID)
		require.NoError(t, err)
		assert.True(t, result.Resolution.Legacy)
		assert.True(t, result.PromptSent)
		assert.False(t, result.OnboardingRoleGranted)
	})

	t.Run("pending", func(t *testing.T) {
		community := newCommunity(t)
		m := newcomer()
		m.PendingEntry = true
		community.AddMember(m)
		svc := newTestService(t, community, nil)

		_, err := svc.Enter(context.Background(), memberID)
		assert.ErrorIs(t, err, domain.ErrNotEntered)
	})
}

func newDMLimiter(t *testing.T, burst int) (*ratelimit.DMLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return ratelimit.NewDMLimiter(config.Config{Redis: config.RedisConfig{DMRate: 0.001, DMBurst: burst}}, client), mr
}

func welcomes(sent []discordtest.Sent) int {
	n := 0
	for _, msg := range sent {
		if msg.Message.Widget == nil {
			n++
		}
	}
	return n
}

func TestDirectMessagesAreThrottled(t *testing.T) {
	limiter, _ := newDMLimiter(t, 2)
	ok, err := limiter.AllowDM(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	community := newCommunity(t)
	community.AddMember(newcomer())
	svc := newTestService(t, community, limiter)

	result, err := svc.FullOnboard(context.Background(), memberID)

	var te *discord.TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, discord.ErrThrottled)
	assert.Equal(t, "rate_limited", te.MetricReason())
	assert.False(t, result.WelcomeSent)
	assert.False(t, result.PromptSent)
	assert.Empty(t, community.DirectMessages(memberID))
}

func TestThrottledOnboardingSendsOneWelcome(t *testing.T) {
	limiter, mr := newDMLimiter(t, 2)
	ok, err := limiter.AllowDM(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	community := newCommunity(t)
	community.AddMember(newcomer())
	svc := newTestService(t, community, limiter)
	ctx := context.Background()

	_, err = svc.FullOnboard(ctx, memberID)
	require.ErrorIs(t, err, discord.ErrThrottled)

	mr.FlushAll()
	result, err := svc.FullOnboard(ctx, memberID)
	require.NoError(t, err)
	assert.True(t, result.WelcomeSent)
	assert.True(t, result.PromptSent)
	assert.True(t, result.OnboardingRoleGranted)

	mr.FlushAll()
	result, err = svc.FullOnboard(ctx, memberID)
	require.NoError(t, err)
	assert.False(t, result.WelcomeSent)
	assert.True(t, result.PromptSent)

	sent := community.DirectMessages(memberID)
	assert.Len(t, sent, 3)
	assert.Equal(t, 1, welcomes(sent))
}

func TestBurstOfOneStillAdmitsFullSequence(t *testing.T) {
	limiter, _ := newDMLimiter(t, 1)

	community := newCommunity(t)
	community.AddMember(newcomer())
	svc := newTestService(t, community, limiter)

	result, err := svc.FullOnboard(context.Background(), memberID)
	require.NoError(t, err)
	assert.True(t, result.WelcomeSent)
	assert.True(t, result.PromptSent)
	assert.True(t, result.OnboardingRoleGranted)

	_, err = svc.ResendPrompt(context.Background(), memberID)
	assert.ErrorIs(t, err, discord.ErrThrottled)
	assert.Len(t, community.DirectMessages(memberID), 2)
}

func TestPromptCarriesSelectableRoles(t *testing.T) {
	svc := newTestService(t, newCommunity(t), nil)

	msg := svc.Prompt(true)
	assert.True(t, msg.Ephemeral)
	require.NotNil(t, msg.Widget)
	assert.Equal(t, config.DefaultMessages().Prompt, msg.Content)
	assert.Equal(t, testConfig().SelectableRoles, msg.Widget.Options)
}
