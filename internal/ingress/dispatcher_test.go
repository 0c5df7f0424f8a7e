package ingress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	memberdomain "github.com/smallbiznis/gatekeeper/internal/member/domain"
	obsmetrics "github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	onboardingservice "github.com/smallbiznis/gatekeeper/internal/onboarding/service"
	"github.com/smallbiznis/gatekeeper/internal/providers/discord"
	"github.com/smallbiznis/gatekeeper/internal/providers/discord/discordtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	guildID          snowflake.ID = 1000
	onboardingRoleID snowflake.ID = 2000
	roleStudent      snowflake.ID = 3001
	userID           snowflake.ID = 42
)

var (
	cutoff = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now    = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

type replies struct {
	mu   sync.Mutex
	sent []memberdomain.OutgoingMessage
}

func (r *replies) reply(_ context.Context, msg memberdomain.OutgoingMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *replies) all() []memberdomain.OutgoingMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]memberdomain.OutgoingMessage(nil), r.sent...)
}

type harness struct {
	dispatcher *Dispatcher
	community  *discordtest.Community
	clock      *clock.FakeClock
	messages   config.Messages
}

func onboardingConfig() config.OnboardingConfig {
	return config.OnboardingConfig{
		GuildID:          guildID,
		BaseRoleID:       guildID,
		OnboardingRoleID: onboardingRoleID,
		SelectableRoles: []memberdomain.RoleOption{
			{RoleID: roleStudent, Label: "Student"},
		},
		EntryChannelID:       9000,
		SweepIntervalMinutes: 10,
		NotBefore:            cutoff,
		HistoryWindow:        20,
		InteractionTTL:       15 * time.Minute,
	}
}

func newHarness(t *testing.T, queueSize int) harness {
	t.Helper()
	cfg := onboardingConfig()
	clk := clock.NewFakeClock(now)
	community := discordtest.New(guildID, "Test Guild", clk, cfg.InteractionTTL)
	msgs := config.NewStaticMessages(config.DefaultMessages())

	executor := onboardingservice.New(onboardingservice.Params{
		Log:      zap.NewNop(),
		Provider: community,
		Config:   cfg,
		Messages: msgs,
	})
	d := NewDispatcher(Params{
		Log:        zap.NewNop(),
		Executor:   executor,
		Onboarding: cfg,
		Messages:   msgs,
		Clock:      clk,
		Config:     Config{QueueSize: queueSize},
	})
	return harness{dispatcher: d, community: community, clock: clk, messages: msgs.Get()}
}

func (h harness) process(t *testing.T, ev Event) (string, error) {
	t.Helper()
	env := envelope{id: "test", receivedAt: h.clock.Now(), event: ev}
	return h.dispatcher.dispatch(context.Background(), env)
}

func newcomer(pending bool, roles ...snowflake.ID) memberdomain.Member {
	return memberdomain.Member{
		ID:           userID,
		DisplayName:  "Ada",
		Roles:        memberdomain.NewRoleSet(roles...),
		PendingEntry: pending,
		JoinedAt:     now.Add(-time.Hour),
	}
}

func TestMemberUpdateOnboardsWhenEntryScreenAccepted(t *testing.T) {
	h := newHarness(t, 0)
	h.community.AddMember(newcomer(false))
	before := newcomer(true)

	outcome, err := h.process(t, MemberUpdate{GuildID: guildID, Before: &before, After: newcomer(false)})
	require.NoError(t, err)
	assert.Equal(t, obsmetrics.IngressOutcomeHandled, outcome)

	assert.Len(t, h.community.DirectMessages(userID), 2)
	m, _ := h.community.Snapshot(userID)
	assert.True(t, m.Roles.Has(onboardingRoleID))
}

func TestMemberUpdateIgnored(t *testing.T) {
	pending := newcomer(true)
	entered := newcomer(false)

	cases := []struct {
		name string
		ev   MemberUpdate
	}{
		{name: "other_guild", ev: MemberUpdate{GuildID: 999, Before: &pending, After: entered}},
		{name: "no_previous_snapshot", ev: MemberUpdate{GuildID: guildID, After: entered}},
		{name: "no_transition", ev: MemberUpdate{GuildID: guildID, Before: &entered, After: entered}},
		{name: "still_pending", ev: MemberUpdate{GuildID: guildID, Before: &pending, After: pending}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 0)
			h.community.AddMember(entered)

			outcome, err := h.process(t, tc.ev)
			require.NoError(t, err)
			assert.Equal(t, obsmetrics.IngressOutcomeIgnored, outcome)
			assert.Empty(t, h.community.DirectMessages(userID))
		})
	}
}

func TestMemberUpdateFailureIsReported(t *testing.T) {
	h := newHarness(t, 0)
	h.community.AddMember(newcomer(false))
	h.community.FailNext(discordtest.OpSendDM, 1)
	before := newcomer(true)

	outcome, err := h.process(t, MemberUpdate{GuildID: guildID, Before: &before, After: newcomer(false)})
	var te *discord.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, obsmetrics.IngressOutcomeFailed, outcome)
}

func TestStartClick(t *testing.T) {
	t.Run("sends_prompt", func(t *testing.T) {
		h := newHarness(t, 0)
		h.community.AddMember(newcomer(false, onboardingRoleID))
		r := &replies{}

		outcome, err := h.process(t, ComponentClick{GuildID: guildID, UserID: userID, CustomID: discord.CustomIDStart, Reply: r.reply})
		require.NoError(t, err)
		assert.Equal(t, obsmetrics.IngressOutcomeHandled, outcome)
		require.Len(t, r.all(), 1)
		assert.Equal(t, h.messages.ReplyEnter, r.all()[0].Content)
		assert.True(t, r.all()[0].Ephemeral)
		assert.Len(t, h.community.DirectMessages(userID), 1)
	})

	t.Run("pending_member_is_refused", func(t *testing.T) {
		h := newHarness(t, 0)
		h.community.AddMember(newcomer(true))
		r := &replies{}

		outcome, err := h.process(t, ComponentClick{GuildID: guildID, UserID: userID, CustomID: discord.CustomIDStart, Reply: r.reply})
		require.NoError(t, err)
		assert.Equal(t, obsmetrics.IngressOutcomeIgnored, outcome)
		require.Len(t, r.all(), 1)
		assert.Equal(t, h.messages.ReplyNotEntered, r.all()[0].Content)
		assert.Empty(t, h.community.DirectMessages(userID))
	})
}

func TestSelectClickCompletesOnboarding(t *testing.T) {
	h := newHarness(t, 0)
	h.community.AddMember(newcomer(false, onboardingRoleID))
	r := &replies{}

	outcome, err := h.process(t, ComponentClick{
		UserID:   userID,
		CustomID: discord.CustomIDSelect,
		Values:   []snowflake.ID{roleStudent},
		IssuedAt: now.Add(-time.Minute),
		Reply:    r.reply,
	})
	require.NoError(t, err)
	assert.Equal(t, obsmetrics.IngressOutcomeHandled, outcome)
	assert.Equal(t, h.messages.ReplySaved, r.all()[0].Content)

	m, _ := h.community.Snapshot(userID)
	assert.Equal(t, memberdomain.NewRoleSet(guildID, roleStudent), m.Roles)
}

func TestSelectClickOnExpiredPromptResends(t *testing.T) {
	h := newHarness(t, 0)
	h.community.AddMember(newcomer(false, onboardingRoleID))
	r := &replies{}

	outcome, err := h.process(t, ComponentClick{
		UserID:   userID,
		CustomID: discord.CustomIDSelect,
		Values:   []snowflake.ID{roleStudent},
		IssuedAt: now.Add(-15 * time.Minute),
		Reply:    r.reply,
	})
	require.NoError(t, err)
	assert.Equal(t, obsmetrics.IngressOutcomeHandled, outcome)
	assert.Equal(t, h.messages.ReplyExpired, r.all()[0].Content)

	m, _ := h.community.Snapshot(userID)
	assert.True(t, m.Roles.Has(onboardingRoleID))
	assert.False(t, m.Roles.Has(roleStudent))
	require.Len(t, h.community.DirectMessages(userID), 1)
	assert.NotNil(t, h.community.DirectMessages(userID)[0].Message.Widget)
}

func TestSelectClickRejectsUnknownRole(t *testing.T) {
	h := newHarness(t, 0)
	h.community.AddMember(newcomer(false, onboardingRoleID))
	r := &replies{}

	outcome, err := h.process(t, ComponentClick{
		UserID:   userID,
		CustomID: discord.CustomIDSelect,
		Values:   []snowflake.ID{onboardingRoleID},
		IssuedAt: now,
		Reply:    r.reply,
	})
	require.NoError(t, err)
	assert.Equal(t, obsmetrics.IngressOutcomeIgnored, outcome)
	assert.Equal(t, h.messages.ReplyFailed, r.all()[0].Content)
}

func TestClickReplyFailureIsReturned(t *testing.T) {
	h := newHarness(t, 0)
	h.community.AddMember(newcomer(false, onboardingRoleID))
	broken := errors.New("unknown webhook")

	outcome, err := h.process(t, ComponentClick{
		UserID:   userID,
		CustomID: discord.CustomIDStart,
		Reply: func(context.Context, memberdomain.OutgoingMessage) error {
			return broken
		},
	})
	assert.ErrorIs(t, err, broken)
	assert.Equal(t, obsmetrics.IngressOutcomeFailed, outcome)
}

func TestUpdateBaseRolesCommand(t *testing.T) {
	for _, tc := range []struct {
		options   map[string]string
		ephemeral bool
	}{
		{options: nil, ephemeral: true},
		{options: map[string]string{OptionMode: ModeSilent}, ephemeral: true},
		{options: map[string]string{OptionMode: ModeLoud}, ephemeral: false},
	} {
		h := newHarness(t, 0)
		r := &replies{}

		outcome, err := h.process(t, Command{GuildID: guildID, UserID: userID, Name: CommandUpdateBaseRoles, Options: tc.options, Reply: r.reply})
		require.NoError(t, err)
		assert.Equal(t, obsmetrics.IngressOutcomeHandled, outcome)

		sent := r.all()
		require.Len(t, sent, 1)
		require.NotNil(t, sent[0].Widget)
		assert.Equal(t, memberdomain.WidgetRolePrompt, sent[0].Widget.Kind)
		assert.Equal(t, tc.ephemeral, sent[0].Ephemeral)
	}
}

func TestPingCommand(t *testing.T) {
	h := newHarness(t, 0)
	r := &replies{}

	_, err := h.process(t, Command{Name: CommandPing, Latency: 42 * time.Millisecond, Reply: r.reply})
	require.NoError(t, err)
	assert.Equal(t, "Bot is available `42ms`", r.all()[0].Content)
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	registry := prometheus.NewRegistry()
	oldRegisterer := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = registry
	obsmetrics.ResetSchedulerMetricsForTest()
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = oldRegisterer
		obsmetrics.ResetSchedulerMetricsForTest()
	})

	h := newHarness(t, 1)
	assert.True(t, h.dispatcher.Submit(MemberUpdate{GuildID: guildID}))
	assert.False(t, h.dispatcher.Submit(MemberUpdate{GuildID: guildID}))

	count, err := testutil.GatherAndCount(registry, "gatekeeper_ingress_dropped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunHandlesEventsInOrder(t *testing.T) {
	h := newHarness(t, 0)
	h.community.AddMember(newcomer(false))
	before := newcomer(true)
	r := &replies{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.dispatcher.Run(ctx)
	}()

	require.True(t, h.dispatcher.Submit(MemberUpdate{GuildID: guildID, Before: &before, After: newcomer(false)}))
	require.True(t, h.dispatcher.Submit(ComponentClick{
		UserID:   userID,
		CustomID: discord.CustomIDSelect,
		Values:   []snowflake.ID{roleStudent},
		IssuedAt: now,
		Reply:    r.reply,
	}))

	require.Eventually(t, func() bool { return len(r.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, h.messages.ReplySaved, r.all()[0].Content)

	m, _ := h.community.Snapshot(userID)
	assert.Equal(t, memberdomain.NewRoleSet(guildID, roleStudent), m.Roles)

	cancel()
	<-done
}
