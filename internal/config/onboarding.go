package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	memberdomain "github.com/smallbiznis/gatekeeper/internal/member/domain"
	"github.com/spf13/viper"
)

const (
	keyGuildID          = "onboarding.guild_id"
	keyBaseRoleID       = "onboarding.base_role_id"
	keyOnboardingRoleID = "onboarding.onboarding_role_id"
	keySelectableRoles  = "onboarding.selectable_roles"
	keyEntryChannelID   = "onboarding.entry_channel_id"
	keyReportChannelID  = "onboarding.report_channel_id"
	keySweepInterval    = "onboarding.sweep_interval_minutes"
	keyNotBefore        = "onboarding.not_before"
	keyHistoryWindow    = "onboarding.history_window"
	keyInteractionTTL   = "onboarding.interaction_ttl"

	// Discord caps select menus at 25 options and history pages at 100 messages.
	maxSelectableRoles = 25
	maxHistoryWindow   = 100
)

// OnboardingConfig is the managed community's setup. It is read once at
// startup and never changes afterwards.
type OnboardingConfig struct {
	GuildID          snowflake.ID
	BaseRoleID       snowflake.ID
	OnboardingRoleID snowflake.ID
	SelectableRoles  []memberdomain.RoleOption
	EntryChannelID   snowflake.ID
	// ReportChannelID receives sweep summaries when set.
	ReportChannelID      snowflake.ID
	SweepIntervalMinutes int
	NotBefore            time.Time
	HistoryWindow        int
	InteractionTTL       time.Duration
}

func (c OnboardingConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

func (c OnboardingConfig) Policy() memberdomain.Policy {
	return memberdomain.Policy{
		DefaultRoleID:    c.GuildID,
		BaseRoleID:       c.BaseRoleID,
		OnboardingRoleID: c.OnboardingRoleID,
		NotBefore:        c.NotBefore,
	}
}

// Selectable reports whether roleID is one of the roles members may pick.
func (c OnboardingConfig) Selectable(roleID snowflake.ID) bool {
	for _, opt := range c.SelectableRoles {
		if opt.RoleID == roleID {
			return true
		}
	}
	return false
}

// Source is the gatekeeper.yml file plus GATEKEEPER_* environment overrides.
type Source struct {
	v *viper.Viper
}

// NewSource locates and reads gatekeeper.yml. A missing file is not an error
// as long as the environment supplies every required key.
func NewSource() (*Source, error) {
	v := viper.New()

	if path := strings.TrimSpace(os.Getenv("GATEKEEPER_CONFIG")); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gatekeeper")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/gatekeeper")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("GATEKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, invalid("file", "unreadable", err)
		}
	}
	return &Source{v: v}, nil
}

// NewSourceFromViper wraps an already populated viper instance.
func NewSourceFromViper(v *viper.Viper) *Source {
	setDefaults(v)
	return &Source{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyGuildID, "")
	v.SetDefault(keyBaseRoleID, "")
	v.SetDefault(keyOnboardingRoleID, "")
	v.SetDefault(keyEntryChannelID, "")
	v.SetDefault(keyReportChannelID, "")
	v.SetDefault(keySweepInterval, 10)
	v.SetDefault(keyNotBefore, "")
	v.SetDefault(keyHistoryWindow, 20)
	v.SetDefault(keyInteractionTTL, "15m")

	defaults := DefaultMessages()
	v.SetDefault(keyWelcome, defaults.Welcome)
	v.SetDefault(keyPrompt, defaults.Prompt)
	v.SetDefault(keyPromptPlaceholder, defaults.PromptPlaceholder)
	v.SetDefault(keyEntry, defaults.Entry)
	v.SetDefault(keyEntryButton, defaults.EntryButton)
	v.SetDefault(keyReport, defaults.Report)
	v.SetDefault(keyReplyEnter, defaults.ReplyEnter)
	v.SetDefault(keyReplySaved, defaults.ReplySaved)
	v.SetDefault(keyReplyExpired, defaults.ReplyExpired)
	v.SetDefault(keyReplyNotEntered, defaults.ReplyNotEntered)
	v.SetDefault(keyReplyFailed, defaults.ReplyFailed)
}

type rawRoleOption struct {
	RoleID      string `mapstructure:"role_id"`
	Label       string `mapstructure:"label"`
	Description string `mapstructure:"description"`
}

// LoadOnboarding validates the onboarding section. Every problem is reported
// as a *ConfigurationError, joined together.
func LoadOnboarding(src *Source) (OnboardingConfig, error) {
	v := src.v
	var errs []error

	cfg := OnboardingConfig{
		GuildID:              requireID(v, keyGuildID, &errs),
		BaseRoleID:           optionalID(v, keyBaseRoleID, &errs),
		OnboardingRoleID:     requireID(v, keyOnboardingRoleID, &errs),
		EntryChannelID:       requireID(v, keyEntryChannelID, &errs),
		ReportChannelID:      optionalID(v, keyReportChannelID, &errs),
		SweepIntervalMinutes: v.GetInt(keySweepInterval),
		HistoryWindow:        v.GetInt(keyHistoryWindow),
	}
	if cfg.BaseRoleID == 0 {
		cfg.BaseRoleID = cfg.GuildID
	}

	if raw := strings.TrimSpace(v.GetString(keyNotBefore)); raw == "" {
		errs = append(errs, invalid(keyNotBefore, "is required", nil))
	} else if ts, err := time.Parse(time.RFC3339, raw); err != nil {
		errs = append(errs, invalid(keyNotBefore, "must be RFC3339", err))
	} else {
		cfg.NotBefore = ts.UTC()
	}

	if ttl, err := time.ParseDuration(strings.TrimSpace(v.GetString(keyInteractionTTL))); err != nil {
		errs = append(errs, invalid(keyInteractionTTL, "must be a duration", err))
	} else if ttl <= 0 {
		errs = append(errs, invalid(keyInteractionTTL, "must be positive", nil))
	} else {
		cfg.InteractionTTL = ttl
	}

	if cfg.SweepIntervalMinutes <= 0 {
		errs = append(errs, invalid(keySweepInterval, "must be positive", nil))
	}
	if cfg.HistoryWindow <= 0 || cfg.HistoryWindow > maxHistoryWindow {
		errs = append(errs, invalid(keyHistoryWindow, fmt.Sprintf("must be between 1 and %d", maxHistoryWindow), nil))
	}

	cfg.SelectableRoles = loadSelectableRoles(v, cfg, &errs)

	if len(errs) > 0 {
		return OnboardingConfig{}, errors.Join(errs...)
	}
	return cfg, nil
}

func loadSelectableRoles(v *viper.Viper, cfg OnboardingConfig, errs *[]error) []memberdomain.RoleOption {
	var raw []rawRoleOption
	if err := v.UnmarshalKey(keySelectableRoles, &raw); err != nil {
		*errs = append(*errs, invalid(keySelectableRoles, "malformed", err))
		return nil
	}
	if len(raw) == 0 {
		*errs = append(*errs, invalid(keySelectableRoles, "needs at least one role", nil))
		return nil
	}
	if len(raw) > maxSelectableRoles {
		*errs = append(*errs, invalid(keySelectableRoles, fmt.Sprintf("at most %d roles", maxSelectableRoles), nil))
		return nil
	}

	seen := make(map[snowflake.ID]struct{}, len(raw))
	out := make([]memberdomain.RoleOption, 0, len(raw))
	for i, item := range raw {
		key := fmt.Sprintf("%s[%d]", keySelectableRoles, i)
		id, err := snowflake.ParseString(strings.TrimSpace(item.RoleID))
		if err != nil || id <= 0 {
			*errs = append(*errs, invalid(key+".role_id", "must be a snowflake", err))
			continue
		}
		if id == cfg.OnboardingRoleID || id == cfg.BaseRoleID {
			*errs = append(*errs, invalid(key+".role_id", "cannot be the onboarding or base role", nil))
			continue
		}
		if _, dup := seen[id]; dup {
			*errs = append(*errs, invalid(key+".role_id", "duplicate", nil))
			continue
		}
		seen[id] = struct{}{}

		label := strings.TrimSpace(item.Label)
		if label == "" {
			*errs = append(*errs, invalid(key+".label", "is required", nil))
			continue
		}
		out = append(out, memberdomain.RoleOption{
			RoleID:      id,
			Label:       label,
			Description: strings.TrimSpace(item.Description),
		})
	}
	return out
}

func requireID(v *viper.Viper, key string, errs *[]error) snowflake.ID {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		*errs = append(*errs, invalid(key, "is required", nil))
		return 0
	}
	return parseID(key, raw, errs)
}

func optionalID(v *viper.Viper, key string, errs *[]error) snowflake.ID {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0
	}
	return parseID(key, raw, errs)
}

func parseID(key, raw string, errs *[]error) snowflake.ID {
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		*errs = append(*errs, invalid(key, "must be a snowflake", err))
		return 0
	}
	return id
}
