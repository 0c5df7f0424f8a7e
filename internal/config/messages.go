package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"text/template"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	keyWelcome           = "messages.welcome"
	keyPrompt            = "messages.prompt"
	keyPromptPlaceholder = "messages.prompt_placeholder"
	keyEntry             = "messages.entry"
	keyEntryButton       = "messages.entry_button"
	keyReport            = "messages.report"
	keyReplyEnter        = "messages.reply_enter"
	keyReplySaved        = "messages.reply_saved"
	keyReplyExpired      = "messages.reply_expired"
	keyReplyNotEntered   = "messages.reply_not_entered"
	keyReplyFailed       = "messages.reply_failed"
)

// Messages are the user-facing texts. Welcome and Report are text/template
// sources; the rest are sent verbatim.
type Messages struct {
	Welcome           string
	Prompt            string
	PromptPlaceholder string
	Entry             string
	EntryButton       string
	Report            string

	// Ephemeral answers to button and menu clicks.
	ReplyEnter      string
	ReplySaved      string
	ReplyExpired    string
	ReplyNotEntered string
	ReplyFailed     string
}

func DefaultMessages() Messages {
	return Messages{
		Welcome: "Hey {{.DisplayName}}, willkommen auf dem _{{.CommunityName}}_ Discord!\n\n" +
			"Bei Fragen kannst du dich jederzeit an uns wenden.\n" +
			"~Die Serverleitung",
		Prompt: "Bitte wähle hier aus, was auf dich zutrifft.\n" +
			"Ignorier diese Nachricht, wenn du dies bereits auf dem Server gemacht hast :)",
		PromptPlaceholder: "Was trifft auf dich zu?",
		Entry: "Klick auf den Button und wähle die Optionen, die auf dich zutreffen.\n" +
			"Bei Problemen wende dich bitte an die Serverleitung :)",
		EntryButton: "Freischalten",
		Report: "{{if .Onboarded}}Verified {{.Onboarded}} member that accepted the rules but didn't get the roles\n{{end}}" +
			"{{if .Reprompted}}Sent {{.Reprompted}} members new interaction message{{end}}",
		ReplyEnter:      "Ich habe dir eine Direktnachricht geschickt :)",
		ReplySaved:      "Deine Rollen wurden aktualisiert.",
		ReplyExpired:    "Diese Auswahl ist abgelaufen. Ich habe dir eine neue geschickt.",
		ReplyNotEntered: "Bitte akzeptiere zuerst die Serverregeln.",
		ReplyFailed:     "Das hat leider nicht geklappt. Bitte versuch es später noch einmal oder wende dich an die Serverleitung.",
	}
}

// WelcomeData feeds the welcome template.
type WelcomeData struct {
	DisplayName   string
	CommunityName string
}

// ReportData feeds the sweep report template.
type ReportData struct {
	Onboarded  int
	Reprompted int
}

func (m Messages) RenderWelcome(data WelcomeData) (string, error) {
	return render(keyWelcome, m.Welcome, data)
}

func (m Messages) RenderReport(data ReportData) (string, error) {
	return render(keyReport, m.Report, data)
}

func render(name, source string, data any) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(source)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", name, err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(b.String()), nil
}

type MessagesHolder struct {
	current atomic.Value // holds Messages
}

// NewMessagesHolder reads the messages section and keeps it fresh while the
// file changes. Invalid edits are logged and ignored.
func NewMessagesHolder(src *Source, log *zap.Logger) (*MessagesHolder, error) {
	v := src.v
	msgs := readMessages(v)
	if err := validateMessages(msgs); err != nil {
		return nil, err
	}

	holder := &MessagesHolder{}
	holder.current.Store(msgs)

	if v.ConfigFileUsed() == "" {
		return holder, nil
	}

	log = log.Named("config")
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := readMessages(v)
		if err := validateMessages(updated); err != nil {
			log.Warn("config.messages.reload_ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("config.messages.reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

// NewStaticMessages returns a holder that never reloads.
func NewStaticMessages(msgs Messages) *MessagesHolder {
	holder := &MessagesHolder{}
	holder.current.Store(msgs)
	return holder
}

func (h *MessagesHolder) Get() Messages {
	return h.current.Load().(Messages)
}

func readMessages(v *viper.Viper) Messages {
	return Messages{
		Welcome:           v.GetString(keyWelcome),
		Prompt:            v.GetString(keyPrompt),
		PromptPlaceholder: v.GetString(keyPromptPlaceholder),
		Entry:             v.GetString(keyEntry),
		EntryButton:       v.GetString(keyEntryButton),
		Report:            v.GetString(keyReport),
		ReplyEnter:        v.GetString(keyReplyEnter),
		ReplySaved:        v.GetString(keyReplySaved),
		ReplyExpired:      v.GetString(keyReplyExpired),
		ReplyNotEntered:   v.GetString(keyReplyNotEntered),
		ReplyFailed:       v.GetString(keyReplyFailed),
	}
}

func validateMessages(m Messages) error {
	var errs []error
	required := map[string]string{
		keyWelcome:     m.Welcome,
		keyPrompt:      m.Prompt,
		keyEntry:       m.Entry,
		keyEntryButton: m.EntryButton,
		keyReplyFailed: m.ReplyFailed,
	}
	for key, value := range required {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, invalid(key, "is required", nil))
		}
	}
	if _, err := m.RenderWelcome(WelcomeData{DisplayName: "member", CommunityName: "community"}); err != nil {
		errs = append(errs, invalid(keyWelcome, "invalid template", err))
	}
	if _, err := m.RenderReport(ReportData{Onboarded: 1, Reprompted: 1}); err != nil {
		errs = append(errs, invalid(keyReport, "invalid template", err))
	}
	return errors.Join(errs...)
}
