package discord

import (
	"github.com/bwmarrin/discordgo"
	memberdomain "github.com/smallbiznis/gatekeeper/internal/member/domain"
)

// Component custom IDs routed by the event listener.
const (
	CustomIDStart  = "onboarding:start"
	CustomIDSelect = "onboarding:select"
)

func components(w *memberdomain.Widget) []discordgo.MessageComponent {
	if w == nil {
		return nil
	}
	switch w.Kind {
	case memberdomain.WidgetEntryPoint:
		return []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    w.Label,
					Style:    discordgo.PrimaryButton,
					CustomID: CustomIDStart,
				},
			}},
		}
	case memberdomain.WidgetRolePrompt:
		if len(w.Options) == 0 {
			return nil
		}
		options := make([]discordgo.SelectMenuOption, 0, len(w.Options))
		for _, opt := range w.Options {
			options = append(options, discordgo.SelectMenuOption{
				Label:       opt.Label,
				Value:       opt.RoleID.String(),
				Description: opt.Description,
			})
		}
		minValues := 1
		return []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					MenuType:    discordgo.StringSelectMenu,
					CustomID:    CustomIDSelect,
					Placeholder: w.Placeholder,
					MinValues:   &minValues,
					MaxValues:   len(options),
					Options:     options,
				},
			}},
		}
	default:
		return nil
	}
}

func messageFlags(msg memberdomain.OutgoingMessage) discordgo.MessageFlags {
	if msg.Ephemeral {
		return discordgo.MessageFlagsEphemeral
	}
	return 0
}

func toMessageSend(msg memberdomain.OutgoingMessage) *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Content:    msg.Content,
		Components: components(msg.Widget),
	}
}

func toWebhookParams(msg memberdomain.OutgoingMessage) *discordgo.WebhookParams {
	return &discordgo.WebhookParams{
		Content:    msg.Content,
		Components: components(msg.Widget),
		Flags:      messageFlags(msg),
	}
}
