package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordChannel posts notifications to one Discord channel over the REST
// API. No gateway connection is opened.
type DiscordChannel struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

// NewDiscordChannel creates a Discord notification channel for a bot token.
func NewDiscordChannel(token, channelID string, logger *zap.Logger) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordChannel{session: session, channelID: channelID, logger: logger}, nil
}

func (c *DiscordChannel) Platform() string { return "discord" }

// Send posts the notification as an embed.
func (c *DiscordChannel) Send(ctx context.Context, n *Notification) error {
	_, err := c.session.ChannelMessageSendEmbed(c.channelID, discordEmbed(n), discordgo.WithContext(ctx))
	if err != nil {
		c.logger.Error("discord notify failed", zap.String("channel", c.channelID), zap.Error(err))
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func discordEmbed(n *Notification) *discordgo.MessageEmbed {
	color := 0x36c5f0
	switch n.Kind {
	case KindWorkflowCompleted:
		color = 0x2eb67d
	case KindWorkflowFailed:
		color = 0xe01e5a
	}
	embed := &discordgo.MessageEmbed{
		Title:       n.Title,
		Description: n.Content,
		Color:       color,
	}
	if n.ExecutionID != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: n.ExecutionID}
	}
	for _, f := range n.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: true})
	}
	return embed
}
