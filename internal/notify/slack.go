package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

const (
	colorGood   = "#2eb67d"
	colorDanger = "#e01e5a"
	colorInfo   = "#36c5f0"
)

// SlackChannel posts notifications to one Slack channel with a bot token.
type SlackChannel struct {
	client    *slack.Client
	channelID string
	logger    *zap.Logger
}

// NewSlackChannel creates a Slack notification channel. Extra client options
// (for example slack.OptionAPIURL) are passed through to slack.New.
func NewSlackChannel(botToken, channelID string, logger *zap.Logger, opts ...slack.Option) *SlackChannel {
	return &SlackChannel{
		client:    slack.New(botToken, opts...),
		channelID: channelID,
		logger:    logger,
	}
}

func (c *SlackChannel) Platform() string { return "slack" }

// Send posts the notification as a colored attachment.
func (c *SlackChannel) Send(ctx context.Context, n *Notification) error {
	_, _, err := c.client.PostMessageContext(ctx, c.channelID,
		slack.MsgOptionText(fmt.Sprintf("*%s*", n.Title), false),
		slack.MsgOptionAttachments(slackAttachment(n)),
	)
	if err != nil {
		c.logger.Error("slack notify failed", zap.String("channel", c.channelID), zap.Error(err))
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

func slackAttachment(n *Notification) slack.Attachment {
	color := colorInfo
	switch n.Kind {
	case KindWorkflowCompleted:
		color = colorGood
	case KindWorkflowFailed:
		color = colorDanger
	}
	att := slack.Attachment{
		Color:      color,
		Text:       n.Content,
		Footer:     n.ExecutionID,
		MarkdownIn: []string{"text"},
	}
	for _, f := range n.Fields {
		att.Fields = append(att.Fields, slack.AttachmentField{Title: f.Name, Value: f.Value, Short: true})
	}
	return att
}
