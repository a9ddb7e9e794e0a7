// Package oncall alerts operations staff when an escalation lands in a
// department nobody is staffing.
package oncall

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/camino-travel/switchboard/internal/observability"
	"github.com/camino-travel/switchboard/pkg/models"
)

// SlackClient is the subset of the Slack API the notifier uses. It exists
// for mock injection during testing.
type SlackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

var _ SlackClient = (*slack.Client)(nil)

// SlackNotifier posts stranded escalations to an operations channel so a
// human can pick them up manually.
type SlackNotifier struct {
	client  SlackClient
	channel string
	logger  *observability.Logger
}

// NewSlack builds a notifier from a bot token and a channel ID.
func NewSlack(token, channel string, logger *observability.Logger) (*SlackNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("oncall: slack token is required")
	}
	if channel == "" {
		return nil, fmt.Errorf("oncall: slack channel is required")
	}
	return &SlackNotifier{
		client:  slack.New(token),
		channel: channel,
		logger:  logger,
	}, nil
}

// NotifyEscalationFailure posts a block message describing the conversation
// that could not be assigned.
func (n *SlackNotifier) NotifyEscalationFailure(ctx context.Context, dept models.Department, qc *models.QueuedConversation) error {
	fallback := fmt.Sprintf("No agents available for %s (conversation %s)", dept, qc.ConversationID)
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(fallback, false),
		slack.MsgOptionBlocks(escalationBlocks(dept, qc)...),
	)
	if err != nil {
		if n.logger != nil {
			n.logger.Error(ctx, "on-call slack post failed",
				"department", dept,
				"conversation_id", qc.ConversationID,
				"error", err,
			)
		}
		return fmt.Errorf("oncall: post to slack: %w", err)
	}
	if n.logger != nil {
		n.logger.Info(ctx, "on-call notified",
			"department", dept,
			"conversation_id", qc.ConversationID,
		)
	}
	return nil
}

func escalationBlocks(dept models.Department, qc *models.QueuedConversation) []slack.Block {
	header := slack.NewSectionBlock(
		slack.NewTextBlockObject("mrkdwn",
			fmt.Sprintf(":rotating_light: *No agents available for `%s`*", dept), false, false),
		nil, nil,
	)

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Conversation:*\n%s", qc.ConversationID), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Priority:*\n%d", qc.Priority), false, false),
	}
	if qc.CustomerMood != "" {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Mood:*\n%s", qc.CustomerMood), false, false))
	}
	if qc.Context != nil && qc.Context.Channel != "" {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Channel:*\n%s", qc.Context.Channel), false, false))
	}
	detail := slack.NewSectionBlock(nil, fields, nil)

	blocks := []slack.Block{header, detail}
	if qc.AISummary != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject("mrkdwn", qc.AISummary, false, false),
		))
	}
	return blocks
}
