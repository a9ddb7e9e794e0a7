package oncall

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/slack-go/slack"

	"github.com/camino-travel/switchboard/pkg/models"
)

type fakeSlackClient struct {
	channelID string
	options   []slack.MsgOption
	err       error
}

func (f *fakeSlackClient) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.channelID = channelID
	f.options = options
	if f.err != nil {
		return "", "", f.err
	}
	return channelID, "1718000000.000100", nil
}

func TestNewSlackValidation(t *testing.T) {
	if _, err := NewSlack("", "C123", nil); err == nil {
		t.Error("missing token accepted")
	}
	if _, err := NewSlack("xoxb-test", "", nil); err == nil {
		t.Error("missing channel accepted")
	}
	if _, err := NewSlack("xoxb-test", "C123", nil); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestNotifyEscalationFailure(t *testing.T) {
	record := &models.QueuedConversation{
		ConversationID: "conv-9",
		Department:     models.DeptTechnicalSupport,
		Priority:       1,
		CustomerMood:   models.MoodFrustrated,
	}

	t.Run("posts to the configured channel", func(t *testing.T) {
		client := &fakeSlackClient{}
		n := &SlackNotifier{client: client, channel: "C042"}
		if err := n.NotifyEscalationFailure(context.Background(), models.DeptTechnicalSupport, record); err != nil {
			t.Fatalf("NotifyEscalationFailure error: %v", err)
		}
		if client.channelID != "C042" {
			t.Errorf("posted to %q, want C042", client.channelID)
		}
		if len(client.options) != 2 {
			t.Errorf("options = %d, want text fallback plus blocks", len(client.options))
		}
	})

	t.Run("propagates post failure", func(t *testing.T) {
		client := &fakeSlackClient{err: errors.New("channel_not_found")}
		n := &SlackNotifier{client: client, channel: "C042"}
		if err := n.NotifyEscalationFailure(context.Background(), models.DeptTechnicalSupport, record); err == nil {
			t.Error("post failure swallowed")
		}
	})
}

func TestEscalationBlocks(t *testing.T) {
	qc := &models.QueuedConversation{
		ConversationID: "conv-1",
		Priority:       1,
		CustomerMood:   models.MoodExpectant,
		Context:        &models.ConversationContext{Channel: models.ChannelWhatsApp},
	}

	blocks := escalationBlocks(models.DeptVIPService, qc)
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want header and detail", len(blocks))
	}
	header, ok := blocks[0].(*slack.SectionBlock)
	if !ok {
		t.Fatalf("first block is %T, want *slack.SectionBlock", blocks[0])
	}
	if !strings.Contains(header.Text.Text, "vip_service") {
		t.Errorf("header %q does not name the department", header.Text.Text)
	}
	detail, ok := blocks[1].(*slack.SectionBlock)
	if !ok {
		t.Fatalf("second block is %T, want *slack.SectionBlock", blocks[1])
	}
	if len(detail.Fields) != 4 {
		t.Errorf("fields = %d, want conversation, priority, mood and channel", len(detail.Fields))
	}

	qc.AISummary = "VIP group of 8, ready to book Los Cabos."
	blocks = escalationBlocks(models.DeptVIPService, qc)
	if len(blocks) != 3 {
		t.Fatalf("blocks with summary = %d, want 3", len(blocks))
	}
	if _, ok := blocks[2].(*slack.ContextBlock); !ok {
		t.Errorf("summary block is %T, want *slack.ContextBlock", blocks[2])
	}
}
