package callback

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/slack-go/slack"
)

// slackContext is the callbackContext shape carried by Slack-sourced
// prompts: where to post the completion reply.
type slackContext struct {
	Channel  string `json:"channel"`
	ThreadTS string `json:"threadTs"`
}

// Slack replies in the originating Slack thread when a Slack-sourced
// prompt completes. Tool-call notifications are intentionally dropped;
// they are too chatty for a thread.
type Slack struct {
	api *slack.Client
}

// NewSlack creates a Slack callback service with a bot token.
func NewSlack(botToken string) *Slack {
	return &Slack{api: slack.New(botToken)}
}

func (s *Slack) NotifyToolCall(ctx context.Context, tc ToolCall) error {
	return nil
}

func (s *Slack) NotifyExecutionComplete(ctx context.Context, ec ExecutionComplete) error {
	if len(ec.Context) == 0 {
		return nil
	}
	var sc slackContext
	if err := json.Unmarshal(ec.Context, &sc); err != nil || sc.Channel == "" {
		return nil // not a Slack-sourced prompt
	}

	text := "Agent run finished."
	if !ec.Success {
		text = "Agent run failed."
		if ec.Error != "" {
			text = fmt.Sprintf("Agent run failed: %s", ec.Error)
		}
	}

	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if sc.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(sc.ThreadTS))
	}
	_, _, err := s.api.PostMessageContext(ctx, sc.Channel, opts...)
	if err != nil {
		return fmt.Errorf("post slack reply: %w", err)
	}
	return nil
}
