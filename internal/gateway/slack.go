package gateway

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackReplier posts replies through the Slack Web API.
type SlackReplier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackReplier creates a Slack replier. cfg.Channel is used when a
// reply names no channel.
func NewSlackReplier(cfg SlackConfig, logger *zap.Logger) (*SlackReplier, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &SlackReplier{
		client:  slack.New(cfg.BotToken, opts...),
		channel: cfg.Channel,
		logger:  logger,
	}, nil
}

func (a *SlackReplier) Platform() string { return "slack" }

// Reply posts msg, threading under msg.ThreadID when set.
func (a *SlackReplier) Reply(ctx context.Context, msg *Reply) error {
	channel := msg.ChannelID
	if channel == "" {
		channel = a.channel
	}
	if channel == "" {
		return fmt.Errorf("slack reply: no channel")
	}
	opts := []slack.MsgOption{
		slack.MsgOptionText(msg.Content, false),
	}
	if msg.ThreadID != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ThreadID))
	}

	_, ts, err := a.client.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		a.logger.Error("slack reply failed",
			zap.String("channel", channel), zap.Error(err))
		return fmt.Errorf("slack reply: %w", err)
	}
	a.logger.Debug("slack reply posted", zap.String("channel", channel), zap.String("ts", ts))
	return nil
}

// Close is a no-op; the Web API client holds no connection.
func (a *SlackReplier) Close() error {
	return nil
}
