package gateway

import (
	"context"
	"time"
)

// Replier posts replies to one platform.
type Replier interface {
	Platform() string
	Reply(ctx context.Context, msg *Reply) error
	Close() error
}

// Reply is an outbound message. ThreadID is the platform's id of the post
// being answered; empty posts a new top-level message.
type Reply struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channel_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	Content   string `json:"content"`
}

// Sent records a delivered reply.
type Sent struct {
	Reply  Reply     `json:"reply"`
	SentAt time.Time `json:"sent_at"`
}

// Config selects and configures the reply platforms.
type Config struct {
	Slack   SlackConfig   `json:"slack" yaml:"slack"`
	Discord DiscordConfig `json:"discord" yaml:"discord"`
	Desktop DesktopConfig `json:"desktop" yaml:"desktop"`
	// XReply names the platform that X_reply calls go to. Empty means
	// the log-only replier.
	XReply string `json:"x_reply" yaml:"x_reply"`
}

// SlackConfig configures the Slack replier.
type SlackConfig struct {
	BotToken string `json:"bot_token" yaml:"bot_token"`
	Channel  string `json:"channel" yaml:"channel"`
	APIURL   string `json:"api_url,omitempty" yaml:"api_url,omitempty"`
}

// DiscordConfig configures the Discord replier.
type DiscordConfig struct {
	Token   string `json:"token" yaml:"token"`
	Channel string `json:"channel" yaml:"channel"`
}

// DesktopConfig enables desktop notifications.
type DesktopConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	AppName string `json:"app_name" yaml:"app_name"`
}
