package gateway

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordReplier posts replies through the Discord REST API. It never opens
// the gateway websocket, so it cannot receive messages.
type DiscordReplier struct {
	session *discordgo.Session
	channel string
	logger  *zap.Logger
}

// NewDiscordReplier creates a Discord replier for a bot token.
func NewDiscordReplier(cfg DiscordConfig, logger *zap.Logger) (*DiscordReplier, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordReplier{session: session, channel: cfg.Channel, logger: logger}, nil
}

func (a *DiscordReplier) Platform() string { return "discord" }

// Reply sends msg to its channel. With a ThreadID the message is sent as a
// reply to that message.
func (a *DiscordReplier) Reply(ctx context.Context, msg *Reply) error {
	channel := msg.ChannelID
	if channel == "" {
		channel = a.channel
	}
	if channel == "" {
		return fmt.Errorf("discord reply: no channel")
	}

	var err error
	if msg.ThreadID != "" {
		ref := &discordgo.MessageReference{MessageID: msg.ThreadID, ChannelID: channel}
		_, err = a.session.ChannelMessageSendReply(channel, msg.Content, ref, discordgo.WithContext(ctx))
	} else {
		_, err = a.session.ChannelMessageSend(channel, msg.Content, discordgo.WithContext(ctx))
	}
	if err != nil {
		a.logger.Error("discord reply failed",
			zap.String("channel", channel), zap.Error(err))
		return fmt.Errorf("discord reply: %w", err)
	}
	return nil
}

// Close shuts down the Discord session.
func (a *DiscordReplier) Close() error {
	return a.session.Close()
}
