package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lexobe/CogLoop/internal/think"
	"go.uber.org/zap"
)

const historySize = 100

// Gateway routes replies to platform repliers and exposes them as think
// actions.
type Gateway struct {
	repliers map[string]Replier
	notifier *Notifier
	xReply   string
	history  []Sent
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewGateway creates a gateway with the log-only replier registered.
func NewGateway(xReply string, logger *zap.Logger) *Gateway {
	g := &Gateway{
		repliers: make(map[string]Replier),
		xReply:   xReply,
		logger:   logger,
	}
	g.Register(&LogReplier{logger: logger})
	return g
}

// New builds a gateway from config, registering every configured platform.
func New(cfg Config, logger *zap.Logger) (*Gateway, error) {
	g := NewGateway(cfg.XReply, logger)
	if cfg.Slack.BotToken != "" {
		s, err := NewSlackReplier(cfg.Slack, logger.Named("slack"))
		if err != nil {
			return nil, err
		}
		g.Register(s)
	}
	if cfg.Discord.Token != "" {
		d, err := NewDiscordReplier(cfg.Discord, logger.Named("discord"))
		if err != nil {
			return nil, err
		}
		g.Register(d)
	}
	if cfg.Desktop.Enabled {
		g.SetNotifier(NewNotifier(cfg.Desktop, logger))
	}
	if g.xReply != "" {
		if _, ok := g.repliers[g.xReply]; !ok {
			return nil, fmt.Errorf("x_reply platform %q is not configured", g.xReply)
		}
	}
	return g, nil
}

// Register adds a replier, replacing any for the same platform.
func (g *Gateway) Register(r Replier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.repliers[r.Platform()] = r
	g.logger.Info("registered reply platform", zap.String("platform", r.Platform()))
}

// SetNotifier enables the notify action.
func (g *Gateway) SetNotifier(n *Notifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifier = n
}

// Send delivers a reply to its platform.
func (g *Gateway) Send(ctx context.Context, msg *Reply) error {
	g.mu.RLock()
	r, ok := g.repliers[msg.Platform]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no replier for platform: %s", msg.Platform)
	}
	if err := r.Reply(ctx, msg); err != nil {
		return err
	}

	g.mu.Lock()
	g.history = append(g.history, Sent{Reply: *msg, SentAt: time.Now()})
	if len(g.history) > historySize {
		g.history = g.history[len(g.history)-historySize:]
	}
	g.mu.Unlock()
	return nil
}

// History returns up to limit of the most recent replies.
func (g *Gateway) History(limit int) []Sent {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if limit <= 0 || limit > len(g.history) {
		limit = len(g.history)
	}
	return append([]Sent(nil), g.history[len(g.history)-limit:]...)
}

// Platforms returns the registered platform names.
func (g *Gateway) Platforms() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.repliers))
	for p := range g.repliers {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// RegisterActions installs the reply and notify actions. Actions for
// platforms that are not configured are left out, so the model's calls to
// them fall through to the registry's no-op.
func (g *Gateway) RegisterActions(reg *think.ActionRegistry) {
	reg.Register("X_reply", g.xReplyAction)
	g.mu.RLock()
	_, hasSlack := g.repliers["slack"]
	_, hasDiscord := g.repliers["discord"]
	hasNotifier := g.notifier != nil
	g.mu.RUnlock()

	if hasSlack {
		reg.Register("slack_reply", g.platformAction("slack", "thread_ts"))
	}
	if hasDiscord {
		reg.Register("discord_reply", g.platformAction("discord", "message_id"))
	}
	if hasNotifier {
		reg.Register("notify", g.notifyAction)
	}
}

// xReplyAction answers a post: args post_id and reply_text.
func (g *Gateway) xReplyAction(ctx context.Context, args map[string]any) (string, error) {
	postID, err := think.StringArg(args, "post_id")
	if err != nil {
		return "", err
	}
	text, err := think.StringArg(args, "reply_text")
	if err != nil {
		return "", err
	}
	platform := g.xReply
	if platform == "" {
		platform = "log"
	}
	if err := g.Send(ctx, &Reply{Platform: platform, ThreadID: postID, Content: text}); err != nil {
		return "", err
	}
	return fmt.Sprintf("replied to %s via %s", postID, platform), nil
}

// platformAction posts args text to an optional channel and thread.
func (g *Gateway) platformAction(platform, threadKey string) think.ActionHandler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		text, err := think.StringArg(args, "text")
		if err != nil {
			return "", err
		}
		msg := &Reply{Platform: platform, Content: text}
		msg.ChannelID, _ = think.StringArg(args, "channel")
		msg.ThreadID, _ = think.StringArg(args, threadKey)
		if err := g.Send(ctx, msg); err != nil {
			return "", err
		}
		return "sent to " + platform, nil
	}
}

func (g *Gateway) notifyAction(ctx context.Context, args map[string]any) (string, error) {
	message, err := think.StringArg(args, "message")
	if err != nil {
		return "", err
	}
	title, _ := think.StringArg(args, "title")
	g.mu.RLock()
	n := g.notifier
	g.mu.RUnlock()
	if err := n.Notify(ctx, title, message); err != nil {
		return "", err
	}
	return "notified", nil
}

// Close shuts down all repliers.
func (g *Gateway) Close() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for platform, r := range g.repliers {
		if err := r.Close(); err != nil {
			g.logger.Error("replier close failed",
				zap.String("platform", platform), zap.Error(err))
		}
	}
	return nil
}

// LogReplier writes replies to the log instead of a platform.
type LogReplier struct {
	logger *zap.Logger
}

func (l *LogReplier) Platform() string { return "log" }

func (l *LogReplier) Reply(_ context.Context, msg *Reply) error {
	l.logger.Info("reply",
		zap.String("channel", msg.ChannelID),
		zap.String("thread", msg.ThreadID),
		zap.String("content", msg.Content))
	return nil
}

func (l *LogReplier) Close() error { return nil }
