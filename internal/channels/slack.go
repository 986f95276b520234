package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/voxclaw/voxclaw/internal/bus"
	"github.com/voxclaw/voxclaw/internal/config"
)

// SlackChannel is a Slack transport over Socket Mode. Inbound events flow
// through the events API; sends use the Web API.
type SlackChannel struct {
	cfg config.SlackConfig
	bus *bus.MessageBus

	api       *slack.Client
	socket    *socketmode.Client
	botUserID string
	connected atomic.Bool
	cancel    context.CancelFunc
}

// NewSlackChannel creates the Slack channel.
func NewSlackChannel(cfg config.SlackConfig, b *bus.MessageBus) *SlackChannel {
	return &SlackChannel{cfg: cfg, bus: b}
}

func (c *SlackChannel) Name() string { return "slack" }

// Start authenticates and runs the Socket Mode event loop in the background.
func (c *SlackChannel) Start(ctx context.Context) error {
	if c.cfg.BotToken == "" || c.cfg.AppToken == "" {
		return fmt.Errorf("slack requires both bot token and app token")
	}
	if !strings.HasPrefix(c.cfg.AppToken, "xapp-") {
		return fmt.Errorf("slack app token must start with xapp-")
	}

	c.api = slack.New(c.cfg.BotToken, slack.OptionAppLevelToken(c.cfg.AppToken))
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botUserID = auth.UserID

	c.socket = socketmode.New(c.api)
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go c.eventLoop(runCtx)
	go func() {
		if err := c.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("Slack socket mode stopped", "error", err)
		}
	}()

	slog.Info("Slack connected", "bot_user", auth.User, "team", auth.Team)
	return nil
}

func (c *SlackChannel) Stop() error {
	c.connected.Store(false)
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *SlackChannel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				c.connected.Store(true)
				slog.Info("Slack socket connected")
			case socketmode.EventTypeDisconnect:
				c.connected.Store(false)
				slog.Warn("Slack socket disconnected")
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				c.socket.Ack(*evt.Request)
				c.handleEventsAPI(&apiEvent)
			}
		}
	}
}

func (c *SlackChannel) handleEventsAPI(apiEvent *slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		c.handleMessage(ev)
	case *slackevents.AppMentionEvent:
		// Mentions also arrive as message events; nothing extra to do.
	}
}

func (c *SlackChannel) handleMessage(ev *slackevents.MessageEvent) {
	if ev.BotID != "" || ev.User == c.botUserID {
		return
	}
	switch ev.SubType {
	case "":
		if ev.Text == "" {
			return
		}
		c.bus.PublishInbound(&bus.InboundEvent{
			Kind:       bus.EventMessage,
			Channel:    c.Name(),
			PlatformID: ev.TimeStamp,
			ChatID:     ev.Channel,
			SenderID:   ev.User,
			Content:    ev.Text,
			Timestamp:  slackTime(ev.TimeStamp),
		})
	case "message_changed":
		if ev.Message == nil || ev.Message.BotID != "" {
			return
		}
		c.bus.PublishInbound(&bus.InboundEvent{
			Kind:       bus.EventEdit,
			Channel:    c.Name(),
			PlatformID: ev.Message.Timestamp,
			ChatID:     ev.Channel,
			SenderID:   ev.Message.User,
			Content:    ev.Message.Text,
		})
	case "message_deleted":
		c.bus.PublishInbound(&bus.InboundEvent{
			Kind:       bus.EventDelete,
			Channel:    c.Name(),
			PlatformID: ev.DeletedTimeStamp,
			ChatID:     ev.Channel,
		})
	}
}

// Send posts one message, threading under ReplyTo when set. Attachments go
// up first as file uploads. Returns the message timestamp, Slack's id.
func (c *SlackChannel) Send(ctx context.Context, msg *bus.OutboundMessage) (string, error) {
	if c.api == nil {
		return "", ErrChannelDisconnected
	}

	for _, media := range msg.Media {
		if err := c.uploadFile(ctx, msg.ChatID, media); err != nil {
			return "", err
		}
	}

	opts := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if msg.ReplyTo != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ReplyTo))
	}
	_, ts, err := c.api.PostMessageContext(ctx, msg.ChatID, opts...)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	return ts, nil
}

func (c *SlackChannel) uploadFile(ctx context.Context, chatID string, media bus.Media) error {
	f, err := os.Open(media.Path)
	if err != nil {
		return fmt.Errorf("open attachment %s: %w", media.Path, err)
	}
	defer f.Close()
	_, err = c.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:  chatID,
		Reader:   f,
		FileSize: int(media.Size),
		Filename: media.Name,
		Title:    media.Name,
	})
	if err != nil {
		return fmt.Errorf("slack upload %s: %w", media.Name, err)
	}
	return nil
}

// SendTyping is a no-op. Slack exposes no typing indicator to bots.
func (c *SlackChannel) SendTyping(ctx context.Context, chatID string, typing bool) error {
	return nil
}

func slackTime(ts string) time.Time {
	dot := strings.IndexByte(ts, '.')
	if dot > 0 {
		ts = ts[:dot]
	}
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.Unix(secs, 0)
}
