package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"

	"github.com/voxclaw/voxclaw/internal/bus"
	"github.com/voxclaw/voxclaw/internal/config"
)

// WhatsAppChannel is a native WhatsApp transport built on whatsmeow. The
// session persists in its own SQLite file; first start requires a QR scan.
type WhatsAppChannel struct {
	cfg      config.WhatsAppConfig
	mediaDir string
	bus      *bus.MessageBus

	client    *whatsmeow.Client
	container *sqlstore.Container
	connected atomic.Bool
}

// NewWhatsAppChannel creates the WhatsApp channel. Downloaded media lands
// under mediaDir.
func NewWhatsAppChannel(cfg config.WhatsAppConfig, mediaDir string, b *bus.MessageBus) *WhatsAppChannel {
	return &WhatsAppChannel{cfg: cfg, mediaDir: mediaDir, bus: b}
}

func (c *WhatsAppChannel) Name() string { return "whatsapp" }

// Start opens the session store and connects. Without a stored session it
// blocks on the QR login flow, writing the code to a PNG next to the
// session database and rendering it in the log.
func (c *WhatsAppChannel) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(c.cfg.SessionPath), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	dbLog := waLog.Stdout("WhatsApp DB", "WARN", true)
	container, err := sqlstore.New(ctx, "sqlite",
		"file:"+c.cfg.SessionPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		dbLog)
	if err != nil {
		return fmt.Errorf("open whatsapp session db: %w", err)
	}
	c.container = container

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("get whatsapp device: %w", err)
	}

	// Shown in the phone's linked devices list.
	wastore.SetOSInfo(c.cfg.DeviceName, [3]uint32{1, 0, 0})

	c.client = whatsmeow.NewClient(device, waLog.Noop)
	c.client.AddEventHandler(c.handleEvent)
	c.client.EnableAutoReconnect = true
	c.client.InitialAutoReconnect = true

	if c.client.Store.ID == nil {
		return c.loginWithQR(ctx)
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp connect: %w", err)
	}
	c.connected.Store(true)
	slog.Info("WhatsApp connected", "jid", c.client.Store.ID.String())
	return nil
}

func (c *WhatsAppChannel) loginWithQR(ctx context.Context) error {
	qrChan, err := c.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp qr channel: %w", err)
	}
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp connect: %w", err)
	}

	qrPath := c.cfg.SessionPath + ".qr.png"
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, qrPath); err == nil {
				slog.Info("WhatsApp login QR code written, scan it with your phone", "path", qrPath)
			} else {
				slog.Warn("WhatsApp QR render failed", "error", err)
			}
		case "success":
			_ = os.Remove(qrPath)
			c.connected.Store(true)
			slog.Info("WhatsApp paired", "jid", c.client.Store.ID.String())
			return nil
		default:
			slog.Warn("WhatsApp login event", "event", evt.Event)
		}
	}
	return fmt.Errorf("whatsapp qr login did not complete")
}

func (c *WhatsAppChannel) Stop() error {
	c.connected.Store(false)
	if c.client != nil {
		c.client.Disconnect()
	}
	if c.container != nil {
		return c.container.Close()
	}
	return nil
}

// Send delivers one message, quoting the original when ReplyTo is set, and
// returns the WhatsApp message id.
func (c *WhatsAppChannel) Send(ctx context.Context, msg *bus.OutboundMessage) (string, error) {
	if !c.connected.Load() {
		return "", ErrChannelDisconnected
	}
	jid, err := types.ParseJID(msg.ChatID)
	if err != nil {
		return "", fmt.Errorf("parse jid %q: %w", msg.ChatID, err)
	}

	for _, media := range msg.Media {
		if err := c.sendDocument(ctx, jid, media); err != nil {
			return "", err
		}
	}

	var waMsg *waE2E.Message
	if msg.ReplyTo != "" {
		waMsg = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(msg.Content),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String(msg.ReplyTo),
				Participant:   proto.String(jid.String()),
				QuotedMessage: &waE2E.Message{Conversation: proto.String("")},
			},
		}}
	} else {
		waMsg = &waE2E.Message{Conversation: proto.String(msg.Content)}
	}

	resp, err := c.client.SendMessage(ctx, jid, waMsg)
	if err != nil {
		return "", fmt.Errorf("whatsapp send: %w", err)
	}
	return string(resp.ID), nil
}

func (c *WhatsAppChannel) sendDocument(ctx context.Context, jid types.JID, media bus.Media) error {
	data, err := os.ReadFile(media.Path)
	if err != nil {
		return fmt.Errorf("read attachment %s: %w", media.Path, err)
	}
	up, err := c.client.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return fmt.Errorf("whatsapp media upload: %w", err)
	}
	mime := media.Mime
	if mime == "" {
		mime = "application/octet-stream"
	}
	doc := &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
		Mimetype:      proto.String(mime),
		FileName:      proto.String(media.Name),
		Title:         proto.String(media.Name),
	}}
	if _, err := c.client.SendMessage(ctx, jid, doc); err != nil {
		return fmt.Errorf("whatsapp send document: %w", err)
	}
	return nil
}

// SendTyping toggles the composing presence for a chat.
func (c *WhatsAppChannel) SendTyping(ctx context.Context, chatID string, typing bool) error {
	if !c.connected.Load() {
		return nil
	}
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if typing {
		state = types.ChatPresenceComposing
	}
	return c.client.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

func (c *WhatsAppChannel) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		c.handleMessage(evt)
	case *events.ChatPresence:
		c.bus.PublishInbound(&bus.InboundEvent{
			Kind:    bus.EventTyping,
			Channel: c.Name(),
			ChatID:  evt.Chat.String(),
			Typing:  evt.State == types.ChatPresenceComposing,
		})
	case *events.Connected:
		c.connected.Store(true)
		slog.Info("WhatsApp connected")
	case *events.Disconnected:
		c.connected.Store(false)
		slog.Warn("WhatsApp disconnected")
	case *events.LoggedOut:
		c.connected.Store(false)
		slog.Error("WhatsApp session invalidated, QR login required")
	}
}

func (c *WhatsAppChannel) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.Chat.Server == "broadcast" {
		return
	}

	// Protocol messages carry edits and retractions instead of content.
	if pm := evt.Message.GetProtocolMessage(); pm != nil {
		c.handleProtocol(evt, pm)
		return
	}

	content, media := c.extractContent(evt)
	if content == "" && len(media) == 0 {
		return
	}
	c.bus.PublishInbound(&bus.InboundEvent{
		Kind:       bus.EventMessage,
		Channel:    c.Name(),
		PlatformID: string(evt.Info.ID),
		ChatID:     evt.Info.Chat.String(),
		SenderID:   evt.Info.Sender.User,
		Content:    content,
		Media:      media,
		Timestamp:  evt.Info.Timestamp,
	})
}

func (c *WhatsAppChannel) handleProtocol(evt *events.Message, pm *waE2E.ProtocolMessage) {
	targetID := pm.GetKey().GetID()
	if targetID == "" {
		return
	}
	switch pm.GetType() {
	case waE2E.ProtocolMessage_REVOKE:
		c.bus.PublishInbound(&bus.InboundEvent{
			Kind:       bus.EventDelete,
			Channel:    c.Name(),
			PlatformID: targetID,
			ChatID:     evt.Info.Chat.String(),
			SenderID:   evt.Info.Sender.User,
		})
	case waE2E.ProtocolMessage_MESSAGE_EDIT:
		edited := pm.GetEditedMessage()
		content := edited.GetConversation()
		if content == "" {
			content = edited.GetExtendedTextMessage().GetText()
		}
		c.bus.PublishInbound(&bus.InboundEvent{
			Kind:       bus.EventEdit,
			Channel:    c.Name(),
			PlatformID: targetID,
			ChatID:     evt.Info.Chat.String(),
			SenderID:   evt.Info.Sender.User,
			Content:    content,
		})
	}
}

func (c *WhatsAppChannel) extractContent(evt *events.Message) (string, []bus.Media) {
	waMsg := evt.Message
	if waMsg == nil {
		return "", nil
	}

	if waMsg.Conversation != nil {
		return waMsg.GetConversation(), nil
	}
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		return ext.GetText(), nil
	}
	if img := waMsg.ImageMessage; img != nil {
		media := c.downloadMedia(evt, img, "image", extFromMime(img.GetMimetype(), "jpg"))
		return img.GetCaption(), media
	}
	if audio := waMsg.AudioMessage; audio != nil {
		kind := "audio"
		if audio.GetPTT() {
			kind = "voice"
		}
		media := c.downloadMedia(evt, audio, kind, extFromMime(audio.GetMimetype(), "ogg"))
		return "", media
	}
	if doc := waMsg.DocumentMessage; doc != nil {
		media := c.downloadMedia(evt, doc, "document", extFromMime(doc.GetMimetype(), "bin"))
		caption := doc.GetCaption()
		if caption == "" && len(media) == 0 {
			caption = fmt.Sprintf("[document: %s]", doc.GetFileName())
		}
		return caption, media
	}
	return "", nil
}

// downloadMedia fetches an encrypted attachment into media storage. A
// failed download degrades to a message without attachments.
func (c *WhatsAppChannel) downloadMedia(evt *events.Message, item whatsmeow.DownloadableMessage, kind, ext string) []bus.Media {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	data, err := c.client.Download(ctx, item)
	if err != nil {
		slog.Warn("WhatsApp media download failed", "message_id", evt.Info.ID, "error", err)
		return nil
	}
	dir := filepath.Join(c.mediaDir, "whatsapp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("WhatsApp media dir create failed", "error", err)
		return nil
	}
	name := fmt.Sprintf("%s.%s", evt.Info.ID, ext)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		slog.Warn("WhatsApp media write failed", "path", path, "error", err)
		return nil
	}
	return []bus.Media{{Type: kind, Name: name, Mime: mimeOf(item), Size: int64(len(data)), Path: path}}
}

func mimeOf(item whatsmeow.DownloadableMessage) string {
	type mimed interface{ GetMimetype() string }
	if m, ok := item.(mimed); ok {
		return m.GetMimetype()
	}
	return ""
}

func extFromMime(mime, fallback string) string {
	switch {
	case strings.Contains(mime, "png"):
		return "png"
	case strings.Contains(mime, "jpeg"), strings.Contains(mime, "jpg"):
		return "jpg"
	case strings.Contains(mime, "mp4"):
		return "m4a"
	case strings.Contains(mime, "ogg"):
		return "ogg"
	case strings.Contains(mime, "pdf"):
		return "pdf"
	}
	return fallback
}
