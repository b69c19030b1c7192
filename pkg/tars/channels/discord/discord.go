// Package discord implements the Discord chat collaborator using discordgo.
//
// The adapter only deals with plain text: inbound MessageCreate events on the
// bound channels are forwarded to Receive, outbound text is posted as-is
// (the relay gateway chunks it first). Provisioning of per-instance channels
// lives in provision.go.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/tars/pkg/tars/channels"
)

// Config holds Discord adapter configuration.
type Config struct {
	// Token is the bot token (without the "Bot " prefix).
	Token string

	// GuildID is the server the instance channels live in.
	GuildID string

	// CategoryName prefixes the categories created for instance slots.
	CategoryName string

	// AllowedChannels restricts which channel ids are forwarded.
	// Empty means every channel the bot can read.
	AllowedChannels []string

	// IgnoreBots drops messages authored by other bots.
	IgnoreBots bool
}

// Discord implements channels.Channel and channels.Provisioner.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	mu sync.RWMutex
}

// New creates a Discord adapter. The session is created lazily by Connect or
// by the first provisioning call.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	session, err := d.restSession()
	if err != nil {
		return err
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("%w: discord: opening gateway: %v", channels.ErrConnectionFailed, err)
	}
	d.connected.Store(true)

	if user := session.State.User; user != nil {
		d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)
	}
	return nil
}

// Disconnect closes the gateway connection.
func (d *Discord) Disconnect() error {
	d.mu.Lock()
	session := d.session
	d.mu.Unlock()
	if session != nil {
		if err := session.Close(); err != nil {
			d.logger.Warn("discord: close failed", "error", err)
		}
	}
	d.connected.Store(false)
	d.logger.Info("discord: disconnected")
	return nil
}

// Send posts text to a channel. Text longer than Discord's limit is rejected
// by the API; the relay gateway splits before calling.
func (d *Discord) Send(ctx context.Context, destination, text string) error {
	d.mu.RLock()
	session := d.session
	d.mu.RUnlock()
	if session == nil {
		return channels.ErrChannelDisconnected
	}
	if _, err := session.ChannelMessageSend(destination, text, discordgo.WithContext(ctx)); err != nil {
		d.errorCount.Add(1)
		return fmt.Errorf("discord: send to %s: %w", destination, err)
	}
	return nil
}

// Receive returns the inbound message channel.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected returns true if the gateway connection is open.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the adapter health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

// restSession returns the shared session, creating it on first use. REST
// calls work without an open gateway connection.
func (d *Discord) restSession() (*discordgo.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		return d.session, nil
	}
	if d.cfg.Token == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: creating session: %w", err)
	}
	d.session = session
	return session, nil
}

// onMessageCreate forwards text messages from allowed channels.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if d.cfg.IgnoreBots && m.Author.Bot {
		return
	}
	if incoming := d.toIncoming(m.Message); incoming != nil {
		d.forward(incoming)
	}
}

// toIncoming converts a discordgo message, applying the channel filter.
// Returns nil for messages that should not be relayed.
func (d *Discord) toIncoming(m *discordgo.Message) *channels.IncomingMessage {
	d.mu.RLock()
	allowed := d.cfg.AllowedChannels
	d.mu.RUnlock()
	if len(allowed) > 0 && !slices.Contains(allowed, m.ChannelID) {
		return nil
	}
	if m.Content == "" {
		return nil
	}
	return &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		ChatID:    m.ChannelID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
}

func (d *Discord) forward(incoming *channels.IncomingMessage) {
	d.lastMsg.Store(time.Now())
	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("discord: message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// Compile-time interface verification.
var (
	_ channels.Channel     = (*Discord)(nil)
	_ channels.Provisioner = (*Discord)(nil)
)
