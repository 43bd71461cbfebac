// Package discord connects the bot to Discord through a discordgo gateway
// session. The adapter converts gateway messages into models.Message values
// and implements the outbound operations the renderer and conversation loop
// need.
package discord

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/llmcord/internal/cache"
	"github.com/haasonsaas/llmcord/internal/channels"
	"github.com/haasonsaas/llmcord/internal/retry"
	"github.com/haasonsaas/llmcord/pkg/models"
)

// maxHistoryPage is Discord's page size limit for channel history.
const maxHistoryPage = 100

// discordSession is the subset of *discordgo.Session the adapter uses.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	UpdateCustomStatus(state string) error
}

// Config holds configuration for the Discord adapter.
type Config struct {
	// Token is the bot token from the Discord Developer Portal (required).
	Token string

	// Status is shown as the bot's custom status.
	Status string

	// MaxConnectAttempts bounds the initial gateway connection attempts.
	MaxConnectAttempts int

	// RateLimit and RateBurst throttle outbound REST calls.
	RateLimit float64
	RateBurst int

	// QueueSize is the inbound message buffer.
	QueueSize int

	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.ErrConfig("discord token is required", nil)
	}
	if c.MaxConnectAttempts == 0 {
		c.MaxConnectAttempts = 5
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.QueueSize == 0 {
		c.QueueSize = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is a Discord gateway connection.
type Adapter struct {
	config      Config
	session     discordSession
	messages    chan *models.Message
	dedupe      *cache.Dedupe
	rateLimiter *channels.RateLimiter
	logger      *slog.Logger

	mu        sync.RWMutex
	connected bool
	started   bool
	botUserID string
	onReady   func(botUserID string)

	channelTypes sync.Map // channel ID -> models.ChannelType
}

// NewAdapter validates config and creates an adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config:      config,
		messages:    make(chan *models.Message, config.QueueSize),
		dedupe:      cache.NewDedupe(10*time.Minute, 5000),
		rateLimiter: channels.NewRateLimiter(config.RateLimit, config.RateBurst),
		logger:      config.Logger.With("adapter", "discord"),
	}, nil
}

// OnReady registers fn to run on every gateway READY.
func (a *Adapter) OnReady(fn func(botUserID string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onReady = fn
}

// Messages returns the inbound message stream. It is closed by Stop.
func (a *Adapter) Messages() <-chan *models.Message {
	return a.messages
}

// BotUserID returns the bot's user ID once READY has been received.
func (a *Adapter) BotUserID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botUserID
}

// Connected reports whether the gateway session is up.
func (a *Adapter) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// Start opens the gateway connection.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return channels.ErrInternal("adapter already started", nil)
	}

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.config.Token)
		if err != nil {
			return channels.ErrAuthentication("failed to create Discord session", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		a.session = dg
	}

	a.session.AddHandler(a.handleMessageCreate)
	a.session.AddHandler(a.handleReady)
	a.session.AddHandler(a.handleDisconnect)
	a.session.AddHandler(a.handleResumed)

	if err := a.connectWithRetry(ctx); err != nil {
		return channels.ErrConnection("failed to connect to Discord", err)
	}
	a.started = true
	a.connected = true
	a.logger.Info("discord adapter started")
	return nil
}

// Stop closes the gateway connection and the inbound stream.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.started = false
	a.connected = false
	close(a.messages)

	if err := a.session.Close(); err != nil {
		a.logger.Error("failed to close Discord session", "error", err)
		return channels.ErrConnection("failed to close Discord session", err)
	}
	a.logger.Info("discord adapter stopped")
	return nil
}

func (a *Adapter) connectWithRetry(ctx context.Context) error {
	policy := retry.Policy{
		MaxAttempts:  a.config.MaxConnectAttempts,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Factor:       2,
		Jitter:       true,
	}
	return retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		a.logger.Info("connecting to discord", "attempt", attempt, "max_attempts", policy.MaxAttempts)
		err := a.session.Open()
		if err != nil {
			a.logger.Warn("connection failed", "attempt", attempt, "error", err)
		}
		return err
	})
}

func (a *Adapter) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	a.mu.Lock()
	a.connected = true
	if r.User != nil {
		a.botUserID = r.User.ID
	}
	id, fn := a.botUserID, a.onReady
	a.mu.Unlock()

	a.logger.Info("discord connection ready", "user_id", id, "guilds", len(r.Guilds))
	if a.config.Status != "" {
		if err := a.SetStatus(a.config.Status); err != nil {
			a.logger.Warn("failed to set custom status", "error", err)
		}
	}
	if fn != nil {
		fn(id)
	}
}

func (a *Adapter) handleResumed(s *discordgo.Session, r *discordgo.Resumed) {
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.logger.Info("discord session resumed")
}

// discordgo reconnects on its own; this only tracks state.
func (a *Adapter) handleDisconnect(s *discordgo.Session, d *discordgo.Disconnect) {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.logger.Warn("disconnected from discord")
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	msg := a.convert(m.Message)
	if msg == nil || a.dedupe.Seen(msg.ID) {
		return
	}
	if m.Member != nil {
		msg.Author.RoleIDs = append([]string(nil), m.Member.Roles...)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.started {
		return
	}
	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("inbound queue full, dropping message", "channel_id", m.ChannelID, "message_id", m.ID)
	}
}

// SetStatus updates the bot's custom status.
func (a *Adapter) SetStatus(status string) error {
	if a.session == nil {
		return channels.ErrUnavailable("session not initialized", nil)
	}
	if len(status) > 128 {
		status = status[:128]
	}
	if err := a.session.UpdateCustomStatus(status); err != nil {
		return classify("update status", err)
	}
	return nil
}

// Send posts a message, replying to replyTo when it is non-zero.
func (a *Adapter) Send(ctx context.Context, channelID string, replyTo models.MessageID, out models.Outbound) (models.MessageID, error) {
	data := &discordgo.MessageSend{AllowedMentions: noPings()}
	if out.Embed != nil {
		data.Embeds = []*discordgo.MessageEmbed{toEmbed(out.Embed)}
	} else {
		data.Content = out.Text
	}
	if replyTo != 0 {
		data.Reference = &discordgo.MessageReference{MessageID: replyTo.String(), ChannelID: channelID}
	}
	return a.sendComplex(ctx, channelID, data)
}

// Edit replaces a message's content or embed.
func (a *Adapter) Edit(ctx context.Context, channelID string, id models.MessageID, out models.Outbound) error {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.ErrTimeout("rate limit wait cancelled", err)
	}
	edit := discordgo.NewMessageEdit(channelID, id.String())
	if out.Embed != nil {
		embeds := []*discordgo.MessageEmbed{toEmbed(out.Embed)}
		edit.Embeds = &embeds
	} else {
		text := out.Text
		edit.Content = &text
	}
	edit.AllowedMentions = noPings()
	if _, err := a.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return classify("edit message", err)
	}
	return nil
}

// SendText posts plain text, replying to replyTo when it is non-zero.
func (a *Adapter) SendText(ctx context.Context, channelID string, replyTo models.MessageID, text string) (models.MessageID, error) {
	return a.Send(ctx, channelID, replyTo, models.Outbound{Text: clip(text, 2000)})
}

// SendFile uploads a file with an optional caption.
func (a *Adapter) SendFile(ctx context.Context, channelID string, replyTo models.MessageID, name, contentType string, data []byte, caption string) (models.MessageID, error) {
	send := &discordgo.MessageSend{
		Content:         clip(caption, 2000),
		AllowedMentions: noPings(),
		Files: []*discordgo.File{{
			Name:        name,
			ContentType: contentType,
			Reader:      bytes.NewReader(data),
		}},
	}
	if replyTo != 0 {
		send.Reference = &discordgo.MessageReference{MessageID: replyTo.String(), ChannelID: channelID}
	}
	return a.sendComplex(ctx, channelID, send)
}

// SendDM opens a direct message channel with userID and posts text.
func (a *Adapter) SendDM(ctx context.Context, userID, text string) error {
	ch, err := a.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return classify("open DM channel", err)
	}
	a.channelTypes.Store(ch.ID, models.ChannelDM)
	_, err = a.SendText(ctx, ch.ID, 0, text)
	return err
}

// Typing shows the typing indicator for about ten seconds.
func (a *Adapter) Typing(ctx context.Context, channelID string) error {
	if err := a.session.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
		return classify("typing", err)
	}
	return nil
}

// FetchMessage loads one message by ID.
func (a *Adapter) FetchMessage(ctx context.Context, channelID string, id models.MessageID) (*models.Message, error) {
	m, err := a.session.ChannelMessage(channelID, id.String(), discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify("fetch message", err)
	}
	msg := a.convert(m)
	if msg == nil {
		return nil, channels.ErrNotFound("message has no author", nil)
	}
	return msg, nil
}

// History returns up to limit messages before the given ID, newest first.
func (a *Adapter) History(ctx context.Context, channelID string, before models.MessageID, limit int) ([]*models.Message, error) {
	var out []*models.Message
	beforeID := ""
	if before != 0 {
		beforeID = before.String()
	}
	for limit > 0 {
		page := min(limit, maxHistoryPage)
		msgs, err := a.session.ChannelMessages(channelID, page, beforeID, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return out, classify("fetch history", err)
		}
		for _, m := range msgs {
			if msg := a.convert(m); msg != nil {
				out = append(out, msg)
			}
		}
		if len(msgs) < page {
			break
		}
		beforeID = msgs[len(msgs)-1].ID
		limit -= len(msgs)
	}
	return out, nil
}

func (a *Adapter) sendComplex(ctx context.Context, channelID string, data *discordgo.MessageSend) (models.MessageID, error) {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return 0, channels.ErrTimeout("rate limit wait cancelled", err)
	}
	var m *discordgo.Message
	err := retry.Do(ctx, retry.DefaultPolicy(), func(ctx context.Context, attempt int) error {
		sent, err := a.session.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
		if err != nil {
			err = classify("send message", err)
			if !channels.IsRetryable(err) {
				return retry.Permanent(err)
			}
			a.logger.Warn("send failed, retrying", "channel_id", channelID, "attempt", attempt, "error", err)
			return err
		}
		m = sent
		return nil
	})
	if err != nil {
		return 0, err
	}
	id, err := models.ParseMessageID(m.ID)
	if err != nil {
		return 0, channels.ErrInternal("invalid message id from Discord", err)
	}
	return id, nil
}

// channelType resolves and caches a channel's type.
func (a *Adapter) channelType(channelID, guildID string) models.ChannelType {
	if v, ok := a.channelTypes.Load(channelID); ok {
		return v.(models.ChannelType)
	}
	fallback := models.ChannelText
	if guildID == "" {
		fallback = models.ChannelDM
	}
	if a.session == nil {
		return fallback
	}
	ch, err := a.session.Channel(channelID)
	if err != nil {
		a.logger.Debug("channel lookup failed", "channel_id", channelID, "error", err)
		return fallback
	}
	t := convertChannelType(ch.Type)
	a.channelTypes.Store(channelID, t)
	return t
}

func (a *Adapter) convert(m *discordgo.Message) *models.Message {
	if m == nil || m.Author == nil {
		return nil
	}
	return convertDiscordMessage(m, a.channelType(m.ChannelID, m.GuildID))
}

func convertDiscordMessage(m *discordgo.Message, channelType models.ChannelType) *models.Message {
	if m == nil || m.Author == nil {
		return nil
	}
	id, err := models.ParseMessageID(m.ID)
	if err != nil {
		return nil
	}

	msg := &models.Message{
		ID:          id,
		ChannelID:   m.ChannelID,
		GuildID:     m.GuildID,
		ChannelType: channelType,
		Author: models.Author{
			ID:       m.Author.ID,
			Username: m.Author.Username,
			Bot:      m.Author.Bot,
		},
		Content:   m.Content,
		CreatedAt: m.Timestamp,
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if m.Member != nil {
		msg.Author.RoleIDs = append([]string(nil), m.Member.Roles...)
	}

	for _, e := range m.Embeds {
		if e == nil {
			continue
		}
		msg.Embeds = append(msg.Embeds, models.Embed{Title: e.Title, Description: e.Description})
	}
	for _, att := range m.Attachments {
		if att == nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, models.Attachment{
			ID:          att.ID,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			URL:         att.URL,
			Size:        int64(att.Size),
		})
	}
	for _, u := range m.Mentions {
		if u != nil {
			msg.Mentions = append(msg.Mentions, u.ID)
		}
	}
	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		if replyID, err := models.ParseMessageID(ref.MessageID); err == nil {
			msg.ReplyTo = replyID
			msg.ReplyChannelID = ref.ChannelID
		}
	}
	return msg
}

func convertChannelType(t discordgo.ChannelType) models.ChannelType {
	switch t {
	case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews:
		return models.ChannelText
	case discordgo.ChannelTypeDM, discordgo.ChannelTypeGroupDM:
		return models.ChannelDM
	case discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildNewsThread:
		return models.ChannelPublicThread
	case discordgo.ChannelTypeGuildPrivateThread:
		return models.ChannelPrivateThread
	default:
		return models.ChannelOther
	}
}

func toEmbed(e *models.OutboundEmbed) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{Description: e.Description, Color: e.Color}
	for _, f := range e.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value})
	}
	return embed
}

// Replies never ping anyone.
func noPings() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
}

func clip(s string, max int) string {
	if len([]rune(s)) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// classify maps a REST failure onto the channel error taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return channels.ErrTimeout(op, err)
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		return channels.NewError(channels.CodeForStatus(rest.Response.StatusCode), op, err).
			WithContext("status", rest.Response.StatusCode)
	}
	if strings.Contains(err.Error(), "429") {
		return channels.ErrRateLimit(op, err)
	}
	return channels.ErrInternal(op, err)
}
