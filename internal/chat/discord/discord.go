// Package discord implements chat.Adapter for Discord using the Gateway
// WebSocket. Buttons are message components; the channel ID is used as the
// reply token.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/ventriloquist/internal/chat"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute

	// Discord component limits.
	maxCustomID   = 100
	maxLabel      = 80
	buttonsPerRow = 5
	maxRows       = 5

	// Custom ID prefixes telling postback buttons from message buttons.
	prefixPostback = "postback:"
	prefixMessage  = "message:"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// Adapter implements chat.Adapter for Discord via the Gateway WebSocket.
type Adapter struct {
	sess          session
	botToken      string
	botUserID     string
	mu            sync.Mutex
	connected     bool
	closed        bool
	inbound       chan chat.Update
	removeHandler []func()
	baseBackoff   time.Duration
	maxBackoff    time.Duration
}

var _ chat.Adapter = (*Adapter)(nil)

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string // Discord bot token
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Adapter{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		inbound:     make(chan chat.Update, 100),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
		a.sess = dg
	}

	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Listen registers the message and interaction handlers and returns the
// update channel. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan chat.Update, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	a.removeHandler = append(a.removeHandler,
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessage(m)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
			a.handleInteraction(i)
		}),
	)
	return a.inbound, nil
}

// Reply sends msgs to the channel named by token.
func (a *Adapter) Reply(ctx context.Context, token string, msgs ...chat.Message) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("discord: not connected")
	}
	if token == "" {
		return fmt.Errorf("discord: no channel specified")
	}
	for _, m := range msgs {
		data := buildMessageSend(m)
		err := a.retryOnRateLimit(ctx, func() error {
			_, sendErr := a.sess.ChannelMessageSendComplex(token, data)
			return sendErr
		})
		if err != nil {
			return fmt.Errorf("discord: send message: %w", err)
		}
	}
	return nil
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	for _, remove := range a.removeHandler {
		remove()
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

// emit queues u unless the adapter is closed or the buffer is full.
func (a *Adapter) emit(u chat.Update) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- u:
	default:
		log.Printf("discord: inbound buffer full, dropping update from %s", u.UserID)
	}
}

func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()
	if m.Author.ID == botID || m.Content == "" {
		return
	}
	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	u := chat.Update{
		Platform:   "discord",
		UserID:     m.Author.ID,
		Text:       m.Content,
		ReplyToken: m.ChannelID,
		EventID:    m.ID,
		Timestamp:  ts,
	}
	// Discord has no rich menu, so "!template" and "!stop" stand in for it.
	if act, ok := chat.ParseCommand(m.Content); ok {
		u.Text, u.Postback = "", act.Data()
	}
	a.emit(u)
}

// handleInteraction acknowledges a button tap and converts it. Message
// buttons come back as text, as if the user had typed the line.
func (a *Adapter) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	err := a.sess.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})
	if err != nil {
		log.Printf("discord: ack interaction %s: %v", i.ID, err)
	}

	u, ok := interactionUpdate(i)
	if ok {
		a.emit(u)
	}
}

func interactionUpdate(i *discordgo.InteractionCreate) (chat.Update, bool) {
	var user *discordgo.User
	switch {
	case i.Member != nil && i.Member.User != nil:
		user = i.Member.User
	case i.User != nil:
		user = i.User
	default:
		return chat.Update{}, false
	}
	ts, _ := discordgo.SnowflakeTimestamp(i.ID)
	u := chat.Update{
		Platform:   "discord",
		UserID:     user.ID,
		ReplyToken: i.ChannelID,
		EventID:    i.ID,
		Timestamp:  ts,
	}
	kind, data, ok := parseCustomID(i.MessageComponentData().CustomID)
	if !ok {
		return chat.Update{}, false
	}
	switch kind {
	case prefixPostback:
		u.Postback = data
	case prefixMessage:
		u.Text = data
	}
	return u, true
}

// customID builds "<prefix><index>:<data>". The index keeps IDs unique when
// two buttons carry the same data.
func customID(prefix string, index int, data string) string {
	return clip(prefix+strconv.Itoa(index)+":"+data, maxCustomID)
}

// parseCustomID splits an ID built by customID into its prefix and data.
func parseCustomID(id string) (prefix, data string, ok bool) {
	for _, p := range []string{prefixPostback, prefixMessage} {
		rest, found := strings.CutPrefix(id, p)
		if !found {
			continue
		}
		index, tail, found := strings.Cut(rest, ":")
		if _, err := strconv.Atoi(index); !found || err != nil {
			return "", "", false
		}
		return p, tail, true
	}
	return "", "", false
}

// buildMessageSend translates a chat message into a Discord MessageSend.
func buildMessageSend(m chat.Message) *discordgo.MessageSend {
	data := &discordgo.MessageSend{Content: m.Text}
	buttons := m.QuickReplies
	if m.ButtonList != nil {
		if data.Content == "" {
			data.Content = "**" + m.ButtonList.Header + "**"
		}
		buttons = m.ButtonList.Buttons
	}
	data.Components = buttonRows(buttons)
	return data
}

// buttonRows lays buttons out five to a row. Discord allows five rows, so
// anything past 25 buttons is dropped.
func buttonRows(buttons []chat.Button) []discordgo.MessageComponent {
	if len(buttons) > buttonsPerRow*maxRows {
		log.Printf("discord: %d buttons exceed the limit, dropping %d", len(buttons), len(buttons)-buttonsPerRow*maxRows)
		buttons = buttons[:buttonsPerRow*maxRows]
	}
	var rows []discordgo.MessageComponent
	for start := 0; start < len(buttons); start += buttonsPerRow {
		end := min(start+buttonsPerRow, len(buttons))
		row := discordgo.ActionsRow{}
		for j, b := range buttons[start:end] {
			prefix, style := prefixPostback, discordgo.PrimaryButton
			if b.Kind == chat.ButtonMessage {
				prefix, style = prefixMessage, discordgo.SecondaryButton
			}
			row.Components = append(row.Components, discordgo.Button{
				Label:    clip(b.Label, maxLabel),
				Style:    style,
				CustomID: customID(prefix, start+j, b.Data),
			})
		}
		rows = append(rows, row)
	}
	return rows
}

// clip cuts s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if i > n {
			break
		}
		cut = i
	}
	return s[:cut]
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 || attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v", attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
