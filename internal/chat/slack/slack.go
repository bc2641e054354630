// Package slack implements chat.Adapter for Slack using Socket Mode.
// Buttons are Block Kit actions; since Slack has no reply tokens, the
// channel ID is used as the reply token.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/ventriloquist/internal/chat"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10

	// Action ID prefixes telling postback buttons from message buttons.
	actionPostback = "postback"
	actionMessage  = "message"

	// Block Kit limits, in characters.
	maxButtonText   = 75
	maxButtonValue  = 2000
	maxHeaderText   = 150
	buttonsPerBlock = 25
	// A message holds 50 blocks; one goes to the header.
	maxActionBlocks = 49
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements chat.Adapter for Slack Socket Mode.
type Adapter struct {
	client       slackClient
	socket       socketClient
	botUserID    string
	appToken     string
	botToken     string
	mu           sync.Mutex
	connected    bool
	closed       bool
	inbound      chan chat.Update
	cancelFunc   context.CancelFunc
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int
}

var _ chat.Adapter = (*Adapter)(nil)

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken string // xapp-... Slack app-level token for Socket Mode
	BotToken string // xoxb-... Slack bot token
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	return &Adapter{
		client:       opts.Client,
		socket:       opts.Socket,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		inbound:      make(chan chat.Update, 100),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}, nil
}

// Connect authenticates the bot and prepares the Socket Mode client.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.connected = true
	return nil
}

// Listen starts the Socket Mode event pump and returns the update
// channel. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan chat.Update, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("slack: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)
	return a.inbound, nil
}

// Reply posts msgs to the channel named by token.
func (a *Adapter) Reply(ctx context.Context, token string, msgs ...chat.Message) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("slack: not connected")
	}
	if token == "" {
		return fmt.Errorf("slack: no channel specified")
	}
	for _, m := range msgs {
		options := buildMessageOptions(m)
		err := retryOnRateLimit(ctx, func() error {
			_, _, postErr := a.client.PostMessage(token, options...)
			return postErr
		})
		if err != nil {
			return fmt.Errorf("slack: post message: %w", err)
		}
	}
	return nil
}

// Close shuts down the adapter and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error.
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, a.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", a.maxReconnect)
}

// pumpEvents reads Socket Mode events and converts them to updates.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(ctx, evt)
		}
	}
}

func (a *Adapter) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		if eventsAPIEvent.Type != slackevents.CallbackEvent {
			return
		}
		if ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			if u, ok := a.messageUpdate(ev); ok {
				a.emit(ctx, u)
			}
		}

	case socketmode.EventTypeInteractive:
		cb, ok := evt.Data.(slackapi.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		for _, u := range actionUpdates(cb) {
			a.emit(ctx, u)
		}

	case socketmode.EventTypeSlashCommand:
		cmd, ok := evt.Data.(slackapi.SlashCommand)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		if u, ok := commandUpdate(cmd); ok {
			a.emit(ctx, u)
		}

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")
	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")
	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)
	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

func (a *Adapter) emit(ctx context.Context, u chat.Update) {
	select {
	case a.inbound <- u:
	case <-ctx.Done():
	}
}

// messageUpdate converts a user message. Bot messages and subtypes
// (edits, deletes, joins) are skipped.
func (a *Adapter) messageUpdate(ev *slackevents.MessageEvent) (chat.Update, bool) {
	if ev.User == "" || ev.User == a.BotUserID() || ev.BotID != "" || ev.SubType != "" {
		return chat.Update{}, false
	}
	u := chat.Update{
		Platform:   "slack",
		UserID:     ev.User,
		Text:       ev.Text,
		ReplyToken: ev.Channel,
		EventID:    ev.Channel + ":" + ev.TimeStamp,
		Timestamp:  parseSlackTimestamp(ev.TimeStamp),
	}
	if act, ok := chat.ParseCommand(ev.Text); ok {
		u.Text, u.Postback = "", act.Data()
	}
	return u, true
}

// commandUpdate converts a slash command such as "/template" or
// "/vq stop" into the postback its rich menu button would send.
func commandUpdate(cmd slackapi.SlashCommand) (chat.Update, bool) {
	act, ok := chat.ParseCommand(cmd.Command + " " + cmd.Text)
	if !ok || cmd.UserID == "" {
		log.Printf("slack: ignoring slash command %s %q", cmd.Command, cmd.Text)
		return chat.Update{}, false
	}
	return chat.Update{
		Platform:   "slack",
		UserID:     cmd.UserID,
		Postback:   act.Data(),
		ReplyToken: cmd.ChannelID,
		EventID:    "command:" + cmd.TriggerID,
		Timestamp:  time.Now(),
	}, true
}

// actionUpdates converts block button taps. Message buttons come back as
// text, as if the user had typed the line.
func actionUpdates(cb slackapi.InteractionCallback) []chat.Update {
	if cb.Type != slackapi.InteractionTypeBlockActions {
		return nil
	}
	var out []chat.Update
	for _, act := range cb.ActionCallback.BlockActions {
		if act == nil {
			continue
		}
		u := chat.Update{
			Platform:   "slack",
			UserID:     cb.User.ID,
			ReplyToken: cb.Channel.ID,
			EventID:    cb.TriggerID + ":" + act.ActionID,
			Timestamp:  parseSlackTimestamp(string(act.ActionTs)),
		}
		switch kind, _, _ := strings.Cut(act.ActionID, ":"); kind {
		case actionPostback:
			u.Postback = act.Value
		case actionMessage:
			u.Text = act.Value
		default:
			continue
		}
		out = append(out, u)
	}
	return out
}

// buildMessageOptions translates a chat message into Slack MsgOptions.
func buildMessageOptions(m chat.Message) []slackapi.MsgOption {
	text := m.Text
	if m.ButtonList != nil && text == "" {
		text = m.ButtonList.AltText
		if text == "" {
			text = m.ButtonList.Header
		}
	}
	options := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if blocks := buildBlocks(m); len(blocks) > 0 {
		options = append(options, slackapi.MsgOptionBlocks(blocks...))
	}
	return options
}

// buildBlocks renders buttons as Block Kit. Plain text needs no blocks.
func buildBlocks(m chat.Message) []slackapi.Block {
	switch {
	case m.ButtonList != nil:
		blocks := []slackapi.Block{
			slackapi.NewHeaderBlock(slackapi.NewTextBlockObject(slackapi.PlainTextType, clip(m.ButtonList.Header, maxHeaderText), false, false)),
		}
		return append(blocks, actionBlocks("template", m.ButtonList.Buttons)...)
	case len(m.QuickReplies) > 0:
		blocks := []slackapi.Block{
			slackapi.NewSectionBlock(slackapi.NewTextBlockObject(slackapi.MarkdownType, m.Text, false, false), nil, nil),
		}
		return append(blocks, actionBlocks("quick", m.QuickReplies)...)
	default:
		return nil
	}
}

// actionBlocks splits buttons into action blocks of at most 25 elements.
// Action IDs carry the index across the whole list, so they stay unique.
func actionBlocks(blockID string, buttons []chat.Button) []slackapi.Block {
	if limit := buttonsPerBlock * maxActionBlocks; len(buttons) > limit {
		log.Printf("slack: %d buttons exceed the limit, dropping %d", len(buttons), len(buttons)-limit)
		buttons = buttons[:limit]
	}
	var blocks []slackapi.Block
	for start := 0; start < len(buttons); start += buttonsPerBlock {
		end := min(start+buttonsPerBlock, len(buttons))
		elements := make([]slackapi.BlockElement, 0, end-start)
		for i := start; i < end; i++ {
			b := buttons[i]
			kind := actionPostback
			if b.Kind == chat.ButtonMessage {
				kind = actionMessage
			}
			label := slackapi.NewTextBlockObject(slackapi.PlainTextType, clip(b.Label, maxButtonText), false, false)
			elements = append(elements, slackapi.NewButtonBlockElement(kind+":"+strconv.Itoa(i), clip(b.Data, maxButtonValue), label))
		}
		id := blockID
		if start > 0 {
			id = blockID + "-" + strconv.Itoa(start/buttonsPerBlock)
		}
		blocks = append(blocks, slackapi.NewActionBlock(id, elements...))
	}
	return blocks
}

// clip cuts s to at most n characters.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	sec, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
