// Package line implements chat.Messenger for the LINE Messaging API and
// turns LINE webhook callbacks into chat updates.
package line

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	"github.com/zulandar/ventriloquist/internal/chat"
)

const (
	// maxLabel is the LINE limit on action labels, in characters.
	maxLabel = 20
	// maxQuickReplies is the LINE limit on quick reply items.
	maxQuickReplies = 13
)

// ErrInvalidSignature is returned by ParseRequest when the
// X-Line-Signature header does not match the body.
var ErrInvalidSignature = errors.New("line: invalid signature")

// lineClient abstracts the Messaging API methods we use, enabling test mocks.
type lineClient interface {
	ReplyMessage(req *messaging_api.ReplyMessageRequest) (*messaging_api.ReplyMessageResponse, error)
}

// Client replies through the Messaging API and parses webhook requests.
type Client struct {
	api           lineClient
	channelSecret string
}

// ClientOpts holds parameters for creating a LINE Client.
type ClientOpts struct {
	ChannelSecret string
	ChannelToken  string
	// For testing: inject a mock instead of the real Messaging API.
	API lineClient
}

var _ chat.Messenger = (*Client)(nil)

// New creates a LINE Client.
func New(opts ClientOpts) (*Client, error) {
	if opts.ChannelSecret == "" {
		return nil, fmt.Errorf("line: channel secret is required")
	}
	c := &Client{api: opts.API, channelSecret: opts.ChannelSecret}
	if c.api == nil {
		if opts.ChannelToken == "" {
			return nil, fmt.Errorf("line: channel token is required")
		}
		api, err := messaging_api.NewMessagingApiAPI(opts.ChannelToken)
		if err != nil {
			return nil, fmt.Errorf("line: messaging api: %w", err)
		}
		c.api = api
	}
	return c, nil
}

// Reply sends msgs with a reply token. LINE accepts at most five messages
// per reply.
func (c *Client) Reply(ctx context.Context, token string, msgs ...chat.Message) error {
	if token == "" {
		return fmt.Errorf("line: reply token is required")
	}
	if len(msgs) == 0 {
		return nil
	}
	if len(msgs) > 5 {
		return fmt.Errorf("line: %d messages exceed the reply limit of 5", len(msgs))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	out := make([]messaging_api.MessageInterface, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toLineMessage(m))
	}
	if _, err := c.api.ReplyMessage(&messaging_api.ReplyMessageRequest{ReplyToken: token, Messages: out}); err != nil {
		return fmt.Errorf("line: reply: %w", err)
	}
	return nil
}

// ParseRequest verifies the signature of a webhook request and converts
// its events. Events other than user text messages and postbacks are
// skipped.
func (c *Client) ParseRequest(r *http.Request) ([]chat.Update, error) {
	cb, err := webhook.ParseRequest(c.channelSecret, r)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			return nil, ErrInvalidSignature
		}
		return nil, fmt.Errorf("line: parse webhook: %w", err)
	}
	var updates []chat.Update
	for _, ev := range cb.Events {
		if u, ok := toUpdate(ev); ok {
			updates = append(updates, u)
		}
	}
	return updates, nil
}

func toUpdate(ev webhook.EventInterface) (chat.Update, bool) {
	switch e := ev.(type) {
	case webhook.MessageEvent:
		text, ok := e.Message.(webhook.TextMessageContent)
		if !ok {
			return chat.Update{}, false
		}
		return chat.Update{
			Platform:   "line",
			UserID:     sourceUser(e.Source),
			Text:       text.Text,
			ReplyToken: e.ReplyToken,
			EventID:    e.WebhookEventId,
			Redelivery: redelivered(e.DeliveryContext),
			Timestamp:  time.UnixMilli(e.Timestamp),
		}, true
	case webhook.PostbackEvent:
		if e.Postback == nil {
			return chat.Update{}, false
		}
		return chat.Update{
			Platform:   "line",
			UserID:     sourceUser(e.Source),
			Postback:   e.Postback.Data,
			ReplyToken: e.ReplyToken,
			EventID:    e.WebhookEventId,
			Redelivery: redelivered(e.DeliveryContext),
			Timestamp:  time.UnixMilli(e.Timestamp),
		}, true
	default:
		return chat.Update{}, false
	}
}

func sourceUser(src webhook.SourceInterface) string {
	switch s := src.(type) {
	case webhook.UserSource:
		return s.UserId
	case webhook.GroupSource:
		return s.UserId
	case webhook.RoomSource:
		return s.UserId
	default:
		return ""
	}
}

func redelivered(dc *webhook.DeliveryContext) bool {
	return dc != nil && dc.IsRedelivery
}
