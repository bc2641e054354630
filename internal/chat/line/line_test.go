package line

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/zulandar/ventriloquist/internal/chat"
)

const testSecret = "test-channel-secret"

// --- Mock Messaging API ---

type mockLineClient struct {
	mu   sync.Mutex
	reqs []*messaging_api.ReplyMessageRequest
	err  error
}

func (m *mockLineClient) ReplyMessage(req *messaging_api.ReplyMessageRequest) (*messaging_api.ReplyMessageResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.reqs = append(m.reqs, req)
	return &messaging_api.ReplyMessageResponse{}, nil
}

func (m *mockLineClient) last(t *testing.T) *messaging_api.ReplyMessageRequest {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reqs) == 0 {
		t.Fatal("no reply sent")
	}
	return m.reqs[len(m.reqs)-1]
}

func newTestClient(t *testing.T) (*Client, *mockLineClient) {
	t.Helper()
	mock := &mockLineClient{}
	c, err := New(ClientOpts{ChannelSecret: testSecret, API: mock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, mock
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(ClientOpts{ChannelToken: "tok"}); err == nil {
		t.Error("expected error for missing secret")
	}
	if _, err := New(ClientOpts{ChannelSecret: "s"}); err == nil {
		t.Error("expected error for missing token")
	}
}

func TestReply_Text(t *testing.T) {
	c, mock := newTestClient(t)
	if err := c.Reply(context.Background(), "rt-1", chat.TextMessage("hello")); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	req := mock.last(t)
	if req.ReplyToken != "rt-1" || len(req.Messages) != 1 {
		t.Fatalf("request = %+v", req)
	}
	msg, ok := req.Messages[0].(messaging_api.TextMessage)
	if !ok {
		t.Fatalf("message type = %T", req.Messages[0])
	}
	if msg.Text != "hello" || msg.QuickReply != nil {
		t.Errorf("message = %+v", msg)
	}
}

func TestReply_QuickReply(t *testing.T) {
	c, mock := newTestClient(t)
	finish := chat.PostbackButton("Finish template", chat.ActionEndTemplate.Data())
	if err := c.Reply(context.Background(), "rt-1", chat.TextMessage("added", finish)); err != nil {
		t.Fatal(err)
	}
	msg := mock.last(t).Messages[0].(messaging_api.TextMessage)
	if msg.QuickReply == nil || len(msg.QuickReply.Items) != 1 {
		t.Fatalf("quick reply = %+v", msg.QuickReply)
	}
	action, ok := msg.QuickReply.Items[0].Action.(*messaging_api.PostbackAction)
	if !ok {
		t.Fatalf("action type = %T", msg.QuickReply.Items[0].Action)
	}
	if action.Data != "action=endTemplateSetting" || action.Label != "Finish template" {
		t.Errorf("action = %+v", action)
	}
}

func TestReply_ButtonList(t *testing.T) {
	c, mock := newTestClient(t)
	list := &chat.ButtonList{
		Header: "Tap a line",
		Buttons: []chat.Button{
			chat.MessageButton("good morning"),
			chat.MessageButton("a line that is definitely longer than twenty characters"),
		},
	}
	if err := c.Reply(context.Background(), "rt-2", chat.Message{ButtonList: list}); err != nil {
		t.Fatal(err)
	}
	flex, ok := mock.last(t).Messages[0].(messaging_api.FlexMessage)
	if !ok {
		t.Fatalf("message type = %T", mock.last(t).Messages[0])
	}
	if flex.AltText != "Tap a line" {
		t.Errorf("AltText = %q", flex.AltText)
	}
	bubble := flex.Contents.(*messaging_api.FlexBubble)
	header := bubble.Header.Contents[0].(*messaging_api.FlexText)
	if header.Text != "Tap a line" {
		t.Errorf("header = %q", header.Text)
	}
	if len(bubble.Footer.Contents) != 2 {
		t.Fatalf("buttons = %d, want 2", len(bubble.Footer.Contents))
	}
	second := bubble.Footer.Contents[1].(*messaging_api.FlexButton).Action.(*messaging_api.MessageAction)
	if len([]rune(second.Label)) != maxLabel {
		t.Errorf("label not truncated: %q", second.Label)
	}
	if second.Text != "a line that is definitely longer than twenty characters" {
		t.Errorf("text = %q, want the full line", second.Text)
	}
}

func TestReply_EmptyButtonListHasNoFooter(t *testing.T) {
	c, mock := newTestClient(t)
	if err := c.Reply(context.Background(), "rt", chat.Message{ButtonList: &chat.ButtonList{Header: "Tap a line"}}); err != nil {
		t.Fatal(err)
	}
	bubble := mock.last(t).Messages[0].(messaging_api.FlexMessage).Contents.(*messaging_api.FlexBubble)
	if bubble.Footer != nil {
		t.Error("empty list must not render a footer")
	}
}

func TestReply_Errors(t *testing.T) {
	c, mock := newTestClient(t)
	if err := c.Reply(context.Background(), "", chat.TextMessage("x")); err == nil {
		t.Error("expected error for empty token")
	}
	six := make([]chat.Message, 6)
	if err := c.Reply(context.Background(), "rt", six...); err == nil {
		t.Error("expected error for more than five messages")
	}
	mock.err = errors.New("400 invalid reply token")
	err := c.Reply(context.Background(), "rt", chat.TextMessage("x"))
	if err == nil || !strings.Contains(err.Error(), "invalid reply token") {
		t.Errorf("err = %v", err)
	}
}

func TestTruncateLabel(t *testing.T) {
	tests := map[string]string{
		"short":                  "short",
		"exactly twenty chars":   "exactly twenty chars",
		"twenty-one characters!": "twenty-one character",
		"テンプレートを終了する日本語のボタンのラベルです": "テンプレートを終了する日本語のボタンのラ",
	}
	for in, want := range tests {
		if got := truncateLabel(in); got != want {
			t.Errorf("truncateLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

// --- Webhook parsing ---

func signedRequest(t *testing.T, secret, body string) *http.Request {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	req := httptest.NewRequest(http.MethodPost, "/line/webhook", strings.NewReader(body))
	req.Header.Set("X-Line-Signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("Content-Type", "application/json")
	return req
}

const webhookBody = `{
  "destination": "Uxxxxxxxx",
  "events": [
    {
      "type": "message",
      "mode": "active",
      "timestamp": 1700000000000,
      "source": {"type": "user", "userId": "U111"},
      "webhookEventId": "01HEVENT0001",
      "deliveryContext": {"isRedelivery": false},
      "replyToken": "rt-text",
      "message": {"type": "text", "id": "468789577898262530", "quoteToken": "q", "text": "hello voice"}
    },
    {
      "type": "postback",
      "mode": "active",
      "timestamp": 1700000001000,
      "source": {"type": "user", "userId": "U111"},
      "webhookEventId": "01HEVENT0002",
      "deliveryContext": {"isRedelivery": true},
      "replyToken": "rt-pb",
      "postback": {"data": "action=endTemplateSetting"}
    },
    {
      "type": "message",
      "mode": "active",
      "timestamp": 1700000002000,
      "source": {"type": "user", "userId": "U111"},
      "webhookEventId": "01HEVENT0003",
      "deliveryContext": {"isRedelivery": false},
      "replyToken": "rt-sticker",
      "message": {"type": "sticker", "id": "1", "quoteToken": "q", "packageId": "1", "stickerId": "1", "stickerResourceType": "STATIC"}
    },
    {
      "type": "follow",
      "mode": "active",
      "timestamp": 1700000003000,
      "source": {"type": "user", "userId": "U222"},
      "webhookEventId": "01HEVENT0004",
      "deliveryContext": {"isRedelivery": false},
      "replyToken": "rt-follow",
      "follow": {"isUnblocked": false}
    }
  ]
}`

func TestParseRequest(t *testing.T) {
	c, _ := newTestClient(t)
	updates, err := c.ParseRequest(signedRequest(t, testSecret, webhookBody))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("updates = %d, want 2: %+v", len(updates), updates)
	}

	text := updates[0]
	if text.Kind() != chat.KindText || text.Text != "hello voice" || text.UserID != "U111" ||
		text.ReplyToken != "rt-text" || text.EventID != "01HEVENT0001" || text.Redelivery {
		t.Errorf("text update = %+v", text)
	}
	if text.Platform != "line" || text.Timestamp.UnixMilli() != 1700000000000 {
		t.Errorf("platform/timestamp = %s/%s", text.Platform, text.Timestamp)
	}

	pb := updates[1]
	if pb.Kind() != chat.KindPostback || chat.ParseAction(pb.Postback) != chat.ActionEndTemplate {
		t.Errorf("postback update = %+v", pb)
	}
	if !pb.Redelivery || pb.ReplyToken != "rt-pb" {
		t.Errorf("postback redelivery/token = %v/%q", pb.Redelivery, pb.ReplyToken)
	}
}

func TestParseRequest_BadSignature(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.ParseRequest(signedRequest(t, "wrong-secret", webhookBody))
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestParseRequest_EmptyEvents(t *testing.T) {
	c, _ := newTestClient(t)
	updates, err := c.ParseRequest(signedRequest(t, testSecret, `{"destination":"U","events":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 0 {
		t.Errorf("updates = %d, want 0", len(updates))
	}
}
