// Package chat defines the platform-neutral shapes exchanged with chat
// transports (LINE, Slack, Discord): inbound updates, outbound messages and
// the interfaces each transport satisfies.
package chat

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// Messenger delivers reply messages. The token is whatever the platform
// needs to address the reply: a LINE reply token, or a Slack/Discord
// channel ID.
type Messenger interface {
	Reply(ctx context.Context, token string, msgs ...Message) error
}

// Adapter is a socket-style transport that pushes updates to the process.
type Adapter interface {
	Messenger

	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound updates. The channel is closed
	// when the context is cancelled or the adapter is closed. Listen must
	// only be called after Connect.
	Listen(ctx context.Context) (<-chan Update, error)

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// Kind classifies an inbound update.
type Kind int

const (
	KindUnknown Kind = iota
	KindText
	KindPostback
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindPostback:
		return "postback"
	default:
		return "unknown"
	}
}

// Update is one inbound chat event, normalized across platforms.
type Update struct {
	Platform   string // "line", "slack", "discord"
	UserID     string
	Text       string // set for text messages
	Postback   string // set for button postbacks, e.g. "action=endTemplateSetting"
	ReplyToken string
	EventID    string // platform event id, used to drop redeliveries
	Redelivery bool
	Timestamp  time.Time
}

// Kind reports whether the update is a text message, a postback, or
// something the dispatcher ignores.
func (u Update) Kind() Kind {
	switch {
	case u.Postback != "":
		return KindPostback
	case u.Text != "":
		return KindText
	default:
		return KindUnknown
	}
}

// Action is a postback command.
type Action int

const (
	ActionUnknown Action = iota
	ActionStartTemplate
	ActionEndTemplate
	ActionTerminateSession
)

// Postback action names as carried in "action=<name>" data.
const (
	actionStartTemplate    = "startTemplateSetting"
	actionEndTemplate      = "endTemplateSetting"
	actionTerminateSession = "terminateSession"
	actionTerminateLegacy  = "terminateDurableSession"
)

func (a Action) String() string {
	switch a {
	case ActionStartTemplate:
		return actionStartTemplate
	case ActionEndTemplate:
		return actionEndTemplate
	case ActionTerminateSession:
		return actionTerminateSession
	default:
		return "unknown"
	}
}

// Data returns the postback payload that ParseAction maps back to a.
func (a Action) Data() string {
	return "action=" + a.String()
}

// ParseAction extracts the action from postback data of the form
// "action=<name>[&...]".
func ParseAction(data string) Action {
	values, err := url.ParseQuery(strings.TrimSpace(data))
	if err != nil {
		return ActionUnknown
	}
	switch values.Get("action") {
	case actionStartTemplate:
		return ActionStartTemplate
	case actionEndTemplate:
		return ActionEndTemplate
	case actionTerminateSession, actionTerminateLegacy:
		return ActionTerminateSession
	default:
		return ActionUnknown
	}
}

// Typed command words for platforms without a LINE-style rich menu.
// "!template", "/stop" and "/vq template" are all accepted.
const commandNamespace = "vq"

var commandActions = map[string]Action{
	"template": ActionStartTemplate,
	"stop":     ActionTerminateSession,
}

// ParseCommand maps a whole-message command to the action its rich menu
// button would post. Anything else, including a command followed by more
// text, is not a command.
func ParseCommand(text string) (Action, bool) {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 || len(fields) > 2 {
		return ActionUnknown, false
	}
	word, ok := strings.CutPrefix(fields[0], "!")
	if !ok {
		word, ok = strings.CutPrefix(fields[0], "/")
	}
	if !ok {
		return ActionUnknown, false
	}
	if len(fields) == 2 {
		if word != commandNamespace {
			return ActionUnknown, false
		}
		word = fields[1]
	}
	a, ok := commandActions[word]
	return a, ok
}

// ButtonKind says what tapping a button does.
type ButtonKind int

const (
	// ButtonPostback sends Data back as a postback.
	ButtonPostback ButtonKind = iota
	// ButtonMessage makes the user send Data as a text message.
	ButtonMessage
)

// Button is a tappable action attached to a message.
type Button struct {
	Label string
	Kind  ButtonKind
	Data  string
}

// PostbackButton returns a button that posts data back.
func PostbackButton(label, data string) Button {
	return Button{Label: label, Kind: ButtonPostback, Data: data}
}

// MessageButton returns a button that sends text as the user's message.
func MessageButton(text string) Button {
	return Button{Label: text, Kind: ButtonMessage, Data: text}
}

// ButtonList is a card with a header and one button per entry, in order.
type ButtonList struct {
	Header  string
	AltText string
	Buttons []Button
}

// Message is one outbound message. Either Text or ButtonList is set.
type Message struct {
	Text         string
	QuickReplies []Button
	ButtonList   *ButtonList
}

// TextMessage builds a plain text message with optional quick replies.
func TextMessage(text string, quick ...Button) Message {
	return Message{Text: text, QuickReplies: quick}
}
