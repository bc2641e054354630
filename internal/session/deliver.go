package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zulandar/ventriloquist/internal/chat"
)

// Delivery is the input of the DeliverTemplate activity.
type Delivery struct {
	Token string   `json:"token"`
	Lines []string `json:"lines"`
}

// Deliverer sends finished templates back to the chat channel.
type Deliverer struct {
	messenger chat.Messenger
	header    string
}

// NewDeliverer creates a Deliverer replying through m. The header is shown
// above the buttons.
func NewDeliverer(m chat.Messenger, header string) *Deliverer {
	return &Deliverer{messenger: m, header: header}
}

// TemplateMessage builds the button list for lines, one button per line in
// order. Tapping a button sends the line as the user's message.
func TemplateMessage(header string, lines []string) chat.Message {
	buttons := make([]chat.Button, 0, len(lines))
	for _, l := range lines {
		buttons = append(buttons, chat.MessageButton(l))
	}
	return chat.Message{ButtonList: &chat.ButtonList{
		Header:  header,
		AltText: header,
		Buttons: buttons,
	}}
}

// Deliver is the DeliverTemplate activity.
func (d *Deliverer) Deliver(ctx context.Context, input json.RawMessage) (any, error) {
	var in Delivery
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("session: deliver template: decode input: %w", err)
	}
	if err := d.messenger.Reply(ctx, in.Token, TemplateMessage(d.header, in.Lines)); err != nil {
		return nil, fmt.Errorf("session: deliver template: %w", err)
	}
	return len(in.Lines), nil
}
