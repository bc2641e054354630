package line

import (
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/zulandar/ventriloquist/internal/chat"
)

// toLineMessage renders a chat message. Button lists become a flex bubble
// with the header on top and one link button per entry.
func toLineMessage(m chat.Message) messaging_api.MessageInterface {
	if m.ButtonList != nil {
		return buttonListMessage(m.ButtonList)
	}
	msg := messaging_api.TextMessage{Text: m.Text}
	if len(m.QuickReplies) > 0 {
		msg.QuickReply = quickReply(m.QuickReplies)
	}
	return msg
}

func quickReply(buttons []chat.Button) *messaging_api.QuickReply {
	if len(buttons) > maxQuickReplies {
		buttons = buttons[:maxQuickReplies]
	}
	items := make([]messaging_api.QuickReplyItem, 0, len(buttons))
	for _, b := range buttons {
		items = append(items, messaging_api.QuickReplyItem{Type: "action", Action: toAction(b)})
	}
	return &messaging_api.QuickReply{Items: items}
}

func toAction(b chat.Button) messaging_api.ActionInterface {
	label := truncateLabel(b.Label)
	if b.Kind == chat.ButtonMessage {
		return &messaging_api.MessageAction{Label: label, Text: b.Data}
	}
	return &messaging_api.PostbackAction{Label: label, Data: b.Data, DisplayText: b.Label}
}

func buttonListMessage(list *chat.ButtonList) messaging_api.MessageInterface {
	buttons := make([]messaging_api.FlexComponentInterface, 0, len(list.Buttons))
	for _, b := range list.Buttons {
		buttons = append(buttons, &messaging_api.FlexButton{
			Action: toAction(b),
			Style:  messaging_api.FlexButtonSTYLE_LINK,
			Height: messaging_api.FlexButtonHEIGHT_SM,
		})
	}
	bubble := &messaging_api.FlexBubble{
		Header: &messaging_api.FlexBox{
			Layout: messaging_api.FlexBoxLAYOUT_VERTICAL,
			Contents: []messaging_api.FlexComponentInterface{
				&messaging_api.FlexText{
					Text:   list.Header,
					Weight: messaging_api.FlexTextWEIGHT_BOLD,
					Align:  messaging_api.FlexTextALIGN_CENTER,
				},
			},
		},
	}
	// LINE rejects a box without contents, so an empty list keeps only the header.
	if len(buttons) > 0 {
		bubble.Footer = &messaging_api.FlexBox{
			Layout:   messaging_api.FlexBoxLAYOUT_VERTICAL,
			Spacing:  "sm",
			Contents: buttons,
		}
	}
	alt := list.AltText
	if alt == "" {
		alt = list.Header
	}
	return messaging_api.FlexMessage{AltText: alt, Contents: bubble}
}

// truncateLabel cuts s to the LINE label limit.
func truncateLabel(s string) string {
	r := []rune(s)
	if len(r) <= maxLabel {
		return s
	}
	return string(r[:maxLabel])
}
