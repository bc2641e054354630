package chat

import "testing"

func TestUpdate_Kind(t *testing.T) {
	tests := []struct {
		name string
		u    Update
		want Kind
	}{
		{"text", Update{Text: "hello"}, KindText},
		{"postback", Update{Postback: "action=startTemplateSetting"}, KindPostback},
		{"postback wins over text", Update{Text: "x", Postback: "action=endTemplateSetting"}, KindPostback},
		{"empty", Update{UserID: "U1"}, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.u.Kind(); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		data string
		want Action
	}{
		{"action=startTemplateSetting", ActionStartTemplate},
		{"action=endTemplateSetting", ActionEndTemplate},
		{"action=terminateSession", ActionTerminateSession},
		{"action=terminateDurableSession", ActionTerminateSession},
		{"action=endTemplateSetting&extra=1", ActionEndTemplate},
		{" action=startTemplateSetting ", ActionStartTemplate},
		{"action=dance", ActionUnknown},
		{"startTemplateSetting", ActionUnknown},
		{"", ActionUnknown},
		{"%zz", ActionUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.data, func(t *testing.T) {
			if got := ParseAction(tt.data); got != tt.want {
				t.Errorf("ParseAction(%q) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}

func TestAction_DataRoundTrip(t *testing.T) {
	for _, a := range []Action{ActionStartTemplate, ActionEndTemplate, ActionTerminateSession} {
		if got := ParseAction(a.Data()); got != a {
			t.Errorf("ParseAction(%q) = %v, want %v", a.Data(), got, a)
		}
	}
	if got := ActionEndTemplate.Data(); got != "action=endTemplateSetting" {
		t.Errorf("Data() = %q", got)
	}
}

func TestButtons(t *testing.T) {
	b := MessageButton("good morning")
	if b.Kind != ButtonMessage || b.Label != "good morning" || b.Data != "good morning" {
		t.Errorf("MessageButton = %+v", b)
	}
	p := PostbackButton("Finish", "action=endTemplateSetting")
	if p.Kind != ButtonPostback || p.Data != "action=endTemplateSetting" {
		t.Errorf("PostbackButton = %+v", p)
	}
	m := TextMessage("Added", p)
	if m.Text != "Added" || len(m.QuickReplies) != 1 || m.ButtonList != nil {
		t.Errorf("TextMessage = %+v", m)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		want Action
		ok   bool
	}{
		{"!template", ActionStartTemplate, true},
		{"/template", ActionStartTemplate, true},
		{" !Template ", ActionStartTemplate, true},
		{"!stop", ActionTerminateSession, true},
		{"/vq stop", ActionTerminateSession, true},
		{"!vq template", ActionStartTemplate, true},
		{"template", ActionUnknown, false},
		{"!stop the car", ActionUnknown, false},
		{"/other stop", ActionUnknown, false},
		{"!dance", ActionUnknown, false},
		{"", ActionUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := ParseCommand(tt.text)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseCommand(%q) = %v, %v, want %v, %v", tt.text, got, ok, tt.want, tt.ok)
			}
		})
	}
}
