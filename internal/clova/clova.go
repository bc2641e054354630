// Package clova encodes and decodes Clova Extension Kit (CEK) requests and
// responses and maps them onto voice dispatch turns.
package clova

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/zulandar/ventriloquist/internal/dispatch"
)

// Request types sent by the CEK platform.
const (
	RequestLaunch       = "LaunchRequest"
	RequestIntent       = "IntentRequest"
	RequestEvent        = "EventRequest"
	RequestSessionEnded = "SessionEndedRequest"
)

// Silent audio directive constants.
const (
	SilentAudioItemID = "silent-audio"
	PlayBehaviorAll   = "REPLACE_ALL"
	directivePlay     = "Play"
	protocolVersion   = "1.0"
	audioTitle        = "Ventriloquist"
)

// Request is a CEK request body.
type Request struct {
	Version string         `json:"version"`
	Session RequestSession `json:"session"`
	Context RequestContext `json:"context"`
	Request RequestBody    `json:"request"`
}

// RequestSession identifies the conversation and user.
type RequestSession struct {
	SessionID         string            `json:"sessionId"`
	New               bool              `json:"new"`
	User              User              `json:"user"`
	SessionAttributes map[string]string `json:"sessionAttributes,omitempty"`
}

// User is a CEK user.
type User struct {
	UserID      string `json:"userId"`
	AccessToken string `json:"accessToken,omitempty"`
}

// RequestContext carries device and system state.
type RequestContext struct {
	System struct {
		User   User `json:"user"`
		Device struct {
			DeviceID string `json:"deviceId"`
		} `json:"device"`
	} `json:"System"`
}

// RequestBody is the typed part of a request.
type RequestBody struct {
	Type   string  `json:"type"`
	Intent *Intent `json:"intent,omitempty"`
	Event  *Event  `json:"event,omitempty"`
}

// Intent is set on IntentRequest.
type Intent struct {
	Name  string                     `json:"name"`
	Slots map[string]json.RawMessage `json:"slots,omitempty"`
}

// Event is set on EventRequest.
type Event struct {
	Namespace string          `json:"namespace"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodeRequest reads one CEK request.
func DecodeRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("clova: decode request: %w", err)
	}
	return &req, nil
}

// UserID returns the session user, falling back to the system context.
func (r *Request) UserID() string {
	if r.Session.User.UserID != "" {
		return r.Session.User.UserID
	}
	return r.Context.System.User.UserID
}

// Turn maps the request onto a dispatch turn.
func (r *Request) Turn() dispatch.Turn {
	turn := dispatch.Turn{UserID: r.UserID()}
	switch r.Request.Type {
	case RequestLaunch:
		turn.Type = dispatch.TurnLaunch
	case RequestIntent:
		turn.Type = dispatch.TurnIntent
		if r.Request.Intent != nil {
			turn.Name = r.Request.Intent.Name
		}
	case RequestEvent:
		turn.Type = dispatch.TurnEvent
		if r.Request.Event != nil {
			turn.Namespace = r.Request.Event.Namespace
			turn.Name = r.Request.Event.Name
		}
	case RequestSessionEnded:
		turn.Type = dispatch.TurnSessionEnded
	default:
		turn.Type = dispatch.TurnUnknown
	}
	return turn
}

// Response is a CEK response body.
type Response struct {
	Version           string            `json:"version"`
	SessionAttributes map[string]string `json:"sessionAttributes"`
	Response          ResponseBody      `json:"response"`
}

// ResponseBody holds speech and directives.
type ResponseBody struct {
	OutputSpeech     *OutputSpeech `json:"outputSpeech,omitempty"`
	Card             struct{}      `json:"card"`
	Directives       []Directive   `json:"directives"`
	ShouldEndSession bool          `json:"shouldEndSession"`
}

// OutputSpeech is SimpleSpeech (Values is one SpeechInfo) or SpeechList
// (Values is a list).
type OutputSpeech struct {
	Type   string `json:"type"`
	Values any    `json:"values"`
}

// SpeechInfo is one spoken text.
type SpeechInfo struct {
	Type  string `json:"type"`
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

// Directive is a CEK directive.
type Directive struct {
	Header  DirectiveHeader `json:"header"`
	Payload any             `json:"payload"`
}

// DirectiveHeader names a directive.
type DirectiveHeader struct {
	MessageID string `json:"messageId,omitempty"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// AudioPlayPayload is the payload of AudioPlayer.Play.
type AudioPlayPayload struct {
	AudioItem    AudioItem `json:"audioItem"`
	PlayBehavior string    `json:"playBehavior"`
	Source       Source    `json:"source"`
}

// AudioItem is the track to play.
type AudioItem struct {
	AudioItemID string      `json:"audioItemId"`
	TitleText   string      `json:"titleText,omitempty"`
	Stream      AudioStream `json:"stream"`
}

// AudioStream locates the audio.
type AudioStream struct {
	BeginAtInMilliseconds int    `json:"beginAtInMilliseconds"`
	URL                   string `json:"url"`
	URLPlayable           bool   `json:"urlPlayable"`
}

// Source names the audio provider.
type Source struct {
	Name string `json:"name"`
}

// ResponseOpts configures response building.
type ResponseOpts struct {
	SilentAudioURL string
	Lang           string // defaults to "en"
}

// BuildResponse renders a voice reply. The silent play directive comes
// first so the speaker keeps the session open after speaking.
func BuildResponse(reply dispatch.VoiceReply, opts ResponseOpts) *Response {
	lang := opts.Lang
	if lang == "" {
		lang = "en"
	}
	resp := &Response{
		Version:           protocolVersion,
		SessionAttributes: map[string]string{},
		Response:          ResponseBody{Directives: []Directive{}},
	}
	if reply.KeepWaiting {
		resp.Response.Directives = append(resp.Response.Directives, silentPlay(opts.SilentAudioURL))
	}
	resp.Response.OutputSpeech = speech(reply.Speech, lang)
	return resp
}

func silentPlay(url string) Directive {
	return Directive{
		Header: DirectiveHeader{Namespace: dispatch.NamespaceAudioPlayer, Name: directivePlay},
		Payload: AudioPlayPayload{
			AudioItem: AudioItem{
				AudioItemID: SilentAudioItemID,
				TitleText:   audioTitle,
				Stream:      AudioStream{BeginAtInMilliseconds: 0, URL: url, URLPlayable: true},
			},
			PlayBehavior: PlayBehaviorAll,
			Source:       Source{Name: audioTitle},
		},
	}
}

func speech(texts []string, lang string) *OutputSpeech {
	infos := make([]SpeechInfo, 0, len(texts))
	for _, t := range texts {
		if t == "" {
			continue
		}
		infos = append(infos, SpeechInfo{Type: "PlainText", Lang: lang, Value: t})
	}
	switch len(infos) {
	case 0:
		return nil
	case 1:
		return &OutputSpeech{Type: "SimpleSpeech", Values: infos[0]}
	default:
		return &OutputSpeech{Type: "SpeechList", Values: infos}
	}
}

// TurnHandler is implemented by dispatch.VoiceDispatcher.
type TurnHandler interface {
	Handle(ctx context.Context, turn dispatch.Turn) (dispatch.VoiceReply, error)
}

// Skill answers CEK requests through a TurnHandler.
type Skill struct {
	handler TurnHandler
	opts    ResponseOpts
}

// NewSkill creates a Skill.
func NewSkill(h TurnHandler, opts ResponseOpts) (*Skill, error) {
	if h == nil {
		return nil, fmt.Errorf("clova: turn handler is required")
	}
	if opts.SilentAudioURL == "" {
		return nil, fmt.Errorf("clova: silent audio url is required")
	}
	return &Skill{handler: h, opts: opts}, nil
}

// Respond handles one request. A dispatch error still yields a valid
// response with no speech so the speaker does not hang.
func (s *Skill) Respond(ctx context.Context, req *Request) (*Response, error) {
	reply, err := s.handler.Handle(ctx, req.Turn())
	if err != nil {
		return BuildResponse(dispatch.VoiceReply{}, s.opts), fmt.Errorf("clova: %s: %w", req.Request.Type, err)
	}
	return BuildResponse(reply, s.opts), nil
}
