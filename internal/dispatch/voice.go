// Package dispatch turns voice-assistant turns and chat updates into
// operations on the per-user session and template workflows.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/zulandar/ventriloquist/internal/config"
	"github.com/zulandar/ventriloquist/internal/durable"
	"github.com/zulandar/ventriloquist/internal/session"
)

// Termination reasons recorded on the session instance.
const (
	ReasonPaused       = "paused"
	ReasonEnded        = "ended"
	ReasonUserCanceled = "user canceled"
)

// Audio player event identifiers.
const (
	NamespaceAudioPlayer = "AudioPlayer"
	EventPlayFinished    = "PlayFinished"
	EventPlayPaused      = "PlayPaused"
)

// TurnType is the kind of voice-platform request.
type TurnType int

const (
	TurnUnknown TurnType = iota
	TurnLaunch
	TurnIntent
	TurnEvent
	TurnSessionEnded
)

func (t TurnType) String() string {
	switch t {
	case TurnLaunch:
		return "Launch"
	case TurnIntent:
		return "Intent"
	case TurnEvent:
		return "Event"
	case TurnSessionEnded:
		return "SessionEnded"
	default:
		return "Unknown"
	}
}

// Turn is one voice-platform request.
type Turn struct {
	Type      TurnType
	UserID    string
	Namespace string // event turns only
	Name      string // event name, or intent name for intent turns
}

// VoiceReply is what the voice platform should do next. KeepWaiting asks
// for the silent audio loop; Speech entries are spoken in order.
type VoiceReply struct {
	KeepWaiting bool
	Speech      []string
}

// SessionStore is the part of session.Correlator the voice side uses.
type SessionStore interface {
	Session(ctx context.Context, userID string) (session.Snapshot, error)
	StartSession(ctx context.Context, userID string) (bool, error)
	RestartSession(ctx context.Context, userID string) error
	TerminateSession(ctx context.Context, userID, reason string) error
}

// VoiceOpts holds parameters for creating a VoiceDispatcher.
type VoiceOpts struct {
	Sessions SessionStore
	Messages config.VoiceMessages
	Out      io.Writer // defaults to os.Stdout
}

// VoiceDispatcher handles voice-platform turns.
type VoiceDispatcher struct {
	sessions SessionStore
	messages config.VoiceMessages
	out      io.Writer
}

// NewVoiceDispatcher creates a VoiceDispatcher.
func NewVoiceDispatcher(opts VoiceOpts) (*VoiceDispatcher, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("dispatch: voice: session store is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &VoiceDispatcher{sessions: opts.Sessions, messages: opts.Messages, out: out}, nil
}

// Handle decides the reply for one turn.
func (d *VoiceDispatcher) Handle(ctx context.Context, turn Turn) (VoiceReply, error) {
	if turn.UserID == "" {
		return VoiceReply{}, fmt.Errorf("dispatch: voice: %s turn without user id", turn.Type)
	}
	fmt.Fprintf(d.out, "dispatch: voice: recv [user=%s] %s %s%s\n",
		turn.UserID, turn.Type, turn.Namespace, eventSuffix(turn))

	switch turn.Type {
	case TurnLaunch:
		return d.launch(ctx, turn.UserID)
	case TurnEvent:
		if turn.Namespace != NamespaceAudioPlayer {
			return VoiceReply{}, nil
		}
		switch turn.Name {
		case EventPlayFinished:
			return d.playFinished(ctx, turn.UserID)
		case EventPlayPaused:
			return VoiceReply{}, d.sessions.TerminateSession(ctx, turn.UserID, ReasonPaused)
		}
		return VoiceReply{}, nil
	case TurnSessionEnded:
		if err := d.sessions.TerminateSession(ctx, turn.UserID, ReasonEnded); err != nil {
			return VoiceReply{}, err
		}
		return VoiceReply{Speech: []string{d.messages.Ended}}, nil
	default:
		return VoiceReply{}, nil
	}
}

func (d *VoiceDispatcher) launch(ctx context.Context, userID string) (VoiceReply, error) {
	if _, err := d.sessions.StartSession(ctx, userID); err != nil {
		return VoiceReply{}, err
	}
	return VoiceReply{KeepWaiting: true, Speech: []string{d.messages.Launch}}, nil
}

// playFinished runs at the end of each silent loop. A completed session is
// spoken and restarted in the same turn.
func (d *VoiceDispatcher) playFinished(ctx context.Context, userID string) (VoiceReply, error) {
	snap, err := d.sessions.Session(ctx, userID)
	if err != nil {
		return VoiceReply{}, err
	}
	if !snap.Found {
		return VoiceReply{Speech: []string{d.messages.Terminated}}, nil
	}

	switch snap.Status {
	case durable.StatusPending, durable.StatusRunning, durable.StatusContinuedAsNew:
		return VoiceReply{KeepWaiting: true}, nil
	case durable.StatusCompleted:
		if err := d.sessions.RestartSession(ctx, userID); err != nil {
			return VoiceReply{}, err
		}
		fmt.Fprintf(d.out, "dispatch: voice: relay [user=%s] %q\n", userID, truncate(snap.Output, 80))
		return VoiceReply{KeepWaiting: true, Speech: []string{snap.Output}}, nil
	case durable.StatusFailed:
		return VoiceReply{Speech: []string{d.messages.Failed}}, nil
	default:
		return VoiceReply{Speech: []string{d.messages.Terminated}}, nil
	}
}

func eventSuffix(t Turn) string {
	if t.Name == "" {
		return ""
	}
	if t.Namespace == "" {
		return t.Name
	}
	return "." + t.Name
}

// truncate shortens s to at most n runes, appending "..." if truncated.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
