package dispatch

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/zulandar/ventriloquist/internal/config"
	"github.com/zulandar/ventriloquist/internal/durable"
	"github.com/zulandar/ventriloquist/internal/durable/durabletest"
	"github.com/zulandar/ventriloquist/internal/session"
)

var testVoiceMessages = config.VoiceMessages{
	Launch:     "launch notice",
	Failed:     "failure notice",
	Terminated: "termination notice",
	Ended:      "closing notice",
}

func newVoice(t *testing.T, fake *durabletest.Fake, policy durable.StartPolicy) *VoiceDispatcher {
	t.Helper()
	d, err := NewVoiceDispatcher(VoiceOpts{
		Sessions: session.NewCorrelator(fake, policy),
		Messages: testVoiceMessages,
		Out:      &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("NewVoiceDispatcher: %v", err)
	}
	return d
}

func playFinished(user string) Turn {
	return Turn{Type: TurnEvent, UserID: user, Namespace: NamespaceAudioPlayer, Name: EventPlayFinished}
}

func TestNewVoiceDispatcher_RequiresStore(t *testing.T) {
	if _, err := NewVoiceDispatcher(VoiceOpts{}); err == nil {
		t.Fatal("expected error for missing session store")
	}
}

func TestVoice_Launch(t *testing.T) {
	fake := durabletest.New()
	d := newVoice(t, fake, durable.StartReplace)

	reply, err := d.Handle(context.Background(), Turn{Type: TurnLaunch, UserID: "U1"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !reply.KeepWaiting {
		t.Error("launch must keep the voice channel waiting")
	}
	if len(reply.Speech) != 1 || reply.Speech[0] != "launch notice" {
		t.Errorf("Speech = %v", reply.Speech)
	}
	if fake.Starts("U1") != 1 {
		t.Errorf("Starts = %d, want 1", fake.Starts("U1"))
	}
}

func TestVoice_LaunchRejectKeepsLiveSession(t *testing.T) {
	fake := durabletest.New()
	fake.SetStatus("U1", durable.StatusRunning)
	d := newVoice(t, fake, durable.StartReject)

	reply, err := d.Handle(context.Background(), Turn{Type: TurnLaunch, UserID: "U1"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !reply.KeepWaiting {
		t.Error("launch must keep waiting even when the live session is kept")
	}
	if fake.Starts("U1") != 0 {
		t.Errorf("Starts = %d, want 0", fake.Starts("U1"))
	}
}

func TestVoice_PlayFinished(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(f *durabletest.Fake)
		keepWaiting bool
		speech      []string
		starts      int
	}{
		{
			name:        "running keeps waiting",
			setup:       func(f *durabletest.Fake) { f.SetStatus("U1", durable.StatusRunning) },
			keepWaiting: true,
		},
		{
			name:        "pending keeps waiting",
			setup:       func(f *durabletest.Fake) { f.SetStatus("U1", durable.StatusPending) },
			keepWaiting: true,
		},
		{
			name:        "continued as new keeps waiting",
			setup:       func(f *durabletest.Fake) { f.SetStatus("U1", durable.StatusContinuedAsNew) },
			keepWaiting: true,
		},
		{
			name:        "completed speaks and restarts",
			setup:       func(f *durabletest.Fake) { f.Complete("U1", "hello") },
			keepWaiting: true,
			speech:      []string{"hello"},
			starts:      1,
		},
		{
			name:   "failed speaks failure",
			setup:  func(f *durabletest.Fake) { f.SetStatus("U1", durable.StatusFailed) },
			speech: []string{"failure notice"},
		},
		{
			name:   "terminated speaks termination",
			setup:  func(f *durabletest.Fake) { f.SetStatus("U1", durable.StatusTerminated) },
			speech: []string{"termination notice"},
		},
		{
			name:   "canceled speaks termination",
			setup:  func(f *durabletest.Fake) { f.SetStatus("U1", durable.StatusCanceled) },
			speech: []string{"termination notice"},
		},
		{
			name:   "missing speaks termination",
			setup:  func(f *durabletest.Fake) {},
			speech: []string{"termination notice"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := durabletest.New()
			tt.setup(fake)
			d := newVoice(t, fake, durable.StartReplace)

			reply, err := d.Handle(context.Background(), playFinished("U1"))
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if reply.KeepWaiting != tt.keepWaiting {
				t.Errorf("KeepWaiting = %v, want %v", reply.KeepWaiting, tt.keepWaiting)
			}
			if strings.Join(reply.Speech, "|") != strings.Join(tt.speech, "|") {
				t.Errorf("Speech = %v, want %v", reply.Speech, tt.speech)
			}
			if got := fake.Starts("U1"); got != tt.starts {
				t.Errorf("Starts = %d, want %d", got, tt.starts)
			}
		})
	}
}

func TestVoice_CompletedRestartsRunning(t *testing.T) {
	fake := durabletest.New()
	fake.Complete("U1", "say this")
	d := newVoice(t, fake, durable.StartReject)

	if _, err := d.Handle(context.Background(), playFinished("U1")); err != nil {
		t.Fatal(err)
	}
	st, err := fake.Status(context.Background(), "U1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != durable.StatusRunning {
		t.Errorf("status after restart = %s, want Running", st.Status)
	}
}

func TestVoice_PlayPausedTerminates(t *testing.T) {
	fake := durabletest.New()
	fake.SetStatus("U1", durable.StatusRunning)
	d := newVoice(t, fake, durable.StartReplace)

	reply, err := d.Handle(context.Background(), Turn{
		Type: TurnEvent, UserID: "U1", Namespace: NamespaceAudioPlayer, Name: EventPlayPaused,
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.KeepWaiting || len(reply.Speech) != 0 {
		t.Errorf("reply = %+v, want empty", reply)
	}
	if fake.Reason("U1") != ReasonPaused {
		t.Errorf("Reason = %q, want %q", fake.Reason("U1"), ReasonPaused)
	}
}

func TestVoice_SessionEnded(t *testing.T) {
	fake := durabletest.New()
	fake.SetStatus("U1", durable.StatusRunning)
	d := newVoice(t, fake, durable.StartReplace)

	reply, err := d.Handle(context.Background(), Turn{Type: TurnSessionEnded, UserID: "U1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.Speech) != 1 || reply.Speech[0] != "closing notice" {
		t.Errorf("Speech = %v", reply.Speech)
	}
	if fake.Reason("U1") != ReasonEnded {
		t.Errorf("Reason = %q, want %q", fake.Reason("U1"), ReasonEnded)
	}
}

func TestVoice_Ignored(t *testing.T) {
	turns := []Turn{
		{Type: TurnIntent, UserID: "U1", Name: "Clova.GuideIntent"},
		{Type: TurnEvent, UserID: "U1", Namespace: NamespaceAudioPlayer, Name: "PlayStarted"},
		{Type: TurnEvent, UserID: "U1", Namespace: "PlaybackController", Name: "NextCommandIssued"},
		{Type: TurnUnknown, UserID: "U1"},
	}
	for _, turn := range turns {
		t.Run(turn.Type.String()+" "+turn.Name, func(t *testing.T) {
			fake := durabletest.New()
			fake.SetStatus("U1", durable.StatusRunning)
			d := newVoice(t, fake, durable.StartReplace)

			reply, err := d.Handle(context.Background(), turn)
			if err != nil {
				t.Fatal(err)
			}
			if reply.KeepWaiting || len(reply.Speech) != 0 {
				t.Errorf("reply = %+v, want empty", reply)
			}
			if fake.StatusCalls("U1") != 0 || fake.Starts("U1") != 0 || fake.Reason("U1") != "" {
				t.Error("ignored turn must not touch the session")
			}
		})
	}
}

func TestVoice_MissingUser(t *testing.T) {
	d := newVoice(t, durabletest.New(), durable.StartReplace)
	if _, err := d.Handle(context.Background(), Turn{Type: TurnLaunch}); err == nil {
		t.Fatal("expected error for turn without user id")
	}
}

func TestTurnType_String(t *testing.T) {
	tests := map[TurnType]string{
		TurnLaunch:       "Launch",
		TurnIntent:       "Intent",
		TurnEvent:        "Event",
		TurnSessionEnded: "SessionEnded",
		TurnUnknown:      "Unknown",
	}
	for tt, want := range tests {
		if got := tt.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", tt, got, want)
		}
	}
}
