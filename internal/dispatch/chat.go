package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zulandar/ventriloquist/internal/chat"
	"github.com/zulandar/ventriloquist/internal/config"
	"github.com/zulandar/ventriloquist/internal/durable"
	"github.com/zulandar/ventriloquist/internal/session"
)

// Defaults for the relay spin-wait.
const (
	DefaultPollInterval = 250 * time.Millisecond
	DefaultRelayTimeout = 10 * time.Second

	replyTimeout = 5 * time.Second
)

// ChatStore is the part of session.Correlator the chat side uses.
type ChatStore interface {
	Session(ctx context.Context, userID string) (session.Snapshot, error)
	Template(ctx context.Context, userID string) (session.Snapshot, error)
	RelayInput(ctx context.Context, userID, text, eventID string) error
	AddToTemplate(ctx context.Context, userID, text, eventID string) error
	FinishTemplate(ctx context.Context, userID, replyToken, eventID string) error
	StartTemplate(ctx context.Context, userID string) error
	TerminateSession(ctx context.Context, userID, reason string) error
}

// ChatOpts holds parameters for creating a ChatDispatcher.
type ChatOpts struct {
	Store        ChatStore
	Messenger    chat.Messenger
	Messages     config.ChatMessages
	PollInterval time.Duration // defaults to DefaultPollInterval
	RelayTimeout time.Duration // defaults to DefaultRelayTimeout
	Out          io.Writer     // defaults to os.Stdout
}

// ChatDispatcher handles inbound chat updates.
type ChatDispatcher struct {
	store        ChatStore
	messenger    chat.Messenger
	messages     config.ChatMessages
	pollInterval time.Duration
	relayTimeout time.Duration
	out          io.Writer
	lanes        *lanes
}

// NewChatDispatcher creates a ChatDispatcher.
func NewChatDispatcher(opts ChatOpts) (*ChatDispatcher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("dispatch: chat: store is required")
	}
	if opts.Messenger == nil {
		return nil, fmt.Errorf("dispatch: chat: messenger is required")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	timeout := opts.RelayTimeout
	if timeout <= 0 {
		timeout = DefaultRelayTimeout
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &ChatDispatcher{
		store:        opts.Store,
		messenger:    opts.Messenger,
		messages:     opts.Messages,
		pollInterval: poll,
		relayTimeout: timeout,
		out:          out,
		lanes:        newLanes(),
	}, nil
}

// Handle routes one update. Routing paths:
//  1. Text while a template build is active → append to the template
//  2. Other text → relay to the voice session once it is waiting
//  3. Postback → start/finish template or terminate the session
//  4. Everything else → ignore
func (d *ChatDispatcher) Handle(ctx context.Context, u chat.Update) error {
	if u.UserID == "" {
		return nil
	}
	fmt.Fprintf(d.out, "dispatch: chat: recv [%s user=%s] %s %q\n",
		u.Platform, u.UserID, u.Kind(), truncate(u.Text+u.Postback, 80))
	if u.Redelivery {
		fmt.Fprintf(d.out, "dispatch: chat: redelivered event %s\n", u.EventID)
	}

	switch u.Kind() {
	case chat.KindText:
		return d.handleText(ctx, u)
	case chat.KindPostback:
		return d.handlePostback(ctx, u)
	default:
		return nil
	}
}

func (d *ChatDispatcher) handleText(ctx context.Context, u chat.Update) error {
	tmpl, err := d.store.Template(ctx, u.UserID)
	if err != nil {
		return err
	}
	if tmpl.Active() {
		fmt.Fprintf(d.out, "dispatch: chat: → template [user=%s]\n", u.UserID)
		if err := d.store.AddToTemplate(ctx, u.UserID, u.Text, u.EventID); err != nil {
			return err
		}
		finish := chat.PostbackButton(d.messages.FinishLabel, chat.ActionEndTemplate.Data())
		return d.reply(ctx, u, chat.TextMessage(d.messages.Added, finish))
	}
	return d.relay(ctx, u)
}

// relay polls the session until it can take the line. A session still
// holding an unconsumed line, or one that has completed but not yet been
// restarted by the voice side, is waited out; the wait ends with the relay
// timeout.
func (d *ChatDispatcher) relay(parent context.Context, u chat.Update) error {
	ctx, cancel := context.WithTimeout(parent, d.relayTimeout)
	defer cancel()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	var seen bool
	var last durable.Status
	for {
		snap, err := d.store.Session(ctx, u.UserID)
		if err != nil {
			if ctx.Err() != nil {
				return d.giveUp(parent, u, last, ctx.Err())
			}
			return err
		}

		switch {
		case snap.Active() && snap.Pending == 0:
			fmt.Fprintf(d.out, "dispatch: chat: → session [user=%s]\n", u.UserID)
			return d.store.RelayInput(ctx, u.UserID, u.Text, u.EventID)
		case !snap.Found && !seen:
			fmt.Fprintf(d.out, "dispatch: chat: → no session [user=%s]\n", u.UserID)
			return d.reply(ctx, u, chat.TextMessage(d.messages.LaunchSkill))
		case snap.Found && isStopped(snap.Status):
			fmt.Fprintf(d.out, "dispatch: chat: → session %s [user=%s]\n", snap.Status, u.UserID)
			return d.reply(ctx, u, chat.TextMessage(d.messages.LaunchSkill))
		}
		seen = seen || snap.Found
		last = snap.Status

		select {
		case <-ctx.Done():
			return d.giveUp(parent, u, last, ctx.Err())
		case <-ticker.C:
		}
	}
}

// giveUp tells the user the line was not taken, while the reply token is
// still usable, and reports the timeout.
func (d *ChatDispatcher) giveUp(parent context.Context, u chat.Update, last durable.Status, cause error) error {
	log.Printf("dispatch: chat: gave up relaying for %s after %s (last status %q)", u.UserID, d.relayTimeout, last)
	err := fmt.Errorf("dispatch: chat: relay for %s: %w", u.UserID, cause)
	if parent.Err() != nil || u.ReplyToken == "" {
		return err
	}
	replyCtx, cancel := context.WithTimeout(parent, replyTimeout)
	defer cancel()
	return errors.Join(err, d.reply(replyCtx, u, chat.TextMessage(d.messages.RelayTimeout)))
}

func isStopped(s durable.Status) bool {
	switch s {
	case durable.StatusTerminated, durable.StatusCanceled, durable.StatusFailed:
		return true
	}
	return false
}

func (d *ChatDispatcher) handlePostback(ctx context.Context, u chat.Update) error {
	action := chat.ParseAction(u.Postback)
	fmt.Fprintf(d.out, "dispatch: chat: → postback %s [user=%s]\n", action, u.UserID)

	switch action {
	case chat.ActionStartTemplate:
		replyErr := d.reply(ctx, u, chat.TextMessage(d.messages.TemplatePrompt))
		return errors.Join(replyErr, d.store.StartTemplate(ctx, u.UserID))
	case chat.ActionEndTemplate:
		return d.store.FinishTemplate(ctx, u.UserID, u.ReplyToken, u.EventID)
	case chat.ActionTerminateSession:
		return d.store.TerminateSession(ctx, u.UserID, ReasonUserCanceled)
	default:
		log.Printf("dispatch: chat: ignoring postback %q from %s", u.Postback, u.UserID)
		return nil
	}
}

func (d *ChatDispatcher) reply(ctx context.Context, u chat.Update, msgs ...chat.Message) error {
	if u.ReplyToken == "" {
		return fmt.Errorf("dispatch: chat: no reply token for %s", u.UserID)
	}
	if err := d.messenger.Reply(ctx, u.ReplyToken, msgs...); err != nil {
		return fmt.Errorf("dispatch: chat: reply to %s: %w", u.UserID, err)
	}
	return nil
}

// Submit queues u behind earlier updates from the same user and returns a
// channel receiving the result of Handle. Updates from one user are handled
// strictly in submission order; different users proceed concurrently.
func (d *ChatDispatcher) Submit(ctx context.Context, u chat.Update) <-chan error {
	done := make(chan error, 1)
	d.lanes.run(u.UserID, func() { done <- d.Handle(ctx, u) })
	return done
}

// Serve handles updates from a socket adapter until the channel closes or
// ctx is cancelled. One user's relay wait does not hold up others; errors
// are logged.
func (d *ChatDispatcher) Serve(ctx context.Context, updates <-chan chat.Update) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			wg.Add(1)
			d.lanes.run(u.UserID, func() {
				defer wg.Done()
				if err := d.Handle(ctx, u); err != nil {
					log.Printf("dispatch: chat: %v", err)
				}
			})
		}
	}
}
