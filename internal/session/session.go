// Package session holds the per-user workflows behind the bridge: the voice
// session loop that waits for one line of chat input, and the template loop
// that collects chat lines until the user finishes the template.
package session

import (
	"context"
	"log"
	"strings"

	"github.com/zulandar/ventriloquist/internal/durable"
)

// Workflow kinds, event names and the delivery activity.
const (
	KindSession  = "session"
	KindTemplate = "template"

	EventLineInput     = "LineInput"
	EventAddToTemplate = "AddToTemplate"

	ActivityDeliverTemplate = "DeliverTemplate"

	// TemplatePrefix namespaces template keys apart from session keys.
	TemplatePrefix = "tmpl_"
	// FinishMarker starts the payload that ends a template build. The reply
	// token needed for delivery follows after an underscore.
	FinishMarker = "FinishTemplate"
)

// SessionKey returns the instance key of a user's voice session.
func SessionKey(userID string) string { return userID }

// TemplateKey returns the instance key of a user's template build.
func TemplateKey(userID string) string { return TemplatePrefix + userID }

// TerminatorPayload builds the AddToTemplate payload that finishes a
// template and carries the delivery token.
func TerminatorPayload(token string) string {
	return FinishMarker + "_" + token
}

// ParseTerminator reports whether payload finishes a template and, if so,
// returns the delivery token.
func ParseTerminator(payload string) (string, bool) {
	token, ok := strings.CutPrefix(payload, FinishMarker+"_")
	if !ok {
		return "", false
	}
	return token, true
}

// Registry is implemented by durable.Engine.
type Registry interface {
	Register(kind string, fn durable.Orchestrator)
	RegisterActivity(name string, fn durable.Activity)
}

// Register installs both workflows and the delivery activity.
func Register(r Registry, d *Deliverer) {
	r.Register(KindSession, RunSession)
	r.Register(KindTemplate, RunTemplate)
	r.RegisterActivity(ActivityDeliverTemplate, d.Deliver)
}

// RunSession waits for exactly one LineInput event and completes with its
// payload verbatim.
func RunSession(ctx context.Context, oc *durable.Context) (durable.Outcome, error) {
	payload, err := oc.WaitForEvent(ctx, EventLineInput)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("session: %s: wait for %s: %v", oc.InstanceKey(), EventLineInput, err)
		}
		return durable.Outcome{}, err
	}
	return durable.Halt(payload), nil
}

// RunTemplate appends one AddToTemplate payload to the carried list and
// continues as new, until a terminator payload hands the list to the
// delivery activity and completes the instance.
func RunTemplate(ctx context.Context, oc *durable.Context) (durable.Outcome, error) {
	var lines []string
	if err := oc.Input(&lines); err != nil {
		return durable.Outcome{}, err
	}
	payload, err := oc.WaitForEvent(ctx, EventAddToTemplate)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("session: %s: wait for %s: %v", oc.InstanceKey(), EventAddToTemplate, err)
		}
		return durable.Outcome{}, err
	}

	if token, ok := ParseTerminator(payload); ok {
		if lines == nil {
			lines = []string{}
		}
		if err := oc.CallActivity(ctx, ActivityDeliverTemplate, Delivery{Token: token, Lines: lines}, nil); err != nil {
			return durable.Outcome{}, err
		}
		return durable.Halt(lines), nil
	}
	return durable.ContinueAsNew(append(lines, payload)), nil
}
