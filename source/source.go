// Package source normalizes opaque host payloads into canonical events.
// Payload shapes are owned by the external host; this adapter only maps a
// small set of recognizable markers onto the canonical kinds and never
// interprets anything else.
package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gateflow/gateflow/types"
)

// ErrUnrecognizedEventKind is returned when a payload matches no known
// trigger kind. Callers log and drop such events; they are never fatal.
var ErrUnrecognizedEventKind = errors.New("unrecognized event kind")

// kindAliases maps host event markers onto canonical kinds.
var kindAliases = map[string]types.EventKind{
	"pr_opened":                    types.EventPROpened,
	"pull_request.opened":          types.EventPROpened,
	"pr_updated":                   types.EventPRUpdated,
	"pull_request.synchronize":     types.EventPRUpdated,
	"issues_reported":              types.EventIssuesReported,
	"analysis.completed":           types.EventIssuesReported,
	"manual_invoke":                types.EventManualInvoke,
	"pr_approved":                  types.EventPRApproved,
	"pull_request_review.approved": types.EventPRApproved,
}

// Adapter turns raw host payloads into canonical events.
type Adapter struct {
	now func() time.Time
}

// NewAdapter creates an Adapter using wall-clock time.
func NewAdapter() *Adapter {
	return &Adapter{now: time.Now}
}

// rawEvent is the minimal envelope the adapter inspects. Any of the kind
// fields may carry the marker depending on the host.
type rawEvent struct {
	Kind    string                 `json:"kind"`
	Event   string                 `json:"event"`
	Action  string                 `json:"action"`
	Subject string                 `json:"subject"`
	PRID    string                 `json:"pr_id"`
	Payload map[string]interface{} `json:"payload"`
}

// Normalize parses a raw payload and returns its canonical form.
// Returns ErrUnrecognizedEventKind when no known kind marker is present.
func (a *Adapter) Normalize(raw []byte) (types.CanonicalEvent, error) {
	var re rawEvent
	if err := json.Unmarshal(raw, &re); err != nil {
		return types.CanonicalEvent{}, fmt.Errorf("%w: malformed payload: %v", ErrUnrecognizedEventKind, err)
	}

	marker := re.Kind
	if marker == "" {
		marker = re.Event
	}
	if marker == "" {
		marker = re.Action
	}

	kind, ok := kindAliases[marker]
	if !ok {
		return types.CanonicalEvent{}, fmt.Errorf("%w: %q", ErrUnrecognizedEventKind, marker)
	}

	subject := re.Subject
	if subject == "" {
		subject = re.PRID
	}

	return types.CanonicalEvent{
		ID:         uuid.NewString(),
		Kind:       kind,
		Subject:    subject,
		Payload:    re.Payload,
		ReceivedAt: a.now().UnixMilli(),
	}, nil
}

// ManualInvoke builds the canonical event produced by the manual trigger
// surface. The workflow name rides in the payload so the orchestrator can
// match only the named definition.
func ManualInvoke(workflow, subject string) types.CanonicalEvent {
	return types.CanonicalEvent{
		ID:      uuid.NewString(),
		Kind:    types.EventManualInvoke,
		Subject: subject,
		Payload: map[string]interface{}{
			"workflow": workflow,
		},
		ReceivedAt: time.Now().UnixMilli(),
	}
}
