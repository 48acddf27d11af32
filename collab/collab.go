// Package collab defines the narrow contracts of the external
// collaborators the orchestrator drives. None of these are implemented
// here; hosts, CI systems and analysis services own their payloads and
// semantics entirely.
package collab

import (
	"context"
	"errors"

	"github.com/gateflow/gateflow/types"
)

// ErrUnavailable marks a transient collaborator outage. Step execution
// retries such errors with backoff before treating them as failures.
var ErrUnavailable = errors.New("external collaborator unavailable")

// CIState is the status reported by the CI source for a subject.
type CIState string

const (
	CIPending CIState = "pending"
	CIPass    CIState = "pass"
	CIFail    CIState = "fail"
)

// CIStatusSource reports continuous-integration status for a subject.
type CIStatusSource interface {
	Status(ctx context.Context, subject string) (CIState, error)
}

// IssueSource lists outstanding static-analysis issues for a subject,
// in a stable order. The remediation sub-loop consumes this.
type IssueSource interface {
	ListIssues(ctx context.Context, subject string) ([]types.Issue, error)
}

// HostActions are the version-control host operations workflows invoke.
// Each call is at-most-once from the orchestrator's point of view; no
// retry happens here beyond the step executor's unavailability policy.
type HostActions interface {
	PostComment(ctx context.Context, subject, body string) error
	CreateCommit(ctx context.Context, subject, message string) error
	PushBranch(ctx context.Context, subject string) error
	SquashMerge(ctx context.Context, subject string) error
}
