package approvals

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dagbolade/toolgate/internal/store"
)

// Event names pushed to the broadcast sink.
const (
	EventApprovalNew     = "agent:approval:new"
	EventApprovalUpdate  = "agent:approval:update"
	EventApprovalPending = "agent:approval:pending"
)

// Block reason codes returned when the policy gate denies execution at apply
// time.
const (
	ReasonFileWriteDisabled     = "FILE_WRITE_DISABLED"
	ReasonCodeExecutionDisabled = "CODE_EXECUTION_DISABLED"
)

// Auto-approval reasons recorded on the approval record.
const (
	AutoReasonSkipAll     = "skipAll"
	AutoReasonCapExceeded = "capExceeded"
	AutoReasonCancelled   = "cancelled"
)

// SystemActor is the resolved_by identity for non-human transitions.
const SystemActor = "system"

// ErrConflict signals an approval whose status already left the set the
// operation requires. Callers should look up the current record rather than
// retry.
var ErrConflict = errors.New("approvals: conflict")

// Event is a lifecycle notification pushed to the broadcast sink.
type Event struct {
	Type     string            `json:"type"`
	Approval store.ApprovalRow `json:"approval"`
	Reason   string            `json:"reason,omitempty"`
}

// Sink receives lifecycle events. Delivery is fire-and-forget; the
// orchestrator never blocks on a listener.
type Sink interface {
	Publish(event Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Publish(event Event) { f(event) }

// ExecuteCallback lets a running tool report sub-step telemetry.
type ExecuteCallback func(step string, data map[string]any)

// Runner is the uniform execution contract for a tool. Args are the preview's
// original arguments merged with {"apply": true}.
type Runner interface {
	Execute(ctx context.Context, args json.RawMessage, onExecute ExecuteCallback) (json.RawMessage, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, args json.RawMessage, onExecute ExecuteCallback) (json.RawMessage, error)

func (f RunnerFunc) Execute(ctx context.Context, args json.RawMessage, onExecute ExecuteCallback) (json.RawMessage, error) {
	return f(ctx, args, onExecute)
}

// Killer aborts an in-flight action for one tool, given the handle recorded
// in the preview's detail. Absence of a killer for a tool is not an error.
type Killer interface {
	Kill(ctx context.Context, handle string) error
}

// KillerFunc adapts a function to the Killer interface.
type KillerFunc func(ctx context.Context, handle string) error

func (f KillerFunc) Kill(ctx context.Context, handle string) error { return f(ctx, handle) }

// Transcript appends reviewer feedback to a session's chat transcript.
// Appends are best-effort: a failure is recorded on the preview detail, never
// escalated.
type Transcript interface {
	Append(ctx context.Context, sessionID, text string, meta json.RawMessage) error
}

// RecordResult is the outcome of RecordPreview. Duplicate means the exact
// action was already proposed; Preview then carries the existing row.
type RecordResult struct {
	Preview   store.PreviewRow `json:"preview"`
	Duplicate bool             `json:"duplicate"`
}

// ApplyParams are the inputs to ApplyApproval.
type ApplyParams struct {
	ApprovalID   string          `json:"approval_id"`
	ResolvedBy   string          `json:"resolved_by,omitempty"`
	FeedbackText string          `json:"feedback_text,omitempty"`
	FeedbackMeta json.RawMessage `json:"feedback_meta,omitempty"`
}

// ApplyResult is the outcome of ApplyApproval. Status is the approval's final
// status; Reason carries the block reason code when Status is blocked.
type ApplyResult struct {
	Status     store.Status    `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	ToolResult json.RawMessage `json:"tool_result,omitempty"`
	ToolError  string          `json:"tool_error,omitempty"`
}

// SessionExport is the audit view of one session.
type SessionExport struct {
	Previews  []store.PreviewRow  `json:"previews"`
	Approvals []store.ApprovalRow `json:"approvals"`
}

// SubmitResult is the outcome of the full proposal pipeline.
type SubmitResult struct {
	Preview   store.PreviewRow   `json:"preview"`
	Approval  *store.ApprovalRow `json:"approval,omitempty"`
	Duplicate bool               `json:"duplicate"`
	Applied   *ApplyResult       `json:"applied,omitempty"`
}
