package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dagbolade/toolgate/internal/preview"
)

// Status is the persisted disposition of an approval record.
type Status string

const (
	StatusPending      Status = "pending"
	StatusApproved     Status = "approved"
	StatusAutoApproved Status = "auto_approved"
	StatusRejected     Status = "rejected"
	StatusApplied      Status = "applied"
	StatusFailed       Status = "failed"
	StatusBlocked      Status = "blocked"
)

// Terminal reports whether no further status transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusApplied, StatusRejected, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

var (
	// ErrNotFound signals a point lookup missed.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateHash signals the preview's dedup key already exists. The
	// caller should look up the existing preview rather than treat this as
	// fatal.
	ErrDuplicateHash = errors.New("store: duplicate preview hash")
)

// PreviewRow is a persisted preview envelope plus the tool-execution record
// it is attached to.
type PreviewRow struct {
	preview.Envelope
	ToolExecutionID int64 `json:"tool_execution_id"`
}

// ApprovalRow is the persisted disposition of exactly one preview.
type ApprovalRow struct {
	ID           string          `json:"id"`
	PreviewID    string          `json:"preview_id"`
	SessionID    string          `json:"session_id"`
	Status       Status          `json:"status"`
	CreatedAt    int64           `json:"created_at"`
	ResolvedAt   *int64          `json:"resolved_at,omitempty"`
	ResolvedBy   *string         `json:"resolved_by,omitempty"`
	AutoReason   *string         `json:"auto_reason,omitempty"`
	FeedbackText *string         `json:"feedback_text,omitempty"`
	FeedbackMeta json.RawMessage `json:"feedback_meta,omitempty"`
}

// ToolExecution is one audit row per applied (or failed) action.
type ToolExecution struct {
	ID         int64           `json:"id"`
	ApprovalID string          `json:"approval_id"`
	SessionID  string          `json:"session_id"`
	Tool       string          `json:"tool"`
	Action     string          `json:"action"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  int64           `json:"created_at"`
}

// StatusUpdate describes a guarded approval status transition. The update
// only lands when the row's current status is one of RequireCurrent; the
// caller checks the affected-row count to learn whether it won.
type StatusUpdate struct {
	ID             string
	Status         Status
	ResolvedAt     *int64
	ResolvedBy     *string
	AutoReason     *string
	RequireCurrent []Status
}

// Store is the durable persistence contract the orchestrator consumes. All
// writes are atomic at row granularity; UpdateApprovalStatus returns the
// affected-row count so callers can implement optimistic concurrency.
type Store interface {
	InsertPreview(ctx context.Context, env preview.Envelope, toolExecutionID int64) error
	GetPreviewByID(ctx context.Context, id string) (*PreviewRow, error)
	GetPreviewByHash(ctx context.Context, hash string) (*PreviewRow, error)
	UpdatePreviewDetail(ctx context.Context, id string, patch map[string]any) error

	InsertApproval(ctx context.Context, rec ApprovalRow) error
	GetApprovalByID(ctx context.Context, id string) (*ApprovalRow, error)
	UpdateApprovalStatus(ctx context.Context, upd StatusUpdate) (int64, error)
	UpdateApprovalFeedback(ctx context.Context, id, feedbackText string, feedbackMeta json.RawMessage) error

	ListApprovalsForExport(ctx context.Context, sessionID string) ([]PreviewRow, []ApprovalRow, error)
	ListPendingApprovals(ctx context.Context, sessionID string) ([]ApprovalRow, error)

	GetPreference(ctx context.Context, key string) (string, error)
	SetPreference(ctx context.Context, key, value string) error

	InsertToolExecution(ctx context.Context, entry ToolExecution) error
	AppendTranscript(ctx context.Context, sessionID, text string, meta json.RawMessage) error

	PruneResolved(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}
