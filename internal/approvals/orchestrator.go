package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dagbolade/toolgate/internal/policy"
	"github.com/dagbolade/toolgate/internal/preview"
	"github.com/dagbolade/toolgate/internal/store"
	"github.com/rs/zerolog/log"
)

const defaultAutoApplyCap = 25

// Orchestrator mediates between an agent proposing side-effecting tool calls
// and a human reviewer. It records previews, creates approval records,
// evaluates auto-approval rules, applies or cancels approvals, audits file
// changes, and broadcasts lifecycle events.
type Orchestrator struct {
	store      store.Store
	gate       policy.Gate
	sink       Sink
	runners    map[string]Runner
	killers    map[string]Killer
	limiter    *AutoApplyLimiter
	transcript Transcript
}

// Options configure the collaborators the orchestrator is wired to.
type Options struct {
	Sink         Sink
	Runners      map[string]Runner
	Killers      map[string]Killer
	Transcript   Transcript
	AutoApplyCap int
}

func New(st store.Store, gate policy.Gate, opts Options) *Orchestrator {
	autoCap := opts.AutoApplyCap
	if autoCap <= 0 {
		autoCap = defaultAutoApplyCap
	}

	transcript := opts.Transcript
	if transcript == nil {
		transcript = storeTranscript{st}
	}

	return &Orchestrator{
		store:      st,
		gate:       gate,
		sink:       opts.Sink,
		runners:    opts.Runners,
		killers:    opts.Killers,
		limiter:    NewAutoApplyLimiter(autoCap),
		transcript: transcript,
	}
}

// RecordPreview validates and durably inserts a preview envelope. A hash
// collision with an existing preview is not an error: the result flags the
// duplicate and carries the stored row so callers can short-circuit to it.
func (o *Orchestrator) RecordPreview(ctx context.Context, env preview.Envelope, toolExecutionID int64) (*RecordResult, error) {
	if err := preview.Validate(env); err != nil {
		return nil, err
	}

	err := o.store.InsertPreview(ctx, env, toolExecutionID)
	if errors.Is(err, store.ErrDuplicateHash) {
		existing, lerr := o.store.GetPreviewByHash(ctx, env.Hash)
		if lerr != nil {
			return nil, fmt.Errorf("lookup duplicate preview: %w", lerr)
		}
		log.Debug().Str("preview_id", existing.ID).Str("hash", env.Hash).Msg("duplicate preview collapsed")
		return &RecordResult{Preview: *existing, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}

	return &RecordResult{Preview: store.PreviewRow{Envelope: env, ToolExecutionID: toolExecutionID}}, nil
}

// CreateApproval inserts the pending approval record governing a recorded
// preview and broadcasts it. The preview must already be durable; a missing
// preview is a programming error.
func (o *Orchestrator) CreateApproval(ctx context.Context, previewID, sessionID string) (*store.ApprovalRow, error) {
	if _, err := o.store.GetPreviewByID(ctx, previewID); err != nil {
		return nil, fmt.Errorf("create approval for %s: %w", previewID, err)
	}

	rec := store.ApprovalRow{
		ID:        previewID,
		PreviewID: previewID,
		SessionID: sessionID,
		Status:    store.StatusPending,
		CreatedAt: time.Now().UnixMilli(),
	}

	if err := o.store.InsertApproval(ctx, rec); err != nil {
		return nil, err
	}

	o.publish(Event{Type: EventApprovalNew, Approval: rec})
	log.Info().Str("approval_id", rec.ID).Str("session_id", sessionID).Msg("approval created")

	return &rec, nil
}

// EvaluateAutoRules loads the skipAll preferences and the current approval
// mode, then runs the pure rule set against the preview.
func (o *Orchestrator) EvaluateAutoRules(ctx context.Context, env preview.Envelope) *AutoMatch {
	in := AutoRuleInput{
		SkipAllGlobal:  o.prefBool(ctx, PrefSkipAll),
		SkipAllSession: o.prefBool(ctx, SessionSkipAllKey(env.SessionID)),
		ApprovalMode:   o.gate.Config().ApprovalMode,
	}
	return EvaluateAutoRules(env, in)
}

// ApplyApproval executes the previewed action at most once. It claims the
// approval with a status-guarded update, re-checks the policy gate, audits
// file content hashes around the tool invocation, and persists the terminal
// outcome. A second concurrent call observes ErrConflict instead of
// double-executing the tool.
func (o *Orchestrator) ApplyApproval(ctx context.Context, p ApplyParams) (*ApplyResult, error) {
	rec, err := o.store.GetApprovalByID(ctx, p.ApprovalID)
	if err != nil {
		return nil, err
	}

	if rec.Status != store.StatusPending && rec.Status != store.StatusAutoApproved {
		return nil, ErrConflict
	}

	prev, err := o.store.GetPreviewByID(ctx, rec.PreviewID)
	if err != nil {
		return nil, fmt.Errorf("load preview %s: %w", rec.PreviewID, err)
	}

	resolvedBy := p.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = SystemActor
	}

	// Claim the approval. Exactly one concurrent caller wins; the guard also
	// loses to a cancellation that landed first.
	claimed, err := o.store.UpdateApprovalStatus(ctx, store.StatusUpdate{
		ID:             rec.ID,
		Status:         store.StatusApproved,
		ResolvedBy:     &resolvedBy,
		RequireCurrent: []store.Status{store.StatusPending, store.StatusAutoApproved},
	})
	if err != nil {
		return nil, err
	}
	if claimed == 0 {
		return nil, ErrConflict
	}
	rec.Status = store.StatusApproved
	rec.ResolvedBy = &resolvedBy

	// The gate is re-read at apply time: flags flipped since the preview was
	// recorded still block execution.
	if reason := o.blockReason(prev.Tool, prev.Action); reason != "" {
		return o.finishBlocked(ctx, rec, reason)
	}

	var before fileSnapshot
	var path string
	if requiredCapability(prev.Tool, prev.Action) == capFileWrite {
		if path = targetPath(prev.Detail, prev.OriginalArgs); path != "" {
			if before, err = snapshotFile(path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("before-hash snapshot failed")
			}
		}
	}

	runner, ok := o.runners[prev.Tool]
	if !ok {
		return o.finishFailed(ctx, rec, prev, nil, fmt.Errorf("no runner registered for tool %q", prev.Tool))
	}

	args, err := applyArgs(prev.OriginalArgs)
	if err != nil {
		return o.finishFailed(ctx, rec, prev, nil, err)
	}

	result, execErr := runner.Execute(ctx, args, o.telemetry(prev.ID, prev.Tool))
	if execErr != nil {
		return o.finishFailed(ctx, rec, prev, result, execErr)
	}

	return o.finishApplied(ctx, rec, prev, p, path, before, result)
}

// RejectApproval records a human denial of a pending approval.
func (o *Orchestrator) RejectApproval(ctx context.Context, approvalID, resolvedBy, feedbackText string, feedbackMeta json.RawMessage) error {
	rec, err := o.store.GetApprovalByID(ctx, approvalID)
	if err != nil {
		return err
	}

	if resolvedBy == "" {
		resolvedBy = SystemActor
	}
	now := time.Now().UnixMilli()

	affected, err := o.store.UpdateApprovalStatus(ctx, store.StatusUpdate{
		ID:             approvalID,
		Status:         store.StatusRejected,
		ResolvedAt:     &now,
		ResolvedBy:     &resolvedBy,
		RequireCurrent: []store.Status{store.StatusPending},
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConflict
	}

	rec.Status = store.StatusRejected
	rec.ResolvedAt = &now
	rec.ResolvedBy = &resolvedBy

	if feedbackText != "" {
		o.persistFeedback(ctx, rec, feedbackText, feedbackMeta, nil)
	}

	o.publish(Event{Type: EventApprovalUpdate, Approval: *rec})
	log.Info().Str("approval_id", approvalID).Str("resolved_by", resolvedBy).Msg("approval rejected")

	return nil
}

// CancelPreview aborts a proposal. If the preview's tool has a registered
// cancellation adapter it is killed using the handle recorded in the preview
// detail; regardless, the approval transitions to failed with reason
// "cancelled". Cancelling an already-terminal approval is a no-op success.
func (o *Orchestrator) CancelPreview(ctx context.Context, previewID string) error {
	prev, err := o.store.GetPreviewByID(ctx, previewID)
	if err != nil {
		return err
	}

	rec, err := o.store.GetApprovalByID(ctx, previewID)
	if err != nil {
		return err
	}

	if rec.Status.Terminal() {
		return nil
	}

	patch := map[string]any{}
	if killer, ok := o.killers[prev.Tool]; ok {
		if handle := cancelHandle(prev.Detail); handle != "" {
			if killErr := killer.Kill(ctx, handle); killErr != nil {
				// Best-effort: record the failure for auditors, keep going.
				log.Warn().Err(killErr).Str("tool", prev.Tool).Str("handle", handle).Msg("cancellation adapter failed")
				patch["killError"] = killErr.Error()
			}
		}
	}

	now := time.Now().UnixMilli()
	actor := SystemActor
	reason := AutoReasonCancelled

	affected, err := o.store.UpdateApprovalStatus(ctx, store.StatusUpdate{
		ID:         previewID,
		Status:     store.StatusFailed,
		ResolvedAt: &now,
		ResolvedBy: &actor,
		AutoReason: &reason,
		RequireCurrent: []store.Status{
			store.StatusPending, store.StatusAutoApproved, store.StatusApproved,
		},
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		// Lost the race to another terminal transition; already settled.
		return nil
	}

	patch["streaming"] = "failed"
	patch["cancelledAt"] = now
	o.patchDetail(ctx, previewID, patch)

	rec.Status = store.StatusFailed
	rec.ResolvedAt = &now
	rec.ResolvedBy = &actor
	rec.AutoReason = &reason
	o.publish(Event{Type: EventApprovalUpdate, Approval: *rec, Reason: reason})

	log.Info().Str("preview_id", previewID).Msg("preview cancelled")
	return nil
}

// SubmitProposal runs the full pipeline for one tool-call proposal: record
// the preview, create the pending approval, evaluate auto-rules and, when a
// rule fires and the session's auto-apply budget allows, apply immediately.
func (o *Orchestrator) SubmitProposal(ctx context.Context, env preview.Envelope, toolExecutionID int64) (*SubmitResult, error) {
	recorded, err := o.RecordPreview(ctx, env, toolExecutionID)
	if err != nil {
		return nil, err
	}

	if recorded.Duplicate {
		existing, err := o.store.GetApprovalByID(ctx, recorded.Preview.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return &SubmitResult{Preview: recorded.Preview, Approval: existing, Duplicate: true}, nil
	}

	rec, err := o.CreateApproval(ctx, env.ID, env.SessionID)
	if err != nil {
		return nil, err
	}
	res := &SubmitResult{Preview: recorded.Preview, Approval: rec}

	match := o.EvaluateAutoRules(ctx, env)
	if match == nil {
		return res, nil
	}

	if !o.limiter.Track(env.SessionID) {
		// Auto-apply budget exhausted: surface why, stay pending for review.
		o.patchDetail(ctx, env.ID, map[string]any{"autoApply": AutoReasonCapExceeded})
		log.Info().Str("session_id", env.SessionID).Msg("auto-apply cap exceeded, forcing human review")
		return res, nil
	}

	actor := SystemActor
	affected, err := o.store.UpdateApprovalStatus(ctx, store.StatusUpdate{
		ID:             rec.ID,
		Status:         store.StatusAutoApproved,
		ResolvedBy:     &actor,
		AutoReason:     &match.Reason,
		RequireCurrent: []store.Status{store.StatusPending},
	})
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return res, nil
	}

	rec.Status = store.StatusAutoApproved
	rec.ResolvedBy = &actor
	rec.AutoReason = &match.Reason
	o.publish(Event{Type: EventApprovalUpdate, Approval: *rec, Reason: match.Reason})

	applied, err := o.ApplyApproval(ctx, ApplyParams{ApprovalID: rec.ID, ResolvedBy: SystemActor})
	if errors.Is(err, ErrConflict) {
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	res.Applied = applied
	return res, nil
}

// ListApprovals returns the session's previews and approvals,
// most-recent-first, for export and audit views.
func (o *Orchestrator) ListApprovals(ctx context.Context, sessionID string) (*SessionExport, error) {
	previews, approvals, err := o.store.ListApprovalsForExport(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionExport{Previews: previews, Approvals: approvals}, nil
}

// ListPendingApprovals returns the session's unresolved approvals. Pending
// records survive restarts because they are store-backed.
func (o *Orchestrator) ListPendingApprovals(ctx context.Context, sessionID string) ([]store.ApprovalRow, error) {
	return o.store.ListPendingApprovals(ctx, sessionID)
}

// TrackAutoApply consumes one auto-apply slot for the session; false means
// the caller must force human review.
func (o *Orchestrator) TrackAutoApply(sessionID string) bool {
	return o.limiter.Track(sessionID)
}

// ResetAutoApply restarts the session's auto-apply counter.
func (o *Orchestrator) ResetAutoApply(sessionID string) {
	o.limiter.Reset(sessionID)
}

// UpdateAutoApplyCap changes the per-session auto-apply cap.
func (o *Orchestrator) UpdateAutoApplyCap(n int) {
	o.limiter.SetCap(n)
}

// SetPreference persists a reviewer preference such as the skipAll flag.
func (o *Orchestrator) SetPreference(ctx context.Context, key, value string) error {
	return o.store.SetPreference(ctx, key, value)
}

// GetPreference reads a reviewer preference; an unset key returns "".
func (o *Orchestrator) GetPreference(ctx context.Context, key string) (string, error) {
	value, err := o.store.GetPreference(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return value, err
}

func (o *Orchestrator) finishBlocked(ctx context.Context, rec *store.ApprovalRow, reason string) (*ApplyResult, error) {
	now := time.Now().UnixMilli()

	affected, err := o.store.UpdateApprovalStatus(ctx, store.StatusUpdate{
		ID:             rec.ID,
		Status:         store.StatusBlocked,
		ResolvedAt:     &now,
		AutoReason:     &reason,
		RequireCurrent: []store.Status{store.StatusApproved},
	})
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrConflict
	}

	o.patchDetail(ctx, rec.PreviewID, map[string]any{"blockedReason": reason})

	rec.Status = store.StatusBlocked
	rec.ResolvedAt = &now
	rec.AutoReason = &reason
	o.publish(Event{Type: EventApprovalUpdate, Approval: *rec, Reason: reason})

	log.Warn().Str("approval_id", rec.ID).Str("reason", reason).Msg("apply blocked by policy")
	return &ApplyResult{Status: store.StatusBlocked, Reason: reason}, nil
}

func (o *Orchestrator) finishFailed(ctx context.Context, rec *store.ApprovalRow, prev *store.PreviewRow, result json.RawMessage, execErr error) (*ApplyResult, error) {
	now := time.Now().UnixMilli()

	affected, err := o.store.UpdateApprovalStatus(ctx, store.StatusUpdate{
		ID:             rec.ID,
		Status:         store.StatusFailed,
		ResolvedAt:     &now,
		RequireCurrent: []store.Status{store.StatusApproved},
	})
	if err != nil {
		return nil, err
	}

	o.patchDetail(ctx, prev.ID, map[string]any{
		"streaming": "failed",
		"error":     execErr.Error(),
	})

	o.auditExecution(ctx, rec, prev, result, execErr.Error())

	if affected == 0 {
		// A cancellation landed while the tool ran; it already owns the
		// terminal state.
		log.Warn().Str("approval_id", rec.ID).Msg("approval settled elsewhere during failing apply")
		return &ApplyResult{Status: store.StatusFailed, ToolError: execErr.Error()}, nil
	}

	rec.Status = store.StatusFailed
	rec.ResolvedAt = &now
	o.publish(Event{Type: EventApprovalUpdate, Approval: *rec, Reason: execErr.Error()})

	log.Error().Err(execErr).Str("approval_id", rec.ID).Str("tool", prev.Tool).Msg("tool execution failed")
	return &ApplyResult{Status: store.StatusFailed, ToolError: execErr.Error()}, nil
}

func (o *Orchestrator) finishApplied(ctx context.Context, rec *store.ApprovalRow, prev *store.PreviewRow, p ApplyParams, path string, before fileSnapshot, result json.RawMessage) (*ApplyResult, error) {
	patch := map[string]any{"streaming": "done"}

	if path != "" {
		after, err := snapshotFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("after-hash snapshot failed")
		} else {
			if before.Exists {
				patch["beforeHash"] = before.Hash
			}
			if after.Exists {
				patch["afterHash"] = after.Hash
			}
			patch["diffDigest"] = diffDigest(before.Content, after.Content)
		}
	}

	if p.FeedbackText != "" {
		o.persistFeedback(ctx, rec, p.FeedbackText, p.FeedbackMeta, patch)
	}

	o.patchDetail(ctx, prev.ID, patch)

	now := time.Now().UnixMilli()
	affected, err := o.store.UpdateApprovalStatus(ctx, store.StatusUpdate{
		ID:             rec.ID,
		Status:         store.StatusApplied,
		ResolvedAt:     &now,
		RequireCurrent: []store.Status{store.StatusApproved},
	})
	if err != nil {
		return nil, err
	}

	o.auditExecution(ctx, rec, prev, result, "")

	if affected == 0 {
		// Cancelled while the tool ran. The execution happened; the approval
		// keeps the cancellation's terminal state.
		log.Warn().Str("approval_id", rec.ID).Msg("approval cancelled during apply, keeping cancelled state")
		return &ApplyResult{Status: store.StatusFailed, Reason: AutoReasonCancelled, ToolResult: result}, nil
	}

	rec.Status = store.StatusApplied
	rec.ResolvedAt = &now
	o.publish(Event{Type: EventApprovalUpdate, Approval: *rec})

	log.Info().Str("approval_id", rec.ID).Str("tool", prev.Tool).Str("action", prev.Action).Msg("approval applied")
	return &ApplyResult{Status: store.StatusApplied, ToolResult: result}, nil
}

// persistFeedback stores reviewer commentary and appends it to the session
// transcript. Transcript failures never roll back the approval outcome; the
// loss is made visible via detail.feedbackPersisted. When patch is non-nil
// the flag is merged into it, otherwise patched directly.
func (o *Orchestrator) persistFeedback(ctx context.Context, rec *store.ApprovalRow, text string, meta json.RawMessage, patch map[string]any) {
	if err := o.store.UpdateApprovalFeedback(ctx, rec.ID, text, meta); err != nil {
		log.Warn().Err(err).Str("approval_id", rec.ID).Msg("failed to store feedback")
	}

	persisted := true
	if err := o.transcript.Append(ctx, rec.SessionID, text, meta); err != nil {
		log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("transcript append failed")
		persisted = false
	}

	if patch != nil {
		patch["feedbackPersisted"] = persisted
	} else {
		o.patchDetail(ctx, rec.PreviewID, map[string]any{"feedbackPersisted": persisted})
	}
}

func (o *Orchestrator) auditExecution(ctx context.Context, rec *store.ApprovalRow, prev *store.PreviewRow, result json.RawMessage, execErr string) {
	entry := store.ToolExecution{
		ApprovalID: rec.ID,
		SessionID:  rec.SessionID,
		Tool:       prev.Tool,
		Action:     prev.Action,
		Args:       prev.OriginalArgs,
		Result:     result,
		Error:      execErr,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := o.store.InsertToolExecution(ctx, entry); err != nil {
		log.Warn().Err(err).Str("approval_id", rec.ID).Msg("failed to insert tool execution audit row")
	}
}

func (o *Orchestrator) patchDetail(ctx context.Context, previewID string, patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	if err := o.store.UpdatePreviewDetail(ctx, previewID, patch); err != nil {
		log.Warn().Err(err).Str("preview_id", previewID).Msg("failed to patch preview detail")
	}
}

func (o *Orchestrator) publish(event Event) {
	if o.sink == nil {
		return
	}
	o.sink.Publish(event)
}

func (o *Orchestrator) prefBool(ctx context.Context, key string) bool {
	value, err := o.store.GetPreference(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("preference read failed, treating as unset")
		return false
	}
	return value == "true" || value == "1"
}

func (o *Orchestrator) telemetry(previewID, tool string) ExecuteCallback {
	return func(step string, data map[string]any) {
		log.Debug().Str("preview_id", previewID).Str("tool", tool).Str("step", step).Fields(data).Msg("tool sub-step")
	}
}

func (o *Orchestrator) blockReason(tool, action string) string {
	cfg := o.gate.Config()
	switch requiredCapability(tool, action) {
	case capFileWrite:
		if !cfg.EnableFileWrite {
			return ReasonFileWriteDisabled
		}
	case capCodeExecution:
		if !cfg.EnableCodeExecution {
			return ReasonCodeExecutionDisabled
		}
	}
	return ""
}

type capability int

const (
	capNone capability = iota
	capFileWrite
	capCodeExecution
)

func requiredCapability(tool, action string) capability {
	switch tool {
	case "terminal", "shell", "exec":
		return capCodeExecution
	case "file":
		if action == "read" {
			return capNone
		}
		return capFileWrite
	}
	return capNone
}

// cancelHandle pulls the adapter handle out of the preview detail. Terminal
// previews record it under "handle" or, for older callers, "sessionId".
func cancelHandle(detail map[string]any) string {
	if h, ok := detail["handle"].(string); ok && h != "" {
		return h
	}
	if h, ok := detail["sessionId"].(string); ok && h != "" {
		return h
	}
	return ""
}

// applyArgs merges the frozen original arguments with the apply flag the
// tool contract requires.
func applyArgs(original json.RawMessage) (json.RawMessage, error) {
	merged := map[string]any{}
	if len(original) > 0 {
		if err := json.Unmarshal(original, &merged); err != nil {
			return nil, fmt.Errorf("decode original args: %w", err)
		}
	}
	merged["apply"] = true

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged args: %w", err)
	}
	return out, nil
}

// storeTranscript is the default transcript backed by the durable store.
type storeTranscript struct {
	st store.Store
}

func (t storeTranscript) Append(ctx context.Context, sessionID, text string, meta json.RawMessage) error {
	return t.st.AppendTranscript(ctx, sessionID, text, meta)
}
