package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dagbolade/toolgate/internal/approvals"
	"github.com/dagbolade/toolgate/internal/auth"
	"github.com/dagbolade/toolgate/internal/preview"
	"github.com/dagbolade/toolgate/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// ApprovalHandler exposes the approval pipeline over HTTP.
type ApprovalHandler struct {
	orch *approvals.Orchestrator
}

func NewApprovalHandler(orch *approvals.Orchestrator) *ApprovalHandler {
	return &ApprovalHandler{orch: orch}
}

// ProposalRequest is an agent's tool-call proposal.
type ProposalRequest struct {
	SessionID       string          `json:"session_id"`
	Tool            string          `json:"tool"`
	Action          string          `json:"action"`
	Summary         string          `json:"summary"`
	Args            json.RawMessage `json:"args"`
	Detail          map[string]any  `json:"detail,omitempty"`
	ToolExecutionID int64           `json:"tool_execution_id"`
}

// SubmitProposal records a preview, creates its approval, and auto-applies
// when the rules and budget allow.
func (h *ApprovalHandler) SubmitProposal(c echo.Context) error {
	ctx := c.Request().Context()

	var req ProposalRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	env, err := preview.New(req.SessionID, req.Tool, req.Action, req.Summary, req.Args, req.Detail)
	if err != nil {
		var verr *preview.ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": verr.Error()})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	result, err := h.orch.SubmitProposal(ctx, env, req.ToolExecutionID)
	if err != nil {
		log.Error().Err(err).Str("tool", req.Tool).Msg("proposal failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "proposal failed"})
	}

	return c.JSON(http.StatusOK, result)
}

type resolveRequest struct {
	ResolvedBy   string          `json:"resolved_by,omitempty"`
	FeedbackText string          `json:"feedback_text,omitempty"`
	FeedbackMeta json.RawMessage `json:"feedback_meta,omitempty"`
}

// ApplyApproval executes a pending or auto-approved action.
func (h *ApprovalHandler) ApplyApproval(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	result, err := h.orch.ApplyApproval(ctx, approvals.ApplyParams{
		ApprovalID:   id,
		ResolvedBy:   h.resolvedBy(c, req.ResolvedBy),
		FeedbackText: req.FeedbackText,
		FeedbackMeta: req.FeedbackMeta,
	})
	if err != nil {
		return h.resolveError(c, id, err, "apply")
	}

	return c.JSON(http.StatusOK, result)
}

// RejectApproval records a human denial.
func (h *ApprovalHandler) RejectApproval(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	err := h.orch.RejectApproval(ctx, id, h.resolvedBy(c, req.ResolvedBy), req.FeedbackText, req.FeedbackMeta)
	if err != nil {
		return h.resolveError(c, id, err, "reject")
	}

	return c.JSON(http.StatusOK, map[string]any{"success": true, "id": id, "status": store.StatusRejected})
}

// CancelPreview aborts a proposal, killing any in-flight process.
func (h *ApprovalHandler) CancelPreview(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if err := h.orch.CancelPreview(ctx, id); err != nil {
		return h.resolveError(c, id, err, "cancel")
	}

	return c.JSON(http.StatusOK, map[string]any{"success": true, "id": id})
}

// ListApprovals returns the session's previews and approvals for audit.
func (h *ApprovalHandler) ListApprovals(c echo.Context) error {
	ctx := c.Request().Context()

	export, err := h.orch.ListApprovals(ctx, c.Param("id"))
	if err != nil {
		log.Error().Err(err).Msg("failed to list approvals")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list approvals"})
	}

	return c.JSON(http.StatusOK, export)
}

// ListPending returns the session's approvals awaiting review.
func (h *ApprovalHandler) ListPending(c echo.Context) error {
	ctx := c.Request().Context()

	pending, err := h.orch.ListPendingApprovals(ctx, c.Param("id"))
	if err != nil {
		log.Error().Err(err).Msg("failed to list pending approvals")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list pending approvals"})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"total":   len(pending),
		"pending": pending,
	})
}

// GetPreference reads a reviewer preference.
func (h *ApprovalHandler) GetPreference(c echo.Context) error {
	ctx := c.Request().Context()
	key := c.Param("key")

	value, err := h.orch.GetPreference(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to read preference")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read preference"})
	}

	return c.JSON(http.StatusOK, map[string]string{"key": key, "value": value})
}

// SetPreference writes a reviewer preference such as approvals.skipAll.
func (h *ApprovalHandler) SetPreference(c echo.Context) error {
	ctx := c.Request().Context()
	key := c.Param("key")

	var req struct {
		Value string `json:"value"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if err := h.orch.SetPreference(ctx, key, req.Value); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to set preference")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to set preference"})
	}

	return c.JSON(http.StatusOK, map[string]string{"key": key, "value": req.Value})
}

// resolvedBy prefers the authenticated reviewer identity over whatever the
// request body claims.
func (h *ApprovalHandler) resolvedBy(c echo.Context, fromBody string) string {
	if reviewer := auth.ReviewerFromContext(c); reviewer != nil {
		return reviewer.ID
	}
	return fromBody
}

func (h *ApprovalHandler) resolveError(c echo.Context, id string, err error, op string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "approval not found"})
	case errors.Is(err, approvals.ErrConflict):
		return c.JSON(http.StatusConflict, map[string]string{"error": "approval already resolved"})
	default:
		log.Error().Err(err).Str("id", id).Str("op", op).Msg("approval operation failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": op + " failed"})
	}
}
