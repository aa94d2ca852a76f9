package store

const (
	queryInsertPreview = `
		INSERT INTO previews (id, session_id, tool, action, summary, detail, original_args, created_at, hash, tool_execution_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	querySelectPreview = `
		SELECT id, session_id, tool, action, summary, detail, original_args, created_at, hash, tool_execution_id
		FROM previews`

	queryPreviewByID   = querySelectPreview + ` WHERE id = ?`
	queryPreviewByHash = querySelectPreview + ` WHERE hash = ?`

	queryPreviewDetail       = `SELECT detail FROM previews WHERE id = ?`
	queryUpdatePreviewDetail = `UPDATE previews SET detail = ? WHERE id = ?`

	queryPreviewsForExport = querySelectPreview + ` WHERE session_id = ? ORDER BY created_at DESC`

	queryInsertApproval = `
		INSERT INTO approvals (id, preview_id, session_id, status, created_at, resolved_at, resolved_by, auto_reason, feedback_text, feedback_meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	querySelectApproval = `
		SELECT id, preview_id, session_id, status, created_at, resolved_at, resolved_by, auto_reason, feedback_text, feedback_meta
		FROM approvals`

	queryApprovalByID = querySelectApproval + ` WHERE id = ?`

	queryApprovalsForExport = querySelectApproval + ` WHERE session_id = ? ORDER BY created_at DESC`

	queryPendingApprovals = querySelectApproval + ` WHERE session_id = ? AND status = 'pending' ORDER BY created_at DESC`

	queryUpdateApprovalFeedback = `
		UPDATE approvals SET feedback_text = ?, feedback_meta = ? WHERE id = ?`

	queryInsertToolExecution = `
		INSERT INTO tool_executions (approval_id, session_id, tool, action, args, result, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetPreference = `SELECT value FROM preferences WHERE key = ?`
	querySetPreference = `
		INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`

	queryAppendTranscript = `
		INSERT INTO transcript_notes (session_id, text, meta, created_at)
		VALUES (?, ?, ?, ?)`

	queryPruneApprovals = `
		DELETE FROM approvals
		WHERE status IN ('applied','rejected','failed','blocked')
		  AND resolved_at IS NOT NULL
		  AND resolved_at < ?`

	queryPrunePreviews = `
		DELETE FROM previews
		WHERE created_at < ?
		  AND id NOT IN (SELECT preview_id FROM approvals)`
)
