package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPreview(row rowScanner) (*PreviewRow, error) {
	var (
		p            PreviewRow
		detail, args string
	)

	err := row.Scan(&p.ID, &p.SessionID, &p.Tool, &p.Action, &p.Summary,
		&detail, &args, &p.CreatedAt, &p.Hash, &p.ToolExecutionID)
	if err != nil {
		return nil, err
	}

	if detail != "" && detail != "{}" {
		if err := json.Unmarshal([]byte(detail), &p.Detail); err != nil {
			return nil, fmt.Errorf("decode preview detail: %w", err)
		}
	}
	if args != "" && args != "null" {
		p.OriginalArgs = json.RawMessage(args)
	}

	return &p, nil
}

func scanPreviews(rows *sql.Rows) ([]PreviewRow, error) {
	var previews []PreviewRow

	for rows.Next() {
		p, err := scanPreview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preview row: %w", err)
		}
		previews = append(previews, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	return previews, nil
}

func scanApproval(row rowScanner) (*ApprovalRow, error) {
	var (
		rec          ApprovalRow
		status       string
		resolvedAt   sql.NullInt64
		resolvedBy   sql.NullString
		autoReason   sql.NullString
		feedbackText sql.NullString
		feedbackMeta sql.NullString
	)

	err := row.Scan(&rec.ID, &rec.PreviewID, &rec.SessionID, &status, &rec.CreatedAt,
		&resolvedAt, &resolvedBy, &autoReason, &feedbackText, &feedbackMeta)
	if err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	if resolvedAt.Valid {
		rec.ResolvedAt = &resolvedAt.Int64
	}
	if resolvedBy.Valid {
		rec.ResolvedBy = &resolvedBy.String
	}
	if autoReason.Valid {
		rec.AutoReason = &autoReason.String
	}
	if feedbackText.Valid {
		rec.FeedbackText = &feedbackText.String
	}
	if feedbackMeta.Valid && feedbackMeta.String != "" {
		rec.FeedbackMeta = json.RawMessage(feedbackMeta.String)
	}

	return &rec, nil
}

func scanApprovals(rows *sql.Rows) ([]ApprovalRow, error) {
	var approvals []ApprovalRow

	for rows.Next() {
		rec, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval row: %w", err)
		}
		approvals = append(approvals, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	return approvals, nil
}
