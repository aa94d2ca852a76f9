package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dagbolade/toolgate/internal/preview"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}

	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initializeSchema() error {
	for _, stmt := range schemaStatements() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) InsertPreview(ctx context.Context, env preview.Envelope, toolExecutionID int64) error {
	if err := preview.Validate(env); err != nil {
		return err
	}

	detail, err := marshalDetail(env.Detail)
	if err != nil {
		return err
	}

	args := "null"
	if len(env.OriginalArgs) > 0 {
		args = string(env.OriginalArgs)
	}

	err = s.execRetry(ctx, queryInsertPreview,
		env.ID, env.SessionID, env.Tool, env.Action, env.Summary,
		detail, args, env.CreatedAt, env.Hash, toolExecutionID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateHash
		}
		return fmt.Errorf("insert preview: %w", err)
	}

	return nil
}

func (s *SQLiteStore) GetPreviewByID(ctx context.Context, id string) (*PreviewRow, error) {
	return s.getPreview(ctx, queryPreviewByID, id)
}

func (s *SQLiteStore) GetPreviewByHash(ctx context.Context, hash string) (*PreviewRow, error) {
	return s.getPreview(ctx, queryPreviewByHash, hash)
}

func (s *SQLiteStore) getPreview(ctx context.Context, query, key string) (*PreviewRow, error) {
	row := s.db.QueryRowContext(ctx, query, key)

	p, err := scanPreview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdatePreviewDetail merge-patches the stored detail object. The read and
// write run inside one immediate transaction, so concurrent patches serialize
// as last-writer-wins.
func (s *SQLiteStore) UpdatePreviewDetail(ctx context.Context, id string, patch map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin detail patch: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, queryPreviewDetail, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read detail: %w", err)
	}

	detail := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &detail); err != nil {
			return fmt.Errorf("decode stored detail: %w", err)
		}
	}
	for k, v := range patch {
		detail[k] = v
	}

	merged, err := marshalDetail(detail)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, queryUpdatePreviewDetail, merged, id); err != nil {
		return fmt.Errorf("write detail: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) InsertApproval(ctx context.Context, rec ApprovalRow) error {
	var meta any
	if len(rec.FeedbackMeta) > 0 {
		meta = string(rec.FeedbackMeta)
	}

	err := s.execRetry(ctx, queryInsertApproval,
		rec.ID, rec.PreviewID, rec.SessionID, string(rec.Status), rec.CreatedAt,
		rec.ResolvedAt, rec.ResolvedBy, rec.AutoReason, rec.FeedbackText, meta)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}

	return nil
}

func (s *SQLiteStore) GetApprovalByID(ctx context.Context, id string) (*ApprovalRow, error) {
	row := s.db.QueryRowContext(ctx, queryApprovalByID, id)

	rec, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateApprovalStatus applies a status-guarded transition and returns the
// affected-row count. Zero means the row's status had already left the
// RequireCurrent set; callers treat that as losing the race.
func (s *SQLiteStore) UpdateApprovalStatus(ctx context.Context, upd StatusUpdate) (int64, error) {
	if len(upd.RequireCurrent) == 0 {
		return 0, fmt.Errorf("status update for %s: guard set is empty", upd.ID)
	}

	placeholders := strings.Repeat("?,", len(upd.RequireCurrent))
	placeholders = placeholders[:len(placeholders)-1]

	// COALESCE keeps existing resolution metadata when the caller passes nil,
	// so a claim does not wipe an auto-approval's reason.
	query := fmt.Sprintf(`
		UPDATE approvals
		SET status = ?,
		    resolved_at = COALESCE(?, resolved_at),
		    resolved_by = COALESCE(?, resolved_by),
		    auto_reason = COALESCE(?, auto_reason)
		WHERE id = ? AND status IN (%s)`, placeholders)

	queryArgs := []any{string(upd.Status), upd.ResolvedAt, upd.ResolvedBy, upd.AutoReason, upd.ID}
	for _, st := range upd.RequireCurrent {
		queryArgs = append(queryArgs, string(st))
	}

	res, err := s.db.ExecContext(ctx, query, queryArgs...)
	if err != nil {
		return 0, fmt.Errorf("update approval status: %w", err)
	}

	return res.RowsAffected()
}

func (s *SQLiteStore) UpdateApprovalFeedback(ctx context.Context, id, feedbackText string, feedbackMeta json.RawMessage) error {
	var meta any
	if len(feedbackMeta) > 0 {
		meta = string(feedbackMeta)
	}

	res, err := s.db.ExecContext(ctx, queryUpdateApprovalFeedback, feedbackText, meta, id)
	if err != nil {
		return fmt.Errorf("update approval feedback: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListApprovalsForExport(ctx context.Context, sessionID string) ([]PreviewRow, []ApprovalRow, error) {
	previews, err := s.queryPreviews(ctx, queryPreviewsForExport, sessionID)
	if err != nil {
		return nil, nil, err
	}

	approvals, err := s.queryApprovals(ctx, queryApprovalsForExport, sessionID)
	if err != nil {
		return nil, nil, err
	}

	return previews, approvals, nil
}

func (s *SQLiteStore) ListPendingApprovals(ctx context.Context, sessionID string) ([]ApprovalRow, error) {
	return s.queryApprovals(ctx, queryPendingApprovals, sessionID)
}

func (s *SQLiteStore) GetPreference(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, queryGetPreference, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get preference: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) SetPreference(ctx context.Context, key, value string) error {
	if err := s.execRetry(ctx, querySetPreference, key, value); err != nil {
		return fmt.Errorf("set preference: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertToolExecution(ctx context.Context, entry ToolExecution) error {
	createdAt := entry.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}

	err := s.execRetry(ctx, queryInsertToolExecution,
		entry.ApprovalID, entry.SessionID, entry.Tool, entry.Action,
		nullableJSON(entry.Args), nullableJSON(entry.Result), entry.Error, createdAt)
	if err != nil {
		return fmt.Errorf("insert tool execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendTranscript(ctx context.Context, sessionID, text string, meta json.RawMessage) error {
	err := s.execRetry(ctx, queryAppendTranscript,
		sessionID, text, nullableJSON(meta), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// PruneResolved removes terminal approvals resolved before the cutoff and
// previews older than the cutoff that no longer have any approval. A preview
// with a pending approval is never removed.
func (s *SQLiteStore) PruneResolved(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.UnixMilli()

	resApprovals, err := s.db.ExecContext(ctx, queryPruneApprovals, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune approvals: %w", err)
	}

	resPreviews, err := s.db.ExecContext(ctx, queryPrunePreviews, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune previews: %w", err)
	}

	a, _ := resApprovals.RowsAffected()
	p, _ := resPreviews.RowsAffected()
	return a + p, nil
}

func (s *SQLiteStore) queryPreviews(ctx context.Context, query string, args ...any) ([]PreviewRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query previews: %w", err)
	}
	defer rows.Close()

	return scanPreviews(rows)
}

func (s *SQLiteStore) queryApprovals(ctx context.Context, query string, args ...any) ([]ApprovalRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	return scanApprovals(rows)
}

// execRetry retries writes that hit SQLite's lock contention with a short
// exponential backoff.
func (s *SQLiteStore) execRetry(ctx context.Context, query string, args ...any) error {
	const maxRetries = 3
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err = s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}

		if isBusy(err) {
			backoff := time.Duration(attempt+1) * 10 * time.Millisecond
			time.Sleep(backoff)
			continue
		}

		return err
	}

	return fmt.Errorf("after %d retries: %w", maxRetries, err)
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func marshalDetail(detail map[string]any) (string, error) {
	if detail == nil {
		return "{}", nil
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return "", fmt.Errorf("marshal detail: %w", err)
	}
	return string(b), nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
