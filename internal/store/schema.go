package store

const (
	previewsSchema = `
		CREATE TABLE IF NOT EXISTS previews (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			action TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '{}',
			original_args TEXT NOT NULL DEFAULT 'null',
			created_at INTEGER NOT NULL,
			hash TEXT NOT NULL UNIQUE,
			tool_execution_id INTEGER NOT NULL DEFAULT 0
		)`

	approvalsSchema = `
		CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			preview_id TEXT NOT NULL REFERENCES previews(id),
			session_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN
				('pending','approved','auto_approved','rejected','applied','failed','blocked')),
			created_at INTEGER NOT NULL,
			resolved_at INTEGER,
			resolved_by TEXT,
			auto_reason TEXT,
			feedback_text TEXT,
			feedback_meta TEXT
		)`

	toolExecutionsSchema = `
		CREATE TABLE IF NOT EXISTS tool_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			approval_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			action TEXT NOT NULL,
			args TEXT,
			result TEXT,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`

	preferencesSchema = `
		CREATE TABLE IF NOT EXISTS preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`

	transcriptSchema = `
		CREATE TABLE IF NOT EXISTS transcript_notes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			text TEXT NOT NULL,
			meta TEXT,
			created_at INTEGER NOT NULL
		)`

	indexPreviewsSession  = `CREATE INDEX IF NOT EXISTS idx_previews_session ON previews(session_id, created_at DESC)`
	indexApprovalsSession = `CREATE INDEX IF NOT EXISTS idx_approvals_session ON approvals(session_id, created_at DESC)`
	indexApprovalsStatus  = `CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(session_id, status)`
	indexTranscriptSess   = `CREATE INDEX IF NOT EXISTS idx_transcript_session ON transcript_notes(session_id, created_at)`
)

func schemaStatements() []string {
	return []string{
		previewsSchema,
		approvalsSchema,
		toolExecutionsSchema,
		preferencesSchema,
		transcriptSchema,
		indexPreviewsSession,
		indexApprovalsSession,
		indexApprovalsStatus,
		indexTranscriptSess,
	}
}
