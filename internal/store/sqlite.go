package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/sessionctl/internal/domain"
	"github.com/ashureev/sessionctl/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using a pure-Go SQLite driver.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		repo_owner TEXT NOT NULL,
		repo_name TEXT NOT NULL,
		status TEXT NOT NULL,
		current_sha TEXT,
		model TEXT NOT NULL,
		reasoning_effort TEXT,
		title TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS participants (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		joined_at INTEGER NOT NULL,
		token_hash TEXT,
		token_created_at INTEGER,
		last_seen INTEGER NOT NULL,
		github_login TEXT,
		display_name TEXT,
		avatar TEXT,
		UNIQUE(session_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_participants_token ON participants(session_id, token_hash);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		author_participant_id TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		attachments TEXT,
		callback_context TEXT,
		reasoning_effort TEXT,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_status_created ON messages(session_id, status, created_at);

	CREATE TABLE IF NOT EXISTS events (
		session_id TEXT NOT NULL,
		id TEXT NOT NULL,
		type TEXT NOT NULL,
		data TEXT NOT NULL,
		message_id TEXT,
		call_id TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_events_session_type_created ON events(session_id, type, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_events_session_callid ON events(session_id, call_id, created_at);

	CREATE TABLE IF NOT EXISTS sandboxes (
		session_id TEXT PRIMARY KEY,
		sandbox_id TEXT,
		status TEXT NOT NULL,
		last_heartbeat INTEGER,
		git_sync_status TEXT,
		hostname TEXT
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		url TEXT,
		metadata TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry runs fn, retrying with exponential backoff on SQLite busy/locked
// errors, the same pattern the teacher uses for deleteAgentSessionOnce.
func withRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("store operation hit SQLite conflict, retrying", "attempt", i+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timeFromNullable(ns sql.NullInt64) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	return time.UnixMilli(ns.Int64)
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	query := `
	INSERT INTO sessions (id, repo_owner, repo_name, status, current_sha, model, reasoning_effort, title, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.RepoOwner, sess.RepoName, string(sess.Status), nullString(sess.CurrentSha),
		string(sess.Model), nullString(string(sess.ReasoningEffort)), nullString(sess.Title),
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
	SELECT id, repo_owner, repo_name, status, current_sha, model, reasoning_effort, title, created_at, updated_at
	FROM sessions WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, sessionID)

	var sess domain.Session
	var status, model string
	var currentSha, reasoningEffort, title sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&sess.ID, &sess.RepoOwner, &sess.RepoName, &status, &currentSha, &model, &reasoningEffort, &title, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.Status = domain.SessionStatus(status)
	sess.Model = domain.Model(model)
	sess.CurrentSha = currentSha.String
	sess.ReasoningEffort = domain.ReasoningEffort(reasoningEffort.String)
	sess.Title = title.String
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	return &sess, nil
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSessionSha(ctx context.Context, sessionID, sha string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET current_sha = ?, updated_at = ? WHERE id = ?`,
		sha, time.Now().UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("update session sha: %w", err)
	}
	return nil
}

// --- Participants ---

func (s *SQLiteStore) UpsertParticipantByUser(ctx context.Context, p *domain.Participant) (*domain.Participant, error) {
	query := `
	INSERT INTO participants (id, session_id, user_id, role, joined_at, token_hash, token_created_at, last_seen, github_login, display_name, avatar)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, user_id) DO UPDATE SET
		last_seen = excluded.last_seen,
		github_login = COALESCE(NULLIF(excluded.github_login, ''), participants.github_login),
		display_name = COALESCE(NULLIF(excluded.display_name, ''), participants.display_name),
		avatar = COALESCE(NULLIF(excluded.avatar, ''), participants.avatar)`

	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.SessionID, p.UserID, string(p.Role), p.JoinedAt.UnixMilli(),
		nullString(p.TokenHash), nullTime(p.TokenCreated), p.LastSeen.UnixMilli(),
		nullString(p.GithubLogin), nullString(p.DisplayName), nullString(p.Avatar),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert participant: %w", err)
	}
	return s.GetParticipantByUserID(ctx, p.SessionID, p.UserID)
}

func scanParticipant(row interface {
	Scan(dest ...interface{}) error
}) (*domain.Participant, error) {
	var p domain.Participant
	var role string
	var tokenHash, githubLogin, displayName, avatar sql.NullString
	var tokenCreated sql.NullInt64
	var joinedAt, lastSeen int64

	err := row.Scan(&p.ID, &p.SessionID, &p.UserID, &role, &joinedAt, &tokenHash, &tokenCreated, &lastSeen, &githubLogin, &displayName, &avatar)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant: %w", err)
	}
	p.Role = domain.ParticipantRole(role)
	p.JoinedAt = time.UnixMilli(joinedAt)
	p.TokenHash = tokenHash.String
	p.TokenCreated = timeFromNullable(tokenCreated)
	p.LastSeen = time.UnixMilli(lastSeen)
	p.GithubLogin = githubLogin.String
	p.DisplayName = displayName.String
	p.Avatar = avatar.String
	return &p, nil
}

const participantColumns = `id, session_id, user_id, role, joined_at, token_hash, token_created_at, last_seen, github_login, display_name, avatar`

func (s *SQLiteStore) GetParticipantByUserID(ctx context.Context, sessionID, userID string) (*domain.Participant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE session_id = ? AND user_id = ?`, sessionID, userID)
	return scanParticipant(row)
}

func (s *SQLiteStore) GetParticipantByTokenHash(ctx context.Context, sessionID, tokenHash string) (*domain.Participant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE session_id = ? AND token_hash = ?`, sessionID, tokenHash)
	return scanParticipant(row)
}

func (s *SQLiteStore) ListParticipants(ctx context.Context, sessionID string) ([]*domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE session_id = ? ORDER BY joined_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []*domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetParticipantToken(ctx context.Context, participantID, tokenHash string, issuedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE participants SET token_hash = ?, token_created_at = ? WHERE id = ?`,
		tokenHash, issuedAt.UnixMilli(), participantID)
	if err != nil {
		return fmt.Errorf("set participant token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TouchParticipantLastSeen(ctx context.Context, participantID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE participants SET last_seen = ? WHERE id = ?`, at.UnixMilli(), participantID)
	if err != nil {
		return fmt.Errorf("touch participant last_seen: %w", err)
	}
	return nil
}

// --- Messages ---

const messageColumns = `id, session_id, author_participant_id, content, source, status, created_at, started_at, completed_at, attachments, callback_context, reasoning_effort, error`

func scanMessage(row interface {
	Scan(dest ...interface{}) error
}) (*domain.Message, error) {
	var m domain.Message
	var source, status string
	var startedAt, completedAt sql.NullInt64
	var attachments, callbackContext, reasoningEffort, errField sql.NullString
	var createdAt int64

	err := row.Scan(&m.ID, &m.SessionID, &m.AuthorParticipantID, &m.Content, &source, &status,
		&createdAt, &startedAt, &completedAt, &attachments, &callbackContext, &reasoningEffort, &errField)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Source = domain.MessageSource(source)
	m.Status = domain.MessageStatus(status)
	m.CreatedAt = time.UnixMilli(createdAt)
	m.StartedAt = timeFromNullable(startedAt)
	m.CompletedAt = timeFromNullable(completedAt)
	m.Attachments = attachments.String
	m.CallbackContext = callbackContext.String
	m.ReasoningEffort = domain.ReasoningEffort(reasoningEffort.String)
	m.Error = errField.String
	return &m, nil
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, m *domain.Message) error {
	query := `
	INSERT INTO messages (` + messageColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.SessionID, m.AuthorParticipantID, m.Content, string(m.Source), string(m.Status),
		m.CreatedAt.UnixMilli(), nullTime(m.StartedAt), nullTime(m.CompletedAt),
		nullString(m.Attachments), nullString(m.CallbackContext), nullString(string(m.ReasoningEffort)), nullString(m.Error),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, sessionID, messageID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND id = ?`, sessionID, messageID)
	return scanMessage(row)
}

func (s *SQLiteStore) GetProcessingMessage(ctx context.Context, sessionID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND status = ? LIMIT 1`,
		sessionID, string(domain.MessageStatusProcessing))
	return scanMessage(row)
}

func (s *SQLiteStore) GetOldestPendingMessage(ctx context.Context, sessionID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND status = ? ORDER BY created_at ASC LIMIT 1`,
		sessionID, string(domain.MessageStatusPending))
	return scanMessage(row)
}

func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, m *domain.Message) error {
	query := `
	UPDATE messages SET status = ?, started_at = ?, completed_at = ?, error = ?
	WHERE id = ? AND session_id = ?`
	err := withRetry(ctx, 3, 100*time.Millisecond, func() error {
		_, err := s.db.ExecContext(ctx, query,
			string(m.Status), nullTime(m.StartedAt), nullTime(m.CompletedAt), nullString(m.Error),
			m.ID, m.SessionID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, status domain.MessageStatus, limit int, cursor string) (*MessagePage, error) {
	args := []interface{}{sessionID}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ?`

	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if cursor != "" {
		c, err := DecodeCursor(cursor)
		if err != nil {
			return nil, fmt.Errorf("decode cursor: %w", err)
		}
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, c.CreatedAt.UnixMilli(), c.CreatedAt.UnixMilli(), c.ID)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &MessagePage{}
	if len(out) > limit {
		page.HasMore = true
		out = out[:limit]
	}
	page.Messages = out
	if len(out) > 0 {
		last := out[len(out)-1]
		page.Cursor = EncodeCursor(domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

// --- Events ---

const eventColumns = `session_id, id, type, data, message_id, call_id, created_at`

func scanEvent(row interface {
	Scan(dest ...interface{}) error
}) (*domain.Event, error) {
	var e domain.Event
	var typ string
	var messageID, callID sql.NullString
	var createdAt int64

	err := row.Scan(&e.SessionID, &e.ID, &typ, &e.Data, &messageID, &callID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	e.Type = domain.EventType(typ)
	e.MessageID = messageID.String
	e.CallID = callID.String
	e.CreatedAt = time.UnixMilli(createdAt)
	return &e, nil
}

func (s *SQLiteStore) EventExists(ctx context.Context, sessionID, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE session_id = ? AND id = ?`, sessionID, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check event exists: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, e *domain.Event) error {
	query := `
	INSERT INTO events (` + eventColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, id) DO NOTHING`
	err := withRetry(ctx, 3, 100*time.Millisecond, func() error {
		_, err := s.db.ExecContext(ctx, query,
			e.SessionID, e.ID, string(e.Type), e.Data, nullString(e.MessageID), nullString(e.CallID), e.CreatedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestToolCallByCallID(ctx context.Context, sessionID, callID string) (*domain.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE session_id = ? AND type = ? AND call_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		sessionID, string(domain.EventTypeToolCall), callID)
	return scanEvent(row)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, eventType domain.EventType, limit int, cursor string) (*EventPage, error) {
	args := []interface{}{sessionID}
	query := `SELECT ` + eventColumns + ` FROM events WHERE session_id = ?`

	if eventType != "" {
		query += ` AND type = ?`
		args = append(args, string(eventType))
	}
	if cursor != "" {
		c, err := DecodeCursor(cursor)
		if err != nil {
			return nil, fmt.Errorf("decode cursor: %w", err)
		}
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, c.CreatedAt.UnixMilli(), c.CreatedAt.UnixMilli(), c.ID)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit+1)

	return s.queryEventPage(ctx, query, limit, args...)
}

func (s *SQLiteStore) LoadOlderEvents(ctx context.Context, sessionID string, eventType domain.EventType, limit int, before string) (*EventPage, error) {
	c, err := DecodeCursor(before)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	args := []interface{}{sessionID}
	query := `SELECT ` + eventColumns + ` FROM events WHERE session_id = ?`
	if eventType != "" {
		query += ` AND type = ?`
		args = append(args, string(eventType))
	}
	query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
	args = append(args, c.CreatedAt.UnixMilli(), c.CreatedAt.UnixMilli(), c.ID)
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load older events: %w", err)
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &EventPage{}
	if len(out) > limit {
		page.HasMore = true
		out = out[:limit]
	}
	// re-ascend to the log's natural order before handing back to the caller
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	page.Events = out
	if len(out) > 0 {
		first := out[0]
		page.Cursor = EncodeCursor(domain.Cursor{CreatedAt: first.CreatedAt, ID: first.ID})
	}
	return page, nil
}

func (s *SQLiteStore) queryEventPage(ctx context.Context, query string, limit int, args ...interface{}) (*EventPage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &EventPage{}
	if len(out) > limit {
		page.HasMore = true
		out = out[:limit]
	}
	page.Events = out
	if len(out) > 0 {
		last := out[len(out)-1]
		page.Cursor = EncodeCursor(domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

func (s *SQLiteStore) ReplayTail(ctx context.Context, sessionID string, n int) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events WHERE session_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("replay tail: %w", err)
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// --- Sandbox ---

func (s *SQLiteStore) GetSandbox(ctx context.Context, sessionID string) (*domain.Sandbox, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_id, sandbox_id, status, last_heartbeat, git_sync_status, hostname FROM sandboxes WHERE session_id = ?`, sessionID)

	var sb domain.Sandbox
	var sandboxID, gitSyncStatus, hostname sql.NullString
	var status string
	var lastHeartbeat sql.NullInt64

	err := row.Scan(&sb.SessionID, &sandboxID, &status, &lastHeartbeat, &gitSyncStatus, &hostname)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan sandbox: %w", err)
	}
	sb.SandboxID = sandboxID.String
	sb.Status = domain.SandboxStatus(status)
	sb.LastHeartbeat = timeFromNullable(lastHeartbeat)
	sb.GitSyncStatus = gitSyncStatus.String
	sb.Hostname = hostname.String
	return &sb, nil
}

func (s *SQLiteStore) UpsertSandbox(ctx context.Context, sb *domain.Sandbox) error {
	query := `
	INSERT INTO sandboxes (session_id, sandbox_id, status, last_heartbeat, git_sync_status, hostname)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		sandbox_id = excluded.sandbox_id,
		status = excluded.status,
		last_heartbeat = COALESCE(excluded.last_heartbeat, sandboxes.last_heartbeat),
		git_sync_status = COALESCE(excluded.git_sync_status, sandboxes.git_sync_status),
		hostname = COALESCE(excluded.hostname, sandboxes.hostname)`
	_, err := s.db.ExecContext(ctx, query,
		sb.SessionID, nullString(sb.SandboxID), string(sb.Status), nullTime(sb.LastHeartbeat),
		nullString(sb.GitSyncStatus), nullString(sb.Hostname),
	)
	if err != nil {
		return fmt.Errorf("upsert sandbox: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateHeartbeat(ctx context.Context, sessionID, sandboxID string, status domain.SandboxStatus, at time.Time) error {
	query := `
	INSERT INTO sandboxes (session_id, sandbox_id, status, last_heartbeat, git_sync_status, hostname)
	VALUES (?, ?, ?, ?, NULL, NULL)
	ON CONFLICT(session_id) DO UPDATE SET
		sandbox_id = excluded.sandbox_id,
		status = excluded.status,
		last_heartbeat = excluded.last_heartbeat`
	_, err := s.db.ExecContext(ctx, query, sessionID, nullString(sandboxID), string(status), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateGitSyncStatus(ctx context.Context, sessionID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sandboxes SET git_sync_status = ? WHERE session_id = ?`, status, sessionID)
	if err != nil {
		return fmt.Errorf("update git sync status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListStaleSandboxes(ctx context.Context, maxAge time.Duration) ([]*domain.Sandbox, error) {
	threshold := time.Now().Add(-maxAge).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sandbox_id, status, last_heartbeat, git_sync_status, hostname
		FROM sandboxes
		WHERE status IN (?, ?, ?, ?) AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		string(domain.SandboxStatusWarming), string(domain.SandboxStatusSyncing),
		string(domain.SandboxStatusReady), string(domain.SandboxStatusRunning), threshold)
	if err != nil {
		return nil, fmt.Errorf("list stale sandboxes: %w", err)
	}
	defer rows.Close()

	var out []*domain.Sandbox
	for rows.Next() {
		var sb domain.Sandbox
		var sandboxID, gitSyncStatus, hostname sql.NullString
		var status string
		var lastHeartbeat sql.NullInt64
		if err := rows.Scan(&sb.SessionID, &sandboxID, &status, &lastHeartbeat, &gitSyncStatus, &hostname); err != nil {
			return nil, fmt.Errorf("scan stale sandbox: %w", err)
		}
		sb.SandboxID = sandboxID.String
		sb.Status = domain.SandboxStatus(status)
		sb.LastHeartbeat = timeFromNullable(lastHeartbeat)
		sb.GitSyncStatus = gitSyncStatus.String
		sb.Hostname = hostname.String
		out = append(out, &sb)
	}
	return out, rows.Err()
}

// --- Artifacts ---

func (s *SQLiteStore) InsertArtifact(ctx context.Context, a *domain.Artifact) error {
	query := `
	INSERT INTO artifacts (id, session_id, type, url, metadata, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, a.ID, a.SessionID, string(a.Type), nullString(a.URL), nullString(a.Metadata), a.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, sessionID, artifactID string) (*domain.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, session_id, type, url, metadata, created_at FROM artifacts WHERE session_id = ? AND id = ?`, sessionID, artifactID)
	var a domain.Artifact
	var typ string
	var url, metadata sql.NullString
	var createdAt int64
	err := row.Scan(&a.ID, &a.SessionID, &typ, &url, &metadata, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	a.Type = domain.ArtifactType(typ)
	a.URL = url.String
	a.Metadata = metadata.String
	a.CreatedAt = time.UnixMilli(createdAt)
	return &a, nil
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, sessionID string) ([]*domain.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, type, url, metadata, created_at FROM artifacts WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		var typ string
		var url, metadata sql.NullString
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.SessionID, &typ, &url, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Type = domain.ArtifactType(typ)
		a.URL = url.String
		a.Metadata = metadata.String
		a.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}
