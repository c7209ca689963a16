// Package store is the gateway's Memory Store: the exclusive owner of all
// persisted entities (conversations, messages, facts, scheduled tasks,
// outcomes, lessons, audit log, user aliases) backed by SQLite with an
// FTS5 virtual table for semantic-ish keyword recall. Grounded on the
// teacher's pkg/metrics/tracker.go "small embedded persistence component"
// shape, but moved from JSONL to modernc.org/sqlite because the spec
// requires FTS5 search and transactional CAS task claims.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sipeed/omega/pkg/apperr"
	"github.com/sipeed/omega/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT '',
	opened_at TIMESTAMP NOT NULL,
	last_activity TIMESTAMP NOT NULL,
	status TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open
	ON conversations(channel, sender_id, project) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id INTEGER NOT NULL,
	role TEXT NOT NULL,
	text TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	text, content='messages', content_rowid='id'
);
CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
	INSERT INTO messages_fts(rowid, text) VALUES (new.id, new.text);
END;
CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, text) VALUES ('delete', old.id, old.text);
END;
CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, text) VALUES ('delete', old.id, old.text);
	INSERT INTO messages_fts(rowid, text) VALUES (new.id, new.text);
END;

CREATE TABLE IF NOT EXISTS facts (
	sender_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	source TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (sender_id, key)
);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	reply_target TEXT NOT NULL,
	description TEXT NOT NULL,
	due_at TIMESTAMP NOT NULL,
	repeat TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	task_type TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	delivered_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, due_at, id);

CREATE TABLE IF NOT EXISTS outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT '',
	domain TEXT NOT NULL,
	signal INTEGER NOT NULL,
	lesson TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_sender ON outcomes(sender_id, created_at);

CREATE TABLE IF NOT EXISTS lessons (
	sender_id TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT '',
	domain TEXT NOT NULL,
	content TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (sender_id, project, domain, content)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TIMESTAMP NOT NULL,
	channel TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	sender_name TEXT NOT NULL DEFAULT '',
	input_text TEXT NOT NULL,
	output_text TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	processing_ms INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	denial_reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS user_aliases (
	channel TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	canonical_id TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 1.0,
	PRIMARY KEY (channel, sender_id)
);

CREATE TABLE IF NOT EXISTS project_sessions (
	sender_id TEXT NOT NULL PRIMARY KEY,
	active_project TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS limitations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_limitations_sender ON limitations(sender_id, created_at);
`

// Store is the bounded-concurrency handle to the SQLite-backed memory
// store. A single *sql.DB with a capped connection pool stands in for the
// spec's "shared connection pool with bounded concurrency (<=4)": SQLite
// serializes writes internally and database/sql pools reads across the
// capped connections.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema. maxConns bounds the shared connection pool.
func Open(path string, maxConns int) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, apperr.Storage("store.Open", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperr.Storage("store.Open.schema", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// OpenOrFetchConversation returns the currently open conversation for the
// tuple, opening a new one if none exists.
func (s *Store) OpenOrFetchConversation(ctx context.Context, channel, senderID, project string) (*types.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel, sender_id, project, opened_at, last_activity, status, summary
		FROM conversations WHERE channel=? AND sender_id=? AND project=? AND status='open'`,
		channel, senderID, project)
	c, err := scanConversation(row)
	if err == nil {
		return c, nil
	}
	if err != sql.ErrNoRows {
		return nil, apperr.Storage("OpenOrFetchConversation.select", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (channel, sender_id, project, opened_at, last_activity, status, summary)
		VALUES (?, ?, ?, ?, ?, 'open', '')`,
		channel, senderID, project, now, now)
	if err != nil {
		return nil, apperr.Storage("OpenOrFetchConversation.insert", err)
	}
	id, _ := res.LastInsertId()
	return &types.Conversation{
		ID: id, Channel: channel, SenderID: senderID, Project: project,
		OpenedAt: now, LastActivity: now, Status: types.ConversationOpen,
	}, nil
}

func scanConversation(row *sql.Row) (*types.Conversation, error) {
	var c types.Conversation
	var status string
	if err := row.Scan(&c.ID, &c.Channel, &c.SenderID, &c.Project, &c.OpenedAt, &c.LastActivity, &status, &c.Summary); err != nil {
		return nil, err
	}
	c.Status = types.ConversationStatus(status)
	return &c, nil
}

// AppendMessage appends a message to conv_id and bumps last_activity.
func (s *Store) AppendMessage(ctx context.Context, convID int64, role, text string) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Storage("AppendMessage.begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO messages (conversation_id, role, text, created_at) VALUES (?,?,?,?)`,
		convID, role, text, now); err != nil {
		return apperr.Storage("AppendMessage.insert", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET last_activity=? WHERE id=?`, now, convID); err != nil {
		return apperr.Storage("AppendMessage.touch", err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Storage("AppendMessage.commit", err)
	}
	return nil
}

// RecentHistory returns the last N messages for conv_id in chronological order.
func (s *Store) RecentHistory(ctx context.Context, convID int64, n int) ([]types.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, text FROM messages WHERE conversation_id=? ORDER BY id DESC LIMIT ?`, convID, n)
	if err != nil {
		return nil, apperr.Storage("RecentHistory", err)
	}
	defer rows.Close()
	var out []types.HistoryEntry
	for rows.Next() {
		var h types.HistoryEntry
		if err := rows.Scan(&h.Role, &h.Text); err != nil {
			return nil, apperr.Storage("RecentHistory.scan", err)
		}
		out = append(out, h)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LoadFacts returns all facts for sender as a key->value map.
func (s *Store) LoadFacts(ctx context.Context, senderID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM facts WHERE sender_id=?`, senderID)
	if err != nil {
		return nil, apperr.Storage("LoadFacts", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, apperr.Storage("LoadFacts.scan", err)
		}
		out[k] = v
	}
	return out, nil
}

// UpsertFact writes a (sender_id, key) fact, last writer wins.
func (s *Store) UpsertFact(ctx context.Context, senderID, key, value, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facts (sender_id, key, value, source, created_at) VALUES (?,?,?,?,?)
		ON CONFLICT(sender_id, key) DO UPDATE SET value=excluded.value, source=excluded.source, created_at=excluded.created_at`,
		senderID, key, value, source, time.Now().UTC())
	if err != nil {
		return apperr.Storage("UpsertFact", err)
	}
	return nil
}

// PurgeFacts deletes all non-system facts for sender. System-managed keys
// (prefixed "system.") survive per spec's PURGE_FACTS semantics.
func (s *Store) PurgeFacts(ctx context.Context, senderID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE sender_id=? AND key NOT LIKE 'system.%'`, senderID)
	if err != nil {
		return apperr.Storage("PurgeFacts", err)
	}
	return nil
}

// PendingTasks returns pending tasks for sender.
func (s *Store) PendingTasks(ctx context.Context, senderID string) ([]types.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, sender_id, reply_target, description, due_at, repeat, status, task_type,
		       retry_count, last_error, created_at, delivered_at
		FROM scheduled_tasks WHERE sender_id=? AND status='pending' ORDER BY due_at, id`, senderID)
	if err != nil {
		return nil, apperr.Storage("PendingTasks", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]types.ScheduledTask, error) {
	var out []types.ScheduledTask
	for rows.Next() {
		var t types.ScheduledTask
		var repeat, status, taskType string
		var delivered sql.NullTime
		if err := rows.Scan(&t.ID, &t.Channel, &t.SenderID, &t.ReplyTarget, &t.Description, &t.DueAt,
			&repeat, &status, &taskType, &t.RetryCount, &t.LastError, &t.CreatedAt, &delivered); err != nil {
			return nil, apperr.Storage("scanTasks", err)
		}
		t.Repeat = types.TaskRepeat(repeat)
		t.Status = types.TaskStatus(status)
		t.TaskType = types.TaskType(taskType)
		if delivered.Valid {
			d := delivered.Time
			t.DeliveredAt = &d
		}
		out = append(out, t)
	}
	return out, nil
}

// InsertTask inserts a full task row and returns its id.
func (s *Store) InsertTask(ctx context.Context, t types.ScheduledTask) (int64, error) {
	if t.Description == "" {
		return 0, apperr.Validation("InsertTask", fmt.Errorf("description required"))
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (channel, sender_id, reply_target, description, due_at, repeat, status, task_type, retry_count, last_error, created_at)
		VALUES (?,?,?,?,?,?,?,?,0,'',?)`,
		t.Channel, t.SenderID, t.ReplyTarget, t.Description, t.DueAt, string(t.Repeat), string(types.TaskPending), string(t.TaskType), time.Now().UTC())
	if err != nil {
		return 0, apperr.Storage("InsertTask", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// TransitionTask performs a compare-and-swap status transition, returning
// whether it applied (false means another worker already moved it).
func (s *Store) TransitionTask(ctx context.Context, id int64, from, to types.TaskStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET status=? WHERE id=? AND status=?`, string(to), id, string(from))
	if err != nil {
		return false, apperr.Storage("TransitionTask", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkDelivered sets a task delivered and stamps delivered_at.
func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET status='delivered', delivered_at=? WHERE id=?`, time.Now().UTC(), id)
	if err != nil {
		return apperr.Storage("MarkDelivered", err)
	}
	return nil
}

// FailTask records a retry with backoff bookkeeping, or terminal failure
// once retryCap is exceeded.
func (s *Store) FailTask(ctx context.Context, id int64, lastErr string, retryCap int) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT retry_count FROM scheduled_tasks WHERE id=?`, id).Scan(&count); err != nil {
		return apperr.Storage("FailTask.read", err)
	}
	count++
	status := string(types.TaskPending)
	if count > retryCap {
		status = string(types.TaskFailed)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET retry_count=?, last_error=?, status=? WHERE id=?`,
		count, lastErr, status, id)
	if err != nil {
		return apperr.Storage("FailTask.update", err)
	}
	return nil
}

// CancelTaskByPrefix cancels the first pending task (ordered by id) owned
// by sender whose id, as a string, starts with prefix.
func (s *Store) CancelTaskByPrefix(ctx context.Context, senderID, prefix string) (int64, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM scheduled_tasks WHERE sender_id=? AND status='pending' ORDER BY id`, senderID)
	if err != nil {
		return 0, false, apperr.Storage("CancelTaskByPrefix.select", err)
	}
	defer rows.Close()
	var match int64 = -1
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, false, apperr.Storage("CancelTaskByPrefix.scan", err)
		}
		if strings.HasPrefix(fmt.Sprintf("%d", id), prefix) {
			match = id
			break
		}
	}
	if match < 0 {
		return 0, false, nil
	}
	ok, err := s.TransitionTask(ctx, match, types.TaskPending, types.TaskCancelled)
	return match, ok, err
}

// DueTasks returns pending tasks whose due_at has passed, ordered by
// (due_at, id) as the scheduler's ordering guarantee requires.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]types.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, sender_id, reply_target, description, due_at, repeat, status, task_type,
		       retry_count, last_error, created_at, delivered_at
		FROM scheduled_tasks WHERE status='pending' AND due_at<=? ORDER BY due_at, id`, now)
	if err != nil {
		return nil, apperr.Storage("DueTasks", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// SearchHistoryFTS runs a keyword query against the FTS5 index scoped to
// conversations belonging to sender.
func (s *Store) SearchHistoryFTS(ctx context.Context, senderID, query string, k int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.text FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.sender_id=? AND messages_fts MATCH ?
		ORDER BY rank LIMIT ?`, senderID, query, k)
	if err != nil {
		return nil, apperr.Storage("SearchHistoryFTS", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, apperr.Storage("SearchHistoryFTS.scan", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// RecentOutcomes returns the last K outcomes for sender (optionally scoped
// to project).
func (s *Store) RecentOutcomes(ctx context.Context, senderID, project string, k int) ([]types.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, project, domain, signal, lesson, created_at
		FROM outcomes WHERE sender_id=? AND (? = '' OR project=?) ORDER BY created_at DESC LIMIT ?`,
		senderID, project, project, k)
	if err != nil {
		return nil, apperr.Storage("RecentOutcomes", err)
	}
	defer rows.Close()
	var out []types.Outcome
	for rows.Next() {
		var o types.Outcome
		var sig int
		if err := rows.Scan(&o.ID, &o.SenderID, &o.Project, &o.Domain, &sig, &o.Lesson, &o.CreatedAt); err != nil {
			return nil, apperr.Storage("RecentOutcomes.scan", err)
		}
		o.Signal = types.Signal(sig)
		out = append(out, o)
	}
	return out, nil
}

// AppendOutcome inserts a new Outcome row.
func (s *Store) AppendOutcome(ctx context.Context, o types.Outcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (sender_id, project, domain, signal, lesson, created_at) VALUES (?,?,?,?,?,?)`,
		o.SenderID, o.Project, o.Domain, int(o.Signal), o.Lesson, time.Now().UTC())
	if err != nil {
		return apperr.Storage("AppendOutcome", err)
	}
	return nil
}

// UpsertLesson inserts or refreshes a lesson, deduped by exact content per
// (sender, project, domain). Returns whether it was newly created.
func (s *Store) UpsertLesson(ctx context.Context, senderID, project, domain, content string) (bool, error) {
	var existing int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lessons WHERE sender_id=? AND project=? AND domain=? AND content=?`,
		senderID, project, domain, content).Scan(&existing); err != nil {
		return false, apperr.Storage("UpsertLesson.lookup", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lessons (sender_id, project, domain, content, updated_at) VALUES (?,?,?,?,?)
		ON CONFLICT(sender_id, project, domain, content) DO UPDATE SET updated_at=excluded.updated_at`,
		senderID, project, domain, content, time.Now().UTC())
	if err != nil {
		return false, apperr.Storage("UpsertLesson", err)
	}
	return existing == 0, nil
}

// LoadLessons returns lessons recorded for senderID, scoped to project
// (empty project-field rows always match, as a shared-lesson fallback).
func (s *Store) LoadLessons(ctx context.Context, senderID, project string) ([]types.Lesson, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender_id, project, domain, content, updated_at FROM lessons
		WHERE sender_id = ? AND (project = ? OR project = '')
		ORDER BY updated_at DESC`, senderID, project)
	if err != nil {
		return nil, apperr.Storage("LoadLessons", err)
	}
	defer rows.Close()

	var lessons []types.Lesson
	for rows.Next() {
		var l types.Lesson
		if err := rows.Scan(&l.SenderID, &l.Project, &l.Domain, &l.Content, &l.UpdatedAt); err != nil {
			return nil, apperr.Storage("LoadLessons.scan", err)
		}
		lessons = append(lessons, l)
	}
	return lessons, rows.Err()
}

// CloseConversation marks a conversation closed (idempotent) with an
// optional summary.
func (s *Store) CloseConversation(ctx context.Context, id int64, summary string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET status='closed', summary=? WHERE id=? AND status='open'`, summary, id)
	if err != nil {
		return apperr.Storage("CloseConversation", err)
	}
	return nil
}

// IdleConversations returns open conversations whose last_activity is
// older than the cutoff, for the summarizer loop.
func (s *Store) IdleConversations(ctx context.Context, cutoff time.Time) ([]types.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, sender_id, project, opened_at, last_activity, status, summary
		FROM conversations WHERE status='open' AND last_activity < ?`, cutoff)
	if err != nil {
		return nil, apperr.Storage("IdleConversations", err)
	}
	defer rows.Close()
	var out []types.Conversation
	for rows.Next() {
		var c types.Conversation
		var status string
		if err := rows.Scan(&c.ID, &c.Channel, &c.SenderID, &c.Project, &c.OpenedAt, &c.LastActivity, &status, &c.Summary); err != nil {
			return nil, apperr.Storage("IdleConversations.scan", err)
		}
		c.Status = types.ConversationStatus(status)
		out = append(out, c)
	}
	return out, nil
}

// AllMessages returns the full message list for a conversation in order,
// used by the summarizer to build its prompt.
func (s *Store) AllMessages(ctx context.Context, convID int64) ([]types.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role, text FROM messages WHERE conversation_id=? ORDER BY id`, convID)
	if err != nil {
		return nil, apperr.Storage("AllMessages", err)
	}
	defer rows.Close()
	var out []types.HistoryEntry
	for rows.Next() {
		var h types.HistoryEntry
		if err := rows.Scan(&h.Role, &h.Text); err != nil {
			return nil, apperr.Storage("AllMessages.scan", err)
		}
		out = append(out, h)
	}
	return out, nil
}

// InsertAudit appends an audit row; fire-and-forget at the call site.
func (s *Store) InsertAudit(ctx context.Context, a types.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, channel, sender_id, sender_name, input_text, output_text, provider, model, processing_ms, status, denial_reason)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		time.Now().UTC(), a.Channel, a.SenderID, a.SenderName, a.InputText, a.OutputText, a.Provider, a.Model, a.ProcessingMS, string(a.Status), a.DenialReason)
	if err != nil {
		return apperr.Storage("InsertAudit", err)
	}
	return nil
}

// SetActiveProject sets (or, if name=="", clears) the sender's active project.
func (s *Store) SetActiveProject(ctx context.Context, senderID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_sessions (sender_id, active_project) VALUES (?, ?)
		ON CONFLICT(sender_id) DO UPDATE SET active_project=excluded.active_project`, senderID, name)
	if err != nil {
		return apperr.Storage("SetActiveProject", err)
	}
	return nil
}

// ActiveProject returns the sender's active project, or "" if none.
func (s *Store) ActiveProject(ctx context.Context, senderID string) (string, error) {
	var p string
	err := s.db.QueryRowContext(ctx, `SELECT active_project FROM project_sessions WHERE sender_id=?`, senderID).Scan(&p)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apperr.Storage("ActiveProject", err)
	}
	return p, nil
}

// LinkAlias records that (channel, senderID) resolves to canonicalID with
// the given confidence (identity.Resolver computes this via fuzzy name match).
func (s *Store) LinkAlias(ctx context.Context, channel, senderID, canonicalID string, confidence float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_aliases (channel, sender_id, canonical_id, confidence) VALUES (?,?,?,?)
		ON CONFLICT(channel, sender_id) DO UPDATE SET canonical_id=excluded.canonical_id, confidence=excluded.confidence`,
		channel, senderID, canonicalID, confidence)
	if err != nil {
		return apperr.Storage("LinkAlias", err)
	}
	return nil
}

// CanonicalID resolves (channel, senderID) to its canonical identity, or
// returns senderID unchanged if no alias is recorded.
func (s *Store) CanonicalID(ctx context.Context, channel, senderID string) (string, error) {
	var canon string
	err := s.db.QueryRowContext(ctx, `SELECT canonical_id FROM user_aliases WHERE channel=? AND sender_id=?`, channel, senderID).Scan(&canon)
	if err == sql.ErrNoRows {
		return senderID, nil
	}
	if err != nil {
		return "", apperr.Storage("CanonicalID", err)
	}
	return canon, nil
}

// KnownSenderNames returns all distinct (sender_id, sender_name) pairs
// observed in the audit log, used by identity.Resolver to search for a
// fuzzy name match across channels.
func (s *Store) KnownSenderNames(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender_id, sender_name FROM audit_log WHERE sender_name != '' GROUP BY sender_id`)
	if err != nil {
		return nil, apperr.Storage("KnownSenderNames", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, apperr.Storage("KnownSenderNames.scan", err)
		}
		out[id] = name
	}
	return out, nil
}
