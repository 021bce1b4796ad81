// Package convo provides durable conversation storage.
//
// The log is append-only: messages are inserted with a strictly
// increasing, gapless per-conversation sequence number and are never
// updated or deleted afterward. Turn serialization across service
// instances is provided by a lease row per conversation rather than
// any in-process lock, so any number of endpoints can share the store.
package convo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ErrConversationNotFound is returned when a conversation id does not
// exist within the owner's scope.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrTurnInProgress is returned by AcquireTurnLease when another holder
// currently owns the conversation's turn lease.
var ErrTurnInProgress = errors.New("a turn is already in progress for this conversation")

// PersistenceError wraps a storage-level failure. Turns that hit one
// are reported failed and may be retried by the caller; no partial
// state beyond durably appended messages is exposed.
type PersistenceError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying driver error.
func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// Conversation is one chat session owned by a single user.
type Conversation struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary is a conversation with its last-message preview, for listings.
type Summary struct {
	Conversation
	LastMessage     string `json:"last_message,omitempty"`
	LastMessageRole string `json:"last_message_role,omitempty"`
}

// Message is one entry in a conversation's append-only log.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	// ToolCalls holds the JSON-encoded tool invocations requested by an
	// assistant message, empty otherwise.
	ToolCalls string `json:"tool_calls,omitempty"`
	// ToolCallID correlates a tool-role message with the assistant tool
	// call it answers.
	ToolCallID string    `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ToolCallRecord is the structured, queryable record of one tool
// invocation during a turn.
type ToolCallRecord struct {
	ID             string     `json:"id"`
	MessageID      string     `json:"message_id,omitempty"`
	ConversationID string     `json:"conversation_id"`
	ToolName       string     `json:"tool_name"`
	Arguments      string     `json:"arguments"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	Status         string     `json:"status"` // pending, ok, error
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Store is the SQLite-backed conversation store.
type Store struct {
	db *sql.DB
}

// NewStore creates a conversation store on an open database handle and
// ensures the schema exists.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate conversations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (conversation_id, seq),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		message_id TEXT,
		conversation_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		result TEXT,
		error TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation ON tool_calls(conversation_id, started_at);

	CREATE TABLE IF NOT EXISTS turn_leases (
		conversation_id TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateConversation starts a new conversation for the owner and
// returns its id.
func (s *Store) CreateConversation(ctx context.Context, owner string) (*Conversation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, owner, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, id.String(), owner, now, now)
	if err != nil {
		return nil, persistErr("create conversation", err)
	}

	return &Conversation{ID: id.String(), Owner: owner, CreatedAt: now, UpdatedAt: now}, nil
}

// Get returns a conversation within the owner's scope. A conversation
// owned by someone else is reported as not found.
func (s *Store) Get(ctx context.Context, id, owner string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, created_at, updated_at
		FROM conversations WHERE id = ? AND owner = ?
	`, id, owner)

	var c Conversation
	err := row.Scan(&c.ID, &c.Owner, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, persistErr("get conversation", err)
	}
	return &c, nil
}

// ListConversations returns the owner's conversations, most recently
// active first, each with a last-message preview.
func (s *Store) ListConversations(ctx context.Context, owner string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.owner, c.created_at, c.updated_at,
		       COALESCE(m.content, ''), COALESCE(m.role, '')
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
			AND m.seq = (SELECT MAX(seq) FROM messages WHERE conversation_id = c.id)
		WHERE c.owner = ?
		ORDER BY c.updated_at DESC
	`, owner)
	if err != nil {
		return nil, persistErr("list conversations", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Owner, &sum.CreatedAt, &sum.UpdatedAt,
			&sum.LastMessage, &sum.LastMessageRole); err != nil {
			return nil, persistErr("scan conversation", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// AppendMessage atomically appends one message to a conversation's log
// and returns the persisted message with its id and assigned sequence
// number. The sequence is computed and the row inserted in a single
// transaction, so numbers are strictly increasing and gapless even
// with the store shared between processes.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, m Message) (*Message, error) {
	msgID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if err != nil {
		return nil, persistErr("check conversation", err)
	}
	if exists == 0 {
		return nil, ErrConversationNotFound
	}

	var seq int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?
	`, conversationID).Scan(&seq)
	if err != nil {
		return nil, persistErr("next sequence", err)
	}

	var toolCalls, toolCallID any
	if m.ToolCalls != "" {
		toolCalls = m.ToolCalls
	}
	if m.ToolCallID != "" {
		toolCallID = m.ToolCallID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, role, content, tool_calls, tool_call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msgID.String(), conversationID, seq, m.Role, m.Content, toolCalls, toolCallID, now)
	if err != nil {
		return nil, persistErr("insert message", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, now, conversationID)
	if err != nil {
		return nil, persistErr("touch conversation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, persistErr("commit append", err)
	}

	m.ID = msgID.String()
	m.ConversationID = conversationID
	m.Seq = seq
	m.CreatedAt = now
	return &m, nil
}

// History returns a conversation's messages in sequence order. A
// non-positive limit returns the full log; otherwise the most recent
// limit messages are returned, still in ascending order.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	q := `
		SELECT id, conversation_id, seq, role, content, tool_calls, tool_call_id, created_at
		FROM messages WHERE conversation_id = ?
	`
	args := []any{conversationID}
	if limit > 0 {
		// Window to the tail of the log, then flip back to ascending.
		q += ` AND seq > (SELECT COALESCE(MAX(seq), 0) - ? FROM messages WHERE conversation_id = ?)`
		args = append(args, limit, conversationID)
	}
	q += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, persistErr("load history", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var toolCalls, toolCallID sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content,
			&toolCalls, &toolCallID, &m.CreatedAt); err != nil {
			return nil, persistErr("scan message", err)
		}
		m.ToolCalls = toolCalls.String
		m.ToolCallID = toolCallID.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// RecordToolCall inserts a pending tool call record and returns its id.
func (s *Store) RecordToolCall(ctx context.Context, conversationID, toolName, arguments string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("tool call id: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, conversation_id, tool_name, arguments, status, started_at)
		VALUES (?, ?, ?, ?, 'pending', ?)
	`, id.String(), conversationID, toolName, arguments, time.Now().UTC())
	if err != nil {
		return "", persistErr("record tool call", err)
	}
	return id.String(), nil
}

// CompleteToolCall records a tool call's outcome. A non-empty errMsg
// marks the record as failed.
func (s *Store) CompleteToolCall(ctx context.Context, id, result, errMsg string) error {
	status := "ok"
	if errMsg != "" {
		status = "error"
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tool_calls SET result = ?, error = ?, status = ?, completed_at = ?
		WHERE id = ?
	`, result, errMsg, status, time.Now().UTC(), id)
	if err != nil {
		return persistErr("complete tool call", err)
	}
	return nil
}

// AttachToolCalls links completed tool call records to the persisted
// assistant message that requested them.
func (s *Store) AttachToolCalls(ctx context.Context, messageID string, toolCallIDs []string) error {
	for _, id := range toolCallIDs {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tool_calls SET message_id = ? WHERE id = ?
		`, messageID, id)
		if err != nil {
			return persistErr("attach tool call", err)
		}
	}
	return nil
}

// ToolCalls returns a conversation's tool call records, oldest first.
func (s *Store) ToolCalls(ctx context.Context, conversationID string) ([]ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, conversation_id, tool_name, arguments, result, error, status, started_at, completed_at
		FROM tool_calls WHERE conversation_id = ?
		ORDER BY started_at ASC
	`, conversationID)
	if err != nil {
		return nil, persistErr("list tool calls", err)
	}
	defer rows.Close()

	var out []ToolCallRecord
	for rows.Next() {
		var tc ToolCallRecord
		var messageID, result, errMsg sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&tc.ID, &messageID, &tc.ConversationID, &tc.ToolName,
			&tc.Arguments, &result, &errMsg, &tc.Status, &tc.StartedAt, &completedAt); err != nil {
			return nil, persistErr("scan tool call", err)
		}
		tc.MessageID = messageID.String
		tc.Result = result.String
		tc.Error = errMsg.String
		if completedAt.Valid {
			tc.CompletedAt = &completedAt.Time
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// AcquireTurnLease claims the conversation's turn lease for the given
// holder. The claim is a single conditional UPDATE, so exactly one
// holder can win even when multiple service instances race. Returns
// ErrTurnInProgress when another live holder owns the lease.
func (s *Store) AcquireTurnLease(ctx context.Context, conversationID, holder string, ttl time.Duration) error {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	// Ensure a row exists; losing this race is fine, the UPDATE decides.
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO turn_leases (conversation_id, holder, expires_at)
		VALUES (?, '', ?)
	`, conversationID, now)
	if err != nil {
		return persistErr("seed turn lease", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE turn_leases SET holder = ?, expires_at = ?
		WHERE conversation_id = ? AND (holder = '' OR holder = ? OR expires_at <= ?)
	`, holder, expires, conversationID, holder, now)
	if err != nil {
		return persistErr("acquire turn lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("acquire turn lease", err)
	}
	if n == 0 {
		return ErrTurnInProgress
	}
	return nil
}

// ReleaseTurnLease releases the lease if the holder still owns it.
// Safe to call after expiry; a lease stolen by another holder is left
// alone.
func (s *Store) ReleaseTurnLease(ctx context.Context, conversationID, holder string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM turn_leases WHERE conversation_id = ? AND holder = ?
	`, conversationID, holder)
	if err != nil {
		return persistErr("release turn lease", err)
	}
	return nil
}
