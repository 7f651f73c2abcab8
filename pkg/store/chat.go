package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/xhad/ragchat/internal/models"
	"github.com/xhad/ragchat/pkg/apperr"
)

var chatSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		start_time TIMESTAMPTZ NOT NULL DEFAULT now(),
		end_time TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_user_idx ON sessions (user_id)`,
	`CREATE TABLE IF NOT EXISTS messages (
		message_id BIGSERIAL PRIMARY KEY,
		session_id BIGINT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		sender TEXT NOT NULL,
		message_text TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages (session_id, created_at)`,
}

// RespondFunc produces the assistant reply for text given the prior turns
// of the session, oldest first.
type RespondFunc func(ctx context.Context, text string, history []models.Turn) (string, error)

// Exchange is the outcome of one Converse call.
type Exchange struct {
	SessionID   int64          `json:"session_id"`
	UserMessage models.Message `json:"user_message"`
	Reply       models.Message `json:"reply"`
}

// ChatStore persists users, sessions and messages.
type ChatStore struct {
	db           DB
	historyLimit int
	log          zerolog.Logger
}

func NewChatStore(db DB, historyLimit int, log zerolog.Logger) *ChatStore {
	if historyLimit <= 0 {
		historyLimit = 10
	}
	return &ChatStore{
		db:           db,
		historyLimit: historyLimit,
		log:          log.With().Str("component", "chat_store").Logger(),
	}
}

func (s *ChatStore) Initialize(ctx context.Context) error {
	for _, stmt := range chatSchema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return apperr.E(apperr.PersistenceFailed, "store.ChatStore.Initialize", "failed to create schema", err)
		}
	}
	return nil
}

func (s *ChatStore) CreateUser(ctx context.Context, username string) (*models.User, error) {
	const op = "store.CreateUser"
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, apperr.E(apperr.InvalidArgument, op, "username is required", nil)
	}

	var u models.User
	err := s.db.QueryRow(ctx,
		`INSERT INTO users (username) VALUES ($1) RETURNING user_id, username, created_at`,
		username).Scan(&u.UserID, &u.Username, &u.CreatedAt)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return nil, apperr.E(apperr.Conflict, op, fmt.Sprintf("username %q already exists", username), err)
		}
		return nil, apperr.E(apperr.PersistenceFailed, op, "failed to create user", err)
	}
	return &u, nil
}

func (s *ChatStore) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	const op = "store.GetUser"
	var u models.User
	err := s.db.QueryRow(ctx,
		`SELECT user_id, username, created_at FROM users WHERE user_id = $1`,
		userID).Scan(&u.UserID, &u.Username, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.E(apperr.NotFound, op, fmt.Sprintf("user %d not found", userID), nil)
	}
	if err != nil {
		return nil, apperr.E(apperr.PersistenceFailed, op, "failed to load user", err)
	}
	return &u, nil
}

func (s *ChatStore) CreateSession(ctx context.Context, userID int64) (*models.Session, error) {
	return createSession(ctx, s.db, userID)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func createSession(ctx context.Context, q rowQuerier, userID int64) (*models.Session, error) {
	const op = "store.CreateSession"
	var sess models.Session
	err := q.QueryRow(ctx,
		`INSERT INTO sessions (user_id) VALUES ($1) RETURNING session_id, user_id, start_time, end_time`,
		userID).Scan(&sess.SessionID, &sess.UserID, &sess.StartTime, &sess.EndTime)
	if err != nil {
		if pgCode(err) == codeForeignKeyViolation {
			return nil, apperr.E(apperr.NotFound, op, fmt.Sprintf("user %d not found", userID), err)
		}
		return nil, apperr.E(apperr.PersistenceFailed, op, "failed to create session", err)
	}
	return &sess, nil
}

// ListSessions returns the user's sessions, newest first.
func (s *ChatStore) ListSessions(ctx context.Context, userID int64) ([]models.Session, error) {
	const op = "store.ListSessions"
	rows, err := s.db.Query(ctx, `
		SELECT session_id, user_id, start_time, end_time
		FROM sessions WHERE user_id = $1
		ORDER BY start_time DESC, session_id DESC`, userID)
	if err != nil {
		return nil, apperr.E(apperr.PersistenceFailed, op, "failed to list sessions", err)
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.SessionID, &sess.UserID, &sess.StartTime, &sess.EndTime); err != nil {
			return nil, apperr.E(apperr.PersistenceFailed, op, "failed to scan session", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.E(apperr.PersistenceFailed, op, "failed to list sessions", err)
	}
	return sessions, nil
}

// ListMessages returns the session's messages, oldest first.
func (s *ChatStore) ListMessages(ctx context.Context, sessionID int64) ([]models.Message, error) {
	const op = "store.ListMessages"
	if _, err := sessionOwner(ctx, s.db, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT message_id, session_id, sender, message_text, created_at
		FROM messages WHERE session_id = $1
		ORDER BY created_at, message_id`, sessionID)
	if err != nil {
		return nil, apperr.E(apperr.PersistenceFailed, op, "failed to list messages", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.MessageID, &m.SessionID, &m.Sender, &m.MessageText, &m.CreatedAt); err != nil {
			return nil, apperr.E(apperr.PersistenceFailed, op, "failed to scan message", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.E(apperr.PersistenceFailed, op, "failed to list messages", err)
	}
	return messages, nil
}

func sessionOwner(ctx context.Context, q rowQuerier, sessionID int64) (int64, error) {
	var userID int64
	err := q.QueryRow(ctx, `SELECT user_id FROM sessions WHERE session_id = $1`, sessionID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperr.E(apperr.NotFound, "store.Session", fmt.Sprintf("session %d not found", sessionID), nil)
	}
	if err != nil {
		return 0, apperr.E(apperr.PersistenceFailed, "store.Session", "failed to load session", err)
	}
	return userID, nil
}

// Converse records one user message and the reply from respond in a single
// transaction. A nil sessionID starts a new session for userID.
func (s *ChatStore) Converse(ctx context.Context, userID int64, sessionID *int64, text string, respond RespondFunc) (*Exchange, error) {
	const op = "store.Converse"
	if strings.TrimSpace(text) == "" {
		return nil, apperr.E(apperr.InvalidArgument, op, "message text is required", nil)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, apperr.E(apperr.PersistenceFailed, op, "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var sid int64
	if sessionID == nil {
		sess, err := createSession(ctx, tx, userID)
		if err != nil {
			return nil, err
		}
		sid = sess.SessionID
	} else {
		owner, err := sessionOwner(ctx, tx, *sessionID)
		if err != nil {
			return nil, err
		}
		if owner != userID {
			return nil, apperr.E(apperr.NotFound, op, fmt.Sprintf("session %d not found for user %d", *sessionID, userID), nil)
		}
		sid = *sessionID
	}

	history, err := s.history(ctx, tx, sid)
	if err != nil {
		return nil, err
	}

	reply, err := respond(ctx, text, history)
	if err != nil {
		return nil, err
	}

	userMsg, err := insertMessage(ctx, tx, sid, models.SenderUser, text)
	if err != nil {
		return nil, err
	}
	aiMsg, err := insertMessage(ctx, tx, sid, models.SenderAI, reply)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.E(apperr.PersistenceFailed, op, "failed to commit transaction", err)
	}

	s.log.Debug().Int64("session_id", sid).Int("history", len(history)).Msg("Stored exchange")
	return &Exchange{SessionID: sid, UserMessage: *userMsg, Reply: *aiMsg}, nil
}

// history loads the last historyLimit messages of the session, oldest first.
func (s *ChatStore) history(ctx context.Context, tx pgx.Tx, sessionID int64) ([]models.Turn, error) {
	rows, err := tx.Query(ctx, `
		SELECT sender, message_text FROM messages
		WHERE session_id = $1
		ORDER BY created_at DESC, message_id DESC
		LIMIT $2`, sessionID, s.historyLimit)
	if err != nil {
		return nil, apperr.E(apperr.PersistenceFailed, "store.history", "failed to load history", err)
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.Sender, &m.MessageText); err != nil {
			return nil, apperr.E(apperr.PersistenceFailed, "store.history", "failed to scan message", err)
		}
		if turn, ok := models.TurnFromMessage(m); ok {
			turns = append(turns, turn)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.E(apperr.PersistenceFailed, "store.history", "failed to load history", err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func insertMessage(ctx context.Context, q rowQuerier, sessionID int64, sender, text string) (*models.Message, error) {
	var m models.Message
	err := q.QueryRow(ctx, `
		INSERT INTO messages (session_id, sender, message_text)
		VALUES ($1, $2, $3)
		RETURNING message_id, session_id, sender, message_text, created_at`,
		sessionID, sender, sanitizeText(text)).Scan(&m.MessageID, &m.SessionID, &m.Sender, &m.MessageText, &m.CreatedAt)
	if err != nil {
		return nil, apperr.E(apperr.PersistenceFailed, "store.insertMessage", "failed to insert message", err)
	}
	return &m, nil
}
