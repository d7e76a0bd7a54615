package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	pilot "github.com/routepilot/routepilot/internal"
)

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *pilot.Session) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, user_ref, agent_name, policy_name)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.CreatedAt.UTC().Format(time.RFC3339), sess.UserRef, sess.AgentName, sess.PolicyName,
	)
	return err
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(ctx context.Context, id string) (*pilot.Session, error) {
	var (
		sess      pilot.Session
		createdAt string
	)
	err := s.read.QueryRowContext(ctx,
		`SELECT id, created_at, user_ref, agent_name, policy_name FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &createdAt, &sess.UserRef, &sess.AgentName, &sess.PolicyName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pilot.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
		sess.CreatedAt = t
	}
	return &sess, nil
}

// InsertMessage appends a message to a session's history.
func (s *Store) InsertMessage(ctx context.Context, m *pilot.SessionMessage) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, ts) VALUES (?, ?, ?, ?)`,
		m.SessionID, m.Role, m.Content, m.TS.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// RecentMessages returns the last limit messages for the session in
// ascending insertion order.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]pilot.SessionMessage, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, session_id, role, content, ts FROM (
		   SELECT id, session_id, role, content, ts FROM messages
		   WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pilot.SessionMessage
	for rows.Next() {
		var (
			m  pilot.SessionMessage
			ts string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &ts); err != nil {
			return nil, err
		}
		if t, e := time.Parse(time.RFC3339Nano, ts); e == nil {
			m.TS = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
