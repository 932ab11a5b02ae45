// Package postgres implements backend.Store over the schema created by
// db.AutoMigrate, for self-hosted deployments. Committed writes are pushed
// to an optional Publisher so live subscribers see them.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"chat-sync/internal/backend"
	"chat-sync/internal/model"
)

const messageColumns = "id, conversation_id, sender_id, content, created_at, is_read"
const conversationColumns = "id, participant1_id, participant2_id, updated_at"

type Store struct {
	db  *sql.DB
	pub backend.Publisher
	log zerolog.Logger
}

type Option func(*Store)

// WithPublisher pushes every committed insert and update to p.
func WithPublisher(p backend.Publisher) Option {
	return func(s *Store) { s.pub = p }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (model.Message, error) {
	var m model.Message
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt, &m.IsRead); err != nil {
		return model.Message{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func scanConversation(row scanner) (model.Conversation, error) {
	var c model.Conversation
	if err := row.Scan(&c.ID, &c.Participant1ID, &c.Participant2ID, &c.UpdatedAt); err != nil {
		return model.Conversation{}, err
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE participant1_id = $1 OR participant2_id = $1
		ORDER BY updated_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	query := "SELECT " + conversationColumns + " FROM conversations WHERE id = $1"
	c, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, backend.ErrNotFound
	}
	return c, err
}

func (s *Store) FindOrCreateConversation(ctx context.Context, userID, otherUserID string) (model.Conversation, error) {
	find := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE (participant1_id = $1 AND participant2_id = $2)
		   OR (participant1_id = $2 AND participant2_id = $1)
		LIMIT 1
	`
	c, err := scanConversation(s.db.QueryRowContext(ctx, find, userID, otherUserID))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, err
	}

	insert := `
		INSERT INTO conversations (participant1_id, participant2_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
		RETURNING ` + conversationColumns
	c, err = scanConversation(s.db.QueryRowContext(ctx, insert, userID, otherUserID))
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race to a concurrent create.
		c, err = scanConversation(s.db.QueryRowContext(ctx, find, userID, otherUserID))
		return c, err
	}
	if err != nil {
		return model.Conversation{}, err
	}
	s.publish(ctx, model.Insert{Source: model.TableConversations, New: model.ConversationRow(c)})
	return c, nil
}

func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE conversations SET updated_at = GREATEST(updated_at, $2)
		WHERE id = $1
		RETURNING ` + conversationColumns
	c, err := scanConversation(s.db.QueryRowContext(ctx, query, id, at))
	if errors.Is(err, sql.ErrNoRows) {
		return backend.ErrNotFound
	}
	if err != nil {
		return err
	}
	s.publish(ctx, model.Update{Source: model.TableConversations, New: model.ConversationRow(c)})
	return nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC
	`
	return s.queryMessages(ctx, query, conversationID)
}

func (s *Store) ListMessagesIn(ctx context.Context, conversationIDs []string) ([]model.Message, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = ANY($1)
		ORDER BY created_at DESC
	`
	return s.queryMessages(ctx, query, conversationIDs)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) InsertMessage(ctx context.Context, msg backend.NewMessage) (model.Message, error) {
	query := `
		INSERT INTO messages (conversation_id, sender_id, content)
		VALUES ($1, $2, $3)
		RETURNING ` + messageColumns
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, msg.ConversationID, msg.SenderID, msg.Content))
	if err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}
	s.publish(ctx, model.Insert{Source: model.TableMessages, New: model.MessageRow(m)})
	return m, nil
}

func (s *Store) MarkRead(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	query := `
		UPDATE messages SET is_read = true
		WHERE id = ANY($1) AND NOT is_read
		RETURNING ` + messageColumns
	changed, err := s.queryMessages(ctx, query, messageIDs)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	for _, m := range changed {
		old := model.MessageRow(m)
		old["is_read"] = false
		s.publish(ctx, model.Update{Source: model.TableMessages, New: model.MessageRow(m), Old: old})
	}
	return nil
}

func (s *Store) Profiles(ctx context.Context, ids []string) ([]model.Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, COALESCE(username, ''), COALESCE(display_name, ''), COALESCE(profile_picture_url, '')
		FROM profiles
		WHERE id = ANY($1)
	`
	rows, err := s.db.QueryContext(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Profile
	for rows.Next() {
		var p model.Profile
		if err := rows.Scan(&p.ID, &p.Username, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertProfile creates or updates a profile row.
func (s *Store) UpsertProfile(ctx context.Context, p model.Profile) error {
	query := `
		INSERT INTO profiles (id, username, display_name, profile_picture_url)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''))
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username,
		    display_name = EXCLUDED.display_name,
		    profile_picture_url = EXCLUDED.profile_picture_url
	`
	_, err := s.db.ExecContext(ctx, query, p.ID, p.Username, p.DisplayName, p.AvatarURL)
	return err
}

// publish runs after commit. A failed publish is logged; subscribers catch
// up on their next resync.
func (s *Store) publish(ctx context.Context, ev model.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, model.ChangeOf(ev)); err != nil {
		s.log.Warn().Err(err).Str("table", string(ev.Table())).Str("type", string(ev.Type())).Msg("publish change failed")
	}
}
