// Package store provides the durable chat store: PostgreSQL for production
// and an in-memory implementation for tests and single-node development.
// Orders and users are read from tables owned by other services.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/taskmarket/order-chat/internal/chat"
	"github.com/taskmarket/order-chat/internal/chaterr"
)

var (
	_ chat.Store         = (*Postgres)(nil)
	_ chat.OrderLookup   = (*Postgres)(nil)
	_ chat.UserDirectory = (*Postgres)(nil)
)

// PostgreSQL error codes handled explicitly.
const (
	codeUniqueViolation     = "23505"
	codeInvalidTextEncoding = "22P02"
)

// Postgres manages rooms and messages in PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

// NewPostgres creates a store backed by the given database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// GetOrder reads the order's participants. An unassigned contractor is
// returned as "".
func (s *Postgres) GetOrder(ctx context.Context, orderID string) (*chat.Order, error) {
	const query = `SELECT id, client_id, contractor_id FROM orders WHERE id = $1`

	var (
		order      chat.Order
		client     sql.NullString
		contractor sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, orderID).Scan(&order.ID, &client, &contractor)
	if errors.Is(err, sql.ErrNoRows) || pqCode(err) == codeInvalidTextEncoding {
		return nil, chaterr.New(chaterr.NotFound, "order not found")
	}
	if err != nil {
		return nil, fmt.Errorf("store: get order: %w", err)
	}
	order.ClientID = client.String
	order.ContractorID = contractor.String
	return &order, nil
}

// LookupUsers returns display fields for the given user ids.
func (s *Postgres) LookupUsers(ctx context.Context, ids []string) (map[string]chat.UserSummary, error) {
	const query = `SELECT id, display_name FROM users WHERE id = ANY($1::uuid[])`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("store: lookup users: %w", err)
	}
	defer rows.Close()

	out := make(map[string]chat.UserSummary, len(ids))
	for rows.Next() {
		var u chat.UserSummary
		var name sql.NullString
		if err := rows.Scan(&u.ID, &name); err != nil {
			return nil, fmt.Errorf("store: lookup users: %w", err)
		}
		u.DisplayName = name.String
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: lookup users: %w", err)
	}
	return out, nil
}

// GetOrCreateRoom inserts the room if absent and reads it back. The unique
// constraint on order_id makes concurrent creates converge on one row.
func (s *Postgres) GetOrCreateRoom(ctx context.Context, orderID string) (*chat.Room, error) {
	const insert = `
		INSERT INTO chat_rooms (id, order_id)
		VALUES ($1, $2)
		ON CONFLICT (order_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, insert, uuid.NewString(), orderID)
	if err != nil && pqCode(err) != codeUniqueViolation {
		return nil, fmt.Errorf("store: create room: %w", err)
	}

	const query = `SELECT id, order_id, closed_at, created_at FROM chat_rooms WHERE order_id = $1`

	var (
		room     chat.Room
		closedAt sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, query, orderID).Scan(&room.ID, &room.OrderID, &closedAt, &room.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: get room: %w", err)
	}
	if closedAt.Valid {
		t := closedAt.Time
		room.ClosedAt = &t
	}
	return &room, nil
}

// CloseRoom soft-closes the order's room. Used by the external scheduler and
// by tests.
func (s *Postgres) CloseRoom(ctx context.Context, orderID string, at time.Time) error {
	const query = `UPDATE chat_rooms SET closed_at = $2 WHERE order_id = $1 AND closed_at IS NULL`

	if _, err := s.db.ExecContext(ctx, query, orderID, at); err != nil {
		return fmt.Errorf("store: close room: %w", err)
	}
	return nil
}

// CreateMessage inserts a message.
func (s *Postgres) CreateMessage(ctx context.Context, msg *chat.Message) error {
	const query = `
		INSERT INTO chat_messages
			(id, room_id, order_id, sender_id, receiver_id, content,
			 is_moderated, moderation_flags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.RoomID,
		msg.OrderID,
		msg.SenderID,
		msg.ReceiverID,
		msg.Content,
		msg.IsModerated,
		pq.Array(msg.ModerationFlags),
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

const messageColumns = `
	id, room_id, order_id, sender_id, receiver_id, content,
	is_moderated, moderation_flags, is_edited, edited_at, is_read, read_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*chat.Message, error) {
	var (
		m        chat.Message
		flags    pq.StringArray
		editedAt sql.NullTime
		readAt   sql.NullTime
	)
	err := row.Scan(
		&m.ID, &m.RoomID, &m.OrderID, &m.SenderID, &m.ReceiverID, &m.Content,
		&m.IsModerated, &flags, &m.IsEdited, &editedAt, &m.IsRead, &readAt, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(flags) > 0 {
		m.ModerationFlags = []string(flags)
	}
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	if readAt.Valid {
		t := readAt.Time
		m.ReadAt = &t
	}
	return &m, nil
}

// GetMessage reads one message.
func (s *Postgres) GetMessage(ctx context.Context, messageID string) (*chat.Message, error) {
	query := `SELECT` + messageColumns + ` FROM chat_messages WHERE id = $1`

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID))
	if errors.Is(err, sql.ErrNoRows) || pqCode(err) == codeInvalidTextEncoding {
		return nil, chaterr.New(chaterr.NotFound, "message not found")
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return m, nil
}

// EditMessage updates the content only while is_edited is false, so at most
// one of several concurrent edits succeeds.
func (s *Postgres) EditMessage(ctx context.Context, messageID, content string, isModerated bool, flags []string, editedAt time.Time) (*chat.Message, bool, error) {
	query := `
		UPDATE chat_messages
		SET content = $2, is_moderated = $3, moderation_flags = $4,
		    is_edited = TRUE, edited_at = $5
		WHERE id = $1 AND is_edited = FALSE
		RETURNING` + messageColumns

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID, content, isModerated, pq.Array(flags), editedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: edit message: %w", err)
	}
	return m, true, nil
}

// MarkRead flips unread messages addressed to readerID and returns the ids
// that changed.
func (s *Postgres) MarkRead(ctx context.Context, orderID, readerID string, messageIDs []string, readAt time.Time) ([]string, error) {
	const query = `
		UPDATE chat_messages
		SET is_read = TRUE, read_at = $4
		WHERE order_id = $1
		  AND receiver_id = $2
		  AND id = ANY($3::uuid[])
		  AND is_read = FALSE
		RETURNING id`

	rows, err := s.db.QueryContext(ctx, query, orderID, readerID, pq.Array(messageIDs), readAt)
	if err != nil {
		return nil, fmt.Errorf("store: mark read: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: mark read: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: mark read: %w", err)
	}
	return ids, nil
}

// CountUnread counts unread messages in the order addressed to userID.
func (s *Postgres) CountUnread(ctx context.Context, orderID, userID string) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM chat_messages
		WHERE order_id = $1
		  AND receiver_id = $2
		  AND is_read = FALSE`

	var count int
	if err := s.db.QueryRowContext(ctx, query, orderID, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count unread: %w", err)
	}
	return count, nil
}
