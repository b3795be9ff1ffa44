package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"dm-service/internal/apperr"
	"dm-service/internal/models"
)

const messageColumns = `id, sender_id, receiver_id, text, image, seen, created_at, updated_at`

// MessageRepository is the durable message store. Ordering is by the
// store-assigned id, which only ever grows.
type MessageRepository interface {
	Create(ctx context.Context, msg models.NewMessage) (models.Message, error)
	History(ctx context.Context, userA, userB int64) ([]models.Message, error)
	HistoryPage(ctx context.Context, userA, userB int64, beforeID int64, limit int) ([]models.Message, error)
	MarkSeen(ctx context.Context, senderID, receiverID int64) (int64, error)
	UnseenCount(ctx context.Context, receiverID int64) (int64, error)
	UnseenCountFrom(ctx context.Context, receiverID, senderID int64) (int64, error)
	UnseenBySender(ctx context.Context, receiverID int64) ([]models.UnseenCount, error)
}

// MessageRepo is a sqlx-backed repository. Queries use '?' placeholders and
// are rebound for the connection's driver.
type MessageRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db, now: func() time.Time {
		// Postgres keeps microseconds; truncating keeps Create and History identical.
		return time.Now().UTC().Truncate(time.Microsecond)
	}}
}

// Create stores a message and returns it with its id and timestamps.
func (r *MessageRepo) Create(ctx context.Context, in models.NewMessage) (models.Message, error) {
	in = in.Normalize()
	if !in.HasBody() {
		return models.Message{}, fmt.Errorf("%w: message needs text or image", apperr.ErrValidation)
	}
	if in.SenderID == 0 || in.ReceiverID == 0 {
		return models.Message{}, fmt.Errorf("%w: sender and receiver are required", apperr.ErrValidation)
	}

	msg := models.Message{
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Text:       in.Text,
		Image:      in.Image,
		CreatedAt:  r.now(),
	}
	msg.UpdatedAt = msg.CreatedAt

	query := r.db.Rebind(`INSERT INTO messages (sender_id, receiver_id, text, image, seen, created_at, updated_at)
        VALUES (?, ?, ?, ?, FALSE, ?, ?) RETURNING id`)
	if err := r.db.QueryRowxContext(ctx, query, msg.SenderID, msg.ReceiverID, msg.Text, msg.Image, msg.CreatedAt, msg.UpdatedAt).Scan(&msg.ID); err != nil {
		return models.Message{}, storeErr("create message", err)
	}
	return msg, nil
}

// History returns every message exchanged between the two users, oldest first.
func (r *MessageRepo) History(ctx context.Context, userA, userB int64) ([]models.Message, error) {
	query := r.db.Rebind(`SELECT ` + messageColumns + ` FROM messages
        WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
        ORDER BY id ASC`)
	msgs := []models.Message{}
	if err := r.db.SelectContext(ctx, &msgs, query, userA, userB, userB, userA); err != nil {
		return nil, storeErr("load history", err)
	}
	return msgs, nil
}

// HistoryPage returns up to limit messages older than beforeID (all when
// beforeID is 0), oldest first.
func (r *MessageRepo) HistoryPage(ctx context.Context, userA, userB int64, beforeID int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return r.History(ctx, userA, userB)
	}
	query := r.db.Rebind(`SELECT ` + messageColumns + ` FROM messages
        WHERE ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))
        AND (? = 0 OR id < ?)
        ORDER BY id DESC
        LIMIT ?`)
	msgs := []models.Message{}
	if err := r.db.SelectContext(ctx, &msgs, query, userA, userB, userB, userA, beforeID, beforeID, limit); err != nil {
		return nil, storeErr("load history page", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MarkSeen flags every unseen message from sender to receiver as seen and
// returns how many rows changed. The update runs in one transaction so a
// concurrent UnseenCount sees either none or all of it.
func (r *MessageRepo) MarkSeen(ctx context.Context, senderID, receiverID int64) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin mark seen", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE messages SET seen = TRUE, updated_at = ?
        WHERE sender_id = ? AND receiver_id = ? AND seen = FALSE`), r.now(), senderID, receiverID)
	if err != nil {
		return 0, storeErr("mark seen", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("mark seen rows", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit mark seen", err)
	}
	return count, nil
}

// UnseenCount returns the number of unseen messages addressed to receiverID.
func (r *MessageRepo) UnseenCount(ctx context.Context, receiverID int64) (int64, error) {
	var count int64
	err := r.db.GetContext(ctx, &count, r.db.Rebind(`SELECT COUNT(*) FROM messages WHERE receiver_id = ? AND seen = FALSE`), receiverID)
	if err != nil {
		return 0, storeErr("count unseen", err)
	}
	return count, nil
}

// UnseenCountFrom returns the number of unseen messages from senderID to receiverID.
func (r *MessageRepo) UnseenCountFrom(ctx context.Context, receiverID, senderID int64) (int64, error) {
	var count int64
	err := r.db.GetContext(ctx, &count, r.db.Rebind(`SELECT COUNT(*) FROM messages WHERE receiver_id = ? AND sender_id = ? AND seen = FALSE`), receiverID, senderID)
	if err != nil {
		return 0, storeErr("count unseen from sender", err)
	}
	return count, nil
}

// UnseenBySender groups the receiver's unseen messages by sender.
func (r *MessageRepo) UnseenBySender(ctx context.Context, receiverID int64) ([]models.UnseenCount, error) {
	counts := []models.UnseenCount{}
	err := r.db.SelectContext(ctx, &counts, r.db.Rebind(`SELECT sender_id, COUNT(*) AS unseen FROM messages
        WHERE receiver_id = ? AND seen = FALSE
        GROUP BY sender_id
        ORDER BY sender_id ASC`), receiverID)
	if err != nil {
		return nil, storeErr("count unseen by sender", err)
	}
	return counts, nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, apperr.ErrTransientStore, err)
}
