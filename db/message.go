package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mismo-messaging/mismo/consts"
)

// Message is one mail item for one recipient. A multi-recipient SMTP
// transaction produces one row per RCPT TO, all sharing the message ID.
type Message struct {
	ID                  int64
	MessageID           string
	DeliveredTo         string
	Sender              string
	Recipients          []string
	Subject             string
	Folder              string
	Tags                []string
	Domain              string
	State               consts.MessageState
	Raw                 []byte
	Size                int64
	Spam                bool
	SpamScore           float32
	AcceptedAt          time.Time
	DeliveryAttempts    int
	LastDeliveryAttempt *time.Time
	NextDeliveryAttempt time.Time
	LockedAt            *time.Time
	MXSnapshot          []byte
	DeliveryLog         []string
}

// MessageSummary is the light listing shape used by POP3 sessions.
type MessageSummary struct {
	ID        int64
	MessageID string
	Size      int64
}

const messageColumns = `id, message_id, delivered_to, sender, recipients, subject, folder, tags,
	domain, state, raw, size, spam, spam_score, accepted_at, delivery_attempts,
	last_delivery_attempt, next_delivery_attempt, locked_at, mx_snapshot, delivery_log`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.MessageID, &m.DeliveredTo, &m.Sender, &m.Recipients,
		&m.Subject, &m.Folder, &m.Tags, &m.Domain, &m.State, &m.Raw, &m.Size,
		&m.Spam, &m.SpamScore, &m.AcceptedAt, &m.DeliveryAttempts,
		&m.LastDeliveryAttempt, &m.NextDeliveryAttempt, &m.LockedAt,
		&m.MXSnapshot, &m.DeliveryLog)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMessage persists a new message and its attachments in one
// transaction and returns the row id. Attachments are content addressed:
// content already present is linked, not stored again.
func (db *Database) InsertMessage(ctx context.Context, msg *Message, attachments []*Attachment) (int64, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	subject := msg.Subject
	if subject == "" {
		subject = consts.DefaultSubject
	}
	folder := msg.Folder
	if folder == "" {
		folder = consts.DefaultFolder
	}
	tags := msg.Tags
	if len(tags) == 0 {
		tags = []string{consts.InitialTag}
	}
	state := msg.State
	if state == "" {
		state = consts.StateEnqueued
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (message_id, delivered_to, sender, recipients, subject,
			folder, tags, domain, state, raw, size, spam, spam_score,
			accepted_at, next_delivery_attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		RETURNING id`,
		msg.MessageID, msg.DeliveredTo, msg.Sender, msg.Recipients, subject,
		folder, tags, msg.Domain, state, msg.Raw, msg.Size, msg.Spam,
		msg.SpamScore, msg.AcceptedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}

	for _, att := range attachments {
		attID, err := insertAttachmentTx(ctx, tx, att)
		if err != nil {
			return 0, err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO message_attachments (message_id, attachment_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`, id, attID)
		if err != nil {
			return 0, fmt.Errorf("failed to link attachment: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit message insert: %w", err)
	}
	return id, nil
}

// DueMessages returns queued messages whose next delivery attempt time
// has passed, oldest first.
func (db *Database) DueMessages(ctx context.Context, now time.Time, limit int) ([]*Message, error) {
	rows, err := db.TimedQuery(ctx, "message_due", `
		SELECT `+messageColumns+`
		FROM messages
		WHERE state = $1 AND next_delivery_attempt <= $2
		ORDER BY next_delivery_attempt
		LIMIT $3`,
		consts.StateEnqueued, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// AcquireLock transitions a message from ENQUEUED to LOCKED and stamps
// the attempt time. The conditional update is the mutual exclusion
// mechanism: of N concurrent processors exactly one sees a row change.
func (db *Database) AcquireLock(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := db.TimedExec(ctx, "message_lock", `
		UPDATE messages
		SET state = $1, locked_at = $2, last_delivery_attempt = $2, updated_at = $2
		WHERE id = $3 AND state = $4`,
		consts.StateLocked, now, id, consts.StateEnqueued)
	if err != nil {
		return false, fmt.Errorf("failed to lock message %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReclaimStaleLocks releases messages locked longer than the threshold
// back to ENQUEUED. This is the crash recovery path for a processor
// that died mid-delivery.
func (db *Database) ReclaimStaleLocks(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-threshold)
	tag, err := db.TimedExec(ctx, "message_reclaim", `
		UPDATE messages
		SET state = $1, locked_at = NULL, updated_at = now(),
			delivery_log = array_append(delivery_log, $2)
		WHERE state = $3 AND locked_at < $4`,
		consts.StateEnqueued,
		fmt.Sprintf("%s stale lock reclaimed", time.Now().UTC().Format(time.RFC3339)),
		consts.StateLocked, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReleaseForRetry returns a locked message to the queue with an updated
// attempt counter and deferred next attempt time.
func (db *Database) ReleaseForRetry(ctx context.Context, id int64, attempts int, next time.Time, logEntry string) error {
	tag, err := db.TimedExec(ctx, "message_release", `
		UPDATE messages
		SET state = $1, locked_at = NULL, delivery_attempts = $2,
			next_delivery_attempt = $3, updated_at = now(),
			delivery_log = array_append(delivery_log, $4)
		WHERE id = $5 AND state = $6`,
		consts.StateEnqueued, attempts, next, logEntry, id, consts.StateLocked)
	if err != nil {
		return fmt.Errorf("failed to release message %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMessageNotFound
	}
	return nil
}

// SetTerminalState moves a locked message to a terminal state (LOCAL,
// REMOTE or BOUNCED) and clears the lock.
func (db *Database) SetTerminalState(ctx context.Context, id int64, state consts.MessageState, logEntry string) error {
	tag, err := db.TimedExec(ctx, "message_terminal", `
		UPDATE messages
		SET state = $1, locked_at = NULL, updated_at = now(),
			delivery_log = array_append(delivery_log, $2)
		WHERE id = $3 AND state = $4`,
		state, logEntry, id, consts.StateLocked)
	if err != nil {
		return fmt.Errorf("failed to set message %d state %s: %w", id, state, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMessageNotFound
	}
	return nil
}

// SetMXSnapshot stores the resolved MX record set on the message.
func (db *Database) SetMXSnapshot(ctx context.Context, id int64, snapshot []byte) error {
	_, err := db.TimedExec(ctx, "message_mx_snapshot", `
		UPDATE messages SET mx_snapshot = $1, updated_at = now() WHERE id = $2`,
		snapshot, id)
	if err != nil {
		return fmt.Errorf("failed to store MX snapshot for message %d: %w", id, err)
	}
	return nil
}

// AppendDeliveryLog adds one entry to the message's append-only log.
func (db *Database) AppendDeliveryLog(ctx context.Context, id int64, entry string) error {
	_, err := db.TimedExec(ctx, "message_log_append", `
		UPDATE messages
		SET delivery_log = array_append(delivery_log, $1), updated_at = now()
		WHERE id = $2`, entry, id)
	if err != nil {
		return fmt.Errorf("failed to append delivery log for message %d: %w", id, err)
	}
	return nil
}

// QueueDepth returns the number of messages waiting for delivery.
func (db *Database) QueueDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := db.TimedQueryRow(ctx, "queue_depth", `
		SELECT COUNT(*) FROM messages WHERE state = $1`,
		consts.StateEnqueued).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue depth: %w", err)
	}
	return depth, nil
}

// ListMailboxMessages returns the locally delivered, not deleted
// messages for a mailbox, oldest first. This is the POP3 session
// snapshot.
func (db *Database) ListMailboxMessages(ctx context.Context, deliveredTo string) ([]*MessageSummary, error) {
	rows, err := db.TimedQuery(ctx, "mailbox_list", `
		SELECT id, message_id, size
		FROM messages
		WHERE delivered_to = $1 AND state = $2
		ORDER BY id`,
		deliveredTo, consts.StateLocal)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailbox messages: %w", err)
	}
	defer rows.Close()

	var summaries []*MessageSummary
	for rows.Next() {
		var s MessageSummary
		if err := rows.Scan(&s.ID, &s.MessageID, &s.Size); err != nil {
			return nil, fmt.Errorf("failed to scan mailbox message: %w", err)
		}
		summaries = append(summaries, &s)
	}
	return summaries, rows.Err()
}

// GetMessageRaw fetches the raw content of one mailbox message. The
// delivered_to check scopes access to the owning mailbox.
func (db *Database) GetMessageRaw(ctx context.Context, id int64, deliveredTo string) ([]byte, error) {
	var raw []byte
	err := db.TimedQueryRow(ctx, "message_raw", `
		SELECT raw FROM messages
		WHERE id = $1 AND delivered_to = $2 AND state = $3`,
		id, deliveredTo, consts.StateLocal).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to fetch message %d: %w", id, err)
	}
	return raw, nil
}

// MarkMessagesDeleted soft-deletes mailbox messages. Called only when a
// POP3 session commits its pending deletions on QUIT.
func (db *Database) MarkMessagesDeleted(ctx context.Context, deliveredTo string, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.TimedExec(ctx, "message_delete", `
		UPDATE messages
		SET state = $1, updated_at = now()
		WHERE delivered_to = $2 AND state = $3 AND id = ANY($4)`,
		consts.StateDeleted, deliveredTo, consts.StateLocal, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete mailbox messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MailboxUsage returns the stored byte total for a mailbox, used for
// quota enforcement at RCPT time.
func (db *Database) MailboxUsage(ctx context.Context, address string) (int64, error) {
	var usage int64
	err := db.TimedQueryRow(ctx, "mailbox_usage", `
		SELECT COALESCE(SUM(size), 0) FROM messages
		WHERE delivered_to = $1 AND state = $2`,
		address, consts.StateLocal).Scan(&usage)
	if err != nil {
		return 0, fmt.Errorf("failed to compute mailbox usage: %w", err)
	}
	return usage, nil
}
