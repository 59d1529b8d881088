package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Attachment is binary content addressed by its SHA-256 checksum.
// Identical content uploaded by different messages is stored once and
// linked from each owner.
type Attachment struct {
	ID          int64
	Checksum    string
	ContentType string
	Filename    string
	Disposition string
	Size        int64
	Content     []byte
}

// NewAttachment builds an attachment record, computing the checksum
// from the content.
func NewAttachment(contentType, filename, disposition string, content []byte) *Attachment {
	sum := sha256.Sum256(content)
	if disposition == "" {
		disposition = "attachment"
	}
	return &Attachment{
		Checksum:    hex.EncodeToString(sum[:]),
		ContentType: contentType,
		Filename:    filename,
		Disposition: disposition,
		Size:        int64(len(content)),
		Content:     content,
	}
}

// insertAttachmentTx stores an attachment inside a message transaction,
// deduplicating on checksum, and returns the attachment id.
func insertAttachmentTx(ctx context.Context, tx pgx.Tx, att *Attachment) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO attachments (checksum, content_type, filename, disposition, size, content)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (checksum) DO UPDATE SET checksum = EXCLUDED.checksum
		RETURNING id`,
		att.Checksum, att.ContentType, att.Filename, att.Disposition,
		att.Size, att.Content).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to store attachment %s: %w", att.Checksum, err)
	}
	return id, nil
}

// GetAttachmentByChecksum fetches stored attachment content.
func (db *Database) GetAttachmentByChecksum(ctx context.Context, checksum string) (*Attachment, error) {
	var att Attachment
	err := db.TimedQueryRow(ctx, "attachment_get", `
		SELECT id, checksum, content_type, filename, disposition, size, content
		FROM attachments WHERE checksum = $1`, checksum).Scan(
		&att.ID, &att.Checksum, &att.ContentType, &att.Filename,
		&att.Disposition, &att.Size, &att.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attachment %s: %w", checksum, err)
	}
	return &att, nil
}
