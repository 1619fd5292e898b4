// Package snapstore persists collection runs as immutable, deduplicated
// snapshots. It owns all writes to the snapshots and messages tables.
package snapstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Meridian-dev/m365-vault-infra/internal/collector"
	"github.com/Meridian-dev/m365-vault-infra/internal/msghash"
)

//go:embed schema.sql
var schemaSQL string

// IndexSubject is the NATS subject searchable documents are dispatched to.
const IndexSubject = "mailvault.index.message"

// Store wraps the sqlite database holding snapshots, messages, tenants and
// the indexer outbox.
type Store struct {
	DB *sql.DB
}

// Snapshot is one immutable batch boundary over deduplicated messages.
type Snapshot struct {
	ID           int64     `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Label        string    `json:"label"`
	MessageCount int       `json:"message_count"`
}

// StoredMessage is one deduplicated message row. Rows are never updated;
// they disappear only via whole-snapshot cascade delete.
type StoredMessage struct {
	ID              int64      `json:"id"`
	SnapshotID      int64      `json:"snapshot_id"`
	Tenant          string     `json:"tenant"`
	UserPrincipal   string     `json:"user_principal"`
	MessageID       string     `json:"message_id"`
	MessageHash     string     `json:"message_hash"`
	RawJSON         string     `json:"raw_json,omitempty"`
	Subject         string     `json:"subject"`
	FromAddress     string     `json:"from_address"`
	ReceivedAt      *time.Time `json:"received_datetime,omitempty"`
	BodyPreview     string     `json:"body_preview"`
	HasAttachments  bool       `json:"has_attachments"`
	AttachmentCount int        `json:"attachment_count"`
	Importance      string     `json:"importance"`
}

// OutboxMessage is one pending entry of the indexer outbox.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Open opens or creates the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// StoreSnapshot persists one collection batch as a new snapshot inside a
// single transaction and returns the snapshot id and the number of genuinely
// new messages. Messages whose content hash already exists anywhere in the
// store are skipped; the UNIQUE constraint backs the check, so a concurrent
// insert of the same hash is also a skip, never a failure. An all-duplicate
// batch still produces the (empty) snapshot row.
func (s *Store) StoreSnapshot(ctx context.Context, label string, msgs []collector.CollectedMessage) (int64, int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin snapshot transaction: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (label, created_at) VALUES (?, ?)`,
		nullString(label), time.Now().UTC())
	if err != nil {
		_ = tx.Rollback()
		return 0, 0, fmt.Errorf("create snapshot: %w", err)
	}
	snapshotID, err := res.LastInsertId()
	if err != nil {
		_ = tx.Rollback()
		return 0, 0, fmt.Errorf("snapshot id: %w", err)
	}

	inserted := 0
	for _, m := range msgs {
		hash := msghash.Digest(m.Payload)

		// Fast path. The constraint below remains authoritative.
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE message_hash = ?`, hash).Scan(&one)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			_ = tx.Rollback()
			return 0, 0, fmt.Errorf("dedup lookup: %w", err)
		}

		f := extractFields(m.Payload)
		attachmentCount := len(m.Attachments)
		hasAttachments := f.hasAttachments || attachmentCount > 0

		ins, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages
			(snapshot_id, tenant, user_principal, message_id, message_hash, raw_json, raw_mime,
			 subject, from_address, received_datetime, body_preview, has_attachments, attachment_count, importance)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, snapshotID, m.Tenant, m.UserPrincipal, m.MessageID, hash, string(m.Raw), m.MIME,
			f.subject, f.fromAddress, f.receivedAt, f.bodyPreview, boolToInt(hasAttachments), attachmentCount, f.importance)
		if err != nil {
			_ = tx.Rollback()
			return 0, 0, fmt.Errorf("insert message %s: %w", m.MessageID, err)
		}

		n, err := ins.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return 0, 0, fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			// Another writer claimed this hash between the lookup and the
			// insert. Same outcome as the fast path: skip.
			continue
		}
		inserted++

		messageRowID, err := ins.LastInsertId()
		if err != nil {
			_ = tx.Rollback()
			return 0, 0, fmt.Errorf("message row id: %w", err)
		}
		for _, att := range m.Attachments {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO attachments (message_id, name, content_type, content, metadata)
				VALUES (?, ?, ?, ?, ?)
			`, messageRowID, att.Name, att.ContentType, att.Content, string(att.Metadata))
			if err != nil {
				_ = tx.Rollback()
				return 0, 0, fmt.Errorf("insert attachment %s: %w", att.Name, err)
			}
		}

		if err := s.enqueueIndexDoc(ctx, tx, snapshotID, hash, m, f); err != nil {
			_ = tx.Rollback()
			return 0, 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit snapshot: %w", err)
	}

	return snapshotID, inserted, nil
}

// enqueueIndexDoc writes the searchable projection of a newly inserted
// message into the outbox, inside the snapshot transaction.
func (s *Store) enqueueIndexDoc(ctx context.Context, tx *sql.Tx, snapshotID int64, hash string, m collector.CollectedMessage, f messageFields) error {
	doc := map[string]any{
		"id":                fmt.Sprintf("snap_%d_msg_%s", snapshotID, hash[:16]),
		"snapshot_id":       snapshotID,
		"message_id":        m.MessageID,
		"subject":           f.subject,
		"from_address":      f.fromAddress,
		"to_addresses":      toAddresses(m.Payload),
		"received_datetime": rawString(m.Payload, "receivedDateTime"),
		"body_preview":      truncate(f.bodyPreview, 500),
		"has_attachments":   f.hasAttachments || len(m.Attachments) > 0,
		"importance":        f.importance,
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal index doc: %w", err)
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, IndexSubject, "message.indexed", payload, "index|"+hash, now)
	if err != nil {
		return fmt.Errorf("enqueue index doc: %w", err)
	}
	return nil
}

// ListSnapshots returns the newest snapshots first.
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT s.id, s.created_at, COALESCE(s.label, ''),
		       (SELECT COUNT(*) FROM messages m WHERE m.snapshot_id = s.id)
		FROM snapshots s
		ORDER BY s.created_at DESC, s.id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var sn Snapshot
		if err := rows.Scan(&sn.ID, &sn.CreatedAt, &sn.Label, &sn.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, sn)
	}
	return snaps, rows.Err()
}

// SnapshotMessages returns the messages first seen in the given snapshot.
func (s *Store) SnapshotMessages(ctx context.Context, snapshotID int64) ([]StoredMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, snapshot_id, tenant, user_principal, message_id, message_hash,
		       COALESCE(subject, ''), COALESCE(from_address, ''), received_datetime,
		       COALESCE(body_preview, ''), has_attachments, attachment_count, importance
		FROM messages
		WHERE snapshot_id = ?
		ORDER BY id
	`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot messages: %w", err)
	}
	defer rows.Close()

	var msgs []StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageByID returns one stored message including its raw payload, or nil
// when no such row exists.
func (s *Store) MessageByID(ctx context.Context, id int64) (*StoredMessage, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, snapshot_id, tenant, user_principal, message_id, message_hash,
		       COALESCE(subject, ''), COALESCE(from_address, ''), received_datetime,
		       COALESCE(body_preview, ''), has_attachments, attachment_count, importance,
		       raw_json
		FROM messages
		WHERE id = ?
	`, id)

	var m StoredMessage
	var received sql.NullTime
	var hasAtt int
	err := row.Scan(&m.ID, &m.SnapshotID, &m.Tenant, &m.UserPrincipal, &m.MessageID, &m.MessageHash,
		&m.Subject, &m.FromAddress, &received, &m.BodyPreview, &hasAtt, &m.AttachmentCount, &m.Importance,
		&m.RawJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	if received.Valid {
		m.ReceivedAt = &received.Time
	}
	m.HasAttachments = hasAtt != 0
	return &m, nil
}

// StoredAttachment is one persisted attachment of a stored message.
type StoredAttachment struct {
	ID          int64  `json:"id"`
	MessageID   int64  `json:"message_id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content,omitempty"`
	Metadata    string `json:"metadata,omitempty"`
}

// MessageAttachments returns the attachments captured with a message.
func (s *Store) MessageAttachments(ctx context.Context, messageID int64) ([]StoredAttachment, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, message_id, COALESCE(name, ''), COALESCE(content_type, ''), content, COALESCE(metadata, '')
		FROM attachments
		WHERE message_id = ?
		ORDER BY id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	var atts []StoredAttachment
	for rows.Next() {
		var a StoredAttachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Name, &a.ContentType, &a.Content, &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

// DeleteSnapshot removes a snapshot; its messages go with it via the
// cascade.
func (s *Store) DeleteSnapshot(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// DequeueOutbox fetches pending outbox entries that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	now := time.Now().Unix()

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox entry as dispatched.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry schedules another delivery attempt after backoff.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(rows rowScanner) (StoredMessage, error) {
	var m StoredMessage
	var received sql.NullTime
	var hasAtt int
	err := rows.Scan(&m.ID, &m.SnapshotID, &m.Tenant, &m.UserPrincipal, &m.MessageID, &m.MessageHash,
		&m.Subject, &m.FromAddress, &received, &m.BodyPreview, &hasAtt, &m.AttachmentCount, &m.Importance)
	if err != nil {
		return m, fmt.Errorf("failed to scan message: %w", err)
	}
	if received.Valid {
		m.ReceivedAt = &received.Time
	}
	m.HasAttachments = hasAtt != 0
	return m, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
