package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"agentline/internal/domain"
)

// ErrReaderRequired is returned when a broadcast is acknowledged without naming the reader.
var ErrReaderRequired = errors.New("reader required to acknowledge a broadcast")

// NotRecipientError is returned when a reader acknowledges a direct message addressed to someone else.
type NotRecipientError struct {
	MessageID string
	ReaderID  string
}

func (e NotRecipientError) Error() string {
	return fmt.Sprintf("message %s is not addressed to %s", e.MessageID, e.ReaderID)
}

const messageColumns = `id,project,from_session_id,to_session_id,kind,payload,reply_to,created_at,consumed_at`

func scanMessage(row rowScanner) (domain.Message, error) {
	var (
		m                           domain.Message
		from, to, replyTo, consumed sql.NullString
	)
	err := row.Scan(&m.ID, &m.Project, &from, &to, &m.Kind, &m.Payload, &replyTo, &m.CreatedAt, &consumed)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.FromSessionID = stringPtr(from)
	m.ToSessionID = stringPtr(to)
	m.ReplyTo = stringPtr(replyTo)
	m.ConsumedAt = stringPtr(consumed)
	return m, nil
}

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	if m.ID == "" {
		return errors.New("id required")
	}
	if m.Project == "" {
		return errors.New("project required")
	}
	if !domain.IsMessageKind(m.Kind) {
		return fmt.Errorf("invalid message kind %q", m.Kind)
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO messages(id,project,from_session_id,to_session_id,kind,payload,reply_to,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.Project, nullableStringPtr(m.FromSessionID), nullableStringPtr(m.ToSessionID), m.Kind, m.Payload, nullableStringPtr(m.ReplyTo), m.CreatedAt)
	return err
}

func (r Repo) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	return scanMessage(r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id))
}

func (r Repo) GetMessageTx(ctx context.Context, tx *sql.Tx, id string) (domain.Message, error) {
	return scanMessage(r.on(tx).QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id))
}

type PollFilters struct {
	// ReaderID selects direct messages addressed to it and hides broadcasts it already acknowledged.
	// Without a reader, Project is required and every unconsumed direct message of the project is returned.
	ReaderID          string
	Project           string
	IncludeBroadcasts bool
	// IncludeConsumed also returns messages already acknowledged, for audit.
	IncludeConsumed bool
	Kind            string
	Limit           int
}

// PollMessages returns unconsumed messages in arrival order, or every matching message with
// IncludeConsumed. It never changes consumption state.
func (r Repo) PollMessages(ctx context.Context, f PollFilters) ([]domain.Message, error) {
	if f.ReaderID == "" && f.Project == "" {
		return nil, errors.New("reader or project required")
	}
	var (
		scopes []string
		args   []any
	)
	pending := " AND consumed_at IS NULL"
	if f.IncludeConsumed {
		pending = ""
	}
	if f.ReaderID != "" {
		scopes = append(scopes, "(to_session_id=?"+pending+")")
		args = append(args, f.ReaderID)
	} else {
		scopes = append(scopes, "(to_session_id IS NOT NULL AND project=?"+pending+")")
		args = append(args, f.Project)
	}
	if f.IncludeBroadcasts {
		clause := []string{"to_session_id IS NULL"}
		if f.Project != "" {
			clause = append(clause, "project=?")
			args = append(args, f.Project)
		}
		if f.ReaderID != "" {
			clause = append(clause, "(from_session_id IS NULL OR from_session_id<>?)")
			args = append(args, f.ReaderID)
			if !f.IncludeConsumed {
				clause = append(clause, "NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id=messages.id AND mr.reader_id=?)")
				args = append(args, f.ReaderID)
			}
		}
		scopes = append(scopes, "("+strings.Join(clause, " AND ")+")")
	}
	where := "(" + strings.Join(scopes, " OR ") + ")"
	if f.Kind != "" {
		where += " AND kind=?"
		args = append(args, f.Kind)
	}
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE %s ORDER BY seq ASC`, messageColumns, where)
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MarkConsumed acknowledges a message. Direct messages keep their first consumed_at forever;
// broadcasts record one acknowledgement per reader. It returns the consumption time in effect
// and whether this call recorded it.
func (r Repo) MarkConsumed(ctx context.Context, tx *sql.Tx, id, readerID, now string) (string, bool, error) {
	q := r.on(tx)
	m, err := scanMessage(q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id))
	if err != nil {
		return "", false, err
	}
	if m.Broadcast() {
		if readerID == "" {
			return "", false, ErrReaderRequired
		}
		res, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO message_reads(message_id,reader_id,consumed_at) VALUES (?,?,?)`, id, readerID, now)
		if err != nil {
			return "", false, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return now, true, nil
		}
		var at string
		if err := q.QueryRowContext(ctx, `SELECT consumed_at FROM message_reads WHERE message_id=? AND reader_id=?`, id, readerID).Scan(&at); err != nil {
			return "", false, err
		}
		return at, false, nil
	}
	if readerID != "" && *m.ToSessionID != readerID {
		return "", false, NotRecipientError{MessageID: id, ReaderID: readerID}
	}
	res, err := q.ExecContext(ctx, `UPDATE messages SET consumed_at=? WHERE id=? AND consumed_at IS NULL`, now, id)
	if err != nil {
		return "", false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return now, true, nil
	}
	var at string
	if err := q.QueryRowContext(ctx, `SELECT consumed_at FROM messages WHERE id=?`, id).Scan(&at); err != nil {
		return "", false, err
	}
	return at, false, nil
}

// BroadcastReaders lists the readers that acknowledged a broadcast.
func (r Repo) BroadcastReaders(ctx context.Context, messageID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT reader_id FROM message_reads WHERE message_id=? ORDER BY consumed_at ASC, reader_id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var readers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		readers = append(readers, id)
	}
	return readers, rows.Err()
}
