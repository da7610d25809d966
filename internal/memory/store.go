// Package memory persists everything the bot remembers between restarts in
// one SQLite database: corpus embeddings, chat history, past incidents and
// the local ticket queue.
package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"supportbot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.EmbeddingCache, domain.ConversationStore,
// domain.IncidentLog and domain.TicketSink.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- embedding cache ---

func (s *SQLiteStore) Load(ctx context.Context, model string) (map[string]domain.CachedVector, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, hash, dim, vector FROM embeddings WHERE model = ?`, model)
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.CachedVector)
	for rows.Next() {
		var (
			cv   domain.CachedVector
			dim  int
			blob []byte
		)
		if err := rows.Scan(&cv.EntryID, &cv.Hash, &dim, &blob); err != nil {
			return nil, err
		}
		vec, err := decodeVector(blob, dim)
		if err != nil {
			s.logger.Warn("dropping corrupt cached embedding", "entry", cv.EntryID, "err", err)
			continue
		}
		cv.Vector = vec
		out[cv.EntryID] = cv
	}
	return out, rows.Err()
}

// Replace swaps the whole cache for model in one transaction.
func (s *SQLiteStore) Replace(ctx context.Context, model string, vecs []domain.CachedVector) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE model = ?`, model); err != nil {
		return fmt.Errorf("clear embeddings: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO embeddings (model, entry_id, hash, dim, vector, updated_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, v := range vecs {
		if _, err := stmt.ExecContext(ctx, model, v.EntryID, v.Hash, len(v.Vector), encodeVector(v.Vector), now); err != nil {
			return fmt.Errorf("store embedding %s: %w", v.EntryID, err)
		}
	}
	return tx.Commit()
}

// Clear drops cached vectors of every model.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM embeddings`)
	return err
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(blob []byte, dim int) ([]float32, error) {
	if len(blob) != 4*dim {
		return nil, fmt.Errorf("vector blob is %d bytes, want %d", len(blob), 4*dim)
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return v, nil
}

// --- conversation history ---

func (s *SQLiteStore) AddMessage(ctx context.Context, msg domain.MessageRecord) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user_key, role, content, outcome, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.UserKey, msg.Role, msg.Content, msg.Outcome, msg.CreatedAt,
	)
	return err
}

// GetMessages returns the last limit messages of a user, oldest first.
func (s *SQLiteStore) GetMessages(ctx context.Context, userKey string, limit int) ([]domain.MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_key, role, content, outcome, created_at
		 FROM messages WHERE user_key = ?
		 ORDER BY id DESC LIMIT ?`, userKey, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.MessageRecord
	for rows.Next() {
		var m domain.MessageRecord
		var content, outcome sql.NullString
		if err := rows.Scan(&m.ID, &m.UserKey, &m.Role, &content, &outcome, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Content = content.String
		m.Outcome = outcome.String
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) ClearMessages(ctx context.Context, userKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE user_key = ?`, userKey)
	return err
}

// --- past incidents ---

func (s *SQLiteStore) RecordIncident(ctx context.Context, userKey, entryID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO incidents (user_key, entry_id, created_at) VALUES (?, ?, ?)`,
		userKey, entryID, time.Now(),
	)
	return err
}

// ListIncidents returns entry ids that answered the user, most recent first.
func (s *SQLiteStore) ListIncidents(ctx context.Context, userKey string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id FROM incidents WHERE user_key = ? ORDER BY created_at DESC, rowid DESC`, userKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- ticket queue ---

const (
	TicketOpen   = "open"
	TicketClosed = "closed"
)

// StoredTicket is a queued ticket with its status.
type StoredTicket struct {
	domain.Ticket
	Status string `json:"status"`
}

func (s *SQLiteStore) SubmitTicket(ctx context.Context, t domain.Ticket) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tickets (id, user_key, title, summary, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserKey, t.Title, t.Summary, TicketOpen, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("queue ticket: %w", err)
	}
	return nil
}

// ListTickets returns tickets with the given status (all when empty), newest first.
func (s *SQLiteStore) ListTickets(ctx context.Context, status string, limit int) ([]StoredTicket, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_key, title, summary, status, created_at FROM tickets
		 WHERE (? = '' OR status = ?)
		 ORDER BY created_at DESC LIMIT ?`, status, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredTicket
	for rows.Next() {
		var t StoredTicket
		var summary, st sql.NullString
		if err := rows.Scan(&t.ID, &t.UserKey, &t.Title, &summary, &st, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Summary = summary.String
		t.Status = st.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// ErrTicketNotFound is returned when closing an unknown ticket.
var ErrTicketNotFound = errors.New("ticket not found")

func (s *SQLiteStore) CloseTicket(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tickets SET status = ? WHERE id = ?`, TicketClosed, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTicketNotFound, id)
	}
	return nil
}

// Stats counts rows for status reporting.
type Stats struct {
	Embeddings  int `json:"embeddings"`
	Messages    int `json:"messages"`
	Incidents   int `json:"incidents"`
	OpenTickets int `json:"open_tickets"`
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM embeddings),
		(SELECT COUNT(*) FROM messages),
		(SELECT COUNT(*) FROM incidents),
		(SELECT COUNT(*) FROM tickets WHERE status = 'open')`,
	).Scan(&st.Embeddings, &st.Messages, &st.Incidents, &st.OpenTickets)
	return st, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
