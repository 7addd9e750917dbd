package store

import (
	"context"
	"database/sql"
	_ "embed"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // sql driver
	"github.com/pkg/errors"

	"github.com/outofforest/courier/message"
)

//go:embed schema.sql
var schemaSQL string

const lockBatch = 64

var (
	_ MessageStore       = &SQLite{}
	_ TransactionManager = &SQLite{}
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return resource(err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return resource(err)
	}
	return nil
}

// QueueSummary describes messages kept for one destination and target.
type QueueSummary struct {
	Destination string
	Target      uuid.UUID
	Count       uint64
	Locked      uint64
}

// SQLite is the message store and transaction manager backed by SQLite database.
type SQLite struct {
	db *sql.DB
}

// Open creates or opens the store at path.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "executing %q failed", pragma)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "applying schema failed")
	}

	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return errors.WithStack(s.db.Close())
}

// Ping verifies that the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return resource(err)
	}
	return nil
}

// CreateLocalTransaction creates new transaction.
func (s *SQLite) CreateLocalTransaction(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, resource(err)
	}
	return &sqlTx{tx: tx}, nil
}

// Put stores message. Storing the same message twice is a no-op.
func (s *SQLite) Put(ctx context.Context, m *message.Message, tx Tx) error {
	e, err := s.execer(tx)
	if err != nil {
		return err
	}
	props, err := message.EncodeProperties(m.Properties)
	if err != nil {
		return err
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO messages (id, destination, target, priority, reliability, properties, body, redelivery_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, m.ID, m.Destination, m.Target.String(), m.Priority, m.Reliability, props, m.Body, m.RedeliveryCount)
	if err != nil {
		return resource(err)
	}
	return nil
}

// Find returns message or nil if it does not exist.
func (s *SQLite) Find(ctx context.Context, id string) (*message.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, destination, target, priority, reliability, properties, body, redelivery_count
		FROM messages WHERE id = ?
	`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// Lock locks message. Locking message already locked with the same lock ID succeeds.
func (s *SQLite) Lock(ctx context.Context, id, lockID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET lock_id = ? WHERE id = ? AND (lock_id IS NULL OR lock_id = ?)
	`, lockID, id, lockID)
	if err != nil {
		return resource(err)
	}
	if affected(res) == 1 {
		return nil
	}

	exists, err := s.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Wrapf(ErrNotFound, "message %s", id)
	}
	return errors.Wrapf(ErrLocked, "message %s", id)
}

// LockNext locks the first available message on the queue matching criteria.
// Messages are taken by priority, then by arrival. It returns nil if there is no such message.
func (s *SQLite) LockNext(
	ctx context.Context,
	destination string,
	target uuid.UUID,
	criteria message.Criteria,
	lockID string,
) (*message.Message, error) {
	var lastSeq int64
	var lastPriority = int64(message.MaxPriority) + 1
	for {
		candidates, err := s.candidates(ctx, destination, target, lastPriority, lastSeq)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		for _, c := range candidates {
			lastPriority = int64(c.msg.Priority)
			lastSeq = c.seq

			if !criteria.Matches(c.msg) {
				continue
			}

			// Somebody else might have locked the message since it was read.
			res, err := s.db.ExecContext(ctx, `
				UPDATE messages SET lock_id = ? WHERE id = ? AND lock_id IS NULL
			`, lockID, c.msg.ID)
			if err != nil {
				return nil, resource(err)
			}
			if affected(res) == 1 {
				return c.msg, nil
			}
		}
	}
}

// Unlock releases the lock and counts the redelivery.
func (s *SQLite) Unlock(ctx context.Context, id, lockID string, tx Tx) error {
	e, err := s.execer(tx)
	if err != nil {
		return err
	}
	res, err := e.ExecContext(ctx, `
		UPDATE messages SET lock_id = NULL, redelivery_count = redelivery_count + 1
		WHERE id = ? AND lock_id = ?
	`, id, lockID)
	if err != nil {
		return resource(err)
	}
	if affected(res) == 0 {
		return errors.Wrapf(ErrNotFound, "message %s locked by %s", id, lockID)
	}
	return nil
}

// Remove deletes message.
func (s *SQLite) Remove(ctx context.Context, id string, tx Tx) error {
	e, err := s.execer(tx)
	if err != nil {
		return err
	}
	res, err := e.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return resource(err)
	}
	if affected(res) == 0 {
		return errors.Wrapf(ErrNotFound, "message %s", id)
	}
	return nil
}

// Retarget assigns message to another destination and target, releasing its lock.
func (s *SQLite) Retarget(ctx context.Context, id, destination string, target uuid.UUID, tx Tx) error {
	e, err := s.execer(tx)
	if err != nil {
		return err
	}
	res, err := e.ExecContext(ctx, `
		UPDATE messages SET destination = ?, target = ?, lock_id = NULL WHERE id = ?
	`, destination, target.String(), id)
	if err != nil {
		return resource(err)
	}
	if affected(res) == 0 {
		return errors.Wrapf(ErrNotFound, "message %s", id)
	}
	return nil
}

// IsAvailable returns true if message exists and is not locked.
func (s *SQLite) IsAvailable(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE id = ? AND lock_id IS NULL
	`, id).Scan(&n)
	if err != nil {
		return false, resource(err)
	}
	return n == 1, nil
}

// List returns messages assigned to destination and target, in delivery order.
func (s *SQLite) List(ctx context.Context, destination string, target uuid.UUID) ([]*message.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, destination, target, priority, reliability, properties, body, redelivery_count
		FROM messages WHERE destination = ? AND target = ?
		ORDER BY priority DESC, seq ASC
	`, destination, target.String())
	if err != nil {
		return nil, resource(err)
	}
	defer rows.Close()

	var result []*message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, resource(err)
	}
	return result, nil
}

// Summary returns the number of messages per destination and target.
func (s *SQLite) Summary(ctx context.Context) ([]QueueSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT destination, target, COUNT(*), COUNT(lock_id)
		FROM messages GROUP BY destination, target
		ORDER BY destination, target
	`)
	if err != nil {
		return nil, resource(err)
	}
	defer rows.Close()

	var result []QueueSummary
	for rows.Next() {
		var qs QueueSummary
		var target string
		if err := rows.Scan(&qs.Destination, &target, &qs.Count, &qs.Locked); err != nil {
			return nil, resource(err)
		}
		if qs.Target, err = uuid.Parse(target); err != nil {
			return nil, errors.WithStack(err)
		}
		result = append(result, qs)
	}
	if err := rows.Err(); err != nil {
		return nil, resource(err)
	}
	return result, nil
}

type candidate struct {
	seq int64
	msg *message.Message
}

// candidates reads the next batch of unlocked messages. Rows are fully read before returning
// because the only connection is needed to lock the message.
func (s *SQLite) candidates(
	ctx context.Context,
	destination string,
	target uuid.UUID,
	lastPriority, lastSeq int64,
) ([]candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, destination, target, priority, reliability, properties, body, redelivery_count
		FROM messages
		WHERE destination = ? AND target = ? AND lock_id IS NULL
			AND (priority < ? OR (priority = ? AND seq > ?))
		ORDER BY priority DESC, seq ASC
		LIMIT ?
	`, destination, target.String(), lastPriority, lastPriority, lastSeq, lockBatch)
	if err != nil {
		return nil, resource(err)
	}
	defer rows.Close()

	var result []candidate
	for rows.Next() {
		var c candidate
		var target string
		var props []byte
		c.msg = &message.Message{}
		if err := rows.Scan(&c.seq, &c.msg.ID, &c.msg.Destination, &target, &c.msg.Priority, &c.msg.Reliability,
			&props, &c.msg.Body, &c.msg.RedeliveryCount); err != nil {
			return nil, resource(err)
		}
		if err := fillMessage(c.msg, target, props); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, resource(err)
	}
	return result, nil
}

func (s *SQLite) exists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ?`, id).Scan(&n); err != nil {
		return false, resource(err)
	}
	return n == 1, nil
}

func (s *SQLite) execer(tx Tx) (execer, error) {
	if tx == nil {
		return s.db, nil
	}
	t, ok := tx.(*sqlTx)
	if !ok {
		return nil, errors.Errorf("unsupported transaction %T", tx)
	}
	return t.tx, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*message.Message, error) {
	m := &message.Message{}
	var target string
	var props []byte
	err := row.Scan(&m.ID, &m.Destination, &target, &m.Priority, &m.Reliability, &props, &m.Body,
		&m.RedeliveryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, resource(err)
	}
	if err := fillMessage(m, target, props); err != nil {
		return nil, err
	}
	return m, nil
}

func fillMessage(m *message.Message, target string, props []byte) error {
	var err error
	if m.Target, err = uuid.Parse(target); err != nil {
		return errors.WithStack(err)
	}
	m.Properties, err = message.DecodeProperties(props)
	return err
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
