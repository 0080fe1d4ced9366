package magic8ball

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists the registry in a single SQLite file. It is meant for
// single-instance deployments that want durability without PostgreSQL.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer keeps BEGIN IMMEDIATE from racing itself.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the handle for stats collection.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS registry_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		next_question_id INTEGER NOT NULL DEFAULT 0,
		paused INTEGER NOT NULL DEFAULT 0,
		last_event_seq INTEGER NOT NULL DEFAULT 0
	);

	INSERT OR IGNORE INTO registry_state (id) VALUES (1);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY,
		asker TEXT NOT NULL,
		token_contract TEXT NOT NULL,
		bounty_amount TEXT NOT NULL,
		content TEXT NOT NULL,
		answered INTEGER NOT NULL DEFAULT 0,
		answer TEXT NOT NULL DEFAULT '',
		oracle TEXT,
		allowed_oracles TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		answered_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_questions_asker ON questions(asker, id);

	CREATE TABLE IF NOT EXISTS registry_events (
		seq INTEGER PRIMARY KEY,
		event_type TEXT NOT NULL,
		question_id INTEGER,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) State(ctx context.Context) (*RegistryState, error) {
	var (
		next   int64
		paused bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT next_question_id, paused FROM registry_state WHERE id = 1`,
	).Scan(&next, &paused)
	if errors.Is(err, sql.ErrNoRows) {
		return &RegistryState{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &RegistryState{NextQuestionID: uint64(next), Paused: paused}, nil
}

func (s *SQLiteStore) SetPaused(ctx context.Context, paused bool, ev *Event) error {
	return s.inTx(ctx, func(tx *sql.Tx, st *lockedState) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE registry_state SET paused = ? WHERE id = 1`, paused); err != nil {
			return err
		}
		return st.appendSQLiteEvent(ctx, tx, ev)
	})
}

func (s *SQLiteStore) Create(ctx context.Context, q *Question, ev *Event) error {
	oracles, err := marshalOracles(q.AllowedOracles)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx, st *lockedState) error {
		if st.paused {
			return ErrRegistryPaused
		}
		if uint64(st.next) != q.ID {
			return ErrStaleState
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO questions (
				id, asker, token_contract, bounty_amount, content,
				answered, answer, allowed_oracles, created_at
			) VALUES (?, ?, ?, ?, ?, 0, '', ?, ?)`,
			int64(q.ID), q.Asker.Hex(), q.TokenContract.Hex(), q.BountyAmount.String(),
			q.Content, string(oracles), formatTime(q.CreatedAt),
		)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE registry_state SET next_question_id = next_question_id + 1 WHERE id = 1`); err != nil {
			return err
		}
		return st.appendSQLiteEvent(ctx, tx, ev)
	})
}

const sqliteQuestionColumns = `id, asker, token_contract, bounty_amount, content,
	answered, answer, oracle, allowed_oracles, created_at, answered_at`

func (s *SQLiteStore) Get(ctx context.Context, id uint64) (*Question, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteQuestionColumns+` FROM questions WHERE id = ?`, int64(id))

	q, err := scanSQLiteQuestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuestionNotFound
	}
	return q, err
}

func (s *SQLiteStore) Answer(ctx context.Context, q *Question, ev *Event) error {
	var answeredAt sql.NullString
	if q.AnsweredAt != nil {
		answeredAt = sql.NullString{String: formatTime(*q.AnsweredAt), Valid: true}
	}
	return s.inTx(ctx, func(tx *sql.Tx, st *lockedState) error {
		if st.paused {
			return ErrRegistryPaused
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE questions SET answered = 1, answer = ?, oracle = ?, answered_at = ?
			WHERE id = ? AND answered = 0`,
			q.Answer, nullAddr(q.Oracle), answeredAt, int64(q.ID),
		)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM questions WHERE id = ?`, int64(q.ID)).Scan(&n); err != nil {
				return err
			}
			if n == 0 {
				return ErrQuestionNotFound
			}
			return ErrAlreadyAnswered
		}
		return st.appendSQLiteEvent(ctx, tx, ev)
	})
}

func (s *SQLiteStore) SetOracles(ctx context.Context, id uint64, oracles []common.Address) error {
	raw, err := marshalOracles(oracles)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx, st *lockedState) error {
		if st.paused {
			return ErrRegistryPaused
		}
		result, err := tx.ExecContext(ctx,
			`UPDATE questions SET allowed_oracles = ? WHERE id = ?`, string(raw), int64(id))
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrQuestionNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*Question, error) {
	var asker string
	if filter.Asker != nil {
		asker = filter.Asker.Hex()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteQuestionColumns+`
		FROM questions
		WHERE (? = '' OR asker = ?)
		ORDER BY id
		LIMIT ? OFFSET ?`, asker, asker, filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*Question{}
	for rows.Next() {
		q, err := scanSQLiteQuestion(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, q)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) Events(ctx context.Context, afterSeq uint64, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, payload, created_at
		FROM registry_events
		WHERE seq > ?
		ORDER BY seq
		LIMIT ?`, int64(afterSeq), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*Event{}
	for rows.Next() {
		var (
			seq       int64
			payload   string
			createdAt string
		)
		if err := rows.Scan(&seq, &payload, &createdAt); err != nil {
			return nil, err
		}
		ev, err := decodeEvent([]byte(payload))
		if err != nil {
			return nil, err
		}
		ev.Seq = uint64(seq)
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx, *lockedState) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var st lockedState
	if err := tx.QueryRowContext(ctx,
		`SELECT next_question_id, paused, last_event_seq FROM registry_state WHERE id = 1`,
	).Scan(&st.next, &st.paused, &st.lastSeq); err != nil {
		return err
	}

	if err := fn(tx, &st); err != nil {
		return err
	}
	return tx.Commit()
}

func (st *lockedState) appendSQLiteEvent(ctx context.Context, tx *sql.Tx, ev *Event) error {
	payload, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	seq := st.lastSeq + 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO registry_events (seq, event_type, question_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		seq, string(ev.Type), nullQuestionID(ev.QuestionID), string(payload), formatTime(ev.CreatedAt),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE registry_state SET last_event_seq = ? WHERE id = 1`, seq); err != nil {
		return err
	}
	st.lastSeq = seq
	ev.Seq = uint64(seq)
	return nil
}

func scanSQLiteQuestion(sc rowScanner) (*Question, error) {
	var (
		q          Question
		id         int64
		asker      string
		tok        string
		bounty     string
		oracle     sql.NullString
		oraclesRaw string
		createdAt  string
		answeredAt sql.NullString
	)
	err := sc.Scan(&id, &asker, &tok, &bounty, &q.Content,
		&q.Answered, &q.Answer, &oracle, &oraclesRaw, &createdAt, &answeredAt)
	if err != nil {
		return nil, err
	}

	q.ID = uint64(id)
	q.Asker = common.HexToAddress(asker)
	q.TokenContract = common.HexToAddress(tok)
	if q.BountyAmount, err = parseBounty(bounty); err != nil {
		return nil, err
	}
	q.Oracle = addrFromNull(oracle)
	if q.AllowedOracles, err = unmarshalOracles([]byte(oraclesRaw)); err != nil {
		return nil, err
	}
	if q.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if answeredAt.Valid {
		t, err := parseTime(answeredAt.String)
		if err != nil {
			return nil, err
		}
		q.AnsweredAt = &t
	}
	return &q, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}
