package magic8ball

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PostgresStore persists the registry in PostgreSQL.
//
// Every write locks the single registry_state row, so question ids and event
// seq numbers stay dense even with several server instances. Writes other
// than SetPaused re-check the paused flag under that lock. Token balances
// are not shared between instances.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed registry store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) State(ctx context.Context) (*RegistryState, error) {
	var (
		next   int64
		paused bool
	)
	err := p.db.QueryRowContext(ctx,
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

func (p *PostgresStore) SetPaused(ctx context.Context, paused bool, ev *Event) error {
	return p.inTx(ctx, func(tx *sql.Tx, st *lockedState) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE registry_state SET paused = $1 WHERE id = 1`, paused); err != nil {
			return err
		}
		return st.appendEvent(ctx, tx, ev)
	})
}

func (p *PostgresStore) Create(ctx context.Context, q *Question, ev *Event) error {
	oracles, err := marshalOracles(q.AllowedOracles)
	if err != nil {
		return err
	}
	return p.inTx(ctx, func(tx *sql.Tx, st *lockedState) error {
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
			) VALUES ($1, $2, $3, $4::NUMERIC(78,0), $5, FALSE, '', $6, $7)`,
			int64(q.ID), q.Asker.Hex(), q.TokenContract.Hex(), q.BountyAmount.String(),
			q.Content, oracles, q.CreatedAt,
		)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE registry_state SET next_question_id = next_question_id + 1 WHERE id = 1`); err != nil {
			return err
		}
		return st.appendEvent(ctx, tx, ev)
	})
}

const questionColumns = `id, asker, token_contract, bounty_amount::TEXT, content,
		       answered, answer, oracle, allowed_oracles, created_at, answered_at`

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Question, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = $1`, int64(id))

	q, err := scanPGQuestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuestionNotFound
	}
	return q, err
}

func (p *PostgresStore) Answer(ctx context.Context, q *Question, ev *Event) error {
	return p.inTx(ctx, func(tx *sql.Tx, st *lockedState) error {
		if st.paused {
			return ErrRegistryPaused
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE questions SET answered = TRUE, answer = $1, oracle = $2, answered_at = $3
			WHERE id = $4 AND NOT answered`,
			q.Answer, nullAddr(q.Oracle), q.AnsweredAt, int64(q.ID),
		)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM questions WHERE id = $1)`, int64(q.ID)).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrQuestionNotFound
			}
			return ErrAlreadyAnswered
		}
		return st.appendEvent(ctx, tx, ev)
	})
}

func (p *PostgresStore) SetOracles(ctx context.Context, id uint64, oracles []common.Address) error {
	raw, err := marshalOracles(oracles)
	if err != nil {
		return err
	}
	return p.inTx(ctx, func(tx *sql.Tx, st *lockedState) error {
		if st.paused {
			return ErrRegistryPaused
		}
		result, err := tx.ExecContext(ctx,
			`UPDATE questions SET allowed_oracles = $1 WHERE id = $2`, raw, int64(id))
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

func (p *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Question, error) {
	var asker string
	if filter.Asker != nil {
		asker = filter.Asker.Hex()
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+questionColumns+`
		FROM questions
		WHERE ($1 = '' OR asker = $1)
		ORDER BY id
		LIMIT $2 OFFSET $3`, asker, filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*Question{}
	for rows.Next() {
		q, err := scanPGQuestion(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, q)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Events(ctx context.Context, afterSeq uint64, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT seq, payload, created_at
		FROM registry_events
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2`, int64(afterSeq), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*Event{}
	for rows.Next() {
		var (
			seq       int64
			payload   []byte
			createdAt time.Time
		)
		if err := rows.Scan(&seq, &payload, &createdAt); err != nil {
			return nil, err
		}
		ev, err := decodeEvent(payload)
		if err != nil {
			return nil, err
		}
		ev.Seq = uint64(seq)
		ev.CreatedAt = createdAt
		result = append(result, ev)
	}
	return result, rows.Err()
}

// lockedState is the registry_state row as read under FOR UPDATE.
type lockedState struct {
	next    int64
	paused  bool
	lastSeq int64
}

func (st *lockedState) appendEvent(ctx context.Context, tx *sql.Tx, ev *Event) error {
	payload, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	seq := st.lastSeq + 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO registry_events (seq, event_type, question_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		seq, string(ev.Type), nullQuestionID(ev.QuestionID), payload, ev.CreatedAt,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE registry_state SET last_event_seq = $1 WHERE id = 1`, seq); err != nil {
		return err
	}
	st.lastSeq = seq
	ev.Seq = uint64(seq)
	return nil
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(*sql.Tx, *lockedState) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var st lockedState
	if err := tx.QueryRowContext(ctx, `
		SELECT next_question_id, paused, last_event_seq
		FROM registry_state WHERE id = 1 FOR UPDATE`,
	).Scan(&st.next, &st.paused, &st.lastSeq); err != nil {
		return err
	}

	if err := fn(tx, &st); err != nil {
		return err
	}
	return tx.Commit()
}

func scanPGQuestion(sc rowScanner) (*Question, error) {
	var (
		q          Question
		id         int64
		asker      string
		tok        string
		bounty     string
		oracle     sql.NullString
		oraclesRaw []byte
		answeredAt sql.NullTime
	)
	err := sc.Scan(&id, &asker, &tok, &bounty, &q.Content,
		&q.Answered, &q.Answer, &oracle, &oraclesRaw, &q.CreatedAt, &answeredAt)
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
	if q.AllowedOracles, err = unmarshalOracles(oraclesRaw); err != nil {
		return nil, err
	}
	if answeredAt.Valid {
		t := answeredAt.Time
		q.AnsweredAt = &t
	}
	return &q, nil
}
