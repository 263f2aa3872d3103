package durablequeue

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/jrepp/reliable-delivery/pkg/delivery"
	"github.com/jrepp/reliable-delivery/pkg/wire"
)

// SQLite is a DurableProducerQueue backed by a SQLite database. Each
// instance is the exclusive durable queue of exactly one ProducerController
// (§4.3; see DESIGN.md's qualifier/sharding note), so the schema carries no
// producer identity column.
type SQLite[A any] struct {
	db    *sql.DB
	codec wire.PayloadCodec[A]
}

// OpenSQLite opens (creating if absent) a SQLite-backed durable queue at
// path, using codec to (de)serialize the opaque payload column.
func OpenSQLite[A any](path string, codec wire.PayloadCodec[A]) (*SQLite[A], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("durablequeue: open %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("durablequeue: pragma %q: %w", p, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS durable_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			current_seq_nr INTEGER NOT NULL,
			highest_confirmed_seq_nr INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS confirmed_by_qualifier (
			qualifier TEXT PRIMARY KEY,
			confirmed_seq_nr INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS unconfirmed (
			seq_nr INTEGER PRIMARY KEY,
			ack INTEGER NOT NULL,
			qualifier TEXT NOT NULL,
			payload BLOB NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("durablequeue: create schema: %w", err)
		}
	}

	if _, err := db.Exec(`INSERT OR IGNORE INTO durable_state (id, current_seq_nr, highest_confirmed_seq_nr) VALUES (1, 1, 0)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("durablequeue: seed state row: %w", err)
	}

	return &SQLite[A]{db: db, codec: codec}, nil
}

func (s *SQLite[A]) LoadState(ctx context.Context) (delivery.DurableState[A], error) {
	var out delivery.DurableState[A]
	out.ConfirmedSeqNrByQualifier = map[string]uint64{}

	row := s.db.QueryRowContext(ctx, `SELECT current_seq_nr, highest_confirmed_seq_nr FROM durable_state WHERE id = 1`)
	if err := row.Scan(&out.CurrentSeqNr, &out.HighestConfirmedSeqNr); err != nil {
		return delivery.DurableState[A]{}, fmt.Errorf("durablequeue: load state row: %w", err)
	}

	qrows, err := s.db.QueryContext(ctx, `SELECT qualifier, confirmed_seq_nr FROM confirmed_by_qualifier`)
	if err != nil {
		return delivery.DurableState[A]{}, fmt.Errorf("durablequeue: load confirmed_by_qualifier: %w", err)
	}
	defer qrows.Close()
	for qrows.Next() {
		var qualifier string
		var seqNr uint64
		if err := qrows.Scan(&qualifier, &seqNr); err != nil {
			return delivery.DurableState[A]{}, fmt.Errorf("durablequeue: scan confirmed_by_qualifier: %w", err)
		}
		out.ConfirmedSeqNrByQualifier[qualifier] = seqNr
	}
	if err := qrows.Err(); err != nil {
		return delivery.DurableState[A]{}, fmt.Errorf("durablequeue: iterate confirmed_by_qualifier: %w", err)
	}

	urows, err := s.db.QueryContext(ctx, `SELECT seq_nr, ack, qualifier, payload FROM unconfirmed ORDER BY seq_nr ASC`)
	if err != nil {
		return delivery.DurableState[A]{}, fmt.Errorf("durablequeue: load unconfirmed: %w", err)
	}
	defer urows.Close()
	for urows.Next() {
		var seqNr uint64
		var ack bool
		var qualifier string
		var payload []byte
		if err := urows.Scan(&seqNr, &ack, &qualifier, &payload); err != nil {
			return delivery.DurableState[A]{}, fmt.Errorf("durablequeue: scan unconfirmed: %w", err)
		}
		msg, err := s.codec.Decode(payload)
		if err != nil {
			return delivery.DurableState[A]{}, fmt.Errorf("durablequeue: decode unconfirmed payload (seq %d): %w", seqNr, err)
		}
		out.Unconfirmed = append(out.Unconfirmed, delivery.MessageSent[A]{
			SeqNr:     seqNr,
			Msg:       msg,
			Ack:       ack,
			Qualifier: qualifier,
		})
	}
	if err := urows.Err(); err != nil {
		return delivery.DurableState[A]{}, fmt.Errorf("durablequeue: iterate unconfirmed: %w", err)
	}

	return out, nil
}

func (s *SQLite[A]) StoreMessageSent(ctx context.Context, sent delivery.MessageSent[A]) error {
	payload, err := s.codec.Encode(sent.Msg)
	if err != nil {
		return fmt.Errorf("durablequeue: encode payload (seq %d): %w", sent.SeqNr, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("durablequeue: begin store tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO unconfirmed (seq_nr, ack, qualifier, payload) VALUES (?, ?, ?, ?)`,
		sent.SeqNr, sent.Ack, sent.Qualifier, payload,
	); err != nil {
		return fmt.Errorf("durablequeue: insert unconfirmed (seq %d): %w", sent.SeqNr, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE durable_state SET current_seq_nr = MAX(current_seq_nr, ?) WHERE id = 1`,
		sent.SeqNr+1,
	); err != nil {
		return fmt.Errorf("durablequeue: update current_seq_nr: %w", err)
	}

	return tx.Commit()
}

func (s *SQLite[A]) StoreMessageConfirmed(ctx context.Context, confirmed delivery.Confirmed) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("durablequeue: begin confirm tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO confirmed_by_qualifier (qualifier, confirmed_seq_nr) VALUES (?, ?)
		 ON CONFLICT(qualifier) DO UPDATE SET confirmed_seq_nr = MAX(confirmed_seq_nr, excluded.confirmed_seq_nr)`,
		confirmed.Qualifier, confirmed.SeqNr,
	); err != nil {
		return fmt.Errorf("durablequeue: upsert confirmed_by_qualifier: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE durable_state SET highest_confirmed_seq_nr = MAX(highest_confirmed_seq_nr, ?) WHERE id = 1`,
		confirmed.SeqNr,
	); err != nil {
		return fmt.Errorf("durablequeue: update highest_confirmed_seq_nr: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM unconfirmed WHERE qualifier = ? AND seq_nr <= ?`,
		confirmed.Qualifier, confirmed.SeqNr,
	); err != nil {
		return fmt.Errorf("durablequeue: delete confirmed unconfirmed rows: %w", err)
	}

	return tx.Commit()
}

func (s *SQLite[A]) Close() error {
	return s.db.Close()
}
