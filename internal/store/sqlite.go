package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/ledgerline/remitscan/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// Single connection so the pragmas above apply to every statement
	// and concurrent writers queue instead of hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS items (
	id                TEXT PRIMARY KEY,
	source_message_id TEXT NOT NULL DEFAULT '',
	file_name         TEXT NOT NULL,
	file_path         TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'downloaded',
	downloaded_at     DATETIME NOT NULL,
	recognized_at     DATETIME
);

CREATE TABLE IF NOT EXISTS recognitions (
	item_id    TEXT PRIMARY KEY REFERENCES items(id),
	trans_time TEXT NOT NULL DEFAULT '',
	payer      TEXT NOT NULL DEFAULT '',
	payee      TEXT NOT NULL DEFAULT '',
	amount     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS day_counters (
	day  TEXT NOT NULL,
	kind TEXT NOT NULL,
	seq  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (day, kind)
);

CREATE INDEX IF NOT EXISTS idx_items_status ON items(status);
CREATE INDEX IF NOT EXISTS idx_items_source ON items(source_message_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateItem(ctx context.Context, item model.Item) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items (id, source_message_id, file_name, file_path, status, downloaded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.SourceMessageID, item.FileName, item.FilePath,
		string(item.Status), item.DownloadedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return eris.Wrapf(ErrDuplicateIdentifier, "sqlite: insert item %s", item.ID)
		}
		return eris.Wrapf(err, "sqlite: insert item %s", item.ID)
	}
	return nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*model.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_message_id, file_name, file_path, status, downloaded_at, recognized_at
		 FROM items WHERE id = ?`,
		id,
	)
	return scanItem(row)
}

// MarkRecognized transitions an item to recognized and upserts its result
// in one transaction. Re-running it for an already-recognized item returns
// ErrAlreadyRecognized and leaves the stored result untouched.
func (s *SQLiteStore) MarkRecognized(ctx context.Context, itemID string, fields model.Fields) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE items SET status = ?, recognized_at = ? WHERE id = ? AND status != ?`,
		string(model.ItemStatusRecognized), time.Now().UTC(), itemID, string(model.ItemStatusRecognized),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark recognized %s", itemID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		// Resolve not-found vs already-recognized on the tx connection;
		// the pool is capped at one connection so s.GetItem would block
		// behind this open transaction.
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM items WHERE id = ?`, itemID).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: mark recognized %s", itemID)
		}
		return eris.Wrapf(ErrAlreadyRecognized, "item %s", itemID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO recognitions (item_id, trans_time, payer, payee, amount)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET
		   trans_time = excluded.trans_time,
		   payer      = excluded.payer,
		   payee      = excluded.payee,
		   amount     = excluded.amount`,
		itemID, fields.TransactionTime, fields.PayerName, fields.PayeeName, fields.Amount,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert recognition %s", itemID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// MarkFailed moves an item to failed. Recognized items are never demoted,
// and the saved file stays on disk for a later retry.
func (s *SQLiteStore) MarkFailed(ctx context.Context, itemID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET status = ? WHERE id = ? AND status != ?`,
		string(model.ItemStatusFailed), itemID, string(model.ItemStatusRecognized),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark failed %s", itemID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		if _, getErr := s.GetItem(ctx, itemID); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (s *SQLiteStore) FetchBatch(ctx context.Context, ids []string) ([]model.Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT i.id, i.source_message_id, i.file_name, i.file_path, i.status,
		        i.downloaded_at, i.recognized_at,
		        r.item_id, r.trans_time, r.payer, r.payee, r.amount
		 FROM items i
		 LEFT JOIN recognitions r ON i.id = r.item_id
		 WHERE i.id IN (`+placeholders+`)
		 ORDER BY i.id ASC`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: fetch batch")
	}
	defer rows.Close()

	var out []model.Row
	for rows.Next() {
		var row model.Row
		var recognizedAt sql.NullTime
		var resultID, transTime, payer, payee, amount sql.NullString

		err := rows.Scan(
			&row.Item.ID, &row.Item.SourceMessageID, &row.Item.FileName,
			&row.Item.FilePath, &row.Item.Status, &row.Item.DownloadedAt, &recognizedAt,
			&resultID, &transTime, &payer, &payee, &amount,
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch row")
		}
		if recognizedAt.Valid {
			t := recognizedAt.Time
			row.Item.RecognizedAt = &t
		}
		if resultID.Valid {
			row.HasResult = true
			row.Fields = model.Fields{
				TransactionTime: transTime.String,
				PayerName:       payer.String,
				PayeeName:       payee.String,
				Amount:          amount.String,
			}
		}
		out = append(out, row)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: fetch batch iterate")
}

// NextSeq atomically increments and returns the per-day counter. The
// conditional upsert with RETURNING makes the increment-and-read a single
// statement, so concurrent callers always see distinct values.
func (s *SQLiteStore) NextSeq(ctx context.Context, day, kind string) (int, error) {
	var seq int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO day_counters (day, kind, seq) VALUES (?, ?, 1)
		 ON CONFLICT(day, kind) DO UPDATE SET seq = seq + 1
		 RETURNING seq`,
		day, kind,
	).Scan(&seq)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: next seq %s/%s", day, kind)
	}
	return seq, nil
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanItem(row scannable) (*model.Item, error) {
	var it model.Item
	var recognizedAt sql.NullTime

	err := row.Scan(&it.ID, &it.SourceMessageID, &it.FileName, &it.FilePath,
		&it.Status, &it.DownloadedAt, &recognizedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan item")
	}
	if recognizedAt.Valid {
		t := recognizedAt.Time
		it.RecognizedAt = &t
	}
	return &it, nil
}
