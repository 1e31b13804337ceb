package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/ledgerline/remitscan/internal/db"
	"github.com/ledgerline/remitscan/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS items (
	id                TEXT PRIMARY KEY,
	source_message_id TEXT NOT NULL DEFAULT '',
	file_name         TEXT NOT NULL,
	file_path         TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'downloaded',
	downloaded_at     TIMESTAMPTZ NOT NULL,
	recognized_at     TIMESTAMPTZ
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

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateItem(ctx context.Context, item model.Item) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO items (id, source_message_id, file_name, file_path, status, downloaded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		item.ID, item.SourceMessageID, item.FileName, item.FilePath,
		string(item.Status), item.DownloadedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return eris.Wrapf(ErrDuplicateIdentifier, "postgres: insert item %s", item.ID)
		}
		return eris.Wrapf(err, "postgres: insert item %s", item.ID)
	}
	return nil
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (*model.Item, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, source_message_id, file_name, file_path, status, downloaded_at, recognized_at
		 FROM items WHERE id = $1`,
		id,
	)

	var it model.Item
	err := row.Scan(&it.ID, &it.SourceMessageID, &it.FileName, &it.FilePath,
		&it.Status, &it.DownloadedAt, &it.RecognizedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan item")
	}
	return &it, nil
}

func (s *PostgresStore) MarkRecognized(ctx context.Context, itemID string, fields model.Fields) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE items SET status = $1, recognized_at = $2 WHERE id = $3 AND status != $1`,
		string(model.ItemStatusRecognized), time.Now().UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark recognized %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		// Resolve not-found vs already-recognized on the tx connection so
		// a single-connection pool cannot deadlock behind the open tx.
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM items WHERE id = $1`, itemID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: mark recognized %s", itemID)
		}
		return eris.Wrapf(ErrAlreadyRecognized, "item %s", itemID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO recognitions (item_id, trans_time, payer, payee, amount)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (item_id) DO UPDATE SET
		   trans_time = EXCLUDED.trans_time,
		   payer      = EXCLUDED.payer,
		   payee      = EXCLUDED.payee,
		   amount     = EXCLUDED.amount`,
		itemID, fields.TransactionTime, fields.PayerName, fields.PayeeName, fields.Amount,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert recognition %s", itemID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

func (s *PostgresStore) MarkFailed(ctx context.Context, itemID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET status = $1 WHERE id = $2 AND status != $3`,
		string(model.ItemStatusFailed), itemID, string(model.ItemStatusRecognized),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark failed %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetItem(ctx, itemID); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (s *PostgresStore) FetchBatch(ctx context.Context, ids []string) ([]model.Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT i.id, i.source_message_id, i.file_name, i.file_path, i.status,
		        i.downloaded_at, i.recognized_at,
		        r.item_id, r.trans_time, r.payer, r.payee, r.amount
		 FROM items i
		 LEFT JOIN recognitions r ON i.id = r.item_id
		 WHERE i.id = ANY($1)
		 ORDER BY i.id ASC`,
		ids,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: fetch batch")
	}
	defer rows.Close()

	var out []model.Row
	for rows.Next() {
		var row model.Row
		var resultID, transTime, payer, payee, amount *string

		err := rows.Scan(
			&row.Item.ID, &row.Item.SourceMessageID, &row.Item.FileName,
			&row.Item.FilePath, &row.Item.Status, &row.Item.DownloadedAt, &row.Item.RecognizedAt,
			&resultID, &transTime, &payer, &payee, &amount,
		)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch row")
		}
		if resultID != nil {
			row.HasResult = true
			row.Fields = model.Fields{
				TransactionTime: deref(transTime),
				PayerName:       deref(payer),
				PayeeName:       deref(payee),
				Amount:          deref(amount),
			}
		}
		out = append(out, row)
	}
	return out, eris.Wrap(rows.Err(), "postgres: fetch batch iterate")
}

func (s *PostgresStore) NextSeq(ctx context.Context, day, kind string) (int, error) {
	var seq int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO day_counters (day, kind, seq) VALUES ($1, $2, 1)
		 ON CONFLICT (day, kind) DO UPDATE SET seq = day_counters.seq + 1
		 RETURNING seq`,
		day, kind,
	).Scan(&seq)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: next seq %s/%s", day, kind)
	}
	return seq, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
