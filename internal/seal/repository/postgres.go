package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmerrifield20/sealkeeper/internal/blockchain"
	"github.com/jmerrifield20/sealkeeper/internal/seal/model"
)

const selectColumns = `
	link, role, permalink, prev_link, base_curve, base_pub, address, prev_address,
	key_fingerprint, tx_id, confirmations, unsealed, unwatched,
	date_created, date_sealed, date_updated`

const updateQuery = `
	UPDATE seals SET
		tx_id         = $3,
		confirmations = GREATEST(confirmations, $4),
		unsealed      = $5,
		unwatched     = $6,
		date_created  = $7,
		date_sealed   = $8,
		date_updated  = $9
	WHERE link = $1 AND role = $2`

// PostgresStore persists seal records in the seals table.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Insert stores a new record; an existing (link, role) yields ErrConflict.
func (s *PostgresStore) Insert(ctx context.Context, r *model.Record) error {
	r.DateUpdated = time.Now().UTC()
	query := `
		INSERT INTO seals (
			link, role, permalink, prev_link, base_curve, base_pub, address, prev_address,
			key_fingerprint, tx_id, confirmations, unsealed, unwatched,
			date_created, date_sealed, date_updated
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15, $16
		)
		ON CONFLICT (link, role) DO NOTHING`

	tag, err := s.db.Exec(ctx, query,
		r.Link, r.Role, r.Permalink, r.PrevLink, r.BasePubKey.Curve, r.BasePubKey.Pub,
		r.Address, r.PrevAddress, r.KeyFingerprint, r.TxID, r.Confirmations,
		r.Unsealed, r.Unwatched, r.DateCreated, r.DateSealed, r.DateUpdated,
	)
	if err != nil {
		return fmt.Errorf("insert seal %s/%s: %w", r.Link, r.Role, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// Get returns the record for (link, role).
func (s *PostgresStore) Get(ctx context.Context, link string, role model.Role) (*model.Record, error) {
	rows, err := s.db.Query(ctx, `SELECT `+selectColumns+` FROM seals WHERE link = $1 AND role = $2`, link, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scan(rows)
}

// ListByPermalink returns every record sharing permalink.
func (s *PostgresStore) ListByPermalink(ctx context.Context, permalink string) ([]*model.Record, error) {
	return s.list(ctx, `WHERE permalink = $1 AND permalink <> ''`, permalink)
}

// ListUnsealed returns WRITE records awaiting broadcast.
func (s *PostgresStore) ListUnsealed(ctx context.Context) ([]*model.Record, error) {
	return s.list(ctx, `WHERE role = 'WRITE' AND unsealed`)
}

// ListUnconfirmed returns broadcast WRITE records and active READ records
// below threshold.
func (s *PostgresStore) ListUnconfirmed(ctx context.Context, threshold int64) ([]*model.Record, error) {
	return s.list(ctx, `
		WHERE confirmations < $1
		  AND ((role = 'WRITE' AND NOT unsealed) OR (role = 'READ' AND NOT unwatched))`, threshold)
}

// ListFailedWrites returns unsealed WRITE records created before before.
func (s *PostgresStore) ListFailedWrites(ctx context.Context, before time.Time) ([]*model.Record, error) {
	return s.list(ctx, `WHERE role = 'WRITE' AND unsealed AND date_created < $1`, before)
}

// ListFailedReads returns active READ records with no confirmations created
// before before.
func (s *PostgresStore) ListFailedReads(ctx context.Context, before time.Time) ([]*model.Record, error) {
	return s.list(ctx, `
		WHERE role = 'READ' AND NOT unwatched AND confirmations = 0 AND date_created < $1`, before)
}

// ListLongUnconfirmed returns records of either role created before before
// and still below threshold.
func (s *PostgresStore) ListLongUnconfirmed(ctx context.Context, before time.Time, threshold int64) ([]*model.Record, error) {
	return s.list(ctx, `WHERE date_created < $1 AND confirmations < $2`, before, threshold)
}

// Update writes the mutable fields of an existing record.
func (s *PostgresStore) Update(ctx context.Context, r *model.Record) error {
	r.DateUpdated = time.Now().UTC()
	tag, err := s.db.Exec(ctx, updateQuery, updateArgs(r)...)
	if err != nil {
		return fmt.Errorf("update seal %s/%s: %w", r.Link, r.Role, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailedReads flags READ records unwatched in one round trip. Each
// statement re-checks that the record is still a failed read as listed, so
// a concurrent sync or re-watch wins. It returns the number marked.
func (s *PostgresStore) MarkFailedReads(ctx context.Context, records []*model.Record) (int, error) {
	const query = `
		UPDATE seals SET unwatched = TRUE, date_updated = $3
		WHERE link = $1 AND role = 'READ'
		  AND NOT unwatched AND confirmations = 0 AND tx_id = '' AND date_created = $2`
	now := time.Now().UTC()
	return s.batch(ctx, records, func(b *pgx.Batch, r *model.Record) {
		b.Queue(query, r.Link, r.DateCreated, now)
	})
}

// RequeueFailedWrites clears the transaction id of WRITE records that are
// still unsealed, in one round trip. Records sealed since they were listed
// are left alone. It returns the number re-queued.
func (s *PostgresStore) RequeueFailedWrites(ctx context.Context, records []*model.Record) (int, error) {
	const query = `
		UPDATE seals SET tx_id = '', date_updated = $2
		WHERE link = $1 AND role = 'WRITE' AND unsealed`
	now := time.Now().UTC()
	return s.batch(ctx, records, func(b *pgx.Batch, r *model.Record) {
		b.Queue(query, r.Link, now)
	})
}

// batch sends one queued statement per record and sums the rows changed.
// Each statement commits on its own; the first failure is returned after
// the batch drains.
func (s *PostgresStore) batch(ctx context.Context, records []*model.Record, queue func(*pgx.Batch, *model.Record)) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	b := &pgx.Batch{}
	for _, r := range records {
		queue(b, r)
	}

	br := s.db.SendBatch(ctx, b)
	var firstErr error
	n := 0
	for _, r := range records {
		tag, err := br.Exec()
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("update seal %s/%s: %w", r.Link, r.Role, err)
			}
			continue
		}
		n += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return n, firstErr
}

func updateArgs(r *model.Record) []any {
	return []any{
		r.Link, r.Role, r.TxID, r.Confirmations, r.Unsealed, r.Unwatched,
		r.DateCreated, r.DateSealed, r.DateUpdated,
	}
}

func (s *PostgresStore) list(ctx context.Context, where string, args ...any) ([]*model.Record, error) {
	rows, err := s.db.Query(ctx, `SELECT `+selectColumns+` FROM seals `+where+` ORDER BY date_created, link`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Record
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// scan reads one record; column order matches selectColumns.
func scan(rows pgx.Rows) (*model.Record, error) {
	var r model.Record
	var pub blockchain.PubKey
	err := rows.Scan(
		&r.Link, &r.Role, &r.Permalink, &r.PrevLink, &pub.Curve, &pub.Pub,
		&r.Address, &r.PrevAddress, &r.KeyFingerprint, &r.TxID, &r.Confirmations,
		&r.Unsealed, &r.Unwatched, &r.DateCreated, &r.DateSealed, &r.DateUpdated,
	)
	if err != nil {
		return nil, err
	}
	r.BasePubKey = pub
	return &r, nil
}
