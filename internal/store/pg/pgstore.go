package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"backfeed.org/internal/reserve"
)

// insertChunk caps rows per multi-row insert and ids per "in" list.
const insertChunk = 500

// Store keeps identifier records in the id_reserve table. Each method is a
// single statement, so the row-level locking of an update gives
// CompareAndSet its atomicity.
type Store struct {
	db *sql.DB
}

var _ reserve.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle; the caller keeps ownership of db.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) InsertMany(ctx context.Context, records []reserve.Record) (int, error) {
	total := 0
	for start := 0; start < len(records); start += insertChunk {
		chunk := records[start:min(start+insertChunk, len(records))]

		var q strings.Builder
		q.WriteString(`insert into id_reserve(id, status, reserved_at) values `)
		args := make([]any, 0, len(chunk)*3)
		for i, r := range chunk {
			if i > 0 {
				q.WriteString(",")
			}
			fmt.Fprintf(&q, "($%d,$%d,$%d)", i*3+1, i*3+2, i*3+3)
			args = append(args, r.ID, string(r.Status), reservedAt(r.Status, r.ReservedAt))
		}
		q.WriteString(` on conflict (id) do nothing`)

		res, err := s.db.ExecContext(ctx, q.String(), args...)
		if err != nil {
			return total, fmt.Errorf("insert id_reserve: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
	}
	return total, nil
}

func (s *Store) CompareAndSet(ctx context.Context, id string, expected reserve.Status, next reserve.Update) (bool, error) {
	var at *time.Time
	if next.Status == reserve.StatusReserved {
		at = &next.ReservedAt
	}
	res, err := s.db.ExecContext(ctx, `
		update id_reserve set status=$3, reserved_at=$4
		where id=$1 and status=$2
	`, id, string(expected), string(next.Status), reservedAt(next.Status, at))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Count(ctx context.Context, status reserve.Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from id_reserve where status=$1`, string(status)).Scan(&n)
	return n, err
}

func (s *Store) Find(ctx context.Context, status reserve.Status, limit int) ([]reserve.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, status, reserved_at from id_reserve
		where status=$1
		limit $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []reserve.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (reserve.Record, error) {
	row := s.db.QueryRowContext(ctx, `select id, status, reserved_at from id_reserve where id=$1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reserve.Record{}, reserve.ErrNotFound
	}
	return rec, err
}

func (s *Store) Existing(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for start := 0; start < len(ids); start += insertChunk {
		chunk := ids[start:min(start+insertChunk, len(ids))]
		args := make([]any, len(chunk))
		holders := make([]string, len(chunk))
		for i, id := range chunk {
			args[i] = id
			holders[i] = fmt.Sprintf("$%d", i+1)
		}
		rows, err := s.db.QueryContext(ctx,
			`select id from id_reserve where id in (`+strings.Join(holders, ",")+`)`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) ReleaseExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update id_reserve set status='available', reserved_at=null
		where status='reserved' and reserved_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (reserve.Record, error) {
	var (
		rec    reserve.Record
		status string
		at     sql.NullTime
	)
	if err := sc.Scan(&rec.ID, &status, &at); err != nil {
		return reserve.Record{}, err
	}
	st, err := reserve.ParseStatus(status)
	if err != nil {
		return reserve.Record{}, fmt.Errorf("id_reserve %s: %w", rec.ID, err)
	}
	rec.Status = st
	if at.Valid {
		t := at.Time.UTC()
		rec.ReservedAt = &t
	}
	return rec, nil
}

// reservedAt is the reserved_at column value: a timestamp only for reserved rows.
func reservedAt(status reserve.Status, at *time.Time) sql.NullTime {
	if status != reserve.StatusReserved || at == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: at.UTC(), Valid: true}
}
