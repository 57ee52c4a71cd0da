package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/learnhub/lessonguard/internal/model"
)

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func New(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	const q = `
create table if not exists activity_log (
  id text primary key,
  user_id text not null,
  lesson_id text not null default '',
  kind text not null,
  detail text not null default '',
  user_agent text not null default '',
  created_at timestamptz not null default now()
);
create index if not exists activity_log_user_created_idx on activity_log (user_id, created_at desc)`
	_, err := s.db.Exec(ctx, q)
	return err
}

// RecordActivity inserts e and trims the user's log to the newest keep entries in the
// same transaction.
func (s *Store) RecordActivity(ctx context.Context, e model.ActivityEntry, keep int) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const insert = `
insert into activity_log (id, user_id, lesson_id, kind, detail, user_agent, created_at)
values ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := tx.Exec(ctx, insert, e.ID, e.UserID, e.LessonID, string(e.Kind), e.Detail, e.UserAgent, e.CreatedAt); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}

	const trim = `
delete from activity_log
where user_id = $1
  and id not in (
    select id from activity_log
    where user_id = $1
    order by created_at desc, id desc
    limit $2
  )`
	if _, err := tx.Exec(ctx, trim, e.UserID, keep); err != nil {
		return fmt.Errorf("trim activity: %w", err)
	}
	return tx.Commit(ctx)
}

// ListActivity returns the user's entries newest first.
func (s *Store) ListActivity(ctx context.Context, userID string, limit int) ([]model.ActivityEntry, error) {
	const q = `
select id, user_id, lesson_id, kind, detail, user_agent, created_at
from activity_log
where user_id = $1
order by created_at desc, id desc
limit $2`
	rows, err := s.db.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.ActivityEntry, 0, limit)
	for rows.Next() {
		var e model.ActivityEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.UserID, &e.LessonID, &kind, &e.Detail, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = model.ViolationKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) PruneActivity(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from activity_log where created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
