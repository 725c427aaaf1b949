package postgres

import (
	"context"

	"github.com/grantmatch/qf-engine/src/model"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// Store adapts the package's postgres helpers to the storage interfaces the
// engine components declare. The zero value is usable once
// ConfigurePostgres has been called.
type Store struct{}

func NewStore(connString string) *Store {
	ConfigurePostgres(connString)
	return &Store{}
}

// InsertEvent appends the event unless its source_id exists. The unique
// constraint makes the check-and-insert atomic; concurrent deliveries of the
// same event cannot both apply.
func (s *Store) InsertEvent(ctx context.Context, ev model.Event) (bool, error) {
	applied := false
	return applied, DoQuery(ctx, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx,
			`INSERT into events(source_id, kind, round_id, project_id, account, amount, observed_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT DO NOTHING`,
			ev.SourceID, string(ev.Kind), ev.RoundID, ev.ProjectID, string(ev.Account), ev.Amount, ev.ObservedAt)
		if err != nil {
			return errors.Wrapf(err, "failed to insert event %s", ev.SourceID)
		}
		applied = tag.RowsAffected() > 0
		return nil
	})
}

func (s *Store) ScanEvents(ctx context.Context, fromSeq int64, limit int) ([]model.StoredEvent, error) {
	var fetched []model.StoredEvent
	return fetched, DoQuery(ctx, func(conn *pgx.Conn) error {
		cur, err := conn.Query(ctx,
			`SELECT seq, source_id, kind, round_id, project_id, account, amount, observed_at
			 FROM events WHERE seq > $1
			 ORDER BY seq LIMIT $2`, fromSeq, limit)
		if err != nil {
			return errors.Wrap(err, "failed to fetch events from database")
		}
		defer cur.Close()

		for cur.Next() {
			var ev model.StoredEvent
			var kind, account string
			if err := cur.Scan(&ev.Seq, &ev.SourceID, &kind, &ev.RoundID,
				&ev.ProjectID, &account, &ev.Amount, &ev.ObservedAt); err != nil {
				return errors.Wrap(err, "failed unmarshalling event row")
			}
			ev.Kind = model.EventKind(kind)
			ev.Account = model.DonorAddr(account)
			fetched = append(fetched, ev)
		}
		return cur.Err()
	})
}

func (s *Store) Cursor(ctx context.Context, name string) (int64, error) {
	seq := int64(0)
	err := DoQuery(ctx, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx, `SELECT seq FROM cursors WHERE name = $1`, name)
		if err := row.Scan(&seq); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return errors.Wrapf(err, "failed reading cursor %s", name)
		}
		return nil
	})
	return seq, err
}

func (s *Store) SetCursor(ctx context.Context, name string, seq int64) error {
	return DoQuery(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx,
			`INSERT into cursors(name, seq) VALUES ($1, $2)
				ON CONFLICT (name) DO UPDATE SET seq = EXCLUDED.seq`, name, seq)
		return errors.Wrapf(err, "failed writing cursor %s", name)
	})
}
