package postgres

import (
	"context"

	"github.com/grantmatch/qf-engine/src/model"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Store) PendingPayouts(ctx context.Context, limit int) ([]model.PayoutRequest, error) {
	var pending []model.PayoutRequest
	return pending, DoQuery(ctx, func(conn *pgx.Conn) error {
		cur, err := conn.Query(ctx,
			`SELECT id, round_id, project_id, amount, created_at
			 FROM payout_outbox WHERE NOT sent
			 ORDER BY created_at LIMIT $1`, limit)
		if err != nil {
			return errors.Wrap(err, "failed to fetch pending payouts from database")
		}
		defer cur.Close()

		for cur.Next() {
			var p model.PayoutRequest
			if err := cur.Scan(&p.ID, &p.RoundID, &p.ProjectID, &p.Amount, &p.CreatedAt); err != nil {
				return errors.Wrap(err, "failed unmarshalling payout row")
			}
			pending = append(pending, p)
		}
		return cur.Err()
	})
}

func (s *Store) MarkPayoutSent(ctx context.Context, id string) error {
	return DoQuery(ctx, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx,
			`UPDATE payout_outbox SET sent = TRUE WHERE id = $1`, id)
		if err != nil {
			return errors.Wrapf(err, "failed marking payout %s sent", id)
		}
		if tag.RowsAffected() == 0 {
			return errors.Errorf("no outbox entry %s", id)
		}
		return nil
	})
}
