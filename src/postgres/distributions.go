package postgres

import (
	"context"
	"time"

	"github.com/grantmatch/qf-engine/src/model"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Store) GetDistribution(ctx context.Context, roundID, projectID string) (model.DistributionRecord, error) {
	record := model.DistributionRecord{
		RoundID:   roundID,
		ProjectID: projectID,
		Status:    model.DistributionStatusNone,
	}
	err := DoQuery(ctx, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx,
			`SELECT status, match_amount, committed_at, tx_ref
			 FROM distributions WHERE round_id = $1 AND project_id = $2`, roundID, projectID)
		status := ""
		if err := row.Scan(&status, &record.MatchAmount, &record.CommittedAt, &record.TxRef); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return errors.Wrapf(err, "failed reading distribution %s/%s", roundID, projectID)
		}
		record.Status = model.DistributionStatus(status)
		return nil
	})
	return record, err
}

func (s *Store) ComputedDistributions(ctx context.Context, limit int) ([]model.DistributionRecord, error) {
	var parked []model.DistributionRecord
	return parked, DoQuery(ctx, func(conn *pgx.Conn) error {
		cur, err := conn.Query(ctx,
			`SELECT round_id, project_id, match_amount FROM distributions
			 WHERE status = 'computed'
			 ORDER BY round_id, project_id LIMIT $1`, limit)
		if err != nil {
			return errors.Wrap(err, "failed to fetch computed distributions from database")
		}
		defer cur.Close()

		for cur.Next() {
			rec := model.DistributionRecord{Status: model.DistributionStatusComputed}
			if err := cur.Scan(&rec.RoundID, &rec.ProjectID, &rec.MatchAmount); err != nil {
				return errors.Wrap(err, "failed unmarshalling distribution row")
			}
			parked = append(parked, rec)
		}
		return cur.Err()
	})
}

func (s *Store) PutComputed(ctx context.Context, roundID, projectID string, match uint64) error {
	return DoQuery(ctx, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx,
			`INSERT into distributions(round_id, project_id, status, match_amount)
					VALUES ($1, $2, 'computed', $3)
				ON CONFLICT (round_id, project_id)
					DO UPDATE SET status = 'computed', match_amount = EXCLUDED.match_amount
					WHERE distributions.status != 'committed'`,
			roundID, projectID, match)
		if err != nil {
			return errors.Wrapf(err, "failed persisting computed match %s/%s", roundID, projectID)
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(model.ErrAlreadyDistributed, "distribution %s/%s", roundID, projectID)
		}
		return nil
	})
}

// CommitDistribution is the single atomic transaction of the state machine:
// re-check the record under lock, reserve the match from the round pool
// (the UPDATE predicate enforces allocated + match <= total, so concurrent
// projects racing for one pool serialize on the row), flip to committed, and
// stage the payout. A crash at any point rolls the whole step back; the
// partial state the coordinator's Recover handles is unreachable here by
// construction.
func (s *Store) CommitDistribution(ctx context.Context, roundID, projectID string, match uint64, payout model.PayoutRequest) error {
	return DoTx(ctx, func(tx pgx.Tx) error {
		status := ""
		row := tx.QueryRow(ctx,
			`SELECT status FROM distributions WHERE round_id = $1 AND project_id = $2 FOR UPDATE`,
			roundID, projectID)
		if err := row.Scan(&status); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(err, "failed locking distribution %s/%s", roundID, projectID)
		}
		if status == string(model.DistributionStatusCommitted) {
			return errors.Wrapf(model.ErrAlreadyDistributed, "distribution %s/%s", roundID, projectID)
		}

		if match > 0 {
			tag, err := tx.Exec(ctx,
				`UPDATE rounds SET allocated = allocated + $1
					WHERE round_id = $2 AND allocated + $1 <= total`, match, roundID)
			if err != nil {
				return errors.Wrapf(err, "failed reserving %d from pool %s", match, roundID)
			}
			if tag.RowsAffected() == 0 {
				return errors.Wrapf(model.ErrInsufficientPoolBalance,
					"round %s cannot cover match %d", roundID, match)
			}
		}

		_, err := tx.Exec(ctx,
			`INSERT into distributions(round_id, project_id, status, match_amount, committed_at)
					VALUES ($1, $2, 'committed', $3, $4)
				ON CONFLICT (round_id, project_id)
					DO UPDATE SET status = 'committed', match_amount = EXCLUDED.match_amount,
						committed_at = EXCLUDED.committed_at`,
			roundID, projectID, match, time.Now().UTC())
		if err != nil {
			return errors.Wrapf(err, "failed committing distribution %s/%s", roundID, projectID)
		}

		if match > 0 {
			_, err = tx.Exec(ctx,
				`INSERT into payout_outbox(id, round_id, project_id, amount, created_at)
						VALUES ($1, $2, $3, $4, $5)`,
				payout.ID, payout.RoundID, payout.ProjectID, payout.Amount, payout.CreatedAt)
			if err != nil {
				return errors.Wrapf(err, "failed staging payout for %s/%s", roundID, projectID)
			}
		}
		return nil
	})
}

func (s *Store) SetPayoutConfirmed(ctx context.Context, roundID, projectID, txRef string) error {
	return DoQuery(ctx, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx,
			`UPDATE distributions SET tx_ref = $1
				WHERE round_id = $2 AND project_id = $3 AND status = 'committed'`,
			txRef, roundID, projectID)
		if err != nil {
			return errors.Wrapf(err, "failed recording payout confirmation %s/%s", roundID, projectID)
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(model.ErrUnknownProject,
				"no committed distribution for %s/%s", roundID, projectID)
		}
		return nil
	})
}

// ReconcileAllocations restores allocated == sum of committed matches per
// round. With commits running through CommitDistribution this is a no-op;
// it exists so recovery after operator surgery or a restored backup can
// re-establish the invariant.
func (s *Store) ReconcileAllocations(ctx context.Context) error {
	return DoExec(ctx, `
		UPDATE rounds r SET allocated = COALESCE(
			(SELECT SUM(d.match_amount) FROM distributions d
				WHERE d.round_id = r.round_id AND d.status = 'committed'), 0)`)
}
