package postgres

import (
	"context"

	"github.com/grantmatch/qf-engine/src/model"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Store) RegisterRound(ctx context.Context, roundID string) error {
	return DoQuery(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx,
			`INSERT into rounds(round_id) VALUES ($1) ON CONFLICT DO NOTHING`, roundID)
		return errors.Wrapf(err, "failed registering round %s", roundID)
	})
}

func (s *Store) RegisterProject(ctx context.Context, roundID, projectID string) error {
	return DoQuery(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx,
			`INSERT into projects(round_id, project_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			roundID, projectID)
		return errors.Wrapf(err, "failed registering project %s/%s", roundID, projectID)
	})
}

func (s *Store) RoundExists(ctx context.Context, roundID string) (bool, error) {
	exists := false
	return exists, DoQuery(ctx, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM rounds WHERE round_id = $1)`, roundID)
		return row.Scan(&exists)
	})
}

func (s *Store) ProjectExists(ctx context.Context, roundID, projectID string) (bool, error) {
	exists := false
	return exists, DoQuery(ctx, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM projects WHERE round_id = $1 AND project_id = $2)`,
			roundID, projectID)
		return row.Scan(&exists)
	})
}

// ApplyContribution credits the weighted amount to the donor's cumulative
// total. The applied-marker insert and the credit share one transaction, so
// a replayed event either does both or (when the marker exists) neither.
func (s *Store) ApplyContribution(ctx context.Context, ev model.Event, weighted uint64) (bool, error) {
	applied := false
	return applied, DoTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT into applied_events(source_id) VALUES ($1) ON CONFLICT DO NOTHING`, ev.SourceID)
		if err != nil {
			return errors.Wrapf(err, "failed marking event %s applied", ev.SourceID)
		}
		if tag.RowsAffected() == 0 {
			return nil // already applied
		}
		_, err = tx.Exec(ctx,
			`INSERT into contributions(round_id, project_id, donor, amount)
					VALUES ($1, $2, $3, $4)
				ON CONFLICT (round_id, project_id, donor)
					DO UPDATE SET amount = contributions.amount + EXCLUDED.amount`,
			ev.RoundID, ev.ProjectID, string(ev.Account), weighted)
		if err != nil {
			return errors.Wrapf(err, "failed crediting contribution %s", ev.SourceID)
		}
		applied = true
		return nil
	})
}

func (s *Store) ApplyPoolFunding(ctx context.Context, ev model.Event) (bool, error) {
	applied := false
	return applied, DoTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT into applied_events(source_id) VALUES ($1) ON CONFLICT DO NOTHING`, ev.SourceID)
		if err != nil {
			return errors.Wrapf(err, "failed marking event %s applied", ev.SourceID)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		tag, err = tx.Exec(ctx,
			`UPDATE rounds SET total = total + $1 WHERE round_id = $2`, ev.Amount, ev.RoundID)
		if err != nil {
			return errors.Wrapf(err, "failed crediting pool funding %s", ev.SourceID)
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(model.ErrUnknownRound, "round %s", ev.RoundID)
		}
		applied = true
		return nil
	})
}

// Snapshot fails with ErrUnknownProject for a project that was never
// registered; an empty result for a registered project is a valid empty map.
// Without the distinction a distribution request for a bogus project would
// commit a terminal zero-match record.
func (s *Store) Snapshot(ctx context.Context, roundID, projectID string) (model.ContributionMap, error) {
	var snapshot model.ContributionMap
	return snapshot, DoQuery(ctx, func(conn *pgx.Conn) error {
		exists := false
		row := conn.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM projects WHERE round_id = $1 AND project_id = $2)`,
			roundID, projectID)
		if err := row.Scan(&exists); err != nil {
			return errors.Wrapf(err, "failed checking project %s/%s", roundID, projectID)
		}
		if !exists {
			return errors.Wrapf(model.ErrUnknownProject, "project %s/%s", roundID, projectID)
		}

		cur, err := conn.Query(ctx,
			`SELECT donor, amount FROM contributions WHERE round_id = $1 AND project_id = $2`,
			roundID, projectID)
		if err != nil {
			return errors.Wrap(err, "failed to fetch contributions from database")
		}
		defer cur.Close()

		snapshot = model.ContributionMap{}
		for cur.Next() {
			donor := ""
			amount := uint64(0)
			if err := cur.Scan(&donor, &amount); err != nil {
				return errors.Wrap(err, "failed unmarshalling contribution row")
			}
			snapshot[model.DonorAddr(donor)] = amount
		}
		return cur.Err()
	})
}

func (s *Store) GetPool(ctx context.Context, roundID string) (model.RoundPool, error) {
	pool := model.RoundPool{RoundID: roundID}
	err := DoQuery(ctx, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx,
			`SELECT total, allocated FROM rounds WHERE round_id = $1`, roundID)
		if err := row.Scan(&pool.TotalFunds, &pool.AllocatedFunds); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errors.Wrapf(model.ErrUnknownRound, "round %s", roundID)
			}
			return errors.Wrapf(err, "failed reading pool for round %s", roundID)
		}
		return nil
	})
	return pool, err
}

// Rounds lists registered round ids, used by the rebuild tool's summary.
func (s *Store) Rounds(ctx context.Context) ([]string, error) {
	var rounds []string
	return rounds, DoQuery(ctx, func(conn *pgx.Conn) error {
		cur, err := conn.Query(ctx, `SELECT round_id FROM rounds ORDER BY round_id`)
		if err != nil {
			return errors.Wrap(err, "failed to fetch rounds from database")
		}
		defer cur.Close()

		for cur.Next() {
			id := ""
			if err := cur.Scan(&id); err != nil {
				return errors.Wrap(err, "failed unmarshalling round row")
			}
			rounds = append(rounds, id)
		}
		return cur.Err()
	})
}

// ResetDerived clears everything rebuildable from the event log while
// keeping the log itself and the round/project registry. Used by the
// rebuild tool before a full replay.
func (s *Store) ResetDerived(ctx context.Context) error {
	return DoTx(ctx, func(tx pgx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM applied_events`,
			`DELETE FROM cursors`,
			`DELETE FROM contributions`,
			`UPDATE rounds SET total = 0, allocated = 0`,
		} {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return errors.Wrapf(err, "failed resetting derived state (%s)", stmt)
			}
		}
		return nil
	})
}
