// Package memstore is an in-memory implementation of the engine's storage
// contracts. It backs unit tests and `use_mock` deployments; production runs
// use the postgres package, which implements the same interfaces.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/grantmatch/qf-engine/src/model"
	"github.com/pkg/errors"
)

type projectKey struct {
	round   string
	project string
}

type Store struct {
	mu sync.Mutex

	events   []model.StoredEvent
	bySource map[string]struct{}
	applied  map[string]struct{}
	cursors  map[string]int64

	rounds        map[string]*model.RoundPool
	projects      map[projectKey]model.ContributionMap
	distributions map[projectKey]*model.DistributionRecord
	outbox        []*model.PayoutRequest

	// FailAfterReserve simulates a crash between the pool increment and the
	// committed flag inside CommitDistribution. Used by recovery tests only.
	FailAfterReserve bool
}

func NewStore() *Store {
	return &Store{
		bySource:      map[string]struct{}{},
		applied:       map[string]struct{}{},
		cursors:       map[string]int64{},
		rounds:        map[string]*model.RoundPool{},
		projects:      map[projectKey]model.ContributionMap{},
		distributions: map[projectKey]*model.DistributionRecord{},
	}
}

// InsertEvent appends ev to the log unless its source id was seen before.
// The check-and-insert is atomic under the store lock; returns false for a
// redelivery.
func (s *Store) InsertEvent(ctx context.Context, ev model.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.bySource[ev.SourceID]; seen {
		return false, nil
	}
	s.bySource[ev.SourceID] = struct{}{}
	s.events = append(s.events, model.StoredEvent{
		Seq:   int64(len(s.events)) + 1,
		Event: ev,
	})
	return true, nil
}

// ScanEvents returns up to limit events with Seq > fromSeq, in log order.
func (s *Store) ScanEvents(ctx context.Context, fromSeq int64, limit int) ([]model.StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.StoredEvent
	for _, ev := range s.events {
		if ev.Seq <= fromSeq {
			continue
		}
		out = append(out, ev)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Cursor(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[name], nil
}

func (s *Store) SetCursor(ctx context.Context, name string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[name] = seq
	return nil
}

func (s *Store) RegisterRound(ctx context.Context, roundID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rounds[roundID]; !ok {
		s.rounds[roundID] = &model.RoundPool{RoundID: roundID}
	}
	return nil
}

func (s *Store) RegisterProject(ctx context.Context, roundID, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rounds[roundID]; !ok {
		return errors.Wrapf(model.ErrUnknownRound, "round %s", roundID)
	}
	key := projectKey{roundID, projectID}
	if _, ok := s.projects[key]; !ok {
		s.projects[key] = model.ContributionMap{}
	}
	return nil
}

func (s *Store) RoundExists(ctx context.Context, roundID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rounds[roundID]
	return ok, nil
}

func (s *Store) ProjectExists(ctx context.Context, roundID, projectID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.projects[projectKey{roundID, projectID}]
	return ok, nil
}

// ApplyContribution credits the weighted amount to the donor's cumulative
// total. The applied-marker insert and the credit happen under one lock so a
// replayed event can never double-credit; returns false if the event was
// applied before.
func (s *Store) ApplyContribution(ctx context.Context, ev model.Event, weighted uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.applied[ev.SourceID]; done {
		return false, nil
	}
	key := projectKey{ev.RoundID, ev.ProjectID}
	contributions, ok := s.projects[key]
	if !ok {
		return false, errors.Wrapf(model.ErrUnknownProject, "project %s/%s", ev.RoundID, ev.ProjectID)
	}
	s.applied[ev.SourceID] = struct{}{}
	contributions[ev.Account] += weighted
	return true, nil
}

func (s *Store) ApplyPoolFunding(ctx context.Context, ev model.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.applied[ev.SourceID]; done {
		return false, nil
	}
	pool, ok := s.rounds[ev.RoundID]
	if !ok {
		return false, errors.Wrapf(model.ErrUnknownRound, "round %s", ev.RoundID)
	}
	s.applied[ev.SourceID] = struct{}{}
	pool.TotalFunds += ev.Amount
	return true, nil
}

// Snapshot returns a copy; mutations by the caller never leak back into the
// ledger state.
func (s *Store) Snapshot(ctx context.Context, roundID, projectID string) (model.ContributionMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	contributions, ok := s.projects[projectKey{roundID, projectID}]
	if !ok {
		return nil, errors.Wrapf(model.ErrUnknownProject, "project %s/%s", roundID, projectID)
	}
	out := make(model.ContributionMap, len(contributions))
	for donor, amount := range contributions {
		out[donor] = amount
	}
	return out, nil
}

func (s *Store) GetPool(ctx context.Context, roundID string) (model.RoundPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.rounds[roundID]
	if !ok {
		return model.RoundPool{}, errors.Wrapf(model.ErrUnknownRound, "round %s", roundID)
	}
	return *pool, nil
}

func (s *Store) GetDistribution(ctx context.Context, roundID, projectID string) (model.DistributionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.distributions[projectKey{roundID, projectID}]; ok {
		return *rec, nil
	}
	return model.DistributionRecord{
		RoundID:   roundID,
		ProjectID: projectID,
		Status:    model.DistributionStatusNone,
	}, nil
}

// ComputedDistributions lists records parked at computed, sorted for stable
// iteration.
func (s *Store) ComputedDistributions(ctx context.Context, limit int) ([]model.DistributionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DistributionRecord
	for _, rec := range s.distributions {
		if rec.Status == model.DistributionStatusComputed {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoundID != out[j].RoundID {
			return out[i].RoundID < out[j].RoundID
		}
		return out[i].ProjectID < out[j].ProjectID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PutComputed persists an uncommitted match estimate. Overwriting a previous
// computed value is allowed; a committed record is immutable.
func (s *Store) PutComputed(ctx context.Context, roundID, projectID string, match uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := projectKey{roundID, projectID}
	if rec, ok := s.distributions[key]; ok {
		if rec.Status == model.DistributionStatusCommitted {
			return errors.Wrapf(model.ErrAlreadyDistributed, "distribution %s/%s", roundID, projectID)
		}
		rec.MatchAmount = match
		rec.Status = model.DistributionStatusComputed
		return nil
	}
	s.distributions[key] = &model.DistributionRecord{
		RoundID:     roundID,
		ProjectID:   projectID,
		Status:      model.DistributionStatusComputed,
		MatchAmount: match,
	}
	return nil
}

// CommitDistribution performs the atomic step of a distribution: verify the
// record isn't committed, reserve match from the round pool, flip the record
// to committed, and stage the payout request in the outbox. All-or-nothing
// under the store lock, mirroring the single pg transaction in production.
func (s *Store) CommitDistribution(ctx context.Context, roundID, projectID string, match uint64, payout model.PayoutRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := projectKey{roundID, projectID}
	rec, ok := s.distributions[key]
	if !ok {
		rec = &model.DistributionRecord{RoundID: roundID, ProjectID: projectID, Status: model.DistributionStatusNone}
		s.distributions[key] = rec
	}
	if rec.Status == model.DistributionStatusCommitted {
		return errors.Wrapf(model.ErrAlreadyDistributed, "distribution %s/%s", roundID, projectID)
	}
	pool, ok := s.rounds[roundID]
	if !ok {
		return errors.Wrapf(model.ErrUnknownRound, "round %s", roundID)
	}
	if match > 0 {
		if pool.Available() < match {
			return errors.Wrapf(model.ErrInsufficientPoolBalance,
				"round %s: need %d, available %d", roundID, match, pool.Available())
		}
		pool.AllocatedFunds += match
	}
	if s.FailAfterReserve {
		// pool mutated, committed flag not yet written: the partial state a
		// real crash could leave behind without a transactional store
		return errors.Wrap(model.ErrStorageUnavailable, "simulated crash after pool reserve")
	}
	now := time.Now().UTC()
	rec.Status = model.DistributionStatusCommitted
	rec.MatchAmount = match
	rec.CommittedAt = &now
	if match > 0 {
		p := payout
		s.outbox = append(s.outbox, &p)
	}
	return nil
}

func (s *Store) SetPayoutConfirmed(ctx context.Context, roundID, projectID, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.distributions[projectKey{roundID, projectID}]
	if !ok || rec.Status != model.DistributionStatusCommitted {
		return errors.Wrapf(model.ErrUnknownProject, "no committed distribution for %s/%s", roundID, projectID)
	}
	rec.TxRef = &txRef
	return nil
}

func (s *Store) PendingPayouts(ctx context.Context, limit int) ([]model.PayoutRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PayoutRequest
	for _, p := range s.outbox {
		if p.Sent {
			continue
		}
		out = append(out, *p)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkPayoutSent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.outbox {
		if p.ID == id {
			p.Sent = true
			return nil
		}
	}
	return errors.Wrapf(model.ErrStorageUnavailable, "no outbox entry %s", id)
}

// ReconcileAllocations restores the invariant
// allocated_funds == sum of committed match amounts
// for every round, discarding reservations left by an interrupted commit.
func (s *Store) ReconcileAllocations(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	committed := map[string]uint64{}
	for _, rec := range s.distributions {
		if rec.Status == model.DistributionStatusCommitted {
			committed[rec.RoundID] += rec.MatchAmount
		}
	}
	for roundID, pool := range s.rounds {
		pool.AllocatedFunds = committed[roundID]
	}
	return nil
}

// ResetDerived clears all state derived from the event log (balances, pools,
// applied markers, cursors) while keeping the log and the round/project
// registry. Replaying from zero afterwards must rebuild identical state.
func (s *Store) ResetDerived(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = map[string]struct{}{}
	s.cursors = map[string]int64{}
	for key := range s.projects {
		s.projects[key] = model.ContributionMap{}
	}
	for _, pool := range s.rounds {
		pool.TotalFunds = 0
		pool.AllocatedFunds = 0
	}
	return nil
}

// Rounds lists registered round ids, sorted for stable iteration.
func (s *Store) Rounds(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rounds))
	for id := range s.rounds {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
