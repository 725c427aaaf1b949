package coordinator

import (
	"context"
	"sync"

	"github.com/grantmatch/qf-engine/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PayoutSink is the on-chain submission collaborator. Submit may be called
// more than once for the same request (the outbox is at-least-once); the
// downstream executor dedupes on (round, project).
type PayoutSink interface {
	Submit(ctx context.Context, payout model.PayoutRequest) error
}

// DispatchOutbox hands pending payout requests to the sink and marks the
// delivered ones. A sink failure leaves the entry pending for the next pass;
// nothing here runs inside a storage transaction.
func (c *Coordinator) DispatchOutbox(ctx context.Context, sink PayoutSink) error {
	pending, err := c.store.PendingPayouts(ctx, 1024)
	if err != nil {
		return errors.Wrapf(model.ErrStorageUnavailable, "fetching pending payouts: %v", err)
	}
	for _, payout := range pending {
		if err := sink.Submit(ctx, payout); err != nil {
			c.logger.Error("failed submitting payout, will retry",
				zap.String("id", payout.ID),
				zap.String("round", payout.RoundID),
				zap.String("project", payout.ProjectID),
				zap.Error(err))
			continue
		}
		if err := c.store.MarkPayoutSent(ctx, payout.ID); err != nil {
			// submitted but not marked: redelivered next pass, which the
			// sink contract tolerates
			c.logger.Error("failed marking payout sent", zap.String("id", payout.ID), zap.Error(err))
			continue
		}
		payoutsDispatched.Inc()
		c.logger.Info("dispatched payout",
			zap.String("id", payout.ID),
			zap.String("round", payout.RoundID),
			zap.String("project", payout.ProjectID),
			zap.Uint64("amount", payout.Amount))
	}
	return nil
}

// MockPayoutSink records submissions in memory, for tests and `use_mock`
// runs.
type MockPayoutSink struct {
	mu         sync.Mutex
	Submitted  []model.PayoutRequest
	FailSubmit bool
}

func NewMockPayoutSink() *MockPayoutSink {
	return &MockPayoutSink{}
}

func (ms *MockPayoutSink) Submit(ctx context.Context, payout model.PayoutRequest) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.FailSubmit {
		return errors.New("mock sink rejecting submissions")
	}
	ms.Submitted = append(ms.Submitted, payout)
	return nil
}
