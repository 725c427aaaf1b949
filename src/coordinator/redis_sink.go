package coordinator

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"github.com/grantmatch/qf-engine/src/model"
	"github.com/pkg/errors"
)

const payoutQueueKey = "payout_requests"

// RedisPayoutSink pushes payout requests onto the list the on-chain
// submission collaborator consumes. At-least-once: a request may appear
// twice if marking it sent fails after the push.
type RedisPayoutSink struct {
	client *redis.Client
}

func NewRedisPayoutSink(client *redis.Client) *RedisPayoutSink {
	return &RedisPayoutSink{client: client}
}

func (rs *RedisPayoutSink) Submit(ctx context.Context, payout model.PayoutRequest) error {
	encoded, err := json.Marshal(payout)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal payout %s to json", payout.ID)
	}
	if err := rs.client.RPush(ctx, payoutQueueKey, encoded).Err(); err != nil {
		return errors.Wrapf(err, "failed pushing payout %s to queue", payout.ID)
	}
	return nil
}
