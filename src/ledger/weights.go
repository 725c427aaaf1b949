package ledger

import (
	"context"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/grantmatch/qf-engine/src/model"
	"github.com/pkg/errors"
)

// WeightSource supplies the per-donor sybil weight in basis points
// (0..10000). Weights are written by the external risk-scoring collaborator
// and read-only to the engine.
type WeightSource interface {
	Weight(ctx context.Context, donor model.DonorAddr) (uint32, error)
}

const weightsKey = "sybil_weights"

// RedisWeights reads weights from the hash the risk-scoring collaborator
// maintains. A donor with no entry is fully trusted.
type RedisWeights struct {
	client *redis.Client
}

func NewRedisWeights(client *redis.Client) *RedisWeights {
	return &RedisWeights{client: client}
}

func (rw *RedisWeights) Weight(ctx context.Context, donor model.DonorAddr) (uint32, error) {
	raw, err := rw.client.HGet(ctx, weightsKey, string(donor)).Result()
	if err == redis.Nil {
		return model.FullWeight, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed reading sybil weight for %s", donor)
	}
	weight, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "malformed sybil weight %q for %s", raw, donor)
	}
	if weight > uint64(model.FullWeight) {
		weight = uint64(model.FullWeight)
	}
	return uint32(weight), nil
}

// StaticWeights is a fixed map source for tests and single-box deployments.
// Donors absent from the map are fully trusted.
type StaticWeights map[model.DonorAddr]uint32

func (sw StaticWeights) Weight(ctx context.Context, donor model.DonorAddr) (uint32, error) {
	if weight, ok := sw[donor]; ok {
		if weight > model.FullWeight {
			weight = model.FullWeight
		}
		return weight, nil
	}
	return model.FullWeight, nil
}
