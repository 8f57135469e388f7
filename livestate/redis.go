package livestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client *redis.Client
	etaTTL time.Duration
}

// NewRedisStore keeps ETAs for etaTTL; schedules never expire.
func NewRedisStore(client *redis.Client, etaTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, etaTTL: etaTTL}
}

func scheduleKey(orgID string) string {
	return fmt.Sprintf("fieldops:org:%s:schedule", orgID)
}

func etaKey(orgID string) string {
	return fmt.Sprintf("fieldops:org:%s:eta", orgID)
}

const allOrgsKey = "fieldops:orgs"

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// SetSchedule stores s unless a newer sequence is already cached.
func (r *RedisStore) SetSchedule(ctx context.Context, s *Schedule) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	key := scheduleKey(s.OrgID)
	return r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var old struct {
				Seq int64 `json:"seq"`
			}
			if json.Unmarshal(cur, &old) == nil && old.Seq > s.Seq {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, allOrgsKey, s.OrgID)
			return nil
		})
		return err
	}, key)
}

func (r *RedisStore) GetSchedule(ctx context.Context, orgID string) (*Schedule, error) {
	data, err := r.client.Get(ctx, scheduleKey(orgID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Schedule
	return &s, json.Unmarshal(data, &s)
}

// ETAs live in one hash per org keyed by technician.
func (r *RedisStore) SetETA(ctx context.Context, orgID string, eta *ETA) error {
	data, err := json.Marshal(eta)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, etaKey(orgID), eta.TechnicianID, data)
	if r.etaTTL > 0 {
		pipe.Expire(ctx, etaKey(orgID), r.etaTTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) GetETA(ctx context.Context, orgID, technicianID string) (*ETA, error) {
	data, err := r.client.HGet(ctx, etaKey(orgID), technicianID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var eta ETA
	return &eta, json.Unmarshal(data, &eta)
}

func (r *RedisStore) ListETAs(ctx context.Context, orgID string) ([]*ETA, error) {
	all, err := r.client.HGetAll(ctx, etaKey(orgID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*ETA, 0, len(all))
	for _, v := range all {
		var eta ETA
		if err := json.Unmarshal([]byte(v), &eta); err != nil {
			continue
		}
		out = append(out, &eta)
	}
	sortETAs(out)
	return out, nil
}

func (r *RedisStore) ListOrgs(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, allOrgsKey).Result()
}

// RemoveOrg drops every cached read model of the org.
func (r *RedisStore) RemoveOrg(ctx context.Context, orgID string) error {
	pipe := r.client.Pipeline()
	pipe.Del(ctx, scheduleKey(orgID), etaKey(orgID))
	pipe.SRem(ctx, allOrgsKey, orgID)
	_, err := pipe.Exec(ctx)
	return err
}
