package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"uk.co.dudmesh.crosspost/internal/model"
)

const DefaultRedisPrefix = "crosspost:"

var errUnreadable = errors.New("unreadable job record")

// RedisStore keeps each job as JSON under <prefix>job:<id>. Pending jobs are
// indexed in the <prefix>delayed sorted set scored by run time, executing
// jobs in <prefix>active scored by lease expiry, both in unix milliseconds.
// Moving an id out of an index and rewriting its record happen in one script,
// and only the caller whose script removed the member owns the job.
type RedisStore struct {
	rdb       *redis.Client
	prefix    string
	retention time.Duration
}

// KEYS: from index, to index, job key. ARGV: id, score in the to index, job.
var claimScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[3])
return 1
`)

// KEYS: index, job key. ARGV: id, job, ttl in milliseconds or 0.
var releaseScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[2], ARGV[2])
end
return 1
`)

// KEYS: active index, job key. ARGV: id, job, ttl in milliseconds or 0, now.
var expireScript = redis.NewScript(`
local lease = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not lease or tonumber(lease) >= tonumber(ARGV[4]) then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[2], ARGV[2])
end
return 1
`)

// KEYS: active index, job key. ARGV: id, lease expiry, job.
var heartbeatScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('SET', KEYS[2], ARGV[3])
return 1
`)

// NewRedisStore wraps rdb. Finished jobs expire after retention, or are kept
// when retention is zero.
func NewRedisStore(rdb *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix, retention: retention}
}

func (s *RedisStore) jobKey(id model.JobID) string {
	return s.prefix + "job:" + string(id)
}

func (s *RedisStore) delayedKey() string {
	return s.prefix + "delayed"
}

func (s *RedisStore) activeKey() string {
	return s.prefix + "active"
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Create(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshalling job: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.jobKey(job.ID), data, 0)
		pipe.ZAdd(ctx, s.delayedKey(), redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: string(job.ID)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing job: %w", err)
	}
	return nil
}

func (s *RedisStore) ClaimDue(ctx context.Context, now time.Time, lease model.Lease, limit int) ([]*model.Job, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("selecting due jobs: %w", err)
	}

	var errs []error
	claimed := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, model.JobID(id))
		if err != nil {
			if errors.Is(err, errUnreadable) || errors.Is(err, model.ErrorJobNotFound) {
				if failErr := s.failUnreadable(ctx, model.JobID(id), err); failErr != nil {
					err = errors.Join(err, failErr)
				}
			}
			errs = append(errs, fmt.Errorf("loading due job %s: %w", id, err))
			continue
		}

		job.Status = model.JobStatusExecuting
		job.Owner = lease.Owner
		job.LeaseUntil = lease.Until.UTC()
		job.Attempts++
		job.UpdatedAt = now.UTC()
		data, err := json.Marshal(job)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshalling job %s: %w", id, err))
			continue
		}

		ok, err := claimScript.Run(ctx, s.rdb,
			[]string{s.delayedKey(), s.activeKey(), s.jobKey(job.ID)},
			id, lease.Until.UnixMilli(), data).Bool()
		if err != nil {
			return claimed, errors.Join(append(errs, fmt.Errorf("claiming job %s: %w", id, err))...)
		}
		if ok {
			claimed = append(claimed, job)
		}
	}
	return claimed, errors.Join(errs...)
}

// failUnreadable takes a pending job whose record cannot be decoded out of
// the delayed index and leaves a failed record in its place.
func (s *RedisStore) failUnreadable(ctx context.Context, id model.JobID, cause error) error {
	if errors.Is(cause, model.ErrorJobNotFound) {
		return s.rdb.ZRem(ctx, s.delayedKey(), string(id)).Err()
	}
	now := time.Now().UTC()
	_, err := s.release(ctx, s.delayedKey(), &model.Job{
		ID:        id,
		Status:    model.JobStatusFailed,
		CreatedAt: now,
		UpdatedAt: now,
		LastError: cause.Error(),
	}, s.retention)
	return err
}

// Heartbeat extends the lease on a job the owner is still executing.
func (s *RedisStore) Heartbeat(ctx context.Context, id model.JobID, lease model.Lease) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusExecuting || job.Owner != lease.Owner {
		return model.ErrorJobNotClaimed
	}
	job.LeaseUntil = lease.Until.UTC()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshalling job: %w", err)
	}

	ok, err := heartbeatScript.Run(ctx, s.rdb,
		[]string{s.activeKey(), s.jobKey(id)},
		string(id), lease.Until.UnixMilli(), data).Bool()
	if err != nil {
		return fmt.Errorf("extending lease: %w", err)
	}
	if !ok {
		return model.ErrorJobNotClaimed
	}
	return nil
}

func (s *RedisStore) Finish(ctx context.Context, id model.JobID, status model.JobStatus, result *model.AggregateResult, errText string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusExecuting {
		return model.ErrorJobNotClaimed
	}
	job.Status = status
	job.Result = result
	job.LastError = errText
	job.UpdatedAt = time.Now().UTC()

	ok, err := s.release(ctx, s.activeKey(), job, s.retention)
	if err != nil {
		return fmt.Errorf("releasing job: %w", err)
	}
	if !ok {
		return model.ErrorJobNotClaimed
	}
	return nil
}

// release removes job from index and stores it, only if this call removed it.
func (s *RedisStore) release(ctx context.Context, index string, job *model.Job, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshalling job: %w", err)
	}
	return releaseScript.Run(ctx, s.rdb,
		[]string{index, s.jobKey(job.ID)},
		string(job.ID), data, ttl.Milliseconds()).Bool()
}

func (s *RedisStore) Get(ctx context.Context, id model.JobID) (*model.Job, error) {
	data, err := s.rdb.Get(ctx, s.jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, model.ErrorJobNotFound
		}
		return nil, fmt.Errorf("getting job: %w", err)
	}

	job := &model.Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w: %w", id, errUnreadable, err)
	}
	return job, nil
}

func (s *RedisStore) Cancel(ctx context.Context, id model.JobID) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusPending {
		return model.ErrorJobNotPending
	}

	job.Status = model.JobStatusCancelled
	job.UpdatedAt = time.Now().UTC()
	ok, err := s.release(ctx, s.delayedKey(), job, s.retention)
	if err != nil {
		return fmt.Errorf("cancelling job: %w", err)
	}
	if !ok {
		return model.ErrorJobNotPending
	}
	return nil
}

// FailExpired fails executing jobs whose lease ran out before now.
func (s *RedisStore) FailExpired(ctx context.Context, now time.Time, reason string) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.activeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing expired jobs: %w", err)
	}

	failed := 0
	for _, id := range ids {
		job, err := s.Get(ctx, model.JobID(id))
		if err != nil {
			return failed, fmt.Errorf("failing job %s: %w", id, err)
		}
		job.Status = model.JobStatusFailed
		job.LastError = reason
		job.UpdatedAt = now.UTC()
		data, err := json.Marshal(job)
		if err != nil {
			return failed, fmt.Errorf("marshalling job %s: %w", id, err)
		}

		// A heartbeat since the range was read keeps the job alive.
		ok, err := expireScript.Run(ctx, s.rdb,
			[]string{s.activeKey(), s.jobKey(job.ID)},
			id, data, s.retention.Milliseconds(), now.UnixMilli()).Bool()
		if err != nil {
			return failed, fmt.Errorf("failing job %s: %w", id, err)
		}
		if ok {
			failed++
		}
	}
	return failed, nil
}
