package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uk.co.dudmesh.crosspost/internal/model"
)

type jobStore interface {
	Create(ctx context.Context, job *model.Job) error
	ClaimDue(ctx context.Context, now time.Time, lease model.Lease, limit int) ([]*model.Job, error)
	Heartbeat(ctx context.Context, id model.JobID, lease model.Lease) error
	Finish(ctx context.Context, id model.JobID, status model.JobStatus, result *model.AggregateResult, errText string) error
	Get(ctx context.Context, id model.JobID) (*model.Job, error)
	Cancel(ctx context.Context, id model.JobID) error
	FailExpired(ctx context.Context, now time.Time, reason string) (int, error)
	Close() error
}

func leaseFor(owner string, now time.Time) model.Lease {
	return model.Lease{Owner: owner, Until: now.Add(time.Minute)}
}

func openSQLite(t *testing.T) *SQLStore {
	s, err := OpenSQL(DriverSQLite, "file:"+filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openRedis(t *testing.T) (*RedisStore, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(rdb, "test:", 0)
	t.Cleanup(func() { s.Close() })
	return s, rdb
}

func newJob(runAt time.Time) *model.Job {
	now := time.Now().UTC()
	return &model.Job{
		ID:     model.NewJobID(),
		Status: model.JobStatusPending,
		Request: model.PostRequest{
			Message:   "Hello",
			Platforms: model.TargetList("twitter", "bluesky"),
			Image:     model.NewAttachment("cat.png", "image/png", []byte{0, 1, 2, 255}),
		},
		Delay:     runAt.Sub(now),
		RunAt:     runAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestJobStores(t *testing.T) {
	stores := map[string]func(t *testing.T) jobStore{
		"sqlite": func(t *testing.T) jobStore { return openSQLite(t) },
		"redis": func(t *testing.T) jobStore {
			s, _ := openRedis(t)
			return s
		},
	}

	for name, open := range stores {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			testJobStore(t, open)
		})
	}
}

func testJobStore(t *testing.T, open func(t *testing.T) jobStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		assert := assert.New(t)
		s := open(t)

		job := newJob(time.Now().Add(time.Minute))
		require.NoError(t, s.Create(ctx, job))

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(job.ID, got.ID)
		assert.Equal(model.JobStatusPending, got.Status)
		assert.Equal(job.RunAt.UnixMilli(), got.RunAt.UnixMilli())
		assert.Equal("Hello", got.Request.Message)
		assert.Equal(job.Request.Image.Data, got.Request.Image.Data)
		assert.Nil(got.Request.VerifyAttachments())

		platforms, err := got.Request.Platforms.Normalize()
		assert.Nil(err)
		assert.Equal([]string{"twitter", "bluesky"}, platforms)

		_, err = s.Get(ctx, model.NewJobID())
		assert.ErrorIs(err, model.ErrorJobNotFound)
	})

	t.Run("claims only due jobs once", func(t *testing.T) {
		assert := assert.New(t)
		s := open(t)
		now := time.Now()

		due := newJob(now.Add(-time.Second))
		later := newJob(now.Add(time.Hour))
		require.NoError(t, s.Create(ctx, due))
		require.NoError(t, s.Create(ctx, later))

		claimed, err := s.ClaimDue(ctx, now, leaseFor("worker", now), 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(due.ID, claimed[0].ID)
		assert.Equal(model.JobStatusExecuting, claimed[0].Status)
		assert.Equal("worker", claimed[0].Owner)
		assert.Equal(1, claimed[0].Attempts)
		assert.Equal(now.Add(time.Minute).UnixMilli(), claimed[0].LeaseUntil.UnixMilli())

		stored, err := s.Get(ctx, due.ID)
		require.NoError(t, err)
		assert.Equal(model.JobStatusExecuting, stored.Status)
		assert.Equal(1, stored.Attempts)

		claimed, err = s.ClaimDue(ctx, now, leaseFor("worker", now), 10)
		require.NoError(t, err)
		assert.Empty(claimed)

		got, err := s.Get(ctx, later.ID)
		require.NoError(t, err)
		assert.Equal(model.JobStatusPending, got.Status)
	})

	t.Run("finish records the outcome", func(t *testing.T) {
		assert := assert.New(t)
		s := open(t)

		job := newJob(time.Now().Add(-time.Second))
		require.NoError(t, s.Create(ctx, job))

		err := s.Finish(ctx, job.ID, model.JobStatusCompleted, nil, "")
		assert.ErrorIs(err, model.ErrorJobNotClaimed)

		_, err = s.ClaimDue(ctx, time.Now(), leaseFor("worker", time.Now()), 1)
		require.NoError(t, err)

		result := &model.AggregateResult{
			Success: true,
			Message: model.MessagePostUpdated,
			Results: map[string]model.TargetResult{"twitter": model.Failed("Twitter API error")},
		}
		require.NoError(t, s.Finish(ctx, job.ID, model.JobStatusCompleted, result, ""))

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(model.JobStatusCompleted, got.Status)
		assert.Equal(result, got.Result)

		err = s.Finish(ctx, job.ID, model.JobStatusFailed, nil, "again")
		assert.ErrorIs(err, model.ErrorJobNotClaimed)
	})

	t.Run("cancel only pending jobs", func(t *testing.T) {
		assert := assert.New(t)
		s := open(t)

		pending := newJob(time.Now().Add(-time.Second))
		require.NoError(t, s.Create(ctx, pending))
		require.NoError(t, s.Cancel(ctx, pending.ID))

		got, err := s.Get(ctx, pending.ID)
		require.NoError(t, err)
		assert.Equal(model.JobStatusCancelled, got.Status)

		assert.ErrorIs(s.Cancel(ctx, pending.ID), model.ErrorJobNotPending)
		assert.ErrorIs(s.Cancel(ctx, model.NewJobID()), model.ErrorJobNotFound)

		claimed, err := s.ClaimDue(ctx, time.Now(), leaseFor("worker", time.Now()), 10)
		require.NoError(t, err)
		assert.Empty(claimed)
	})

	t.Run("only expired leases are failed", func(t *testing.T) {
		assert := assert.New(t)
		s := open(t)
		now := time.Now()

		job := newJob(now.Add(-time.Second))
		require.NoError(t, s.Create(ctx, job))
		_, err := s.ClaimDue(ctx, now, leaseFor("worker", now), 1)
		require.NoError(t, err)

		n, err := s.FailExpired(ctx, now, "interrupted before completion")
		require.NoError(t, err)
		assert.Equal(0, n)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(model.JobStatusExecuting, got.Status)

		n, err = s.FailExpired(ctx, now.Add(2*time.Minute), "interrupted before completion")
		require.NoError(t, err)
		assert.Equal(1, n)

		got, err = s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(model.JobStatusFailed, got.Status)
		assert.Equal("interrupted before completion", got.LastError)
		assert.True(got.Status.Terminal())

		assert.ErrorIs(s.Finish(ctx, job.ID, model.JobStatusCompleted, nil, ""), model.ErrorJobNotClaimed)

		claimed, err := s.ClaimDue(ctx, time.Now(), leaseFor("worker", time.Now()), 10)
		require.NoError(t, err)
		assert.Empty(claimed)

		n, err = s.FailExpired(ctx, now.Add(time.Hour), "again")
		require.NoError(t, err)
		assert.Equal(0, n)
	})

	t.Run("heartbeats keep a lease alive", func(t *testing.T) {
		assert := assert.New(t)
		s := open(t)
		now := time.Now()

		job := newJob(now.Add(-time.Second))
		require.NoError(t, s.Create(ctx, job))
		_, err := s.ClaimDue(ctx, now, leaseFor("worker", now), 1)
		require.NoError(t, err)

		later := now.Add(5 * time.Minute)
		require.NoError(t, s.Heartbeat(ctx, job.ID, leaseFor("worker", later)))
		assert.ErrorIs(s.Heartbeat(ctx, job.ID, leaseFor("someone else", later)), model.ErrorJobNotClaimed)

		n, err := s.FailExpired(ctx, now.Add(2*time.Minute), "interrupted before completion")
		require.NoError(t, err)
		assert.Equal(0, n)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(model.JobStatusExecuting, got.Status)
		assert.Equal(later.Add(time.Minute).UnixMilli(), got.LeaseUntil.UnixMilli())

		require.NoError(t, s.Finish(ctx, job.ID, model.JobStatusCompleted, nil, ""))
		assert.ErrorIs(s.Heartbeat(ctx, job.ID, leaseFor("worker", later)), model.ErrorJobNotClaimed)
	})

	t.Run("claimed jobs cannot be cancelled", func(t *testing.T) {
		s := open(t)

		job := newJob(time.Now().Add(-time.Second))
		require.NoError(t, s.Create(ctx, job))
		_, err := s.ClaimDue(ctx, time.Now(), leaseFor("worker", time.Now()), 1)
		require.NoError(t, err)

		assert.ErrorIs(t, s.Cancel(ctx, job.ID), model.ErrorJobNotPending)
	})

	t.Run("racing claims never share a job", func(t *testing.T) {
		assert := assert.New(t)
		s := open(t)

		const jobs = 20
		for i := 0; i < jobs; i++ {
			require.NoError(t, s.Create(ctx, newJob(time.Now().Add(-time.Second))))
		}

		var mu sync.Mutex
		seen := map[model.JobID]int{}
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					claimed, err := s.ClaimDue(ctx, time.Now(), leaseFor("worker", time.Now()), 5)
					assert.Nil(err)
					mu.Lock()
					for _, job := range claimed {
						seen[job.ID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(seen, jobs)
		for id, n := range seen {
			assert.Equal(1, n, fmt.Sprintf("job %s claimed %d times", id, n))
		}
	})
}

const legacyPayload = `{"message":"From the old queue","platforms":"[\"bluesky\"]",` +
	`"image":{"filename":"old.png","contentType":"image/png","data":{"type":"Buffer","data":[137,80,78,71]}}}`

func TestLegacyPayloads(t *testing.T) {
	ctx := context.Background()
	want := model.Binary{137, 80, 78, 71}

	t.Run("sqlite", func(t *testing.T) {
		assert := assert.New(t)
		s := openSQLite(t)

		now := time.Now().UnixMilli()
		_, err := s.db.Exec(`INSERT INTO jobs (id, status, payload, delay_ms, run_at, created_at, updated_at)
			VALUES (?, ?, ?, 0, ?, ?, ?)`, "legacy", model.JobStatusPending, legacyPayload, now, now, now)
		require.NoError(t, err)

		job, err := s.Get(ctx, "legacy")
		require.NoError(t, err)
		assert.Equal(want, job.Request.Image.Data)
		assert.True(job.Request.Platforms.IsEncoded())
	})

	t.Run("redis", func(t *testing.T) {
		assert := assert.New(t)
		s, rdb := openRedis(t)

		raw := `{"id":"legacy","status":"pending","request":` + legacyPayload + `,"delay":0,` +
			`"runAt":"2024-01-01T00:00:00Z","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-01T00:00:00Z"}`
		require.NoError(t, rdb.Set(ctx, "test:job:legacy", raw, 0).Err())
		require.NoError(t, rdb.ZAdd(ctx, "test:delayed", redis.Z{Score: 0, Member: "legacy"}).Err())

		claimed, err := s.ClaimDue(ctx, time.Now(), leaseFor("worker", time.Now()), 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(want, claimed[0].Request.Image.Data)
	})
}

func TestUnreadableJobs(t *testing.T) {
	ctx := context.Background()

	t.Run("sqlite", func(t *testing.T) {
		assert := assert.New(t)
		s := openSQLite(t)

		now := time.Now().UnixMilli()
		_, err := s.db.Exec(`INSERT INTO jobs (id, status, payload, delay_ms, run_at, created_at, updated_at)
			VALUES (?, ?, ?, 0, ?, ?, ?)`, "broken", model.JobStatusPending, "{not json", now, now, now)
		require.NoError(t, err)
		good := newJob(time.Now().Add(-time.Second))
		require.NoError(t, s.Create(ctx, good))

		claimed, err := s.ClaimDue(ctx, time.Now(), leaseFor("worker", time.Now()), 10)
		assert.ErrorContains(err, "broken")
		require.Len(t, claimed, 1)
		assert.Equal(good.ID, claimed[0].ID)

		var status, lastError string
		require.NoError(t, s.db.QueryRow(`SELECT status, last_error FROM jobs WHERE id = ?`, "broken").Scan(&status, &lastError))
		assert.Equal(string(model.JobStatusFailed), status)
		assert.Contains(lastError, "decoding job broken payload")

		claimed, err = s.ClaimDue(ctx, time.Now(), leaseFor("worker", time.Now()), 10)
		assert.Nil(err)
		assert.Empty(claimed)
	})

	t.Run("redis", func(t *testing.T) {
		assert := assert.New(t)
		s, rdb := openRedis(t)

		require.NoError(t, rdb.Set(ctx, "test:job:broken", "{not json", 0).Err())
		require.NoError(t, rdb.ZAdd(ctx, "test:delayed", redis.Z{Score: 0, Member: "broken"}).Err())

		claimed, err := s.ClaimDue(ctx, time.Now(), leaseFor("worker", time.Now()), 10)
		assert.ErrorContains(err, "broken")
		assert.Empty(claimed)

		job, err := s.Get(ctx, "broken")
		require.NoError(t, err)
		assert.Equal(model.JobStatusFailed, job.Status)
		assert.Contains(job.LastError, "decoding job broken")

		pending, err := rdb.ZCard(ctx, "test:delayed").Result()
		require.NoError(t, err)
		assert.Zero(pending)
	})
}

func TestRedisClaim(t *testing.T) {
	ctx := context.Background()
	assert := assert.New(t)
	s, rdb := openRedis(t)
	now := time.Now()

	job := newJob(now.Add(-time.Second))
	require.NoError(t, s.Create(ctx, job))

	claimed, err := s.ClaimDue(ctx, now, leaseFor("worker", now), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// The record, the pending index and the active index move together.
	pending, err := rdb.ZScore(ctx, "test:delayed", string(job.ID)).Result()
	assert.ErrorIs(err, redis.Nil, "still pending with score %v", pending)
	lease, err := rdb.ZScore(ctx, "test:active", string(job.ID)).Result()
	require.NoError(t, err)
	assert.Equal(float64(now.Add(time.Minute).UnixMilli()), lease)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(model.JobStatusExecuting, got.Status)
	assert.Equal("worker", got.Owner)

	require.NoError(t, s.Finish(ctx, job.ID, model.JobStatusCompleted, nil, ""))
	active, err := rdb.ZCard(ctx, "test:active").Result()
	require.NoError(t, err)
	assert.Zero(active)
}
