// Package queue implements the persistent, Redis-backed job queue the
// indexing worker pool consumes from. Jobs are deduplicated by job id.
// Payload shape: {"type": "index"|"clean_raglog"|"clean_embeddings", ...}.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// JobType enumerates the queue payload "type" field.
type JobType string

const (
	JobIndex          JobType = "index"
	JobCleanRagLog    JobType = "clean_raglog"
	JobCleanEmbeddings JobType = "clean_embeddings"
)

// Job is one queued unit of work. ID is the dedup key: re-enqueuing the
// same ID within the retention window is a no-op.
type Job struct {
	ID         string  `json:"id"`
	Type       JobType `json:"type"`
	DocumentID string  `json:"document_id,omitempty"`
}

// Queue is a Redis list (FIFO) paired with a dedup-set keyed by job id.
type Queue struct {
	rdb             *redis.Client
	listKey         string
	dedupKey        string
	dedupRetention  time.Duration
}

func New(rdb *redis.Client, name string) *Queue {
	return &Queue{
		rdb:            rdb,
		listKey:        "queue:" + name,
		dedupKey:       "queue:" + name + ":seen",
		dedupRetention: 24 * time.Hour,
	}
}

// Enqueue pushes job onto the queue unless its id was already seen within
// the retention window, in which case it is silently dropped.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	added, err := q.rdb.SAdd(ctx, q.dedupKey, job.ID).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return nil // duplicate job id within the retention window: no-op
	}
	q.rdb.Expire(ctx, q.dedupKey, q.dedupRetention)

	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.RPush(ctx, q.listKey, raw).Err()
}

// Dequeue blocks up to timeout for the next job, returning (nil, nil) on
// timeout with no job available.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.listKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BLPop returns [key, value]
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Forget removes a job id from the dedup set, allowing it to be
// re-enqueued immediately — used after a terminal failure classification
// so a future resubmission isn't silently dropped.
func (q *Queue) Forget(ctx context.Context, jobID string) error {
	return q.rdb.SRem(ctx, q.dedupKey, jobID).Err()
}
