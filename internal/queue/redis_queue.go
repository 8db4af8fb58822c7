package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"roster-pipeline/internal/config"
)

// Kind selects which orchestrator entry point a task drives.
type Kind string

const (
	KindRun    Kind = "run"
	KindResume Kind = "resume"
)

const (
	PriorityHigh    = "high"
	PriorityDefault = "default"
)

// Task is one queued request to run or resume a job.
type Task struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	Kind          Kind      `json:"kind"`
	VersionID     string    `json:"version_id,omitempty"`
	FromStage     string    `json:"from_stage,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	ForceAIAssist bool      `json:"force_ai_assist,omitempty"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// Priority routes resumes ahead of fresh runs: a human is usually waiting on them.
func (t Task) Priority() string {
	if t.Kind == KindResume {
		return PriorityHigh
	}
	return PriorityDefault
}

// DeadLetter is a task that exhausted its attempts.
type DeadLetter struct {
	Task   Task      `json:"task"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// RedisQueue coordinates ready, in-flight, and scheduled task queues in Redis.
// Lists and sorted sets hold task ids; the payload lives in a per-task hash.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	taskPrefix     string
	jobIndexPrefix string
	visibilityTTL  time.Duration
	dlqKey         string
}

// NewRedisClient builds the shared client used by the queue, job lock and rate limiter.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{PriorityHigh, PriorityDefault}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 15 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "roster:dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "roster:queue:inflight",
		scheduledKey:   "roster:queue:scheduled",
		taskPrefix:     "roster:task:",
		jobIndexPrefix: "roster:jobtasks:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("roster:queue:ready:%s", priority)
}

func (q *RedisQueue) taskKey(taskID string) string {
	return q.taskPrefix + taskID
}

func (q *RedisQueue) jobIndexKey(jobID string) string {
	return q.jobIndexPrefix + jobID
}

// priorityOf maps a task onto a configured ready list, falling back to the lowest.
func (q *RedisQueue) priorityOf(t Task) string {
	want := t.Priority()
	for _, p := range q.priorityQueues {
		if p == want {
			return p
		}
	}
	return q.priorityQueues[len(q.priorityQueues)-1]
}

// Enqueue inserts a task into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task, runAt time.Time) (Task, error) {
	if t.JobID == "" {
		return Task{}, eris.New("task requires a job id")
	}
	if t.Kind != KindRun && t.Kind != KindResume {
		return Task{}, eris.Errorf("unknown task kind %q", t.Kind)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return Task{}, eris.Wrap(err, "encode task")
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(t.ID), "payload", payload, "priority", q.priorityOf(t))
	pipe.SAdd(ctx, q.jobIndexKey(t.JobID), t.ID)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: t.ID})
	} else {
		pipe.RPush(ctx, q.readyKey(q.priorityOf(t)), t.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Task{}, eris.Wrap(err, "enqueue task")
	}
	return t, nil
}

// Schedule stores the updated task and defers it until runAt. Used for retries.
func (q *RedisQueue) Schedule(ctx context.Context, t Task, runAt time.Time) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return eris.Wrap(err, "encode task")
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(t.ID), "payload", payload, "priority", q.priorityOf(t))
	pipe.SAdd(ctx, q.jobIndexKey(t.JobID), t.ID)
	pipe.ZRem(ctx, q.inflightKey, t.ID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: t.ID})
	_, err = pipe.Exec(ctx)
	return eris.Wrap(err, "schedule task")
}

// PromoteScheduled moves due scheduled tasks into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.dueIn(ctx, q.scheduledKey, now, limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	if err := q.moveToReady(ctx, q.scheduledKey, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a task from ready queues (priority order) and places it into
// inflight with a visibility timeout. ok is false when every queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (Task, bool, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, eris.Wrap(err, "dequeue")
	}
	taskID, ok := res.(string)
	if !ok {
		return Task{}, false, eris.Errorf("unexpected type from dequeue script: %T", res)
	}
	t, err := q.load(ctx, taskID)
	if err == redis.Nil {
		// payload removed by a cancel that raced the pop
		_ = q.client.ZRem(ctx, q.inflightKey, taskID).Err()
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

func (q *RedisQueue) load(ctx context.Context, taskID string) (Task, error) {
	raw, err := q.client.HGet(ctx, q.taskKey(taskID), "payload").Bytes()
	if err != nil {
		return Task{}, err
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Task{}, eris.Wrapf(err, "decode task %s", taskID)
	}
	return t, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, taskID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: taskID,
	}).Err()
}

// Ack removes a task from in-flight tracking along with its payload.
func (q *RedisQueue) Ack(ctx context.Context, t Task) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, t.ID)
	pipe.Del(ctx, q.taskKey(t.ID))
	pipe.SRem(ctx, q.jobIndexKey(t.JobID), t.ID)
	_, err := pipe.Exec(ctx)
	return eris.Wrap(err, "ack task")
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.dueIn(ctx, q.inflightKey, now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	if err := q.moveToReady(ctx, q.inflightKey, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (q *RedisQueue) dueIn(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	return ids, eris.Wrapf(err, "scan %s", key)
}

func (q *RedisQueue) moveToReady(ctx context.Context, from string, ids []string) error {
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority, err := q.client.HGet(ctx, q.taskKey(id), "priority").Result()
		if err == redis.Nil {
			// cancelled; drop the dangling id
			pipe.ZRem(ctx, from, id)
			continue
		}
		if err != nil || priority == "" {
			priority = q.priorityQueues[len(q.priorityQueues)-1]
		}
		pipe.ZRem(ctx, from, id)
		pipe.RPush(ctx, q.readyKey(priority), id)
	}
	_, err := pipe.Exec(ctx)
	return eris.Wrap(err, "move tasks to ready")
}

// CancelJob removes every queued, scheduled, and in-flight task of a job and
// reports how many were dropped. A worker already running one of them keeps
// going until its next checkpoint observes the cancelled status.
func (q *RedisQueue) CancelJob(ctx context.Context, jobID string) (int, error) {
	ids, err := q.client.SMembers(ctx, q.jobIndexKey(jobID)).Result()
	if err != nil {
		return 0, eris.Wrapf(err, "list tasks of job %s", jobID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		for _, p := range q.priorityQueues {
			pipe.LRem(ctx, q.readyKey(p), 0, id)
		}
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.Del(ctx, q.taskKey(id))
	}
	pipe.Del(ctx, q.jobIndexKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, eris.Wrapf(err, "cancel tasks of job %s", jobID)
	}
	return len(ids), nil
}

// DeadLetter acks the task and appends it to the dead-letter queue for operational inspection.
func (q *RedisQueue) DeadLetter(ctx context.Context, t Task, reason string) error {
	entry, err := json.Marshal(DeadLetter{Task: t, Reason: reason, At: time.Now().UTC()})
	if err != nil {
		return eris.Wrap(err, "encode dead letter")
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, t.ID)
	pipe.Del(ctx, q.taskKey(t.ID))
	pipe.SRem(ctx, q.jobIndexKey(t.JobID), t.ID)
	pipe.RPush(ctx, q.dlqKey, entry)
	_, err = pipe.Exec(ctx)
	return eris.Wrap(err, "dead-letter task")
}

// DLQPeek reads the oldest dead-lettered tasks.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, eris.Wrap(err, "read dlq")
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, item := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			return nil, eris.Wrap(err, "decode dead letter")
		}
		out = append(out, dl)
	}
	return out, nil
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local task = redis.call('LPOP', KEYS[i])
  if task then
    redis.call('ZADD', inflight, ARGV[1], task)
    return task
  end
end
return nil
`)
