// Package remote holds optional external collaborators for the core
// taskengine: cross-process submission, lifecycle event fan-out, and audit
// persistence. None of these make the in-process engine itself durable —
// the core workqueue stays memory-only — they let a *different* process
// submit into it, or let an external subscriber observe/archive it.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Submission is the wire shape an external producer enqueues: enough to
// reconstruct a taskengine.WorkItem-shaped call on the consuming side
// without the Redis client ever touching pool/binding internals directly.
type Submission struct {
	ID        string    `json:"id"`
	Workqueue string    `json:"workqueue"`
	CPU       int       `json:"cpu"`
	Payload   []byte    `json:"payload"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// RemoteSubmitter proxies Enqueue across a process boundary, grounded on
// internal/engine/queue.go's RedisQueue (its ZADD-by-priority / ZPOPMIN
// pattern for a distributed priority queue), repointed at shipping a
// Submission envelope rather than the teacher's workflow Task.
type RemoteSubmitter struct {
	client   *redis.Client
	queueKey string
}

// RedisConfig configures a RemoteSubmitter/RemoteDrainer pair.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	QueueName string
}

// NewRemoteSubmitter dials Redis and verifies connectivity, the way the
// teacher's NewRedisQueue does before returning.
func NewRemoteSubmitter(cfg RedisConfig) (*RemoteSubmitter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("remote: failed to connect to redis: %w", err)
	}

	queueName := cfg.QueueName
	if queueName == "" {
		queueName = "taskengine:submissions"
	}
	return &RemoteSubmitter{client: client, queueKey: queueName}, nil
}

// Submit enqueues s onto the shared sorted set, scored so higher priority
// sorts first (the same "score = timestamp - priority*1e9" trick the
// teacher's RedisQueue.Enqueue uses).
func (s *RemoteSubmitter) Submit(ctx context.Context, sub Submission) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	sub.CreatedAt = time.Now()

	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("remote: marshal submission: %w", err)
	}

	score := float64(sub.CreatedAt.UnixNano()) - float64(sub.Priority)*1e9
	return s.client.ZAdd(ctx, s.queueKey, redis.Z{Score: score, Member: data}).Err()
}

func (s *RemoteSubmitter) Close() error {
	return s.client.Close()
}

// RemoteDrainer is the consuming side: it lives in the process that owns
// the actual *taskengine.Workqueue and repeatedly pops the highest-priority
// submission, handing it to a caller-supplied Dispatch func (typically a
// closure over Workqueue.Enqueue/EnqueueOn). It holds no reference into the
// core's pool/binding internals — spec.md §1/§9's "no owning reference held
// across the lookup."
type RemoteDrainer struct {
	client   *redis.Client
	queueKey string
}

// Dispatch converts a drained Submission into a local enqueue. Implemented
// by the caller, since only the caller's process knows which *Workqueue
// (and how to turn Payload back into a taskengine.Func) a submission maps
// to.
type Dispatch func(ctx context.Context, sub Submission) error

func NewRemoteDrainer(cfg RedisConfig) (*RemoteDrainer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("remote: failed to connect to redis: %w", err)
	}
	queueName := cfg.QueueName
	if queueName == "" {
		queueName = "taskengine:submissions"
	}
	return &RemoteDrainer{client: client, queueKey: queueName}, nil
}

// Run pops and dispatches submissions until ctx is cancelled.
func (d *RemoteDrainer) Run(ctx context.Context, dispatch Dispatch) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := d.client.ZPopMin(ctx, d.queueKey, 1).Result()
		if err != nil {
			return fmt.Errorf("remote: zpopmin: %w", err)
		}
		if len(results) == 0 {
			select {
			case <-time.After(250 * time.Millisecond):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		member, ok := results[0].Member.(string)
		if !ok {
			continue
		}
		var sub Submission
		if err := json.Unmarshal([]byte(member), &sub); err != nil {
			continue
		}
		if err := dispatch(ctx, sub); err != nil {
			return err
		}
	}
}

func (d *RemoteDrainer) Close() error {
	return d.client.Close()
}
