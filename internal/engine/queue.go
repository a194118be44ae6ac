// Package engine: task queue implementations for the scheduler (C6).
package engine

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TaskQueue is the contract the scheduler drives; InMemoryQueue and
// RedisQueue are interchangeable implementations.
type TaskQueue interface {
	// Enqueue admits a task, ordered by (priority DESC, created_at ASC).
	Enqueue(ctx context.Context, task *Task) error

	// Dequeue removes and returns the next task, skipping any marked Cancelled.
	// It blocks until a task is available or the queue is closed.
	Dequeue(ctx context.Context) (*Task, error)

	// Peek returns the next eligible task without removing it.
	Peek(ctx context.Context) (*Task, error)

	// Cancel marks a still-queued task Cancelled; it is skipped on dequeue.
	// Returns true if the task was found in this queue.
	Cancel(ctx context.Context, taskID TaskId) (bool, error)

	// Len returns the number of tasks currently queued (including cancelled
	// ones not yet skipped).
	Len(ctx context.Context) (int64, error)

	// Close shuts the queue down; blocked Dequeue calls return an error.
	Close() error
}

// InMemoryQueue is a mutex+condvar ordered queue: single-node, in-process.
type InMemoryQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	tasks     *list.List // of *Task, kept sorted on insert
	cancelled map[TaskId]bool
	capacity  int
	closed    bool
}

// NewInMemoryQueue creates an in-memory queue bounded by capacity (0 = unbounded).
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	q := &InMemoryQueue{
		tasks:     list.New(),
		cancelled: make(map[TaskId]bool),
		capacity:  capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func lessTask(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority // priority DESC
	}
	return a.CreatedAt.Before(b.CreatedAt) // created_at ASC tie-break
}

// Enqueue returns ErrQueueFull when capacity is exceeded, leaving the queue
// unchanged (boundary behavior from spec.md §8).
func (q *InMemoryQueue) Enqueue(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrSchedulerNotRunning()
	}
	if q.capacity > 0 && q.tasks.Len() >= q.capacity {
		return ErrQueueFull()
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.Status = TaskStatusQueued

	inserted := false
	for e := q.tasks.Front(); e != nil; e = e.Next() {
		if lessTask(task, e.Value.(*Task)) {
			q.tasks.InsertBefore(task, e)
			inserted = true
			break
		}
	}
	if !inserted {
		q.tasks.PushBack(task)
	}

	q.cond.Signal()
	return nil
}

func (q *InMemoryQueue) popFront() *Task {
	for e := q.tasks.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Task)
		q.tasks.Remove(e)
		if q.cancelled[t.ID] {
			delete(q.cancelled, t.ID)
			continue
		}
		return t
	}
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if t := q.popFront(); t != nil {
			return t, nil
		}
		if q.closed {
			return nil, ErrSchedulerNotRunning()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		q.cond.Wait()
	}
}

func (q *InMemoryQueue) Peek(ctx context.Context) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for e := q.tasks.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Task)
		if !q.cancelled[t.ID] {
			return t, nil
		}
	}
	return nil, nil
}

func (q *InMemoryQueue) Cancel(ctx context.Context, taskID TaskId) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for e := q.tasks.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Task)
		if t.ID == taskID {
			t.Status = TaskStatusCancelled
			q.cancelled[taskID] = true
			return true, nil
		}
	}
	return false, nil
}

func (q *InMemoryQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.tasks.Len()), nil
}

func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
	return nil
}

// RedisQueue is a distributed priority queue keyed by a priority-weighted
// score, suitable when the queue must survive a process restart.
type RedisQueue struct {
	client        *redis.Client
	queueKey      string
	cancelledKey  string
	deadLetterKey string
	pollInterval  time.Duration
}

// RedisQueueConfig configures a RedisQueue.
type RedisQueueConfig struct {
	Addr         string
	Password     string
	DB           int
	QueueName    string
	PollInterval time.Duration
}

// NewRedisQueue connects to Redis and returns a queue over the given key.
func NewRedisQueue(cfg *RedisQueueConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, ErrDatabaseError("failed to connect to redis queue backend", err)
	}

	name := cfg.QueueName
	if name == "" {
		name = "execengine:tasks"
	}
	poll := cfg.PollInterval
	if poll == 0 {
		poll = 100 * time.Millisecond
	}

	return &RedisQueue{
		client:        client,
		queueKey:      name,
		cancelledKey:  name + ":cancelled",
		deadLetterKey: name + ":deadletter",
		pollInterval:  poll,
	}, nil
}

// score orders ZPOPMIN so Critical drains before Low, and within a band
// earlier created_at drains first: lower score pops first.
func score(task *Task) float64 {
	const band = 1e15 // comfortably larger than any realistic UnixNano delta within a priority band
	return band*float64(PriorityCritical-task.Priority) + float64(task.CreatedAt.UnixNano())
}

func (q *RedisQueue) Enqueue(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.Status = TaskStatusQueued

	data, err := json.Marshal(task)
	if err != nil {
		return ErrInternalError("failed to marshal task", err)
	}

	return q.client.ZAdd(ctx, q.queueKey, redis.Z{Score: score(task), Member: data}).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		results, err := q.client.ZPopMin(ctx, q.queueKey, 1).Result()
		if err != nil {
			return nil, ErrDatabaseError("redis queue dequeue failed", err)
		}
		if len(results) > 0 {
			var task Task
			if err := json.Unmarshal([]byte(results[0].Member.(string)), &task); err != nil {
				return nil, ErrInternalError("failed to unmarshal task", err)
			}
			cancelled, _ := q.client.SIsMember(ctx, q.cancelledKey, task.ID).Result()
			if cancelled {
				q.client.SRem(ctx, q.cancelledKey, task.ID)
				continue
			}
			return &task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) Peek(ctx context.Context) (*Task, error) {
	results, err := q.client.ZRange(ctx, q.queueKey, 0, 0).Result()
	if err != nil {
		return nil, ErrDatabaseError("redis queue peek failed", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	var task Task
	if err := json.Unmarshal([]byte(results[0]), &task); err != nil {
		return nil, ErrInternalError("failed to unmarshal task", err)
	}
	return &task, nil
}

func (q *RedisQueue) Cancel(ctx context.Context, taskID TaskId) (bool, error) {
	if err := q.client.SAdd(ctx, q.cancelledKey, taskID).Err(); err != nil {
		return false, ErrDatabaseError("failed to mark task cancelled", err)
	}
	return true, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.queueKey).Result()
	if err != nil {
		return 0, ErrDatabaseError("redis queue length failed", err)
	}
	return n, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// PriorityQueue fans tasks out across one InMemoryQueue per declared
// priority level and always drains the highest non-empty level first,
// matching spec.md's "priority queue drains first on every tick".
type PriorityQueue struct {
	mu     sync.RWMutex
	levels []Priority
	queues map[Priority]*InMemoryQueue
}

// NewPriorityQueue creates a priority queue with one sub-queue per level.
func NewPriorityQueue(levels []Priority, capacityPerLevel int) *PriorityQueue {
	pq := &PriorityQueue{
		levels: levels,
		queues: make(map[Priority]*InMemoryQueue, len(levels)),
	}
	for _, lvl := range levels {
		pq.queues[lvl] = NewInMemoryQueue(capacityPerLevel)
	}
	return pq
}

func (pq *PriorityQueue) queueFor(p Priority) *InMemoryQueue {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	if q, ok := pq.queues[p]; ok {
		return q
	}
	// fall back to the nearest declared level at or below p
	var best *InMemoryQueue
	bestLevel := Priority(-1)
	for lvl, q := range pq.queues {
		if lvl <= p && lvl > bestLevel {
			bestLevel = lvl
			best = q
		}
	}
	if best != nil {
		return best
	}
	return pq.queues[pq.levels[0]]
}

func (pq *PriorityQueue) Enqueue(ctx context.Context, task *Task) error {
	return pq.queueFor(task.Priority).Enqueue(ctx, task)
}

func (pq *PriorityQueue) Dequeue(ctx context.Context) (*Task, error) {
	pq.mu.RLock()
	levels := append([]Priority(nil), pq.levels...)
	pq.mu.RUnlock()

	for {
		for i := len(levels) - 1; i >= 0; i-- {
			q := pq.queues[levels[i]]
			if t, _ := q.Peek(ctx); t != nil {
				return q.Dequeue(ctx)
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (pq *PriorityQueue) Peek(ctx context.Context) (*Task, error) {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	for i := len(pq.levels) - 1; i >= 0; i-- {
		q := pq.queues[pq.levels[i]]
		if t, _ := q.Peek(ctx); t != nil {
			return t, nil
		}
	}
	return nil, nil
}

func (pq *PriorityQueue) Cancel(ctx context.Context, taskID TaskId) (bool, error) {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	for _, q := range pq.queues {
		if ok, _ := q.Cancel(ctx, taskID); ok {
			return true, nil
		}
	}
	return false, nil
}

func (pq *PriorityQueue) Len(ctx context.Context) (int64, error) {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	var total int64
	for _, q := range pq.queues {
		n, _ := q.Len(ctx)
		total += n
	}
	return total, nil
}

func (pq *PriorityQueue) Close() error {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	for _, q := range pq.queues {
		q.Close()
	}
	return nil
}
