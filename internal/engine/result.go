// Package engine: the result manager (C7) — a write-through cache over the
// durable execution store, grounded on the teacher's persistence.go
// InMemoryExecutionRepository shape plus the RedisQueue connection pattern
// from queue.go, generalized from a queue client to a cache client.
package engine

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

func marshalResult(result *ExecutionResult) ([]byte, error) {
	return json.Marshal(result)
}

func unmarshalResult(data []byte) (*ExecutionResult, error) {
	var result ExecutionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ResultFilter narrows List queries by tenant/tool/status/time window.
type ResultFilter struct {
	TenantID TenantId
	ToolID   ToolId
	UserID   UserId
	Status   ExecutionStatus
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

// ResultManager is the C7 contract: store/get/delete/list/cleanup over
// ExecutionResult records keyed by execution ID.
type ResultManager interface {
	Store(ctx context.Context, executionID ExecutionId, result *ExecutionResult) error
	Get(ctx context.Context, executionID ExecutionId) (*ExecutionResult, error)
	Delete(ctx context.Context, executionID ExecutionId) error
	List(ctx context.Context, filter ResultFilter) ([]*ExecutionResult, error)
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)
}

// ExecutionStore is the durable backing store a ResultManager writes
// through to; implemented by persistence.go's repository types.
type ExecutionStore interface {
	SaveResult(ctx context.Context, executionID ExecutionId, result *ExecutionResult, storedAt time.Time) error
	LoadResult(ctx context.Context, executionID ExecutionId) (*ExecutionResult, error)
	DeleteResult(ctx context.Context, executionID ExecutionId) error
	ListResults(ctx context.Context, filter ResultFilter) ([]*ExecutionResult, error)
	DeleteResultsOlderThan(ctx context.Context, olderThan time.Time) (int, error)
}

// lruEntry is one node's payload in the in-process LRU list.
type lruEntry struct {
	key    ExecutionId
	result *ExecutionResult
}

// LRUResultManager is a write-through cache: Store/Delete always hit the
// durable store first, then update the bounded in-process LRU so repeated
// Gets for hot executions don't round-trip to storage. Grounded on the
// teacher's container/list-based ordering used elsewhere in the pack
// (queue.go's InMemoryQueue), repurposed here for recency instead of
// priority ordering.
type LRUResultManager struct {
	store    ExecutionStore
	capacity int

	mu    sync.Mutex
	ll    *list.List
	index map[ExecutionId]*list.Element
}

// NewLRUResultManager builds a ResultManager backed by store with an
// in-process LRU cache of the given capacity.
func NewLRUResultManager(store ExecutionStore, capacity int) *LRUResultManager {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LRUResultManager{
		store:    store,
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[ExecutionId]*list.Element),
	}
}

func (m *LRUResultManager) Store(ctx context.Context, executionID ExecutionId, result *ExecutionResult) error {
	if err := m.store.SaveResult(ctx, executionID, result, time.Now()); err != nil {
		return ErrDatabaseError("failed to persist execution result", err)
	}
	m.put(executionID, result)
	return nil
}

func (m *LRUResultManager) Get(ctx context.Context, executionID ExecutionId) (*ExecutionResult, error) {
	if result, ok := m.peek(executionID); ok {
		return result, nil
	}
	result, err := m.store.LoadResult(ctx, executionID)
	if err != nil {
		return nil, ErrDatabaseError("failed to load execution result", err)
	}
	if result == nil {
		return nil, ErrTaskNotFound(string(executionID))
	}
	m.put(executionID, result)
	return result, nil
}

func (m *LRUResultManager) Delete(ctx context.Context, executionID ExecutionId) error {
	if err := m.store.DeleteResult(ctx, executionID); err != nil {
		return ErrDatabaseError("failed to delete execution result", err)
	}
	m.mu.Lock()
	if el, ok := m.index[executionID]; ok {
		m.ll.Remove(el)
		delete(m.index, executionID)
	}
	m.mu.Unlock()
	return nil
}

func (m *LRUResultManager) List(ctx context.Context, filter ResultFilter) ([]*ExecutionResult, error) {
	results, err := m.store.ListResults(ctx, filter)
	if err != nil {
		return nil, ErrDatabaseError("failed to list execution results", err)
	}
	return results, nil
}

func (m *LRUResultManager) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	count, err := m.store.DeleteResultsOlderThan(ctx, olderThan)
	if err != nil {
		return 0, ErrDatabaseError("failed to clean up expired execution results", err)
	}
	return count, nil
}

func (m *LRUResultManager) peek(key ExecutionId) (*ExecutionResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.index[key]
	if !ok {
		return nil, false
	}
	m.ll.MoveToFront(el)
	return el.Value.(*lruEntry).result, true
}

func (m *LRUResultManager) put(key ExecutionId, result *ExecutionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.index[key]; ok {
		el.Value.(*lruEntry).result = result
		m.ll.MoveToFront(el)
		return
	}
	el := m.ll.PushFront(&lruEntry{key: key, result: result})
	m.index[key] = el
	if m.ll.Len() > m.capacity {
		oldest := m.ll.Back()
		if oldest != nil {
			m.ll.Remove(oldest)
			delete(m.index, oldest.Value.(*lruEntry).key)
		}
	}
}

// RedisResultManager is the distributed-cache alternative to
// LRUResultManager, grounded on queue.go's RedisQueue connection setup;
// suitable when multiple engine instances must share one result cache.
type RedisResultManager struct {
	store  ExecutionStore
	client *redis.Client
	ttl    time.Duration
}

// NewRedisResultManager connects to addr and wraps store as the durable
// fallback for cache misses.
func NewRedisResultManager(addr, password string, db int, store ExecutionStore, ttl time.Duration) (*RedisResultManager, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, ErrDatabaseError("failed to connect to redis result cache", err)
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisResultManager{store: store, client: client, ttl: ttl}, nil
}

func (r *RedisResultManager) cacheKey(executionID ExecutionId) string {
	return "engine:result:" + executionID
}

func (r *RedisResultManager) Store(ctx context.Context, executionID ExecutionId, result *ExecutionResult) error {
	if err := r.store.SaveResult(ctx, executionID, result, time.Now()); err != nil {
		return ErrDatabaseError("failed to persist execution result", err)
	}
	data, err := marshalResult(result)
	if err != nil {
		return ErrInternalError("failed to marshal execution result", err)
	}
	if err := r.client.Set(ctx, r.cacheKey(executionID), data, r.ttl).Err(); err != nil {
		return ErrDatabaseError("failed to cache execution result", err)
	}
	return nil
}

func (r *RedisResultManager) Get(ctx context.Context, executionID ExecutionId) (*ExecutionResult, error) {
	data, err := r.client.Get(ctx, r.cacheKey(executionID)).Bytes()
	if err == nil {
		result, uerr := unmarshalResult(data)
		if uerr == nil {
			return result, nil
		}
	}
	result, err := r.store.LoadResult(ctx, executionID)
	if err != nil {
		return nil, ErrDatabaseError("failed to load execution result", err)
	}
	if result == nil {
		return nil, ErrTaskNotFound(string(executionID))
	}
	if data, merr := marshalResult(result); merr == nil {
		_ = r.client.Set(ctx, r.cacheKey(executionID), data, r.ttl).Err()
	}
	return result, nil
}

func (r *RedisResultManager) Delete(ctx context.Context, executionID ExecutionId) error {
	if err := r.store.DeleteResult(ctx, executionID); err != nil {
		return ErrDatabaseError("failed to delete execution result", err)
	}
	return r.client.Del(ctx, r.cacheKey(executionID)).Err()
}

func (r *RedisResultManager) List(ctx context.Context, filter ResultFilter) ([]*ExecutionResult, error) {
	results, err := r.store.ListResults(ctx, filter)
	if err != nil {
		return nil, ErrDatabaseError("failed to list execution results", err)
	}
	return results, nil
}

func (r *RedisResultManager) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	count, err := r.store.DeleteResultsOlderThan(ctx, olderThan)
	if err != nil {
		return 0, ErrDatabaseError("failed to clean up expired execution results", err)
	}
	return count, nil
}
