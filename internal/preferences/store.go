package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"wisefido-snapshot/internal/profile"
	"wisefido-snapshot/internal/store"

	"go.uber.org/zap"
)

// Store 每个传感器的显示顺序覆盖（进程内并发安全 map，写透到 KV）
type Store struct {
	mu     sync.RWMutex
	items  map[string]profile.Order
	kv     store.KV
	prefix string
	logger *zap.Logger
}

// NewStore 创建偏好存储，kv 可为 nil（仅内存）
func NewStore(kv store.KV, prefix string, logger *zap.Logger) *Store {
	return &Store{
		items:  make(map[string]profile.Order),
		kv:     kv,
		prefix: prefix,
		logger: logger,
	}
}

func (s *Store) key(sensorID string) string {
	return s.prefix + sensorID
}

// Get 读取内存中的覆盖
func (s *Store) Get(sensorID string) (profile.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.items[sensorID]
	if !ok {
		return profile.Order{}, false
	}
	return copyOrder(o), true
}

// Set 更新覆盖；返回内存值是否变化。KV 写入失败只记录日志
func (s *Store) Set(ctx context.Context, sensorID string, o profile.Order) bool {
	o = copyOrder(o)
	s.mu.Lock()
	prev, ok := s.items[sensorID]
	if ok && orderEqual(prev, o) {
		s.mu.Unlock()
		return false
	}
	s.items[sensorID] = o
	s.mu.Unlock()

	if s.kv != nil {
		data, err := json.Marshal(o)
		if err == nil {
			err = s.kv.Set(ctx, s.key(sensorID), string(data), 0)
		}
		if err != nil {
			s.logger.Warn("Failed to persist display preference",
				zap.String("sensor_id", sensorID),
				zap.Error(err),
			)
		}
	}
	return true
}

// Load 从 KV 读回覆盖（内存已有则直接返回）
func (s *Store) Load(ctx context.Context, sensorID string) (profile.Order, bool, error) {
	if o, ok := s.Get(sensorID); ok {
		return o, true, nil
	}
	if s.kv == nil {
		return profile.Order{}, false, nil
	}
	raw, err := s.kv.Get(ctx, s.key(sensorID))
	if err != nil {
		if errors.Is(err, store.ErrMiss) {
			return profile.Order{}, false, nil
		}
		return profile.Order{}, false, fmt.Errorf("failed to load display preference: %w", err)
	}
	var o profile.Order
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return profile.Order{}, false, fmt.Errorf("failed to decode display preference: %w", err)
	}
	s.mu.Lock()
	s.items[sensorID] = o
	s.mu.Unlock()
	return copyOrder(o), true, nil
}

// Clear 删除单个传感器的覆盖
func (s *Store) Clear(ctx context.Context, sensorID string) {
	s.mu.Lock()
	delete(s.items, sensorID)
	s.mu.Unlock()

	if s.kv == nil {
		return
	}
	if err := s.kv.Del(ctx, s.key(sensorID)); err != nil {
		s.logger.Warn("Failed to delete display preference", zap.String("sensor_id", sensorID), zap.Error(err))
	}
}

// ClearAll 删除所有已知覆盖
func (s *Store) ClearAll(ctx context.Context) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.items))
	for id := range s.items {
		keys = append(keys, s.key(id))
	}
	s.items = make(map[string]profile.Order)
	s.mu.Unlock()

	if s.kv == nil || len(keys) == 0 {
		return
	}
	if err := s.kv.Del(ctx, keys...); err != nil {
		s.logger.Warn("Failed to clear display preferences", zap.Int("count", len(keys)), zap.Error(err))
	}
}

// Len 内存中的覆盖数量
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func copyOrder(o profile.Order) profile.Order {
	return profile.Order{Codes: append([]string(nil), o.Codes...), UsesDefault: o.UsesDefault}
}

func orderEqual(a, b profile.Order) bool {
	if a.UsesDefault != b.UsesDefault || len(a.Codes) != len(b.Codes) {
		return false
	}
	for i := range a.Codes {
		if a.Codes[i] != b.Codes[i] {
			return false
		}
	}
	return true
}
