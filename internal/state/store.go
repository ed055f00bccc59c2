// Package state 维护 (deviceId, geofenceId) 转移状态
package state

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"wisefido-geofence/internal/models"
)

const shardCount = 32

// Key 状态键
type Key struct {
	DeviceID   string
	GeofenceID string
}

// Entry 快照条目
type Entry struct {
	Key
	State models.TransitionState
}

type shard struct {
	mu     sync.RWMutex
	states map[Key]models.TransitionState
}

// Store 按设备分片的内存状态存储
// 同一设备的所有围栏落在同一分片，不同设备之间互不阻塞
type Store struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// NewStore 创建状态存储，now 为 nil 时使用 time.Now
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	s := &Store{now: now}
	for i := range s.shards {
		s.shards[i] = &shard{states: make(map[Key]models.TransitionState)}
	}
	return s
}

func (s *Store) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return s.shards[h.Sum32()%shardCount]
}

// Get 获取状态，不存在时创建 Outside 默认状态
func (s *Store) Get(deviceID, geofenceID string) models.TransitionState {
	key := Key{DeviceID: deviceID, GeofenceID: geofenceID}
	sh := s.shardFor(deviceID)

	sh.mu.RLock()
	st, ok := sh.states[key]
	sh.mu.RUnlock()
	if ok {
		return st
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if st, ok = sh.states[key]; ok {
		return st
	}
	st = models.NewOutsideState()
	sh.states[key] = st
	return st
}

// Peek 读取状态，不存在时不创建
func (s *Store) Peek(deviceID, geofenceID string) (models.TransitionState, bool) {
	sh := s.shardFor(deviceID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	st, ok := sh.states[Key{DeviceID: deviceID, GeofenceID: geofenceID}]
	return st, ok
}

// Put 写入状态，违反不变量时返回 ErrStateCorrupted 且不写入
func (s *Store) Put(deviceID, geofenceID string, st models.TransitionState) error {
	if err := st.CheckInvariants(); err != nil {
		return fmt.Errorf("device %s geofence %s: %w", deviceID, geofenceID, err)
	}
	key := Key{DeviceID: deviceID, GeofenceID: geofenceID}
	sh := s.shardFor(deviceID)

	sh.mu.Lock()
	sh.states[key] = st
	sh.mu.Unlock()
	return nil
}

// PruneIdleSince 删除超过 threshold 未评估的状态，返回删除数量
// 被删除的对下次评估从 Outside 重新开始
func (s *Store) PruneIdleSince(threshold time.Duration) int {
	cutoff := s.now().Add(-threshold)
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, st := range sh.states {
			if st.LastEvaluatedAt.Before(cutoff) {
				delete(sh.states, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Delete 删除单个设备-围栏对的状态
func (s *Store) Delete(deviceID, geofenceID string) {
	sh := s.shardFor(deviceID)
	sh.mu.Lock()
	delete(sh.states, Key{DeviceID: deviceID, GeofenceID: geofenceID})
	sh.mu.Unlock()
}

// DeleteGeofence 删除某个围栏的全部状态（围栏被移除或禁用）
func (s *Store) DeleteGeofence(geofenceID string) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key := range sh.states {
			if key.GeofenceID == geofenceID {
				delete(sh.states, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len 状态数量
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.states)
		sh.mu.RUnlock()
	}
	return n
}

// Snapshot 返回当前已评估过的全部状态（拷贝）
func (s *Store) Snapshot() []Entry {
	var entries []Entry
	for _, sh := range s.shards {
		sh.mu.RLock()
		for key, st := range sh.states {
			if st.Fresh() {
				continue
			}
			entries = append(entries, Entry{Key: key, State: st})
		}
		sh.mu.RUnlock()
	}
	return entries
}
