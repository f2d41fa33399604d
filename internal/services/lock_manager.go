// internal/services/lock_manager.go
package services

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/Corphon/NovelIntruder/internal/errors"
)

// LockManager 会话级互斥锁管理器
// Each session gets a one-slot channel so waiting honours context cancellation.
type LockManager struct {
	sessionLocks map[string]*LockInfo
	globalLock   sync.Mutex
	lockTTL      time.Duration
	maxLocks     int
	stop         chan struct{}
	stopOnce     sync.Once
}

// LockInfo 包装锁和相关信息
type LockInfo struct {
	sem      chan struct{}
	LastUsed time.Time
	// ReferenceCount counts holders and waiters; cleanup skips referenced locks.
	ReferenceCount int32
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	lm := &LockManager{
		sessionLocks: make(map[string]*LockInfo),
		lockTTL:      30 * time.Minute,
		maxLocks:     200,
		stop:         make(chan struct{}),
	}

	// 启动清理器
	lm.startCleanup(5 * time.Minute)
	return lm
}

// acquireInfo returns the lock for a session with its reference taken.
func (lm *LockManager) acquireInfo(sessionID string) *LockInfo {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	info, exists := lm.sessionLocks[sessionID]
	if !exists {
		info = &LockInfo{sem: make(chan struct{}, 1)}
		lm.sessionLocks[sessionID] = info
	}
	info.ReferenceCount++
	info.LastUsed = time.Now()
	return info
}

func (lm *LockManager) releaseInfo(info *LockInfo) {
	lm.globalLock.Lock()
	info.ReferenceCount--
	info.LastUsed = time.Now()
	lm.globalLock.Unlock()
}

// Lock blocks until the session lock is held or ctx is done. The returned
// function releases it and must be called exactly once.
func (lm *LockManager) Lock(ctx context.Context, sessionID string) (func(), error) {
	info := lm.acquireInfo(sessionID)

	select {
	case info.sem <- struct{}{}:
	case <-ctx.Done():
		lm.releaseInfo(info)
		return nil, apperrors.NewTimeoutError("waiting for session lock: "+sessionID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-info.sem
			lm.releaseInfo(info)
		})
	}, nil
}

// Close stops the cleanup loop.
func (lm *LockManager) Close() {
	lm.stopOnce.Do(func() { close(lm.stop) })
}

// 定期清理未使用的锁
func (lm *LockManager) startCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				lm.cleanupUnusedLocks()
			case <-lm.stop:
				return
			}
		}
	}()
}

func (lm *LockManager) cleanupUnusedLocks() {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	// 只有在锁数量过多时才清理
	if len(lm.sessionLocks) <= lm.maxLocks {
		return
	}
	now := time.Now()
	for sessionID, info := range lm.sessionLocks {
		if info.ReferenceCount == 0 && now.Sub(info.LastUsed) > lm.lockTTL {
			delete(lm.sessionLocks, sessionID)
		}
	}
}

// Size returns the number of tracked session locks.
func (lm *LockManager) Size() int {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()
	return len(lm.sessionLocks)
}
