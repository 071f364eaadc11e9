package syncguard

import (
	"context"
	"sync"
	"time"
)

// fakeBackend is a minimal in-memory Backend used to exercise the
// engine and handle without a real storage substrate.
type fakeBackend struct {
	mu sync.Mutex

	locked      map[string]string // key -> lockID
	fenceByKey  map[string]int64
	nextAcquire func() (Reason, error) // optional hook for injecting contention/errors

	acquireCalls int
	releaseCalls int
	extendCalls  int

	releaseErr error
	extendErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		locked:     make(map[string]string),
		fenceByKey: make(map[string]int64),
	}
}

func (f *fakeBackend) Acquire(ctx context.Context, key string, ttl time.Duration) (*AcquireResult, Reason, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquireCalls++

	if f.nextAcquire != nil {
		if reason, err := f.nextAcquire(); err != nil || reason == ReasonLocked {
			return nil, reason, err
		}
	}

	if _, held := f.locked[key]; held {
		return nil, ReasonLocked, nil
	}

	id, _ := NewLockID()
	f.fenceByKey[key]++
	fence, _ := formatFence(f.fenceByKey[key])
	f.locked[key] = id

	return &AcquireResult{
		LockID:      id,
		Fence:       fence,
		ExpiresAtMS: time.Now().Add(ttl).UnixMilli(),
	}, ReasonNone, nil
}

func (f *fakeBackend) Release(ctx context.Context, lockID string) (Reason, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCalls++
	if f.releaseErr != nil {
		return ReasonNone, f.releaseErr
	}

	for k, id := range f.locked {
		if id == lockID {
			delete(f.locked, k)
			return ReasonNone, nil
		}
	}
	return ReasonAbsent, nil
}

func (f *fakeBackend) Extend(ctx context.Context, lockID string, ttl time.Duration) (*ExtendResult, Reason, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extendCalls++
	if f.extendErr != nil {
		return nil, ReasonNone, f.extendErr
	}

	for _, id := range f.locked {
		if id == lockID {
			return &ExtendResult{ExpiresAtMS: time.Now().Add(ttl).UnixMilli()}, ReasonNone, nil
		}
	}
	return nil, ReasonAbsent, nil
}

func (f *fakeBackend) IsLocked(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, held := f.locked[key]
	return held, nil
}

func (f *fakeBackend) LookupByKey(ctx context.Context, key string) (*LockInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, held := f.locked[key]
	if !held {
		return nil, nil
	}
	return &LockInfo{Key: key, LockID: id, KeyHash: hashKey(key), LockIDHash: hashLockID(id)}, nil
}

func (f *fakeBackend) LookupByID(ctx context.Context, lockID string) (*LockInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, id := range f.locked {
		if id == lockID {
			return &LockInfo{Key: k, LockID: id, KeyHash: hashKey(k), LockIDHash: hashLockID(id)}, nil
		}
	}
	return nil, nil
}

func (f *fakeBackend) Capabilities() Capabilities {
	return Capabilities{SupportsFencing: true, TimeAuthority: TimeAuthorityServer}
}
