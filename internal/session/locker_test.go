package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameSession(t *testing.T) {
	km := NewKeyedMutex(0)
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(context.Background(), "s1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, km.size(), "所有锁释放后应被回收")
}

func TestKeyedMutexDifferentSessionsDoNotBlock(t *testing.T) {
	km := NewKeyedMutex(50 * time.Millisecond)
	unlockA, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := km.Lock(context.Background(), "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedMutexTimeout(t *testing.T) {
	km := NewKeyedMutex(20 * time.Millisecond)
	unlock, err := km.Lock(context.Background(), "s1")
	require.NoError(t, err)

	_, err = km.Lock(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrLockTimeout)

	unlock()
	unlock() // 重复调用无副作用
	assert.Equal(t, 0, km.size())

	unlock2, err := km.Lock(context.Background(), "s1")
	require.NoError(t, err)
	unlock2()
}

type fakeLockClient struct {
	mu     sync.Mutex
	holder map[string]string
	seq    int
}

func (f *fakeLockClient) AcquireLock(_ context.Context, key string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holder == nil {
		f.holder = map[string]string{}
	}
	if _, held := f.holder[key]; held {
		return "", nil
	}
	f.seq++
	token := string(rune('a' + f.seq))
	f.holder[key] = token
	return token, nil
}

func (f *fakeLockClient) ReleaseLock(_ context.Context, key, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holder[key] != value {
		return false, nil
	}
	delete(f.holder, key)
	return true, nil
}

func TestRedisLockerAcquireAndRelease(t *testing.T) {
	client := &fakeLockClient{}
	locker := NewRedisLocker(client, time.Minute, 50*time.Millisecond)
	locker.pollInterval = 5 * time.Millisecond

	unlock, err := locker.Lock(context.Background(), "s1")
	require.NoError(t, err)
	assert.Contains(t, client.holder, "app:interview:lock:s1")

	_, err = locker.Lock(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrLockTimeout)

	unlock()
	assert.NotContains(t, client.holder, "app:interview:lock:s1")

	unlock2, err := locker.Lock(context.Background(), "s1")
	require.NoError(t, err)
	unlock2()
}
