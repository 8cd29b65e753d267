package upload

import "sync"

// keyedMutex is a set of non-blocking per-key locks.
type keyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// TryLock acquires key and reports whether it was free.
func (k *keyedMutex) TryLock(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.held == nil {
		k.held = make(map[string]struct{})
	}

	if _, busy := k.held[key]; busy {
		return false
	}

	k.held[key] = struct{}{}

	return true
}

func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	delete(k.held, key)
}
