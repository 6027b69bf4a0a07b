package reconciler

import "sync"

// keyedMutex serializes work per key (here, per server id) without a
// single global lock, so reconciliations on unrelated servers never
// block each other.
type keyedMutex struct {
	locks sync.Map // key -> *sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	value, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
