package review

import "sync"

// keyLocks serializes work per string key. Arrivals queue behind the
// current tail for their key; unrelated keys never contend.
type keyLocks struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newKeyLocks() *keyLocks {
	return &keyLocks{tails: make(map[string]chan struct{})}
}

// acquire blocks until every earlier holder of key has released, then
// returns the release func. The releaser drops the map entry only when
// it is still the tail, so a key with waiters stays present.
func (k *keyLocks) acquire(key string) (release func()) {
	k.mu.Lock()
	prev := k.tails[key]
	mine := make(chan struct{})
	k.tails[key] = mine
	k.mu.Unlock()

	if prev != nil {
		<-prev
	}
	return func() {
		k.mu.Lock()
		if k.tails[key] == mine {
			delete(k.tails, key)
		}
		k.mu.Unlock()
		close(mine)
	}
}

// pending reports how many keys currently hold or await a lock.
func (k *keyLocks) pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.tails)
}
