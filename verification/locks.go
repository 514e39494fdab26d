package verification

import "sync"

// keyedMutex serialises work per requester. Entries are dropped when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock locks key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// failureSet holds requesters whose last submission failed while their
// challenge stayed valid.
type failureSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newFailureSet() *failureSet {
	return &failureSet{ids: make(map[string]struct{})}
}

func (f *failureSet) set(id string, failed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed {
		f.ids[id] = struct{}{}
		return
	}
	delete(f.ids, id)
}

func (f *failureSet) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ids[id]
	return ok
}
