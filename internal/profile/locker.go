package profile

import "sync"

// Locker — эксклюзивная область на одну идентичность. Записи живут, пока есть держатели.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*keyLock)}
}

// Lock захватывает идентичность и возвращает функцию освобождения.
func (l *Locker) Lock(identity string) (unlock func()) {
	l.mu.Lock()
	k, ok := l.locks[identity]
	if !ok {
		k = &keyLock{}
		l.locks[identity] = k
	}
	k.refs++
	l.mu.Unlock()

	k.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Unlock()
			l.mu.Lock()
			k.refs--
			if k.refs == 0 {
				delete(l.locks, identity)
			}
			l.mu.Unlock()
		})
	}
}

// Held — число идентичностей с активными держателями.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
