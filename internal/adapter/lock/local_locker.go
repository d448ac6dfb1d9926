package lock

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// LocalLocker serializes work per key inside one process. Keys are spread
// over shards that only guard the entry table; each key gets its own
// channel-based mutex so different keys never wait on each other.
type LocalLocker struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	l := &LocalLocker{}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*entry)
	}
	return l
}

func (l *LocalLocker) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	s := l.shardFor(key)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(s, key, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(s, key, e, true) })
	}, nil
}

func (l *LocalLocker) release(s *shard, key string, e *entry, held bool) {
	if held {
		<-e.sem
	}
	s.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

// Len reports how many keys currently have holders or waiters.
func (l *LocalLocker) Len() int {
	n := 0
	for i := range l.shards {
		l.shards[i].mu.Lock()
		n += len(l.shards[i].entries)
		l.shards[i].mu.Unlock()
	}
	return n
}
